package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// BadgerMirror keeps sealed ciphertext copies in a local Badger database,
// keyed by "<kind>/<id>".
type BadgerMirror struct {
	db          *badger.DB
	dir         string
	log         *slog.Logger
	locationURI string
}

// NewBadgerMirror opens (or creates) a Badger database in dir.
func NewBadgerMirror(dir string, log *slog.Logger) (*BadgerMirror, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger mirror: %w", err)
	}

	return &BadgerMirror{
		db:          db,
		dir:         dir,
		log:         log,
		locationURI: fmt.Sprintf("badger://%s", dir),
	}, nil
}

func (m *BadgerMirror) Fetch(ctx context.Context, id interfaces.BlobID, kind interfaces.BlobKind) ([]byte, error) {
	var data []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id, kind))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob from badger: %w", err)
	}
	return data, nil
}

func (m *BadgerMirror) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(id, kind), data)
	})
	if err != nil {
		return id, fmt.Errorf("failed to write blob to badger: %w", err)
	}
	return id, nil
}

func (m *BadgerMirror) Available(ctx context.Context) bool {
	return !m.db.IsClosed()
}

func (m *BadgerMirror) Name() string {
	return fmt.Sprintf("badger-%s", filepath.Base(m.dir))
}

func (m *BadgerMirror) LocationURI() string {
	return m.locationURI
}

// Close flushes and closes the database.
func (m *BadgerMirror) Close() error {
	return m.db.Close()
}

func blobKey(id interfaces.BlobID, kind interfaces.BlobKind) []byte {
	return []byte(kind.String() + "/" + id.String())
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

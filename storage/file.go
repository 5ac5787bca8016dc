package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// FileMirror keeps sealed ciphertext copies on a second local filesystem,
// typically a network or removable volume. Blobs are laid out as <dir>/<kind>/<id>.
type FileMirror struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileMirror creates a file mirror rooted at baseDir with one
// subdirectory per blob kind.
func NewFileMirror(baseDir string, log *slog.Logger) (*FileMirror, error) {
	for _, kind := range []interfaces.BlobKind{interfaces.ShareBlob, interfaces.RegistryBlob, interfaces.StateBlob} {
		if err := os.MkdirAll(filepath.Join(baseDir, kind.String()), 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s mirror directory: %w", kind, err)
		}
	}

	return &FileMirror{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch returns ErrBlobNotFound if no blob with id was mirrored.
func (m *FileMirror) Fetch(ctx context.Context, id interfaces.BlobID, kind interfaces.BlobKind) ([]byte, error) {
	blobPath := m.blobPath(id, kind)

	data, err := os.ReadFile(blobPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored blob: %w", err)
	}

	if interfaces.ComputeBlobID(data) != id {
		m.log.Error("Mirrored blob does not match its id", slog.String("path", blobPath))
		return nil, fmt.Errorf("%w: mirrored blob %s is corrupt", interfaces.ErrDecode, id)
	}

	m.log.Debug("Fetched blob from file mirror",
		slog.String("path", blobPath),
		slog.Int("size", len(data)))
	return data, nil
}

func (m *FileMirror) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	blobPath := m.blobPath(id, kind)

	if err := writeFileAtomic(blobPath, data); err != nil {
		return id, fmt.Errorf("failed to write mirrored blob: %w", err)
	}

	m.log.Debug("Stored blob in file mirror",
		slog.String("path", blobPath),
		slog.String("blob_id", id.String()))
	return id, nil
}

func (m *FileMirror) Available(ctx context.Context) bool {
	if _, err := os.Stat(m.baseDir); err != nil {
		m.log.Debug("File mirror unavailable", "err", err)
		return false
	}
	return true
}

func (m *FileMirror) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(m.baseDir))
}

func (m *FileMirror) LocationURI() string {
	return m.locationURI
}

func (m *FileMirror) blobPath(id interfaces.BlobID, kind interfaces.BlobKind) string {
	return filepath.Join(m.baseDir, kind.String(), id.String())
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// mirrorTimeout bounds a best-effort mirror push after a seal.
const mirrorTimeout = 30 * time.Second

// MultiMirror fans stores out to every available mirror and fetches from the
// first mirror holding the blob.
type MultiMirror struct {
	mirrors []interfaces.MirrorBackend
	log     *slog.Logger
}

// NewMultiMirror aggregates mirrors in priority order.
func NewMultiMirror(mirrors []interfaces.MirrorBackend, log *slog.Logger) *MultiMirror {
	return &MultiMirror{
		mirrors: mirrors,
		log:     log,
	}
}

func (m *MultiMirror) Fetch(ctx context.Context, id interfaces.BlobID, kind interfaces.BlobKind) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, mirror := range m.mirrors {
		if !mirror.Available(ctx) {
			m.log.Debug("Mirror unavailable", slog.String("mirror", mirror.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", mirror.Name(), interfaces.ErrMirrorUnavailable))
			continue
		}

		data, err := mirror.Fetch(ctx, id, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mirror.Name(), err))
			m.log.Debug("Failed to fetch from mirror",
				slog.String("mirror", mirror.Name()),
				slog.String("blob_id", id.String()),
				"err", err)
			continue
		}
		if interfaces.ComputeBlobID(data) != id {
			errs = append(errs, fmt.Errorf("%s: %w: content does not match id", mirror.Name(), interfaces.ErrDecode))
			continue
		}

		m.log.Info("Fetched blob from mirror",
			slog.String("mirror", mirror.Name()),
			slog.String("blob_id", id.String()),
			slog.Duration("duration", time.Since(start)))
		return data, nil
	}

	if len(errs) > 0 && allNotFound(errs) {
		return nil, interfaces.ErrBlobNotFound
	}
	return nil, fmt.Errorf("all mirrors failed to fetch %s: %w", id, errors.Join(errs...))
}

// Store succeeds if at least one mirror accepted the blob.
func (m *MultiMirror) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	stored := 0
	var errs []error

	for _, mirror := range m.mirrors {
		if !mirror.Available(ctx) {
			m.log.Debug("Mirror unavailable", slog.String("mirror", mirror.Name()))
			continue
		}

		if _, err := mirror.Store(ctx, data, kind); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mirror.Name(), err))
			m.log.Warn("Failed to store to mirror",
				slog.String("mirror", mirror.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		return id, fmt.Errorf("%w: no mirror stored blob %s: %v", interfaces.ErrMirrorUnavailable, id, errs)
	}
	return id, nil
}

func (m *MultiMirror) Available(ctx context.Context) bool {
	for _, mirror := range m.mirrors {
		if mirror.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiMirror) Name() string {
	return "multi-mirror"
}

func (m *MultiMirror) LocationURI() string {
	locations := make([]string, 0, len(m.mirrors))
	for _, mirror := range m.mirrors {
		locations = append(locations, mirror.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}

// Close closes every mirror holding local resources.
func (m *MultiMirror) Close() error {
	var errs []error
	for _, mirror := range m.mirrors {
		if closer, ok := mirror.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", mirror.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func allNotFound(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrBlobNotFound) {
			return false
		}
	}
	return true
}

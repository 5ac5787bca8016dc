//go:build production

package attestation

import (
	"errors"
	"log/slog"
)

// ErrSkipUnsupported is returned by NewSkipSource in production builds.
var ErrSkipUnsupported = errors.New("skipping remote attestation is not available in production builds")

// NewSkipSource always fails in production builds.
func NewSkipSource(log *slog.Logger) (Source, error) {
	return nil, ErrSkipUnsupported
}

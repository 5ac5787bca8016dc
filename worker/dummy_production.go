//go:build production

package worker

import (
	"errors"

	"github.com/ruteri/tee-sidechain-worker/attestation"
)

// ErrDummyUnsupported is returned in production builds for the dummy attestation provider.
var ErrDummyUnsupported = errors.New("dummy attestation is not available in production builds")

func dummyAttestation() (attestation.Provider, attestation.Verifier, error) {
	return nil, nil, ErrDummyUnsupported
}

//go:build !production

package worker

import "github.com/ruteri/tee-sidechain-worker/attestation"

func dummyAttestation() (attestation.Provider, attestation.Verifier, error) {
	return attestation.DummyProvider{}, attestation.DummyVerifier{}, nil
}

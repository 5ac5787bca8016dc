package attestation

import (
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// Credential is the registration credential of an enclave. The concrete
// variants are AttestedCredential and, outside production builds,
// SkipAttestationCredential.
type Credential interface {
	// Extrinsic is the registration call to submit.
	Extrinsic() interfaces.Extrinsic
	// Attested reports whether the credential carries a verified hardware quote.
	Attested() bool

	credential()
}

// Request carries what a credential commits to.
type Request struct {
	Account interfaces.AccountId
	Nonce   uint64
	Url     string
}

// Source produces the registration credential of the enclave.
type Source interface {
	Obtain(req Request) (Credential, error)
}

// AttestedCredential is a registration signed by the enclave key and carrying
// a quote bound to it.
type AttestedCredential struct {
	Registration *Registration
	xt           interfaces.Extrinsic
}

func (c *AttestedCredential) Extrinsic() interfaces.Extrinsic { return c.xt }
func (c *AttestedCredential) Attested() bool                  { return true }
func (c *AttestedCredential) credential()                     {}

// AttestedSource builds attested credentials from a quote provider.
type AttestedSource struct {
	key      *EnclaveKey
	provider Provider
	log      *slog.Logger
}

// NewAttestedSource creates a source that attests with provider and signs with key.
func NewAttestedSource(key *EnclaveKey, provider Provider, log *slog.Logger) *AttestedSource {
	return &AttestedSource{key: key, provider: provider, log: log}
}

func (s *AttestedSource) Obtain(req Request) (Credential, error) {
	if req.Account != s.key.Account() {
		return nil, fmt.Errorf("credential requested for %s, enclave account is %s", req.Account, s.key.Account())
	}

	reg := &Registration{Account: req.Account, Nonce: req.Nonce, Url: req.Url}
	quote, err := s.provider.Attest(reg.ReportData())
	if err != nil {
		return nil, fmt.Errorf("failed to obtain quote: %w", err)
	}
	reg.Quote = quote

	reg.Signature, err = s.key.Sign(reg.SigningHash())
	if err != nil {
		return nil, fmt.Errorf("failed to sign registration: %w", err)
	}

	payload, err := reg.Encode()
	if err != nil {
		return nil, err
	}

	s.log.Info("Obtained attested registration credential",
		slog.String("account", req.Account.String()),
		slog.Uint64("nonce", req.Nonce),
		slog.Int("quote_size", len(quote)))

	return &AttestedCredential{
		Registration: reg,
		xt:           interfaces.Extrinsic{Payload: payload, Signed: true},
	}, nil
}

//go:build !production

package attestation

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

var dummyQuotePrefix = []byte("dummy-quote:")

// SkipAttestationCredential is an unsigned registration without a hardware
// quote, accepted only by development parentchains.
type SkipAttestationCredential struct {
	Registration *Registration
	xt           interfaces.Extrinsic
}

func (c *SkipAttestationCredential) Extrinsic() interfaces.Extrinsic { return c.xt }
func (c *SkipAttestationCredential) Attested() bool                  { return false }
func (c *SkipAttestationCredential) credential()                     {}

type skipSource struct {
	log *slog.Logger
}

// NewSkipSource returns a source producing SkipAttestationCredential.
func NewSkipSource(log *slog.Logger) (Source, error) {
	return &skipSource{log: log}, nil
}

func (s *skipSource) Obtain(req Request) (Credential, error) {
	reg := &Registration{Account: req.Account, Nonce: req.Nonce, Url: req.Url}
	payload, err := reg.Encode()
	if err != nil {
		return nil, err
	}

	s.log.Warn("Remote attestation skipped, registering with an unsigned mock credential",
		slog.String("account", req.Account.String()))

	return &SkipAttestationCredential{
		Registration: reg,
		xt:           interfaces.Extrinsic{Payload: payload, Signed: false},
	}, nil
}

// DummyProvider returns a fake quote embedding the report data. It lets
// development setups without TDX exercise the attested path.
type DummyProvider struct{}

func (DummyProvider) Attest(reportData [64]byte) ([]byte, error) {
	return append(append([]byte{}, dummyQuotePrefix...), reportData[:]...), nil
}

// DummyVerifier accepts quotes made by DummyProvider.
type DummyVerifier struct{}

func (DummyVerifier) Verify(reportData [64]byte, quote []byte) (Measurements, error) {
	if !bytes.HasPrefix(quote, dummyQuotePrefix) || !bytes.Equal(quote[len(dummyQuotePrefix):], reportData[:]) {
		return nil, fmt.Errorf("%w: not a dummy quote for %x", ErrQuoteVerification, reportData[:8])
	}
	return Measurements{0: "dummy"}, nil
}

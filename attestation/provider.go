package attestation

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// ErrQuoteVerification is returned when a quote fails verification or does not
// carry the expected report data.
var ErrQuoteVerification = errors.New("quote verification failed")

// Provider produces a hardware quote committing to reportData.
type Provider interface {
	Attest(reportData [64]byte) ([]byte, error)
}

// Verifier checks a quote against the report data it must commit to and
// returns the measurements it attests.
type Verifier interface {
	Verify(reportData [64]byte, quote []byte) (Measurements, error)
}

// Measurements maps measurement register index to hex value.
// 0 is MRTD, 1-4 are RTMR0-3.
type Measurements map[int]string

// DCAPProvider obtains TDX quotes from the local quote generation service,
// through configfs when available and the guest device otherwise.
type DCAPProvider struct{}

func (DCAPProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// RemoteProvider asks a quote provider service at Address for the quote,
// for enclaves that cannot reach the quote device themselves.
type RemoteProvider struct {
	Address string
	Client  *http.Client
}

// NewRemoteProvider creates a provider with a bounded request timeout.
func NewRemoteProvider(address string) *RemoteProvider {
	return &RemoteProvider{
		Address: address,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *RemoteProvider) Attest(reportData [64]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	resp, err := p.Client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPVerifier verifies TDX v4 quotes against Intel collateral.
type DCAPVerifier struct {
	Options *verify.Options
}

func (v DCAPVerifier) Verify(reportData [64]byte, quote []byte) (Measurements, error) {
	options := v.Options
	if options == nil {
		options = verify.DefaultOptions()
	}
	return VerifyDCAPQuote(reportData, quote, options)
}

// VerifyDCAPQuote parses and verifies a raw TDX quote, then checks that it
// commits to reportData.
func VerifyDCAPQuote(reportData [64]byte, quote []byte, options *verify.Options) (Measurements, error) {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse quote: %v", ErrQuoteVerification, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported quote type: %T", ErrQuoteVerification, protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteVerification, err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("%w: invalid report data %x, expected %x", ErrQuoteVerification, v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	body := v4Quote.TdQuoteBody
	return Measurements{
		0: hex.EncodeToString(body.MrTd),
		1: hex.EncodeToString(body.Rtmrs[0]),
		2: hex.EncodeToString(body.Rtmrs[1]),
		3: hex.EncodeToString(body.Rtmrs[2]),
		4: hex.EncodeToString(body.Rtmrs[3]),
	}, nil
}

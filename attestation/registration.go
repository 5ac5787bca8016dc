package attestation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// ErrInvalidSignature is returned when a registration signature does not
// recover to the registered account.
var ErrInvalidSignature = errors.New("invalid registration signature")

// Registration is the enclave registration call submitted to the parentchain.
type Registration struct {
	Account   interfaces.AccountId
	Nonce     uint64
	Url       string
	Quote     []byte
	Signature []byte
}

type unsignedRegistration struct {
	Account interfaces.AccountId
	Nonce   uint64
	Url     string
	Quote   []byte
}

// ReportData binds a quote to the enclave account, its nonce and worker url.
// The upper 32 bytes are zero.
func ReportData(account interfaces.AccountId, nonce uint64, url string) [64]byte {
	encoded, err := rlp.EncodeToBytes(unsignedRegistration{Account: account, Nonce: nonce, Url: url})
	if err != nil {
		panic(fmt.Sprintf("report data encoding failed: %v", err))
	}

	var reportData [64]byte
	copy(reportData[:], crypto.Keccak256(encoded))
	return reportData
}

// ReportData returns the report data the registration's quote must commit to.
func (r *Registration) ReportData() [64]byte {
	return ReportData(r.Account, r.Nonce, r.Url)
}

// SigningHash is the hash signed by the enclave key.
func (r *Registration) SigningHash() common.Hash {
	encoded, err := rlp.EncodeToBytes(unsignedRegistration{
		Account: r.Account,
		Nonce:   r.Nonce,
		Url:     r.Url,
		Quote:   r.Quote,
	})
	if err != nil {
		panic(fmt.Sprintf("registration encoding failed: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// Encode returns the RLP encoding of the registration.
func (r *Registration) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(r)
}

// DecodeRegistration parses an encoded registration.
func DecodeRegistration(data []byte) (*Registration, error) {
	var r Registration
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return nil, fmt.Errorf("%w: registration: %v", interfaces.ErrDecode, err)
	}
	return &r, nil
}

// VerifySignature checks that the signature recovers to the registered account.
func (r *Registration) VerifySignature() error {
	hash := r.SigningHash()
	pubkey, err := crypto.SigToPub(hash[:], r.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if AccountFromPubkey(pubkey) != r.Account {
		return ErrInvalidSignature
	}
	return nil
}

// Verify checks the signature and the quote of a registration and returns
// the attested measurements.
func (r *Registration) Verify(verifier Verifier) (Measurements, error) {
	if err := r.VerifySignature(); err != nil {
		return nil, err
	}
	return verifier.Verify(r.ReportData(), r.Quote)
}

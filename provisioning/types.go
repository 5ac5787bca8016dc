package provisioning

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// ProvisionPath is the route of the provisioning responder.
const ProvisionPath = "/api/attested/provision"

var (
	// ErrChallengeMismatch is returned when a peer registration does not commit to the request challenge.
	ErrChallengeMismatch = errors.New("registration does not commit to the challenge")

	// ErrUnattestedPeer is returned for peers without a hardware quote when those are not accepted.
	ErrUnattestedPeer = errors.New("peer is not attested")

	// ErrUnknownPeer is returned for peers not registered on the parentchain.
	ErrUnknownPeer = errors.New("peer is not a registered enclave")

	// ErrKeyMismatch is returned when the provided public key does not belong to the registered account.
	ErrKeyMismatch = errors.New("public key does not match registered account")
)

// ProvisionRequest asks a peer enclave for the state of a shard. The
// registration commits to Challenge through its Url field.
type ProvisionRequest struct {
	Shard        string        `json:"shard"`
	Challenge    string        `json:"challenge"`
	Registration hexutil.Bytes `json:"registration"`
	Attested     bool          `json:"attested"`
	PublicKey    hexutil.Bytes `json:"public_key"`
}

// ProvisionResponse carries the responder's registration for the same
// challenge and the shard state encrypted to the requester's key.
type ProvisionResponse struct {
	RequestID    string        `json:"request_id"`
	Registration hexutil.Bytes `json:"registration"`
	Attested     bool          `json:"attested"`
	Ciphertext   hexutil.Bytes `json:"ciphertext"`
}

// ProvisionedState is the plaintext of a provisioning response.
type ProvisionedState struct {
	Shard     interfaces.ShardIdentifier
	State     []byte
	StateHash common.Hash
}

func (p *ProvisionedState) encode() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

func decodeProvisionedState(data []byte) (*ProvisionedState, error) {
	var p ProvisionedState
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return nil, fmt.Errorf("%w: provisioned state: %v", interfaces.ErrDecode, err)
	}
	return &p, nil
}

// PeerPolicy decides which peers are trusted with or trusted for shard state.
type PeerPolicy struct {
	Verifier attestation.Verifier
	// Peers restricts peers to registered enclaves when set.
	Peers *PeerSet
	// AllowUnattested accepts skip-attestation registrations.
	AllowUnattested bool
}

// verifyPeer checks an encoded peer registration against the challenge and
// returns the registration.
func (p PeerPolicy) verifyPeer(encoded []byte, attested bool, challenge string) (*attestation.Registration, error) {
	reg, err := attestation.DecodeRegistration(encoded)
	if err != nil {
		return nil, err
	}
	if reg.Url != challenge {
		return nil, ErrChallengeMismatch
	}

	if attested {
		if _, err := reg.Verify(p.Verifier); err != nil {
			return nil, err
		}
	} else if !p.AllowUnattested {
		return nil, ErrUnattestedPeer
	}

	if p.Peers != nil && !p.Peers.Registered(reg.Account) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, reg.Account)
	}
	return reg, nil
}

func peerPublicKey(raw []byte, account interfaces.AccountId) (*ecdsa.PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", interfaces.ErrDecode, err)
	}
	if attestation.AccountFromPubkey(pub) != account {
		return nil, ErrKeyMismatch
	}
	return pub, nil
}

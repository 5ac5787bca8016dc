package api

import (
	"crypto/ecdsa"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// Key vault operations an owner signature is bound to.
const (
	OpProvision = "provision"
	OpCheck     = "check"
	OpGet       = "get"
)

// MaxRequestSkew is how far the signed timestamp of an owner request may be
// from the worker clock.
const MaxRequestSkew = 5 * time.Minute

// OwnerRequestHash is the hash an owner signs for op on the share of id at
// timestamp (unix seconds). share is only set for OpProvision.
func OwnerRequestHash(op string, owner interfaces.AccountId, id interfaces.ResourceId, share *interfaces.Share, timestamp int64) common.Hash {
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], uint32(id))
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(timestamp))

	parts := [][]byte{[]byte("keyvault/" + op), owner[:], idBytes[:], tsBytes[:]}
	if share != nil {
		parts = append(parts, []byte{share.Index}, share.Payload)
	}
	return crypto.Keccak256Hash(parts...)
}

// FreshTimestamp reports whether timestamp is within MaxRequestSkew of now.
func FreshTimestamp(timestamp int64, now time.Time) bool {
	skew := now.Sub(time.Unix(timestamp, 0))
	return skew <= MaxRequestSkew && skew >= -MaxRequestSkew
}

// SignOwnerRequest signs hash with the owner key.
func SignOwnerRequest(key *ecdsa.PrivateKey, hash common.Hash) ([]byte, error) {
	return crypto.Sign(hash[:], key)
}

// VerifyOwnerSignature reports whether sig over hash was made by owner.
func VerifyOwnerSignature(hash common.Hash, sig []byte, owner interfaces.AccountId) bool {
	pub, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return false
	}
	return attestation.AccountFromPubkey(pub) == owner
}

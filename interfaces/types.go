package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ShardIdentifier names an independent confidential state instance.
// Each shard owns a disjoint sealed-storage namespace.
type ShardIdentifier [32]byte

// NewShardIdentifierFromHex parses a 64-character hex string, with or without 0x prefix.
func NewShardIdentifierFromHex(source string) (ShardIdentifier, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ShardIdentifier{}, errors.New("invalid shard identifier length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ShardIdentifier{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var shard ShardIdentifier
	copy(shard[:], raw)
	return shard, nil
}

// String returns the hex representation without prefix.
func (s ShardIdentifier) String() string {
	return hex.EncodeToString(s[:])
}

// AccountId is the 32-byte public identity of a chain account.
type AccountId [32]byte

// NewAccountIdFromHex parses a 64-character hex string, with or without 0x prefix.
func NewAccountIdFromHex(source string) (AccountId, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return AccountId{}, errors.New("invalid account id length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return AccountId{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var acc AccountId
	copy(acc[:], raw)
	return acc, nil
}

// String returns the 0x-prefixed hex representation.
func (a AccountId) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Bytes returns the raw 32 bytes.
func (a AccountId) Bytes() []byte {
	return a[:]
}

// ResourceId identifies the NFT a secret share or registry entry belongs to.
type ResourceId uint32

// Share is one threshold-cryptography fragment of a secret.
type Share struct {
	Index   uint8
	Payload []byte
}

// Balance is a chain balance amount.
type Balance = uint256.Int

// AccountInfo mirrors the parentchain account bookkeeping inside the enclave.
// An absent account behaves as nonce 0 with zero balance.
type AccountInfo struct {
	Nonce    uint64
	Free     *uint256.Int
	Reserved *uint256.Int
}

// NewAccountInfo returns an account record with zero balances.
func NewAccountInfo() *AccountInfo {
	return &AccountInfo{
		Free:     uint256.NewInt(0),
		Reserved: uint256.NewInt(0),
	}
}

// StateEntry is one element of a state diff. A Delete entry removes Key.
type StateEntry struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// StateDiff is an ordered list of state mutations.
type StateDiff []StateEntry

// StatePayload is one state transition record. It is valid to apply only
// against a state whose hash is StateHashApriori, and must produce a state
// whose hash is StateHashAposteriori.
type StatePayload struct {
	StateHashApriori     common.Hash
	StateHashAposteriori common.Hash
	StateUpdate          StateDiff
}

// NftDetails is the descriptive part of an NFT registry record.
type NftDetails struct {
	Data    []byte
	Edition uint32
	Listed  bool
}

// NftData is the registry record keyed by ResourceId.
type NftData struct {
	Owner   AccountId
	Details NftDetails
	Locked  bool
	Capsule bool
}

// Header is a parentchain block header reduced to what sync needs.
type Header struct {
	Number     uint64
	ParentHash common.Hash
	Hash       common.Hash
}

// String returns a short human readable form for logging.
func (h Header) String() string {
	return fmt.Sprintf("#%d (%s)", h.Number, h.Hash.TerminalString())
}

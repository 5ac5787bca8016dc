package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"golang.org/x/crypto/blake2b"
)

// State is the key-value state of one shard.
type State struct {
	kv map[string][]byte
}

type stateEntry struct {
	Key   []byte
	Value []byte
}

// NewState returns an empty state.
func NewState() *State {
	return &State{kv: make(map[string][]byte)}
}

// Get returns the value stored at key.
func (s *State) Get(key []byte) ([]byte, bool) {
	v, ok := s.kv[string(key)]
	return v, ok
}

// Set stores value at key.
func (s *State) Set(key, value []byte) {
	s.kv[string(key)] = append([]byte(nil), value...)
}

// Delete removes key.
func (s *State) Delete(key []byte) {
	delete(s.kv, string(key))
}

// Len returns the number of keys.
func (s *State) Len() int {
	return len(s.kv)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := &State{kv: make(map[string][]byte, len(s.kv))}
	for k, v := range s.kv {
		c.kv[k] = append([]byte(nil), v...)
	}
	return c
}

// ApplyDiff applies diff in order.
func (s *State) ApplyDiff(diff interfaces.StateDiff) {
	for _, entry := range diff {
		if entry.Delete {
			s.Delete(entry.Key)
		} else {
			s.Set(entry.Key, entry.Value)
		}
	}
}

func (s *State) sorted() []stateEntry {
	entries := make([]stateEntry, 0, len(s.kv))
	for k, v := range s.kv {
		entries = append(entries, stateEntry{Key: []byte(k), Value: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	return entries
}

// Encode serializes the state with keys in ascending order, so equal states
// always encode to equal bytes.
func (s *State) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s.sorted())
}

// Hash is the Keccak-256 of the canonical encoding.
func (s *State) Hash() common.Hash {
	encoded, err := s.Encode()
	if err != nil {
		// Encoding byte slices cannot fail
		panic(fmt.Sprintf("state encoding failed: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// DecodeState parses an encoded state.
func DecodeState(encoded []byte) (*State, error) {
	var entries []stateEntry
	if err := rlp.DecodeBytes(encoded, &entries); err != nil {
		return nil, fmt.Errorf("%w: state: %v", interfaces.ErrDecode, err)
	}

	s := NewState()
	for _, e := range entries {
		s.kv[string(e.Key)] = e.Value
	}
	return s, nil
}

// Diff returns the diff turning s into next. Keys are emitted in ascending order.
func (s *State) Diff(next *State) interfaces.StateDiff {
	var diff interfaces.StateDiff
	for _, e := range next.sorted() {
		if old, ok := s.kv[string(e.Key)]; !ok || !bytes.Equal(old, e.Value) {
			diff = append(diff, interfaces.StateEntry{Key: e.Key, Value: e.Value})
		}
	}
	for _, e := range s.sorted() {
		if _, ok := next.kv[string(e.Key)]; !ok {
			diff = append(diff, interfaces.StateEntry{Key: e.Key, Delete: true})
		}
	}
	return diff
}

var (
	systemPrefix  = blake2_128([]byte("System"))
	accountPrefix = blake2_128([]byte("Account"))
)

// AccountKey is the storage key of an account record:
// blake2_128("System") ++ blake2_128("Account") ++ blake2_128(account) ++ account.
func AccountKey(account interfaces.AccountId) []byte {
	key := make([]byte, 0, 16*3+32)
	key = append(key, systemPrefix...)
	key = append(key, accountPrefix...)
	key = append(key, blake2_128(account[:])...)
	return append(key, account[:]...)
}

func blake2_128(data []byte) []byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

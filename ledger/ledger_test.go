package ledger

import (
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testRoot  = interfaces.AccountId{0x01}
	testAlice = interfaces.AccountId{0xa1}
	testBob   = interfaces.AccountId{0xb0}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SealedStore {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	store, err := storage.NewSealedStore(t.TempDir(), secret, testLogger())
	require.NoError(t, err)
	return store
}

// payloadFor builds the payload turning the ledger state into the state
// produced by mutate.
func payloadFor(l *Ledger, mutate func(*State)) interfaces.StatePayload {
	l.mu.RLock()
	before := l.state.Clone()
	l.mu.RUnlock()

	after := before.Clone()
	mutate(after)
	return interfaces.StatePayload{
		StateHashApriori:     before.Hash(),
		StateHashAposteriori: after.Hash(),
		StateUpdate:          before.Diff(after),
	}
}

func TestState_HashIsOrderIndependent(t *testing.T) {
	a := NewState()
	a.Set([]byte("k1"), []byte("v1"))
	a.Set([]byte("k2"), []byte("v2"))

	b := NewState()
	b.Set([]byte("k2"), []byte("v2"))
	b.Set([]byte("k1"), []byte("v1"))

	assert.Equal(t, a.Hash(), b.Hash())

	b.Set([]byte("k1"), []byte("other"))
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestState_DiffAndEncode(t *testing.T) {
	before := NewState()
	before.Set([]byte("keep"), []byte("1"))
	before.Set([]byte("change"), []byte("1"))
	before.Set([]byte("drop"), []byte("1"))

	after := before.Clone()
	after.Set([]byte("change"), []byte("2"))
	after.Delete([]byte("drop"))
	after.Set([]byte("new"), []byte("3"))

	patched := before.Clone()
	patched.ApplyDiff(before.Diff(after))
	assert.Equal(t, after.Hash(), patched.Hash())

	encoded, err := after.Encode()
	require.NoError(t, err)
	decoded, err := DecodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, after.Hash(), decoded.Hash())

	_, err = DecodeState([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, interfaces.ErrDecode)
}

func TestAccountKey(t *testing.T) {
	k1 := AccountKey(testAlice)
	k2 := AccountKey(testBob)

	assert.Len(t, k1, 80)
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1[:32], k2[:32])
	assert.Equal(t, testAlice[:], k1[48:])
	assert.Equal(t, k1, AccountKey(testAlice))
}

func TestLedger_NonceScenario(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())

	_, ok := l.GetAccountInfo(testAlice)
	assert.False(t, ok)

	require.NoError(t, l.ValidateNonce(testAlice, 0))

	// The account comes into existence on its first credit
	l.Credit(testAlice, uint256.NewInt(10))
	require.NoError(t, l.IncrementNonce(testAlice))

	err := l.ValidateNonce(testAlice, 0)
	var nonceErr *interfaces.InvalidNonceError
	require.ErrorAs(t, err, &nonceErr)
	assert.Equal(t, uint64(0), nonceErr.Nonce)
	assert.ErrorIs(t, err, interfaces.ErrInvalidNonce)

	require.NoError(t, l.ValidateNonce(testAlice, 1))
	assert.Error(t, l.ValidateNonce(testAlice, 2))
}

func TestLedger_IncrementNonceMissingAccount(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())
	before := l.StateHash()

	err := l.IncrementNonce(testAlice)
	var accErr *interfaces.AccountError
	require.ErrorAs(t, err, &accErr)
	assert.Equal(t, testAlice, accErr.Account)
	assert.ErrorIs(t, err, interfaces.ErrInexistentAccount)
	assert.Equal(t, before, l.StateHash())
}

func TestLedger_SetNonce(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())
	l.SetNonce(testAlice, 7)

	info, ok := l.GetAccountInfo(testAlice)
	require.True(t, ok)
	assert.Equal(t, uint64(7), info.Nonce)
	assert.True(t, info.Free.IsZero())
	require.NoError(t, l.ValidateNonce(testAlice, 7))
}

func TestLedger_UndecodableAccount(t *testing.T) {
	state := NewState()
	state.Set(AccountKey(testAlice), []byte{0xde, 0xad})
	l := New(state, testRoot, testLogger())

	_, ok := l.GetAccountInfo(testAlice)
	assert.False(t, ok)
	require.NoError(t, l.ValidateNonce(testAlice, 0))
}

func TestLedger_Balances(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())

	l.Credit(testAlice, uint256.NewInt(100))
	require.NoError(t, l.Transfer(testAlice, testBob, uint256.NewInt(40)))

	alice, ok := l.GetAccountInfo(testAlice)
	require.True(t, ok)
	assert.Equal(t, uint64(60), alice.Free.Uint64())

	bob, ok := l.GetAccountInfo(testBob)
	require.True(t, ok)
	assert.Equal(t, uint64(40), bob.Free.Uint64())

	assert.ErrorIs(t, l.Debit(testBob, uint256.NewInt(41)), interfaces.ErrMissingFunds)
	assert.ErrorIs(t, l.Transfer(testBob, testAlice, uint256.NewInt(41)), interfaces.ErrMissingFunds)
	assert.ErrorIs(t, l.Debit(interfaces.AccountId{0x99}, uint256.NewInt(1)), interfaces.ErrInexistentAccount)

	require.NoError(t, l.Debit(testBob, uint256.NewInt(40)))
	bob, _ = l.GetAccountInfo(testBob)
	assert.True(t, bob.Free.IsZero())
}

func TestLedger_RequireRoot(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())
	require.NoError(t, l.RequireRoot(testRoot))

	err := l.RequireRoot(testAlice)
	assert.ErrorIs(t, err, interfaces.ErrMissingPrivileges)
}

func TestLedger_Apply(t *testing.T) {
	tests := []struct {
		name    string
		payload func(l *Ledger) interfaces.StatePayload
		wantErr error
	}{
		{
			name: "valid transition",
			payload: func(l *Ledger) interfaces.StatePayload {
				return payloadFor(l, func(s *State) { s.Set([]byte("k"), []byte("v2")) })
			},
		},
		{
			name: "apriori does not match held state",
			payload: func(l *Ledger) interfaces.StatePayload {
				p := payloadFor(l, func(s *State) { s.Set([]byte("k"), []byte("v2")) })
				p.StateHashApriori = common.Hash{0x01}
				return p
			},
			wantErr: interfaces.ErrStorageHashMismatch,
		},
		{
			name: "diff does not produce aposteriori",
			payload: func(l *Ledger) interfaces.StatePayload {
				p := payloadFor(l, func(s *State) { s.Set([]byte("k"), []byte("v2")) })
				p.StateUpdate = append(p.StateUpdate, interfaces.StateEntry{Key: []byte("extra"), Value: []byte("x")})
				return p
			},
			wantErr: interfaces.ErrInvalidStorageDiff,
		},
		{
			name: "deleting a key",
			payload: func(l *Ledger) interfaces.StatePayload {
				return payloadFor(l, func(s *State) { s.Delete([]byte("k")) })
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewState()
			state.Set([]byte("k"), []byte("v1"))
			l := New(state, testRoot, testLogger())

			before := l.StateHash()
			payload := tt.payload(l)

			err := l.Apply(payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before, l.StateHash())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, payload.StateHashAposteriori, l.StateHash())
		})
	}
}

func TestLedger_DispatchCall(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())
	l.Credit(testAlice, uint256.NewInt(5))

	write := func(value string) Executor {
		return func(stateHash common.Hash, state *State) (interfaces.StatePayload, error) {
			next := state.Clone()
			next.Set([]byte("data"), []byte(value))
			return interfaces.StatePayload{
				StateHashApriori:     stateHash,
				StateHashAposteriori: next.Hash(),
				StateUpdate:          state.Diff(next),
			}, nil
		}
	}

	require.NoError(t, l.DispatchCall(testAlice, 0, write("a")))
	assert.ErrorIs(t, l.DispatchCall(testAlice, 0, write("b")), interfaces.ErrInvalidNonce)
	require.NoError(t, l.DispatchCall(testAlice, 1, write("b")))

	info, ok := l.GetAccountInfo(testAlice)
	require.True(t, ok)
	assert.Equal(t, uint64(2), info.Nonce)

	// A failing executor neither changes state nor consumes the nonce
	before := l.StateHash()
	err := l.DispatchCall(testAlice, 2, func(common.Hash, *State) (interfaces.StatePayload, error) {
		return interfaces.StatePayload{}, errors.New("wasm trap")
	})
	var dispatchErr *interfaces.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "wasm trap", dispatchErr.Reason)
	assert.Equal(t, before, l.StateHash())
	require.NoError(t, l.ValidateNonce(testAlice, 2))

	// A stale payload is rejected by the integrity gate
	err = l.DispatchCall(testAlice, 2, func(common.Hash, *State) (interfaces.StatePayload, error) {
		return interfaces.StatePayload{StateHashApriori: common.Hash{0x42}}, nil
	})
	assert.ErrorIs(t, err, interfaces.ErrStorageHashMismatch)
	require.NoError(t, l.ValidateNonce(testAlice, 2))
}

func TestLedger_DispatchCallIsAllOrNothing(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())

	calls := 0
	write := func(stateHash common.Hash, state *State) (interfaces.StatePayload, error) {
		calls++
		next := state.Clone()
		next.Set([]byte("data"), []byte("value"))
		return interfaces.StatePayload{
			StateHashApriori:     stateHash,
			StateHashAposteriori: next.Hash(),
			StateUpdate:          state.Diff(next),
		}, nil
	}

	// An account without a record cannot dispatch, however often it retries
	before := l.StateHash()
	for i := 0; i < 2; i++ {
		err := l.DispatchCall(testAlice, 0, write)
		require.ErrorIs(t, err, interfaces.ErrInexistentAccount)
		assert.Equal(t, before, l.StateHash())
	}
	assert.Zero(t, calls)

	// A transition removing the caller's own record leaves the state untouched
	l.Credit(testAlice, uint256.NewInt(1))
	before = l.StateHash()
	err := l.DispatchCall(testAlice, 0, func(stateHash common.Hash, state *State) (interfaces.StatePayload, error) {
		next := state.Clone()
		next.Set([]byte("data"), []byte("value"))
		next.Delete(AccountKey(testAlice))
		return interfaces.StatePayload{
			StateHashApriori:     stateHash,
			StateHashAposteriori: next.Hash(),
			StateUpdate:          state.Diff(next),
		}, nil
	})
	require.ErrorIs(t, err, interfaces.ErrInexistentAccount)
	assert.Equal(t, before, l.StateHash())
	_, ok := l.GetAccountInfo(testAlice)
	require.True(t, ok)
	require.NoError(t, l.ValidateNonce(testAlice, 0))

	require.NoError(t, l.DispatchCall(testAlice, 0, write))
	assert.Equal(t, 1, calls)
	require.NoError(t, l.ValidateNonce(testAlice, 1))
}

func TestLedger_ConcurrentDispatch(t *testing.T) {
	l := New(NewState(), testRoot, testLogger())
	l.Credit(testAlice, uint256.NewInt(1))

	exec := func(stateHash common.Hash, state *State) (interfaces.StatePayload, error) {
		return interfaces.StatePayload{StateHashApriori: stateHash, StateHashAposteriori: stateHash}, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every goroutine races for nonce 0; exactly one may win
			if l.DispatchCall(testAlice, 0, exec) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	require.NoError(t, l.ValidateNonce(testAlice, 1))
}

func TestLedger_PersistAndLoad(t *testing.T) {
	store := newTestStore(t)
	shard := interfaces.ShardIdentifier{0x5a}

	shardStore, err := InitShard(store, shard, testLogger())
	require.NoError(t, err)
	assert.True(t, shardStore.Exists(StateFile))

	l, err := Load(shardStore, testRoot, testLogger())
	require.NoError(t, err)
	assert.Equal(t, NewState().Hash(), l.StateHash())

	l.Credit(testAlice, uint256.NewInt(9))
	require.NoError(t, l.IncrementNonce(testAlice))
	require.NoError(t, l.Persist())

	// InitShard does not reset an existing shard
	shardStore, err = InitShard(store, shard, testLogger())
	require.NoError(t, err)

	reloaded, err := Load(shardStore, testRoot, testLogger())
	require.NoError(t, err)
	assert.Equal(t, l.StateHash(), reloaded.StateHash())
	require.NoError(t, reloaded.ValidateNonce(testAlice, 1))

	assert.Error(t, New(NewState(), testRoot, testLogger()).Persist())
}

func TestLedger_LoadRestoresFromMirror(t *testing.T) {
	mirror, err := storage.NewFileMirror(t.TempDir(), testLogger())
	require.NoError(t, err)
	store := newTestStore(t)
	shard := interfaces.ShardIdentifier{0x5a}

	shardStore, err := InitShard(store, shard, testLogger())
	require.NoError(t, err)
	stateStore := shardStore.WithMirror(mirror, interfaces.StateBlob)

	l, err := Load(stateStore, testRoot, testLogger())
	require.NoError(t, err)
	l.Credit(testAlice, uint256.NewInt(9))
	require.NoError(t, l.IncrementNonce(testAlice))
	require.NoError(t, l.Persist())

	// The host loses the sealed state; InitShard must not seal an empty one over it
	require.NoError(t, os.Remove(filepath.Join(shardStore.Root(), StateFile)))
	shardStore, err = InitShard(store, shard, testLogger())
	require.NoError(t, err)
	assert.False(t, shardStore.Exists(StateFile))

	restored, err := Load(shardStore.WithMirror(mirror, interfaces.StateBlob), testRoot, testLogger())
	require.NoError(t, err)
	assert.Equal(t, l.StateHash(), restored.StateHash())
	require.NoError(t, restored.ValidateNonce(testAlice, 1))
	assert.True(t, shardStore.Exists(StateFile))

	// Without the mirror the loss is reported, not papered over
	require.NoError(t, os.Remove(filepath.Join(shardStore.Root(), StateFile)))
	_, err = Load(shardStore, testRoot, testLogger())
	require.ErrorIs(t, err, storage.ErrSealedNotFound)
}

func TestLedger_ExportImport(t *testing.T) {
	source := New(NewState(), testRoot, testLogger())
	source.Credit(testAlice, uint256.NewInt(42))
	encoded, hash, err := source.Export()
	require.NoError(t, err)
	assert.Equal(t, source.StateHash(), hash)

	shardStore, err := InitShard(newTestStore(t), interfaces.ShardIdentifier{0x01}, testLogger())
	require.NoError(t, err)
	target, err := Load(shardStore, testRoot, testLogger())
	require.NoError(t, err)

	require.ErrorIs(t, target.Import(encoded, common.Hash{0x01}), interfaces.ErrStorageHashMismatch)
	require.ErrorIs(t, target.Import([]byte{0x01}, hash), interfaces.ErrDecode)
	assert.Equal(t, NewState().Hash(), target.StateHash())

	require.NoError(t, target.Import(encoded, hash))
	assert.Equal(t, hash, target.StateHash())

	reloaded, err := Load(shardStore, testRoot, testLogger())
	require.NoError(t, err)
	assert.Equal(t, hash, reloaded.StateHash())
}

package events

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/chainclient"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/ledger"
	"github.com/ruteri/tee-sidechain-worker/nftregistry"
	"github.com/ruteri/tee-sidechain-worker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var (
	testRegistry = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testShard    = interfaces.ShardIdentifier{0x5a}
	otherShard   = interfaces.ShardIdentifier{0x5b}
	testSelf     = interfaces.AccountId{0xee}
	testAlice    = interfaces.AccountId{0xa1}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	store, err := storage.NewSealedStore(t.TempDir(), secret, testLogger())
	require.NoError(t, err)
	shardStore, err := ledger.InitShard(store, testShard, testLogger())
	require.NoError(t, err)
	l, err := ledger.Load(shardStore, testSelf, testLogger())
	require.NoError(t, err)
	return l
}

type recordedPeers struct {
	mu    sync.Mutex
	peers map[interfaces.AccountId]string
}

func (r *recordedPeers) AddPeer(account interfaces.AccountId, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers == nil {
		r.peers = make(map[interfaces.AccountId]string)
	}
	r.peers[account] = url
}

func encodedLog(t *testing.T, name string, args ...interface{}) []byte {
	t.Helper()
	log, err := chainclient.EventLog(testRegistry, name, args...)
	require.NoError(t, err)
	raw, err := rlp.EncodeToBytes(&log)
	require.NoError(t, err)
	return raw
}

func balanceOf(l *ledger.Ledger, account interfaces.AccountId) uint64 {
	info, ok := l.GetAccountInfo(account)
	if !ok {
		return 0
	}
	return info.Free.Uint64()
}

func TestLogDecoder_Kinds(t *testing.T) {
	decoder := NewLogDecoder(testRegistry)
	block := interfaces.Header{Number: 7}
	hash := [32]byte{0x11}
	root := [32]byte{0x22}

	tests := []struct {
		name  string
		args  []interface{}
		check func(t *testing.T, ev interfaces.Event)
	}{
		{
			name: "Transfer",
			args: []interface{}{[32]byte(testSelf), [32]byte(testAlice), big.NewInt(5)},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.TransferEvent, ev.Kind)
				assert.Equal(t, testSelf, ev.From)
				assert.Equal(t, testAlice, ev.To)
				assert.Equal(t, uint64(5), ev.Amount.Uint64())
			},
		},
		{
			name: "AddedEnclave",
			args: []interface{}{[32]byte(testAlice), "https://alice:2000"},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.AddedEnclaveEvent, ev.Kind)
				assert.Equal(t, testAlice, ev.From)
				assert.Equal(t, "https://alice:2000", ev.Url)
			},
		},
		{
			name: "Forwarded",
			args: []interface{}{[32]byte(testShard), []byte{1, 2, 3}},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.ForwardedEvent, ev.Kind)
				assert.Equal(t, testShard, ev.Shard)
				assert.Equal(t, []byte{1, 2, 3}, ev.Payload)
			},
		},
		{
			name: "ProcessedParentchainBlock",
			args: []interface{}{[32]byte(testAlice), hash, root},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.ProcessedParentchainBlockEvent, ev.Kind)
				assert.Equal(t, common.Hash(hash), ev.BlockHash)
				assert.Equal(t, common.Hash(root), ev.MerkleRoot)
			},
		},
		{
			name: "ProposedSidechainBlock",
			args: []interface{}{[32]byte(testAlice), hash},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.ProposedSidechainBlockEvent, ev.Kind)
				assert.Equal(t, common.Hash(hash), ev.BlockHash)
			},
		},
		{
			name: "ShieldFunds",
			args: []interface{}{[32]byte(testShard), [32]byte(testAlice), big.NewInt(100)},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.ShieldFundsEvent, ev.Kind)
				assert.Equal(t, testShard, ev.Shard)
				assert.Equal(t, testAlice, ev.To)
				assert.Equal(t, uint64(100), ev.Amount.Uint64())
			},
		},
		{
			name: "UnshieldedFunds",
			args: []interface{}{[32]byte(testShard), [32]byte(testAlice), big.NewInt(40)},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.UnshieldedFundsEvent, ev.Kind)
				assert.Equal(t, uint64(40), ev.Amount.Uint64())
			},
		},
		{
			name: "NftUpdated",
			args: []interface{}{[32]byte(testAlice), uint32(9), []byte("meta"), uint32(2), true, false, true},
			check: func(t *testing.T, ev interfaces.Event) {
				assert.Equal(t, interfaces.NftUpdatedEvent, ev.Kind)
				assert.Equal(t, interfaces.ResourceId(9), ev.Resource)
				assert.Equal(t, interfaces.NftData{
					Owner:   testAlice,
					Details: interfaces.NftDetails{Data: []byte("meta"), Edition: 2, Listed: true},
					Capsule: true,
				}, ev.Nft)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decoder.DecodeEvent(block, encodedLog(t, tt.name, tt.args...))
			require.NoError(t, err)
			assert.Equal(t, block, ev.Block)
			tt.check(t, ev)
		})
	}
}

func TestLogDecoder_Unknown(t *testing.T) {
	decoder := NewLogDecoder(testRegistry)

	// Log of another contract
	foreign, err := chainclient.EventLog(common.HexToAddress("0xbb"), "Transfer", [32]byte{}, [32]byte{}, big.NewInt(1))
	require.NoError(t, err)
	raw, err := rlp.EncodeToBytes(&foreign)
	require.NoError(t, err)
	ev, err := decoder.DecodeEvent(interfaces.Header{}, raw)
	require.NoError(t, err)
	assert.Equal(t, interfaces.UnknownEvent, ev.Kind)

	// Unknown signature
	foreign.Address = testRegistry
	foreign.Topics[0] = common.Hash{0x99}
	raw, err = rlp.EncodeToBytes(&foreign)
	require.NoError(t, err)
	ev, err = decoder.DecodeEvent(interfaces.Header{}, raw)
	require.NoError(t, err)
	assert.Equal(t, interfaces.UnknownEvent, ev.Kind)

	_, err = decoder.DecodeEvent(interfaces.Header{}, []byte{0x01, 0x02})
	require.ErrorIs(t, err, interfaces.ErrDecode)
}

func TestDispatcher_Funds(t *testing.T) {
	l := newTestLedger(t)
	d := NewDispatcher(Config{Shard: testShard, Account: testSelf}, NewLogDecoder(testRegistry), l, testLogger())
	ctx := context.Background()

	batch := interfaces.EventBatch{
		Block: interfaces.Header{Number: 1},
		Events: [][]byte{
			encodedLog(t, "ShieldFunds", [32]byte(testShard), [32]byte(testAlice), big.NewInt(100)),
			encodedLog(t, "ShieldFunds", [32]byte(otherShard), [32]byte(testAlice), big.NewInt(1000)),
			encodedLog(t, "UnshieldedFunds", [32]byte(testShard), [32]byte(testAlice), big.NewInt(30)),
			[]byte("garbage"),
		},
	}
	require.NoError(t, d.Handle(ctx, batch))
	assert.Equal(t, uint64(70), balanceOf(l, testAlice))

	// Overdraft is logged and leaves the balance untouched
	overdraft := interfaces.EventBatch{
		Block:  interfaces.Header{Number: 2},
		Events: [][]byte{encodedLog(t, "UnshieldedFunds", [32]byte(testShard), [32]byte(testAlice), big.NewInt(71))},
	}
	require.NoError(t, d.Handle(ctx, overdraft))
	assert.Equal(t, uint64(70), balanceOf(l, testAlice))
}

func TestDispatcher_PeersAndLogging(t *testing.T) {
	l := newTestLedger(t)
	peers := &recordedPeers{}
	d := NewDispatcher(Config{Shard: testShard, Account: testSelf}, NewLogDecoder(testRegistry), l, testLogger()).WithPeers(peers)
	before := l.StateHash()

	batch := interfaces.EventBatch{
		Block: interfaces.Header{Number: 3},
		Events: [][]byte{
			encodedLog(t, "AddedEnclave", [32]byte(testSelf), "https://self"),
			encodedLog(t, "AddedEnclave", [32]byte(testAlice), "https://alice"),
			encodedLog(t, "Transfer", [32]byte(testSelf), [32]byte(testAlice), big.NewInt(5)),
			encodedLog(t, "Forwarded", [32]byte(testShard), []byte{0xca, 0x11}),
			encodedLog(t, "ProposedSidechainBlock", [32]byte(testAlice), [32]byte{0x01}),
		},
	}
	require.NoError(t, d.Handle(context.Background(), batch))

	assert.Equal(t, map[interfaces.AccountId]string{testAlice: "https://alice"}, peers.peers)
	assert.Equal(t, before, l.StateHash())
}

func TestDispatcher_NftRegistry(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	store, err := storage.NewSealedStore(t.TempDir(), secret, testLogger())
	require.NoError(t, err)

	snapshots := nftregistry.NewSnapshotStore(store, testLogger())
	registry := nftregistry.New()
	d := NewDispatcher(Config{Shard: testShard, Account: testSelf, RegistryPath: "nft_registry.bin"},
		NewLogDecoder(testRegistry), newTestLedger(t), testLogger()).WithRegistry(registry, snapshots)

	require.NoError(t, d.Handle(context.Background(), interfaces.EventBatch{
		Block: interfaces.Header{Number: 12},
		Events: [][]byte{
			encodedLog(t, "NftUpdated", [32]byte(testAlice), uint32(1), []byte("a"), uint32(1), false, false, false),
			encodedLog(t, "NftUpdated", [32]byte(testSelf), uint32(2), []byte("b"), uint32(1), true, false, false),
		},
	}))

	owner, ok := registry.Owner(1)
	require.True(t, ok)
	assert.Equal(t, testAlice, owner)

	sealed, err := snapshots.Unseal("nft_registry.bin")
	require.NoError(t, err)
	assert.True(t, registry.Equal(sealed))
	assert.Equal(t, uint64(12), sealed.BlockNumber())
	assert.Equal(t, []interfaces.ResourceId{1, 2}, sealed.Ids())
}

func TestDispatcher_HandleCancelled(t *testing.T) {
	d := NewDispatcher(Config{Shard: testShard}, NewLogDecoder(testRegistry), newTestLedger(t), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Handle(ctx, interfaces.EventBatch{Events: [][]byte{{0x01}}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	chain := chainclient.NewMemoryChain(chainclient.MemoryChainConfig{Registry: testRegistry})
	l := newTestLedger(t)
	d := NewDispatcher(Config{Shard: testShard, Account: testSelf}, NewLogDecoder(testRegistry), l, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx, chain)
	}()

	// Events emitted before the subscription is live are not delivered
	require.Eventually(t, func() bool {
		if _, err := chain.Emit("ShieldFunds", [32]byte(testShard), [32]byte(testAlice), big.NewInt(1)); err != nil {
			return false
		}
		return balanceOf(l, testAlice) > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestDispatcher_PersistsState(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	store, err := storage.NewSealedStore(t.TempDir(), secret, testLogger())
	require.NoError(t, err)
	shardStore, err := ledger.InitShard(store, testShard, testLogger())
	require.NoError(t, err)
	l, err := ledger.Load(shardStore, testSelf, testLogger())
	require.NoError(t, err)

	d := NewDispatcher(Config{Shard: testShard, Account: testSelf}, NewLogDecoder(testRegistry), l, testLogger())
	require.NoError(t, d.Handle(context.Background(), interfaces.EventBatch{
		Events: [][]byte{encodedLog(t, "ShieldFunds", [32]byte(testShard), [32]byte(testAlice), big.NewInt(9))},
	}))

	reloaded, err := ledger.Load(shardStore, testSelf, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), balanceOf(reloaded, testAlice))
}

func TestDispatcher_ForwardedCalls(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := attestation.AccountFromPubkey(&key.PublicKey)

	secret := make([]byte, 32)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	store, err := storage.NewSealedStore(t.TempDir(), secret, testLogger())
	require.NoError(t, err)
	shardStore, err := ledger.InitShard(store, testShard, testLogger())
	require.NoError(t, err)
	l, err := ledger.Load(shardStore, testSelf, testLogger())
	require.NoError(t, err)

	d := NewDispatcher(Config{Shard: testShard, Account: testSelf}, NewLogDecoder(testRegistry), l, testLogger()).WithCalls(l)
	ctx := context.Background()

	call, err := ledger.EncodeSignedCall(key, ledger.TrustedCall{Kind: ledger.CallTransfer, Nonce: 0, To: testAlice, Amount: uint256.NewInt(40)})
	require.NoError(t, err)

	require.NoError(t, d.Handle(ctx, interfaces.EventBatch{
		Block: interfaces.Header{Number: 1},
		Events: [][]byte{
			encodedLog(t, "ShieldFunds", [32]byte(testShard), [32]byte(sender), big.NewInt(100)),
			encodedLog(t, "Forwarded", [32]byte(otherShard), call),
			encodedLog(t, "Forwarded", [32]byte(testShard), call),
			encodedLog(t, "Forwarded", [32]byte(testShard), call),
			encodedLog(t, "Forwarded", [32]byte(testShard), []byte{0xca, 0x11}),
		},
	}))

	// The replayed and the malformed call are rejected
	assert.Equal(t, uint64(60), balanceOf(l, sender))
	assert.Equal(t, uint64(40), balanceOf(l, testAlice))
	require.NoError(t, l.ValidateNonce(sender, 1))

	reloaded, err := ledger.Load(shardStore, testSelf, testLogger())
	require.NoError(t, err)
	assert.Equal(t, l.StateHash(), reloaded.StateHash())
}

package chainsync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/tee-sidechain-worker/chainclient"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/lightclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testAuthorities = []interfaces.Authority{{PublicKey: [32]byte{0x01}, Weight: 1}}

func newTestSyncer(t *testing.T) (*Syncer, *chainclient.MemoryChain, *lightclient.Client) {
	t.Helper()
	chain := chainclient.NewMemoryChain(chainclient.MemoryChainConfig{Authorities: testAuthorities})
	lc := lightclient.New(nil, testLogger())
	return New(chain, lc, testLogger()), chain, lc
}

type testSubscription struct {
	errc chan error
}

func (s *testSubscription) Err() <-chan error { return s.errc }
func (s *testSubscription) Unsubscribe()      {}

func TestSyncer_SyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, chain, _ := newTestSyncer(t)

	genesis, err := s.InitLightClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), genesis.Number)

	for i := 0; i < 3; i++ {
		chain.Mine()
	}

	head, err := s.Sync(ctx, genesis)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.Number)
	assert.Equal(t, uint64(3), s.HeadNumber())

	again, err := s.Sync(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, head, again)

	// A stale starting point resumes from the light client head
	fromGenesis, err := s.Sync(ctx, genesis)
	require.NoError(t, err)
	assert.Equal(t, head, fromGenesis)

	finalized, err := chain.FinalizedHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, finalized, head)
}

func TestSyncer_CatchUp(t *testing.T) {
	ctx := context.Background()
	s, chain, lc := newTestSyncer(t)

	genesis, err := s.InitLightClient(ctx)
	require.NoError(t, err)

	chain.Mine()
	registration := chain.Mine()
	chain.Mine()

	head, err := s.CatchUp(ctx, genesis, registration)
	require.NoError(t, err)
	assert.Equal(t, registration, head)

	lcHead, err := lc.Head()
	require.NoError(t, err)
	assert.Equal(t, registration, lcHead)

	_, err = s.CatchUp(ctx, head, interfaces.Header{Number: 10})
	assert.ErrorIs(t, err, ErrBeyondFinalized)

	head, err = s.Sync(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.Number)
}

func TestSyncer_RequiresInitializedLightClient(t *testing.T) {
	s, chain, _ := newTestSyncer(t)
	chain.Mine()

	_, err := s.Sync(context.Background(), interfaces.Header{})
	assert.ErrorIs(t, err, lightclient.ErrNotInitialized)
}

func TestSyncer_RejectsForkedHeader(t *testing.T) {
	ctx := context.Background()
	genesis := interfaces.Header{Number: 0, Hash: common.Hash{0x01}}

	chain := new(chainclient.MockChainQuery)
	chain.On("Genesis", mock.Anything).Return(genesis, nil)
	chain.On("Authorities", mock.Anything).Return(testAuthorities, lightclient.AuthorityProofFor(genesis, testAuthorities), nil)
	chain.On("FinalizedHead", mock.Anything).Return(interfaces.Header{Number: 2}, nil)
	chain.On("HeaderByNumber", mock.Anything, uint64(1)).Return(interfaces.Header{Number: 1, ParentHash: common.Hash{0x01}, Hash: common.Hash{0x02}}, nil)
	chain.On("HeaderByNumber", mock.Anything, uint64(2)).Return(interfaces.Header{Number: 2, ParentHash: common.Hash{0xff}, Hash: common.Hash{0x03}}, nil)

	s := New(chain, lightclient.New(nil, testLogger()), testLogger())
	_, err := s.InitLightClient(ctx)
	require.NoError(t, err)

	_, err = s.Sync(ctx, genesis)
	assert.ErrorIs(t, err, lightclient.ErrUnexpectedParent)
	assert.Equal(t, uint64(1), s.HeadNumber())
}

func TestSyncer_RunFollowsChain(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, chain, _ := newTestSyncer(t)
	ctx, cancel := context.WithCancel(context.Background())

	genesis, err := s.InitLightClient(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, genesis) }()

	// Mining blocks until the loop is subscribed and has caught up
	require.Eventually(t, func() bool {
		chain.Mine()
		return s.HeadNumber() >= 3
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("live sync did not stop")
	}
}

func TestSyncer_RunFailsOnUndecodableHeader(t *testing.T) {
	defer goleak.VerifyNone(t)

	sub := &testSubscription{errc: make(chan error)}
	chain := new(chainclient.MockChainQuery)
	chain.On("SubscribeFinalizedHeads", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(1).(chan<- []byte) <- []byte{0x01}
		}).
		Return(sub, nil)

	s := New(chain, lightclient.New(nil, testLogger()), testLogger())
	err := s.Run(context.Background(), interfaces.Header{})
	assert.ErrorIs(t, err, ErrHeaderDecode)
}

func TestSyncer_RunSubscriptionError(t *testing.T) {
	sub := &testSubscription{errc: make(chan error, 1)}
	sub.errc <- assert.AnError
	chain := new(chainclient.MockChainQuery)
	chain.On("SubscribeFinalizedHeads", mock.Anything, mock.Anything).Return(sub, nil)

	s := New(chain, lightclient.New(nil, testLogger()), testLogger())
	err := s.Run(context.Background(), interfaces.Header{})
	assert.ErrorIs(t, err, assert.AnError)
	assert.ErrorIs(t, err, interfaces.ErrChainQuery)
}

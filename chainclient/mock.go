package chainclient

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockChainQuery mocks interfaces.ChainQuery
type MockChainQuery struct {
	mock.Mock
}

func (m *MockChainQuery) Genesis(ctx context.Context) (interfaces.Header, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.Header), args.Error(1)
}

func (m *MockChainQuery) HeaderByNumber(ctx context.Context, number uint64) (interfaces.Header, error) {
	args := m.Called(ctx, number)
	return args.Get(0).(interfaces.Header), args.Error(1)
}

func (m *MockChainQuery) HeaderByHash(ctx context.Context, hash common.Hash) (interfaces.Header, error) {
	args := m.Called(ctx, hash)
	return args.Get(0).(interfaces.Header), args.Error(1)
}

func (m *MockChainQuery) FinalizedHead(ctx context.Context) (interfaces.Header, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.Header), args.Error(1)
}

func (m *MockChainQuery) Authorities(ctx context.Context) ([]interfaces.Authority, interfaces.AuthorityProof, error) {
	args := m.Called(ctx)
	var (
		authorities []interfaces.Authority
		proof       interfaces.AuthorityProof
	)
	if v := args.Get(0); v != nil {
		authorities = v.([]interfaces.Authority)
	}
	if v := args.Get(1); v != nil {
		proof = v.(interfaces.AuthorityProof)
	}
	return authorities, proof, args.Error(2)
}

func uint256Arg(args mock.Arguments) (*uint256.Int, error) {
	if v := args.Get(0); v != nil {
		return v.(*uint256.Int), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChainQuery) FreeBalance(ctx context.Context, account interfaces.AccountId) (*uint256.Int, error) {
	return uint256Arg(m.Called(ctx, account))
}

func (m *MockChainQuery) AccountNonce(ctx context.Context, account interfaces.AccountId) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockChainQuery) RegistrationFee(ctx context.Context, xt interfaces.Extrinsic) (*uint256.Int, error) {
	return uint256Arg(m.Called(ctx, xt))
}

func (m *MockChainQuery) ExistentialDeposit(ctx context.Context) (*uint256.Int, error) {
	return uint256Arg(m.Called(ctx))
}

func (m *MockChainQuery) EnclaveCount(ctx context.Context, at common.Hash) (uint64, error) {
	args := m.Called(ctx, at)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockChainQuery) SubmitAndWatch(ctx context.Context, xt interfaces.Extrinsic, status interfaces.FinalityStatus) (common.Hash, error) {
	args := m.Called(ctx, xt, status)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *MockChainQuery) Transfer(ctx context.Context, to interfaces.AccountId, amount *uint256.Int) error {
	return m.Called(ctx, to, amount).Error(0)
}

func (m *MockChainQuery) FaucetBalance(ctx context.Context) (*uint256.Int, error) {
	return uint256Arg(m.Called(ctx))
}

func (m *MockChainQuery) SubscribeFinalizedHeads(ctx context.Context, ch chan<- []byte) (interfaces.Subscription, error) {
	args := m.Called(ctx, ch)
	if v := args.Get(0); v != nil {
		return v.(interfaces.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChainQuery) SubscribeEvents(ctx context.Context, ch chan<- interfaces.EventBatch) (interfaces.Subscription, error) {
	args := m.Called(ctx, ch)
	if v := args.Get(0); v != nil {
		return v.(interfaces.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

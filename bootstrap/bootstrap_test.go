//go:build !production

package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/chainclient"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnclave(t *testing.T) (*attestation.EnclaveKey, *ledger.Ledger) {
	t.Helper()
	key, err := attestation.GenerateEnclaveKey()
	require.NoError(t, err)
	return key, ledger.New(ledger.NewState(), interfaces.AccountId{}, testLogger())
}

func TestBootstrap_ProductionInsufficientFunds(t *testing.T) {
	key, l := newEnclave(t)
	account := key.Account()

	chain := new(chainclient.MockChainQuery)
	chain.On("AccountNonce", mock.Anything, account).Return(uint64(4), nil)
	chain.On("RegistrationFee", mock.Anything, mock.Anything).Return(uint256.NewInt(3), nil)
	chain.On("FreeBalance", mock.Anything, account).Return(uint256.NewInt(1000), nil)

	b := New(Config{Account: account, Url: "wss://w"}, chain, attestation.NewAttestedSource(key, attestation.DummyProvider{}, testLogger()), l, testLogger())
	handle, err := b.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, handle)

	assert.ErrorIs(t, err, interfaces.ErrBootstrapAborted)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientFunds)

	var bootErr *BootstrapError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, Funded, bootErr.Stage)

	var fundsErr *interfaces.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, uint64(3000), fundsErr.Required.Uint64())
	assert.Equal(t, uint64(2000), fundsErr.Missing().Uint64())

	assert.Equal(t, CredentialObtained, b.Stage())
	chain.AssertNotCalled(t, "SubmitAndWatch", mock.Anything, mock.Anything, mock.Anything)

	// The nonce was handed to the ledger before failing
	require.NoError(t, l.ValidateNonce(account, 4))
}

func TestBootstrap_StageFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		setup     func(chain *chainclient.MockChainQuery, account interfaces.AccountId)
		wantStage Stage
	}{
		{
			name: "nonce fetch",
			setup: func(chain *chainclient.MockChainQuery, account interfaces.AccountId) {
				chain.On("AccountNonce", mock.Anything, account).Return(uint64(0), boom)
			},
			wantStage: NonceFetched,
		},
		{
			name: "fee estimate",
			setup: func(chain *chainclient.MockChainQuery, account interfaces.AccountId) {
				chain.On("AccountNonce", mock.Anything, account).Return(uint64(0), nil)
				chain.On("RegistrationFee", mock.Anything, mock.Anything).Return(nil, boom)
			},
			wantStage: Funded,
		},
		{
			name: "submission",
			setup: func(chain *chainclient.MockChainQuery, account interfaces.AccountId) {
				chain.On("AccountNonce", mock.Anything, account).Return(uint64(0), nil)
				chain.On("RegistrationFee", mock.Anything, mock.Anything).Return(uint256.NewInt(1), nil)
				chain.On("FreeBalance", mock.Anything, account).Return(uint256.NewInt(1000), nil)
				chain.On("SubmitAndWatch", mock.Anything, mock.Anything, interfaces.Finalized).Return(common.Hash{}, boom)
			},
			wantStage: Registered,
		},
		{
			name: "enclave count",
			setup: func(chain *chainclient.MockChainQuery, account interfaces.AccountId) {
				chain.On("AccountNonce", mock.Anything, account).Return(uint64(0), nil)
				chain.On("RegistrationFee", mock.Anything, mock.Anything).Return(uint256.NewInt(1), nil)
				chain.On("FreeBalance", mock.Anything, account).Return(uint256.NewInt(1000), nil)
				chain.On("SubmitAndWatch", mock.Anything, mock.Anything, interfaces.Finalized).Return(common.Hash{0x01}, nil)
				chain.On("HeaderByHash", mock.Anything, common.Hash{0x01}).Return(interfaces.Header{Number: 9, Hash: common.Hash{0x01}, ParentHash: common.Hash{0x02}}, nil)
				chain.On("EnclaveCount", mock.Anything, common.Hash{0x02}).Return(uint64(0), boom)
			},
			wantStage: Primary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, l := newEnclave(t)
			chain := new(chainclient.MockChainQuery)
			tt.setup(chain, key.Account())

			b := New(Config{Account: key.Account()}, chain, attestation.NewAttestedSource(key, attestation.DummyProvider{}, testLogger()), l, testLogger())
			_, err := b.Run(context.Background())

			var bootErr *BootstrapError
			require.ErrorAs(t, err, &bootErr)
			assert.Equal(t, tt.wantStage, bootErr.Stage)
			assert.ErrorIs(t, err, interfaces.ErrBootstrapAborted)
			assert.ErrorIs(t, err, boom)
			chain.AssertExpectations(t)
		})
	}
}

func TestBootstrap_CredentialFailure(t *testing.T) {
	key, l := newEnclave(t)
	chain := new(chainclient.MockChainQuery)
	chain.On("AccountNonce", mock.Anything, key.Account()).Return(uint64(0), nil)

	provider := new(attestation.MockProvider)
	provider.On("Attest", mock.Anything).Return(nil, errors.New("quote service down"))

	b := New(Config{Account: key.Account()}, chain, attestation.NewAttestedSource(key, provider, testLogger()), l, testLogger())
	_, err := b.Run(context.Background())

	var bootErr *BootstrapError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, CredentialObtained, bootErr.Stage)
	assert.Equal(t, NonceFetched, b.Stage())
}

func TestBootstrap_PrimaryAndSecondary(t *testing.T) {
	ctx := context.Background()
	chain := chainclient.NewMemoryChain(chainclient.MemoryChainConfig{
		FaucetBalance: uint256.NewInt(1_000_000),
		Existential:   uint256.NewInt(10),
		Fee:           uint256.NewInt(1),
	})

	run := func() *RegisteredHandle {
		key, l := newEnclave(t)
		b := New(Config{Account: key.Account(), Url: "wss://w", DevMode: true}, chain,
			attestation.NewAttestedSource(key, attestation.DummyProvider{}, testLogger()), l, testLogger())
		handle, err := b.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, key.Account(), handle.Account)

		balance, err := chain.FreeBalance(ctx, key.Account())
		require.NoError(t, err)
		// Topped up to existential * factor, minus the registration fee
		assert.Equal(t, uint64(10*ExistentialFactor-1), balance.Uint64())
		return handle
	}

	first := run()
	assert.True(t, first.Primary)

	second := run()
	assert.False(t, second.Primary)
	assert.Greater(t, second.Header.Number, first.Header.Number)
	assert.Len(t, chain.Enclaves(), 2)
}

func TestBootstrap_DevFaucetInsufficient(t *testing.T) {
	chain := chainclient.NewMemoryChain(chainclient.MemoryChainConfig{
		FaucetBalance: uint256.NewInt(5),
		Existential:   uint256.NewInt(10),
	})
	key, l := newEnclave(t)

	b := New(Config{Account: key.Account(), DevMode: true}, chain,
		attestation.NewAttestedSource(key, attestation.DummyProvider{}, testLogger()), l, testLogger())
	_, err := b.Run(context.Background())
	assert.ErrorIs(t, err, ErrFaucetInsufficient)
	assert.Empty(t, chain.Enclaves())
}

func TestBootstrap_AlreadyFundedSkipsFaucet(t *testing.T) {
	chain := chainclient.NewMemoryChain(chainclient.MemoryChainConfig{Existential: uint256.NewInt(1)})
	key, l := newEnclave(t)
	chain.SetBalance(key.Account(), uint256.NewInt(5000))

	b := New(Config{Account: key.Account(), DevMode: true}, chain,
		attestation.NewAttestedSource(key, attestation.DummyProvider{}, testLogger()), l, testLogger())
	handle, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, handle.Primary)
	assert.Equal(t, Primary, b.Stage())

	_, err = b.Run(context.Background())
	assert.Error(t, err)
}

package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/lightclient"
)

var (
	// ErrUnknownBlock is returned for headers the memory chain does not hold.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrUnattestedRejected is returned when an unsigned registration is submitted
	// to a chain that does not accept them.
	ErrUnattestedRejected = errors.New("unattested registration rejected")
)

// MemoryChainConfig configures a MemoryChain.
type MemoryChainConfig struct {
	Registry      common.Address
	Faucet        interfaces.AccountId
	FaucetBalance *uint256.Int
	Existential   *uint256.Int
	Fee           *uint256.Int
	Authorities   []interfaces.Authority
	// AllowUnattested makes the chain accept skip-attestation registrations.
	AllowUnattested bool
}

// MemoryChain is an in-memory parentchain implementing interfaces.ChainQuery.
// Every block is final as soon as it is mined. It backs the dev mode of the
// worker and the tests of the components that consume ChainQuery.
type MemoryChain struct {
	mu           sync.RWMutex
	cfg          MemoryChainConfig
	headers      []*types.Header
	byHash       map[common.Hash]uint64
	logs         map[uint64][]types.Log
	enclaves     []interfaces.AccountId
	enclaveCount []uint64
	balances     map[interfaces.AccountId]*uint256.Int
	nonces       map[interfaces.AccountId]uint64
	faucet       *uint256.Int

	headFeed  event.Feed
	eventFeed event.Feed
}

// NewMemoryChain creates a chain holding only its genesis block.
func NewMemoryChain(cfg MemoryChainConfig) *MemoryChain {
	if cfg.FaucetBalance == nil {
		cfg.FaucetBalance = uint256.NewInt(0)
	}
	if cfg.Existential == nil {
		cfg.Existential = uint256.NewInt(1)
	}
	if cfg.Fee == nil {
		cfg.Fee = uint256.NewInt(1)
	}

	m := &MemoryChain{
		cfg:      cfg,
		byHash:   make(map[common.Hash]uint64),
		logs:     make(map[uint64][]types.Log),
		balances: make(map[interfaces.AccountId]*uint256.Int),
		nonces:   make(map[interfaces.AccountId]uint64),
		faucet:   cfg.FaucetBalance.Clone(),
	}
	m.mineLocked(nil)
	return m
}

type minedBlock struct {
	header *types.Header
	batch  interfaces.EventBatch
}

func (m *MemoryChain) mineLocked(logs []types.Log) minedBlock {
	number := uint64(len(m.headers))
	h := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
		Time:       number,
	}
	if number > 0 {
		h.ParentHash = m.headers[number-1].Hash()
	}

	hash := h.Hash()
	m.headers = append(m.headers, h)
	m.byHash[hash] = number
	m.enclaveCount = append(m.enclaveCount, uint64(len(m.enclaves)))

	batch := interfaces.EventBatch{Block: HeaderFromEth(h)}
	for i := range logs {
		logs[i].BlockNumber = number
		logs[i].BlockHash = hash
		raw, err := rlp.EncodeToBytes(&logs[i])
		if err != nil {
			panic(fmt.Sprintf("log encoding failed: %v", err))
		}
		batch.Events = append(batch.Events, raw)
	}
	m.logs[number] = logs
	return minedBlock{header: h, batch: batch}
}

func (m *MemoryChain) publish(block minedBlock) interfaces.Header {
	raw, err := rlp.EncodeToBytes(block.header)
	if err != nil {
		panic(fmt.Sprintf("header encoding failed: %v", err))
	}
	m.headFeed.Send(raw)
	m.eventFeed.Send(block.batch)
	return block.batch.Block
}

// Mine appends a block carrying logs and notifies subscribers.
func (m *MemoryChain) Mine(logs ...types.Log) interfaces.Header {
	m.mu.Lock()
	block := m.mineLocked(logs)
	m.mu.Unlock()
	return m.publish(block)
}

// Emit mines a block with a single registry event.
func (m *MemoryChain) Emit(name string, args ...interface{}) (interfaces.Header, error) {
	log, err := EventLog(m.cfg.Registry, name, args...)
	if err != nil {
		return interfaces.Header{}, err
	}
	return m.Mine(log), nil
}

// SetBalance sets the free balance of account.
func (m *MemoryChain) SetBalance(account interfaces.AccountId, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = amount.Clone()
}

// Enclaves returns the registered enclave accounts in registration order.
func (m *MemoryChain) Enclaves() []interfaces.AccountId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]interfaces.AccountId(nil), m.enclaves...)
}

// Logs returns the logs mined in block number.
func (m *MemoryChain) Logs(number uint64) []types.Log {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Log(nil), m.logs[number]...)
}

func (m *MemoryChain) balanceLocked(account interfaces.AccountId) *uint256.Int {
	if b, ok := m.balances[account]; ok {
		return b
	}
	return uint256.NewInt(0)
}

func (m *MemoryChain) Genesis(ctx context.Context) (interfaces.Header, error) {
	return m.HeaderByNumber(ctx, 0)
}

func (m *MemoryChain) HeaderByNumber(_ context.Context, number uint64) (interfaces.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if number >= uint64(len(m.headers)) {
		return interfaces.Header{}, fmt.Errorf("%w: #%d", ErrUnknownBlock, number)
	}
	return HeaderFromEth(m.headers[number]), nil
}

func (m *MemoryChain) HeaderByHash(_ context.Context, hash common.Hash) (interfaces.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	number, ok := m.byHash[hash]
	if !ok {
		return interfaces.Header{}, fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	return HeaderFromEth(m.headers[number]), nil
}

func (m *MemoryChain) FinalizedHead(_ context.Context) (interfaces.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return HeaderFromEth(m.headers[len(m.headers)-1]), nil
}

func (m *MemoryChain) Authorities(_ context.Context) ([]interfaces.Authority, interfaces.AuthorityProof, error) {
	m.mu.RLock()
	genesis := HeaderFromEth(m.headers[0])
	m.mu.RUnlock()

	authorities := append([]interfaces.Authority(nil), m.cfg.Authorities...)
	return authorities, lightclient.AuthorityProofFor(genesis, authorities), nil
}

func (m *MemoryChain) FreeBalance(_ context.Context, account interfaces.AccountId) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(account).Clone(), nil
}

func (m *MemoryChain) AccountNonce(_ context.Context, account interfaces.AccountId) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[account], nil
}

func (m *MemoryChain) RegistrationFee(context.Context, interfaces.Extrinsic) (*uint256.Int, error) {
	return m.cfg.Fee.Clone(), nil
}

func (m *MemoryChain) ExistentialDeposit(context.Context) (*uint256.Int, error) {
	return m.cfg.Existential.Clone(), nil
}

func (m *MemoryChain) EnclaveCount(_ context.Context, at common.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	number, ok := m.byHash[at]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBlock, at)
	}
	return m.enclaveCount[number], nil
}

// SubmitAndWatch registers the enclave in a new block and returns its hash.
// Signed registrations must carry a valid signature.
func (m *MemoryChain) SubmitAndWatch(_ context.Context, xt interfaces.Extrinsic, _ interfaces.FinalityStatus) (common.Hash, error) {
	reg, err := attestation.DecodeRegistration(xt.Payload)
	if err != nil {
		return common.Hash{}, err
	}
	if xt.Signed {
		if err := reg.VerifySignature(); err != nil {
			return common.Hash{}, err
		}
	} else if !m.cfg.AllowUnattested {
		return common.Hash{}, ErrUnattestedRejected
	}

	added, err := EventLog(m.cfg.Registry, "AddedEnclave", [32]byte(reg.Account), reg.Url)
	if err != nil {
		return common.Hash{}, err
	}

	m.mu.Lock()
	balance := m.balanceLocked(reg.Account)
	if balance.Lt(m.cfg.Fee) {
		m.mu.Unlock()
		return common.Hash{}, fmt.Errorf("account %s cannot pay registration fee %s", reg.Account, m.cfg.Fee.Dec())
	}
	m.balances[reg.Account] = new(uint256.Int).Sub(balance, m.cfg.Fee)
	m.nonces[reg.Account]++
	m.enclaves = append(m.enclaves, reg.Account)
	block := m.mineLocked([]types.Log{added})
	m.mu.Unlock()

	m.publish(block)
	return block.header.Hash(), nil
}

// Transfer moves amount from the faucet to account in a new block.
func (m *MemoryChain) Transfer(_ context.Context, to interfaces.AccountId, amount *uint256.Int) error {
	transfer, err := EventLog(m.cfg.Registry, "Transfer", [32]byte(m.cfg.Faucet), [32]byte(to), amount.ToBig())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.faucet.Lt(amount) {
		m.mu.Unlock()
		return fmt.Errorf("faucet balance %s below %s", m.faucet.Dec(), amount.Dec())
	}
	m.faucet = new(uint256.Int).Sub(m.faucet, amount)
	m.balances[to] = new(uint256.Int).Add(m.balanceLocked(to), amount)
	block := m.mineLocked([]types.Log{transfer})
	m.mu.Unlock()

	m.publish(block)
	return nil
}

func (m *MemoryChain) FaucetBalance(context.Context) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faucet.Clone(), nil
}

func (m *MemoryChain) SubscribeFinalizedHeads(_ context.Context, ch chan<- []byte) (interfaces.Subscription, error) {
	return m.headFeed.Subscribe(ch), nil
}

func (m *MemoryChain) SubscribeEvents(_ context.Context, ch chan<- interfaces.EventBatch) (interfaces.Subscription, error) {
	return m.eventFeed.Subscribe(ch), nil
}

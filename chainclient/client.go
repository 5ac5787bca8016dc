package chainclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

var (
	// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
	ErrNoTransactOpts = errors.New("no authorized transactor available")

	// ErrNoFaucet is returned by faucet operations when no faucet key is configured.
	ErrNoFaucet = errors.New("no faucet configured")

	// ErrTransactionFailed is returned when a submitted transaction is mined with a failure status.
	ErrTransactionFailed = errors.New("transaction failed")
)

// Backend is the parentchain RPC surface the client needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ethereum.ChainReader
	ethereum.ChainStateReader
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config holds the client parameters.
type Config struct {
	// RegistryAddress is the enclave registry contract.
	RegistryAddress common.Address
	// FinalityDepth is the number of blocks after which a block counts as finalized.
	FinalityDepth uint64
	// PollInterval is the delay between finality checks while waiting for a submission.
	PollInterval time.Duration
}

// Client implements interfaces.ChainQuery against an EVM parentchain and
// its enclave registry contract.
type Client struct {
	backend  Backend
	contract *bind.BoundContract
	cfg      Config
	auth     *bind.TransactOpts
	faucet   *bind.TransactOpts
	log      *slog.Logger
}

// NewClient creates a client for the registry contract at cfg.RegistryAddress.
func NewClient(backend Backend, cfg Config, log *slog.Logger) *Client {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{
		backend:  backend,
		contract: bind.NewBoundContract(cfg.RegistryAddress, RegistryABI, backend, backend, backend),
		cfg:      cfg,
		log:      log.With("component", "chainclient"),
	}
}

// SetTransactOpts sets the enclave transactor used to submit registrations.
func (c *Client) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

// SetFaucet sets the dev faucet transactor.
func (c *Client) SetFaucet(faucet *bind.TransactOpts) {
	c.faucet = faucet
}

func (c *Client) call(ctx context.Context, blockNumber *big.Int, method string) ([]interface{}, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, BlockNumber: blockNumber}
	if err := c.contract.Call(opts, &out, method); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrChainQuery, method, err)
	}
	return out, nil
}

func (c *Client) header(ctx context.Context, number *big.Int) (interfaces.Header, error) {
	h, err := c.backend.HeaderByNumber(ctx, number)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: header %v: %v", interfaces.ErrChainQuery, number, err)
	}
	return HeaderFromEth(h), nil
}

func (c *Client) Genesis(ctx context.Context) (interfaces.Header, error) {
	return c.header(ctx, big.NewInt(0))
}

func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (interfaces.Header, error) {
	return c.header(ctx, new(big.Int).SetUint64(number))
}

func (c *Client) HeaderByHash(ctx context.Context, hash common.Hash) (interfaces.Header, error) {
	h, err := c.backend.HeaderByHash(ctx, hash)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: header %s: %v", interfaces.ErrChainQuery, hash, err)
	}
	return HeaderFromEth(h), nil
}

// FinalizedHead is the latest header FinalityDepth blocks deep.
func (c *Client) FinalizedHead(ctx context.Context) (interfaces.Header, error) {
	latest, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: latest header: %v", interfaces.ErrChainQuery, err)
	}
	number := latest.Number.Uint64()
	if number <= c.cfg.FinalityDepth {
		return c.Genesis(ctx)
	}
	if c.cfg.FinalityDepth == 0 {
		return HeaderFromEth(latest), nil
	}
	return c.HeaderByNumber(ctx, number-c.cfg.FinalityDepth)
}

func (c *Client) Authorities(ctx context.Context) ([]interfaces.Authority, interfaces.AuthorityProof, error) {
	out, err := c.call(ctx, nil, "authorities")
	if err != nil {
		return nil, nil, err
	}

	keys := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	weights := *abi.ConvertType(out[1], new([]uint64)).(*[]uint64)
	proof := *abi.ConvertType(out[2], new([][]byte)).(*[][]byte)
	if len(keys) != len(weights) {
		return nil, nil, fmt.Errorf("%w: %d authority keys with %d weights", interfaces.ErrDecode, len(keys), len(weights))
	}

	authorities := make([]interfaces.Authority, len(keys))
	for i := range keys {
		authorities[i] = interfaces.Authority{PublicKey: keys[i], Weight: weights[i]}
	}
	return authorities, interfaces.AuthorityProof(proof), nil
}

func (c *Client) FreeBalance(ctx context.Context, account interfaces.AccountId) (*uint256.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, AddressOf(account), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %v", interfaces.ErrChainQuery, account, err)
	}
	return toUint256(balance)
}

func (c *Client) AccountNonce(ctx context.Context, account interfaces.AccountId) (uint64, error) {
	nonce, err := c.backend.NonceAt(ctx, AddressOf(account), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: nonce of %s: %v", interfaces.ErrChainQuery, account, err)
	}
	return nonce, nil
}

func registrationMethod(xt interfaces.Extrinsic) string {
	if xt.Signed {
		return "registerEnclave"
	}
	return "registerUnattested"
}

// RegistrationFee estimates gas for the registration call at the current gas price.
func (c *Client) RegistrationFee(ctx context.Context, xt interfaces.Extrinsic) (*uint256.Int, error) {
	if c.auth == nil {
		return nil, ErrNoTransactOpts
	}

	data, err := RegistryABI.Pack(registrationMethod(xt), xt.Payload)
	if err != nil {
		return nil, err
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.auth.From, To: &c.cfg.RegistryAddress, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", interfaces.ErrChainQuery, err)
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", interfaces.ErrChainQuery, err)
	}
	return toUint256(new(big.Int).Mul(price, new(big.Int).SetUint64(gas)))
}

func (c *Client) ExistentialDeposit(ctx context.Context) (*uint256.Int, error) {
	out, err := c.call(ctx, nil, "existentialDeposit")
	if err != nil {
		return nil, err
	}
	return toUint256(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int))
}

func (c *Client) EnclaveCount(ctx context.Context, at common.Hash) (uint64, error) {
	h, err := c.backend.HeaderByHash(ctx, at)
	if err != nil {
		return 0, fmt.Errorf("%w: header %s: %v", interfaces.ErrChainQuery, at, err)
	}
	out, err := c.call(ctx, h.Number, "enclaveCount")
	if err != nil {
		return 0, err
	}
	count := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !count.IsUint64() {
		return 0, fmt.Errorf("%w: enclave count %s", interfaces.ErrDecode, count)
	}
	return count.Uint64(), nil
}

// SubmitAndWatch sends the registration transaction and waits until it is
// mined, and for Finalized until it is FinalityDepth blocks deep.
func (c *Client) SubmitAndWatch(ctx context.Context, xt interfaces.Extrinsic, status interfaces.FinalityStatus) (common.Hash, error) {
	if c.auth == nil {
		return common.Hash{}, ErrNoTransactOpts
	}

	opts := *c.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, registrationMethod(xt), xt.Payload)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: submit: %v", interfaces.ErrChainQuery, err)
	}
	c.log.Info("Submitted registration", slog.String("tx", tx.Hash().Hex()))

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}

	if status == interfaces.Finalized {
		if err := c.waitFinalized(ctx, receipt.BlockNumber.Uint64()); err != nil {
			return common.Hash{}, err
		}
	}
	return receipt.BlockHash, nil
}

func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: wait mined: %v", interfaces.ErrChainQuery, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, tx.Hash())
	}
	return receipt, nil
}

func (c *Client) waitFinalized(ctx context.Context, number uint64) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		head, err := c.FinalizedHead(ctx)
		if err != nil {
			return err
		}
		if head.Number >= number {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Transfer sends amount from the faucet to the account address.
func (c *Client) Transfer(ctx context.Context, to interfaces.AccountId, amount *uint256.Int) error {
	if c.faucet == nil {
		return ErrNoFaucet
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.faucet.From)
	if err != nil {
		return fmt.Errorf("%w: faucet nonce: %v", interfaces.ErrChainQuery, err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("%w: gas tip: %v", interfaces.ErrChainQuery, err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: latest header: %v", interfaces.ErrChainQuery, err)
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: chain id: %v", interfaces.ErrChainQuery, err)
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	recipient := AddressOf(to)
	tx, err := c.faucet.Signer(c.faucet.From, types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       params.TxGas,
		To:        &recipient,
		Value:     amount.ToBig(),
	}))
	if err != nil {
		return fmt.Errorf("failed to sign faucet transfer: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("%w: send faucet transfer: %v", interfaces.ErrChainQuery, err)
	}

	_, err = c.waitMined(ctx, tx)
	return err
}

func (c *Client) FaucetBalance(ctx context.Context) (*uint256.Int, error) {
	if c.faucet == nil {
		return nil, ErrNoFaucet
	}
	balance, err := c.backend.BalanceAt(ctx, c.faucet.From, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: faucet balance: %v", interfaces.ErrChainQuery, err)
	}
	return toUint256(balance)
}

// SubscribeFinalizedHeads forwards new heads as RLP encoded headers.
func (c *Client) SubscribeFinalizedHeads(ctx context.Context, ch chan<- []byte) (interfaces.Subscription, error) {
	heads := make(chan *types.Header, 16)
	sub, err := c.backend.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe heads: %v", interfaces.ErrChainQuery, err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				return err
			case h := <-heads:
				raw, err := rlp.EncodeToBytes(h)
				if err != nil {
					return err
				}
				select {
				case ch <- raw:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// SubscribeEvents delivers, for every new block, the registry logs it contains.
func (c *Client) SubscribeEvents(ctx context.Context, ch chan<- interfaces.EventBatch) (interfaces.Subscription, error) {
	heads := make(chan *types.Header, 16)
	sub, err := c.backend.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe heads: %v", interfaces.ErrChainQuery, err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				return err
			case h := <-heads:
				batch, err := c.eventBatch(ctx, h)
				if err != nil {
					return err
				}
				select {
				case ch <- batch:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func (c *Client) eventBatch(ctx context.Context, h *types.Header) (interfaces.EventBatch, error) {
	hash := h.Hash()
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &hash,
		Addresses: []common.Address{c.cfg.RegistryAddress},
	})
	if err != nil {
		return interfaces.EventBatch{}, fmt.Errorf("%w: logs of %s: %v", interfaces.ErrChainQuery, hash, err)
	}

	batch := interfaces.EventBatch{Block: HeaderFromEth(h)}
	for i := range logs {
		raw, err := rlp.EncodeToBytes(&logs[i])
		if err != nil {
			return interfaces.EventBatch{}, err
		}
		batch.Events = append(batch.Events, raw)
	}
	return batch, nil
}

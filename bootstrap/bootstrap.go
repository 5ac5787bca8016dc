package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"go.uber.org/atomic"
)

const (
	// ExistentialFactor scales the existential deposit to the balance the
	// dev faucet tops the enclave account up to.
	ExistentialFactor = 1000

	// FeeFactor scales the registration fee to the balance required before
	// registering in production mode.
	FeeFactor = 1000
)

// Stage is a bootstrap step. Stages only move forward.
type Stage int32

const (
	Init Stage = iota
	NonceFetched
	CredentialObtained
	Funded
	Registered
	Primary
	Secondary
)

func (s Stage) String() string {
	switch s {
	case Init:
		return "init"
	case NonceFetched:
		return "nonce-fetched"
	case CredentialObtained:
		return "credential-obtained"
	case Funded:
		return "funded"
	case Registered:
		return "registered"
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// ErrFaucetInsufficient is returned in dev mode when the faucet cannot cover the top-up.
var ErrFaucetInsufficient = errors.New("faucet does not have enough funds")

// BootstrapError reports the stage that was being entered when bootstrap failed.
type BootstrapError struct {
	Stage Stage
	Err   error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("%s while reaching stage %s: %v", interfaces.ErrBootstrapAborted, e.Stage, e.Err)
}

func (e *BootstrapError) Unwrap() []error {
	return []error{interfaces.ErrBootstrapAborted, e.Err}
}

// RegisteredHandle is the outcome of a successful bootstrap.
type RegisteredHandle struct {
	// Primary is true for the first enclave registered on the parentchain.
	// A primary imports all parentchain blocks up to Header before live sync.
	Primary bool
	// Header is the header of the block the registration was finalized in.
	Header  interfaces.Header
	Account interfaces.AccountId
}

// NonceSetter receives the enclave account nonce read from the parentchain.
type NonceSetter interface {
	SetNonce(account interfaces.AccountId, nonce uint64)
}

// Config holds the bootstrap parameters.
type Config struct {
	Account interfaces.AccountId
	// Url is the worker url announced in the registration.
	Url string
	// DevMode enables faucet funding instead of the production fee check.
	DevMode bool
}

// Bootstrapper registers the enclave on the parentchain.
type Bootstrapper struct {
	cfg    Config
	chain  interfaces.ChainQuery
	source attestation.Source
	ledger NonceSetter
	stage  *atomic.Int32
	log    *slog.Logger
}

// New creates a bootstrapper. source decides between attested and skipped credentials.
func New(cfg Config, chain interfaces.ChainQuery, source attestation.Source, ledger NonceSetter, log *slog.Logger) *Bootstrapper {
	return &Bootstrapper{
		cfg:    cfg,
		chain:  chain,
		source: source,
		ledger: ledger,
		stage:  atomic.NewInt32(int32(Init)),
		log:    log.With("component", "bootstrap"),
	}
}

// Stage returns the last stage reached.
func (b *Bootstrapper) Stage() Stage {
	return Stage(b.stage.Load())
}

func (b *Bootstrapper) advance(stage Stage) {
	b.stage.Store(int32(stage))
	b.log.Info("Bootstrap stage reached", slog.String("stage", stage.String()))
}

func (b *Bootstrapper) fail(stage Stage, err error) error {
	b.log.Error("Bootstrap aborted",
		slog.String("stage", stage.String()),
		slog.String("reached", b.Stage().String()),
		"err", err)
	return &BootstrapError{Stage: stage, Err: err}
}

// Run walks the enclave through nonce fetch, credential, funding and
// registration. Any failure aborts; nothing is retried.
func (b *Bootstrapper) Run(ctx context.Context) (*RegisteredHandle, error) {
	if b.Stage() != Init {
		return nil, &BootstrapError{Stage: b.Stage(), Err: errors.New("bootstrap already ran")}
	}

	nonce, err := b.chain.AccountNonce(ctx, b.cfg.Account)
	if err != nil {
		return nil, b.fail(NonceFetched, fmt.Errorf("%w: %w", interfaces.ErrChainQuery, err))
	}
	b.ledger.SetNonce(b.cfg.Account, nonce)
	b.advance(NonceFetched)

	cred, err := b.source.Obtain(attestation.Request{Account: b.cfg.Account, Nonce: nonce, Url: b.cfg.Url})
	if err != nil {
		return nil, b.fail(CredentialObtained, err)
	}
	if !cred.Attested() {
		b.log.Warn("Registering without remote attestation")
	}
	b.advance(CredentialObtained)

	if b.cfg.DevMode {
		err = b.fundFromFaucet(ctx)
	} else {
		err = b.ensureFees(ctx, cred.Extrinsic())
	}
	if err != nil {
		return nil, b.fail(Funded, err)
	}
	b.advance(Funded)

	blockHash, err := b.chain.SubmitAndWatch(ctx, cred.Extrinsic(), interfaces.Finalized)
	if err != nil {
		return nil, b.fail(Registered, fmt.Errorf("%w: registration: %w", interfaces.ErrChainQuery, err))
	}
	header, err := b.chain.HeaderByHash(ctx, blockHash)
	if err != nil {
		return nil, b.fail(Registered, fmt.Errorf("%w: registration block header: %w", interfaces.ErrChainQuery, err))
	}
	b.log.Info("Enclave registered", slog.String("block", header.String()))
	b.advance(Registered)

	count, err := b.chain.EnclaveCount(ctx, header.ParentHash)
	if err != nil {
		return nil, b.fail(Primary, fmt.Errorf("%w: enclave count: %w", interfaces.ErrChainQuery, err))
	}

	handle := &RegisteredHandle{Primary: count == 0, Header: header, Account: b.cfg.Account}
	if handle.Primary {
		b.advance(Primary)
	} else {
		b.advance(Secondary)
	}
	return handle, nil
}

func (b *Bootstrapper) fundFromFaucet(ctx context.Context) error {
	existential, err := b.chain.ExistentialDeposit(ctx)
	if err != nil {
		return fmt.Errorf("%w: existential deposit: %w", interfaces.ErrChainQuery, err)
	}
	floor := new(uint256.Int).Mul(existential, uint256.NewInt(ExistentialFactor))

	free, err := b.chain.FreeBalance(ctx, b.cfg.Account)
	if err != nil {
		return fmt.Errorf("%w: free balance: %w", interfaces.ErrChainQuery, err)
	}
	if !free.Lt(floor) {
		b.log.Debug("Enclave account already funded", slog.String("free", free.Dec()))
		return nil
	}

	topUp := new(uint256.Int).Sub(floor, free)
	faucet, err := b.chain.FaucetBalance(ctx)
	if err != nil {
		return fmt.Errorf("%w: faucet balance: %w", interfaces.ErrChainQuery, err)
	}
	if faucet.Lt(topUp) {
		return fmt.Errorf("%w: has %s, top-up needs %s", ErrFaucetInsufficient, faucet.Dec(), topUp.Dec())
	}

	b.log.Info("Funding enclave account from faucet",
		slog.String("account", b.cfg.Account.String()),
		slog.String("amount", topUp.Dec()))
	if err := b.chain.Transfer(ctx, b.cfg.Account, topUp); err != nil {
		return fmt.Errorf("%w: faucet transfer: %w", interfaces.ErrChainQuery, err)
	}
	return nil
}

func (b *Bootstrapper) ensureFees(ctx context.Context, xt interfaces.Extrinsic) error {
	fee, err := b.chain.RegistrationFee(ctx, xt)
	if err != nil {
		return fmt.Errorf("%w: registration fee: %w", interfaces.ErrChainQuery, err)
	}
	required := new(uint256.Int).Mul(fee, uint256.NewInt(FeeFactor))

	free, err := b.chain.FreeBalance(ctx, b.cfg.Account)
	if err != nil {
		return fmt.Errorf("%w: free balance: %w", interfaces.ErrChainQuery, err)
	}
	if free.Lt(required) {
		return &interfaces.InsufficientFundsError{Account: b.cfg.Account, Free: free, Required: required}
	}
	return nil
}

package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/metrics"
	"github.com/ruteri/tee-sidechain-worker/nftregistry"
)

// RecvTimeout bounds how long the dispatch loop waits for a batch before it
// checks for cancellation again.
const RecvTimeout = 10 * time.Millisecond

const batchBuffer = 64

// ErrSubscriptionClosed is returned when the event subscription ends without an error.
var ErrSubscriptionClosed = errors.New("event subscription closed")

// Ledger is the part of the shard ledger events move funds in.
type Ledger interface {
	Credit(account interfaces.AccountId, amount *uint256.Int)
	Debit(account interfaces.AccountId, amount *uint256.Int) error
	Persist() error
}

// PeerHandler is notified of enclaves registering on the parentchain.
type PeerHandler interface {
	AddPeer(account interfaces.AccountId, url string)
}

// CallExecutor runs calls forwarded to the shard.
type CallExecutor interface {
	ExecuteForwarded(payload []byte) error
}

// RegistrySealer persists the NFT registry.
type RegistrySealer interface {
	Seal(path string, r *nftregistry.Registry) error
}

// Dispatcher routes parentchain events of one shard to the components they concern.
type Dispatcher struct {
	shard   interfaces.ShardIdentifier
	self    interfaces.AccountId
	decoder interfaces.EventDecoder
	ledger  Ledger
	log     *slog.Logger

	peers PeerHandler
	calls CallExecutor

	registry     *nftregistry.Registry
	snapshots    RegistrySealer
	registryPath string
}

// Config identifies the shard and the enclave account the dispatcher works for.
type Config struct {
	Shard   interfaces.ShardIdentifier
	Account interfaces.AccountId
	// RegistryPath is the sealed path of the NFT registry snapshot.
	RegistryPath string
}

// NewDispatcher creates a dispatcher moving shard funds in ledger.
func NewDispatcher(cfg Config, decoder interfaces.EventDecoder, ledger Ledger, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		shard:        cfg.Shard,
		self:         cfg.Account,
		decoder:      decoder,
		ledger:       ledger,
		registryPath: cfg.RegistryPath,
		log:          log.With("component", "events"),
	}
}

// WithPeers makes the dispatcher report registered enclaves to peers.
func (d *Dispatcher) WithPeers(peers PeerHandler) *Dispatcher {
	d.peers = peers
	return d
}

// WithCalls makes the dispatcher execute calls forwarded to its shard.
// Without it forwarded calls are only logged.
func (d *Dispatcher) WithCalls(calls CallExecutor) *Dispatcher {
	d.calls = calls
	return d
}

// WithRegistry makes the dispatcher keep registry current and seal a
// snapshot after every block that changed it.
func (d *Dispatcher) WithRegistry(registry *nftregistry.Registry, snapshots RegistrySealer) *Dispatcher {
	d.registry = registry
	d.snapshots = snapshots
	return d
}

// Handle decodes and dispatches every event of batch. Events that fail to
// decode or are of an unknown kind are skipped. The ledger and the registry
// are persisted once if any event changed them.
func (d *Dispatcher) Handle(ctx context.Context, batch interfaces.EventBatch) error {
	changed, registryChanged := false, false
	for i, raw := range batch.Events {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := d.decoder.DecodeEvent(batch.Block, raw)
		if err != nil {
			d.log.Warn("Skipping undecodable event",
				slog.Uint64("block", batch.Block.Number),
				slog.Int("index", i),
				"err", err)
			continue
		}
		metrics.DispatchedEvents.WithLabelValues(ev.Kind.String()).Inc()

		if ev.Kind == interfaces.NftUpdatedEvent {
			if d.updateNft(ev) {
				registryChanged = true
			}
			continue
		}
		if d.dispatch(ev) {
			changed = true
		}
	}

	if registryChanged {
		d.registry.SetBlockNumber(batch.Block.Number)
		if err := d.snapshots.Seal(d.registryPath, d.registry); err != nil {
			d.log.Error("Failed to seal registry snapshot",
				slog.Uint64("block", batch.Block.Number),
				"err", err)
			return err
		}
	}

	if changed {
		if err := d.ledger.Persist(); err != nil {
			d.log.Error("Failed to persist shard state after events",
				slog.Uint64("block", batch.Block.Number),
				"err", err)
			return err
		}
	}
	return nil
}

func (d *Dispatcher) updateNft(ev interfaces.Event) bool {
	if d.registry == nil {
		d.log.Debug("Ignoring NFT update, no registry attached", slog.Uint64("nft_id", uint64(ev.Resource)))
		return false
	}
	d.registry.Insert(ev.Resource, ev.Nft)
	d.log.Info("NFT registry updated",
		slog.Uint64("block", ev.Block.Number),
		slog.Uint64("nft_id", uint64(ev.Resource)),
		slog.String("owner", ev.Nft.Owner.String()))
	return true
}

// dispatch reports whether the ledger was changed.
func (d *Dispatcher) dispatch(ev interfaces.Event) bool {
	log := d.log.With(slog.Uint64("block", ev.Block.Number), slog.String("kind", ev.Kind.String()))

	switch ev.Kind {
	case interfaces.TransferEvent:
		log.Info("Parentchain transfer",
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
			slog.String("amount", ev.Amount.Dec()))

	case interfaces.AddedEnclaveEvent:
		if ev.From == d.self {
			log.Info("Own enclave registration confirmed", slog.String("url", ev.Url))
		} else {
			log.Info("Enclave registered", slog.String("account", ev.From.String()), slog.String("url", ev.Url))
		}
		if d.peers != nil && ev.From != d.self {
			d.peers.AddPeer(ev.From, ev.Url)
		}

	case interfaces.ForwardedEvent:
		if ev.Shard != d.shard {
			log.Debug("Ignoring call forwarded to another shard", slog.String("shard", ev.Shard.String()))
			return false
		}
		if d.calls == nil {
			log.Info("Call forwarded to shard", slog.Int("size", len(ev.Payload)))
			return false
		}
		if err := d.calls.ExecuteForwarded(ev.Payload); err != nil {
			log.Warn("Rejected forwarded call", slog.Int("size", len(ev.Payload)), "err", err)
			return false
		}
		return true

	case interfaces.ProcessedParentchainBlockEvent:
		log.Info("Parentchain block processed",
			slog.String("account", ev.From.String()),
			slog.String("block_hash", ev.BlockHash.Hex()),
			slog.String("merkle_root", ev.MerkleRoot.Hex()))

	case interfaces.ProposedSidechainBlockEvent:
		log.Info("Sidechain block proposed",
			slog.String("account", ev.From.String()),
			slog.String("block_hash", ev.BlockHash.Hex()))

	case interfaces.ShieldFundsEvent:
		if ev.Shard != d.shard {
			return false
		}
		d.ledger.Credit(ev.To, ev.Amount)
		log.Info("Shielded funds", slog.String("account", ev.To.String()), slog.String("amount", ev.Amount.Dec()))
		return true

	case interfaces.UnshieldedFundsEvent:
		if ev.Shard != d.shard {
			return false
		}
		if err := d.ledger.Debit(ev.To, ev.Amount); err != nil {
			log.Error("Failed to debit unshielded funds",
				slog.String("account", ev.To.String()),
				slog.String("amount", ev.Amount.Dec()),
				"err", err)
			return false
		}
		log.Info("Unshielded funds", slog.String("account", ev.To.String()), slog.String("amount", ev.Amount.Dec()))
		return true

	default:
		log.Debug("Ignoring unrecognized event", slog.Int("size", len(ev.Payload)))
	}
	return false
}

// Run subscribes to event batches and dispatches them until ctx is cancelled.
// The subscription feeds a buffered channel; the dispatch loop waits on it
// for at most RecvTimeout at a time.
func (d *Dispatcher) Run(ctx context.Context, chain interfaces.ChainQuery) error {
	batches := make(chan interfaces.EventBatch, batchBuffer)
	sub, err := chain.SubscribeEvents(ctx, batches)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	d.log.Info("Event dispatch loop started", slog.String("shard", d.shard.String()))

	timer := time.NewTimer(RecvTimeout)
	defer timer.Stop()

	for {
		select {
		case batch := <-batches:
			if err := d.Handle(ctx, batch); err != nil && ctx.Err() == nil {
				return err
			}
		case err, ok := <-sub.Err():
			if !ok {
				return ErrSubscriptionClosed
			}
			return err
		case <-timer.C:
		}

		if ctx.Err() != nil {
			d.log.Info("Event dispatch loop stopped")
			return nil
		}
		timer.Reset(RecvTimeout)
	}
}

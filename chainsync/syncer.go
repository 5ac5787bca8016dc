package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-sidechain-worker/chainclient"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/metrics"
	"go.uber.org/atomic"
)

var (
	// ErrHeaderDecode terminates the live loop when a notified header cannot be decoded.
	ErrHeaderDecode = errors.New("failed to decode finalized header")

	// ErrBeyondFinalized is returned when catch-up is asked to go past the finalized head.
	ErrBeyondFinalized = errors.New("target is beyond the finalized head")

	// ErrSubscriptionClosed is returned when the head subscription ends without an error.
	ErrSubscriptionClosed = errors.New("finalized head subscription closed")
)

type persister interface {
	Persist() error
}

// Syncer keeps the light client in step with the finalized parentchain.
type Syncer struct {
	chain interfaces.ChainQuery
	lc    interfaces.LightClient
	head  *atomic.Uint64
	log   *slog.Logger
}

// New creates a syncer feeding lc with headers from chain.
func New(chain interfaces.ChainQuery, lc interfaces.LightClient, log *slog.Logger) *Syncer {
	return &Syncer{
		chain: chain,
		lc:    lc,
		head:  atomic.NewUint64(0),
		log:   log.With("component", "chainsync"),
	}
}

// HeadNumber returns the number of the last synced header.
func (s *Syncer) HeadNumber() uint64 {
	return s.head.Load()
}

// InitLightClient anchors the light client on the parentchain genesis.
func (s *Syncer) InitLightClient(ctx context.Context) (interfaces.Header, error) {
	genesis, err := s.chain.Genesis(ctx)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: genesis: %w", interfaces.ErrChainQuery, err)
	}
	authorities, proof, err := s.chain.Authorities(ctx)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: authorities: %w", interfaces.ErrChainQuery, err)
	}

	head, err := s.lc.Init(genesis, authorities, proof)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("light client rejected genesis: %w", err)
	}
	s.setHead(head)
	return head, nil
}

// Sync imports every header after the light client head up to the current
// finalized head and returns the new head. Calling it again with the result
// is a no-op until the chain finalizes more blocks.
func (s *Syncer) Sync(ctx context.Context, from interfaces.Header) (interfaces.Header, error) {
	finalized, err := s.chain.FinalizedHead(ctx)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: finalized head: %w", interfaces.ErrChainQuery, err)
	}
	return s.syncTo(ctx, from, finalized.Number)
}

// CatchUp imports headers up to until, which must already be finalized.
// A primary enclave uses it to replay the chain up to its registration block.
func (s *Syncer) CatchUp(ctx context.Context, from, until interfaces.Header) (interfaces.Header, error) {
	finalized, err := s.chain.FinalizedHead(ctx)
	if err != nil {
		return interfaces.Header{}, fmt.Errorf("%w: finalized head: %w", interfaces.ErrChainQuery, err)
	}
	if until.Number > finalized.Number {
		return interfaces.Header{}, fmt.Errorf("%w: %d > %d", ErrBeyondFinalized, until.Number, finalized.Number)
	}

	s.log.Info("Catching up with parentchain", slog.String("from", from.String()), slog.String("until", until.String()))
	head, err := s.syncTo(ctx, from, until.Number)
	if err != nil {
		return interfaces.Header{}, err
	}
	if head.Number == until.Number && head.Hash != until.Hash {
		return interfaces.Header{}, fmt.Errorf("caught up to %s, expected %s", head, until)
	}
	return head, nil
}

func (s *Syncer) syncTo(ctx context.Context, from interfaces.Header, target uint64) (interfaces.Header, error) {
	head, err := s.lc.Head()
	if err != nil {
		return interfaces.Header{}, err
	}
	if from.Number > head.Number {
		return interfaces.Header{}, fmt.Errorf("sync from %s is ahead of light client head %s", from, head)
	}

	start := head.Number
	for n := start + 1; n <= target; n++ {
		if err := ctx.Err(); err != nil {
			return interfaces.Header{}, err
		}

		h, err := s.chain.HeaderByNumber(ctx, n)
		if err != nil {
			return interfaces.Header{}, fmt.Errorf("%w: header %d: %w", interfaces.ErrChainQuery, n, err)
		}
		if err := s.lc.Import(h); err != nil {
			return interfaces.Header{}, fmt.Errorf("light client rejected %s: %w", h, err)
		}
		head = h
		s.setHead(head)
		metrics.SyncedHeaders.Inc()
	}

	if head.Number > start {
		s.log.Debug("Synced parentchain headers",
			slog.Uint64("from", start),
			slog.String("head", head.String()))
		if p, ok := s.lc.(persister); ok {
			if err := p.Persist(); err != nil {
				s.log.Warn("Failed to persist light client", "err", err)
			}
		}
	}
	return head, nil
}

func (s *Syncer) setHead(head interfaces.Header) {
	s.head.Store(head.Number)
	metrics.HeadNumber.Set(float64(head.Number))
}

// Run follows finalized head notifications and syncs on each until ctx is
// done. An undecodable notification or a failed sync ends the loop with an error.
func (s *Syncer) Run(ctx context.Context, from interfaces.Header) error {
	heads := make(chan []byte, 16)
	sub, err := s.chain.SubscribeFinalizedHeads(ctx, heads)
	if err != nil {
		return fmt.Errorf("%w: subscribe finalized heads: %w", interfaces.ErrChainQuery, err)
	}
	defer sub.Unsubscribe()

	last := from
	s.log.Info("Starting live parentchain sync", slog.String("from", last.String()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return ErrSubscriptionClosed
			}
			return fmt.Errorf("%w: head subscription: %w", interfaces.ErrChainQuery, err)
		case raw := <-heads:
			notified, err := chainclient.DecodeHeader(raw)
			if err != nil {
				s.log.Error("Dropping live sync on undecodable header", "err", err)
				return fmt.Errorf("%w: %w", ErrHeaderDecode, err)
			}
			if notified.Number <= last.Number {
				continue
			}

			last, err = s.Sync(ctx, last)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

package nftregistry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/storage"
)

// DefaultSnapshotPath is the sealed path of a shard's registry snapshot.
const DefaultSnapshotPath = "nft_registry.bin"

var (
	// ErrSnapshotSeal is returned when a snapshot could not be sealed.
	ErrSnapshotSeal = errors.New("failed to seal registry snapshot")

	// ErrSnapshotUnseal is returned when a snapshot could not be read or authenticated.
	ErrSnapshotUnseal = errors.New("failed to unseal registry snapshot")

	// ErrSnapshotDecode is returned when an unsealed snapshot is malformed.
	ErrSnapshotDecode = fmt.Errorf("%w: malformed registry snapshot", interfaces.ErrDecode)
)

// snapshotEntry and snapshot are the flat, ordered form of a Registry.
type snapshotEntry struct {
	Id   uint32
	Data interfaces.NftData
}

type snapshot struct {
	Entries     []snapshotEntry
	BlockNumber uint64
}

// SnapshotStore persists whole registries as single sealed units.
type SnapshotStore struct {
	store *storage.SealedStore
	log   *slog.Logger
}

// NewSnapshotStore creates a snapshot store sealing through store.
func NewSnapshotStore(store *storage.SealedStore, log *slog.Logger) *SnapshotStore {
	return &SnapshotStore{
		store: store,
		log:   log.With("component", "nftregistry"),
	}
}

// Flatten returns the registry as (id, record) pairs in id-index order plus the watermark.
func Flatten(r *Registry) ([]interfaces.ResourceId, []interfaces.NftData, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := append([]interfaces.ResourceId(nil), r.ids...)
	records := make([]interfaces.NftData, len(ids))
	for i, id := range ids {
		records[i] = r.entries[id]
	}
	return ids, records, r.blockNumber
}

// Encode serializes r. Records and watermark travel together.
func Encode(r *Registry) ([]byte, error) {
	ids, records, blockNumber := Flatten(r)
	snap := snapshot{
		Entries:     make([]snapshotEntry, len(ids)),
		BlockNumber: blockNumber,
	}
	for i := range ids {
		snap.Entries[i] = snapshotEntry{Id: uint32(ids[i]), Data: records[i]}
	}
	return rlp.EncodeToBytes(&snap)
}

// Decode rebuilds a registry, its id index following the encoded pair order.
func Decode(encoded []byte) (*Registry, error) {
	var snap snapshot
	if err := rlp.DecodeBytes(encoded, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotDecode, err)
	}

	r := New()
	for _, entry := range snap.Entries {
		id := interfaces.ResourceId(entry.Id)
		if _, dup := r.entries[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrSnapshotDecode, id)
		}
		r.ids = append(r.ids, id)
		r.entries[id] = entry.Data
	}
	r.blockNumber = snap.BlockNumber
	return r, nil
}

// Seal writes r to path. The previous snapshot is kept as backup.
func (s *SnapshotStore) Seal(path string, r *Registry) error {
	encoded, err := Encode(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotSeal, err)
	}
	if err := s.store.Seal(path, encoded); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotSeal, err)
	}

	s.log.Debug("Sealed registry snapshot",
		slog.String("path", path),
		slog.Int("entries", r.Len()),
		slog.Uint64("block_number", r.BlockNumber()))
	return nil
}

// Unseal reads the registry at path, restoring it from the mirror when the
// local copy is lost.
func (s *SnapshotStore) Unseal(path string) (*Registry, error) {
	encoded, err := s.store.UnsealOrRestore(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotUnseal, err)
	}

	r, err := Decode(encoded)
	if err != nil {
		s.log.Error("Failed to decode registry snapshot", slog.String("path", path), "err", err)
		return nil, err
	}
	return r, nil
}

// LoadOrNew unseals the registry at path, or returns an empty one if none was sealed yet.
func (s *SnapshotStore) LoadOrNew(path string) (*Registry, error) {
	r, err := s.Unseal(path)
	if errors.Is(err, storage.ErrSealedNotFound) {
		s.log.Info("No registry snapshot found, starting empty", slog.String("path", path))
		return New(), nil
	}
	return r, err
}

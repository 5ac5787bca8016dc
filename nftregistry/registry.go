package nftregistry

import (
	"bytes"
	"sync"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// Registry is the in-memory NFT registry: records by id, the order ids were
// first inserted in, and the parentchain block it reflects.
type Registry struct {
	mu          sync.RWMutex
	entries     map[interfaces.ResourceId]interfaces.NftData
	ids         []interfaces.ResourceId
	blockNumber uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[interfaces.ResourceId]interfaces.NftData)}
}

// Insert adds or replaces the record for id. Replacing keeps the id's position.
func (r *Registry) Insert(id interfaces.ResourceId, data interfaces.NftData) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		r.ids = append(r.ids, id)
	}
	r.entries[id] = data
}

// Get returns the record for id.
func (r *Registry) Get(id interfaces.ResourceId) (interfaces.NftData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, ok := r.entries[id]
	return data, ok
}

// Owner returns the owner of id. It satisfies keyvault.OwnerLookup.
func (r *Registry) Owner(id interfaces.ResourceId) (interfaces.AccountId, bool) {
	data, ok := r.Get(id)
	return data.Owner, ok
}

// Ids returns a copy of the ordered id index.
func (r *Registry) Ids() []interfaces.ResourceId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]interfaces.ResourceId(nil), r.ids...)
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// BlockNumber returns the watermark.
func (r *Registry) BlockNumber() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blockNumber
}

// SetBlockNumber moves the watermark.
func (r *Registry) SetBlockNumber(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockNumber = n
}

// Equal reports whether both registries hold the same records and watermark.
// Insertion order is not compared.
func (r *Registry) Equal(other *Registry) bool {
	if r == other {
		return true
	}

	// Never hold both locks: a.Equal(b) racing b.Equal(a) would deadlock
	// behind a waiting writer.
	other.mu.RLock()
	blockNumber := other.blockNumber
	entries := make(map[interfaces.ResourceId]interfaces.NftData, len(other.entries))
	for id, data := range other.entries {
		entries[id] = data
	}
	other.mu.RUnlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.blockNumber != blockNumber || len(r.entries) != len(entries) {
		return false
	}
	for id, a := range r.entries {
		b, ok := entries[id]
		if !ok || !nftEqual(a, b) {
			return false
		}
	}
	return true
}

func nftEqual(a, b interfaces.NftData) bool {
	return a.Owner == b.Owner &&
		bytes.Equal(a.Details.Data, b.Details.Data) &&
		a.Details.Edition == b.Details.Edition &&
		a.Details.Listed == b.Details.Listed &&
		a.Locked == b.Locked &&
		a.Capsule == b.Capsule
}

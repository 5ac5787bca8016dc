package lightclient

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/storage"
)

// DefaultPath is the sealed path of the light client state.
const DefaultPath = "light_client_db.bin"

var (
	ErrNotInitialized     = errors.New("light client not initialized")
	ErrEmptyAuthoritySet  = errors.New("empty authority set")
	ErrInvalidProof       = errors.New("authority proof does not match genesis and authority set")
	ErrNonSequentialBlock = errors.New("header is not the successor of the light client head")
	ErrUnexpectedParent   = errors.New("header parent does not match the light client head")
)

// AuthorityProofFor is the proof accepted by Init: a Keccak-256 commitment
// to the genesis hash and the authority set.
func AuthorityProofFor(genesis interfaces.Header, authorities []interfaces.Authority) interfaces.AuthorityProof {
	encoded, err := rlp.EncodeToBytes(authorities)
	if err != nil {
		panic(fmt.Sprintf("authority encoding failed: %v", err))
	}
	return interfaces.AuthorityProof{crypto.Keccak256(genesis.Hash[:], encoded)}
}

type snapshot struct {
	Genesis     interfaces.Header
	Authorities []interfaces.Authority
	Head        interfaces.Header
}

// Client verifies that imported headers extend its head: consecutive numbers
// and matching parent hash. It implements interfaces.LightClient.
type Client struct {
	mu          sync.RWMutex
	initialized bool
	genesis     interfaces.Header
	authorities []interfaces.Authority
	head        interfaces.Header

	store *storage.SealedStore
	log   *slog.Logger
}

// New creates an uninitialized light client. store may be nil, in which case
// Persist is a no-op.
func New(store *storage.SealedStore, log *slog.Logger) *Client {
	return &Client{store: store, log: log.With("component", "lightclient")}
}

// Load restores a light client sealed by Persist.
func Load(store *storage.SealedStore, log *slog.Logger) (*Client, error) {
	raw, err := store.Unseal(DefaultPath)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := rlp.DecodeBytes(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: light client: %v", interfaces.ErrDecode, err)
	}

	c := New(store, log)
	c.initialized = true
	c.genesis = snap.Genesis
	c.authorities = snap.Authorities
	c.head = snap.Head
	c.log.Info("Loaded light client", slog.String("head", c.head.String()))
	return c, nil
}

// Init anchors trust in genesis once authorities and proof check out.
// Re-initializing resets the head to genesis.
func (c *Client) Init(genesis interfaces.Header, authorities []interfaces.Authority, proof interfaces.AuthorityProof) (interfaces.Header, error) {
	if len(authorities) == 0 {
		return interfaces.Header{}, ErrEmptyAuthoritySet
	}
	expected := AuthorityProofFor(genesis, authorities)
	if len(proof) != len(expected) || !bytes.Equal(proof[0], expected[0]) {
		return interfaces.Header{}, ErrInvalidProof
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.genesis = genesis
	c.authorities = append([]interfaces.Authority(nil), authorities...)
	c.head = genesis

	c.log.Info("Initialized light client",
		slog.String("genesis", genesis.String()),
		slog.Int("authorities", len(authorities)))
	return genesis, nil
}

// Import accepts header only as the direct child of the current head.
func (c *Client) Import(header interfaces.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return ErrNotInitialized
	}
	if header.Number != c.head.Number+1 {
		return fmt.Errorf("%w: head %d, got %d", ErrNonSequentialBlock, c.head.Number, header.Number)
	}
	if header.ParentHash != c.head.Hash {
		return fmt.Errorf("%w: %s", ErrUnexpectedParent, header)
	}
	c.head = header
	return nil
}

// Head returns the last imported header.
func (c *Client) Head() (interfaces.Header, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return interfaces.Header{}, ErrNotInitialized
	}
	return c.head, nil
}

// Persist seals the light client state.
func (c *Client) Persist() error {
	if c.store == nil {
		return nil
	}

	c.mu.RLock()
	if !c.initialized {
		c.mu.RUnlock()
		return ErrNotInitialized
	}
	encoded, err := rlp.EncodeToBytes(snapshot{Genesis: c.genesis, Authorities: c.authorities, Head: c.head})
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return c.store.Seal(DefaultPath, encoded)
}

package keyvault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/metrics"
	"github.com/ruteri/tee-sidechain-worker/storage"
)

// DefaultDir is the directory, relative to the sealed store root, holding shares.
const DefaultDir = "keyshare"

// Vault keeps one sealed secret share per NFT, gated by an Authorizer.
//
// Get and Check deliberately fold every failure (denied, missing, corrupt)
// into the same negative answer; details only go to the log.
type Vault struct {
	store *storage.SealedStore
	dir   string
	auth  interfaces.Authorizer
	log   *slog.Logger
}

// New creates a vault storing shares under dir in store. An empty dir means DefaultDir.
func New(store *storage.SealedStore, dir string, auth interfaces.Authorizer, log *slog.Logger) (*Vault, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(filepath.Join(store.Root(), dir), 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create key share directory: %v", interfaces.ErrStorageIo, err)
	}

	return &Vault{
		store: store,
		dir:   dir,
		auth:  auth,
		log:   log.With("component", "keyvault"),
	}, nil
}

// SharePath returns the sealed path of the share for id. Distinct ids never
// share a path.
func SharePath(dir string, id interfaces.ResourceId) string {
	return filepath.Join(dir, fmt.Sprintf("%d_Nft.bin", id))
}

// Provision seals share for id. Replacing an existing share is allowed; the
// previous one stays in the backup generation.
func (v *Vault) Provision(owner interfaces.AccountId, id interfaces.ResourceId, share interfaces.Share) error {
	if !v.auth.Authorize(owner, id) {
		metrics.VaultDenials.WithLabelValues("provision").Inc()
		v.log.Warn("Unauthorized key share provisioning",
			slog.String("owner", owner.String()),
			slog.Uint64("nft_id", uint64(id)))
		return interfaces.ErrUnauthorized
	}

	path := SharePath(v.dir, id)
	if v.store.Exists(path) {
		v.log.Warn("Overriding existing key share", slog.Uint64("nft_id", uint64(id)))
	}

	encoded, err := rlp.EncodeToBytes(&share)
	if err != nil {
		return fmt.Errorf("failed to encode key share: %w", err)
	}
	if err := v.store.Seal(path, encoded); err != nil {
		return fmt.Errorf("failed to seal key share %d: %w", id, err)
	}

	v.log.Info("Provisioned key share", slog.Uint64("nft_id", uint64(id)))
	return nil
}

// Check reports whether a share exists for id. It does not unseal it.
func (v *Vault) Check(owner interfaces.AccountId, id interfaces.ResourceId) bool {
	if !v.auth.Authorize(owner, id) {
		metrics.VaultDenials.WithLabelValues("check").Inc()
		v.log.Warn("Unauthorized key share check",
			slog.String("owner", owner.String()),
			slog.Uint64("nft_id", uint64(id)))
		return false
	}
	path := SharePath(v.dir, id)
	return v.store.Exists(path) || v.store.Mirrored(path)
}

// Get returns the share for id, or false if it cannot be returned for any reason.
func (v *Vault) Get(owner interfaces.AccountId, id interfaces.ResourceId) (*interfaces.Share, bool) {
	if !v.auth.Authorize(owner, id) {
		metrics.VaultDenials.WithLabelValues("get").Inc()
		v.log.Warn("Unauthorized key share access",
			slog.String("owner", owner.String()),
			slog.Uint64("nft_id", uint64(id)))
		return nil, false
	}

	encoded, err := v.store.UnsealOrRestore(SharePath(v.dir, id))
	if err != nil {
		v.log.Error("Failed to unseal key share", slog.Uint64("nft_id", uint64(id)), "err", err)
		return nil, false
	}

	var share interfaces.Share
	if err := rlp.DecodeBytes(encoded, &share); err != nil {
		v.log.Error("Failed to decode key share", slog.Uint64("nft_id", uint64(id)), "err", err)
		return nil, false
	}
	return &share, true
}

package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/metrics"
	"golang.org/x/crypto/hkdf"
)

// BackupSuffix is appended to a sealed path to name its single backup generation.
const BackupSuffix = ".1"

// MirrorIndexSuffix is appended to a sealed path to name the sealed record of
// the blob id it was last mirrored under.
const MirrorIndexSuffix = ".mirror"

const (
	sealKeySize = 32
	// ShardsDir is the directory under the store root holding per-shard namespaces.
	ShardsDir = "shards"
)

var (
	// ErrSealedNotFound is returned when no sealed blob exists at a path.
	ErrSealedNotFound = fmt.Errorf("%w: sealed blob not found", interfaces.ErrStorageIo)

	// ErrSealAuthentication is returned when a sealed blob fails authentication.
	ErrSealAuthentication = fmt.Errorf("%w: sealed blob failed authentication", interfaces.ErrStorageIo)

	// ErrInvalidSealedPath is returned for absolute paths or paths escaping the store root.
	ErrInvalidSealedPath = fmt.Errorf("%w: invalid sealed path", interfaces.ErrStorageIo)

	// ErrRestoreFailed is returned when a blob recorded as mirrored could not be restored.
	ErrRestoreFailed = fmt.Errorf("%w: failed to restore sealed blob from mirror", interfaces.ErrStorageIo)
)

// SealedStore persists encrypted, authenticated blobs addressed by a path
// relative to its root directory. Overwrites keep one backup generation.
//
// Blobs are sealed with AES-256-GCM under a key derived from the enclave seal
// secret. The relative path is bound as additional data, so a blob cannot be
// moved to another path and still unseal.
type SealedStore struct {
	root   string
	secret []byte
	aead   cipher.AEAD
	locks  *keyedMutex
	log    *slog.Logger

	mirror     interfaces.MirrorBackend
	mirrorKind interfaces.BlobKind
}

// NewSealedStore creates a store rooted at root, creating the directory if needed.
// sealSecret is the platform seal secret of the enclave and must be at least 32 bytes.
func NewSealedStore(root string, sealSecret []byte, log *slog.Logger) (*SealedStore, error) {
	if len(sealSecret) < sealKeySize {
		return nil, fmt.Errorf("seal secret too short: %d bytes", len(sealSecret))
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create store root: %v", interfaces.ErrStorageIo, err)
	}

	aead, err := deriveAEAD(sealSecret, "root")
	if err != nil {
		return nil, err
	}

	return &SealedStore{
		root:   root,
		secret: sealSecret,
		aead:   aead,
		locks:  newKeyedMutex(),
		log:    log,
	}, nil
}

func deriveAEAD(secret []byte, info string) (cipher.AEAD, error) {
	key := make([]byte, sealKeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("tee-sidechain-worker/seal/"+info))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// ForShard returns a view of the store rooted at shards/<hex(shard)>, sealing
// under a key derived for that shard only. Views share the path locks of
// their parent.
func (s *SealedStore) ForShard(shard interfaces.ShardIdentifier) (*SealedStore, error) {
	root := filepath.Join(s.root, ShardsDir, shard.String())
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create shard directory: %v", interfaces.ErrStorageIo, err)
	}

	aead, err := deriveAEAD(s.secret, "shard/"+shard.String())
	if err != nil {
		return nil, err
	}

	return &SealedStore{
		root:       root,
		secret:     s.secret,
		aead:       aead,
		locks:      s.locks,
		log:        s.log.With("shard", shard.String()),
		mirror:     s.mirror,
		mirrorKind: s.mirrorKind,
	}, nil
}

// WithMirror returns a view that pushes every sealed ciphertext to mirror
// under kind. Mirror failures are logged and never fail a seal.
func (s *SealedStore) WithMirror(mirror interfaces.MirrorBackend, kind interfaces.BlobKind) *SealedStore {
	view := *s
	view.mirror = mirror
	view.mirrorKind = kind
	return &view
}

// Root returns the directory the store is rooted at.
func (s *SealedStore) Root() string {
	return s.root
}

func (s *SealedStore) resolve(path string) (string, error) {
	if path == "" || !filepath.IsLocal(path) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSealedPath, path)
	}
	return filepath.Join(s.root, path), nil
}

// Seal writes plaintext sealed to path. An existing blob is first copied to
// path+".1"; failing to do so is logged and does not block the write.
func (s *SealedStore) Seal(path string, plaintext []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(full)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		metrics.SealedWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: failed to create directory: %v", interfaces.ErrStorageIo, err)
	}

	if _, err := os.Stat(full); err == nil {
		if err := copyFile(full, full+BackupSuffix); err != nil {
			metrics.BackupFailures.Inc()
			s.log.Warn("Failed to back up sealed blob before overwrite",
				slog.String("path", path),
				"err", err)
		}
	}

	ciphertext, err := s.seal(path, plaintext)
	if err != nil {
		metrics.SealedWrites.WithLabelValues("error").Inc()
		return err
	}

	if err := writeFileAtomic(full, ciphertext); err != nil {
		metrics.SealedWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: failed to write sealed blob: %v", interfaces.ErrStorageIo, err)
	}
	metrics.SealedWrites.WithLabelValues("ok").Inc()

	s.log.Debug("Sealed blob",
		slog.String("path", path),
		slog.Int("size", len(plaintext)))

	s.pushToMirror(path, full, ciphertext)
	return nil
}

// Unseal reads and authenticates the blob at path.
func (s *SealedStore) Unseal(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(full)
	defer unlock()

	return s.unsealFile(path, full)
}

// UnsealBackup reads and authenticates the backup generation of path.
func (s *SealedStore) UnsealBackup(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(full)
	defer unlock()

	return s.unsealFile(path, full+BackupSuffix)
}

// Exists reports whether a sealed blob is present at path. It does not unseal.
func (s *SealedStore) Exists(path string) bool {
	full, err := s.resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Restore fetches the ciphertext id from the mirror, checks that it unseals
// for path and writes it back locally as a regular sealed write.
func (s *SealedStore) Restore(ctx context.Context, path string, id interfaces.BlobID) error {
	if s.mirror == nil {
		return fmt.Errorf("%w: no mirror configured", interfaces.ErrMirrorUnavailable)
	}

	ciphertext, err := s.mirror.Fetch(ctx, id, s.mirrorKind)
	if err != nil {
		return fmt.Errorf("failed to fetch blob %s from %s: %w", id, s.mirror.Name(), err)
	}

	plaintext, err := s.open(path, ciphertext)
	if err != nil {
		return err
	}

	s.log.Info("Restoring sealed blob from mirror",
		slog.String("path", path),
		slog.String("blob_id", id.String()),
		slog.String("mirror", s.mirror.Name()))
	return s.Seal(path, plaintext)
}

// MirroredBlob returns the id path was last mirrored under.
func (s *SealedStore) MirroredBlob(path string) (interfaces.BlobID, error) {
	full, err := s.resolve(path)
	if err != nil {
		return interfaces.BlobID{}, err
	}

	unlock := s.locks.Lock(full)
	defer unlock()

	raw, err := s.unsealFile(path+MirrorIndexSuffix, full+MirrorIndexSuffix)
	if err != nil {
		return interfaces.BlobID{}, err
	}
	var id interfaces.BlobID
	if len(raw) != len(id) {
		return interfaces.BlobID{}, fmt.Errorf("%w: malformed mirror index for %s", interfaces.ErrDecode, path)
	}
	copy(id[:], raw)
	return id, nil
}

// Mirrored reports whether a mirror index exists for path.
func (s *SealedStore) Mirrored(path string) bool {
	return s.Exists(path + MirrorIndexSuffix)
}

// UnsealOrRestore unseals path. When the local blob is missing or fails
// authentication and path has a mirror index, the blob is restored from the
// mirror first. A failed restore yields ErrRestoreFailed.
func (s *SealedStore) UnsealOrRestore(path string) ([]byte, error) {
	plaintext, err := s.Unseal(path)
	if err == nil || s.mirror == nil {
		return plaintext, err
	}
	if !errors.Is(err, ErrSealedNotFound) && !errors.Is(err, ErrSealAuthentication) {
		return nil, err
	}

	id, idxErr := s.MirroredBlob(path)
	if idxErr != nil {
		return nil, err
	}

	s.log.Warn("Local sealed blob unusable, restoring from mirror",
		slog.String("path", path),
		slog.String("blob_id", id.String()),
		"err", err)

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.Restore(ctx, path, id); err != nil {
		metrics.MirrorRestores.WithLabelValues("error").Inc()
		s.log.Error("Failed to restore sealed blob from mirror", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRestoreFailed, path, err)
	}
	metrics.MirrorRestores.WithLabelValues("ok").Inc()
	return s.Unseal(path)
}

func (s *SealedStore) unsealFile(path, full string) ([]byte, error) {
	ciphertext, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSealedNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read sealed blob: %v", interfaces.ErrStorageIo, err)
	}
	return s.open(path, ciphertext)
}

func (s *SealedStore) seal(path string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", interfaces.ErrStorageIo, err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(filepath.ToSlash(path))), nil
}

func (s *SealedStore) open(path string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: %s: blob too short", ErrSealAuthentication, path)
	}
	nonce, body := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, body, []byte(filepath.ToSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSealAuthentication, path)
	}
	return plaintext, nil
}

// pushToMirror runs under the path lock of full.
func (s *SealedStore) pushToMirror(path, full string, ciphertext []byte) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	id, err := s.mirror.Store(ctx, ciphertext, s.mirrorKind)
	if err != nil {
		s.log.Warn("Failed to mirror sealed blob",
			slog.String("path", path),
			slog.String("mirror", s.mirror.Name()),
			"err", err)
		return
	}

	index, err := s.seal(path+MirrorIndexSuffix, id[:])
	if err == nil {
		err = writeFileAtomic(full+MirrorIndexSuffix, index)
	}
	if err != nil {
		s.log.Warn("Failed to record mirrored blob id", slog.String("path", path), "err", err)
	}

	s.log.Info("Mirrored sealed blob",
		slog.String("path", path),
		slog.String("kind", s.mirrorKind.String()),
		slog.String("blob_id", id.String()))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

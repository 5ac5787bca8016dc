package nftregistry

import (
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(t *testing.T) (*SnapshotStore, *storage.SealedStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	store, err := storage.NewSealedStore(t.TempDir(), secret, logger)
	require.NoError(t, err)
	return NewSnapshotStore(store, logger), store
}

func sampleNft(owner byte, edition uint32) interfaces.NftData {
	return interfaces.NftData{
		Owner: interfaces.AccountId{owner},
		Details: interfaces.NftDetails{
			Data:    []byte{owner, byte(edition)},
			Edition: edition,
			Listed:  edition%2 == 0,
		},
		Locked:  owner%2 == 0,
		Capsule: true,
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	snapshots, _ := newTestSnapshotStore(t)

	forward := New()
	reverse := New()
	for i := 1; i <= 5; i++ {
		forward.Insert(interfaces.ResourceId(i), sampleNft(byte(i), uint32(i)))
	}
	for i := 5; i >= 1; i-- {
		reverse.Insert(interfaces.ResourceId(i), sampleNft(byte(i), uint32(i)))
	}
	forward.SetBlockNumber(1234)
	reverse.SetBlockNumber(1234)
	require.True(t, forward.Equal(reverse), "equality ignores insertion order")

	require.NoError(t, snapshots.Seal(DefaultSnapshotPath, reverse))
	restored, err := snapshots.Unseal(DefaultSnapshotPath)
	require.NoError(t, err)

	assert.True(t, restored.Equal(forward))
	assert.True(t, restored.Equal(reverse))
	assert.Equal(t, uint64(1234), restored.BlockNumber())
	assert.Equal(t, reverse.Ids(), restored.Ids(), "id index follows the sealed pair order")

	owner, ok := restored.Owner(3)
	require.True(t, ok)
	assert.Equal(t, interfaces.AccountId{3}, owner)
}

func TestSnapshot_EmptyRegistry(t *testing.T) {
	snapshots, _ := newTestSnapshotStore(t)

	empty := New()
	empty.SetBlockNumber(7)
	require.NoError(t, snapshots.Seal(DefaultSnapshotPath, empty))

	restored, err := snapshots.Unseal(DefaultSnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Len())
	assert.Equal(t, uint64(7), restored.BlockNumber())
}

func TestSnapshot_BackupBeforeOverwrite(t *testing.T) {
	snapshots, store := newTestSnapshotStore(t)

	first := New()
	first.Insert(1, sampleNft(1, 1))
	first.SetBlockNumber(10)
	require.NoError(t, snapshots.Seal(DefaultSnapshotPath, first))

	second := New()
	second.Insert(2, sampleNft(2, 2))
	second.SetBlockNumber(11)
	require.NoError(t, snapshots.Seal(DefaultSnapshotPath, second))

	backup, err := store.UnsealBackup(DefaultSnapshotPath)
	require.NoError(t, err)
	previous, err := Decode(backup)
	require.NoError(t, err)
	assert.True(t, previous.Equal(first))

	current, err := snapshots.Unseal(DefaultSnapshotPath)
	require.NoError(t, err)
	assert.True(t, current.Equal(second))
}

func TestSnapshot_ErrorKinds(t *testing.T) {
	snapshots, store := newTestSnapshotStore(t)

	// Missing file is an unseal failure
	_, err := snapshots.Unseal("missing.bin")
	assert.ErrorIs(t, err, ErrSnapshotUnseal)
	assert.ErrorIs(t, err, interfaces.ErrStorageIo)
	assert.NotErrorIs(t, err, ErrSnapshotDecode)

	// Tampered ciphertext is an unseal failure
	require.NoError(t, snapshots.Seal("tampered.bin", New()))
	full := filepath.Join(store.Root(), "tampered.bin")
	raw, err := os.ReadFile(full)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(full, raw, 0600))
	_, err = snapshots.Unseal("tampered.bin")
	assert.ErrorIs(t, err, ErrSnapshotUnseal)

	// Authentic but malformed content is a decode failure
	require.NoError(t, store.Seal("malformed.bin", []byte("not a registry")))
	_, err = snapshots.Unseal("malformed.bin")
	assert.ErrorIs(t, err, ErrSnapshotDecode)
	assert.ErrorIs(t, err, interfaces.ErrDecode)
	assert.NotErrorIs(t, err, ErrSnapshotUnseal)
}

func TestDecode_RejectsDuplicateIds(t *testing.T) {
	encoded, err := rlp.EncodeToBytes(&snapshot{
		Entries: []snapshotEntry{
			{Id: 1, Data: sampleNft(1, 1)},
			{Id: 1, Data: sampleNft(2, 2)},
		},
	})
	require.NoError(t, err)

	_, err = Decode(encoded)
	assert.ErrorIs(t, err, ErrSnapshotDecode)
}

func TestSnapshot_LoadOrNew(t *testing.T) {
	snapshots, _ := newTestSnapshotStore(t)

	r, err := snapshots.LoadOrNew(DefaultSnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())

	r.Insert(9, sampleNft(9, 1))
	require.NoError(t, snapshots.Seal(DefaultSnapshotPath, r))

	loaded, err := snapshots.LoadOrNew(DefaultSnapshotPath)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(r))
}

func TestSnapshot_LoadOrNewRestoresFromMirror(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mirrorDir := t.TempDir()
	mirror, err := storage.NewFileMirror(mirrorDir, logger)
	require.NoError(t, err)

	_, store := newTestSnapshotStore(t)
	snapshots := NewSnapshotStore(store.WithMirror(mirror, interfaces.RegistryBlob), logger)

	r := New()
	r.Insert(9, sampleNft(9, 1))
	r.SetBlockNumber(77)
	require.NoError(t, snapshots.Seal(DefaultSnapshotPath, r))

	local := filepath.Join(store.Root(), DefaultSnapshotPath)
	require.NoError(t, os.Remove(local))

	loaded, err := snapshots.LoadOrNew(DefaultSnapshotPath)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(r))

	// A recorded snapshot that cannot be restored is an error, not an empty registry
	require.NoError(t, os.Remove(local))
	require.NoError(t, os.RemoveAll(filepath.Join(mirrorDir, interfaces.RegistryBlob.String())))
	_, err = snapshots.LoadOrNew(DefaultSnapshotPath)
	require.ErrorIs(t, err, storage.ErrRestoreFailed)
	require.ErrorIs(t, err, ErrSnapshotUnseal)
}

func TestRegistry_InsertKeepsPosition(t *testing.T) {
	r := New()
	r.Insert(3, sampleNft(1, 1))
	r.Insert(1, sampleNft(2, 1))
	r.Insert(3, sampleNft(3, 2))

	assert.Equal(t, []interfaces.ResourceId{3, 1}, r.Ids())
	data, ok := r.Get(3)
	require.True(t, ok)
	assert.Equal(t, interfaces.AccountId{3}, data.Owner)
}

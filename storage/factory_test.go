package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorFactory_LocalMirrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewMirrorFactory(logger)

	fileDir := t.TempDir()
	badgerDir := t.TempDir()

	multi, err := factory.CreateMultiMirror([]string{
		"file://" + fileDir,
		"badger://" + badgerDir,
		"ftp://unsupported/location",
	})
	require.NoError(t, err)
	assert.Contains(t, multi.LocationURI(), fileDir)
	assert.Contains(t, multi.LocationURI(), badgerDir)
	t.Cleanup(func() {
		for _, m := range multi.mirrors {
			if b, ok := m.(*BadgerMirror); ok {
				b.Close()
			}
		}
	})

	ctx := context.Background()
	blob := []byte("ciphertext")
	id, err := multi.Store(ctx, blob, interfaces.RegistryBlob)
	require.NoError(t, err)

	// Every mirror holds its own copy
	for _, m := range multi.mirrors {
		data, err := m.Fetch(ctx, id, interfaces.RegistryBlob)
		require.NoError(t, err, m.Name())
		assert.Equal(t, blob, data)

		_, err = m.Fetch(ctx, id, interfaces.ShareBlob)
		assert.ErrorIs(t, err, interfaces.ErrBlobNotFound, m.Name())
	}
}

func TestMirrorFactory_RemoteMirrors(t *testing.T) {
	factory := NewMirrorFactory(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		uri      string
		wantType interface{}
		wantErr  bool
	}{
		{uri: "s3://AKIA:secret@worker-bucket/sealed?region=eu-west-1", wantType: &S3Mirror{}},
		{uri: "vault://vault.internal:8200/secret/worker?tls=false&token=t", wantType: &VaultMirror{}},
		{uri: "vault://vault.internal:8200/secret", wantErr: true},
		{uri: "ipfs://127.0.0.1:5001/worker", wantType: &IPFSMirror{}},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			loc, err := interfaces.NewMirrorLocation(tt.uri)
			require.NoError(t, err)

			mirror, err := factory.MirrorFor(loc)
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, mirror)
		})
	}
}

func TestCreateMultiMirror_NoValidMirror(t *testing.T) {
	factory := NewMirrorFactory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := factory.CreateMultiMirror([]string{"ftp://nope", "::not a uri"})
	require.Error(t, err)
}

package lightclient

import (
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chain(n int) []interfaces.Header {
	headers := make([]interfaces.Header, n)
	for i := range headers {
		headers[i].Number = uint64(i)
		headers[i].Hash = crypto.Keccak256Hash([]byte{byte(i)})
		if i > 0 {
			headers[i].ParentHash = headers[i-1].Hash
		}
	}
	return headers
}

var testAuthorities = []interfaces.Authority{{PublicKey: [32]byte{0x01}, Weight: 1}}

func TestClient_Init(t *testing.T) {
	headers := chain(1)
	proof := AuthorityProofFor(headers[0], testAuthorities)

	tests := []struct {
		name        string
		authorities []interfaces.Authority
		proof       interfaces.AuthorityProof
		wantErr     error
	}{
		{"valid", testAuthorities, proof, nil},
		{"empty authority set", nil, proof, ErrEmptyAuthoritySet},
		{"missing proof", testAuthorities, nil, ErrInvalidProof},
		{"proof for other authorities", []interfaces.Authority{{Weight: 2}}, proof, ErrInvalidProof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, testLogger())
			head, err := c.Init(headers[0], tt.authorities, tt.proof)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				_, err = c.Head()
				assert.ErrorIs(t, err, ErrNotInitialized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, headers[0], head)
		})
	}
}

func TestClient_Import(t *testing.T) {
	headers := chain(4)
	c := New(nil, testLogger())

	assert.ErrorIs(t, c.Import(headers[1]), ErrNotInitialized)

	_, err := c.Init(headers[0], testAuthorities, AuthorityProofFor(headers[0], testAuthorities))
	require.NoError(t, err)

	assert.ErrorIs(t, c.Import(headers[2]), ErrNonSequentialBlock)
	forged := headers[1]
	forged.ParentHash = common.Hash{0xff}
	assert.ErrorIs(t, c.Import(forged), ErrUnexpectedParent)

	for _, h := range headers[1:] {
		require.NoError(t, c.Import(h))
	}
	assert.ErrorIs(t, c.Import(headers[3]), ErrNonSequentialBlock)

	head, err := c.Head()
	require.NoError(t, err)
	assert.Equal(t, headers[3], head)
}

func TestClient_PersistAndLoad(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	store, err := storage.NewSealedStore(t.TempDir(), secret, testLogger())
	require.NoError(t, err)

	headers := chain(3)
	c := New(store, testLogger())
	assert.ErrorIs(t, c.Persist(), ErrNotInitialized)

	_, err = c.Init(headers[0], testAuthorities, AuthorityProofFor(headers[0], testAuthorities))
	require.NoError(t, err)
	require.NoError(t, c.Import(headers[1]))
	require.NoError(t, c.Persist())

	loaded, err := Load(store, testLogger())
	require.NoError(t, err)
	head, err := loaded.Head()
	require.NoError(t, err)
	assert.Equal(t, headers[1], head)
	require.NoError(t, loaded.Import(headers[2]))
}

package attestation

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/storage"
)

// DefaultKeyPath is the sealed path of the enclave signing key.
const DefaultKeyPath = "enclave_key.bin"

// EnclaveKey is the secp256k1 signing key generated inside the enclave. Its
// public key determines the enclave account on the parentchain.
type EnclaveKey struct {
	priv *ecdsa.PrivateKey
}

// GenerateEnclaveKey creates a fresh key.
func GenerateEnclaveKey() (*EnclaveKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate enclave key: %w", err)
	}
	return &EnclaveKey{priv: priv}, nil
}

// LoadOrCreateEnclaveKey unseals the key at path, generating and sealing a
// new one on first start.
func LoadOrCreateEnclaveKey(store *storage.SealedStore, path string, log *slog.Logger) (*EnclaveKey, error) {
	raw, err := store.Unseal(path)
	if err == nil {
		priv, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: enclave key: %v", interfaces.ErrDecode, err)
		}
		key := &EnclaveKey{priv: priv}
		log.Info("Loaded enclave key", slog.String("account", key.Account().String()))
		return key, nil
	}
	if !errors.Is(err, storage.ErrSealedNotFound) {
		return nil, err
	}

	key, err := GenerateEnclaveKey()
	if err != nil {
		return nil, err
	}
	if err := store.Seal(path, crypto.FromECDSA(key.priv)); err != nil {
		return nil, fmt.Errorf("failed to seal enclave key: %w", err)
	}
	log.Info("Generated enclave key", slog.String("account", key.Account().String()))
	return key, nil
}

// Account is the Keccak-256 of the uncompressed public key.
func (k *EnclaveKey) Account() interfaces.AccountId {
	return AccountFromPubkey(&k.priv.PublicKey)
}

// Address is the parentchain transaction sender of the key.
func (k *EnclaveKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.priv.PublicKey)
}

// PrivateKey exposes the key for transaction signing.
func (k *EnclaveKey) PrivateKey() *ecdsa.PrivateKey {
	return k.priv
}

// Sign returns a recoverable signature over hash.
func (k *EnclaveKey) Sign(hash common.Hash) ([]byte, error) {
	return crypto.Sign(hash[:], k.priv)
}

// AccountFromPubkey derives the account id of a public key.
func AccountFromPubkey(pub *ecdsa.PublicKey) interfaces.AccountId {
	return interfaces.AccountId(crypto.Keccak256Hash(crypto.FromECDSAPub(pub)[1:]))
}

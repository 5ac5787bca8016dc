package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// VaultMirror replicates sealed ciphertext into a HashiCorp Vault KV v2 mount.
type VaultMirror struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultMirror creates a Vault mirror client authenticated with token.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path within the mount (e.g. "sidechain-worker")
//   - token: Vault token with write access to the path
func NewVaultMirror(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultMirror, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultMirror{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (m *VaultMirror) Fetch(ctx context.Context, id interfaces.BlobID, kind interfaces.BlobKind) ([]byte, error) {
	secretPath := m.secretPath(id, kind)

	secret, err := m.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		m.log.Error("Failed to read from Vault",
			slog.String("path", secretPath),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMirrorUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrBlobNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid data format in Vault response", interfaces.ErrDecode)
	}
	encoded, ok := data["blob"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: blob key not found in Vault data", interfaces.ErrDecode)
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecode, err)
	}
	return blob, nil
}

func (m *VaultMirror) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	secretPath := m.secretPath(id, kind)

	_, err := m.client.Logical().WriteWithContext(ctx, secretPath, map[string]interface{}{
		"data": map[string]interface{}{
			"blob": base64.StdEncoding.EncodeToString(data),
			"kind": kind.String(),
		},
	})
	if err != nil {
		m.log.Error("Failed to write to Vault",
			slog.String("path", secretPath),
			"err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrMirrorUnavailable, err)
	}

	m.log.Debug("Stored blob in Vault mirror", slog.String("path", secretPath))
	return id, nil
}

// Available checks that Vault is initialized and unsealed.
func (m *VaultMirror) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := m.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		m.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (m *VaultMirror) Name() string {
	return fmt.Sprintf("vault-%s-%s", m.mountPath, m.dataPath)
}

func (m *VaultMirror) LocationURI() string {
	return m.locationURI
}

func (m *VaultMirror) secretPath(id interfaces.BlobID, kind interfaces.BlobKind) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", m.mountPath, m.dataPath, kind, id)
}

package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/tee-sidechain-worker/api"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// ErrShareUnavailable is returned when the worker does not hand out a share.
var ErrShareUnavailable = errors.New("share unavailable")

// KeyVaultClient talks to the key vault routes of one worker as one owner.
type KeyVaultClient struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	owner      interfaces.AccountId
	httpClient *http.Client
}

// NewKeyVaultClient creates a client for the worker at baseURL signing with
// the owner key.
func NewKeyVaultClient(baseURL string, key *ecdsa.PrivateKey, timeout ...time.Duration) *KeyVaultClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &KeyVaultClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		key:        key,
		owner:      attestation.AccountFromPubkey(&key.PublicKey),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// Owner returns the account requests are made for.
func (c *KeyVaultClient) Owner() interfaces.AccountId {
	return c.owner
}

// Provision stores share for NFT id. A denied request yields interfaces.ErrUnauthorized.
func (c *KeyVaultClient) Provision(ctx context.Context, id interfaces.ResourceId, share interfaces.Share) error {
	timestamp := time.Now().Unix()
	sig, err := api.SignOwnerRequest(c.key, api.OwnerRequestHash(api.OpProvision, c.owner, id, &share, timestamp))
	if err != nil {
		return err
	}

	body, err := json.Marshal(api.ProvisionShareRequest{
		Owner:     c.owner.String(),
		ID:        uint32(id),
		Share:     api.ShareFrom(&share),
		Timestamp: timestamp,
		Signature: sig,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/keyvault/provision", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return interfaces.ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

// Check reports whether the worker holds the share of id for the owner.
func (c *KeyVaultClient) Check(ctx context.Context, id interfaces.ResourceId) (bool, error) {
	var parsed api.CheckShareResponse
	if err := c.signedGet(ctx, api.OpCheck, id, fmt.Sprintf("/api/keyvault/%s/%d/check", c.owner, id), &parsed); err != nil {
		return false, err
	}
	return parsed.Exists, nil
}

// Get fetches the share of id. A share that is missing or not handed out
// to the owner yields ErrShareUnavailable.
func (c *KeyVaultClient) Get(ctx context.Context, id interfaces.ResourceId) (*interfaces.Share, error) {
	var parsed api.GetShareResponse
	if err := c.signedGet(ctx, api.OpGet, id, fmt.Sprintf("/api/keyvault/%s/%d", c.owner, id), &parsed); err != nil {
		return nil, err
	}
	share := parsed.Share.ToShare()
	return &share, nil
}

// Status fetches the worker status.
func (c *KeyVaultClient) Status(ctx context.Context) (*api.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp)
	}
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

func (c *KeyVaultClient) signedGet(ctx context.Context, op string, id interfaces.ResourceId, path string, out interface{}) error {
	timestamp := time.Now().Unix()
	sig, err := api.SignOwnerRequest(c.key, api.OwnerRequestHash(op, c.owner, id, nil, timestamp))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(api.OwnerSignatureHeader, hexutil.Encode(sig))
	req.Header.Set(api.OwnerTimestampHeader, strconv.FormatInt(timestamp, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrShareUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

package provisioning

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/google/uuid"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// ErrNoPeerProvisioned is returned when no peer could provision the shard state.
var ErrNoPeerProvisioned = errors.New("no peer provisioned the shard state")

// Client requests shard state from peer enclaves.
type Client struct {
	shard  interfaces.ShardIdentifier
	key    *attestation.EnclaveKey
	source attestation.Source
	policy PeerPolicy
	http   *http.Client
	log    *slog.Logger
}

// NewClient creates a provisioning client for shard. Requests are attested
// with source and answers are encrypted to key.
func NewClient(shard interfaces.ShardIdentifier, key *attestation.EnclaveKey, source attestation.Source, policy PeerPolicy, log *slog.Logger) *Client {
	return &Client{
		shard:  shard,
		key:    key,
		source: source,
		policy: policy,
		http: &http.Client{
			Timeout: 30 * time.Second,
			// Peers serve self-signed certificates. The peer is authenticated
			// by the attested credential in its answer.
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
		log: log.With("component", "provisioning"),
	}
}

// Provision fetches the shard state from the peer serving at baseURL.
func (c *Client) Provision(ctx context.Context, baseURL string) (*ProvisionedState, error) {
	challenge := uuid.NewString()
	cred, err := c.source.Obtain(attestation.Request{Account: c.key.Account(), Url: challenge})
	if err != nil {
		return nil, err
	}

	xt := cred.Extrinsic()
	body, err := json.Marshal(ProvisionRequest{
		Shard:        c.shard.String(),
		Challenge:    challenge,
		Registration: xt.Payload,
		Attested:     cred.Attested(),
		PublicKey:    crypto.FromECDSAPub(&c.key.PrivateKey().PublicKey),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+ProvisionPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request provisioning endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("provisioning endpoint returned non-200 response: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("provisioning endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed ProvisionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("could not parse provisioning response: %w", err)
	}

	peer, err := c.policy.verifyPeer(parsed.Registration, parsed.Attested, challenge)
	if err != nil {
		return nil, fmt.Errorf("responder verification failed: %w", err)
	}

	plaintext, err := ecies.ImportECDSA(c.key.PrivateKey()).Decrypt(parsed.Ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt provisioned state: %w", err)
	}
	state, err := decodeProvisionedState(plaintext)
	if err != nil {
		return nil, err
	}
	if state.Shard != c.shard {
		return nil, fmt.Errorf("provisioned state is for shard %s, requested %s", state.Shard, c.shard)
	}

	c.log.Info("Received shard state",
		slog.String("peer", peer.Account.String()),
		slog.String("request_id", parsed.RequestID),
		slog.String("state_hash", state.StateHash.Hex()))
	return state, nil
}

// ProvisionFromAny tries peers in order and returns the first state provisioned.
func (c *Client) ProvisionFromAny(ctx context.Context, urls []string) (*ProvisionedState, error) {
	var errs []error
	for _, url := range urls {
		state, err := c.Provision(ctx, url)
		if err == nil {
			return state, nil
		}
		c.log.Warn("Provisioning from peer failed", slog.String("url", url), "err", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(append([]error{ErrNoPeerProvisioned}, errs...)...)
}

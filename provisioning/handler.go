package provisioning

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"golang.org/x/time/rate"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// StateSource exports the state of the shard being served.
type StateSource interface {
	Export() ([]byte, common.Hash, error)
}

// HandlerConfig configures the provisioning responder.
type HandlerConfig struct {
	Shard   interfaces.ShardIdentifier
	Account interfaces.AccountId
	Policy  PeerPolicy
	// RateLimit is the sustained number of requests per second served.
	RateLimit float64
	Burst     int
}

// Handler provisions the shard state to attested peer enclaves.
type Handler struct {
	cfg     HandlerConfig
	source  attestation.Source
	state   StateSource
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewHandler creates a provisioning responder. source attests the responder
// to the requester, state supplies the shard state.
func NewHandler(cfg HandlerConfig, source attestation.Source, state StateSource, log *slog.Logger) *Handler {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	return &Handler{
		cfg:     cfg,
		source:  source,
		state:   state,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		log:     log.With("component", "provisioning"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(ProvisionPath, h.HandleProvision)
}

// HandleProvision answers a provisioning request.
//
// URL format: POST /api/attested/provision
//
// Request body: JSON, see ProvisionRequest
//
// Response: JSON, see ProvisionResponse
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "Too many provisioning requests", http.StatusTooManyRequests)
		return
	}

	requestID := uuid.NewString()
	log := h.log.With("request_id", requestID)

	var req ProvisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		log.Error("Failed to decode provisioning request", "err", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	shard, err := interfaces.NewShardIdentifierFromHex(req.Shard)
	if err != nil {
		http.Error(w, "Invalid shard", http.StatusBadRequest)
		return
	}
	if shard != h.cfg.Shard {
		http.Error(w, "Shard not served", http.StatusNotFound)
		return
	}
	if req.Challenge == "" {
		http.Error(w, "Missing challenge", http.StatusBadRequest)
		return
	}

	reg, err := h.cfg.Policy.verifyPeer(req.Registration, req.Attested, req.Challenge)
	if err != nil {
		log.Warn("Rejected provisioning peer", "err", err)
		http.Error(w, "Peer verification failed", http.StatusForbidden)
		return
	}
	pub, err := peerPublicKey(req.PublicKey, reg.Account)
	if err != nil {
		log.Warn("Rejected provisioning peer key", slog.String("account", reg.Account.String()), "err", err)
		http.Error(w, "Peer verification failed", http.StatusForbidden)
		return
	}

	response, err := h.provision(req.Challenge, requestID, pub)
	if err != nil {
		log.Error("Failed to provision shard state", slog.String("account", reg.Account.String()), "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	log.Info("Provisioned shard state",
		slog.String("account", reg.Account.String()),
		slog.String("shard", shard.String()))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) provision(challenge, requestID string, peer *ecdsa.PublicKey) (*ProvisionResponse, error) {
	cred, err := h.source.Obtain(attestation.Request{Account: h.cfg.Account, Url: challenge})
	if err != nil {
		return nil, err
	}

	encoded, hash, err := h.state.Export()
	if err != nil {
		return nil, err
	}
	plaintext, err := (&ProvisionedState{Shard: h.cfg.Shard, State: encoded, StateHash: hash}).encode()
	if err != nil {
		return nil, err
	}

	ciphertext, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(peer), plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt shard state: %w", err)
	}

	xt := cred.Extrinsic()
	return &ProvisionResponse{
		RequestID:    requestID,
		Registration: xt.Payload,
		Attested:     cred.Attested(),
		Ciphertext:   ciphertext,
	}, nil
}

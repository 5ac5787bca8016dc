package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-sidechain-worker/api"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// ShareVault is the key vault the RPC routes front.
type ShareVault interface {
	Provision(owner interfaces.AccountId, id interfaces.ResourceId, share interfaces.Share) error
	Check(owner interfaces.AccountId, id interfaces.ResourceId) bool
	Get(owner interfaces.AccountId, id interfaces.ResourceId) (*interfaces.Share, bool)
}

// StatusProvider describes the worker for /api/status.
type StatusProvider interface {
	Status() api.StatusResponse
}

// Handler serves the key vault RPC and status routes.
type Handler struct {
	vault  ShareVault
	status StatusProvider
	log    *slog.Logger

	// now is the clock signed timestamps are checked against.
	now func() time.Time
}

// NewHandler creates the RPC handler. status may be nil.
func NewHandler(vault ShareVault, status StatusProvider, log *slog.Logger) *Handler {
	return &Handler{
		vault:  vault,
		status: status,
		log:    log,
		now:    time.Now,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/keyvault/provision", h.HandleProvision)
	r.Get("/api/keyvault/{owner}/{id}/check", h.HandleCheck)
	r.Get("/api/keyvault/{owner}/{id}", h.HandleGet)
	if h.status != nil {
		r.Get("/api/status", h.HandleStatus)
	}
}

// HandleProvision stores the share of an NFT for its owner.
//
// URL format: POST /api/keyvault/provision
//
// Request body: JSON, see api.ProvisionShareRequest
//
// Response: 200 on success, 403 when the owner signature is stale or invalid or the vault denies it.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	var req api.ProvisionShareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.log.Error("Failed to decode provisioning request", "err", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	owner, err := interfaces.NewAccountIdFromHex(req.Owner)
	if err != nil {
		http.Error(w, "Invalid owner", http.StatusBadRequest)
		return
	}
	id := interfaces.ResourceId(req.ID)
	share := req.Share.ToShare()

	if !api.FreshTimestamp(req.Timestamp, h.now()) {
		h.log.Warn("Stale share provisioning request",
			slog.String("owner", owner.String()),
			slog.Uint64("nft_id", uint64(id)),
			slog.Int64("timestamp", req.Timestamp))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if !api.VerifyOwnerSignature(api.OwnerRequestHash(api.OpProvision, owner, id, &share, req.Timestamp), req.Signature, owner) {
		h.log.Warn("Invalid owner signature on share provisioning", slog.String("owner", owner.String()), slog.Uint64("nft_id", uint64(id)))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if err := h.vault.Provision(owner, id, share); err != nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// HandleCheck reports whether the vault holds a share the owner may see.
//
// URL format: GET /api/keyvault/{owner}/{id}/check
//
// Response: JSON, see api.CheckShareResponse. Denials answer false.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.parseSignedRead(w, r, api.OpCheck)
	exists := ok && h.vault.Check(owner, id)
	writeJSON(w, h.log, api.CheckShareResponse{Exists: exists})
}

// HandleGet returns the share of an NFT to its owner.
//
// URL format: GET /api/keyvault/{owner}/{id}
//
// Response: JSON, see api.GetShareResponse, or 404 for every failure.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.parseSignedRead(w, r, api.OpGet)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	share, ok := h.vault.Get(owner, id)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, h.log, api.GetShareResponse{Share: api.ShareFrom(share)})
}

// HandleStatus describes the worker.
//
// URL format: GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, h.status.Status())
}

// parseSignedRead returns false when the path is malformed, the owner
// signature is invalid or its timestamp is outside api.MaxRequestSkew. Callers answer as for a vault denial.
func (h *Handler) parseSignedRead(w http.ResponseWriter, r *http.Request, op string) (interfaces.AccountId, interfaces.ResourceId, bool) {
	owner, err := interfaces.NewAccountIdFromHex(chi.URLParam(r, "owner"))
	if err != nil {
		return interfaces.AccountId{}, 0, false
	}
	rawID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return interfaces.AccountId{}, 0, false
	}
	id := interfaces.ResourceId(rawID)

	timestamp, err := strconv.ParseInt(r.Header.Get(api.OwnerTimestampHeader), 10, 64)
	if err != nil || !api.FreshTimestamp(timestamp, h.now()) {
		h.log.Debug("Rejected stale key vault read", slog.String("owner", owner.String()), slog.Uint64("nft_id", rawID))
		return interfaces.AccountId{}, 0, false
	}

	sig, err := hexutil.Decode(r.Header.Get(api.OwnerSignatureHeader))
	if err != nil || !api.VerifyOwnerSignature(api.OwnerRequestHash(op, owner, id, nil, timestamp), sig, owner) {
		h.log.Debug("Rejected unsigned key vault read", slog.String("owner", owner.String()), slog.Uint64("nft_id", rawID))
		return interfaces.AccountId{}, 0, false
	}
	return owner, id, true
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

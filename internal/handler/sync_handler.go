// Package handler provides the HTTP binding of the sync operations.
package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	apierrors "github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/middleware"
	"github.com/contextfs/syncd/internal/model"
	"github.com/contextfs/syncd/internal/service"
)

// IdempotencyHeader carries the client's push idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// ReplayHeader marks a push response served from the idempotency cache.
const ReplayHeader = "X-Idempotent-Replay"

// SyncService is the engine surface the handlers call.
type SyncService interface {
	Register(ctx context.Context, tenantID string, req *model.RegisterRequest) (*model.Device, error)
	Push(ctx context.Context, tenantID string, req *model.PushRequest) (*model.PushResult, error)
	Pull(ctx context.Context, tenantID string, req *model.PullRequest) (*model.PullResult, error)
	Diff(ctx context.Context, tenantID string, req *model.DiffRequest) (*model.DiffResult, error)
	Fetch(ctx context.Context, tenantID string, req *model.FetchRequest) ([]*model.Record, error)
	Status(ctx context.Context, tenantID, deviceID string) (*model.StatusResult, error)
}

// ResponseCache stores serialized push responses by idempotency key.
type ResponseCache interface {
	Get(ctx context.Context, tenantID, deviceID, idempotencyKey string) ([]byte, error)
	Store(ctx context.Context, tenantID, deviceID, idempotencyKey string, body []byte) error
}

// pushBody accepts either a flat records list or the grouped per-kind lists.
type pushBody struct {
	DeviceID string                 `json:"device_id"`
	Records  []model.RecordEnvelope `json:"records"`
	Memories []groupedEnvelope      `json:"memories"`
	Sessions []groupedEnvelope      `json:"sessions"`
	Edges    []groupedEnvelope      `json:"edges"`
	Force    bool                   `json:"force"`
}

func (b *pushBody) toRequest() (*model.PushRequest, error) {
	records := make([]model.RecordEnvelope, 0, len(b.Records)+len(b.Memories)+len(b.Sessions)+len(b.Edges))
	records = append(records, b.Records...)
	for _, group := range []struct {
		envelopes []groupedEnvelope
		kind      model.RecordKind
	}{
		{b.Memories, model.KindMemory},
		{b.Sessions, model.KindSession},
		{b.Edges, model.KindEdge},
	} {
		var err error
		if records, err = appendWithKind(records, group.envelopes, group.kind); err != nil {
			return nil, err
		}
	}
	return &model.PushRequest{DeviceID: b.DeviceID, Records: records, Force: b.Force}, nil
}

func appendWithKind(dst []model.RecordEnvelope, src []groupedEnvelope, kind model.RecordKind) ([]model.RecordEnvelope, error) {
	for _, g := range src {
		env, err := g.envelope()
		if err != nil {
			return nil, err
		}
		if env.Kind == "" {
			env.Kind = kind
		}
		dst = append(dst, env)
	}
	return dst, nil
}

// envelopeFields are the sync envelope keys of a grouped record. updated_at is
// owned by the server and never part of the content.
var envelopeFields = map[string]struct{}{
	"id":           {},
	"kind":         {},
	"namespace_id": {},
	"payload":      {},
	"tags":         {},
	"vector_clock": {},
	"content_hash": {},
	"created_at":   {},
	"updated_at":   {},
	"deleted_at":   {},
}

// groupedEnvelope is an entry of the memories, sessions or edges lists. Those
// entries carry their content (content, type, summary, ...) at the top level
// next to the envelope keys.
type groupedEnvelope struct {
	model.RecordEnvelope
	content map[string]json.RawMessage
}

func (g *groupedEnvelope) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &g.RecordEnvelope); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for key, value := range fields {
		if _, ok := envelopeFields[key]; ok {
			continue
		}
		if g.content == nil {
			g.content = make(map[string]json.RawMessage)
		}
		g.content[key] = value
	}
	return nil
}

// envelope folds the top-level content fields into the payload when the
// client did not send one. Supplying both is ambiguous and rejected.
func (g *groupedEnvelope) envelope() (model.RecordEnvelope, error) {
	env := g.RecordEnvelope
	if len(g.content) == 0 {
		return env, nil
	}
	if len(env.Payload) > 0 {
		return env, apierrors.InvalidArgument(
			fmt.Sprintf("record %s carries both payload and top-level content fields", env.ID), nil)
	}
	payload, err := json.Marshal(g.content)
	if err != nil {
		return env, apierrors.InvalidArgument(fmt.Sprintf("record %s has invalid content", env.ID), err)
	}
	env.Payload = payload
	return env, nil
}

type diffBody struct {
	DeviceID     string                `json:"device_id"`
	Manifest     []model.ManifestEntry `json:"manifest"`
	Memories     []model.ManifestEntry `json:"memories"`
	Sessions     []model.ManifestEntry `json:"sessions"`
	Edges        []model.ManifestEntry `json:"edges"`
	NamespaceIDs []string              `json:"namespace_ids"`
	Kinds        []model.RecordKind    `json:"kinds"`
}

func (b *diffBody) toRequest() *model.DiffRequest {
	manifest := make([]model.ManifestEntry, 0, len(b.Manifest)+len(b.Memories)+len(b.Sessions)+len(b.Edges))
	manifest = append(manifest, b.Manifest...)
	manifest = append(manifest, b.Memories...)
	manifest = append(manifest, b.Sessions...)
	manifest = append(manifest, b.Edges...)
	return &model.DiffRequest{
		DeviceID:     b.DeviceID,
		Manifest:     manifest,
		NamespaceIDs: b.NamespaceIDs,
		Kinds:        b.Kinds,
	}
}

type statusBody struct {
	DeviceID string `json:"device_id"`
}

type fetchResponse struct {
	Records []*model.Record `json:"records"`
}

// SyncHandler serves the /api/sync endpoints.
type SyncHandler struct {
	sync         SyncService
	replay       ResponseCache
	errorHandler *apierrors.Handler
	logger       *zap.Logger
}

// NewSyncHandler creates the handler. replay may be nil, which disables
// Idempotency-Key handling.
func NewSyncHandler(sync SyncService, replay ResponseCache, errorHandler *apierrors.Handler, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		sync:         sync,
		replay:       replay,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Register handles POST /api/sync/register.
func (h *SyncHandler) Register(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req model.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	device, err := h.sync.Register(r.Context(), tenantID, &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, device)
}

// Push handles POST /api/sync/push.
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	requestID := r.Header.Get("X-Request-ID")

	var body pushBody
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	idempotencyKey := r.Header.Get(IdempotencyHeader)
	useReplay := h.replay != nil && idempotencyKey != ""
	if useReplay {
		if !service.ValidateIdempotencyKey(idempotencyKey) {
			h.errorHandler.WriteValidationError(w, "invalid Idempotency-Key header", requestID)
			return
		}
		cached, err := h.replay.Get(r.Context(), tenantID, req.DeviceID, idempotencyKey)
		if err != nil {
			// Lookup failures fall through to a normal push
			h.logger.Warn("idempotency lookup failed",
				zap.String("tenant_id", tenantID),
				zap.String("device_id", req.DeviceID),
				zap.Error(err))
		} else if cached != nil {
			w.Header().Set(ReplayHeader, "true")
			h.writeRawJSON(w, http.StatusOK, cached)
			return
		}
	}

	result, err := h.sync.Push(r.Context(), tenantID, req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InternalError("failed to encode push result", err))
		return
	}

	if useReplay {
		if err := h.replay.Store(r.Context(), tenantID, req.DeviceID, idempotencyKey, data); err != nil {
			h.logger.Warn("failed to cache push response",
				zap.String("tenant_id", tenantID),
				zap.String("device_id", req.DeviceID),
				zap.Error(err))
		}
	}

	h.writeRawJSON(w, http.StatusOK, data)
}

// Pull handles POST /api/sync/pull.
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req model.PullRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.sync.Pull(r.Context(), tenantID, &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, result)
}

// Diff handles POST /api/sync/diff.
func (h *SyncHandler) Diff(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var body diffBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.sync.Diff(r.Context(), tenantID, body.toRequest())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, result)
}

// Fetch handles POST /api/sync/fetch.
func (h *SyncHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req model.FetchRequest
	if !h.decode(w, r, &req) {
		return
	}

	records, err := h.sync.Fetch(r.Context(), tenantID, &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if records == nil {
		records = []*model.Record{}
	}

	h.writeJSONResponse(w, http.StatusOK, fetchResponse{Records: records})
}

// Status handles POST /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req statusBody
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.sync.Status(r.Context(), tenantID, req.DeviceID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, result)
}

func (h *SyncHandler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		h.errorHandler.WriteUnauthorized(w, "missing tenant identity", r.Header.Get("X-Request-ID"))
		return "", false
	}
	return tenantID, true
}

// decode reads a JSON body into dst, writing a 400 or 413 on failure.
func (h *SyncHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	requestID := r.Header.Get("X-Request-ID")

	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}

	var maxErr *http.MaxBytesError
	switch {
	case stderrors.As(err, &maxErr):
		h.errorHandler.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, apierrors.HTTPCodeInvalidRequest,
			"request body too large", requestID)
	case stderrors.Is(err, io.EOF):
		h.errorHandler.WriteValidationError(w, "request body is required", requestID)
	default:
		h.errorHandler.WriteValidationError(w, "invalid JSON body: "+err.Error(), requestID)
	}
	return false
}

// writeJSONResponse writes a JSON response.
func (h *SyncHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *SyncHandler) writeRawJSON(w http.ResponseWriter, statusCode int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

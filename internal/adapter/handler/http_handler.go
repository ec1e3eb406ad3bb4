package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkharitonov/toolcrib/internal/adapter/detection"
	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/core/registry"
	"github.com/mkharitonov/toolcrib/internal/core/service"
	"github.com/mkharitonov/toolcrib/internal/port"
)

type HTTPHandler struct {
	svc               *service.ReconcileService
	catalog           port.CatalogRepository
	defaultConfidence float64
	logger            *slog.Logger
}

func NewHTTPHandler(svc *service.ReconcileService, catalog port.CatalogRepository, defaultConfidence float64, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:               svc,
		catalog:           catalog,
		defaultConfidence: defaultConfidence,
		logger:            logger,
	}
}

// Register attaches all routes to the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/operations/start", h.StartOperation)
	mux.HandleFunc("POST /api/operations/{id}/image", h.SubmitImage)
	mux.HandleFunc("POST /api/operations/{id}/detect", h.RunDetection)
	mux.HandleFunc("POST /api/operations/{id}/manual", h.EnterManualEntry)
	mux.HandleFunc("POST /api/operations/{id}/items", h.AddLineItem)
	mux.HandleFunc("PUT /api/operations/{id}/items", h.EditLineItem)
	mux.HandleFunc("DELETE /api/operations/{id}/items/{tool}", h.RemoveLineItem)
	mux.HandleFunc("POST /api/operations/{id}/confirm", h.Confirm)
	mux.HandleFunc("POST /api/operations/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/operations/{id}", h.GetOperation)
	mux.HandleFunc("GET /api/tools", h.ListTools)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

type startOperationRequest struct {
	OperatorID string `json:"operator_id"`
	Kind       string `json:"kind"`
	DeclaredAt string `json:"declared_at"` // RFC 3339; defaults to now
}

type lineItemResponse struct {
	ToolType         string   `json:"tool_type"`
	Name             string   `json:"name,omitempty"`
	DetectedQuantity *int     `json:"detected_quantity,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
	FinalQuantity    int      `json:"final_quantity"`
	ManuallyAdded    bool     `json:"manually_added"`
	Diverged         bool     `json:"diverged"`
}

type errorResponse struct {
	Error     string         `json:"error"`
	ToolTypes []string       `json:"tool_types,omitempty"`
	Available map[string]int `json:"available,omitempty"`
}

func (h *HTTPHandler) StartOperation(w http.ResponseWriter, r *http.Request) {
	var req startOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.OperatorID == "" || req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "operator_id and kind are required"})
		return
	}

	declaredAt := time.Now()
	if req.DeclaredAt != "" {
		t, err := time.Parse(time.RFC3339, req.DeclaredAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "declared_at must be RFC 3339"})
			return
		}
		declaredAt = t
	}

	sessionID, err := h.svc.StartOperation(r.Context(), req.OperatorID, domain.OperationKind(req.Kind), declaredAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (h *HTTPHandler) SubmitImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageBase64 string `json:"image_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "image_base64 is not valid base64"})
		return
	}
	// Reject undecodable images here so the operator can retake the
	// photo immediately instead of discovering the problem at detect.
	if err := detection.ValidateImage(img); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.svc.SubmitImage(r.Context(), r.PathValue("id"), img); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "image accepted"})
}

func (h *HTTPHandler) RunDetection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfidenceThreshold *float64 `json:"confidence_threshold"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	threshold := h.defaultConfidence
	if req.ConfidenceThreshold != nil {
		threshold = *req.ConfidenceThreshold
	}

	items, err := h.svc.RunDetection(r.Context(), r.PathValue("id"), threshold)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"line_items": toLineItemResponses(items)})
}

func (h *HTTPHandler) EnterManualEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.EnterManualEntry(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "manual entry"})
}

func (h *HTTPHandler) AddLineItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolType string `json:"tool_type"`
		Quantity int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToolType == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tool_type is required"})
		return
	}
	if err := h.svc.AddLineItem(r.Context(), r.PathValue("id"), req.ToolType, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "item added"})
}

func (h *HTTPHandler) EditLineItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolType      string `json:"tool_type"`
		FinalQuantity int    `json:"final_quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToolType == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tool_type is required"})
		return
	}
	if err := h.svc.EditLineItem(r.Context(), r.PathValue("id"), req.ToolType, req.FinalQuantity); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "item updated"})
}

func (h *HTTPHandler) RemoveLineItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveLineItem(r.Context(), r.PathValue("id"), r.PathValue("tool")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "item removed"})
}

func (h *HTTPHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AllowEmpty bool `json:"allow_empty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	result, err := h.svc.Confirm(r.Context(), r.PathValue("id"), req.AllowEmpty)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       result.SessionID,
		"kind":             string(result.Kind),
		"line_items":       toLineItemResponses(result.Items),
		"total_tool_count": result.TotalToolCount,
		"committed_at":     result.CommittedAt.Format(time.RFC3339),
	})
}

func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *HTTPHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    snap.ID,
		"operator_id":   snap.OperatorID,
		"kind":          string(snap.Kind),
		"state":         string(snap.State),
		"declared_at":   snap.DeclaredAt.Format(time.RFC3339),
		"has_image":     snap.HasImage,
		"line_items":    toLineItemResponses(snap.Items),
		"created_at":    snap.CreatedAt.Format(time.RFC3339),
		"last_activity": snap.LastActivity.Format(time.RFC3339),
	})
}

func (h *HTTPHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.catalog.ListTools(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	type toolResponse struct {
		Key      string `json:"key"`
		Name     string `json:"name"`
		SKU      string `json:"sku,omitempty"`
		Quantity int    `json:"quantity"`
	}
	out := make([]toolResponse, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolResponse{Key: t.Key, Name: t.Name, SKU: t.SKU, Quantity: t.Quantity})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var insufficient *service.InsufficientStockError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient stock",
			ToolTypes: insufficient.ToolTypes,
			Available: insufficient.Available,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSessionExpired):
		status = http.StatusGone
	case errors.Is(err, registry.ErrOperatorBusy),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrAlreadyConfirmed):
		status = http.StatusConflict
	case errors.Is(err, service.ErrEmptyOperation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrDetectionUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, port.ErrMalformedImage),
		errors.Is(err, service.ErrEmptyImage),
		errors.Is(err, service.ErrInvalidThreshold),
		errors.Is(err, service.ErrNegativeQuantity),
		errors.Is(err, service.ErrInvalidKind):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrLineItemNotFound):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func toLineItemResponses(items []domain.LineItem) []lineItemResponse {
	out := make([]lineItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, lineItemResponse{
			ToolType:         item.ToolType,
			Name:             item.Name,
			DetectedQuantity: item.DetectedQuantity,
			Confidence:       item.Confidence,
			FinalQuantity:    item.FinalQuantity,
			ManuallyAdded:    item.ManuallyAdded,
			Diverged:         item.Diverged,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

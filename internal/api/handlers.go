/**
 * @description
 * This file contains the HTTP handlers for the wizard-service. Handlers decode the
 * request, call the session manager and write the session snapshot back. A failed
 * operation still returns the snapshot so the client can render its recovery.
 *
 * @dependencies
 * - internal/app: The session manager.
 * - internal/wizard, internal/store: For errors mapped to status codes.
 */
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/valarpay/wizard-service/internal/app"
	"github.com/valarpay/wizard-service/internal/receipt"
	"github.com/valarpay/wizard-service/internal/store"
	"github.com/valarpay/wizard-service/internal/wizard"
)

const maxBodyBytes = 1 << 20

// Handlers holds the session manager that handlers will use.
type Handlers struct {
	service *app.Service
	logger  *slog.Logger
}

func NewHandlers(service *app.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, logger: logger.With("component", "api")}
}

type openRequest struct {
	Flow   string        `json:"flow"`
	Params wizard.Fields `json:"params"`
}

type fieldRequest struct {
	Value string `json:"value"`
}

type pinRequest struct {
	PIN string `json:"pin"`
}

// sessionResponse carries the snapshot, plus an error message when the operation failed.
type sessionResponse struct {
	Session wizard.Snapshot `json:"session"`
	Error   string          `json:"error,omitempty"`
}

type receiptResponse struct {
	Flow      string          `json:"flow"`
	SessionID string          `json:"sessionId"`
	Receipt   receipt.Receipt `json:"receipt"`
	ShareText string          `json:"shareText"`
}

func (h *Handlers) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"flows": h.service.Flows()})
}

func (h *Handlers) handleOpen(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	var req openRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Flow) == "" {
		writeError(w, http.StatusBadRequest, "flow is required")
		return
	}

	snap, err := h.service.Open(r.Context(), userID, strings.TrimSpace(req.Flow), req.Params)
	if err != nil {
		status, message := mapError(err)
		h.logFailure(r, status, err)
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: snap})
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	snap, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, snap, err)
}

func (h *Handlers) handleSetField(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	var req fieldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := h.service.SetField(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "key"), req.Value)
	h.respond(w, r, http.StatusOK, snap, err)
}

func (h *Handlers) handleAdvance(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	snap, err := h.service.Advance(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, snap, err)
}

func (h *Handlers) handleRetreat(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	snap, err := h.service.Retreat(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, snap, err)
}

func (h *Handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	snap, err := h.service.Verify(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, snap, err)
}

func (h *Handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	var req pinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := h.service.Submit(r.Context(), userID, chi.URLParam(r, "id"), req.PIN)
	h.respond(w, r, http.StatusCreated, snap, err)
}

func (h *Handlers) handleRetry(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	var req pinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := h.service.Retry(r.Context(), userID, chi.URLParam(r, "id"), req.PIN)
	h.respond(w, r, http.StatusCreated, snap, err)
}

func (h *Handlers) handleReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	snap, err := h.service.Reset(r.Context(), userID, chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, snap, err)
}

func (h *Handlers) handleClose(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	if err := h.service.Close(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		status, message := mapError(err)
		h.logFailure(r, status, err)
		writeError(w, status, message)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	list, err := h.service.Receipts(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list receipts", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not load receipts.")
		return
	}
	out := make([]receiptResponse, 0, len(list))
	for _, sr := range list {
		out = append(out, toReceiptResponse(sr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

func (h *Handlers) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User ID not found in context")
		return
	}
	sr, err := h.service.Receipt(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		status, message := mapError(err)
		h.logFailure(r, status, err)
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptResponse(*sr))
}

func toReceiptResponse(sr store.StoredReceipt) receiptResponse {
	return receiptResponse{
		Flow:      sr.Flow,
		SessionID: sr.SessionID,
		Receipt:   sr.Receipt,
		ShareText: sr.Receipt.ShareText(),
	}
}

// respond writes the snapshot with okStatus, or with the mapped status when err is set.
// A missing session has no snapshot to return.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, okStatus int, snap wizard.Snapshot, err error) {
	if err == nil {
		writeJSON(w, okStatus, sessionResponse{Session: snap})
		return
	}
	status, message := mapError(err)
	h.logFailure(r, status, err)
	if snap.ID == "" {
		writeError(w, status, message)
		return
	}
	writeJSON(w, status, sessionResponse{Session: snap, Error: message})
}

func (h *Handlers) logFailure(r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		return
	}
	h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
}

// mapError maps session manager and engine errors to a status code and message.
func mapError(err error) (int, string) {
	var f *wizard.Failure
	if errors.As(err, &f) {
		return failureStatus(f), strings.Join(f.Messages, " ")
	}

	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		return http.StatusNotFound, "Wizard session not found."
	case errors.Is(err, store.ErrReceiptNotFound):
		return http.StatusNotFound, "Receipt not found."
	case errors.Is(err, app.ErrUnknownFlow):
		return http.StatusNotFound, "Flow not found."
	case errors.Is(err, wizard.ErrMissingParam),
		errors.Is(err, wizard.ErrUnknownField),
		errors.Is(err, wizard.ErrNoVerifier):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, wizard.ErrCommitInFlight),
		errors.Is(err, wizard.ErrCompleted),
		errors.Is(err, wizard.ErrNotAtCommitStep),
		errors.Is(err, wizard.ErrCommitStepLocked),
		errors.Is(err, wizard.ErrNoNextStep),
		errors.Is(err, wizard.ErrNoPreviousStep),
		errors.Is(err, wizard.ErrNothingToRetry),
		errors.Is(err, wizard.ErrNotRetryable),
		errors.Is(err, wizard.ErrFieldNotEditable),
		errors.Is(err, wizard.ErrSuperseded),
		errors.Is(err, wizard.ErrIllegalTransition):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, "Could not process wizard request."
}

func failureStatus(f *wizard.Failure) int {
	if f.StatusCode == http.StatusTooManyRequests {
		return http.StatusTooManyRequests
	}
	switch f.Kind {
	case wizard.KindValidation, wizard.KindVerification:
		return http.StatusUnprocessableEntity
	case wizard.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case wizard.KindIncorrectPIN:
		return http.StatusUnauthorized
	default:
		if f.OutcomeUnknown {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

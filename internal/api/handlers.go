/**
 * @description
 * HTTP handlers for the kidauth-service: kid PIN verification, the routine
 * endpoints behind the dual-auth gate, and parent PIN management.
 */
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/app"
	"github.com/chorechart/kidauth-service/internal/authz"
	"github.com/chorechart/kidauth-service/internal/domain"
)

const maxRequestBodyBytes = 4 << 10

// Handler holds the application services that handlers interact with.
type Handler struct {
	verification *app.VerificationService
	routines     *app.RoutineService
	credentials  *app.CredentialService
	trustProxy   bool
	logger       *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(
	verification *app.VerificationService,
	routines *app.RoutineService,
	credentials *app.CredentialService,
	trustProxy bool,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		verification: verification,
		routines:     routines,
		credentials:  credentials,
		trustProxy:   trustProxy,
		logger:       logger.With("component", "api"),
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleVerifyPIN(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyPINRequest
	// A body that does not decode is verified as an empty request so that it
	// still counts against the caller.
	if err := decodeBody(w, r, &req); err != nil {
		req = domain.VerifyPINRequest{}
	}

	result, err := h.verification.VerifyPIN(r.Context(), getClientIP(r, h.trustProxy), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	principal, childID, ok := h.requireChild(w, r, r.URL.Query().Get("childId"))
	if !ok {
		return
	}

	routines, err := h.routines.ListRoutines(r.Context(), principal, childID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, routines)
}

func (h *Handler) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	routineID, ok := h.urlUUID(w, r, "routineID")
	if !ok {
		return
	}
	principal, childID, ok := h.requireChild(w, r, r.URL.Query().Get("childId"))
	if !ok {
		return
	}

	routine, err := h.routines.GetRoutine(r.Context(), principal, routineID, childID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (h *Handler) handleCompleteRoutine(w http.ResponseWriter, r *http.Request) {
	routineID, ok := h.urlUUID(w, r, "routineID")
	if !ok {
		return
	}
	var req domain.CompleteRoutineRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	principal, childID, ok := h.requireChild(w, r, req.ChildID)
	if !ok {
		return
	}

	completion, err := h.routines.CompleteRoutine(r.Context(), principal, routineID, childID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, completion)
}

func (h *Handler) handleSetChildPIN(w http.ResponseWriter, r *http.Request) {
	childID, ok := h.urlUUID(w, r, "childID")
	if !ok {
		return
	}
	principal, err := authz.RequireParent(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req domain.SetPINRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.credentials.SetPIN(r.Context(), principal, childID, req.PIN); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireChild resolves the requested child and checks it against the
// request principal. It writes the error response itself.
func (h *Handler) requireChild(w http.ResponseWriter, r *http.Request, rawChildID string) (authz.Principal, uuid.UUID, bool) {
	requested, err := parseOptionalUUID(rawChildID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid childId")
		return authz.Principal{}, uuid.Nil, false
	}
	principal, ok := authz.FromContext(r.Context())
	if !ok {
		h.writeServiceError(w, r, authz.ErrAuthRequired)
		return authz.Principal{}, uuid.Nil, false
	}
	childID := app.ResolveChildID(principal, requested)

	principal, err = authz.RequireChild(r.Context(), childID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return authz.Principal{}, uuid.Nil, false
	}
	return principal, childID, true
}

func (h *Handler) urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service and gate errors onto HTTP responses.
// Unknown errors are logged and reported as a generic 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *app.ValidationError
		authn      *app.AuthenticationError
		limited    *app.RateLimitedError
		locked     *app.LockedError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Message)
	case errors.As(err, &authn):
		writeError(w, http.StatusUnauthorized, authn.Message)
	case errors.As(err, &limited):
		setRateLimitHeaders(w, limited.Limit, limited.Remaining, limited.Reset.Unix())
		writeRetryAfter(w, "Too many attempts. Please try again later.", limited.RetryAfter)
	case errors.As(err, &locked):
		writeRetryAfter(w, "Too many failed attempts for this child. Please try again later.", locked.RetryAfter)
	case errors.Is(err, authz.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, app.ErrForbidden), errors.Is(err, authz.ErrForbidden), errors.Is(err, app.ErrParentOnly):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrChildNotFound):
		writeError(w, http.StatusNotFound, "Child not found")
	case errors.Is(err, app.ErrRoutineNotFound):
		writeError(w, http.StatusNotFound, "Routine not found")
	case errors.Is(err, app.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, "Invalid identifier")
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeRetryAfter(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":      message,
		"retryAfter": retryAfter,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func parseOptionalUUID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}

// writeJSON is a helper to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

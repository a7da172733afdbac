package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"farmledger/internal/auth"
	"farmledger/internal/core"
	"farmledger/internal/ledger"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	claimsKey    contextKey = "claims"
)

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

const maxBodyBytes = 1 << 20

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		slog.ErrorContext(r.Context(), "Request failed", "url", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUserProtected):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUserExists), errors.Is(err, core.ErrBatchExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidType),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidDate),
		errors.Is(err, core.ErrEmptyCategory),
		errors.Is(err, core.ErrEmptyID),
		errors.Is(err, core.ErrEmptyUsername),
		errors.Is(err, core.ErrEmptyPassword),
		errors.Is(err, core.ErrInvalidRole),
		errors.Is(err, core.ErrBatchNameEmpty),
		errors.Is(err, core.ErrLedgerEmpty):
		return http.StatusUnprocessableEntity
	case ledger.IsConnectivity(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

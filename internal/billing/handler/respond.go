package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/credits/internal/billing/model"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// StatusFor maps a billing error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrInsufficientCredits),
		errors.Is(err, model.ErrPaymentNotCompleted),
		errors.Is(err, model.ErrNoActiveSubscription):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateOrder), errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes {"success":false,"error":...}. Unexpected errors are
// logged and reported to the caller without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	case errors.Is(err, model.ErrNotFound):
		msg = "User not found"
	case errors.Is(err, model.ErrInsufficientCredits):
		msg = "Insufficient credits"
	case errors.Is(err, model.ErrNoActiveSubscription):
		msg = "No active subscription"
	case status == http.StatusBadGateway:
		logger.Warn("payment gateway error", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrValidation, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", model.ErrValidation, name, r.PathValue(name))
	}
	return id, nil
}

// accountRef accepts an account id sent either as a JSON number or as a
// numeric string.
type accountRef int64

func (a *accountRef) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("account id must be a number")
		}
		n = json.Number(s)
	}
	id, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("account id %q: %w", n, err)
	}
	*a = accountRef(id)
	return nil
}

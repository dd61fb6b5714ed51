package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"slashy.ai/slashy/internal/core"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return &core.ValidationError{Message: "request body is required"}
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &core.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var validation *core.ValidationError
	var upstream *core.UpstreamError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrAbandoned):
		return http.StatusConflict
	case errors.As(err, &upstream):
		if upstream.StatusCode >= 400 && upstream.StatusCode <= 599 {
			return upstream.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	switch status {
	case http.StatusUnauthorized:
		body.Error = "Unauthorized: valid authentication required"
	case http.StatusInternalServerError:
		body = errorBody{Error: "Internal server error", Details: err.Error()}
	}

	event := hlog.FromRequest(r).Warn()
	if status >= 500 {
		event = hlog.FromRequest(r).Error()
	}
	event.Err(err).Int("status", status).Msg("Request failed")

	writeJSON(w, status, body)
}

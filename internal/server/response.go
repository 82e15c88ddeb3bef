package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/adapter"
)

// envelope is the normalized response shape used when strict enveloping is
// on, and for every error response regardless of the toggle.
type envelope struct {
	StatusCode      int               `json:"status_code"`
	ResponseHeaders map[string]string `json:"response_headers"`
	Response        any               `json:"response,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the single translation point from component errors to HTTP.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ge := translate(err)
	slog.LogAttrs(r.Context(), slog.LevelWarn, "request failed",
		slog.String("code", ge.Code),
		slog.Int("status", ge.Status),
		slog.String("error", ge.Message),
		slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
	)
	writeJSON(w, ge.Status, envelope{
		StatusCode:      ge.Status,
		ResponseHeaders: map[string]string{"request_id": gateway.RequestIDFromContext(r.Context())},
		ErrorCode:       ge.Code,
		ErrorMessage:    ge.Message,
	})
}

// translate maps any error onto a typed gateway error, defaulting to the
// GTW999 catch-all so no internal detail leaks.
func translate(err error) *gateway.Error {
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, gateway.ErrNotFound) {
		return gateway.ErrApiNotFound
	}
	return gateway.ErrInternal
}

// writeUpstream delivers an upstream response to the client, either wrapped
// in the normalized envelope or passed through transparently.
func (s *server) writeUpstream(w http.ResponseWriter, r *http.Request, status int, header http.Header, body []byte) {
	clean := adapter.ResponseHeaders(header)

	if !s.deps.Options.StrictEnvelope {
		for k, vals := range clean {
			w.Header()[k] = vals
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}

	headers := map[string]string{"request_id": gateway.RequestIDFromContext(r.Context())}
	for k, vals := range clean {
		if len(vals) > 0 {
			headers[strings.ToLower(k)] = vals[0]
		}
	}

	var payload any
	if json.Valid(body) {
		payload = json.RawMessage(body)
	} else {
		payload = string(body)
	}
	writeJSON(w, status, envelope{
		StatusCode:      status,
		ResponseHeaders: headers,
		Response:        payload,
	})
}

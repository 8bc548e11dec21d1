// Package response writes the JSON bodies shared by every HTTP handler.
package response

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// WriteJSON writes v with status. A nil v writes only the status line.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSONError writes a plain error message.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{Error: message})
}

// WriteError maps err onto its status code. Errors outside the taxonomy are
// reported generically so internals do not leak to clients.
func WriteError(w http.ResponseWriter, err error) {
	kind := notification.KindOf(err)
	body := ErrorBody{Error: "internal server error"}
	if kind != notification.KindUnknown {
		body.Error = err.Error()
		body.Kind = kind.String()
	}
	if d := notification.RetryAfterOf(err); d > 0 {
		secs := int(math.Ceil(d.Seconds()))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteJSON(w, kind.HTTPStatus(), body)
}

package response_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/response"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

func TestWriteError(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
		wantRetry  string
	}{
		{name: "validation", err: notification.NewValidationError("deliver", "userId is required"), wantStatus: http.StatusBadRequest, wantKind: "validation_error"},
		{name: "rate limited", err: notification.NewRateLimitError("deliver", 1500*time.Millisecond), wantStatus: http.StatusTooManyRequests, wantKind: "rate_limit_exceeded", wantRetry: "2"},
		{name: "unknown", err: errors.New("redis: pool exhausted"), wantStatus: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			response.WriteError(rr, tc.err)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantRetry, rr.Header().Get("Retry-After"))
			var body response.ErrorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tc.wantKind, body.Kind)
			if tc.wantKind == "" {
				assert.Equal(t, "internal server error", body.Error)
			}
		})
	}
}

func TestWriteJSON_NilBody(t *testing.T) {
	rr := httptest.NewRecorder()
	response.WriteJSON(rr, http.StatusAccepted, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, rr.Body.String())
}

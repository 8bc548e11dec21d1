package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/internal/ratelimit"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

func post(t *testing.T, h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := asUser(httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)), "svc-orders", "system")
	rr := httptest.NewRecorder()
	authed(h).ServeHTTP(rr, req)
	return rr
}

func TestDeliverHandler(t *testing.T) {
	fx := setupAPI(t, apiOptions{})

	t.Run("accepted", func(t *testing.T) {
		rr := post(t, fx.api.DeliverHandler, "/api/notifications",
			`{"userId":"user-1","type":"order.shipped","title":"Shipped","message":"On its way","data":{"order":"42"},"ttlSeconds":60}`)

		require.Equal(t, http.StatusAccepted, rr.Code)
		var outcome notification.Outcome
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &outcome))
		assert.NotEmpty(t, outcome.NotificationID)
		assert.Equal(t, "user-1", outcome.UserID)
		assert.Equal(t, int64(1), outcome.Sequence)
		assert.True(t, outcome.Stored)
	})

	t.Run("validation error", func(t *testing.T) {
		rr := post(t, fx.api.DeliverHandler, "/api/notifications", `{"type":"order.shipped","message":"no user"}`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "validation_error")
	})

	t.Run("malformed body", func(t *testing.T) {
		rr := post(t, fx.api.DeliverHandler, "/api/notifications", `{"userId":`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid JSON body")
	})
}

func TestDeliverHandler_RateLimited(t *testing.T) {
	limiter := new(mockDeliveryLimiter)
	limiter.On("Check", mock.Anything, ratelimit.ProfileSystem, "producer:svc-orders", "").
		Return(ratelimit.Result{Allowed: false, RetryAfter: 3 * time.Second}, nil)
	fx := setupAPI(t, apiOptions{deliveryLimiter: limiter})

	rr := post(t, fx.api.DeliverHandler, "/api/notifications", `{"userId":"user-1","message":"hi"}`)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3", rr.Header().Get("Retry-After"))
	limiter.AssertExpectations(t)
}

func TestBatchDeliverHandler(t *testing.T) {
	fx := setupAPI(t, apiOptions{})

	testCases := []struct {
		name       string
		body       string
		wantStatus int
		wantFailed int
	}{
		{
			name:       "all delivered",
			body:       `{"userIds":["user-1","user-2"],"notification":{"type":"t","message":"hello"}}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "partial failure",
			body:       `{"userIds":["user-1",""],"notification":{"type":"t","message":"hello"}}`,
			wantStatus: http.StatusMultiStatus,
			wantFailed: 1,
		},
		{
			name:       "all failed",
			body:       `{"userIds":[""],"notification":{"type":"t","message":"hello"}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no users",
			body:       `{"userIds":[],"notification":{"type":"t","message":"hello"}}`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(t, fx.api.BatchDeliverHandler, "/api/notifications/batch", tc.body)

			require.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantStatus == http.StatusBadRequest {
				return
			}
			var resp struct {
				Outcomes []notification.Outcome `json:"outcomes"`
				Failed   int                    `json:"failed"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Len(t, resp.Outcomes, 2)
			assert.Equal(t, tc.wantFailed, resp.Failed)
		})
	}
}

func TestBroadcastHandler(t *testing.T) {
	fx := setupAPI(t, apiOptions{})

	rr := post(t, fx.api.BroadcastHandler, "/api/notifications/broadcast", `{"type":"maintenance","message":"back soon"}`)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var outcome notification.Outcome
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &outcome))
	assert.NotEmpty(t, outcome.NotificationID)
	assert.False(t, outcome.Stored)
}

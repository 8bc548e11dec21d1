package notification_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

func TestError_IsMatchesKindSentinels(t *testing.T) {
	err := fmt.Errorf("deliver to u1: %w", notification.NewRateLimitError("deliver", 2*time.Second))

	assert.ErrorIs(t, err, notification.ErrRateLimited)
	assert.NotErrorIs(t, err, notification.ErrCircuitOpen)
	assert.Equal(t, notification.KindRateLimited, notification.KindOf(err))
	assert.Equal(t, 2*time.Second, notification.RetryAfterOf(err))
	assert.Equal(t, "deliver to u1: deliver: rate limit exceeded", err.Error())
}

func TestError_UnwrapsCause(t *testing.T) {
	err := notification.NewTimeoutError("eventstore.write", context.DeadlineExceeded)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, notification.ErrTimeout)
	assert.Contains(t, err.Error(), "operation timed out")
}

func TestKindOf_PlainErrorIsUnknown(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, notification.KindUnknown, notification.KindOf(err))
	assert.Zero(t, notification.RetryAfterOf(err))
	assert.Equal(t, http.StatusInternalServerError, notification.KindOf(err).HTTPStatus())
}

func TestKind_HTTPStatus(t *testing.T) {
	testCases := []struct {
		kind notification.Kind
		want int
	}{
		{notification.KindValidation, http.StatusBadRequest},
		{notification.KindAuthentication, http.StatusUnauthorized},
		{notification.KindAuthorization, http.StatusForbidden},
		{notification.KindNotFound, http.StatusNotFound},
		{notification.KindRateLimited, http.StatusTooManyRequests},
		{notification.KindConnectionLimit, http.StatusTooManyRequests},
		{notification.KindCircuitOpen, http.StatusServiceUnavailable},
		{notification.KindFeatureDisabled, http.StatusServiceUnavailable},
		{notification.KindTimeout, http.StatusGatewayTimeout},
	}
	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.kind.HTTPStatus())
		})
	}
}

func TestNotification_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		n       notification.Notification
		wantErr string
	}{
		{name: "valid", n: notification.Notification{UserID: "u1", Message: "hi"}},
		{name: "title only", n: notification.Notification{UserID: "u1", Title: "hi", Priority: notification.PriorityUrgent}},
		{name: "no user", n: notification.Notification{Message: "hi"}, wantErr: "userId is required"},
		{name: "no content", n: notification.Notification{UserID: "u1"}, wantErr: "title or message is required"},
		{name: "bad priority", n: notification.Notification{UserID: "u1", Message: "hi", Priority: "critical"}, wantErr: "unknown priority"},
		{name: "negative ttl", n: notification.Notification{UserID: "u1", Message: "hi", TTL: -time.Second}, wantErr: "ttl cannot be negative"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.n.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, notification.ErrValidation)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

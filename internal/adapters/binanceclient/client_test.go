package binanceclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketgate/internal/ports"
	"marketgate/internal/ratelimit"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.Config{WeightPerMinute: 2400, Logger: &mockLogger{}})
	require.NoError(t, err)
	client, err := New(Config{Logger: &mockLogger{}, Limiter: limiter})
	require.NoError(t, err)
	return client
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	limiter, err := ratelimit.New(ratelimit.Config{WeightPerMinute: 2400, Logger: &mockLogger{}})
	require.NoError(t, err)
	_, err = New(Config{Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
	_, err = New(Config{Logger: &mockLogger{}, Limiter: limiter})
	assert.NoError(t, err)
}

func TestKlinesWeight(t *testing.T) {
	assert.Equal(t, 1, klinesWeight(99))
	assert.Equal(t, 2, klinesWeight(100))
	assert.Equal(t, 2, klinesWeight(499))
	assert.Equal(t, 5, klinesWeight(500))
	assert.Equal(t, 5, klinesWeight(1000))
	assert.Equal(t, 10, klinesWeight(1500))
}

func TestHandleErrorAPIMapping(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name string
		code int64
		msg  string
		want error
	}{
		{"throttled", -1003, "Too many requests.", ports.ErrRateLimited},
		{"unknown symbol", -1121, "Invalid symbol.", ports.ErrSymbolNotFound},
		{"exchange internal", -1000, "An unknown error occurred.", ports.ErrUpstream},
		{"gateway timeout", -1007, "Timeout waiting for response.", ports.ErrUpstream},
		{"bad parameter", -1102, "Mandatory parameter was not sent.", ports.ErrInvalidRequest},
		{"other", -4000, "Invalid order status.", ports.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.handleError(ctx, &common.APIError{Code: tt.code, Message: tt.msg}, "FetchCandles")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHandleErrorTransportMapping(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	assert.ErrorIs(t, client.handleError(ctx, context.DeadlineExceeded, "op"), ports.ErrTimeout)
	assert.ErrorIs(t, client.handleError(ctx, context.Canceled, "op"), ports.ErrContextCanceled)
	assert.ErrorIs(t, client.handleError(ctx, errors.New("connection refused"), "op"), ports.ErrNetwork)
	assert.ErrorIs(t, client.handleError(ctx, errors.New("<html>status code 429</html>"), "op"), ports.ErrRateLimited)
}

func TestHandleErrorThrottleEngagesCooldown(t *testing.T) {
	client := newTestClient(t)
	err := client.handleError(context.Background(), &common.APIError{Code: -1003, Message: "Too many requests."}, "FetchCandles")
	assert.ErrorIs(t, err, ports.ErrRateLimited)

	// The cooldown reported by handleError makes the next acquire fail
	// locally before any network call.
	allowed, wait := client.limiter.Acquire(1)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
}

func TestIsThrottleMessage(t *testing.T) {
	assert.True(t, isThrottleMessage("Too Many Requests"))
	assert.True(t, isThrottleMessage("request rate limit exceeded"))
	assert.True(t, isThrottleMessage("unexpected status code 429"))
	assert.True(t, isThrottleMessage("unexpected status code 503"))
	assert.False(t, isThrottleMessage("invalid symbol"))
	// Only a complete 5xx status engages the cooldown.
	assert.False(t, isThrottleMessage("order rejected with status code 51"))
	assert.False(t, isThrottleMessage("truncated body: status code 5"))
	assert.False(t, isThrottleMessage("status code 5001 from gateway"))
}

func TestTranslateKline(t *testing.T) {
	k := &futures.Kline{
		OpenTime:  1748779200000,
		CloseTime: 1748779259999,
		Open:      "100.1", High: "101.2", Low: "99.3", Close: "100.9", Volume: "12.5",
	}
	candle, err := translateKline(k)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1748779200000), candle.OpenTime)
	assert.Equal(t, 100.1, candle.Open)
	assert.Equal(t, 12.5, candle.Volume)

	t.Run("nil row", func(t *testing.T) {
		_, err := translateKline(nil)
		assert.Error(t, err)
	})
	t.Run("unparsable field", func(t *testing.T) {
		bad := *k
		bad.High = "n/a"
		_, err := translateKline(&bad)
		assert.Error(t, err)
	})
	t.Run("invariant violation", func(t *testing.T) {
		bad := *k
		bad.Low = "200"
		_, err := translateKline(&bad)
		assert.Error(t, err)
	})
}

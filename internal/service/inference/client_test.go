package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inboxpilot/pkg/circuitbreaker"
	"inboxpilot/pkg/config"
)

const testSchema = `{
	"type": "object",
	"properties": {
		"label": {"type": "string", "enum": ["a", "b"]}
	},
	"required": ["label"]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.AgentConfig{
		URL:             srv.URL,
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}, zap.NewNop())
}

func TestInfer_ValidOutput(t *testing.T) {
	var got inferRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/infer", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"output":{"label":"a"}}`))
	})

	out, err := c.Infer(context.Background(), "classify", "hello", MustCompileSchema(testSchema))
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"a"}`, string(out))
	assert.Equal(t, "classify", got.Task)
	assert.Equal(t, "hello", got.Prompt)
	assert.NotEmpty(t, got.Schema)
}

func TestInfer_InvalidOutput(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":{"label":"zzz"}}`))
	})

	_, err := c.Infer(context.Background(), "classify", "hello", MustCompileSchema(testSchema))
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestInfer_StatusErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Infer(context.Background(), "classify", "hello", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, se.Retryable())
	assert.False(t, (&StatusError{StatusCode: http.StatusBadRequest}).Retryable())
}

func TestInfer_BreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 2; i++ {
		_, err := c.InferText(context.Background(), "draft", "x")
		require.Error(t, err)
	}
	_, err := c.InferText(context.Background(), "draft", "x")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, 2, calls)
}

func TestInferText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"Thanks for reaching out"}`))
	})

	text, err := c.InferText(context.Background(), "draft_reply", "x")
	require.NoError(t, err)
	assert.Equal(t, "Thanks for reaching out", text)
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	})

	vec, err := c.Embed(context.Background(), "refund policy")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbed_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

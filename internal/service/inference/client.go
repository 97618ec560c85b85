// Package inference is the HTTP client for the external text-generation,
// classification and embedding service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.uber.org/zap"

	"inboxpilot/pkg/circuitbreaker"
	"inboxpilot/pkg/config"
	"inboxpilot/pkg/logger"
	"inboxpilot/pkg/metrics"
)

// ErrInvalidOutput means the service answered but the output did not match the schema.
var ErrInvalidOutput = errors.New("inference output does not match schema")

// StatusError is a non-200 answer from the service.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference service %s returned %d", e.Endpoint, e.StatusCode)
}

// Retryable: 5xx and 429 are transient, other statuses are not.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Schema is a JSON Schema sent with a request and used to validate the answer.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema compiles raw JSON Schema.
func CompileSchema(raw []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: json.RawMessage(raw), compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(raw string) *Schema {
	s, err := CompileSchema([]byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data against the schema.
func (s *Schema) Validate(data []byte) error {
	result := s.compiled.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidOutput, result.Errors)
}

type inferRequest struct {
	Task   string          `json:"task"`
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

type inferResponse struct {
	Output json.RawMessage `json:"output,omitempty"`
	Text   string          `json:"text,omitempty"`
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(cfg config.AgentConfig, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second // 超时兜底，避免 worker 卡死
	}
	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.BreakerFailures > 0 {
		breakerCfg.FailureThreshold = cfg.BreakerFailures
	}
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Timeout = cfg.BreakerCooldown
	}
	return &Client{
		baseURL:    cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.NewCircuitBreaker("inference", breakerCfg, log),
		logger:     log,
	}
}

// Infer asks for structured output matching schema and returns the validated JSON.
func (c *Client) Infer(ctx context.Context, task, prompt string, schema *Schema) (json.RawMessage, error) {
	req := inferRequest{Task: task, Prompt: prompt}
	if schema != nil {
		req.Schema = schema.raw
	}

	var resp inferResponse
	if err := c.call(ctx, "/infer", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Output) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrInvalidOutput)
	}
	if schema != nil {
		if err := schema.Validate(resp.Output); err != nil {
			return nil, err
		}
	}
	return resp.Output, nil
}

// InferText asks for free text.
func (c *Client) InferText(ctx context.Context, task, prompt string) (string, error) {
	var resp inferResponse
	if err := c.call(ctx, "/infer", inferRequest{Task: task, Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Embed returns the vector representation of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := c.call(ctx, "/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrInvalidOutput)
	}
	return resp.Embedding, nil
}

func (c *Client) call(ctx context.Context, endpoint string, in any, out any) error {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordAgentCallLatency(endpoint, status, time.Since(start))
	}()

	b, err := json.Marshal(in)
	if err != nil {
		return err
	}

	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call inference service: %w", err)
		}
		defer resp.Body.Close()
		status = strconv.Itoa(resp.StatusCode)

		if resp.StatusCode != http.StatusOK {
			// 读掉 body 以便连接复用
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		status = "circuit_open"
	}
	if err != nil {
		logger.WithTrace(ctx, c.logger).Warn("Inference call failed",
			zap.String("endpoint", endpoint),
			zap.String("status", status),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
	}
	return err
}

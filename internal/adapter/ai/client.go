// Package ai implements the LLM-backed adapters: the OpenAI-compatible
// client, the rubric evaluator, the question generator, and the report
// synthesizer.
package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
)

// Client implements domain.AIClient against an OpenAI-compatible API.
type Client struct {
	cfg     config.Config
	chatHC  *http.Client
	embedHC *http.Client
}

// New constructs an AI client with per-operation HTTP timeouts.
func New(cfg config.Config) *Client {
	chatTimeout := cfg.LLMCallTimeout()
	if chatTimeout <= 0 {
		chatTimeout = 30 * time.Second
	}
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &Client{
		cfg:     cfg,
		chatHC:  &http.Client{Timeout: chatTimeout, Transport: transport},
		embedHC: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.RetryBaseDelay
	expo.MaxInterval = c.cfg.RetryMaxDelay
	expo.MaxElapsedTime = 2 * c.cfg.LLMCallTimeout()
	return expo
}

// countTokens estimates the prompt token footprint for telemetry. Counting
// failures are ignored; telemetry never blocks a call.
func countTokens(model, text string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0
		}
	}
	return len(enc.Encode(text, nil, nil))
}

// ChatJSON calls chat completions with a strict JSON schema response format
// and returns the raw message content.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, schema domain.JSONSchema, maxCompletionTokens int) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("%w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"model":                 c.cfg.LLMModel,
		"temperature":           0.2,
		"max_completion_tokens": maxCompletionTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	if len(schema.Schema) > 0 {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   schema.Name,
				"strict": true,
				"schema": json.RawMessage(schema.Schema),
			},
		}
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	op := func() error {
		start := time.Now()
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.chatHC.Do(r)
		observability.LLMCallDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.LLMCallsTotal.WithLabelValues("chat", "transport_error").Inc()
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			observability.LLMCallsTotal.WithLabelValues("chat", "rate_limited").Inc()
			slog.Warn("llm provider rate limited", slog.String("op", "chat"), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			observability.LLMCallsTotal.WithLabelValues("chat", "client_error").Inc()
			slog.Warn("llm provider 4xx", slog.String("op", "chat"), slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.LLMModel), slog.String("body", snippet(bodyBytes, 512)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			observability.LLMCallsTotal.WithLabelValues("chat", "server_error").Inc()
			slog.Error("llm provider non-2xx", slog.String("op", "chat"), slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.LLMModel), slog.String("body", snippet(bodyBytes, 512)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observability.LLMCallsTotal.WithLabelValues("chat", "decode_error").Inc()
			return err
		}
		return nil
	}

	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("op=ai.ChatJSON: %w: %v", domain.ErrLLMUnavailable, err)
	}
	if len(out.Choices) == 0 {
		observability.LLMCallsTotal.WithLabelValues("chat", "empty").Inc()
		return "", fmt.Errorf("op=ai.ChatJSON: %w: empty choices", domain.ErrLLMUnavailable)
	}

	promptTokens := out.Usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = countTokens(c.cfg.LLMModel, systemPrompt+userPrompt)
	}
	completionTokens := out.Usage.CompletionTokens
	if completionTokens == 0 {
		completionTokens = countTokens(c.cfg.LLMModel, out.Choices[0].Message.Content)
	}
	observability.LLMTokensTotal.WithLabelValues("chat", "prompt").Add(float64(promptTokens))
	observability.LLMTokensTotal.WithLabelValues("chat", "completion").Add(float64(completionTokens))
	observability.LLMCallsTotal.WithLabelValues("chat", "ok").Inc()
	return out.Choices[0].Message.Content, nil
}

// Embed calls the embeddings endpoint and returns one vector per input text.
func (c *Client) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if c.cfg.LLMAPIKey == "" || c.cfg.EmbeddingsModel == "" {
		return nil, fmt.Errorf("%w: LLM_API_KEY or EMBEDDINGS_MODEL missing", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"model": c.cfg.EmbeddingsModel,
		"input": texts,
	}
	b, _ := json.Marshal(body)
	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	op := func() error {
		start := time.Now()
		// Recreate the request each attempt to avoid reusing a consumed body.
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/embeddings", bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.embedHC.Do(r)
		observability.LLMCallDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.LLMCallsTotal.WithLabelValues("embed", "transport_error").Inc()
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests {
			observability.LLMCallsTotal.WithLabelValues("embed", "rate_limited").Inc()
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			observability.LLMCallsTotal.WithLabelValues("embed", "client_error").Inc()
			return backoff.Permanent(fmt.Errorf("embed status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			observability.LLMCallsTotal.WithLabelValues("embed", "server_error").Inc()
			return fmt.Errorf("embed status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			observability.LLMCallsTotal.WithLabelValues("embed", "decode_error").Inc()
			return err
		}
		return nil
	}
	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=ai.Embed: %w: %v", domain.ErrLLMUnavailable, err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("op=ai.Embed: %w: empty data", domain.ErrLLMUnavailable)
	}
	observability.LLMCallsTotal.WithLabelValues("embed", "ok").Inc()
	res := make([][]float32, len(out.Data))
	for i := range out.Data {
		v := make([]float32, len(out.Data[i].Embedding))
		for j := range out.Data[i].Embedding {
			v[j] = float32(out.Data[i].Embedding[j])
		}
		res[i] = v
	}
	return res, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

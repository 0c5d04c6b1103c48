// Package sandbox proxies the external code-execution service. Untrusted
// candidate source never runs in this process.
package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"

	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
)

const (
	maxSourceBytes = 10 * 1024
	maxOutputBytes = 64 * 1024
)

// languageIDs maps allowlisted language names to sandbox language ids
// (Judge0 numbering).
var languageIDs = map[string]int{
	"python":     71,
	"javascript": 63,
	"go":         60,
	"java":       62,
	"c":          50,
	"cpp":        54,
}

// Client implements domain.CodeRunner against a Judge0-compatible sandbox.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a sandbox client.
func New(cfg config.Config) *Client {
	return &Client{cfg: cfg, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) allowed(language string) bool {
	for _, l := range c.cfg.CodeExecLanguages {
		if l == language {
			return true
		}
	}
	return false
}

// Run submits source to the sandbox and polls until a terminal status or the
// poll cap elapses. Inputs are validated at this boundary: language must be
// allowlisted, source must be text and at most 10 KB.
func (c *Client) Run(ctx domain.Context, language, source, stdin string) (domain.ExecResult, error) {
	tracer := otel.Tracer("sandbox")
	ctx, span := tracer.Start(ctx, "sandbox.Run")
	defer span.End()

	langID, known := languageIDs[language]
	if !known || !c.allowed(language) {
		return domain.ExecResult{}, fmt.Errorf("op=sandbox.run: %w: language %q not allowed", domain.ErrInvalidArgument, language)
	}
	if len(source) == 0 || len(source) > maxSourceBytes {
		return domain.ExecResult{}, fmt.Errorf("op=sandbox.run: %w: source size %d outside (0, %d]", domain.ErrInvalidArgument, len(source), maxSourceBytes)
	}
	if mt := mimetype.Detect([]byte(source)); !strings.HasPrefix(mt.String(), "text/") {
		return domain.ExecResult{}, fmt.Errorf("op=sandbox.run: %w: source is not text (%s)", domain.ErrInvalidArgument, mt.String())
	}

	token, err := c.submit(ctx, langID, source, stdin)
	if err != nil {
		return domain.ExecResult{}, err
	}
	res, err := c.poll(ctx, token)
	if err != nil {
		return domain.ExecResult{}, err
	}
	observability.CodeExecRunsTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (c *Client) submit(ctx domain.Context, langID int, source, stdin string) (string, error) {
	body := map[string]any{
		"language_id":  langID,
		"source_code":  source,
		"stdin":        stdin,
		"cpu_time_limit": float64(c.cfg.CodeExecTimeoutMS) / 1000.0,
	}
	b, _ := json.Marshal(body)
	r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SandboxURL+"/submissions?base64_encoded=false&wait=false", bytes.NewReader(b))
	c.setHeaders(r)
	r.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(r)
	if err != nil {
		return "", fmt.Errorf("op=sandbox.submit: %w: %v", domain.ErrCodeExecUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("op=sandbox.submit: %w: status %d", domain.ErrCodeExecUnavailable, resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		return "", fmt.Errorf("op=sandbox.submit: %w: missing token", domain.ErrCodeExecUnavailable)
	}
	return out.Token, nil
}

type runStatus struct {
	Status struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	CompileOutput string `json:"compile_output"`
	Time          string `json:"time"`
	Memory        int64  `json:"memory"`
}

func (c *Client) poll(ctx domain.Context, token string) (domain.ExecResult, error) {
	var last runStatus
	op := func() error {
		r, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SandboxURL+"/submissions/"+token+"?base64_encoded=false", nil)
		c.setHeaders(r)
		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("poll status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&last); err != nil {
			return err
		}
		// 1 = in queue, 2 = processing
		if last.Status.ID <= 2 {
			return fmt.Errorf("run not finished")
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = c.cfg.CodeExecPollCap
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		slog.Warn("sandbox poll gave up", slog.String("token", token), slog.Any("error", err))
		return domain.ExecResult{}, fmt.Errorf("op=sandbox.poll: %w: %v", domain.ErrCodeExecUnavailable, err)
	}
	return normalize(last), nil
}

func normalize(rs runStatus) domain.ExecResult {
	res := domain.ExecResult{
		Stdout:   truncateOutput(rs.Stdout),
		Stderr:   truncateOutput(rs.Stderr),
		MemoryKB: rs.Memory,
	}
	if rs.Time != "" {
		_, _ = fmt.Sscanf(rs.Time, "%f", &res.TimeS)
	}
	switch rs.Status.ID {
	case 3, 4: // finished; expected-output comparison is the rubric's job
		res.Status = domain.ExecAccepted
	case 5:
		res.Status = domain.ExecTimeout
	case 6:
		res.Status = domain.ExecCompileError
		if res.Stderr == "" {
			res.Stderr = truncateOutput(rs.CompileOutput)
		}
	case 7, 8, 9, 10, 11, 12:
		res.Status = domain.ExecRuntimeError
	default:
		res.Status = domain.ExecError
	}
	return res
}

func truncateOutput(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes]
	}
	return s
}

func (c *Client) setHeaders(r *http.Request) {
	if c.cfg.SandboxAPIKey != "" {
		r.Header.Set("X-Auth-Token", c.cfg.SandboxAPIKey)
	}
}

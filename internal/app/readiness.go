package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/veriskill/veriskill/internal/config"
)

// Pinger is the minimal database pool surface needed for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// BuildChecks returns the standard readiness probes: db, redis, qdrant, llm.
func BuildChecks(cfg config.Config, pool Pinger, redisPing func(ctx context.Context) error) []Check {
	hc := &http.Client{Timeout: 2 * time.Second}
	return []Check{
		{Name: "db", Probe: func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("db not configured")
			}
			return pool.Ping(ctx)
		}},
		{Name: "redis", Probe: func(ctx context.Context) error {
			if redisPing == nil {
				return fmt.Errorf("redis not configured")
			}
			return redisPing(ctx)
		}},
		{Name: "qdrant", Probe: func(ctx context.Context) error {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, cfg.QdrantURL+"/collections", nil)
			if cfg.QdrantAPIKey != "" {
				req.Header.Set("api-key", cfg.QdrantAPIKey)
			}
			resp, err := hc.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			return fmt.Errorf("qdrant status %d", resp.StatusCode)
		}},
		{Name: "llm", Probe: func(ctx context.Context) error {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, cfg.LLMBaseURL+"/models", nil)
			if cfg.LLMAPIKey != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.LLMAPIKey)
			}
			resp, err := hc.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			return fmt.Errorf("llm status %d", resp.StatusCode)
		}},
	}
}

// ReadyzHandler runs every check and reports per-dependency status.
func ReadyzHandler(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		out := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				out[c.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			out[c.Name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(out)
	}
}

package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// HealthChecker checks one dependency.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// pingChecker adapts a ping function to HealthChecker.
type pingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func (c pingChecker) Name() string                    { return c.name }
func (c pingChecker) Check(ctx context.Context) error { return c.ping(ctx) }

// RedisChecker pings the shared Redis client used by the store and the
// quota alert deduplicator.
func RedisChecker(client redis.UniversalClient) HealthChecker {
	return pingChecker{name: "redis", ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func PostgresChecker(db *sql.DB) HealthChecker {
	return pingChecker{name: "postgres", ping: db.PingContext}
}

type upstreamPinger interface {
	HealthCheck(ctx context.Context, credential string) error
}

// NewUpstreamHealthChecker lists models with the default credential, so a
// missing or revoked token shows up as not ready.
func NewUpstreamHealthChecker(upstream upstreamPinger, credentials CredentialProvider) HealthChecker {
	return pingChecker{name: "upstream", ping: func(ctx context.Context) error {
		credential, err := credentials.Credential(ctx)
		if err != nil {
			return err
		}
		return upstream.HealthCheck(ctx, credential)
	}}
}

// checkAll runs every checker concurrently and reports whether all passed.
func checkAll(ctx context.Context, checkers []HealthChecker) (map[string]CheckResult, bool) {
	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checkers))
		healthy = true
	)

	var g errgroup.Group
	for _, checker := range checkers {
		g.Go(func() error {
			start := time.Now()
			err := checker.Check(ctx)

			res := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				res.Status, res.Error = "error", err.Error()
			}

			mu.Lock()
			results[checker.Name()] = res
			healthy = healthy && err == nil
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results, healthy
}

// handleHealth always answers 200 and reports degraded dependencies.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	checks, healthy := checkAll(ctx, h.checkers)
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"version":      Version,
		"checks":       checks,
		"active_turns": len(h.sessions.Active()),
	})
}

// handleHealthReady answers 503 while any dependency fails.
func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	checks, healthy := checkAll(ctx, h.checkers)
	status, code := "ready", http.StatusOK
	if !healthy {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": Version,
		"checks":  checks,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

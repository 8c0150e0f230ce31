package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// rateLimiterConfig holds rate limiting configuration
type rateLimiterConfig struct {
	backend       string // "memory" or "postgres"
	enabled       bool
	requestsPerIP int           // Max requests per IP per window
	window        time.Duration // Time window for rate limiting
}

// loadRateLimiterConfig reads rate limiter configuration from environment
func loadRateLimiterConfig() *rateLimiterConfig {
	enabled := os.Getenv("RATE_LIMIT_ENABLED") != "0" // Enabled by default
	requestsPerIP := getEnvInt("RATE_LIMIT_REQUESTS_PER_IP", 60)
	window := 1 * time.Minute
	if n := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60); n > 0 {
		window = time.Duration(n) * time.Second
	}
	backend := strings.ToLower(os.Getenv("RATE_LIMIT_BACKEND"))
	if backend != "postgres" {
		backend = "memory"
	}

	return &rateLimiterConfig{
		backend:       backend,
		enabled:       enabled,
		requestsPerIP: requestsPerIP,
		window:        window,
	}
}

// RateLimiter decides whether a request identified by key (client IP) is
// allowed inside the current window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// ipRateLimiter implements a simple sliding window rate limiter per IP
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      *rateLimiterConfig
}

type visitor struct {
	requests  []time.Time
	lastClean time.Time
}

// newIPRateLimiter creates a new in-memory rate limiter
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	limiter := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
	}

	// Cleanup goroutine removes stale entries
	go limiter.cleanupLoop(ctx)

	return limiter
}

// cleanupLoop periodically removes stale visitor entries
func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes visitors that haven't made requests recently
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, v := range rl.visitors {
		// Remove if no requests in the last 2 windows
		if now.Sub(v.lastClean) > rl.cfg.window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// Allow checks if a request from the given IP should be allowed
func (rl *ipRateLimiter) Allow(_ context.Context, ip string) bool {
	if !rl.cfg.enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{
			requests:  []time.Time{now},
			lastClean: now,
		}
		rl.visitors[ip] = v
		return true
	}

	// Remove old requests outside the window
	cutoff := now.Add(-rl.cfg.window)
	filtered := make([]time.Time, 0, len(v.requests))
	for _, t := range v.requests {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	v.requests = filtered
	v.lastClean = now

	if len(v.requests) >= rl.cfg.requestsPerIP {
		return false
	}

	v.requests = append(v.requests, now)
	return true
}

// postgresRateLimiter implements a fixed-window limiter shared across
// replicas using the kv table as the counter store. Counter bumps use an
// atomic upsert so concurrent replicas never lose increments.
type postgresRateLimiter struct {
	db  *sql.DB
	cfg *rateLimiterConfig
}

// newPostgresRateLimiter creates the distributed limiter and verifies the kv
// table is reachable.
func newPostgresRateLimiter(ctx context.Context, db *sql.DB, cfg *rateLimiterConfig) (*postgresRateLimiter, error) {
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return nil, fmt.Errorf("postgres rate limiter probe: %w", err)
	}
	rl := &postgresRateLimiter{db: db, cfg: cfg}
	go rl.cleanupLoop(ctx)
	return rl, nil
}

func (rl *postgresRateLimiter) windowKey(ip string, now time.Time) string {
	bucket := now.Unix() / int64(rl.cfg.window.Seconds())
	return fmt.Sprintf("rl:%s:%d", ip, bucket)
}

// Allow bumps the window counter atomically and compares against the limit.
// On datastore failure the request is allowed; availability wins over strict
// limiting here.
func (rl *postgresRateLimiter) Allow(ctx context.Context, ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	key := rl.windowKey(ip, time.Now())
	var count int
	err := rl.db.QueryRowContext(ctx, `
        INSERT INTO kv (key, value, updated_at) VALUES ($1, '1', NOW())
        ON CONFLICT (key) DO UPDATE SET value = (kv.value::int + 1)::text, updated_at = NOW()
        RETURNING value::int
    `, key).Scan(&count)
	if err != nil {
		slog.Warn("postgres rate limiter counter bump failed; allowing request", slog.Any("err", err))
		return true
	}
	return count <= rl.cfg.requestsPerIP
}

// cleanupLoop deletes expired window counters.
func (rl *postgresRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := rl.db.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE 'rl:%' AND updated_at < NOW() - $1::interval`, fmt.Sprintf("%d seconds", int(rl.cfg.window.Seconds())*2)); err != nil {
				slog.Warn("postgres rate limiter cleanup failed", slog.Any("err", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// rateLimitMiddleware applies rate limiting to sensitive endpoints
func rateLimitMiddleware(next http.Handler, limiter RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract IP from request (handle X-Forwarded-For for proxies)
		ip := r.RemoteAddr
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			// Take the first IP in the list (client IP)
			if idx := strings.Index(forwarded, ","); idx >= 0 {
				ip = strings.TrimSpace(forwarded[:idx])
			} else {
				ip = strings.TrimSpace(forwarded)
			}
		}
		// Strip port if present
		if idx := strings.LastIndex(ip, ":"); idx >= 0 {
			ip = ip[:idx]
		}

		if !limiter.Allow(r.Context(), ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}

		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pos-sync-engine/internal/config"
	"pos-sync-engine/internal/models"
)

// RateLimitConfig holds the per-client fixed window settings
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
}

// ParseRateLimitConfig reads the rate limit settings, falling back to defaults on bad values
func ParseRateLimitConfig(cfg *config.Config) RateLimitConfig {
	rlc := RateLimitConfig{
		Enabled:           config.ParseBool(cfg.RateLimitEnabled, true),
		RequestsPerWindow: config.ParseInt(cfg.RateLimitRequests, 600),
		Window:            config.ParseDuration(cfg.RateLimitWindow, time.Minute),
	}
	if rlc.RequestsPerWindow <= 0 {
		slog.Warn("Invalid rate limit request count, using default",
			"configured", cfg.RateLimitRequests, "default", 600)
		rlc.RequestsPerWindow = 600
	}
	if rlc.Window <= 0 {
		slog.Warn("Invalid rate limit window, using default",
			"configured", cfg.RateLimitWindow, "default", time.Minute.String())
		rlc.Window = time.Minute
	}
	return rlc
}

type windowCounter struct {
	count   int
	resetAt time.Time
}

// RateLimitInfo describes the caller's window after a check
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetTime time.Time
}

// RateLimiter counts requests per client in fixed windows. A client is the
// presented API key when there is one, otherwise the remote IP, so every till
// behind the same NAT gets its own budget.
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	clients map[string]*windowCounter
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRateLimiter starts a limiter whose expired windows are swept once per window
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*windowCounter),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go rl.sweep()

	slog.Info("Rate limiter initialized",
		"enabled", config.Enabled,
		"requests_per_window", config.RequestsPerWindow,
		"window", config.Window.String())
	return rl
}

// Stop ends the sweeper goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stop)
		<-rl.done
	})
}

func (rl *RateLimiter) sweep() {
	defer close(rl.done)

	interval := rl.config.Window
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for client, wc := range rl.clients {
				if now.After(wc.resetAt) {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Allow records one request for client and reports whether it fits the window
func (rl *RateLimiter) Allow(client string) (bool, RateLimitInfo) {
	if !rl.config.Enabled {
		return true, RateLimitInfo{Limit: -1, Remaining: -1}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	wc, ok := rl.clients[client]
	if !ok || now.After(wc.resetAt) {
		wc = &windowCounter{resetAt: now.Add(rl.config.Window)}
		rl.clients[client] = wc
	}

	info := RateLimitInfo{Limit: rl.config.RequestsPerWindow, ResetTime: wc.resetAt}
	if wc.count >= rl.config.RequestsPerWindow {
		return false, info
	}
	wc.count++
	info.Remaining = rl.config.RequestsPerWindow - wc.count
	return true, info
}

// ActiveClients returns the number of clients with an open window
func (rl *RateLimiter) ActiveClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// RateLimit wraps next with the limiter. /health is never limited.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			client := clientKey(r)
			allowed, info := rl.Allow(client)
			setRateLimitHeaders(w, info)

			if !allowed {
				retryAfter := int(time.Until(info.ResetTime).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				slog.Warn("Rate limit exceeded",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"method", r.Method,
					"limit", info.Limit,
					"reset_time", info.ResetTime.Format(time.RFC3339))
				WriteErrorResponse(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"Rate limit exceeded. Please try again later.",
					[]models.ErrorDetail{{
						Field: "retry_after",
						Issue: fmt.Sprintf("Retry after %d seconds", retryAfter),
					}})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return "key:" + key
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return "ip:" + ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func setRateLimitHeaders(w http.ResponseWriter, info RateLimitInfo) {
	if info.Limit < 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if !info.ResetTime.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

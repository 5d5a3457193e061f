// Package ratelimit throttles slot reservations per client IP and per hold owner.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/bookable/internal/api/apiutil"
)

// Clock interface for testing time-dependent behavior.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds rate limit configuration. A zero max disables that key.
type Config struct {
	Window      time.Duration
	MaxPerIP    int
	MaxPerOwner int
	// TrustProxy reads the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	// Clock for testing (nil uses real time)
	Clock Clock
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		Window:      time.Minute,
		MaxPerIP:    60,
		MaxPerOwner: 20,
	}
}

// LimitResult contains the result of a rate limit check.
type LimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string // For logging
}

type entry struct {
	count   int
	firstAt time.Time
}

// Limiter counts requests in fixed windows keyed by client IP and owner token.
type Limiter struct {
	config  *Config
	clock   Clock
	mu      sync.Mutex
	byIP    map[string]*entry
	byOwner map[string]*entry

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupOnce   sync.Once
	cleanupWg     sync.WaitGroup
}

// New creates a new rate limiter with the given config.
func New(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		config:        cfg,
		clock:         clock,
		byIP:          make(map[string]*entry),
		byOwner:       make(map[string]*entry),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
}

// Close stops the cleanup goroutine and releases resources.
func (l *Limiter) Close() {
	l.cleanupCancel()
	l.cleanupWg.Wait()
}

// Allow checks both keys and, when neither is exhausted, counts the request against both.
// An empty owner skips the owner check.
func (l *Limiter) Allow(ip, owner string) LimitResult {
	l.startCleanup()
	now := l.clock.Now()
	ipKey := hashKey("ip:", ip)
	ownerKey := ""
	if owner = strings.TrimSpace(owner); owner != "" {
		ownerKey = hashKey("owner:", owner)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if res := l.check(l.byIP[ipKey], l.config.MaxPerIP, now, "ip_limit"); !res.Allowed {
		return res
	}
	if ownerKey != "" {
		if res := l.check(l.byOwner[ownerKey], l.config.MaxPerOwner, now, "owner_limit"); !res.Allowed {
			return res
		}
	}

	if l.config.MaxPerIP > 0 {
		l.record(l.byIP, ipKey, now)
	}
	if ownerKey != "" && l.config.MaxPerOwner > 0 {
		l.record(l.byOwner, ownerKey, now)
	}
	return LimitResult{Allowed: true}
}

func (l *Limiter) check(e *entry, max int, now time.Time, reason string) LimitResult {
	if max <= 0 || e == nil {
		return LimitResult{Allowed: true}
	}
	elapsed := now.Sub(e.firstAt)
	if elapsed < l.config.Window && e.count >= max {
		return LimitResult{
			Allowed:    false,
			RetryAfter: l.config.Window - elapsed,
			Reason:     reason,
		}
	}
	return LimitResult{Allowed: true}
}

func (l *Limiter) record(entries map[string]*entry, key string, now time.Time) {
	e := entries[key]
	if e == nil || now.Sub(e.firstAt) >= l.config.Window {
		entries[key] = &entry{count: 1, firstAt: now}
		return
	}
	e.count++
}

// Middleware rejects over-limit requests with 429 and a Retry-After header. ownerOf
// extracts the owner token; it may be nil.
func (l *Limiter) Middleware(ownerOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r, l.config.TrustProxy)
			owner := ""
			if ownerOf != nil {
				owner = ownerOf(r)
			}
			res := l.Allow(ip, owner)
			if !res.Allowed {
				LogRateLimitExceeded(r, owner, ip, res.Reason)
				seconds := int(res.RetryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				apiutil.WriteError(w, r, apiutil.HandlerError{
					Status:  http.StatusTooManyRequests,
					Message: "Too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hashKey(prefix, value string) string {
	hash := sha256.Sum256([]byte(value))
	return prefix + hex.EncodeToString(hash[:8])
}

func (l *Limiter) startCleanup() {
	l.cleanupOnce.Do(func() {
		l.cleanupWg.Add(1)
		go func() {
			defer l.cleanupWg.Done()
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-l.cleanupCtx.Done():
					return
				case <-ticker.C:
					l.cleanup()
				}
			}
		}()
	})
}

func (l *Limiter) cleanup() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entries := range []map[string]*entry{l.byIP, l.byOwner} {
		for k, e := range entries {
			if now.Sub(e.firstAt) >= l.config.Window {
				delete(entries, k)
			}
		}
	}
}

// GetClientIP returns the address a request is attributed to. Forwarding headers are
// only read when trustProxy is set: the rightmost public X-Forwarded-For hop wins, then
// X-Real-IP. Otherwise the connection's RemoteAddr is used.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			for i := len(hops) - 1; i >= 0; i-- {
				hop := strings.TrimSpace(hops[i])
				if hop != "" && !isPrivateIP(hop) {
					return hop
				}
			}
			return strings.TrimSpace(hops[len(hops)-1])
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	return remoteIP(r.RemoteAddr)
}

// remoteIP strips the port from addr when there is one.
func remoteIP(addr string) string {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().String()
	}
	if ip, err := netip.ParseAddr(addr); err == nil {
		return ip.String()
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// isPrivateIP reports loopback, link-local and private-range addresses, matching
// IPv4-mapped IPv6 forms as their IPv4 address.
func isPrivateIP(raw string) bool {
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// SanitizeToken masks an owner token for logging.
func SanitizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***" + token[len(token)-4:]
}

// LogRateLimitExceeded logs a rejected request with the owner token masked.
func LogRateLimitExceeded(r *http.Request, owner, ip, reason string) {
	log.Ctx(r.Context()).Warn().
		Str("event", "rate_limit_exceeded").
		Str("path", r.URL.Path).
		Str("owner", SanitizeToken(owner)).
		Str("ip", ip).
		Str("reason", reason).
		Msg("Rate limit exceeded")
}

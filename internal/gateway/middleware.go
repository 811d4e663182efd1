package gateway

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"hearth/internal/perf"
)

// securityHeaders applies the fixed response-hardening headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP. Stale entries are
// swept opportunistically on the request path.
type ipRateLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	entries     map[string]*rateLimitEntry
	entryTTL    time.Duration
	lastCleanup time.Time
}

func newIPRateLimiter(perMinute int) *ipRateLimiter {
	return &ipRateLimiter{
		limit:       rate.Limit(float64(perMinute) / 60),
		burst:       perMinute,
		entries:     make(map[string]*rateLimitEntry),
		entryTTL:    15 * time.Minute,
		lastCleanup: time.Now(),
	}
}

func (r *ipRateLimiter) get(ip string) *rate.Limiter {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastCleanup) >= 5*time.Minute {
		for key, entry := range r.entries {
			if now.Sub(entry.lastSeen) > r.entryTTL {
				delete(r.entries, key)
			}
		}
		r.lastCleanup = now
	}

	entry, ok := r.entries[ip]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// rateLimit rejects clients exceeding the per-minute budget with 429 and
// stamps rate-limit headers on every response.
func rateLimit(perMinute int) gin.HandlerFunc {
	limiters := newIPRateLimiter(perMinute)
	return func(c *gin.Context) {
		limiter := limiters.get(c.ClientIP())
		remaining := int(limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(perMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// validateRequest bounds the body size and requires JSON on mutating verbs.
func validateRequest(maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			contentType := c.ContentType()
			if contentType != "" && contentType != "application/json" {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
					"error": "Content-Type must be application/json",
				})
				return
			}
		}
		c.Next()
	}
}

// requestID echoes an inbound X-Request-ID or mints one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// perfTap feeds finished requests into the monitor. The route template is
// used so /api/device/:deviceId aggregates as one endpoint.
func perfTap(monitor *perf.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		monitor.Observe(endpoint, c.Request.Method,
			c.Writer.Status(), float64(time.Since(start).Microseconds())/1000)
	}
}

// internalOnly admits loopback and RFC-1918 clients, or anyone presenting
// the configured bearer token. Everyone else gets 403.
func internalOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" {
			auth := c.GetHeader("Authorization")
			if strings.TrimPrefix(auth, "Bearer ") == token && auth != "" {
				c.Next()
				return
			}
		}
		if isPrivateIP(c.ClientIP()) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal endpoint"})
	}
}

func isPrivateIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mediarelay/relay/internal/v1/auth"
	"github.com/mediarelay/relay/internal/v1/config"
	"github.com/mediarelay/relay/internal/v1/logging"
	"github.com/mediarelay/relay/internal/v1/metrics"
	"github.com/mediarelay/relay/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// TokenValidator is the subset of auth.Validator the rate limiter needs to
// resolve a request's identity itself, rather than trusting a "claims" key
// that an earlier middleware may or may not have set (ToCToU hazard: if
// RateLimit runs before Auth, an unauthenticated caller could otherwise
// masquerade as authenticated for limiting purposes).
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiPublic   *limiter.Limiter
	apiRooms    *limiter.Limiter
	apiMessages *limiter.Limiter
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
	validator   TokenValidator
	auditSink   types.AuditSink

	// Domain sliding windows (spec.md §4.6): per-session message cap and
	// per-IP room-creation cap, independent of the HTTP-surface limiters
	// above.
	sessionMessages *limiter.Limiter
	ipRoomCreations *limiter.Limiter

	// lastSeen tracks the most recent activity per session/IP bucket so
	// StartSweep can evict entries the underlying limiter.Store has no
	// per-key TTL hook for (the ulule Store interface only exposes
	// Get/Peek, not Delete). This is the memory StartSweep actually bounds.
	seenMu         sync.Mutex
	sessionSeen    map[string]time.Time
	ipSeen         map[string]time.Time

	sweepStop chan struct{}
}

// NewRateLimiter creates a new RateLimiter instance. validator resolves the
// bearer token on each request so GlobalMiddleware/MiddlewareForEndpoint
// never rely on a context key set by a different, possibly-absent,
// middleware.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client, validator TokenValidator) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}

	apiMessagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid API messages rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	messagesPerSecond := cfg.MessagesPerSecond
	if messagesPerSecond <= 0 {
		messagesPerSecond = 100
	}
	sessionMessageRate := limiter.Rate{Period: time.Second, Limit: int64(messagesPerSecond)}

	roomCreationsPerHr := cfg.RoomCreationsPerHr
	if roomCreationsPerHr <= 0 {
		roomCreationsPerHr = 10
	}
	ipRoomCreationRate := limiter.Rate{Period: time.Hour, Limit: int64(roomCreationsPerHr)}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal:       limiter.New(store, apiGlobalRate),
		apiPublic:       limiter.New(store, apiPublicRate),
		apiRooms:        limiter.New(store, apiRoomsRate),
		apiMessages:     limiter.New(store, apiMessagesRate),
		wsIP:            limiter.New(store, wsIPRate),
		wsUser:          limiter.New(store, wsUserRate),
		sessionMessages: limiter.New(store, sessionMessageRate),
		ipRoomCreations: limiter.New(store, ipRoomCreationRate),
		store:           store,
		redisClient:     redisClient,
		validator:       validator,
		sessionSeen:     make(map[string]time.Time),
		ipSeen:          make(map[string]time.Time),
	}, nil
}

// SetAuditSink wires an audit sink so reached-cap branches can emit
// RATE_LIMIT_EXCEEDED (spec.md §6) in addition to the Prometheus counters
// they already bump. Optional: a nil sink (the zero value) leaves rate
// limiting fully functional, just unaudited.
func (rl *RateLimiter) SetAuditSink(sink types.AuditSink) {
	rl.auditSink = sink
}

// auditRateLimitExceeded emits RATE_LIMIT_EXCEEDED. sessionID and ip are
// mutually exclusive: callers pass whichever identifies the exhausted
// bucket and leave the other as its zero value.
func (rl *RateLimiter) auditRateLimitExceeded(ctx context.Context, sessionID types.SessionID, ip, details string) {
	if rl.auditSink == nil {
		return
	}
	rl.auditSink.Emit(ctx, types.AuditEvent{
		EventType: types.EventRateLimitExceeded,
		SessionID: sessionID,
		IPAddress: ip,
		Details:   details,
		Severity:  types.SeverityWarn,
		CreatedAt: time.Now(),
	})
}

// auditRateLimitExceededUser is auditRateLimitExceeded's user-identity
// variant for CheckWebSocketUser, whose key is a validated token subject
// rather than a relay-minted session id.
func (rl *RateLimiter) auditRateLimitExceededUser(ctx context.Context, username, details string) {
	if rl.auditSink == nil {
		return
	}
	rl.auditSink.Emit(ctx, types.AuditEvent{
		EventType: types.EventRateLimitExceeded,
		Username:  types.Username(username),
		Details:   details,
		Severity:  types.SeverityWarn,
		CreatedAt: time.Now(),
	})
}

// identify resolves the (key, limitType) pair for a request: the validated
// subject claim if an Authorization header is present and parses, the
// client IP otherwise. It never trusts a context key set by a different
// middleware.
func (rl *RateLimiter) identify(c *gin.Context) (key string, limitType string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return c.ClientIP(), "ip"
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if rl.validator == nil {
		return c.ClientIP(), "ip"
	}

	claims, err := rl.validator.ValidateToken(tokenString)
	if err != nil || claims.Subject == "" {
		return c.ClientIP(), "ip"
	}

	return claims.Subject, "user"
}

// GlobalMiddleware returns a Gin middleware that enforces global rate limits:
// the generous per-user window for authenticated callers, the strict
// per-IP window otherwise.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, limitType := rl.identify(c)

		var limiterInstance *limiter.Limiter
		if limitType == "user" {
			limiterInstance = rl.apiGlobal
		} else {
			limiterInstance = rl.apiPublic
		}

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			// Fail open: availability over strict limiting if the store is down.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint returns a Gin middleware that enforces a specific endpoint rate limit
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter

		switch endpointType {
		case "rooms":
			limiterInstance = rl.apiRooms
		case "messages":
			limiterInstance = rl.apiMessages
		default:
			limiterInstance = rl.apiGlobal
		}

		key, _ := rl.identify(c)

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket checks if a WebSocket connection should be allowed
// Returns true if allowed, false if limit exceeded (and writes error)
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser checks the user-specific limit for WebSockets.
// Call this after successfully authenticating the user.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	userContext, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (User)", zap.Error(err))
		return nil // Fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		rl.auditRateLimitExceededUser(ctx, userID, "websocket_connect")
		return fmt.Errorf("rate limit exceeded for user")
	}

	return nil
}

// CheckSessionMessage enforces the per-session message window (spec.md
// §4.6): default 100 messages/second. Exceeding the cap fails only the
// individual message (RATE_001), never the connection.
func (rl *RateLimiter) CheckSessionMessage(ctx context.Context, sessionID string) bool {
	rl.seenMu.Lock()
	rl.sessionSeen[sessionID] = time.Now()
	rl.seenMu.Unlock()

	lctx, err := rl.sessionMessages.Get(ctx, "session-msg:"+sessionID)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed (session message)", zap.Error(err))
		return true // Fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("session_message", "session").Inc()
		rl.auditRateLimitExceeded(ctx, types.SessionID(sessionID), "", "session_message")
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("session_message").Inc()
	return true
}

// CheckRoomCreation enforces the per-IP room-creation window (spec.md
// §4.6): default 10 creations/hour. Exceeding the cap fails create-room
// with ROOM_009.
func (rl *RateLimiter) CheckRoomCreation(ctx context.Context, ip string) bool {
	rl.seenMu.Lock()
	rl.ipSeen[ip] = time.Now()
	rl.seenMu.Unlock()

	lctx, err := rl.ipRoomCreations.Get(ctx, "room-create:"+ip)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed (room creation)", zap.Error(err))
		return true // Fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("room_creation", "ip").Inc()
		rl.auditRateLimitExceeded(ctx, "", ip, "room_creation")
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("room_creation").Inc()
	return true
}

// sweepIdle evicts session/IP buckets that haven't been touched within
// sessionTTL/ipTTL respectively. This is the memory bound spec.md §4.6
// requires: ulule/limiter's own Store interface exposes only Get/Peek, no
// per-key Delete, so the rate-limit buckets themselves keep living on the
// store's own Rate-period expiry (1s for messages, 1h for room creations);
// what StartSweep actually bounds is the lastSeen bookkeeping above, which
// would otherwise grow for the lifetime of the process.
func (rl *RateLimiter) sweepIdle(sessionTTL, ipTTL time.Duration) (evictedSessions, evictedIPs int) {
	now := time.Now()

	rl.seenMu.Lock()
	defer rl.seenMu.Unlock()

	for id, last := range rl.sessionSeen {
		if now.Sub(last) > sessionTTL {
			delete(rl.sessionSeen, id)
			evictedSessions++
		}
	}
	for ip, last := range rl.ipSeen {
		if now.Sub(last) > ipTTL {
			delete(rl.ipSeen, ip)
			evictedIPs++
		}
	}
	return evictedSessions, evictedIPs
}

// StartSweep launches a background goroutine that periodically evicts idle
// buckets so bookkeeping doesn't grow unbounded (spec.md §4.6: session
// buckets older than 5 min, IP buckets older than 2 h). The sweep runs once
// a minute; the unexported startSweep takes the interval as a parameter.
func (rl *RateLimiter) StartSweep(sessionTTL, ipTTL time.Duration) {
	rl.startSweep(sessionTTL, ipTTL, 1*time.Minute)
}

func (rl *RateLimiter) startSweep(sessionTTL, ipTTL, interval time.Duration) {
	rl.sweepStop = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				evictedSessions, evictedIPs := rl.sweepIdle(sessionTTL, ipTTL)
				if evictedSessions > 0 || evictedIPs > 0 {
					logging.Info(context.Background(), "rate limiter: swept idle buckets",
						zap.Int("sessions", evictedSessions), zap.Int("ips", evictedIPs))
				}
			case <-rl.sweepStop:
				return
			}
		}
	}()
}

// Stop halts the background sweep goroutine started by StartSweep.
func (rl *RateLimiter) Stop() {
	if rl.sweepStop != nil {
		close(rl.sweepStop)
	}
}

// StandardMiddleware allows using the standard ulule/limiter middleware if preferred
// not used currently, opting for custom logic above
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	middleware := mgin.NewMiddleware(rl.apiPublic)
	return middleware
}

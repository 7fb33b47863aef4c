package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mediarelay/relay/internal/v1/auth"
	"github.com/mediarelay/relay/internal/v1/config"
	"github.com/mediarelay/relay/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []types.AuditEvent
}

func (r *recordingSink) Emit(_ context.Context, event types.AuditEvent) {
	r.events = append(r.events, event)
}

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M", // 10 per minute
		RateLimitApiPublic:   "5-M",  // 5 per minute
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
	}

	// Create mock validator that accepts all tokens
	mockValidator := &MockValidator{
		ValidateTokenFunc: func(tokenString string) (*auth.CustomClaims, error) {
			// Parse the token to extract claims for testing
			token, _, err := jwt.NewParser().ParseUnverified(tokenString, &auth.CustomClaims{})
			if err != nil {
				return nil, err
			}
			claims, ok := token.Claims.(*auth.CustomClaims)
			if !ok {
				return nil, err
			}
			return claims, nil
		},
	}

	rl, err := NewRateLimiter(cfg, rc, mockValidator)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
	}
	mockValidator := &MockValidator{}
	rl, err := NewRateLimiter(cfg, nil, mockValidator)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
	// Verify it falls back to memory (no redis client)
	assert.Nil(t, rl.redisClient)
}

func TestGlobalMiddleware_Public(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Make 5 requests (limit is 5)
	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("GET", "/test", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	// 6th request should fail
	req, _ := http.NewRequest("GET", "/test", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestGlobalMiddleware_User(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	// Create a valid JWT token for testing
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		},
	})
	tokenString, _ := token.SignedString([]byte("test-secret"))

	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/test-user", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Global user limit is 10
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest("GET", "/test-user", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "10", resp.Header().Get("X-RateLimit-Limit"))
	}

	// 11th should fail
	req, _ := http.NewRequest("GET", "/test-user", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestMiddlewareForEndpoint(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	r := gin.New()
	// Endpoint MW for "rooms" (limit 5)
	r.POST("/rooms", rl.MiddlewareForEndpoint("rooms"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("POST", "/rooms", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	req, _ := http.NewRequest("POST", "/rooms", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestCheckWebSocket_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	// Consume 5
	for i := 0; i < 5; i++ {
		allowed := rl.CheckWebSocket(ctx)
		assert.True(t, allowed)
	}

	// 6th should fail
	allowed := rl.CheckWebSocket(ctx)
	assert.False(t, allowed)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	// Consume 5
	for i := 0; i < 5; i++ {
		err := rl.CheckWebSocketUser(ctx, "user1")
		assert.NoError(t, err)
	}

	// 6th
	err := rl.CheckWebSocketUser(ctx, "user1")
	assert.Error(t, err)
}

func TestRedisFailure(t *testing.T) {
	rl, mr := newTestLimiter(t)

	// Kill redis to simulate failure
	mr.Close()

	// Should fail open (allow request) but log error
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/fail-open", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/fail-open", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
}

// TestGlobalMiddleware_AuthBypass_Reproduction verifies that the rate limiter
// resolves identity itself from the bearer token, rather than trusting a
// context "claims" key that only an earlier auth middleware would set.
func TestGlobalMiddleware_AuthBypass_Reproduction(t *testing.T) {
	// Setup: Strict IP limit (1/min), Generous User limit (100/min)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{
		RateLimitApiGlobal:   "100-M", // Generous User Limit
		RateLimitApiPublic:   "1-M",   // Strict IP Limit
		RateLimitApiRooms:    "10-M",
		RateLimitApiMessages: "10-M",
		RateLimitWsIp:        "10-M",
		RateLimitWsUser:      "10-M",
	}
	mockValidator := &MockValidator{
		ValidateTokenFunc: func(tokenString string) (*auth.CustomClaims, error) {
			token, _, err := jwt.NewParser().ParseUnverified(tokenString, &auth.CustomClaims{})
			if err != nil {
				return nil, err
			}
			claims, ok := token.Claims.(*auth.CustomClaims)
			if !ok {
				return nil, err
			}
			return claims, nil
		},
	}
	rl, err := NewRateLimiter(cfg, rc, mockValidator)
	require.NoError(t, err)

	// Create valid token
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		},
		Name: "Test User",
	})
	tokenString, err := token.SignedString([]byte("test")) // Secret doesn't matter, parsed unverified
	require.NoError(t, err)

	r := gin.New()
	r.Use(rl.GlobalMiddleware()) // RL resolves identity on its own, no Auth middleware needed first
	r.GET("/test-bypass", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Request 1: consumes the User limit (100/min)
	req1, _ := http.NewRequest("GET", "/test-bypass", nil)
	req1.Header.Set("Authorization", "Bearer "+tokenString)
	resp1 := httptest.NewRecorder()
	r.ServeHTTP(resp1, req1)
	assert.Equal(t, http.StatusOK, resp1.Code, "Request 1 should pass")

	// Request 2: should also pass since it uses the generous User limit,
	// not the strict IP limit.
	req2, _ := http.NewRequest("GET", "/test-bypass", nil)
	req2.Header.Set("Authorization", "Bearer "+tokenString)
	resp2 := httptest.NewRecorder()
	r.ServeHTTP(resp2, req2)
	assert.Equal(t, http.StatusOK, resp2.Code, "Request 2 should pass (User limit), not fall back to IP limit")
}

func TestCheckSessionMessage(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
		MessagesPerSecond:    3,
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, rl.CheckSessionMessage(ctx, "sess-1"))
	}
	assert.False(t, rl.CheckSessionMessage(ctx, "sess-1"))

	// A different session has its own bucket.
	assert.True(t, rl.CheckSessionMessage(ctx, "sess-2"))
}

func TestCheckRoomCreation(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
		RoomCreationsPerHr:   2,
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, rl.CheckRoomCreation(ctx, "1.2.3.4"))
	assert.True(t, rl.CheckRoomCreation(ctx, "1.2.3.4"))
	assert.False(t, rl.CheckRoomCreation(ctx, "1.2.3.4"))
}

func TestStartStopSweep(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	rl.StartSweep(5*time.Minute, 2*time.Hour)
	rl.Stop()
}

func TestSweepIdleEvictsStaleBuckets(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	ctx := context.Background()
	rl.CheckSessionMessage(ctx, "sess-stale")
	rl.CheckRoomCreation(ctx, "9.9.9.9")

	// Backdate the bookkeeping so it looks idle past its TTL, rather than
	// sleeping in the test.
	rl.seenMu.Lock()
	rl.sessionSeen["sess-stale"] = time.Now().Add(-10 * time.Minute)
	rl.ipSeen["9.9.9.9"] = time.Now().Add(-3 * time.Hour)
	rl.seenMu.Unlock()

	// A fresh session/IP recorded just now must survive the sweep.
	rl.CheckSessionMessage(ctx, "sess-fresh")
	rl.CheckRoomCreation(ctx, "1.1.1.1")

	evictedSessions, evictedIPs := rl.sweepIdle(5*time.Minute, 2*time.Hour)
	assert.Equal(t, 1, evictedSessions)
	assert.Equal(t, 1, evictedIPs)

	rl.seenMu.Lock()
	_, staleStillPresent := rl.sessionSeen["sess-stale"]
	_, freshStillPresent := rl.sessionSeen["sess-fresh"]
	_, staleIPStillPresent := rl.ipSeen["9.9.9.9"]
	_, freshIPStillPresent := rl.ipSeen["1.1.1.1"]
	rl.seenMu.Unlock()

	assert.False(t, staleStillPresent)
	assert.True(t, freshStillPresent)
	assert.False(t, staleIPStillPresent)
	assert.True(t, freshIPStillPresent)
}

func TestStartSweepEvictsOnTicker(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	ctx := context.Background()
	rl.CheckSessionMessage(ctx, "sess-ticker")

	rl.seenMu.Lock()
	rl.sessionSeen["sess-ticker"] = time.Now().Add(-time.Hour)
	rl.seenMu.Unlock()

	// Use a short sweep interval and a short TTL so the background
	// goroutine performs a real eviction within the test's lifetime.
	rl.startSweep(10*time.Millisecond, time.Hour, 5*time.Millisecond)
	defer rl.Stop()

	require.Eventually(t, func() bool {
		rl.seenMu.Lock()
		defer rl.seenMu.Unlock()
		_, present := rl.sessionSeen["sess-ticker"]
		return !present
	}, time.Second, 10*time.Millisecond, "sweep never evicted the stale session bucket")
}

func TestCheckSessionMessage_AuditsOnExceeded(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
		MessagesPerSecond:    1,
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	sink := &recordingSink{}
	rl.SetAuditSink(sink)

	ctx := context.Background()
	assert.True(t, rl.CheckSessionMessage(ctx, "sess-1"))
	assert.False(t, rl.CheckSessionMessage(ctx, "sess-1"))

	require.Len(t, sink.events, 1)
	assert.Equal(t, types.EventRateLimitExceeded, sink.events[0].EventType)
	assert.Equal(t, types.SessionID("sess-1"), sink.events[0].SessionID)
}

func TestCheckRoomCreation_AuditsOnExceeded(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "5-M",
		RoomCreationsPerHr:   1,
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	sink := &recordingSink{}
	rl.SetAuditSink(sink)

	ctx := context.Background()
	assert.True(t, rl.CheckRoomCreation(ctx, "1.2.3.4"))
	assert.False(t, rl.CheckRoomCreation(ctx, "1.2.3.4"))

	require.Len(t, sink.events, 1)
	assert.Equal(t, types.EventRateLimitExceeded, sink.events[0].EventType)
	assert.Equal(t, "1.2.3.4", sink.events[0].IPAddress)
}

func TestCheckWebSocketUser_AuditsOnExceeded(t *testing.T) {
	cfg := &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiRooms:    "5-M",
		RateLimitApiMessages: "5-M",
		RateLimitWsIp:        "5-M",
		RateLimitWsUser:      "1-M",
	}
	rl, err := NewRateLimiter(cfg, nil, &MockValidator{})
	require.NoError(t, err)

	sink := &recordingSink{}
	rl.SetAuditSink(sink)

	ctx := context.Background()
	require.NoError(t, rl.CheckWebSocketUser(ctx, "user-1"))
	err = rl.CheckWebSocketUser(ctx, "user-1")
	assert.Error(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, types.EventRateLimitExceeded, sink.events[0].EventType)
	assert.Equal(t, types.Username("user-1"), sink.events[0].Username)
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/config"
	"github.com/iliyamo/ticket-saga/internal/repository"
	"github.com/iliyamo/ticket-saga/internal/ticket"
	"github.com/iliyamo/ticket-saga/internal/utils"
)

const secret = "test-secret"

func token(t *testing.T, user, role string) utils.AccessToken {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, user, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func whoami(c echo.Context) error {
	id, _ := TokenID(c)
	return c.JSON(http.StatusOK, echo.Map{"user": UserID(c), "role": Role(c), "jti": id})
}

func do(e *echo.Echo, method, path, bearer string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	list := ticket.NewBlocklist(repository.NewMemoryKV())
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret, list))

	rec := do(e, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"UNAUTHORIZED"`)

	good := token(t, "u1", "CUSTOMER")
	rec = do(e, http.MethodGet, "/me", good.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":"u1"`)
	assert.Contains(t, rec.Body.String(), `"jti":"`+good.ID+`"`)

	forged, err := utils.NewAccessToken("other-secret", "u1", "ADMIN", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/me", forged.Token, nil).Code)

	require.NoError(t, list.Revoke(context.Background(), good.ID, good.Exp))
	rec = do(e, http.MethodGet, "/me", good.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")
}

func TestJWTAuthRequiresExpiry(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret, nil))

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "role": "ADMIN"}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/me", raw, nil).Code)
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/staff", whoami, JWTAuth(secret, nil), RequireRole("STAFF", "ADMIN"))

	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/staff", token(t, "u1", "CUSTOMER").Token, nil).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/staff", token(t, "s1", "STAFF").Token, nil).Code)
}

func TestTokenBucketFallsBackToLocal(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Hour,
		TTL:            time.Hour,
		KeyStrategy:    "ip",
		Prefix:         "rl",
	}
	// nothing listens on port 1, so every script call fails
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	for name, client := range map[string]*redis.Client{"no redis": nil, "redis down": rdb} {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, NewTokenBucket(cfg, client, zap.NewNop()))

			assert.Equal(t, http.StatusNoContent, do(e, http.MethodGet, "/x", "", nil).Code)
			assert.Equal(t, http.StatusNoContent, do(e, http.MethodGet, "/x", "", nil).Code)
			rec := do(e, http.MethodGet, "/x", "", nil)
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		})
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		NewTokenBucket(config.RateLimitConfig{Capacity: 1}, nil, zap.NewNop()))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, do(e, http.MethodGet, "/x", "", nil).Code)
	}
}

func TestIdempotentReplay(t *testing.T) {
	var calls atomic.Int32
	e := echo.New()
	g := e.Group("", JWTAuth(secret, nil), IdempotentReplay(repository.NewMemoryKV(), time.Hour, zap.NewNop()))
	g.POST("/orders", func(c echo.Context) error {
		n := calls.Add(1)
		c.Response().Header().Set("X-Call", string(rune('0'+n)))
		return c.JSON(http.StatusCreated, echo.Map{"call": n})
	})

	alice := token(t, "alice", "CUSTOMER").Token
	bob := token(t, "bob", "CUSTOMER").Token
	key := map[string]string{HeaderIdempotencyKey: "k1"}

	first := do(e, http.MethodPost, "/orders", alice, key)
	require.Equal(t, http.StatusCreated, first.Code)

	again := do(e, http.MethodPost, "/orders", alice, key)
	assert.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, first.Body.String(), again.Body.String())
	assert.Equal(t, "true", again.Header().Get(HeaderReplayed))
	assert.Equal(t, "1", again.Header().Get("X-Call"))
	assert.EqualValues(t, 1, calls.Load())

	other := do(e, http.MethodPost, "/orders", bob, key)
	assert.Empty(t, other.Header().Get(HeaderReplayed), "keys are scoped per user")
	assert.EqualValues(t, 2, calls.Load())

	do(e, http.MethodPost, "/orders", alice, nil)
	assert.EqualValues(t, 3, calls.Load(), "requests without a key always run")
}

func TestIdempotentReplaySkipsFailures(t *testing.T) {
	var calls atomic.Int32
	e := echo.New()
	g := e.Group("", JWTAuth(secret, nil), IdempotentReplay(repository.NewMemoryKV(), time.Hour, zap.NewNop()))
	g.POST("/pay", func(c echo.Context) error {
		calls.Add(1)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"success": false})
	})

	tok := token(t, "alice", "CUSTOMER").Token
	key := map[string]string{HeaderIdempotencyKey: "k1"}
	do(e, http.MethodPost, "/pay", tok, key)
	do(e, http.MethodPost, "/pay", tok, key)
	assert.EqualValues(t, 2, calls.Load())
}

func TestIdempotentReplayRejectsConcurrentRetry(t *testing.T) {
	kv := repository.NewMemoryKV()
	entered := make(chan struct{})
	release := make(chan struct{})
	e := echo.New()
	g := e.Group("", JWTAuth(secret, nil), IdempotentReplay(kv, time.Hour, zap.NewNop()))
	g.POST("/slow", func(c echo.Context) error {
		close(entered)
		<-release
		return c.NoContent(http.StatusNoContent)
	})

	tok := token(t, "alice", "CUSTOMER").Token
	key := map[string]string{HeaderIdempotencyKey: "k1"}
	done := make(chan int)
	go func() { done <- do(e, http.MethodPost, "/slow", tok, key).Code }()
	<-entered

	rec := do(e, http.MethodPost, "/slow", tok, key)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "REQUEST_IN_PROGRESS")

	close(release)
	assert.Equal(t, http.StatusNoContent, <-done)
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	e := echo.New()
	e.Use(RequestLogger(zap.NewNop()))
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot, "nope") })

	assert.Equal(t, http.StatusTeapot, do(e, http.MethodGet, "/boom", "", nil).Code)
}

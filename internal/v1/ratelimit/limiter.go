// Package ratelimit wraps ulule/limiter with the service's request tiers: a
// global per-caller API limit, tighter limits for the auth and room surfaces,
// and a per-IP cap on WebSocket upgrades. Limits live in Redis when it is
// available so they hold across replicas, and fall back to process memory
// otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/auth"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/config"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/metrics"
)

// Limiter bundles the per-tier limiter instances. All tiers share one store.
type Limiter struct {
	apiGlobal *limiter.Limiter
	apiAuth   *limiter.Limiter
	apiRooms  *limiter.Limiter
	wsIP      *limiter.Limiter
}

// New builds the limiter tiers from the configured "count-period" rates
// (ulule formatted, e.g. "100-M"). A nil redisClient selects the in-memory
// store.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	globalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid global API rate: %w", err)
	}
	authRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiAuth)
	if err != nil {
		return nil, fmt.Errorf("invalid auth API rate: %w", err)
	}
	roomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid rooms API rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store")
	}

	return &Limiter{
		apiGlobal: limiter.New(store, globalRate),
		apiAuth:   limiter.New(store, authRate),
		apiRooms:  limiter.New(store, roomsRate),
		wsIP:      limiter.New(store, wsIPRate),
	}, nil
}

// Global enforces the blanket API limit, keyed by the authenticated subject
// when auth middleware already ran and by client IP otherwise.
func (l *Limiter) Global() gin.HandlerFunc {
	return func(c *gin.Context) {
		l.enforce(c, l.apiGlobal, "api_global", callerKey(c))
	}
}

// For returns route-group middleware for a named tier. Unknown tiers get the
// global limit rather than no limit.
func (l *Limiter) For(scope string) gin.HandlerFunc {
	var lim *limiter.Limiter
	switch scope {
	case "auth":
		lim = l.apiAuth
	case "rooms":
		lim = l.apiRooms
	default:
		lim = l.apiGlobal
	}
	return func(c *gin.Context) {
		l.enforce(c, lim, "api_"+scope, callerKey(c))
	}
}

// CheckWebSocket applies the per-IP upgrade limit. It runs before the token
// is even read so a flood of bad handshakes costs nothing downstream. On
// refusal the 429 is already written and false returned.
func (l *Limiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	res, err := l.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		// Fail open: a broken limiter store must not take the service down.
		logging.Error(ctx, "rate limiter store failed", zap.String("scope", "websocket_connect"), zap.Error(err))
		return true
	}

	if res.Reached {
		metrics.RateLimitRejections.WithLabelValues("websocket_connect").Inc()
		c.Header("Retry-After", retryAfter(res.Reset))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connection attempts from this IP"})
		return false
	}
	return true
}

// enforce runs one limiter check and either passes the request through with
// the X-RateLimit-* headers set or aborts it with a 429.
func (l *Limiter) enforce(c *gin.Context, lim *limiter.Limiter, scope, key string) {
	ctx := c.Request.Context()

	res, err := lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("scope", scope), zap.Error(err))
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

	if res.Reached {
		metrics.RateLimitRejections.WithLabelValues(scope).Inc()
		c.Header("Retry-After", retryAfter(res.Reset))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many requests",
			"retry_after": res.Reset,
		})
		return
	}
	c.Next()
}

// callerKey prefers the authenticated subject so a busy office NAT does not
// starve its users; unauthenticated traffic is keyed by IP.
func callerKey(c *gin.Context) string {
	if v, ok := c.Get("claims"); ok {
		if claims, ok := v.(*auth.Claims); ok && claims.Subject != "" {
			return claims.Subject
		}
	}
	return c.ClientIP()
}

func retryAfter(reset int64) string {
	secs := reset - time.Now().Unix()
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

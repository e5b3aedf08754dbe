package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/quillforge/quillforge/internal/authctx"
	"github.com/quillforge/quillforge/internal/config"
	"go.uber.org/zap"
)

// RequestLogger logs each request with correlation identifiers and safe fields.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.String("error", lastErr.Err.Error()))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader("X-Request-Id"))
	if requestID == "" {
		requestID = ulid.Make().String()
	}
	c.Header("X-Request-Id", requestID)
	c.Set("request_id", requestID)
	return requestID
}

// ResolveCapability turns trusted identity headers into the actor and
// capability the ledger checks. The identity gateway in front of this service
// authenticates callers; this layer only maps its verdict.
func ResolveCapability(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		email := strings.TrimSpace(c.GetHeader("X-Actor-Email"))
		actor := authctx.Actor{Email: email}
		if userID := authctx.ParseUserID(c.GetHeader("X-Actor-Id")); userID != nil {
			actor.UserID = *userID
		}
		ctx = authctx.WithActor(ctx, actor)

		ctx = authctx.WithCapability(ctx, authctx.Capability{
			BypassCharge: cfg.Admin.FreeBypass && cfg.Admin.IsAdminEmail(email),
		})

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

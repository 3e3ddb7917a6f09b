package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campushub/reminder-service/internal/auth"
	"github.com/campushub/reminder-service/internal/config"
	"github.com/campushub/reminder-service/internal/handlers"
	"github.com/campushub/reminder-service/internal/idempotency"
	"github.com/campushub/reminder-service/internal/problem"
	"github.com/campushub/reminder-service/internal/store"
)

// RequestID stamps every request with a trace identifier, echoed in the
// X-Request-ID response header and attached to problem bodies. An inbound
// X-Request-ID is honored so traces survive gateway hops.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(problem.TraceIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// NewRouter wires public endpoints and the versioned API.
// Public: /health, /ready, /metrics
// Versioned (bearer identity): /{api.version}/reminders
func NewRouter(cfg config.Config, st *store.PostgresStore, guard *idempotency.Guard, pub handlers.Publisher, log *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), RequestID())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB and broker dependencies are reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		if b, ok := pub.(interface{ Alive() bool }); ok && !b.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "broker connection closed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The route tree is fixed at startup from the configured version.
	api := r.Group("/" + cfg.API.Version + "/reminders")
	api.Use(auth.BearerMiddleware())
	handlers.RegisterReminderRoutes(api, st, guard, pub, log)

	return r
}

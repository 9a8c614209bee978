// Package api wires the HTTP surface of the backup service.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/api/handlers"
	"github.com/stashguard/stashguard/internal/backup"
	"github.com/stashguard/stashguard/internal/db"
)

// Services bundles everything the router serves.
type Services struct {
	Store     *db.Store
	Executor  *backup.Executor
	Verifier  *backup.Verifier
	Progress  *backup.FanoutSink
	Registry  *prometheus.Registry
	BackupDir string
	Logger    zerolog.Logger
}

// NewRouter builds the gin engine with all routes registered under /api/v1.
func NewRouter(s Services) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		if err := s.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	handlers.NewBackupsHandler(s.Store, s.Executor, s.BackupDir, s.Logger).RegisterRoutes(v1)
	handlers.NewSchedulesHandler(s.Store, s.Logger).RegisterRoutes(v1)
	handlers.NewRestorePointsHandler(s.Store, s.Logger).RegisterRoutes(v1)
	handlers.NewLogsHandler(s.Store, s.Logger).RegisterRoutes(v1)
	handlers.NewVerificationsHandler(s.Verifier, s.Logger).RegisterRoutes(v1)
	if s.Progress != nil {
		handlers.NewProgressHandler(s.Progress, s.Logger).RegisterRoutes(v1)
	}

	return r
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error().
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Int("status", c.Writer.Status()).
				Msg("request failed")
		}
	}
}

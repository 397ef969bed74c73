package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/edgecam/edgecam/internal/app"
	"github.com/edgecam/edgecam/internal/app/orch"
	"github.com/edgecam/edgecam/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const snapshotTimeout = 2 * time.Second

// StatusSource is the read side of the session manager.
type StatusSource interface {
	Snapshot(ctx context.Context) (orch.Snapshot, error)
}

type sessionsResponse struct {
	DeviceID string `json:"device_id"`
	orch.Snapshot
}

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, status StatusSource) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/sessions", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
		defer cancel()

		snap, err := status.Snapshot(ctx)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, orch.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
				code = http.StatusServiceUnavailable
			}
			log.Error().Err(err).
				Str("module", "adapters.http").
				Str("request_id", c.GetString("request_id")).
				Msg("session snapshot")
			c.JSON(code, gin.H{"error": err.Error()})
			return
		}
		if snap.Sessions == nil {
			snap.Sessions = []app.SessionInfo{}
		}
		c.JSON(http.StatusOK, sessionsResponse{DeviceID: cfg.DeviceID, Snapshot: snap})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

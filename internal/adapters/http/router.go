package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dkeye/TutorRTC/internal/adapters/signal"
	"github.com/dkeye/TutorRTC/internal/app"
	"github.com/dkeye/TutorRTC/internal/app/orch"
	"github.com/dkeye/TutorRTC/internal/config"
	"github.com/dkeye/TutorRTC/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Config   *config.Config
	Registry *app.Registry
	Mux      *orch.Mux
	Signal   *signal.SignalWSController
	Metrics  *metrics.Metrics
}

// BearerAuth guards the admin API. An empty secret disables the check.
func BearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	cfg := d.Config
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{cfg: cfg, registry: d.Registry, mux: d.Mux}
	r.GET("/health", h.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	v1 := r.Group("/v1", BearerAuth(cfg.Secret))
	v1.POST("/sessions", h.createSession)
	v1.GET("/sessions", h.listSessions)
	v1.GET("/sessions/:id", h.getSession)
	v1.DELETE("/sessions/:id", h.deleteSession)

	ws := func(c *gin.Context) {
		d.Signal.HandleSignal(ctx, c)
	}
	r.GET("/ws/:connection_id", ws)
	r.GET("/ws/ws/:connection_id", ws)

	return r
}

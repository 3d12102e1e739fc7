package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/adapters/signal"
	"github.com/dkeye/Whiteboard/internal/app/orch"
	"github.com/dkeye/Whiteboard/internal/config"
	"github.com/dkeye/Whiteboard/internal/core"
)

const clientTokenCookie = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware hands every caller a stable anonymous identity.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, o *orch.Orchestrator, store core.Store, ws *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("WhiteboardSessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	h := &handlers{orch: o, store: store}

	r.GET("/health", h.health)
	r.GET("/whiteboard/:roomId", ws.HandleWhiteboard)

	api := r.Group("/api")
	api.GET("/stats", h.stats)
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms/:id", h.getRoom)
	api.GET("/rooms/:id/canvas", h.getCanvas)
	api.PUT("/rooms/:id/canvas", h.putCanvas)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

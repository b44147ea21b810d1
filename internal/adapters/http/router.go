package http

import (
	"context"

	"github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/config"
	"github.com/dkeye/televisit/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenKey    = "client_token"
	clientTokenHeader = "X-Client-Token"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware pins a token to the browser session. Headless peers
// without a cookie jar may send their own in X-Client-Token.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(clientTokenHeader)
		if token == "" {
			s := sessions.Default(c)
			token, _ = s.Get(clientTokenKey).(string)
			if token == "" {
				token = genClientToken()
				s.Set(clientTokenKey, token)
				if err := s.Save(); err != nil {
					log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
				}
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ch core.Channel, srv *signal.Server) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("TelevisitSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	h := &handlers{ch: ch, srv: srv}
	api := r.Group("/api")

	api.GET("/health", h.health)
	api.GET("/sessions/:id", h.getSession)
	api.POST("/sessions/:id/end", h.endSession)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		srv.HandleSignal(ctx, c)
	})

	return r
}

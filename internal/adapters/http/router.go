// Package http wires the gin surface: the websocket endpoint, the REST
// collaborators around the room core and the metrics exposition.
package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/allov/coedit/internal/adapters/signal"
	"github.com/allov/coedit/internal/config"
)

// ClientTokenMiddleware hands every browser a stable token cookie. The
// websocket layer assigns its own connection ids; the token only ties
// HTTP requests from the same browser together.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller, h *Handlers) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CoeditSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		ctl.Handle(ctx, c)
	})

	api.POST("/login", h.Login)
	api.POST("/logout", h.Logout)
	api.GET("/projects", h.ListProjects)
	api.POST("/projects/save", h.SaveProject)
	api.GET("/rooms", h.ListRooms)
	api.POST("/rooms/join-active", h.JoinActive)
	api.POST("/rooms/invite", h.Invite)
	api.POST("/rooms/evict", h.Evict)
	api.POST("/rooms/move", h.MoveToRole)
	api.POST("/rooms/clone-role", h.CloneRole)
	api.DELETE("/rooms/role", h.DeleteRole)
	api.POST("/rooms/fork", h.Fork)

	return r
}

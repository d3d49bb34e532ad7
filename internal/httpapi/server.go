// Package httpapi exposes the messaging service over HTTP with gin: the
// authenticated REST endpoints, the live-channel upgrade and the
// operational endpoints.
package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/horizon/dm-app/internal/auth"
	"github.com/horizon/dm-app/internal/directory"
	"github.com/horizon/dm-app/internal/dm"
	"github.com/horizon/dm-app/internal/metrics"
	"github.com/horizon/dm-app/internal/ws"
)

// Deps are the collaborators of the HTTP layer. ConnLimiter is optional.
type Deps struct {
	Service     *dm.Service
	Auth        *auth.Authenticator
	WS          *ws.Server
	Index       *directory.Index
	ConnLimiter dm.Limiter
	CORSOrigins []string
	Production  bool
}

// Server serves the HTTP API over its Deps.
type Server struct {
	Deps
	startedAt time.Time
}

// New creates a Server. Call Router to obtain the handler.
func New(deps Deps) *Server {
	return &Server{Deps: deps, startedAt: time.Now()}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	if s.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	r.Use(gin.Recovery())
	r.Use(cors.New(s.corsConfig()))

	s.defineRoutes(r)
	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.CORSOrigins) == 0 || (len(s.CORSOrigins) == 1 && s.CORSOrigins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.CORSOrigins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (s *Server) defineRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth())
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", s.Authorize(), s.handleLiveChannel())

	api := router.Group("/api")
	api.Use(s.Authorize())
	api.POST("/messages", s.handleSendMessage())
	api.GET("/messages/unread", s.handleUnreadCounts())
	api.GET("/messages/:peer_id", s.handleGetHistory())
	api.POST("/messages/:peer_id/read", s.handleMarkRead())
	api.GET("/users/search", s.handleSearchUsers())
	api.GET("/users/:id/presence", s.handlePresence())
}

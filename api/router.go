package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feldboy/roncrm1-sub000/logging"
)

// NewRouter builds the gin engine with all routes registered.
func NewRouter(a *API) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.log))

	r.GET("/healthz", a.Healthz)

	v1 := r.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.GET("", a.ListAgents)
			agents.GET("/:id/health", a.GetAgentHealth)
			agents.POST("/:id/restart", a.RestartAgent)
		}
		v1.POST("/scale", a.ScaleAgents)
		v1.POST("/tasks", a.SubmitTask)
		v1.GET("/stats", a.GetStats)
		v1.GET("/bus/stats", a.GetBusStats)
		v1.GET("/status", a.GetSystemStatus)
	}
	return r
}

func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.WithFields(logging.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	}
}

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	srv *http.Server
	log *logging.Logger
}

// NewServer binds the API to an address.
func NewServer(addr string, a *API) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(a),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: a.log,
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.srv.Addr).Info("api listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

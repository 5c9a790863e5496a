package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/httpmw"
	"github.com/kandev/taskforge/internal/common/logger"
)

// Views supplies the read-only JSON list/status endpoints. Each function is
// called fresh per request; the hub never caches registry contents.
type Views struct {
	Status       func(ctx context.Context) (interface{}, error)
	Repositories func(ctx context.Context) (interface{}, error)
	Tasks        func(ctx context.Context) (interface{}, error)
	Containers   func(ctx context.Context) (interface{}, error)
	Diffs        func(ctx context.Context) (interface{}, error)
}

// Server is the Streaming Hub's HTTP surface: GET /stream (SSE), GET /status,
// and GET /api/{repositories,tasks,containers,diffs}. CORS is permissive.
type Server struct {
	hub        *Hub
	views      Views
	log        *logger.Logger
	httpServer *http.Server
	port       int
}

// NewServer builds a Server bound to the given port, backed by hub and views.
func NewServer(hub *Hub, views Views, port int, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("taskforge-stream"))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
	}))

	s := &Server{hub: hub, views: views, log: log, port: port}

	router.GET("/stream", s.handleStream)
	router.GET("/status", s.handleStatus)
	router.GET("/api/repositories", s.handleList(func(ctx context.Context) (interface{}, error) { return views.Repositories(ctx) }))
	router.GET("/api/tasks", s.handleList(func(ctx context.Context) (interface{}, error) { return views.Tasks(ctx) }))
	router.GET("/api/containers", s.handleList(func(ctx context.Context) (interface{}, error) { return views.Containers(ctx) }))
	router.GET("/api/diffs", s.handleList(func(ctx context.Context) (interface{}, error) { return views.Diffs(ctx) }))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the hub's dispatch loop and begins serving HTTP in the background.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		s.log.Info("streaming hub listening", zap.Int("port", s.port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("streaming hub server error", zap.Error(err))
		}
	}()
}

// Stop shuts down the HTTP server and the hub's dispatch loop.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStream(c *gin.Context) {
	cl := &client{id: uuid.New().String(), send: make(chan Event, 64)}
	s.hub.register <- cl
	defer func() { s.hub.unregister <- cl }()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	notify := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-notify:
			return false
		case ev, ok := <-cl.send:
			if !ok {
				return false
			}
			c.SSEvent("message", ev)
			return true
		}
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.views.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleList(fn func(ctx context.Context) (interface{}, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := fn(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

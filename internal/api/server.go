package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"broker-sync/internal/events"
	"broker-sync/internal/monitor"
	syncsvc "broker-sync/internal/sync"
	"broker-sync/pkg/db"
)

// Server wires the HTTP surface around the sync service.
type Server struct {
	Router    *gin.Engine
	Sync      *syncsvc.Service
	DB        *db.Queries
	Bus       *events.Bus
	Metrics   *monitor.SyncMetrics
	JWTSecret string
	Log       *zap.Logger
}

func NewServer(service *syncsvc.Service, queries *db.Queries, bus *events.Bus, metrics *monitor.SyncMetrics, jwtSecret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(log))
	r.Use(TimeoutMiddleware(60*time.Second, log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Sync:      service,
		DB:        queries,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.metricsSnapshot)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/journals", s.listJournals)
			protected.POST("/journals", s.createJournal)

			protected.POST("/journals/:id/sync", s.syncJournal)
			protected.GET("/journals/:id/broker", s.brokerStatus)
			protected.POST("/journals/:id/broker", s.linkBroker)
			protected.DELETE("/journals/:id/broker", s.unlinkBroker)

			protected.GET("/ws", s.websocket)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) metricsSnapshot(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

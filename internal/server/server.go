package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagestore/internal/batch"
	"imagestore/internal/cache"
	"imagestore/internal/events"
	"imagestore/internal/ingest"
	"imagestore/internal/models"
	"imagestore/internal/storage"
	"imagestore/internal/transform"
)

const apiPrefix = "/api/v1"

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Meta      storage.MetadataStore
	Blobs     storage.BlobStore
	Tracker   *batch.Tracker
	Worker    *ingest.Worker
	Runner    *ingest.Runner
	Engine    *transform.Engine
	Cache     cache.Cache
	Publisher events.Publisher
	Logger    *zap.Logger
}

type Server struct {
	cfg        *models.Config
	router     *gin.Engine
	httpServer *http.Server

	meta      storage.MetadataStore
	blobs     storage.BlobStore
	tracker   *batch.Tracker
	worker    *ingest.Worker
	runner    *ingest.Runner
	engine    *transform.Engine
	cache     cache.Cache
	publisher events.Publisher
	logger    *zap.Logger
}

func NewServer(cfg *models.Config, d Deps) *Server {
	r := gin.New()

	s := &Server{
		cfg:       cfg,
		router:    r,
		meta:      d.Meta,
		blobs:     d.Blobs,
		tracker:   d.Tracker,
		worker:    d.Worker,
		runner:    d.Runner,
		engine:    d.Engine,
		cache:     d.Cache,
		publisher: d.Publisher,
		logger:    d.Logger,
	}
	if s.cache == nil {
		s.cache = cache.NewMemory(cfg.CacheSize, cfg.CacheTTL)
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}

	r.Use(s.recovery(), s.requestLogger(), s.corsMiddleware())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)

	api := r.Group(apiPrefix, s.requireAPIKey())
	api.POST("/images/upload", s.handleUpload)
	api.POST("/images/batch-upload", s.handleBatchUpload)
	api.GET("/batch/:batch_id/progress", s.handleBatchProgress)
	api.GET("/images/batch/:batch_id/progress", s.handleBatchProgress)
	api.GET("/images", s.handleList)
	api.GET("/images/:uuid", s.handleGetImage)
	api.GET("/images/:uuid/info", s.handleInfo)
	api.DELETE("/images/batch", s.handleBatchDelete)
	api.DELETE("/images/:uuid", s.handleDeleteImage)

	r.NoRoute(func(c *gin.Context) {
		s.writeError(c, &models.ServiceError{
			Code:    "NOT_FOUND",
			Message: "Route not found",
			Details: c.Request.Method + " " + c.Request.URL.Path,
			Status:  http.StatusNotFound,
			Err:     models.ErrNotFound,
		})
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.ServerAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight handlers.
// Batches already handed to the runner keep going.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Accept", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.cfg.CORSOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.CORSOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Image Storage Service",
		"version": "1.0.0",
		"health":  "/health",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      timestamp(),
		"active_batches": s.runner.InFlight(),
		"tracked":        s.tracker.Len(),
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

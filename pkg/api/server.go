// Package api provides the admin HTTP API of the directory cache: health, cache
// administration, visit ingestion, preloading and entity reads and writes.
package api

import (
	"context"
	"encoding/json"
	stderr "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/localdir/dircache/internal/preload"
	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/health"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

// Session is the part of directory.CacheContext the API serves.
type Session interface {
	GetService(ctx context.Context, id string) (*types.Entity, error)
	ListServices(ctx context.Context, filter types.Filter, pageSize int) ([]types.Entity, error)
	SaveService(ctx context.Context, entity types.Entity) error
	DeleteService(ctx context.Context, id string) error
	TrackVisit(entityID, category string)
	GetPopularServices(limit int) []types.PopularEntity
	GetPopularInCategory(category string, limit int) []types.PopularEntity
	PreloadPopular(ctx context.Context, force bool) (preload.Report, error)
	PreloadCategory(ctx context.Context, category string, limit int) (preload.Report, error)
	PreloadProgress() types.PreloadProgress
	ClearAllCache() error
	CacheStats() types.CacheStats
}

// Server provides the admin HTTP endpoints
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	session    Session
	health     *health.Tracker
	metrics    http.Handler
	config     ServerConfig
	logger     *utils.StructuredLogger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// DefaultPageSize applies to /services when no limit is given
	DefaultPageSize int `yaml:"default_page_size" json:"default_page_size"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "localhost:8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		EnableCORS:      true,
		DefaultPageSize: 50,
	}
}

// NewServer creates a new API server. healthTracker and metricsHandler may be nil.
func NewServer(config ServerConfig, session Session, healthTracker *health.Tracker,
	metricsHandler http.Handler, logger *utils.StructuredLogger) *Server {
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = DefaultServerConfig().DefaultPageSize
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		session: session,
		health:  healthTracker,
		metrics: metricsHandler,
		config:  config,
		logger:  logger.WithComponent("api"),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.Handle(grpchealth.NewHandler(NewChecker(healthTracker)))
	reflector := grpcreflect.NewStaticReflector(grpchealth.HealthV1ServiceName)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))

	// Cache administration
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)

	// Popularity and preloading
	mux.HandleFunc("POST /visits", s.handleVisit)
	mux.HandleFunc("GET /popular", s.handlePopular)
	mux.HandleFunc("GET /preload", s.handlePreloadProgress)
	mux.HandleFunc("POST /preload", s.handlePreload)

	// Entities
	mux.HandleFunc("GET /services", s.handleListServices)
	mux.HandleFunc("GET /services/{id}", s.handleGetService)
	mux.HandleFunc("PUT /services/{id}", s.handlePutService)
	mux.HandleFunc("DELETE /services/{id}", s.handleDeleteService)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.HandleFunc("GET /info", s.handleInfo)

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	s.handler = h2c.NewHandler(handler, &http2.Server{})

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks
func (s *Server) Start() error {
	s.logger.Info("starting API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", map[string]interface{}{"error": err})
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": health.StateHealthy,
			"note":   "Health tracking not configured",
		})
		return
	}

	overall := s.health.GetOverallHealth()
	statusCode := http.StatusOK
	if overall == health.StateUnavailable {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":     overall,
		"timestamp":  time.Now(),
		"components": s.health.GetAllComponents(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := s.health == nil || s.health.GetOverallHealth() != health.StateUnavailable

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

// Cache handlers

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cache":   s.session.CacheStats(),
		"preload": s.session.PreloadProgress(),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ClearAllCache(); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": true,
		"cache":   s.session.CacheStats(),
	})
}

// Popularity handlers

type visitRequest struct {
	EntityID string `json:"entity_id"`
	Category string `json:"category,omitempty"`
}

func (s *Server) handleVisit(w http.ResponseWriter, r *http.Request) {
	var req visitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid visit body")
		return
	}
	if req.EntityID == "" {
		s.respondError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	s.session.TrackVisit(req.EntityID, req.Category)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	category := r.URL.Query().Get("category")

	var popular []types.PopularEntity
	if category != "" {
		popular = s.session.GetPopularInCategory(category, limit)
	} else {
		popular = s.session.GetPopularServices(limit)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"popular":  popular,
		"count":    len(popular),
		"category": category,
	})
}

func (s *Server) handlePreloadProgress(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.session.PreloadProgress())
}

// handlePreload runs a pass synchronously. ?category= warms one category, ?force=true
// bypasses the rate gate.
func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		report preload.Report
		err    error
	)
	if category := q.Get("category"); category != "" {
		report, err = s.session.PreloadCategory(r.Context(), category, queryInt(r, "limit", 0))
	} else {
		force, _ := strconv.ParseBool(q.Get("force"))
		report, err = s.session.PreloadPopular(r.Context(), force)
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"report":   report,
		"progress": s.session.PreloadProgress(),
	})
}

// Entity handlers

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.Filter{
		Category:     q.Get("category"),
		Query:        q.Get("q"),
		FeaturedOnly: queryBool(r, "featured"),
		ActiveOnly:   queryBool(r, "active"),
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if raw := q.Get("min_rating"); raw != "" {
		rating, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "min_rating must be a number")
			return
		}
		filter.MinRating = rating
	}

	entities, err := s.session.ListServices(r.Context(), filter, queryInt(r, "limit", s.config.DefaultPageSize))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"services": entities,
		"count":    len(entities),
	})
}

// handleGetService counts as a page view unless ?track=false.
func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	entity, err := s.session.GetService(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if track, err := strconv.ParseBool(r.URL.Query().Get("track")); err != nil || track {
		s.session.TrackVisit(entity.ID, entity.Category)
	}
	s.respondJSON(w, http.StatusOK, entity)
}

func (s *Server) handlePutService(w http.ResponseWriter, r *http.Request) {
	var entity types.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid entity body")
		return
	}
	id := r.PathValue("id")
	if entity.ID == "" {
		entity.ID = id
	}
	if entity.ID != id {
		s.respondError(w, http.StatusBadRequest, "entity id does not match path")
		return
	}
	if err := s.session.SaveService(r.Context(), entity); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entity)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.session.DeleteService(r.Context(), r.PathValue("id")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"/health",
		"/health/live",
		"/health/ready",
		"/" + grpchealth.HealthV1ServiceName + "/Check",
		"/cache/stats",
		"/cache/clear",
		"/visits",
		"/popular",
		"/preload",
		"/services",
		"/services/{id}",
		"/info",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "dircache admin API",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", map[string]interface{}{"error": err})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondErr maps a DirectoryError onto its HTTP status and user-facing message.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	var de *errors.DirectoryError
	if !stderr.As(err, &de) {
		s.logger.Error("request failed", map[string]interface{}{"error": err})
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := de.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		s.logger.Warn("request failed", map[string]interface{}{"error": err, "code": de.Code})
	}
	s.respondJSON(w, status, map[string]interface{}{
		"error":     de.UserFacingMessage(),
		"code":      de.Code,
		"degraded":  errors.IsDegraded(err),
		"timestamp": time.Now(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

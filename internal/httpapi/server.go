// Package httpapi exposes the discovery subsystem over HTTP for the
// host application.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/search"
	"github.com/fyrsmithlabs/inkdex/internal/services"
	"github.com/fyrsmithlabs/inkdex/internal/story"
)

// Server provides HTTP endpoints for inkdex.
type Server struct {
	echo     *echo.Echo
	registry services.Registry
	repo     *story.MemoryRepository
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server over the service registry. The
// repo receives entity snapshots from sync requests so search can
// hydrate results; it may be nil when the host hydrates elsewhere.
func NewServer(registry services.Registry, repo *story.MemoryRepository, logger *zap.Logger, cfg *Config) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("service registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9178,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		registry: registry,
		repo:     repo,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/search", s.handleSearch)
	v1.GET("/cache/stats", s.handleCacheStats)

	v1.POST("/sync/documents", s.handleSyncDocument)
	v1.POST("/sync/profiles", s.handleSyncProfile)
	v1.POST("/sync/references", s.handleSyncReference)
	v1.POST("/sync/projects", s.handleSyncProject)
	v1.POST("/reindex", s.handleReindex)
}

// SearchRequest is the request body for POST /api/v1/search.
type SearchRequest struct {
	Query       string   `json:"query"`
	ProjectID   string   `json:"project_id"`
	EntityTypes []string `json:"entity_types,omitempty"`
	MinScore    float64  `json:"min_score,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// SearchResponse is the response body for POST /api/v1/search.
type SearchResponse struct {
	Results []story.SearchResult `json:"results"`
	Count   int                  `json:"count"`
}

// ReindexRequest is the request body for POST /api/v1/reindex.
type ReindexRequest struct {
	Project    *story.Project     `json:"project,omitempty"`
	Documents  []*story.Document  `json:"documents,omitempty"`
	Profiles   []*story.Profile   `json:"profiles,omitempty"`
	References []*story.Reference `json:"references,omitempty"`
}

// ReindexResponse is the response body for POST /api/v1/reindex.
type ReindexResponse struct {
	UnitsIndexed int `json:"units_indexed"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// AcceptedResponse acknowledges a scheduled sync job.
type AcceptedResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id field is required")
	}

	filters := search.Filters{
		MinScore: req.MinScore,
		Limit:    req.Limit,
	}
	for _, t := range req.EntityTypes {
		et := story.EntityType(t)
		if !et.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", t))
		}
		filters.EntityTypes = append(filters.EntityTypes, et)
	}

	results, err := s.registry.Search().Search(c.Request().Context(), req.Query, req.ProjectID, filters)
	if err != nil {
		s.logger.Error("search failed",
			zap.String("project_id", req.ProjectID),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	return c.JSON(http.StatusOK, SearchResponse{Results: results, Count: len(results)})
}

func (s *Server) handleCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Cache().Stats())
}

func (s *Server) handleSyncDocument(c echo.Context) error {
	var doc story.Document
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if doc.ID == "" || doc.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and project_id fields are required")
	}
	if s.repo != nil {
		s.repo.PutDocument(&doc)
	}
	s.registry.Syncer().SyncDocument(&doc)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "scheduled"})
}

func (s *Server) handleSyncProfile(c echo.Context) error {
	var profile story.Profile
	if err := c.Bind(&profile); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if profile.ID == "" || profile.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and project_id fields are required")
	}
	if s.repo != nil {
		s.repo.PutProfile(&profile)
	}
	s.registry.Syncer().SyncProfile(&profile)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "scheduled"})
}

func (s *Server) handleSyncReference(c echo.Context) error {
	var ref story.Reference
	if err := c.Bind(&ref); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if ref.ID == "" || ref.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and project_id fields are required")
	}
	if s.repo != nil {
		s.repo.PutReference(&ref)
	}
	s.registry.Syncer().SyncReference(&ref)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "scheduled"})
}

func (s *Server) handleSyncProject(c echo.Context) error {
	var project story.Project
	if err := c.Bind(&project); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if project.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id field is required")
	}
	if s.repo != nil {
		s.repo.PutProject(&project)
	}
	s.registry.Syncer().SyncProject(&project)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "scheduled"})
}

func (s *Server) handleReindex(c echo.Context) error {
	var req ReindexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if s.repo != nil {
		if req.Project != nil {
			s.repo.PutProject(req.Project)
		}
		for _, d := range req.Documents {
			s.repo.PutDocument(d)
		}
		for _, p := range req.Profiles {
			s.repo.PutProfile(p)
		}
		for _, r := range req.References {
			s.repo.PutReference(r)
		}
	}

	indexed, err := s.registry.Syncer().ReindexProject(c.Request().Context(), req.Project, req.Documents, req.Profiles, req.References)
	if err != nil {
		s.logger.Error("reindex failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reindex failed")
	}

	return c.JSON(http.StatusOK, ReindexResponse{UnitsIndexed: indexed})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

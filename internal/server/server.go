package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/config"
	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/scheduler"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
)

// UserIDHeader carries the tenant user the request acts for.
const UserIDHeader = "X-User-ID"

// Connector creates accounts through a platform login.
type Connector interface {
	Connect(ctx context.Context, ownerUserID, platformID string, creds publisher.Credentials) (*models.PlatformAccount, error)
}

type Server struct {
	Config *config.Config
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	Components *Components
	Scheduler  *scheduler.Scheduler
	Connector  Connector
	Inbox      *session.CookieInbox
	Auth       *service.AuthService
	Registry   *prometheus.Registry
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	c, err := BuildComponents(cfg, logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		Config:     cfg,
		Router:     gin.New(),
		Logger:     logger,
		Components: c,
		Scheduler:  c.Scheduler,
		Connector:  c.Connector,
		Inbox:      c.Inbox,
		Auth:       c.Auth,
		Registry:   c.Registry,
	}
	srv.setupMiddleware()
	srv.setupRoutes()
	return srv, nil
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())

	s.Router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	})

	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+UserIDHeader+", "+service.TOTPHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"time":              time.Now().Unix(),
			"executing_batches": len(s.Scheduler.ExecutingBatches()),
		})
	})

	if s.Config.Metrics.Enabled && s.Registry != nil {
		s.Router.GET(s.Config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api/v1")
	if s.Auth != nil {
		api.Use(s.Auth.AuthMiddleware())
	}
	{
		batches := api.Group("/batches")
		{
			batches.POST("", s.requireUser, s.handleSubmitBatch)
			batches.GET("", s.requireUser, s.handleExecutingBatches)
			batches.GET("/:id", s.requireUser, s.requireBatchOwner, s.handleBatchInfo)
			batches.POST("/:id/stop", s.requireUser, s.requireBatchOwner, s.handleStopBatch)
			batches.DELETE("/:id", s.requireUser, s.requireBatchOwner, s.handleDeleteBatch)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("", s.requireUser, s.handleSubmitTask)
			tasks.GET("/:id", s.requireUser, s.handleGetTask)
		}

		api.POST("/accounts/connect", s.requireUser, s.handleConnectAccount)
		api.POST("/sessions/:platform/login", s.requireUser, s.handleDeliverLogin)
	}
}

func (s *Server) requireUser(c *gin.Context) {
	if c.GetHeader(UserIDHeader) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": UserIDHeader + " header is required"})
		return
	}
	c.Next()
}

func (s *Server) requireBatchOwner(c *gin.Context) {
	if err := s.Scheduler.CheckBatchOwner(c.Request.Context(), c.GetHeader(UserIDHeader), c.Param("id")); err != nil {
		s.writeError(c, err, "Failed to get batch")
		c.Abort()
		return
	}
	c.Next()
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, publisher.ErrRequiresManualLogin), errors.Is(err, publisher.ErrVerificationTimeout):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.Logger.Error(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg, "details": err.Error()})
}

func (s *Server) handleSubmitBatch(c *gin.Context) {
	var req scheduler.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	req.OwnerUserID = c.GetHeader(UserIDHeader)

	batchID, err := s.Scheduler.SubmitBatch(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err, "Failed to submit batch")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"batch_id": batchID, "tasks": len(req.ArticleIDs)})
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req scheduler.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	req.OwnerUserID = c.GetHeader(UserIDHeader)

	task, err := s.Scheduler.SubmitTask(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err, "Failed to submit task")
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.Scheduler.GetTaskStatus(c.Request.Context(), c.Param("id"))
	if err == nil && task.OwnerUserID != c.GetHeader(UserIDHeader) {
		err = fmt.Errorf("task %s: %w", task.ID, store.ErrNotFound)
	}
	if err != nil {
		s.writeError(c, err, "Failed to get task")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleBatchInfo(c *gin.Context) {
	info, err := s.Scheduler.BatchInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "Failed to get batch")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleExecutingBatches(c *gin.Context) {
	ids, err := s.Scheduler.OwnedExecutingBatches(c.Request.Context(), c.GetHeader(UserIDHeader))
	if err != nil {
		s.writeError(c, err, "Failed to list batches")
		return
	}
	c.JSON(http.StatusOK, gin.H{"executing": ids})
}

func (s *Server) handleStopBatch(c *gin.Context) {
	n, err := s.Scheduler.StopBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "Failed to stop batch")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled_tasks": n})
}

func (s *Server) handleDeleteBatch(c *gin.Context) {
	n, err := s.Scheduler.DeleteBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "Failed to delete batch")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted_tasks": n})
}

type connectRequest struct {
	PlatformID string           `json:"platform_id" binding:"required"`
	Cookies    []session.Cookie `json:"cookies"`
}

func (s *Server) handleConnectAccount(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	account, err := s.Connector.Connect(c.Request.Context(), c.GetHeader(UserIDHeader), req.PlatformID,
		publisher.Credentials{Cookies: req.Cookies})
	if err != nil {
		s.writeError(c, err, "Failed to connect account")
		return
	}
	c.JSON(http.StatusCreated, account)
}

type deliverRequest struct {
	// AccountID picks the login when the user has several waiting on the platform.
	AccountID string           `json:"account_id"`
	Cookies   []session.Cookie `json:"cookies" binding:"required"`
}

func (s *Server) handleDeliverLogin(c *gin.Context) {
	if s.Inbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Interactive login is disabled"})
		return
	}

	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	key := session.LoginKey{
		PlatformID:  c.Param("platform"),
		OwnerUserID: c.GetHeader(UserIDHeader),
		AccountID:   req.AccountID,
	}
	if err := s.Inbox.Deliver(key, req.Cookies); err != nil {
		msg := "No login is waiting"
		if errors.Is(err, session.ErrAmbiguousLogin) {
			msg = "Several logins are waiting"
		}
		c.JSON(http.StatusConflict, gin.H{"error": msg, "details": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Cookies delivered"})
}

// Start runs the scheduler, the stats updater and the HTTP listener. It
// blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	if !s.Config.Scheduler.Disabled {
		if err := s.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if s.Components != nil {
		if err := s.Components.Stats.Start(ctx); err != nil {
			return fmt.Errorf("failed to start stats updater: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	if s.Server != nil {
		errs = append(errs, s.Server.Shutdown(shutdownCtx))
	}

	// Stop scheduling before tearing down sessions and the database.
	s.Scheduler.Stop()
	if s.Components != nil {
		s.Components.Stats.Stop()
		errs = append(errs, s.Components.Close(shutdownCtx))
	}
	return errors.Join(errs...)
}

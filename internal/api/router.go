package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/api/middleware"
	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/internal/sync"
)

type Router struct {
	engine       *gin.Engine
	server       *http.Server
	cfg          *config.Config
	subs         subscription.Repository
	orchestrator *sync.Orchestrator
	logger       *zap.Logger
}

func NewRouter(
	cfg *config.Config,
	registry *prometheus.Registry,
	subs subscription.Repository,
	orchestrator *sync.Orchestrator,
	logger *zap.Logger,
) *Router {
	// Disable GIN default logger
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	api := &Router{
		engine:       r,
		cfg:          cfg,
		subs:         subs,
		orchestrator: orchestrator,
		logger:       logger,
	}

	api.RegisterRoutes(registry)
	return api
}

func (r *Router) RegisterRoutes(registry *prometheus.Registry) {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Operational routes, token protected.
	admin := r.engine.Group("/api")
	admin.Use(r.adminAuth())
	{
		admin.POST("/sync", r.TriggerSync)
		admin.GET("/subscription/:installationId/status", r.SyncStatus)
	}
}

type triggerSyncRequest struct {
	InstallationID  int64      `json:"installationId" binding:"required"`
	JiraHost        string     `json:"jiraHost" binding:"required"`
	SyncType        string     `json:"syncType"`
	CommitsFromDate *time.Time `json:"commitsFromDate"`
	TargetTasks     []string   `json:"targetTasks"`
	TargetRepoID    *int64     `json:"targetRepoId"`
}

// TriggerSync restarts a backfill for one subscription, the manual resync
// entry point operators use.
func (r *Router) TriggerSync(c *gin.Context) {
	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	syncType := subscription.SyncType(req.SyncType)
	if syncType == "" {
		syncType = subscription.SyncTypeFull
	}
	if syncType != subscription.SyncTypeFull && syncType != subscription.SyncTypePartial {
		c.JSON(http.StatusBadRequest, gin.H{"error": "syncType must be full or partial"})
		return
	}

	sub, err := r.subs.GetByInstallation(c.Request.Context(), req.InstallationID, req.JiraHost)
	if errors.Is(err, subscription.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		r.logger.Error("subscription lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	tasks := make([]subscription.TaskType, 0, len(req.TargetTasks))
	for _, name := range req.TargetTasks {
		tasks = append(tasks, subscription.TaskType(name))
	}

	err = r.orchestrator.FindOrStartSync(c.Request.Context(), sub, syncType, req.CommitsFromDate, tasks, req.TargetRepoID)
	if err != nil {
		r.logger.Error("sync trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sync started"})
}

// SyncStatus reports backfill progress for one subscription.
func (r *Router) SyncStatus(c *gin.Context) {
	installationID, ok := parseInt64Param(c, "installationId")
	if !ok {
		return
	}
	jiraHost := c.Query("jiraHost")
	if jiraHost == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jiraHost query parameter required"})
		return
	}

	sub, err := r.subs.GetByInstallation(c.Request.Context(), installationID, jiraHost)
	if errors.Is(err, subscription.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		r.logger.Error("subscription lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"syncStatus":          sub.SyncStatus,
		"syncWarning":         sub.SyncWarning,
		"numberOfSyncedRepos": sub.NumberOfSyncedRepos,
		"totalNumberOfRepos":  sub.TotalNumberOfRepos,
		"backfillSince":       sub.BackfillSince,
	})
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

func (r *Router) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(r.cfg.AdminAPIToken)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_token_not_configured"})
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if provided == "" {
			authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = strings.TrimSpace(authHeader[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be numeric"})
		return 0, false
	}
	return value, true
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/mailsync"
	"bitbucket.org/mmdatafocus/staysync_backend/middlewares"
	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"bitbucket.org/mmdatafocus/staysync_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("MAIL_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.AuthMiddleware())
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	tracker := workflow.NewSessionTracker(workflow.NewGormSessionStore(), nil, completedSessionTTL())
	worker := mailsync.NewWorker(tracker)
	handlers := mailsync.NewHandlers(tracker, worker)

	r.POST("/auth/login", loginHandler())

	api := r.Group("/api/mailsync", middlewares.RequireAuth())
	api.GET("/mailbox/status", handlers.MailboxStatus)
	api.POST("/scans", handlers.TriggerScan)
	api.GET("/scans/status", handlers.ScanStatus)
	api.GET("/scans", handlers.ScanHistory)
	api.GET("/scans/:id", handlers.ScanDetail)
	api.POST("/scans/:id/pause", handlers.PauseScan)
	api.POST("/scans/:id/resume", handlers.ResumeScan)
	api.POST("/scans/:id/cancel", handlers.CancelScan)
	api.GET("/reservations", handlers.ListReservations)
	api.GET("/reservations/export", handlers.ExportReservations)
	api.GET("/reservations/:code", handlers.ReservationDetail)
	api.GET("/payouts/unmatched", handlers.ListUnmatchedPayouts)
	api.GET("/unresolved", handlers.ListUnresolved)
	api.POST("/unresolved/retry", handlers.RetryUnresolved)

	// Pub/Sub push endpoint for the scan worker.
	r.POST("/pubsub/mail-scan", mailsync.PubSubPushHandler(worker))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if err := tracker.RestoreActive(context.Background()); err != nil {
		logger.WithFields(logrus.Fields{"field": "sessionTracker"}).Error(err)
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func loginHandler() gin.HandlerFunc {
	type loginRequest struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		info, err := models.LoginCheck(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func completedSessionTTL() time.Duration {
	return time.Duration(intFromEnv("SCAN_SESSION_CACHE_TTL_MINUTES", 10)) * time.Minute
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

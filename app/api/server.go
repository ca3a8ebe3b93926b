package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health", "/metrics"},
	}))

	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/feeds/jobs.xml", handler.GetJobsFeed)

	r.GET("/health", handler.GetHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Progress is readable without a key so dashboards can poll it.
	r.GET("/api/import/status", handler.GetImportStatus)
	r.GET("/api/import/stream", handler.StreamImportStatus)
	r.GET("/api/feeds", handler.ListFeeds)

	if apiAccessKey != "" {
		api := r.Group("/api")
		api.Use(authMiddleware(apiAccessKey))
		{
			api.POST("/import/batch", handler.RunImportBatch)
			api.POST("/import/cancel", handler.CancelImport)
			api.POST("/import/resume", handler.ResumeImport)
			api.POST("/import/reset", handler.ResetImport)
			api.POST("/import/finalize", handler.FinalizeImport)
			api.POST("/feeds/fetch", handler.TriggerFetch)
		}
		slog.Info("API control endpoints enabled with authentication")
	} else {
		slog.Warn("API control endpoints disabled (API_ACCESS_KEY not set)")
	}

	r.GET("/", func(c *gin.Context) {
		endpoints := map[string]string{
			"jobs":   "/feeds/jobs.xml",
			"health": "/health",
			"status": "/api/import/status",
			"stream": "/api/import/stream",
			"feeds":  "/api/feeds",
		}

		if apiAccessKey != "" {
			endpoints["batch"] = "/api/import/batch (POST, requires X-API-Key header)"
			endpoints["cancel"] = "/api/import/cancel (POST, requires X-API-Key header)"
			endpoints["resume"] = "/api/import/resume (POST, requires X-API-Key header)"
			endpoints["reset"] = "/api/import/reset (POST, requires X-API-Key header)"
			endpoints["finalize"] = "/api/import/finalize (POST, requires X-API-Key header)"
			endpoints["fetch"] = "/api/feeds/fetch (POST, requires X-API-Key header)"
		}

		c.JSON(http.StatusOK, gin.H{
			"service":     "Job Comb",
			"version":     handler.version,
			"description": "Job feed aggregator with a resumable batch importer",
			"endpoints":   endpoints,
			"api_status": gin.H{
				"enabled":       apiAccessKey != "",
				"auth_required": apiAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

// authMiddleware accepts the key in X-API-Key or as an Authorization bearer token.
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			return
		}

		if providedKey != apiAccessKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			return
		}

		c.Next()
	}
}

package status

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"minerwatch/logger"
)

// maxBatchIDs caps how many miners one batch request may name.
const maxBatchIDs = 200

// healthPingTimeout bounds the dependency pings on /health.
const healthPingTimeout = time.Second

// Pinger is the connectivity probe the health endpoint runs against each
// backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// APIConfig describes the read surface. DB and KV are optional; when set
// the health payload reports their reachability.
type APIConfig struct {
	ServiceName string
	CronSpec    string
	Pools       []string
	DB          Pinger
	KV          Pinger
}

// NewRouter builds the gin router for the read service. feed may be nil
// when the live feed is disabled.
func NewRouter(svc *Service, feed *Feed, cfg APIConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"ok":      true,
			"service": cfg.ServiceName,
			"cron":    cfg.CronSpec,
		}
		if len(cfg.Pools) > 0 {
			body["pools"] = cfg.Pools
		}
		if cfg.DB != nil {
			body["db"] = pingOK(c.Request.Context(), cfg.DB)
		}
		if cfg.KV != nil {
			body["redis"] = pingOK(c.Request.Context(), cfg.KV)
		}
		c.JSON(http.StatusOK, body)
	})

	r.GET("/status/:id", func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing miner id"})
			return
		}
		refresh := c.Query("refresh") == "1"
		proj, err := svc.GetStatus(c.Request.Context(), id, refresh)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		c.JSON(http.StatusOK, proj)
	})

	r.GET("/status", func(c *gin.Context) {
		ids := splitIDs(c.Query("ids"))
		if len(ids) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or empty ids"})
			return
		}
		if len(ids) > maxBatchIDs {
			c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids"})
			return
		}
		c.JSON(http.StatusOK, svc.GetStatusMany(c.Request.Context(), ids))
	})

	if feed != nil {
		r.GET("/feed", feed.Handle)
	}

	return r
}

func pingOK(ctx context.Context, p Pinger) bool {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	return p.Ping(ctx) == nil
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

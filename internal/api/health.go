package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sccs/internal/pkg/httputil"
)

// HealthStatus represents the overall health of the service.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the service dependencies. Any dependency can be nil;
// the check reports "not_configured" for nil deps.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	startTime   time.Time
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
	}
}

// Handle serves GET /health.
func (c *HealthChecker) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := HealthStatus{
		Status: "healthy",
		Uptime: time.Since(c.startTime).Round(time.Second).String(),
		Checks: map[string]ComponentCheck{
			"source": c.checkDB(ctx),
			"redis":  c.checkRedis(ctx),
		},
	}
	code := http.StatusOK
	for _, check := range status.Checks {
		if check.Status == "down" {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	httputil.JSON(w, code, status)
}

func (c *HealthChecker) checkDB(ctx context.Context) ComponentCheck {
	if c.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
}

func (c *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if c.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := c.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
}

package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-engine/internal/pkg/httputil"
)

const healthVersion = "1.0.0"

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string                    `json:"status"` // healthy, degraded, unhealthy
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the result of one dependency check.
type ComponentCheck struct {
	Status  string `json:"status"` // up, degraded, down, not_configured
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker pings PostgreSQL and Redis. Either may be nil, for example
// when campaigns live in a bbolt file and no lock is configured.
type HealthChecker struct {
	db        *sql.DB
	redis     *redis.Client
	startTime time.Time
}

func NewHealthChecker(db *sql.DB, rdb *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: rdb, startTime: time.Now()}
}

// HandleHealth always answers 200; the body carries the verdict.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runChecks(r.Context())
	httputil.OK(w, HealthStatus{
		Status:  overallStatus(checks),
		Version: healthVersion,
		Uptime:  time.Since(hc.startTime).Truncate(time.Second).String(),
		Checks:  checks,
	})
}

// HandleReadiness answers 503 when a configured dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runChecks(r.Context())
	overall := overallStatus(checks)
	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]any{
		"ready":  overall != "unhealthy",
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runChecks(ctx context.Context) map[string]ComponentCheck {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]ComponentCheck, 2)
	)
	run := func(name string, configured bool, timeout, slow time.Duration, ping func(context.Context) error) {
		defer wg.Done()
		c := ComponentCheck{Status: "not_configured"}
		if configured {
			c = runCheck(ctx, timeout, slow, ping)
		}
		mu.Lock()
		checks[name] = c
		mu.Unlock()
	}

	wg.Add(2)
	go run("database", hc.db != nil, 3*time.Second, time.Second, func(ctx context.Context) error {
		return hc.db.PingContext(ctx)
	})
	go run("redis", hc.redis != nil, 2*time.Second, 500*time.Millisecond, func(ctx context.Context) error {
		return hc.redis.Ping(ctx).Err()
	})
	wg.Wait()
	return checks
}

func runCheck(ctx context.Context, timeout, slow time.Duration, ping func(context.Context) error) ComponentCheck {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > slow {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: "slow response"}
	}
	return ComponentCheck{Status: "up", Latency: latency.String()}
}

func overallStatus(checks map[string]ComponentCheck) string {
	overall := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "down":
			return "unhealthy"
		case "degraded":
			overall = "degraded"
		}
	}
	return overall
}

package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the outcome of one dependency check
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Optional    bool                   `json:"optional,omitempty"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport aggregates every registered check
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker checks one dependency
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// CheckFunc adapts a function to HealthChecker
type CheckFunc func(ctx context.Context) HealthCheck

// Check calls f
func (f CheckFunc) Check(ctx context.Context) HealthCheck {
	return f(ctx)
}

type registeredChecker struct {
	name     string
	checker  HealthChecker
	optional bool
}

// HealthManager runs the access service's dependency checks. Decisions
// only need the policy store and the permission store; dependencies
// registered as optional can at worst degrade the report.
type HealthManager struct {
	serviceName    string
	serviceVersion string

	mu       sync.RWMutex
	checkers map[string]registeredChecker
	timeout  time.Duration
	now      func() time.Time
}

// NewHealthManager creates a health manager with a 5s per-check timeout
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		checkers:       make(map[string]registeredChecker),
		timeout:        5 * time.Second,
		now:            time.Now,
	}
}

// RegisterChecker registers a checker whose failure makes the service unhealthy
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.register(name, checker, false)
}

// RegisterOptional registers a checker whose failure only degrades the service,
// such as the database that receives evicted audit entries.
func (hm *HealthManager) RegisterOptional(name string, checker HealthChecker) {
	hm.register(name, checker, true)
}

func (hm *HealthManager) register(name string, checker HealthChecker, optional bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = registeredChecker{name: name, checker: checker, optional: optional}
}

// SetTimeout bounds each check
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.timeout = timeout
}

// CheckHealth runs every check in parallel. Checks are ordered by name.
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	checkers := make([]registeredChecker, 0, len(hm.checkers))
	for _, rc := range hm.checkers {
		checkers = append(checkers, rc)
	}
	timeout := hm.timeout
	hm.mu.RUnlock()

	sort.Slice(checkers, func(i, j int) bool { return checkers[i].name < checkers[j].name })

	checks := make([]HealthCheck, len(checkers))
	var wg sync.WaitGroup
	for i, rc := range checkers {
		wg.Add(1)
		go func(i int, rc registeredChecker) {
			defer wg.Done()
			checks[i] = hm.run(ctx, rc, timeout)
		}(i, rc)
	}
	wg.Wait()

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: hm.now(),
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Checks:    checks,
		Summary:   make(map[string]int),
	}
	for _, check := range checks {
		report.Summary[string(check.Status)]++
		report.Status = worse(report.Status, effectiveStatus(check))
	}
	return report
}

func (hm *HealthManager) run(ctx context.Context, rc registeredChecker, timeout time.Duration) HealthCheck {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := hm.now()
	check := rc.checker.Check(checkCtx)
	check.Name = rc.name
	check.Optional = rc.optional
	check.LastChecked = started
	check.Duration = time.Since(started)
	if check.Status == "" {
		check.Status = HealthStatusUnhealthy
		check.Message = "check reported no status"
	}
	return check
}

// effectiveStatus caps an optional dependency's failure at degraded
func effectiveStatus(check HealthCheck) HealthStatus {
	if check.Optional && check.Status == HealthStatusUnhealthy {
		return HealthStatusDegraded
	}
	return check.Status
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HTTPHandler serves the report; only an unhealthy service answers 503
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// DatabaseHealthChecker checks the audit database pool
type DatabaseHealthChecker struct {
	db *sql.DB
}

// NewDatabaseHealthChecker creates a database check
func NewDatabaseHealthChecker(db *sql.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db}
}

// Check pings the database and reports pool usage
func (dhc *DatabaseHealthChecker) Check(ctx context.Context) HealthCheck {
	if err := dhc.db.PingContext(ctx); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("audit database unreachable: %v", err),
		}
	}

	stats := dhc.db.Stats()
	check := HealthCheck{
		Status:  HealthStatusHealthy,
		Message: "audit database reachable",
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
		},
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		check.Status = HealthStatusDegraded
		check.Message = "audit database pool exhausted"
	}
	return check
}

// RedisHealthChecker checks the Redis permission store
type RedisHealthChecker struct {
	client    redis.UniversalClient
	slowAfter time.Duration
}

// NewRedisHealthChecker creates a Redis check that reports pings slower
// than 250ms as degraded
func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, slowAfter: 250 * time.Millisecond}
}

// Check pings Redis and reports pool usage
func (rhc *RedisHealthChecker) Check(ctx context.Context) HealthCheck {
	started := time.Now()
	if err := rhc.client.Ping(ctx).Err(); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("permission store unreachable: %v", err),
		}
	}
	latency := time.Since(started)

	stats := rhc.client.PoolStats()
	check := HealthCheck{
		Status:  HealthStatusHealthy,
		Message: "permission store reachable",
		Details: map[string]interface{}{
			"ping_ms":     latency.Milliseconds(),
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"timeouts":    stats.Timeouts,
		},
	}
	if latency > rhc.slowAfter {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("permission store slow: %s", latency)
	}
	return check
}

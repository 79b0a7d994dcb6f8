package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/executor"
	"github.com/devrev/pairdb/bulkloader/internal/partitioner"
	"go.uber.org/zap"
)

// Status is the outcome of a check or of all checks.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Checker checks that the loader can run operations: the cluster metadata
// must describe a complete ring, and the executor should have request
// permits to spare. Either dependency may be nil.
type Checker struct {
	metadata driver.Metadata
	limits   *executor.Limits
	logger   *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	checks    map[string]CheckResult
}

// NewChecker creates a checker.
func NewChecker(metadata driver.Metadata, limits *executor.Limits, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		metadata: metadata,
		limits:   limits,
		logger:   logger,
		checks:   make(map[string]CheckResult),
	}
}

// Run runs all checks and returns the overall status.
func (h *Checker) Run(ctx context.Context) Status {
	results := []CheckResult{h.checkTopology(ctx), h.checkRequestPermits(), h.checkQueryPermits()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = time.Now()

	overall := StatusHealthy
	for _, r := range results {
		h.checks[r.Name] = r
		switch r.Status {
		case StatusCritical:
			overall = StatusCritical
		case StatusWarning:
			if overall == StatusHealthy {
				overall = StatusWarning
			}
		}
	}

	h.logger.Debug("Health check completed", zap.String("status", string(overall)))
	return overall
}

// Ready runs all checks and fails when any of them is critical. Warnings
// do not make the loader unready.
func (h *Checker) Ready(ctx context.Context) error {
	if h.Run(ctx) != StatusCritical {
		return nil
	}
	var reasons []string
	for _, r := range h.Checks() {
		if r.Status == StatusCritical {
			reasons = append(reasons, r.Name+": "+r.Message)
		}
	}
	return fmt.Errorf("%s", strings.Join(reasons, "; "))
}

func (h *Checker) checkTopology(ctx context.Context) CheckResult {
	result := CheckResult{Name: "topology", Timestamp: time.Now()}
	if h.metadata == nil {
		result.Status = StatusHealthy
		result.Message = "no metadata source configured"
		return result
	}
	ranges, err := h.metadata.TokenRanges(ctx)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("token ranges unavailable: %v", err)
		return result
	}
	if err := partitioner.ValidateCoverage(h.metadata.TokenFactory(), ranges); err != nil {
		result.Status = StatusCritical
		result.Message = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d token ranges cover the ring", len(ranges))
	return result
}

func (h *Checker) checkRequestPermits() CheckResult {
	if h.limits == nil {
		return CheckResult{Name: "request_permits", Status: StatusHealthy, Message: "no executor", Timestamp: time.Now()}
	}
	return permits("request_permits", h.limits.InFlight(), h.limits.MaxInFlight())
}

func (h *Checker) checkQueryPermits() CheckResult {
	if h.limits == nil {
		return CheckResult{Name: "query_permits", Status: StatusHealthy, Message: "no executor", Timestamp: time.Now()}
	}
	return permits("query_permits", h.limits.OpenQueries(), h.limits.MaxConcurrentQueries())
}

// permits warns when every permit of a bounded pool is taken.
func permits(name string, used, max int64) CheckResult {
	result := CheckResult{Name: name, Status: StatusHealthy, Timestamp: time.Now()}
	if max <= 0 {
		result.Message = fmt.Sprintf("%d in use, unbounded", used)
		return result
	}
	if used >= max {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("saturated: %d/%d in use", used, max)
		return result
	}
	result.Message = fmt.Sprintf("%d/%d in use", used, max)
	return result
}

// Checks returns the latest result of every check, sorted by name.
func (h *Checker) Checks() []CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

// LastCheck returns when the checks last ran.
func (h *Checker) LastCheck() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastCheck
}

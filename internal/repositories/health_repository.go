package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/stockroom/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck describes a dependency probe executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// ReadinessProber runs dependency checks concurrently and aggregates the outcome.
type ReadinessProber struct {
	checks []DependencyCheck
	now    func() time.Time
}

// NewReadinessProber validates the check set. A nil clock defaults to time.Now.
func NewReadinessProber(checks []DependencyCheck, clock func() time.Time) (*ReadinessProber, error) {
	if len(checks) == 0 {
		return nil, errors.New("readiness: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" || check.Check == nil {
			return nil, errors.New("readiness: dependency check requires a name and a function")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	cloned := make([]DependencyCheck, len(checks))
	copy(cloned, checks)
	return &ReadinessProber{checks: cloned, now: clock}, nil
}

// Collect probes every dependency and reports the worst status observed.
func (p *ReadinessProber) Collect(ctx context.Context) domain.HealthReport {
	results := make(map[string]domain.HealthCheck, len(p.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, check := range p.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()

			timeout := check.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := p.now()
			err := check.Check(checkCtx)
			end := p.now()

			result := domain.HealthCheck{
				Status:    domain.HealthStatusOK,
				Detail:    "ok",
				Latency:   end.Sub(start),
				CheckedAt: end,
			}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				result.Status = domain.HealthStatusError
				result.Detail = "timeout"
			default:
				result.Status = domain.HealthStatusDegraded
				result.Detail = err.Error()
			}

			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		if result.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if result.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}

	return domain.HealthReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: p.now(),
	}
}

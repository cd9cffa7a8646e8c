package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestration kernel's metric instruments.
type Metrics struct {
	ClaimDuration    metric.Float64Histogram
	ClaimsTotal      metric.Int64Counter
	NoWorkTotal      metric.Int64Counter
	CompletionsTotal metric.Int64Counter
	FailuresTotal    metric.Int64Counter
	RetriesTotal     metric.Int64Counter
	LockConflicts    metric.Int64Counter
	ForcedReleases   metric.Int64Counter
	ActiveAgents     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimDuration, err = meter.Float64Histogram("orchestrator.claim.duration",
		metric.WithDescription("Task claim duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsTotal, err = meter.Int64Counter("orchestrator.claims",
		metric.WithDescription("Successful task claims"),
	)
	if err != nil {
		return nil, err
	}

	m.NoWorkTotal, err = meter.Int64Counter("orchestrator.claims.no_work",
		metric.WithDescription("Claim calls that found no claimable task"),
	)
	if err != nil {
		return nil, err
	}

	m.CompletionsTotal, err = meter.Int64Counter("orchestrator.completions",
		metric.WithDescription("Successful completion reports"),
	)
	if err != nil {
		return nil, err
	}

	m.FailuresTotal, err = meter.Int64Counter("orchestrator.failures",
		metric.WithDescription("Failed completion reports"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("orchestrator.retries",
		metric.WithDescription("Retry resets (manual and automatic)"),
	)
	if err != nil {
		return nil, err
	}

	m.LockConflicts, err = meter.Int64Counter("orchestrator.lock.conflicts",
		metric.WithDescription("Lock acquisitions rejected due to a live holder"),
	)
	if err != nil {
		return nil, err
	}

	m.ForcedReleases, err = meter.Int64Counter("orchestrator.lock.forced_releases",
		metric.WithDescription("Administrative lock overrides"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("orchestrator.agents.active",
		metric.WithDescription("Agents currently in WORKING state"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/llm"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/scheduler"
	"github.com/sells-group/safety-monitor/internal/store"
)

// SourceHealth is the operational state of one source.
type SourceHealth struct {
	Code      string           `json:"code"`
	Active    bool             `json:"active"`
	Running   bool             `json:"running"`
	NextDue   *time.Time       `json:"next_due,omitempty"`
	LastRunAt *time.Time       `json:"last_run_at,omitempty"`
	LastRun   *model.ScrapeRun `json:"last_run,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	FindingsByStatus map[model.FindingStatus]int   `json:"findings_by_status"`
	PostsByStatus    map[model.PostStatus]int      `json:"posts_by_status"`
	Analyses         int                           `json:"analyses"`
	Usage            model.TokenUsage              `json:"usage"`
	Sources          []SourceHealth                `json:"sources"`
	Providers        map[string]llm.ProviderTotals `json:"providers,omitempty"`
	Breakers         map[string]string             `json:"breakers,omitempty"`
	CollectedAt      time.Time                     `json:"collected_at"`
}

// SchedulerStatus abstracts the scheduler view used by the collector.
type SchedulerStatus interface {
	Status() []scheduler.SourceStatus
}

// GatewayStats abstracts the LLM gateway counters used by the collector.
type GatewayStats interface {
	Totals() map[string]llm.ProviderTotals
	BreakerStates() map[string]string
}

// Collector gathers metrics from the store and the in-process components.
// The scheduler and gateway are optional: CLI commands that run without
// them still get store-backed metrics.
type Collector struct {
	store     store.Store
	scheduler SchedulerStatus
	gateway   GatewayStats
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, sched SchedulerStatus, gw GatewayStats) *Collector {
	return &Collector{store: st, scheduler: sched, gateway: gw}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: store stats")
	}
	snap := &MetricsSnapshot{
		FindingsByStatus: stats.FindingsByStatus,
		PostsByStatus:    stats.PostsByStatus,
		Analyses:         stats.Analyses,
		Usage:            stats.Usage,
		CollectedAt:      time.Now().UTC(),
	}

	sources, err := c.store.ListSources(ctx, false)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sources")
	}

	live := make(map[string]scheduler.SourceStatus)
	if c.scheduler != nil {
		for _, s := range c.scheduler.Status() {
			live[s.Code] = s
		}
	}

	for _, src := range sources {
		h := SourceHealth{Code: src.Code, Active: src.Active, LastRunAt: src.LastRunAt}
		if s, ok := live[src.Code]; ok {
			h.Running = s.Running
			h.NextDue = s.NextDue
			if s.LastRunAt != nil {
				h.LastRunAt = s.LastRunAt
			}
		}
		run, err := c.store.LastScrapeRun(ctx, src.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last run for %s", src.Code)
		}
		h.LastRun = run
		snap.Sources = append(snap.Sources, h)
	}

	if c.gateway != nil {
		snap.Providers = c.gateway.Totals()
		snap.Breakers = c.gateway.BreakerStates()
	}

	return snap, nil
}

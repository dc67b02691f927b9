// Package health publishes per-process heartbeats on the bus and lets the
// engine spot silent components.
package health

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"tidebot/internal/domain"
)

// Publisher emits a Heartbeat for one component every interval. Heartbeats
// ride the best-effort class; a dropped beat is fine, a silent component is
// not.
type Publisher struct {
	component string
	bus       domain.Bus
	interval  time.Duration
	logger    *slog.Logger

	started time.Time
	proc    *process.Process
}

// NewPublisher builds a heartbeat publisher for the named component.
func NewPublisher(component string, bus domain.Bus, interval time.Duration, logger *slog.Logger) *Publisher {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Publisher{
		component: component,
		bus:       bus,
		interval:  interval,
		logger:    logger.With(slog.String("component", "health")),
		started:   time.Now(),
		proc:      proc,
	}
}

// Run publishes heartbeats until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Publisher) beat(ctx context.Context) {
	hb := domain.Heartbeat{
		Component:  p.component,
		PID:        os.Getpid(),
		UptimeSecs: int64(time.Since(p.started).Seconds()),
		At:         time.Now().UTC(),
	}
	if p.proc != nil {
		if mem, err := p.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			hb.RSSBytes = mem.RSS
		}
		if cpu, err := p.proc.CPUPercentWithContext(ctx); err == nil {
			hb.CPUPercent = cpu
		}
	}
	if err := p.bus.Publish(ctx, domain.HealthKey(p.component), hb); err != nil {
		p.logger.WarnContext(ctx, "heartbeat publish failed", slog.String("error", err.Error()))
	}
}

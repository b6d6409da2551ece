package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/timegraph/timegraph/internal/config"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/metric"
	"github.com/timegraph/timegraph/internal/queue"
)

// defaultIntervalSec is the poll interval for targets that do not set
// one.
const defaultIntervalSec = 300

// Registry resolves metric definitions for polled parameters.
type Registry interface {
	Get(ctx context.Context, parameter string) (*metric.Metric, error)
}

// Collector runs one poll loop per configured target, coerces readings
// to the metric kind, and enqueues them on the per-metric write queues.
type Collector struct {
	poller   *Poller
	registry Registry
	queues   *queue.Set
	targets  []config.TargetConfig
	log      *slog.Logger
}

// New creates a collector from the daemon configuration.
func New(cfg config.CollectorConfig, reg Registry, queues *queue.Set) *Collector {
	return &Collector{
		poller:   NewPoller(cfg.TimeoutMs, cfg.Retries),
		registry: reg,
		queues:   queues,
		targets:  cfg.Targets,
		log:      logging.Component("collector"),
	}
}

// Run polls all targets until the context is cancelled, then drains
// the write queues. Each target samples immediately on start and then
// on its own interval.
func (c *Collector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range c.targets {
		wg.Add(1)
		go func(t config.TargetConfig) {
			defer wg.Done()
			c.pollTarget(ctx, t)
		}(t)
	}
	wg.Wait()

	// The poll context is gone; drain with a fresh bounded one.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.queues.FlushAll(drainCtx); err != nil {
		c.log.Error("queue drain on shutdown failed", "error", err)
	}
}

func (c *Collector) pollTarget(ctx context.Context, t config.TargetConfig) {
	interval := time.Duration(t.IntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultIntervalSec * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sampleOnce(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleOnce(ctx, t)
		}
	}
}

// sampleOnce performs one GET covering all of the target's OIDs and
// enqueues whatever came back.
func (c *Collector) sampleOnce(ctx context.Context, t config.TargetConfig) {
	cfg := &SNMPConfig{
		Host:          t.Host,
		Port:          t.Port,
		Community:     t.Community,
		SecurityName:  t.SecurityName,
		SecurityLevel: t.SecurityLevel,
		AuthProtocol:  t.AuthProtocol,
		AuthPassword:  t.AuthPassword,
		PrivProtocol:  t.PrivProtocol,
		PrivPassword:  t.PrivPassword,
	}

	oids := make([]string, len(t.Polls))
	for i, p := range t.Polls {
		oids[i] = p.OID
	}

	readings, err := c.poller.Poll(ctx, cfg, oids)
	if err != nil {
		c.log.Warn("poll failed", "target", cfg.String(), "error", err)
		return
	}

	e := metric.Entity{Type: t.EntityType, Key: t.EntityKey}
	for _, p := range t.Polls {
		raw, ok := lookupReading(readings, p.OID)
		if !ok {
			c.log.Debug("no reading", "target", cfg.String(), "oid", p.OID)
			continue
		}
		m, err := c.registry.Get(ctx, p.Parameter)
		if err != nil {
			c.log.Warn("unknown parameter", "parameter", p.Parameter, "error", err)
			continue
		}
		v := metric.Decode(raw, m.Kind, false)
		if err := c.queues.For(m).Enqueue(ctx, e, v); err != nil {
			c.log.Error("enqueue failed", "parameter", p.Parameter, "error", err)
		}
	}
}

// lookupReading tolerates the agent echoing OIDs with or without a
// leading dot.
func lookupReading(readings map[string]string, oid string) (string, bool) {
	if v, ok := readings[oid]; ok {
		return v, true
	}
	if v, ok := readings["."+oid]; ok {
		return v, true
	}
	if len(oid) > 0 && oid[0] == '.' {
		if v, ok := readings[oid[1:]]; ok {
			return v, true
		}
	}
	return "", false
}

// Package health maintains the per-provider availability state machine
// and runs the probe loops that feed it.
//
// Two signal sources update the same machine: the scheduled probe loop
// and inline production outcomes reported by the dispatcher. Each
// provider has its own lock, so one slow provider never serializes
// another's updates. At most one probe per provider is in flight at a
// time; a scheduled tick that finds a probe running is skipped, not
// queued.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/store"
)

type providerState struct {
	mu      sync.Mutex
	probing atomic.Bool
	status  core.HealthStatus
}

// Monitor owns health state for all registered providers.
type Monitor struct {
	registry *registry.Registry
	store    store.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      config.HealthConfig

	mu     sync.Mutex
	states map[string]*providerState

	cron *cron.Cron
}

// NewMonitor creates a monitor over the registry's providers.
func NewMonitor(reg *registry.Registry, st store.Store, m *metrics.Metrics, logger *slog.Logger, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		registry: reg,
		store:    st,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		states:   make(map[string]*providerState),
	}
}

// Start launches the scheduled probe loop and blocks until ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()

	spec := fmt.Sprintf("@every %s", m.cfg.ProbeInterval())
	if _, err := m.cron.AddFunc(spec, func() { m.probeAll(ctx) }); err != nil {
		return fmt.Errorf("schedule probes: %w", err)
	}

	m.cron.Start()

	m.logger.Info("Health monitor started", "interval", m.cfg.ProbeInterval())

	// Prime states before the first tick so dispatch sees every
	// provider immediately.
	m.Sync()
	m.probeAll(ctx)

	<-ctx.Done()

	stopped := m.cron.Stop()
	<-stopped.Done()

	return ctx.Err()
}

// Sync reconciles tracked states with the current registry snapshot,
// seeding newly seen providers from the persistent store.
func (m *Monitor) Sync() {
	entries := m.registry.List()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		slug := e.Provider.Slug
		seen[slug] = true

		if _, ok := m.states[slug]; ok {
			continue
		}

		state := &providerState{status: core.HealthStatus{State: core.HealthUnknown}}

		if stored, ok, err := m.store.LoadHealth(context.Background(), slug); err == nil && ok {
			state.status = stored
		}

		m.states[slug] = state
	}

	for slug := range m.states {
		if !seen[slug] {
			delete(m.states, slug)
		}
	}
}

// Status returns the current health of one provider.
func (m *Monitor) Status(slug string) core.HealthStatus {
	state := m.state(slug)
	if state == nil {
		return core.HealthStatus{State: core.HealthUnknown}
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	return state.status
}

// All returns a snapshot of every tracked provider's health.
func (m *Monitor) All() map[string]core.HealthStatus {
	m.mu.Lock()
	states := make(map[string]*providerState, len(m.states))
	for slug, s := range m.states {
		states[slug] = s
	}
	m.mu.Unlock()

	out := make(map[string]core.HealthStatus, len(states))

	for slug, s := range states {
		s.mu.Lock()
		out[slug] = s.status
		s.mu.Unlock()
	}

	return out
}

// ReportSuccess feeds a production success into the state machine so
// health reflects real traffic, not only synthetic probes.
func (m *Monitor) ReportSuccess(slug string) {
	m.apply(slug, true, "")
}

// ReportFailure feeds a production failure into the state machine
// immediately, without waiting for the next scheduled probe.
func (m *Monitor) ReportFailure(slug string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	m.apply(slug, false, msg)
}

// Probe runs one on-demand health check, updates the state machine and
// records the result in the bounded history. A concurrent probe for
// the same provider causes this call to be skipped.
func (m *Monitor) Probe(ctx context.Context, slug string) (core.ProbeResult, bool) {
	entry, ok := m.registry.Get(slug)
	if !ok {
		return core.ProbeResult{}, false
	}

	state := m.state(slug)
	if state == nil {
		m.Sync()

		if state = m.state(slug); state == nil {
			return core.ProbeResult{}, false
		}
	}

	if !state.probing.CompareAndSwap(false, true) {
		m.logger.Debug("Probe already in flight, skipping", "provider", slug)
		return core.ProbeResult{}, false
	}
	defer state.probing.Store(false)

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout())
	defer cancel()

	start := time.Now()
	err := entry.Adapter.HealthCheck(probeCtx)
	latency := time.Since(start)

	result := core.ProbeResult{
		Provider:  slug,
		Success:   err == nil,
		Latency:   latency,
		Timestamp: start,
	}

	if err != nil {
		result.Error = err.Error()

		m.logger.Warn("Health probe failed",
			"provider", slug,
			"latency", latency,
			"error", err,
			"probe", true,
		)
	} else {
		m.logger.Debug("Health probe passed",
			"provider", slug,
			"latency", latency,
			"probe", true,
		)
	}

	m.apply(slug, result.Success, result.Error)

	if err := m.store.AppendProbe(context.Background(), result); err != nil {
		m.logger.Error("Failed to record probe result", "provider", slug, "error", err)
	}

	return result, true
}

// History returns the recent probe results for a provider, newest
// first.
func (m *Monitor) History(ctx context.Context, slug string, limit int) ([]core.ProbeResult, error) {
	return m.store.RecentProbes(ctx, slug, limit)
}

// probeAll probes every enabled provider concurrently. Each provider's
// probe is independent; serialization happens per provider.
func (m *Monitor) probeAll(ctx context.Context) {
	m.Sync()

	var wg sync.WaitGroup

	for _, e := range m.registry.List() {
		if !e.Provider.Enabled {
			continue
		}

		slug := e.Provider.Slug

		wg.Add(1)

		go func() {
			defer wg.Done()
			m.Probe(ctx, slug)
		}()
	}

	wg.Wait()
}

// apply advances the state machine for one outcome. Any success moves
// the provider to healthy immediately and resets the failure count. A
// failure while healthy or unknown moves it to degraded, and once
// consecutive failures reach the threshold it becomes unhealthy.
func (m *Monitor) apply(slug string, success bool, errMsg string) {
	state := m.state(slug)
	if state == nil {
		return
	}

	state.mu.Lock()

	prev := state.status.State
	now := time.Now()

	state.status.LastCheck = now

	if success {
		state.status.State = core.HealthHealthy
		state.status.LastSuccess = now
		state.status.ConsecutiveFailures = 0
		state.status.LastError = ""
	} else {
		state.status.ConsecutiveFailures++
		state.status.LastError = errMsg

		switch {
		case state.status.ConsecutiveFailures >= m.cfg.FailureThreshold:
			state.status.State = core.HealthUnhealthy
		case prev == core.HealthHealthy, prev == core.HealthUnknown:
			state.status.State = core.HealthDegraded
		}
	}

	next := state.status.State
	snapshot := state.status

	state.mu.Unlock()

	m.metrics.RecordHealth(slug, prev, next)

	if prev != next {
		m.logger.Info("Provider health transition",
			"provider", slug,
			"from", prev,
			"to", next,
			"consecutive_failures", snapshot.ConsecutiveFailures,
		)
	}

	if err := m.store.SaveHealth(context.Background(), slug, snapshot); err != nil {
		m.logger.Error("Failed to persist health status", "provider", slug, "error", err)
	}
}

func (m *Monitor) state(slug string) *providerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.states[slug]
}

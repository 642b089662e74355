package store

import (
	"context"
	"sync"

	"github.com/modelrelay/modelrelay/internal/core"
)

// Memory is the in-process store used when no persistence path is
// configured, and by tests.
type Memory struct {
	mu        sync.RWMutex
	health    map[string]core.HealthStatus
	probes    map[string][]core.ProbeResult
	retention int
}

// NewMemory creates an in-memory store retaining the most recent
// `retention` probe results per provider.
func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = 32
	}

	return &Memory{
		health:    make(map[string]core.HealthStatus),
		probes:    make(map[string][]core.ProbeResult),
		retention: retention,
	}
}

func (m *Memory) SaveHealth(_ context.Context, provider string, status core.HealthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health[provider] = status

	return nil
}

func (m *Memory) LoadHealth(_ context.Context, provider string) (core.HealthStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.health[provider]

	return status, ok, nil
}

func (m *Memory) AppendProbe(_ context.Context, result core.ProbeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.probes[result.Provider], result)
	if len(history) > m.retention {
		history = history[len(history)-m.retention:]
	}

	m.probes[result.Provider] = history

	return nil
}

func (m *Memory) RecentProbes(_ context.Context, provider string, limit int) ([]core.ProbeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.probes[provider]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}

	// Newest first.
	out := make([]core.ProbeResult, 0, limit)
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		out = append(out, history[i])
	}

	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

package publisher

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
)

// SignalRegistry receives each adapter's login signals on registration.
type SignalRegistry interface {
	RegisterSignals(platformID string, s session.Signals)
}

// Manager is the adapter registry keyed by platform id.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	signals  SignalRegistry
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger, signals SignalRegistry) *Manager {
	return &Manager{
		adapters: make(map[string]Adapter),
		signals:  signals,
		logger:   logger,
	}
}

func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := a.PlatformID()
	if _, exists := m.adapters[id]; exists {
		return fmt.Errorf("adapter for platform %s already registered", id)
	}
	m.adapters[id] = a
	if m.signals != nil {
		m.signals.RegisterSignals(id, a.Signals())
	}

	m.logger.Info("Adapter registered", zap.String("platform", id), zap.String("name", a.PlatformName()))
	return nil
}

func (m *Manager) Get(platformID string) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.adapters[platformID]
	if !ok {
		return nil, fmt.Errorf("adapter for platform %s not found", platformID)
	}
	return a, nil
}

// List returns the registered adapters ordered by platform id.
func (m *Manager) List() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID() < out[j].PlatformID() })
	return out
}

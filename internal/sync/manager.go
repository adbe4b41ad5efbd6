package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type runHandle struct {
	id     uint64
	cancel context.CancelFunc
}

// Manager runs full syncs in the background, at most one per tenant in this process
type Manager struct {
	coordinator  *Coordinator
	runners      map[string]runHandle
	runnersMutex sync.RWMutex
	nextID       uint64
	wg           sync.WaitGroup
}

// NewManager creates sync manager
func NewManager(coordinator *Coordinator) *Manager {
	return &Manager{
		coordinator: coordinator,
		runners:     make(map[string]runHandle),
	}
}

// StartFullSync starts a background full sync for a tenant. The run outlives ctx.
func (m *Manager) StartFullSync(ctx context.Context, tenantID string, after *time.Time) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[tenantID]; exists {
		return ErrAlreadyInProgress
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.nextID++
	handle := runHandle{id: m.nextID, cancel: cancel}
	m.runners[tenantID] = handle

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		log.Info().Str("tenant_id", tenantID).Msg("background sync start")
		if _, err := m.coordinator.FullSync(runCtx, tenantID, after); err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("background sync error")
		}

		m.runnersMutex.Lock()
		if cur, ok := m.runners[tenantID]; ok && cur.id == handle.id {
			delete(m.runners, tenantID)
		}
		m.runnersMutex.Unlock()
		log.Info().Str("tenant_id", tenantID).Msg("background sync stop")
	}()

	return nil
}

// Stop cancels the background sync of a tenant
func (m *Manager) Stop(tenantID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	handle, exists := m.runners[tenantID]
	if !exists {
		return fmt.Errorf("no sync running for %s", tenantID)
	}

	handle.cancel()
	delete(m.runners, tenantID)
	return nil
}

// IsRunning checks if a background sync is running for a tenant
func (m *Manager) IsRunning(tenantID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[tenantID]
	return exists
}

// StopAll cancels every background sync and waits for them to release their locks
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	for tenantID, handle := range m.runners {
		log.Info().Str("tenant_id", tenantID).Msg("stopping sync")
		handle.cancel()
	}
	m.runners = make(map[string]runHandle)
	m.runnersMutex.Unlock()

	m.wg.Wait()
}

// Running returns the tenants with a background sync in progress
func (m *Manager) Running() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var tenants []string
	for tenantID := range m.runners {
		tenants = append(tenants, tenantID)
	}
	return tenants
}

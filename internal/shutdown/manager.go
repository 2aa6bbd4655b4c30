// Package shutdown coordinates graceful shutdown and cancellation of in-flight
// backup, offsite and recovery operations.
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates operations are accepted normally.
	StateRunning State = "running"
	// StateDraining indicates no new operations are accepted and running ones are awaited.
	StateDraining State = "draining"
	// StateCancelling indicates the wait timed out and remaining operations were cancelled.
	StateCancelling State = "cancelling"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// Status represents the current shutdown status.
type Status struct {
	State             State         `json:"state"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	TimeRemaining     time.Duration `json:"time_remaining,omitempty"`
	RunningOperations int           `json:"running_operations"`
	CancelledCount    int           `json:"cancelled_count"`
	AcceptingNewJobs  bool          `json:"accepting_new_jobs"`
	Message           string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for graceful shutdown.
	Timeout time.Duration

	// CancelGrace is the part of Timeout reserved for cancelled operations to
	// unwind and persist their final state.
	CancelGrace time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		CancelGrace: 5 * time.Second,
	}
}

// Manager coordinates graceful shutdown.
type Manager struct {
	config       Config
	registry     *Registry
	logger       zerolog.Logger
	mu           sync.RWMutex
	state        State
	startedAt    *time.Time
	cancelled    int
	doneCh       chan struct{}
	shutdownOnce sync.Once
}

// NewManager creates a new shutdown manager over registry.
func NewManager(config Config, registry *Registry, logger zerolog.Logger) *Manager {
	if config.CancelGrace <= 0 || config.CancelGrace > config.Timeout {
		config.CancelGrace = config.Timeout / 5
	}
	return &Manager{
		config:   config,
		registry: registry,
		logger:   logger.With().Str("component", "shutdown_manager").Logger(),
		state:    StateRunning,
		doneCh:   make(chan struct{}),
	}
}

// IsAcceptingJobs returns true if new operations are accepted.
func (m *Manager) IsAcceptingJobs() bool {
	return m.registry.Accepting()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:             m.state,
		StartedAt:         m.startedAt,
		RunningOperations: m.registry.Len(),
		CancelledCount:    m.cancelled,
		AcceptingNewJobs:  m.registry.Accepting(),
	}

	if m.startedAt != nil {
		remaining := m.config.Timeout - time.Since(*m.startedAt)
		if remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Accepting operations"
	case StateDraining:
		status.Message = "Waiting for in-flight operations, not accepting new ones"
	case StateCancelling:
		status.Message = "Cancelling remaining operations"
	case StateComplete:
		status.Message = "Shutdown complete"
	}

	return status
}

// Shutdown stops accepting operations, waits for running ones and cancels
// whatever is left when the wait budget runs out. It runs once; later calls
// return immediately.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.doShutdown(ctx)
	})
	return nil
}

func (m *Manager) doShutdown(ctx context.Context) {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Dur("cancel_grace", m.config.CancelGrace).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.state = StateDraining
	m.mu.Unlock()

	m.registry.Close()
	m.logger.Info().Msg("stopped accepting new operations")

	waitCtx, waitCancel := context.WithTimeout(ctx, m.config.Timeout-m.config.CancelGrace)
	m.waitForOperations(waitCtx)
	waitCancel()

	if m.registry.Len() > 0 {
		m.mu.Lock()
		m.state = StateCancelling
		m.cancelled = m.registry.CancelAll()
		m.mu.Unlock()
		m.logger.Warn().Int("cancelled", m.cancelled).Msg("cancelled in-flight operations")

		graceCtx, graceCancel := context.WithTimeout(ctx, m.config.CancelGrace)
		m.waitForOperations(graceCtx)
		graceCancel()
	}

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	m.logger.Info().
		Dur("duration", time.Since(now)).
		Int("cancelled", m.cancelled).
		Int("abandoned", m.registry.Len()).
		Msg("graceful shutdown complete")
}

func (m *Manager) waitForOperations(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastLog := time.Time{}
	for {
		n := m.registry.Len()
		if n == 0 {
			return
		}
		if time.Since(lastLog) >= time.Second {
			m.logger.Info().Int("running_operations", n).Msg("waiting for in-flight operations")
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// WaitForShutdown blocks until shutdown is complete.
func (m *Manager) WaitForShutdown() {
	<-m.doneCh
}

package state

import (
	"time"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
)

// Option configures a Manager.
type Option func(*Manager)

// WithObserver registers an observer notified after creations and transitions.
func WithObserver(o model.Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithOperationTimeout sets the budget of every manager operation.
// Zero or negative disables the budget.
func WithOperationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithConfig applies an env-loaded StateConfig.
func WithConfig(cfg model.StateConfig) Option {
	return func(m *Manager) {
		if cfg.OperationTimeout > 0 {
			m.timeout = cfg.OperationTimeout
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

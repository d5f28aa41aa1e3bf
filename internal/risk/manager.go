// Package risk exposes the external safety verdict consumed before every
// submission and slice execution.
package risk

import (
	"context"

	"go.uber.org/zap"
)

const (
	KeyKillSwitch     = "safety.kill_switch"
	KeyCircuitBreaker = "safety.circuit_breaker"
)

// SafetyPolicy is consulted synchronously before an order leaves the
// process.
type SafetyPolicy interface {
	// IsTripped reports the circuit breaker.
	IsTripped(ctx context.Context) bool
	// IsEngaged reports the kill switch.
	IsEngaged(ctx context.Context) bool
}

// SwitchReader reads a boolean runtime switch. found is false when the
// switch was never written.
type SwitchReader interface {
	Switch(ctx context.Context, key string) (enabled bool, found bool, err error)
}

// Manager implements SafetyPolicy over runtime switches. A switch that
// cannot be read counts as set.
type Manager struct {
	Switches SwitchReader
	Logger   *zap.Logger
}

var _ SafetyPolicy = (*Manager)(nil)

func (m *Manager) IsTripped(ctx context.Context) bool {
	return m.read(ctx, KeyCircuitBreaker)
}

func (m *Manager) IsEngaged(ctx context.Context) bool {
	return m.read(ctx, KeyKillSwitch)
}

func (m *Manager) read(ctx context.Context, key string) bool {
	if m == nil || m.Switches == nil {
		return false
	}
	enabled, _, err := m.Switches.Switch(ctx, key)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("risk: switch unreadable, treating as set",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return true
	}
	return enabled
}

// Static is a fixed verdict for tests and paper runs.
type Static struct {
	Tripped bool
	Engaged bool
}

func (s Static) IsTripped(context.Context) bool { return s.Tripped }
func (s Static) IsEngaged(context.Context) bool { return s.Engaged }

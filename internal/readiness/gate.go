// Package readiness guards order creation until local state has been
// reconciled against the broker.
package readiness

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/metrics"
)

type State string

const (
	StateGated       State = "GATED"
	StateReconciling State = "RECONCILING"
	StateReady       State = "READY"
)

func (s State) gauge() float64 {
	switch s {
	case StateReconciling:
		return 1
	case StateReady:
		return 2
	}
	return 0
}

var (
	ErrNotReady          = errors.New("executor not ready: reconciliation incomplete")
	ErrNotReduceOnly     = errors.New("order does not reduce the effective position")
	ErrBrokerUnavailable = errors.New("broker unavailable for position check")
	ErrOverrideAudit     = errors.New("override requires operator and reason")
)

// Override records a manual transition to READY.
type Override struct {
	Operator      string    `json:"operator"`
	Reason        string    `json:"reason"`
	PreviousState State     `json:"previous_state"`
	AuditID       string    `json:"audit_id"`
	At            time.Time `json:"at"`
}

// Snapshot is an immutable view of the gate.
type Snapshot struct {
	State           State     `json:"state"`
	Override        *Override `json:"override,omitempty"`
	PeriodicRunning bool      `json:"periodic_running"`
	LastError       string    `json:"last_error,omitempty"`
	ChangedAt       time.Time `json:"changed_at"`
}

func (s Snapshot) Overridden() bool { return s.Override != nil }

// Gate is read lock-free by every order path. Writers serialize on mu and
// publish a fresh snapshot.
type Gate struct {
	Logger *zap.Logger
	Broker PositionSource
	Now    func() time.Time

	mu      sync.Mutex
	snap    atomic.Pointer[Snapshot]
	onReady []func()
}

func New(broker PositionSource, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{Logger: logger, Broker: broker, Now: func() time.Time { return time.Now().UTC() }}
	g.snap.Store(&Snapshot{State: StateGated, ChangedAt: g.Now()})
	metrics.ReadinessState.Set(StateGated.gauge())
	return g
}

func (g *Gate) Snapshot() Snapshot {
	return *g.snap.Load()
}

func (g *Gate) State() State {
	return g.snap.Load().State
}

func (g *Gate) IsReady() bool {
	return g.State() == StateReady
}

// SafeToExecute is false while the gate is not READY or a periodic
// reconciliation is rewriting order state.
func (g *Gate) SafeToExecute() bool {
	s := g.snap.Load()
	return s.State == StateReady && !s.PeriodicRunning
}

// OnReady registers fn to run (in its own goroutine) on every transition
// into READY.
func (g *Gate) OnReady(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onReady = append(g.onReady, fn)
}

func (g *Gate) update(fn func(next *Snapshot)) Snapshot {
	g.mu.Lock()
	prev := *g.snap.Load()
	next := prev
	fn(&next)
	if next.State != prev.State {
		next.ChangedAt = g.Now()
	}
	g.snap.Store(&next)
	var hooks []func()
	if next.State == StateReady && prev.State != StateReady {
		hooks = append(hooks, g.onReady...)
	}
	g.mu.Unlock()

	metrics.ReadinessState.Set(next.State.gauge())
	if next.State != prev.State {
		g.Logger.Info("readiness transition",
			zap.String("from", string(prev.State)),
			zap.String("to", string(next.State)),
		)
	}
	for _, fn := range hooks {
		go fn()
	}
	return next
}

// BeginReconciliation moves GATED to RECONCILING. It reports false when the
// gate is already READY.
func (g *Gate) BeginReconciliation() bool {
	started := false
	g.update(func(s *Snapshot) {
		if s.State == StateReady {
			return
		}
		s.State = StateReconciling
		s.LastError = ""
		started = true
	})
	return started
}

func (g *Gate) MarkReady() {
	g.update(func(s *Snapshot) {
		s.State = StateReady
		s.LastError = ""
	})
}

// MarkFailed returns a reconciling gate to GATED. A READY gate is left as
// is; periodic failures do not re-gate.
func (g *Gate) MarkFailed(err error) {
	g.update(func(s *Snapshot) {
		if err != nil {
			s.LastError = err.Error()
		}
		if s.State == StateReconciling {
			s.State = StateGated
		}
	})
}

// ForceComplete is the manual override. Callers persist the audit row first
// and pass its id.
func (g *Gate) ForceComplete(operator, reason, auditID string) (Snapshot, error) {
	operator = strings.TrimSpace(operator)
	reason = strings.TrimSpace(reason)
	if operator == "" || reason == "" {
		return Snapshot{}, ErrOverrideAudit
	}
	snap := g.update(func(s *Snapshot) {
		s.Override = &Override{
			Operator:      operator,
			Reason:        reason,
			PreviousState: s.State,
			AuditID:       auditID,
			At:            g.Now(),
		}
		s.State = StateReady
	})
	g.Logger.Warn("readiness gate overridden",
		zap.String("operator", operator),
		zap.String("reason", reason),
		zap.String("audit_id", auditID),
		zap.String("previous_state", string(snap.Override.PreviousState)),
	)
	return snap, nil
}

func (g *Gate) SetPeriodicRunning(running bool) {
	g.update(func(s *Snapshot) {
		s.PeriodicRunning = running
	})
}

func (g *Gate) SetLastError(err error) {
	g.update(func(s *Snapshot) {
		if err == nil {
			s.LastError = ""
			return
		}
		s.LastError = err.Error()
	})
}

func (g *Gate) String() string {
	return fmt.Sprintf("readiness(%s)", g.State())
}

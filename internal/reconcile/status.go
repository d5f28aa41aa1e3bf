package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"tradecore/internal/events"
	"tradecore/internal/models"
	"tradecore/internal/readiness"
)

// Status is the operator view of reconciliation.
type Status struct {
	Gate          readiness.Snapshot    `json:"gate"`
	HighWaterMark *time.Time            `json:"high_water_mark,omitempty"`
	LastSuccessAt *time.Time            `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time            `json:"last_attempt_at,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	LastRun       datatypes.JSON        `json:"last_run,omitempty" swaggertype:"object"`
	LastOverride  *models.OverrideAudit `json:"last_override,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	out := Status{Gate: e.Gate.Snapshot()}
	state, err := e.Repo.GetSyncState(ctx, SyncScope)
	if err != nil {
		return out, err
	}
	if state != nil {
		out.HighWaterMark = state.WatermarkTS
		out.LastSuccessAt = state.LastSuccessAt
		out.LastAttemptAt = state.LastAttemptAt
		out.LastRun = state.StatsJSON
		if state.LastError != nil {
			out.LastError = *state.LastError
		}
	}
	audits, err := e.Repo.ListOverrideAudits(ctx, 1)
	if err != nil {
		return out, err
	}
	if len(audits) > 0 {
		out.LastOverride = &audits[0]
	}
	return out, nil
}

// ForceComplete opens the gate without a successful startup run. The audit
// row is written before the gate moves.
func (e *Engine) ForceComplete(ctx context.Context, operator, reason string) (readiness.Snapshot, error) {
	operator = strings.TrimSpace(operator)
	reason = strings.TrimSpace(reason)
	if operator == "" || reason == "" {
		return readiness.Snapshot{}, readiness.ErrOverrideAudit
	}
	audit := &models.OverrideAudit{
		ID:            uuid.NewString(),
		Operator:      operator,
		Reason:        reason,
		PreviousState: string(e.Gate.State()),
		CreatedAt:     e.now(),
	}
	if err := e.Repo.InsertOverrideAudit(ctx, audit); err != nil {
		return readiness.Snapshot{}, err
	}
	snap, err := e.Gate.ForceComplete(operator, reason, audit.ID)
	if err != nil {
		return snap, err
	}
	e.publish(ctx, events.SubjectOverride, audit)
	return snap, nil
}

package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type SkipReason string

const (
	SkipTerminalLocked     SkipReason = "terminal_locked"
	SkipStatusPrecondition SkipReason = "status_precondition"
	SkipStaleTimestamp     SkipReason = "stale_timestamp"
	SkipLowerRank          SkipReason = "lower_rank"
	SkipNonImprovingFill   SkipReason = "non_improving_fill"
	SkipLowerPriority      SkipReason = "lower_priority"
)

// State is the part of an order row that takes part in conflict resolution.
type State struct {
	Status       Status
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	UpdatedAt    *time.Time
	Source       Source
}

// Update is a proposed transition. A nil UpdatedAt marks a local transition
// that carries no broker timestamp; it compares at the row's current
// timestamp and leaves it untouched.
type Update struct {
	Status        Status
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	UpdatedAt     *time.Time
	Source        Source
	RequireStatus []Status
}

type Decision struct {
	Apply  bool
	Reason SkipReason
	// FillUpgrade is set when a filled row only gains quantity.
	FillUpgrade bool
	Next        State
}

// Decide applies the ordering (broker timestamp, status rank, filled qty,
// source precedence). An update wins only when its key is strictly greater
// than the row's. Terminal rows accept nothing except a larger, not older
// fill on a filled order.
func Decide(cur State, upd Update) Decision {
	if cur.Status.IsTerminal() {
		if cur.Status == StatusFilled && upd.FilledQty.GreaterThan(cur.FilledQty) {
			if compareTime(cur.UpdatedAt, effectiveTime(cur.UpdatedAt, upd.UpdatedAt)) > 0 {
				return Decision{Reason: SkipStaleTimestamp}
			}
			next := cur
			next.FilledQty = upd.FilledQty
			if !upd.AvgFillPrice.IsZero() {
				next.AvgFillPrice = upd.AvgFillPrice
			}
			next.UpdatedAt = laterOf(cur.UpdatedAt, upd.UpdatedAt)
			return Decision{Apply: true, FillUpgrade: true, Next: next}
		}
		return Decision{Reason: SkipTerminalLocked}
	}

	if len(upd.RequireStatus) > 0 && !containsStatus(upd.RequireStatus, cur.Status) {
		return Decision{Reason: SkipStatusPrecondition}
	}

	if reason, ok := wins(cur, upd); !ok {
		return Decision{Reason: reason}
	}

	next := State{
		Status:       upd.Status,
		FilledQty:    decimal.Max(cur.FilledQty, upd.FilledQty),
		AvgFillPrice: cur.AvgFillPrice,
		UpdatedAt:    cur.UpdatedAt,
		Source:       upd.Source,
	}
	if upd.FilledQty.GreaterThan(cur.FilledQty) && !upd.AvgFillPrice.IsZero() {
		next.AvgFillPrice = upd.AvgFillPrice
	}
	if upd.UpdatedAt != nil {
		ts := *upd.UpdatedAt
		next.UpdatedAt = &ts
	}
	return Decision{Apply: true, Next: next}
}

func wins(cur State, upd Update) (SkipReason, bool) {
	switch compareTime(cur.UpdatedAt, effectiveTime(cur.UpdatedAt, upd.UpdatedAt)) {
	case 1:
		return SkipStaleTimestamp, false
	case -1:
		return "", true
	}
	if r := upd.Status.Rank() - cur.Status.Rank(); r != 0 {
		if r < 0 {
			return SkipLowerRank, false
		}
		return "", true
	}
	if c := upd.FilledQty.Cmp(cur.FilledQty); c != 0 {
		if c < 0 {
			return SkipNonImprovingFill, false
		}
		return "", true
	}
	if upd.Source < cur.Source {
		return "", true
	}
	return SkipLowerPriority, false
}

func effectiveTime(cur, upd *time.Time) *time.Time {
	if upd == nil {
		return cur
	}
	return upd
}

// compareTime orders timestamps with nil as the smallest value.
func compareTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.After(*b):
		return 1
	case a.Before(*b):
		return -1
	}
	return 0
}

func laterOf(a, b *time.Time) *time.Time {
	if compareTime(a, b) >= 0 {
		return a
	}
	ts := *b
	return &ts
}

func containsStatus(items []Status, s Status) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

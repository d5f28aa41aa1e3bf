package orders

import "strings"

// Status is the closed set of order states known to the executor. Values that
// arrive from the broker and are not listed here still round-trip as Status
// but rank as RankUnknown.
type Status string

const (
	StatusPendingNew           Status = "pending_new"
	StatusDryRun               Status = "dry_run"
	StatusSubmitted            Status = "submitted"
	StatusSubmittedUnconfirmed Status = "submitted_unconfirmed"
	StatusAccepted             Status = "accepted"
	StatusNew                  Status = "new"
	StatusPendingCancel        Status = "pending_cancel"
	StatusPendingReplace       Status = "pending_replace"
	StatusPartiallyFilled      Status = "partially_filled"
	StatusAcceptedForBidding   Status = "accepted_for_bidding"
	StatusCalculated           Status = "calculated"
	StatusStopped              Status = "stopped"
	StatusSuspended            Status = "suspended"
	StatusDoneForDay           Status = "done_for_day"
	StatusCanceled             Status = "canceled"
	StatusExpired              Status = "expired"
	StatusFailed               Status = "failed"
	StatusRejected             Status = "rejected"
	StatusReplaced             Status = "replaced"
	StatusBlockedCircuitBreak  Status = "blocked_circuit_breaker"
	StatusBlockedKillSwitch    Status = "blocked_kill_switch"
	StatusFilled               Status = "filled"
)

const (
	RankUnknown   = 0
	RankInitial   = 1
	RankSubmitted = 2
	RankActive    = 3
	RankTerminal  = 4
	RankFilled    = 5
)

var statusRanks = map[Status]int{
	StatusPendingNew:           RankInitial,
	StatusDryRun:               RankInitial,
	StatusSubmitted:            RankSubmitted,
	StatusSubmittedUnconfirmed: RankSubmitted,
	StatusAccepted:             RankSubmitted,
	StatusNew:                  RankSubmitted,
	StatusPendingCancel:        RankActive,
	StatusPendingReplace:       RankActive,
	StatusPartiallyFilled:      RankActive,
	StatusAcceptedForBidding:   RankActive,
	StatusCalculated:           RankActive,
	StatusStopped:              RankActive,
	StatusSuspended:            RankActive,
	StatusDoneForDay:           RankActive,
	StatusCanceled:             RankTerminal,
	StatusExpired:              RankTerminal,
	StatusFailed:               RankTerminal,
	StatusRejected:             RankTerminal,
	StatusReplaced:             RankTerminal,
	StatusBlockedCircuitBreak:  RankTerminal,
	StatusBlockedKillSwitch:    RankTerminal,
	StatusFilled:               RankFilled,
}

func (s Status) Rank() int {
	return statusRanks[s]
}

func (s Status) Known() bool {
	_, ok := statusRanks[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s.Rank() >= RankTerminal
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus normalizes a status string. The broker spells a few states
// differently; its pending_new means the order is already held broker-side,
// so it is folded into accepted.
func ParseStatus(raw string) Status {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "cancelled":
		return StatusCanceled
	case "partial_fill", "partially-filled":
		return StatusPartiallyFilled
	}
	return Status(v)
}

// FromBroker maps a broker-reported status onto the local taxonomy.
func FromBroker(raw string) Status {
	s := ParseStatus(raw)
	if s == StatusPendingNew {
		return StatusAccepted
	}
	return s
}

// ActiveStatuses are the non-terminal states an order can hold after it has
// been handed to the broker.
func ActiveStatuses() []Status {
	out := make([]Status, 0, 12)
	for s, r := range statusRanks {
		if r == RankSubmitted || r == RankActive {
			out = append(out, s)
		}
	}
	return out
}

// ParentAllowed reports whether slices may still run against a parent in
// this status.
func ParentAllowed(s Status) bool {
	switch s {
	case StatusPendingNew, StatusAccepted, StatusSubmitted, StatusPartiallyFilled:
		return true
	}
	return false
}

func ParentAllowedStatuses() []Status {
	return []Status{StatusPendingNew, StatusAccepted, StatusSubmitted, StatusPartiallyFilled}
}

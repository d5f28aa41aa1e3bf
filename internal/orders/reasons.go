package orders

// Machine-readable reason codes attached to rejected, blocked or failed orders.
const (
	ReasonNotReady          = "not_ready"
	ReasonNotReduceOnly     = "not_reduce_only"
	ReasonBrokerUnavailable = "broker_unavailable"
	ReasonQuarantined       = "quarantined"
	ReasonKillSwitch        = "kill_switch"
	ReasonCircuitBreaker    = "circuit_breaker"
	ReasonBrokerRejected    = "broker_rejected"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonNotFoundAtBroker  = "not_found_at_broker"
	ReasonParentInactive    = "parent_inactive"
	ReasonParentCanceled    = "parent_canceled"
	ReasonCanceledByUser    = "canceled_by_operator"
	ReasonRecoveryExpired   = "recovery_expired"
	ReasonOverduePolicyFail = "overdue_policy_fail"
	ReasonDuplicateOrder    = "duplicate_order"
	ReasonInvalidOrder      = "invalid_order"
	ReasonDryRun            = "dry_run"
)

package metrics

const (
	EventRunStarted        = "run_started"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
	EventTurnCompleted     = "turn_completed"
	EventToolInvoked       = "tool_invoked"
	EventRoundTripLimit    = "round_trip_limit_exceeded"
	EventRegistryConnected = "registry_connected"

	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

package errorsx

import "net/http"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Fatal for a run.
	ReasonConfigMissing       ReasonCode = "config_missing"
	ReasonToolConflict        ReasonCode = "tool_conflict"
	ReasonRegistryUnavailable ReasonCode = "registry_unavailable"
	ReasonModelUnavailable    ReasonCode = "model_unavailable"
	ReasonModelRateLimit      ReasonCode = "model_rate_limit"
	ReasonInvalidRequest      ReasonCode = "invalid_request"
	ReasonCanceled            ReasonCode = "canceled"

	// Folded into the conversation.
	ReasonToolNotFound       ReasonCode = "tool_not_found"
	ReasonToolExecutionError ReasonCode = "tool_execution_error"

	// Reported, never returned as an error of the run.
	ReasonRoundTripLimitExceeded ReasonCode = "round_trip_limit_exceeded"
)

// HTTPStatus maps a reason to the status the transport answers with.
func HTTPStatus(reason ReasonCode) int {
	switch reason {
	case ReasonInvalidRequest:
		return http.StatusBadRequest
	case ReasonRegistryUnavailable:
		return http.StatusBadGateway
	case ReasonModelUnavailable, ReasonModelRateLimit:
		return http.StatusServiceUnavailable
	case ReasonCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

package recovery

import (
	"fmt"

	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
)

// Reason codes for denied recovery requests.
type Reason string

const (
	ReasonNotKilled           Reason = "not_killed"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonApprovalUnavailable Reason = "approval_unavailable"
	ReasonInvalidApproval     Reason = "invalid_approval_code"
	ReasonHealthFailed        Reason = "health_check_failed"
)

// DeniedError is returned when a recovery precondition fails. Health is set
// for ReasonHealthFailed.
type DeniedError struct {
	Reason Reason
	Detail string
	Health *health.Result
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("recovery denied (%s): %s", e.Reason, e.Detail)
}

package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// InvalidFunnelQueryError Query rejected before anything is sent to the store.
type InvalidFunnelQueryError struct {
	Msg string
}

func (e *InvalidFunnelQueryError) Error() string {
	return e.Msg
}

func newInvalidFunnelQueryError(format string, args ...interface{}) error {
	return &InvalidFunnelQueryError{Msg: fmt.Sprintf(format, args...)}
}

func IsInvalidFunnelQuery(err error) bool {
	if err == nil {
		return false
	}
	_, ok := errors.Cause(err).(*InvalidFunnelQueryError)
	return ok
}

const (
	ErrMsgExclusionStepsMissing      = "Exclusion event needs to define funnel steps."
	ErrMsgExclusionRangeInverted     = "Exclusion event range is invalid. End of range should be greater than start."
	ErrMsgExclusionStartOutOfRange   = "Exclusion event range is invalid. Start of range is greater than number of steps."
	ErrMsgExclusionEndOutOfRange     = "Exclusion event range is invalid. End of range is greater than number of steps."
	ErrMsgExclusionMatchesStep       = "Exclusion event can't be the same as funnel step."
	ErrMsgUnsupportedBreakdownType   = "Unsupported breakdown type."
	ErrMsgBreakdownPropertyMissing   = "Breakdown property is missing."
	ErrMsgBreakdownCohortsMissing    = "Breakdown cohorts are missing."
	ErrMsgBreakdownWithoutSteps      = "Breakdown requires at least one step."
	ErrMsgInvalidOrderType           = "Invalid funnel order type."
	ErrMsgInvalidVizType             = "Invalid funnel viz type."
	ErrMsgInvalidInterval            = "Invalid funnel interval."
	ErrMsgInvalidStepOrder           = "Duplicate or non contiguous funnel step order."
	ErrMsgInvalidStepType            = "Invalid funnel step type."
	ErrMsgEventStepWithoutName       = "Event step requires an event name."
	ErrMsgActionStepWithoutID        = "Action step requires an action id."
	ErrMsgInvalidPropertyOperator    = "Invalid property operator."
	ErrMsgInvalidPropertyEntity      = "Invalid property entity."
	ErrMsgTrendsStepsOutOfRange      = "Funnel from and to steps are invalid."
	ErrMsgInvalidConversionWindow    = "Funnel window days should be positive."
	ErrMsgInvalidDateRange           = "Invalid date range."
	ErrMsgInvalidFunnelStepForUsers  = "Funnel step for users is out of range."
	ErrMsgInvalidLimitOffset         = "Limit and offset should not be negative."
	ErrMsgStepBreakdownNoBreakdown   = "Funnel step breakdown requires a breakdown."
)

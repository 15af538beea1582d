package model

import (
	"sort"
	"time"

	"github.com/imdario/mergo"
	log "github.com/sirupsen/logrus"

	U "github.com/augustogoulart/posthog/util"
)

var funnelQueryDefaults = FunnelQuery{
	FunnelWindowDays: DefaultFunnelWindowDays,
	OrderType:        FunnelOrderOrdered,
	VizType:          FunnelVizSteps,
	Interval:         FunnelIntervalDay,
	Limit:            DefaultFunnelLimit,
}

// ValidateAndNormalizeFunnelQuery Returns a validated copy of the query
// with defaults filled. The given query is never modified.
func ValidateAndNormalizeFunnelQuery(query FunnelQuery, now time.Time) (FunnelQuery, error) {
	var normalized FunnelQuery
	if err := U.DeepCopy(query, &normalized); err != nil {
		return FunnelQuery{}, err
	}

	if normalized.FunnelWindowDays < 0 {
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidConversionWindow)
	}

	if err := mergo.Merge(&normalized, funnelQueryDefaults); err != nil {
		return FunnelQuery{}, err
	}

	if normalized.To == 0 {
		normalized.To = now.UTC().Unix()
	}
	if normalized.From == 0 {
		normalized.From = U.BeginningOfDay(now.AddDate(0, 0, -DefaultFunnelDateRangeDay)).Unix()
	}
	if normalized.From > normalized.To {
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidDateRange)
	}

	if normalized.Limit < 0 || normalized.Offset < 0 {
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidLimitOffset)
	}

	switch normalized.OrderType {
	case FunnelOrderOrdered, FunnelOrderStrict, FunnelOrderUnordered:
	default:
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidOrderType)
	}

	switch normalized.VizType {
	case FunnelVizSteps, FunnelVizTrends:
	default:
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidVizType)
	}

	switch normalized.Interval {
	case FunnelIntervalHour, FunnelIntervalDay, FunnelIntervalWeek, FunnelIntervalMonth:
	default:
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidInterval)
	}

	if len(normalized.Steps) > MaxFunnelSteps {
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgMaxFunnelStepsExceeded)
	}

	if err := validateProperties(normalized.GlobalProperties); err != nil {
		return FunnelQuery{}, err
	}

	sort.SliceStable(normalized.Steps, func(i, j int) bool {
		return normalized.Steps[i].Order < normalized.Steps[j].Order
	})
	for i := range normalized.Steps {
		if normalized.Steps[i].Order != i {
			return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidStepOrder)
		}
		if err := validateFunnelStep(&normalized.Steps[i]); err != nil {
			return FunnelQuery{}, err
		}
	}

	if normalized.IsTrends() && normalized.HasBreakdown() {
		log.WithField("breakdown", normalized.Breakdown).
			Warn("Breakdown is not supported on funnel trends. Ignoring breakdown.")
		normalized.Breakdown = nil
	}

	if normalized.HasBreakdown() {
		if err := validateBreakdown(normalized.Breakdown, len(normalized.Steps)); err != nil {
			return FunnelQuery{}, err
		}
	} else if len(normalized.FunnelStepBreakdown) > 0 {
		return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgStepBreakdownNoBreakdown)
	}

	// Nothing to compute. Callers return an empty result.
	if len(normalized.Steps) == 0 {
		return normalized, nil
	}

	if err := validateExclusions(normalized.Exclusions, normalized.Steps); err != nil {
		return FunnelQuery{}, err
	}

	if normalized.IsTrends() {
		if normalized.FunnelFromStep == nil {
			normalized.FunnelFromStep = IntPtr(0)
		}
		if normalized.FunnelToStep == nil {
			normalized.FunnelToStep = IntPtr(len(normalized.Steps) - 1)
		}
		from, to := *normalized.FunnelFromStep, *normalized.FunnelToStep
		if from < 0 || to > len(normalized.Steps)-1 || from > to {
			return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgTrendsStepsOutOfRange)
		}
	}

	if normalized.FunnelStep != nil {
		step := *normalized.FunnelStep
		if step == 0 || step > len(normalized.Steps) || -step > len(normalized.Steps) {
			return FunnelQuery{}, newInvalidFunnelQueryError(ErrMsgInvalidFunnelStepForUsers)
		}
	}

	return normalized, nil
}

func validateFunnelStep(step *FunnelStep) error {
	if step.Type == "" {
		if step.ActionID > 0 {
			step.Type = FunnelStepTypeActions
		} else {
			step.Type = FunnelStepTypeEvents
		}
	}

	switch step.Type {
	case FunnelStepTypeEvents:
		if step.Name == "" {
			return newInvalidFunnelQueryError(ErrMsgEventStepWithoutName)
		}
	case FunnelStepTypeActions:
		if step.ActionID == 0 {
			return newInvalidFunnelQueryError(ErrMsgActionStepWithoutID)
		}
	default:
		return newInvalidFunnelQueryError(ErrMsgInvalidStepType)
	}

	return validateProperties(step.Properties)
}

func validateProperties(properties []QueryProperty) error {
	for i := range properties {
		if !IsValidPropertyOperator(properties[i].Operator) {
			return newInvalidFunnelQueryError(ErrMsgInvalidPropertyOperator)
		}
		if properties[i].Entity != PropertyEntityEvent && properties[i].Entity != PropertyEntityUser {
			return newInvalidFunnelQueryError(ErrMsgInvalidPropertyEntity)
		}
	}
	return nil
}

func validateBreakdown(breakdown *FunnelBreakdown, numSteps int) error {
	if numSteps == 0 {
		return newInvalidFunnelQueryError(ErrMsgBreakdownWithoutSteps)
	}

	if breakdown.Type == "" {
		breakdown.Type = BreakdownTypeEvent
	}
	if breakdown.Limit <= 0 {
		breakdown.Limit = DefaultBreakdownLimit
	}

	switch breakdown.Type {
	case BreakdownTypeEvent, BreakdownTypeUser:
		if breakdown.Property == "" {
			return newInvalidFunnelQueryError(ErrMsgBreakdownPropertyMissing)
		}
	case BreakdownTypeCohort:
		if len(breakdown.CohortIDs) == 0 {
			return newInvalidFunnelQueryError(ErrMsgBreakdownCohortsMissing)
		}
	default:
		return newInvalidFunnelQueryError(ErrMsgUnsupportedBreakdownType)
	}
	return nil
}

func validateExclusions(exclusions []FunnelExclusion, steps []FunnelStep) error {
	lastStep := len(steps) - 1
	for i := range exclusions {
		exclusion := &exclusions[i]
		if exclusion.FromStep == nil || exclusion.ToStep == nil {
			return newInvalidFunnelQueryError(ErrMsgExclusionStepsMissing)
		}

		from, to := *exclusion.FromStep, *exclusion.ToStep
		if from >= to {
			return newInvalidFunnelQueryError(ErrMsgExclusionRangeInverted)
		}
		if from < 0 || from >= lastStep {
			return newInvalidFunnelQueryError(ErrMsgExclusionStartOutOfRange)
		}
		if to > lastStep {
			return newInvalidFunnelQueryError(ErrMsgExclusionEndOutOfRange)
		}

		if err := validateFunnelStep(&exclusion.FunnelStep); err != nil {
			return err
		}
		for order := from; order <= to; order++ {
			if steps[order].Equals(exclusion.FunnelStep) {
				return newInvalidFunnelQueryError(ErrMsgExclusionMatchesStep)
			}
		}
	}
	return nil
}

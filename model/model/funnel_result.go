package model

import (
	"time"

	U "github.com/augustogoulart/posthog/util"
)

type FunnelStepResult struct {
	Order    int    `json:"order"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	ActionID int64  `json:"action_id,omitempty"`
	// Count Subjects who reached this step or beyond.
	Count int64 `json:"count"`
	// Seconds from the previous step. Nil on the first step and when no
	// subject converted into this step.
	AverageConversionTime *float64 `json:"average_conversion_time"`
	MedianConversionTime  *float64 `json:"median_conversion_time"`
	// Breakdown values credited at this step.
	Breakdown []string `json:"breakdown,omitempty"`
}

type FunnelBreakdownResult struct {
	Value string             `json:"value"`
	Steps []FunnelStepResult `json:"steps"`
}

type FunnelResult struct {
	Steps      []FunnelStepResult      `json:"steps,omitempty"`
	Breakdowns []FunnelBreakdownResult `json:"breakdowns,omitempty"`
}

func (r *FunnelResult) IsEmpty() bool {
	return len(r.Steps) == 0 && len(r.Breakdowns) == 0
}

type FunnelTrendsPeriod struct {
	Timestamp            time.Time `json:"timestamp"`
	ReachedFromStepCount int64     `json:"reached_from_step_count"`
	ReachedToStepCount   int64     `json:"reached_to_step_count"`
	ConversionRate       float64   `json:"conversion_rate"`
	// IsPeriodFinal Subjects entering in this period can no longer convert.
	IsPeriodFinal bool `json:"is_period_final"`
}

// IsPeriodFinal Subjects entering on the period can not convert anymore
// when the whole window has passed since.
func IsPeriodFinal(periodStart time.Time, now time.Time, windowDays int) bool {
	return !U.DateOf(periodStart).After(U.DateOf(now).AddDate(0, 0, -windowDays))
}

type FunnelTrendsResult struct {
	Periods []FunnelTrendsPeriod `json:"periods"`
	Count   int                  `json:"count"`
	Days    []string             `json:"days"`
	Labels  []string             `json:"labels"`
	Data    []float64            `json:"data"`
}

// FillTrendsDisplay Sets days, labels and data from periods.
func (r *FunnelTrendsResult) FillTrendsDisplay(interval string) {
	r.Count = len(r.Periods)
	r.Days = make([]string, 0, len(r.Periods))
	r.Labels = make([]string, 0, len(r.Periods))
	r.Data = make([]float64, 0, len(r.Periods))

	dayFormat := U.DATE_FORMAT_DB
	if interval == FunnelIntervalHour {
		dayFormat = U.DATETIME_FORMAT_DB
	}
	for _, period := range r.Periods {
		r.Days = append(r.Days, period.Timestamp.Format(dayFormat))
		r.Labels = append(r.Labels, period.Timestamp.Format("Mon. 2 Jan"))
		r.Data = append(r.Data, period.ConversionRate)
	}
}

type FunnelUsersResult struct {
	UserIDs []string `json:"user_ids"`
	// HasMore A full page was returned, next page may exist.
	HasMore bool `json:"has_more"`
}

// NewFunnelStepResult Step result carrying the identity of the step.
func NewFunnelStepResult(step FunnelStep, count int64) FunnelStepResult {
	return FunnelStepResult{
		Order:    step.Order,
		Type:     step.Type,
		Name:     step.Name,
		ActionID: step.ActionID,
		Count:    count,
	}
}

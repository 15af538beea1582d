package model

import (
	"reflect"
	"time"

	U "github.com/augustogoulart/posthog/util"
)

const (
	FunnelOrderOrdered   = "ordered"
	FunnelOrderStrict    = "strict"
	FunnelOrderUnordered = "unordered"
)

const (
	FunnelVizSteps  = "steps"
	FunnelVizTrends = "trends"
)

const (
	FunnelIntervalHour  = "hour"
	FunnelIntervalDay   = "day"
	FunnelIntervalWeek  = "week"
	FunnelIntervalMonth = "month"
)

const (
	FunnelStepTypeEvents  = "events"
	FunnelStepTypeActions = "actions"
)

const (
	BreakdownTypeEvent  = "event"
	BreakdownTypeUser   = "user"
	BreakdownTypeCohort = "cohort"
)

// AllUsersCohortID Pseudo cohort containing every user of the project.
const AllUsersCohortID int64 = 0

const (
	DefaultFunnelWindowDays   = 14
	DefaultFunnelLimit        = 100
	DefaultBreakdownLimit     = 5
	DefaultFunnelDateRangeDay = 7
	MaxFunnelSteps            = 30

	// Ranking used for picking top breakdown values.
	DefaultBreakdownAggregate = "count(*)"
)

// FunnelStep One step of the funnel. Matches either an event by name
// or any of the steps of an action, both narrowed by properties.
type FunnelStep struct {
	Order      int             `json:"order" yaml:"order"`
	Type       string          `json:"type" yaml:"type"`
	Name       string          `json:"name,omitempty" yaml:"name"`
	ActionID   int64           `json:"action_id,omitempty" yaml:"action_id"`
	Properties []QueryProperty `json:"properties,omitempty" yaml:"properties"`
}

// Equals Two steps are equal when they match the same events.
func (s FunnelStep) Equals(other FunnelStep) bool {
	if s.Type != other.Type || s.Name != other.Name || s.ActionID != other.ActionID {
		return false
	}
	if len(s.Properties) == 0 && len(other.Properties) == 0 {
		return true
	}
	return reflect.DeepEqual(s.Properties, other.Properties)
}

// FunnelExclusion Subjects doing the exclusion event between FromStep and
// ToStep are not credited for ToStep and beyond.
type FunnelExclusion struct {
	FunnelStep `yaml:",inline"`
	FromStep   *int `json:"funnel_from_step" yaml:"funnel_from_step"`
	ToStep     *int `json:"funnel_to_step" yaml:"funnel_to_step"`
}

func (e FunnelExclusion) From() int {
	if e.FromStep == nil {
		return 0
	}
	return *e.FromStep
}

func (e FunnelExclusion) To() int {
	if e.ToStep == nil {
		return 0
	}
	return *e.ToStep
}

type FunnelBreakdown struct {
	Type      string  `json:"type" yaml:"type"`
	Property  string  `json:"property,omitempty" yaml:"property"`
	CohortIDs []int64 `json:"cohort_ids,omitempty" yaml:"cohort_ids"`
	Limit     int     `json:"limit,omitempty" yaml:"limit"`
	// Values Resolved breakdown values. Fetched from the store when empty.
	Values []string `json:"values,omitempty" yaml:"values"`
}

type FunnelQuery struct {
	Steps            []FunnelStep      `json:"steps" yaml:"steps"`
	Exclusions       []FunnelExclusion `json:"exclusions,omitempty" yaml:"exclusions"`
	Breakdown        *FunnelBreakdown  `json:"breakdown,omitempty" yaml:"breakdown"`
	GlobalProperties []QueryProperty   `json:"global_properties,omitempty" yaml:"global_properties"`

	FunnelWindowDays int    `json:"funnel_window_days" yaml:"funnel_window_days"`
	OrderType        string `json:"order_type" yaml:"order_type"`
	VizType          string `json:"viz_type" yaml:"viz_type"`
	Interval         string `json:"interval" yaml:"interval"`
	// Unix seconds.
	From int64 `json:"from" yaml:"from"`
	To   int64 `json:"to" yaml:"to"`

	// Trends reference steps.
	FunnelFromStep *int `json:"funnel_from_step,omitempty" yaml:"funnel_from_step"`
	FunnelToStep   *int `json:"funnel_to_step,omitempty" yaml:"funnel_to_step"`

	// Users by step. Positive: reached the step, negative: dropped off at the step.
	FunnelStep          *int     `json:"funnel_step,omitempty" yaml:"funnel_step"`
	FunnelStepBreakdown []string `json:"funnel_step_breakdown,omitempty" yaml:"funnel_step_breakdown"`
	Limit               int      `json:"limit" yaml:"limit"`
	Offset              int      `json:"offset" yaml:"offset"`
}

func (q *FunnelQuery) HasBreakdown() bool {
	return q.Breakdown != nil
}

func (q *FunnelQuery) IsTrends() bool {
	return q.VizType == FunnelVizTrends
}

func (q *FunnelQuery) NumSteps() int {
	return len(q.Steps)
}

// FromStepIndex Defaults to first step.
func (q *FunnelQuery) FromStepIndex() int {
	if q.FunnelFromStep == nil {
		return 0
	}
	return *q.FunnelFromStep
}

// ToStepIndex Defaults to last step.
func (q *FunnelQuery) ToStepIndex() int {
	if q.FunnelToStep == nil {
		return len(q.Steps) - 1
	}
	return *q.FunnelToStep
}

// WindowInSeconds Conversion window.
func (q *FunnelQuery) WindowInSeconds() int64 {
	return int64(q.FunnelWindowDays) * U.SECONDS_IN_A_DAY
}

func (q *FunnelQuery) FromTime() time.Time {
	return time.Unix(q.From, 0).UTC()
}

func (q *FunnelQuery) ToTime() time.Time {
	return time.Unix(q.To, 0).UTC()
}

// GetAllPeriodsForInterval Calendar of period starts between From and To.
func GetAllPeriodsForInterval(from, to int64, interval string) []time.Time {
	switch interval {
	case FunnelIntervalHour:
		return U.GetAllHoursAsTimestamp(from, to)
	case FunnelIntervalWeek:
		return U.GetAllWeeksAsTimestamp(from, to)
	case FunnelIntervalMonth:
		return U.GetAllMonthsAsTimestamp(from, to)
	default:
		return U.GetAllDatesAsTimestamp(from, to)
	}
}

// TruncateToInterval Start of the period containing t.
func TruncateToInterval(t time.Time, interval string) time.Time {
	switch interval {
	case FunnelIntervalHour:
		return U.BeginningOfHour(t)
	case FunnelIntervalWeek:
		return U.BeginningOfWeek(t)
	case FunnelIntervalMonth:
		return U.BeginningOfMonth(t)
	default:
		return U.BeginningOfDay(t)
	}
}

func IntPtr(i int) *int {
	return &i
}

// Action Saved, reusable event matcher. Matches when any step matches.
type Action struct {
	ID        int64        `json:"id"`
	ProjectID int64        `json:"project_id"`
	Name      string       `json:"name"`
	Steps     []ActionStep `json:"steps"`
}

type ActionStep struct {
	Event      string          `json:"event"`
	Properties []QueryProperty `json:"properties,omitempty"`
}

// Event Row of the events store joined with the user.
type Event struct {
	ProjectID      int64                  `json:"project_id"`
	UserID         string                 `json:"user_id"`
	CustomerUserID string                 `json:"customer_user_id,omitempty"`
	EventName      string                 `json:"event_name"`
	Timestamp      time.Time              `json:"timestamp"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
	UserProperties map[string]interface{} `json:"user_properties,omitempty"`
}

// SubjectID Customer user id when identified, else the anonymous user id.
func (e *Event) SubjectID() string {
	if e.CustomerUserID != "" {
		return e.CustomerUserID
	}
	return e.UserID
}

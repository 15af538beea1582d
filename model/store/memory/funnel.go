package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/augustogoulart/posthog/model/model"
)

type resolvedStep struct {
	step   model.FunnelStep
	action *model.Action
}

func (s resolvedStep) matches(event *model.Event) bool {
	if s.step.Type != model.FunnelStepTypeActions {
		return event.EventName == s.step.Name && matchProperties(s.step.Properties, event)
	}
	if s.action == nil {
		return false
	}

	for _, actionStep := range s.action.Steps {
		if actionStep.Event != "" && actionStep.Event != event.EventName {
			continue
		}
		if matchProperties(actionStep.Properties, event) {
			return matchProperties(s.step.Properties, event)
		}
	}
	return false
}

// funnelRow Event of a subject with the steps and exclusions it matches.
type funnelRow struct {
	timestamp  time.Time
	steps      []bool
	exclusions []bool
}

func (r *funnelRow) matchesAny() bool {
	for _, matched := range r.steps {
		if matched {
			return true
		}
	}
	for _, matched := range r.exclusions {
		if matched {
			return true
		}
	}
	return false
}

type groupKey struct {
	subject string
	prop    string
}

// anchorResult Furthest step reached from one anchor event with seconds
// between consecutive steps.
type anchorResult struct {
	group     groupKey
	timestamp time.Time
	steps     int
	times     []*float64
}

type evaluator struct {
	query      model.FunnelQuery
	steps      []resolvedStep
	exclusions []resolvedStep
	window     time.Duration
}

func (e *evaluator) numSteps() int {
	return len(e.steps)
}

func (e *evaluator) isDuplicate(steps []int, i int) bool {
	return i > 0 && e.steps[steps[i]].step.Equals(e.steps[steps[i-1]].step)
}

func (e *evaluator) newRow(event *model.Event) funnelRow {
	row := funnelRow{
		timestamp:  event.Timestamp,
		steps:      make([]bool, len(e.steps)),
		exclusions: make([]bool, len(e.exclusions)),
	}
	for i := range e.steps {
		row.steps[i] = e.steps[i].matches(event)
	}
	for j := range e.exclusions {
		row.exclusions[j] = e.exclusions[j].matches(event)
	}
	return row
}

// earliestFrom First row at or after start matching the step no earlier than notBefore.
func earliestFrom(rows []funnelRow, start int, matches func(r *funnelRow) bool, notBefore *time.Time) (int, *time.Time) {
	for q := start; q < len(rows); q++ {
		if !matches(&rows[q]) {
			continue
		}
		if notBefore != nil && rows[q].timestamp.Before(*notBefore) {
			continue
		}
		ts := rows[q].timestamp
		return q, &ts
	}
	return -1, nil
}

// firstAfter Timestamp of the first row at or after start matching strictly
// after the given time.
func firstAfter(rows []funnelRow, start int, matches func(r *funnelRow) bool, after *time.Time) *time.Time {
	if after == nil {
		return nil
	}
	for q := start; q < len(rows); q++ {
		if matches(&rows[q]) && rows[q].timestamp.After(*after) {
			ts := rows[q].timestamp
			return &ts
		}
	}
	return nil
}

func stepMatcher(i int) func(r *funnelRow) bool {
	return func(r *funnelRow) bool { return r.steps[i] }
}

func exclusionMatcher(j int) func(r *funnelRow) bool {
	return func(r *funnelRow) bool { return r.exclusions[j] }
}

func (e *evaluator) withinWindow(anchor, ts time.Time) bool {
	return !ts.After(anchor.Add(e.window))
}

// rawSteps Furthest k such that steps before k happened in order within the window.
func (e *evaluator) rawSteps(latest []*time.Time) int {
	steps := 1
	for i := 1; i < len(latest); i++ {
		if latest[i] == nil || latest[i-1] == nil || !latest[i-1].Before(*latest[i]) ||
			!e.withinWindow(*latest[0], *latest[i]) {
			break
		}
		steps = i + 1
	}
	return steps
}

func (e *evaluator) capSteps(steps int, excluded []bool) int {
	for j, exclusion := range e.query.Exclusions {
		if excluded[j] && exclusion.To() < steps {
			steps = exclusion.To()
		}
	}
	return steps
}

func stepTimes(times []*time.Time, steps int) []*float64 {
	result := make([]*float64, 0, len(times))
	for i := 1; i < len(times); i++ {
		if steps < i+1 || times[i] == nil || times[i-1] == nil {
			result = append(result, nil)
			continue
		}
		seconds := float64(times[i].Unix() - times[i-1].Unix())
		result = append(result, &seconds)
	}
	return result
}

// excludedBetween Exclusion happened after from and before to. Without to,
// before the end of the window.
func (e *evaluator) excludedBetween(exclusionTime, from, to *time.Time) bool {
	if exclusionTime == nil || from == nil {
		return false
	}
	bound := from.Add(e.window)
	if to != nil {
		bound = *to
	}
	return exclusionTime.After(*from) && exclusionTime.Before(bound)
}

func (e *evaluator) evaluateOrdered(group groupKey, rows []funnelRow) []anchorResult {
	order := make([]int, e.numSteps())
	for i := range order {
		order[i] = i
	}

	results := make([]anchorResult, 0)
	for a := range rows {
		if !rows[a].steps[0] {
			continue
		}

		latest := make([]*time.Time, e.numSteps())
		anchor := rows[a].timestamp
		latest[0] = &anchor
		prevIndex := a
		for i := 1; i < e.numSteps() && latest[i-1] != nil; i++ {
			start := a
			if e.isDuplicate(order, i) {
				start = prevIndex + 1
			}
			prevIndex, latest[i] = earliestFrom(rows, start, stepMatcher(i), latest[i-1])
		}

		excluded := make([]bool, len(e.exclusions))
		for j, exclusion := range e.query.Exclusions {
			from := latest[exclusion.From()]
			exclusionTime := firstAfter(rows, a, exclusionMatcher(j), from)
			excluded[j] = e.excludedBetween(exclusionTime, from, latest[exclusion.To()])
		}

		steps := e.capSteps(e.rawSteps(latest), excluded)
		results = append(results, anchorResult{group: group, timestamp: anchor, steps: steps,
			times: stepTimes(latest, steps)})
	}
	return results
}

// evaluateStrict Rows hold every event of the subject, step i must be the
// i-th event after the anchor.
func (e *evaluator) evaluateStrict(group groupKey, rows []funnelRow) []anchorResult {
	results := make([]anchorResult, 0)
	for a := range rows {
		if !rows[a].steps[0] {
			continue
		}

		latest := make([]*time.Time, e.numSteps())
		for i := 0; i < e.numSteps() && a+i < len(rows); i++ {
			if rows[a+i].steps[i] {
				ts := rows[a+i].timestamp
				latest[i] = &ts
			}
		}

		excluded := make([]bool, len(e.exclusions))
		for j, exclusion := range e.query.Exclusions {
			from := latest[exclusion.From()]
			exclusionTime := firstAfter(rows, a, exclusionMatcher(j), from)
			excluded[j] = e.excludedBetween(exclusionTime, from, latest[exclusion.To()])
		}

		steps := e.capSteps(e.rawSteps(latest), excluded)
		results = append(results, anchorResult{group: group, timestamp: rows[a].timestamp, steps: steps,
			times: stepTimes(latest, steps)})
	}
	return results
}

// evaluateUnordered Every step takes a turn as the anchor. Steps reached are
// the steps done within the window of the anchor in any order.
func (e *evaluator) evaluateUnordered(group groupKey, rows []funnelRow) []anchorResult {
	results := make([]anchorResult, 0)
	n := e.numSteps()
	for r := 0; r < n; r++ {
		order := make([]int, n)
		for i := range order {
			order[i] = (i + r) % n
		}

		for a := range rows {
			if !rows[a].steps[order[0]] {
				continue
			}
			anchor := rows[a].timestamp

			within := make([]time.Time, 0, n-1)
			for i := 1; i < n; i++ {
				start := a
				if e.isDuplicate(order, i) {
					start = a + 1
				}
				_, ts := earliestFrom(rows, start, stepMatcher(order[i]), nil)
				if ts != nil && anchor.Before(*ts) && e.withinWindow(anchor, *ts) {
					within = append(within, *ts)
				}
			}
			sort.Slice(within, func(i, j int) bool { return within[i].Before(within[j]) })

			conversionTimes := make([]*time.Time, n)
			conversionTimes[0] = &anchor
			for i := range within {
				conversionTimes[i+1] = &within[i]
			}
			rawSteps := len(within) + 1

			excluded := make([]bool, len(e.exclusions))
			for j, exclusion := range e.query.Exclusions {
				if rawSteps < exclusion.From()+1 {
					continue
				}
				from := conversionTimes[exclusion.From()]
				var to *time.Time
				if rawSteps >= exclusion.To()+1 {
					to = conversionTimes[exclusion.To()]
				}
				for q := a; q < len(rows) && !excluded[j]; q++ {
					if rows[q].exclusions[j] {
						ts := rows[q].timestamp
						excluded[j] = e.excludedBetween(&ts, from, to)
					}
				}
			}

			steps := e.capSteps(rawSteps, excluded)
			results = append(results, anchorResult{group: group, timestamp: anchor, steps: steps,
				times: stepTimes(conversionTimes, steps)})
		}
	}
	return results
}

func (e *evaluator) evaluate(group groupKey, rows []funnelRow) []anchorResult {
	if e.query.OrderType == model.FunnelOrderStrict {
		return e.evaluateStrict(group, rows)
	}

	filtered := make([]funnelRow, 0, len(rows))
	for i := range rows {
		if rows[i].matchesAny() {
			filtered = append(filtered, rows[i])
		}
	}
	if e.query.OrderType == model.FunnelOrderUnordered {
		return e.evaluateUnordered(group, filtered)
	}
	return e.evaluateOrdered(group, filtered)
}

// breakdownValuesOf Breakdown values of the event, one per cohort for
// cohort breakdowns.
func (store *Memory) breakdownValuesOf(breakdown *model.FunnelBreakdown, event *model.Event) []string {
	switch breakdown.Type {
	case model.BreakdownTypeCohort:
		values := make([]string, 0)
		for _, cohortID := range breakdown.CohortIDs {
			if store.isCohortMember(cohortID, event.UserID) {
				values = append(values, fmt.Sprintf("%d", cohortID))
			}
		}
		return values
	case model.BreakdownTypeUser:
		value, _ := propertyValue(model.PropertyEntityUser, breakdown.Property, event)
		return []string{value}
	default:
		value, _ := propertyValue(model.PropertyEntityEvent, breakdown.Property, event)
		return []string{value}
	}
}

// anchorResults Evaluates every anchor of every subject, grouped by subject
// and breakdown value.
func (store *Memory) anchorResults(projectID int64, e *evaluator, values []string) []anchorResult {
	allowed := make(map[string]bool, len(values))
	for _, value := range values {
		allowed[value] = true
	}

	groups := make(map[groupKey][]funnelRow)
	keys := make([]groupKey, 0)
	for _, event := range store.projectEvents(projectID, e.query) {
		row := e.newRow(event)

		props := []string{""}
		if e.query.HasBreakdown() {
			props = make([]string, 0)
			for _, value := range store.breakdownValuesOf(e.query.Breakdown, event) {
				if value != "" && (len(values) == 0 || allowed[value]) {
					props = append(props, value)
				}
			}
		}

		for _, prop := range props {
			key := groupKey{subject: event.SubjectID(), prop: prop}
			if _, exists := groups[key]; !exists {
				keys = append(keys, key)
			}
			groups[key] = append(groups[key], row)
		}
	}

	results := make([]anchorResult, 0)
	for _, key := range keys {
		results = append(results, e.evaluate(key, groups[key])...)
	}
	return results
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/augustogoulart/posthog/model/model"
	U "github.com/augustogoulart/posthog/util"
)

// personResult Furthest step of a subject (and breakdown value) with the
// average and median times of the anchors reaching it.
type personResult struct {
	group   groupKey
	steps   int
	avgs    []*float64
	medians []*float64
}

func average(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, value := range values {
		sum += value
	}
	avg := sum / float64(len(values))
	return &avg
}

// median Upper middle value on even counts, same as medianExact in
// ClickHouse.
func median(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	m := sorted[len(sorted)/2]
	return &m
}

func nonNil(values []*float64) []float64 {
	result := make([]float64, 0, len(values))
	for _, value := range values {
		if value != nil {
			result = append(result, *value)
		}
	}
	return result
}

func perPersonResults(results []anchorResult, numSteps int) []personResult {
	byGroup := make(map[groupKey][]anchorResult)
	keys := make([]groupKey, 0)
	for _, result := range results {
		if _, exists := byGroup[result.group]; !exists {
			keys = append(keys, result.group)
		}
		byGroup[result.group] = append(byGroup[result.group], result)
	}

	persons := make([]personResult, 0, len(keys))
	for _, key := range keys {
		anchors := byGroup[key]
		maxSteps := 0
		for _, anchor := range anchors {
			if anchor.steps > maxSteps {
				maxSteps = anchor.steps
			}
		}

		person := personResult{group: key, steps: maxSteps}
		for i := 0; i < numSteps-1; i++ {
			times := make([]*float64, 0)
			for _, anchor := range anchors {
				if anchor.steps == maxSteps {
					times = append(times, anchor.times[i])
				}
			}
			person.avgs = append(person.avgs, average(nonNil(times)))
			person.medians = append(person.medians, median(nonNil(times)))
		}
		persons = append(persons, person)
	}
	return persons
}

func stepResults(steps []model.FunnelStep, persons []personResult, breakdown []string) []model.FunnelStepResult {
	results := make([]model.FunnelStepResult, 0, len(steps))
	for i, step := range steps {
		var count int64
		avgs := make([]*float64, 0, len(persons))
		medians := make([]*float64, 0, len(persons))
		for _, person := range persons {
			if person.steps >= i+1 {
				count++
			}
			if i > 0 {
				avgs = append(avgs, person.avgs[i-1])
				medians = append(medians, person.medians[i-1])
			}
		}

		result := model.NewFunnelStepResult(step, count)
		if i > 0 {
			result.AverageConversionTime = average(nonNil(avgs))
			result.MedianConversionTime = median(nonNil(medians))
		}
		result.Breakdown = breakdown
		results = append(results, result)
	}
	return results
}

var errNoBreakdownValues = errors.New("no breakdown values")

// newEvaluator Resolves actions and breakdown values of a normalized query.
func (store *Memory) newEvaluator(projectID int64, query model.FunnelQuery) (*evaluator, []string, error) {
	e := &evaluator{
		query:  query,
		window: time.Duration(query.WindowInSeconds()) * time.Second,
	}

	resolve := func(step model.FunnelStep) (resolvedStep, error) {
		if step.Type != model.FunnelStepTypeActions {
			return resolvedStep{step: step}, nil
		}
		action, err := store.GetAction(projectID, step.ActionID)
		if err != nil {
			return resolvedStep{}, errors.Wrapf(err, "failed to get action %d", step.ActionID)
		}
		return resolvedStep{step: step, action: action}, nil
	}
	for _, step := range query.Steps {
		resolved, err := resolve(step)
		if err != nil {
			return nil, nil, err
		}
		e.steps = append(e.steps, resolved)
	}
	for _, exclusion := range query.Exclusions {
		resolved, err := resolve(exclusion.FunnelStep)
		if err != nil {
			return nil, nil, err
		}
		e.exclusions = append(e.exclusions, resolved)
	}

	if !query.HasBreakdown() {
		return e, nil, nil
	}
	if len(query.Breakdown.Values) > 0 {
		return e, query.Breakdown.Values, nil
	}
	if query.Breakdown.Type == model.BreakdownTypeCohort {
		values := make([]string, 0, len(query.Breakdown.CohortIDs))
		for _, cohortID := range query.Breakdown.CohortIDs {
			values = append(values, fmt.Sprintf("%d", cohortID))
		}
		return e, values, nil
	}

	values := store.topBreakdownValues(projectID, e, model.DefaultBreakdownAggregate, query.Breakdown.Limit)
	if len(values) == 0 {
		return nil, nil, errNoBreakdownValues
	}
	return e, values, nil
}

func (store *Memory) RunFunnelQuery(ctx context.Context, projectID int64,
	query model.FunnelQuery) (*model.FunnelResult, error) {

	logCtx := log.WithField("project_id", projectID)
	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		logCtx.WithError(err).Warn("Invalid funnel query.")
		return nil, err
	}
	if len(normalized.Steps) == 0 {
		return &model.FunnelResult{Steps: []model.FunnelStepResult{}}, nil
	}

	e, values, err := store.newEvaluator(projectID, normalized)
	if err == errNoBreakdownValues {
		return &model.FunnelResult{Breakdowns: []model.FunnelBreakdownResult{}}, nil
	}
	if err != nil {
		return nil, err
	}

	persons := perPersonResults(store.anchorResults(projectID, e, values), e.numSteps())
	if !normalized.HasBreakdown() {
		return &model.FunnelResult{Steps: stepResults(normalized.Steps, persons, nil)}, nil
	}

	byValue := make(map[string][]personResult)
	for _, person := range persons {
		byValue[person.group.prop] = append(byValue[person.group.prop], person)
	}
	result := &model.FunnelResult{Breakdowns: make([]model.FunnelBreakdownResult, 0, len(values))}
	for _, value := range values {
		if len(byValue[value]) == 0 {
			continue
		}
		result.Breakdowns = append(result.Breakdowns, model.FunnelBreakdownResult{
			Value: value,
			Steps: stepResults(normalized.Steps, byValue[value], []string{value}),
		})
	}
	return result, nil
}

func (store *Memory) RunFunnelTrendsQuery(ctx context.Context, projectID int64,
	query model.FunnelQuery) (*model.FunnelTrendsResult, error) {

	query.VizType = model.FunnelVizTrends
	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		log.WithField("project_id", projectID).WithError(err).Warn("Invalid funnel trends query.")
		return nil, err
	}

	result := &model.FunnelTrendsResult{Periods: []model.FunnelTrendsPeriod{}}
	if len(normalized.Steps) == 0 {
		result.FillTrendsDisplay(normalized.Interval)
		return result, nil
	}

	e, _, err := store.newEvaluator(projectID, normalized)
	if err != nil {
		return nil, err
	}

	type entrance struct {
		subject string
		period  int64
	}
	stepsCompleted := make(map[entrance]int)
	for _, anchor := range store.anchorResults(projectID, e, nil) {
		key := entrance{
			subject: anchor.group.subject,
			period:  model.TruncateToInterval(anchor.timestamp, normalized.Interval).Unix(),
		}
		if anchor.steps > stepsCompleted[key] {
			stepsCompleted[key] = anchor.steps
		}
	}

	fromStep, toStep := normalized.FromStepIndex(), normalized.ToStepIndex()
	fromCounts := make(map[int64]int64)
	toCounts := make(map[int64]int64)
	for key, steps := range stepsCompleted {
		if steps >= fromStep+1 {
			fromCounts[key.period]++
		}
		if steps >= toStep+1 {
			toCounts[key.period]++
		}
	}

	now := store.now()
	for _, periodStart := range model.GetAllPeriodsForInterval(normalized.From, normalized.To, normalized.Interval) {
		period := model.FunnelTrendsPeriod{
			Timestamp:            periodStart,
			ReachedFromStepCount: fromCounts[periodStart.Unix()],
			ReachedToStepCount:   toCounts[periodStart.Unix()],
			IsPeriodFinal:        model.IsPeriodFinal(periodStart, now, normalized.FunnelWindowDays),
		}
		if period.ReachedFromStepCount > 0 {
			rate, _ := U.FloatRoundOffWithPrecision(
				float64(period.ReachedToStepCount)/float64(period.ReachedFromStepCount)*100, 2)
			period.ConversionRate = rate
		}
		result.Periods = append(result.Periods, period)
	}
	result.FillTrendsDisplay(normalized.Interval)
	return result, nil
}

func (store *Memory) GetFunnelUsers(ctx context.Context, projectID int64,
	query model.FunnelQuery) (*model.FunnelUsersResult, error) {

	if query.FunnelStep == nil {
		return nil, &model.InvalidFunnelQueryError{Msg: model.ErrMsgInvalidFunnelStepForUsers}
	}
	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		log.WithField("project_id", projectID).WithError(err).Warn("Invalid funnel users query.")
		return nil, err
	}

	result := &model.FunnelUsersResult{UserIDs: []string{}}
	if len(normalized.Steps) == 0 {
		return result, nil
	}

	e, values, err := store.newEvaluator(projectID, normalized)
	if err == errNoBreakdownValues {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	funnelStep := *normalized.FunnelStep
	subjects := make(map[string]bool)
	for _, person := range perPersonResults(store.anchorResults(projectID, e, values), e.numSteps()) {
		if funnelStep > 0 && person.steps < funnelStep {
			continue
		}
		if funnelStep < 0 && person.steps != -funnelStep-1 {
			continue
		}
		if normalized.HasBreakdown() && len(normalized.FunnelStepBreakdown) > 0 &&
			!U.StringValueIn(person.group.prop, normalized.FunnelStepBreakdown) {
			continue
		}
		subjects[person.group.subject] = true
	}

	userIDs := make([]string, 0, len(subjects))
	for subject := range subjects {
		userIDs = append(userIDs, subject)
	}
	sort.Strings(userIDs)

	if normalized.Offset >= len(userIDs) {
		return result, nil
	}
	userIDs = userIDs[normalized.Offset:]
	if normalized.Limit > 0 && len(userIDs) > normalized.Limit {
		userIDs = userIDs[:normalized.Limit]
	}
	result.UserIDs = userIDs
	result.HasMore = normalized.Limit > 0 && len(userIDs) == normalized.Limit
	return result, nil
}

// topBreakdownValues Values of events matching the first step ranked by
// aggregate, ties broken by value.
func (store *Memory) topBreakdownValues(projectID int64, e *evaluator, aggregate string, limit int) []string {
	counts := make(map[string]int)
	subjects := make(map[string]map[string]bool)
	for _, event := range store.projectEvents(projectID, e.query) {
		if !e.steps[0].matches(event) {
			continue
		}
		for _, value := range store.breakdownValuesOf(e.query.Breakdown, event) {
			if value == "" {
				continue
			}
			counts[value]++
			if subjects[value] == nil {
				subjects[value] = make(map[string]bool)
			}
			subjects[value][event.SubjectID()] = true
		}
	}

	values := make([]string, 0, len(counts))
	for value := range counts {
		values = append(values, value)
	}
	rank := func(value string) int {
		if aggregate == "count(DISTINCT coal_user_id)" {
			return len(subjects[value])
		}
		return counts[value]
	}
	sort.Slice(values, func(i, j int) bool {
		if rank(values[i]) != rank(values[j]) {
			return rank(values[i]) > rank(values[j])
		}
		return values[i] < values[j]
	})

	if limit > 0 && len(values) > limit {
		values = values[:limit]
	}
	return values
}

func (store *Memory) GetBreakdownValues(ctx context.Context, projectID int64, query model.FunnelQuery,
	aggregate string, limit int) ([]string, error) {

	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		log.WithField("project_id", projectID).WithError(err).Warn("Invalid breakdown values query.")
		return nil, err
	}
	if !normalized.HasBreakdown() || len(normalized.Steps) == 0 {
		return []string{}, nil
	}

	withoutValues := normalized
	breakdown := *normalized.Breakdown
	breakdown.Values = nil
	withoutValues.Breakdown = &breakdown

	e, values, err := store.newEvaluator(projectID, withoutValues)
	if err == errNoBreakdownValues {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if breakdown.Type == model.BreakdownTypeCohort {
		return values, nil
	}
	return store.topBreakdownValues(projectID, e, aggregate, limit), nil
}

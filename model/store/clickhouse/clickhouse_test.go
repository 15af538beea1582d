package clickhouse

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/augustogoulart/posthog/model/model"
)

var testNow = time.Date(2021, 5, 10, 12, 0, 0, 0, time.UTC)

const testProjectID int64 = 1

type executedQuery struct {
	stmnt  string
	params model.Params
}

// fakeExecutor Returns rows of the first matcher contained in the statement.
type fakeExecutor struct {
	rows     map[string][][]interface{}
	err      error
	executed []executedQuery
}

func (e *fakeExecutor) Query(ctx context.Context, stmnt string, params model.Params) ([][]interface{}, error) {
	e.executed = append(e.executed, executedQuery{stmnt: stmnt, params: params})
	if e.err != nil {
		return nil, e.err
	}
	for matcher, rows := range e.rows {
		if strings.Contains(stmnt, matcher) {
			return rows, nil
		}
	}
	return [][]interface{}{}, nil
}

type fakeActionResolver map[int64]*model.Action

func (r fakeActionResolver) GetAction(projectID int64, actionID int64) (*model.Action, error) {
	action, exists := r[actionID]
	if !exists {
		return nil, errors.New("action not found")
	}
	return action, nil
}

type fakeBreakdownValues []string

func (f fakeBreakdownValues) GetBreakdownValues(ctx context.Context, projectID int64, query model.FunnelQuery,
	aggregate string, limit int) ([]string, error) {
	return f, nil
}

func newTestStore(options ...Option) *ClickHouse {
	options = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithPropertyTranslator(NewDefaultPropertyTranslator([]string{"$browser"})),
	}, options...)
	return New(options...)
}

func eventSteps(names ...string) []model.FunnelStep {
	steps := make([]model.FunnelStep, 0, len(names))
	for i, name := range names {
		steps = append(steps, model.FunnelStep{Order: i, Type: model.FunnelStepTypeEvents, Name: name})
	}
	return steps
}

func testQuery(names ...string) model.FunnelQuery {
	return model.FunnelQuery{
		Steps: eventSteps(names...),
		From:  time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC).Unix(),
		To:    time.Date(2021, 5, 9, 0, 0, 0, 0, time.UTC).Unix(),
	}
}

func compile(t *testing.T, store *ClickHouse, query model.FunnelQuery) *model.FunnelStatement {
	statement, err := store.CompileFunnelQuery(context.Background(), testProjectID, query)
	require.Nil(t, err)
	return statement
}

func TestCompileFunnelQueryDeterministic(t *testing.T) {
	query := testQuery("signup", "view", "purchase")
	query.GlobalProperties = []model.QueryProperty{
		{Entity: model.PropertyEntityUser, Property: "plan", Operator: model.EqualsOpStr, Value: "pro"},
	}
	query.Exclusions = []model.FunnelExclusion{{
		FunnelStep: model.FunnelStep{Type: model.FunnelStepTypeEvents, Name: "logout"},
		FromStep:   model.IntPtr(0), ToStep: model.IntPtr(2),
	}}

	for _, orderType := range []string{model.FunnelOrderOrdered, model.FunnelOrderStrict, model.FunnelOrderUnordered} {
		t.Run(orderType, func(t *testing.T) {
			query.OrderType = orderType
			first := compile(t, newTestStore(), query)
			second := compile(t, newTestStore(), query)
			assert.Equal(t, first.Stmnt, second.Stmnt)
			assert.Equal(t, first.Params, second.Params)
			assert.NotEmpty(t, first.Stmnt)
		})
	}
}

func TestCompileFunnelQueryParams(t *testing.T) {
	query := testQuery("signup", "purchase")
	statement := compile(t, newTestStore(), query)

	assert.Equal(t, testProjectID, statement.Params["project_id"])
	assert.Equal(t, query.From, statement.Params["date_from"])
	assert.Equal(t, query.To, statement.Params["date_to"])
	assert.Equal(t, "signup", statement.Params["f_s0_event"])
	assert.Equal(t, "purchase", statement.Params["f_s1_event"])
	assert.Equal(t, []string{"purchase", "signup"}, statement.Params["f_events"])

	assert.Contains(t, statement.Stmnt, "e.project_id = @project_id")
	assert.Contains(t, statement.Stmnt, "has(@f_events, e.event_name)")
	assert.Contains(t, statement.Stmnt, "if(empty(u.customer_user_id), e.user_id, u.customer_user_id) AS coal_user_id")
	assert.NotContains(t, statement.Stmnt, "signup")
}

func TestCompileOrderedFunnel(t *testing.T) {
	t.Run("Frames", func(t *testing.T) {
		statement := compile(t, newTestStore(), testQuery("a", "b", "c"))
		assert.Contains(t, statement.Stmnt,
			"min(latest_1) OVER (PARTITION BY coal_user_id ORDER BY timestamp DESC ROWS BETWEEN UNBOUNDED PRECEDING AND 0 PRECEDING) AS latest_1")
		assert.Contains(t, statement.Stmnt, "if(latest_2 < latest_1, NULL, latest_2) AS latest_2")
		assert.Contains(t, statement.Stmnt,
			"if(latest_0 < latest_1 AND latest_1 <= latest_0 + INTERVAL 14 DAY AND latest_1 < latest_2 AND latest_2 <= latest_0 + INTERVAL 14 DAY, 3, if(latest_0 < latest_1 AND latest_1 <= latest_0 + INTERVAL 14 DAY, 2, 1)) AS steps")
		assert.Contains(t, statement.Stmnt, "WHERE step_0 = 1")
	})

	t.Run("RepeatedStep", func(t *testing.T) {
		statement := compile(t, newTestStore(), testQuery("a", "a"))
		assert.Contains(t, statement.Stmnt,
			"min(latest_1) OVER (PARTITION BY coal_user_id ORDER BY timestamp DESC ROWS BETWEEN UNBOUNDED PRECEDING AND 1 PRECEDING) AS latest_1")
	})

	t.Run("ConversionWindow", func(t *testing.T) {
		query := testQuery("a", "b")
		query.FunnelWindowDays = 3
		statement := compile(t, newTestStore(), query)
		assert.Contains(t, statement.Stmnt, "latest_1 <= latest_0 + INTERVAL 3 DAY")
	})
}

func TestCompileStrictFunnel(t *testing.T) {
	query := testQuery("a", "b", "c")
	query.OrderType = model.FunnelOrderStrict
	statement := compile(t, newTestStore(), query)

	assert.Contains(t, statement.Stmnt, "ROWS BETWEEN 1 PRECEDING AND 1 PRECEDING) AS latest_1")
	assert.Contains(t, statement.Stmnt, "ROWS BETWEEN 2 PRECEDING AND 2 PRECEDING) AS latest_2")
	// Every event of the subject takes part.
	assert.NotContains(t, statement.Stmnt, "has(@f_events, e.event_name)")
	assert.NotContains(t, statement.Stmnt, "step_0 = 1 OR step_1 = 1")
}

func TestCompileUnorderedFunnel(t *testing.T) {
	query := testQuery("a", "b", "c")
	query.OrderType = model.FunnelOrderUnordered
	statement := compile(t, newTestStore(), query)

	assert.Equal(t, 2, strings.Count(statement.Stmnt, " UNION ALL "))
	assert.Equal(t, "a", statement.Params["r0_s0_event"])
	assert.Equal(t, "b", statement.Params["r1_s0_event"])
	assert.Equal(t, "c", statement.Params["r2_s0_event"])
	assert.Equal(t, "a", statement.Params["r2_s1_event"])
	assert.Contains(t, statement.Stmnt, "arraySum([if(latest_0 < latest_1 AND latest_1 <= latest_0 + INTERVAL 14 DAY, 1, 0)")
	assert.Contains(t, statement.Stmnt, "AS conversion_times")
	assert.Contains(t, statement.Stmnt,
		"if(steps >= 2, dateDiff('second', toDateTime(conversion_times[1]), toDateTime(conversion_times[2])), NULL) AS step_1_conversion_time")
}

func TestCompileActionSteps(t *testing.T) {
	actions := fakeActionResolver{
		10: {ID: 10, Steps: []model.ActionStep{{Event: "view"}, {Event: "click"}}},
		11: {ID: 11, Steps: []model.ActionStep{}},
		12: {ID: 12, Steps: []model.ActionStep{{Event: ""}}},
	}
	store := newTestStore(WithActionResolver(actions))

	t.Run("AnyActionStepMatches", func(t *testing.T) {
		query := testQuery("signup")
		query.Steps = append(query.Steps, model.FunnelStep{Order: 1, Type: model.FunnelStepTypeActions, ActionID: 10})
		statement := compile(t, store, query)
		assert.Contains(t, statement.Stmnt, "if(((e.event_name = @f_s1_a0_event) OR (e.event_name = @f_s1_a1_event)), 1, 0) AS step_1")
		assert.Equal(t, []string{"click", "signup", "view"}, statement.Params["f_events"])
	})

	t.Run("ActionWithoutStepsMatchesNothing", func(t *testing.T) {
		query := testQuery("signup")
		query.Steps = append(query.Steps, model.FunnelStep{Order: 1, Type: model.FunnelStepTypeActions, ActionID: 11})
		statement := compile(t, store, query)
		assert.Contains(t, statement.Stmnt, "if(0, 1, 0) AS step_1")
	})

	t.Run("ActionMatchingAnyEventSkipsEntityFilter", func(t *testing.T) {
		query := testQuery("signup")
		query.Steps = append(query.Steps, model.FunnelStep{Order: 1, Type: model.FunnelStepTypeActions, ActionID: 12})
		statement := compile(t, store, query)
		assert.NotContains(t, statement.Stmnt, "@f_events")
	})

	t.Run("MissingAction", func(t *testing.T) {
		query := testQuery("signup")
		query.Steps = append(query.Steps, model.FunnelStep{Order: 1, Type: model.FunnelStepTypeActions, ActionID: 99})
		_, err := store.CompileFunnelQuery(context.Background(), testProjectID, query)
		assert.NotNil(t, err)
	})
}

func TestCompileExclusions(t *testing.T) {
	query := testQuery("a", "b", "c")
	query.Exclusions = []model.FunnelExclusion{
		{
			FunnelStep: model.FunnelStep{Type: model.FunnelStepTypeEvents, Name: "x"},
			FromStep:   model.IntPtr(0), ToStep: model.IntPtr(1),
		},
		{
			FunnelStep: model.FunnelStep{Type: model.FunnelStepTypeEvents, Name: "y"},
			FromStep:   model.IntPtr(0), ToStep: model.IntPtr(2),
		},
	}

	t.Run("Ordered", func(t *testing.T) {
		statement := compile(t, newTestStore(), query)
		assert.Equal(t, "x", statement.Params["f_x0_event"])
		assert.Equal(t, "y", statement.Params["f_x1_event"])
		assert.Equal(t, []string{"a", "b", "c", "x", "y"}, statement.Params["f_events"])
		assert.Contains(t, statement.Stmnt, "if(exclusion_0_step = 1, timestamp, NULL) AS exclusion_0_latest")
		assert.Contains(t, statement.Stmnt,
			"if(arrayExists(x -> x > latest_0 AND x < if(isNull(latest_1), latest_0 + INTERVAL 14 DAY, latest_1), exclusion_0_times), 1, 0) AS exclusion_0")
		// Exclusion timestamps are collected once and carried through the layers.
		assert.Equal(t, 1, strings.Count(statement.Stmnt, "groupArray(exclusion_0_latest) OVER (PARTITION BY coal_user_id ORDER BY timestamp DESC ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW) AS exclusion_0_times"))
		assert.NotContains(t, statement.Stmnt, "min(exclusion_")
		assert.Contains(t, statement.Stmnt, "arrayMin([raw_steps, if(exclusion_0 = 1, 1, 3), if(exclusion_1 = 1, 2, 3)]) AS steps")
		assert.Contains(t, statement.Stmnt, "step_0 = 1 OR step_1 = 1 OR step_2 = 1 OR exclusion_0_step = 1 OR exclusion_1_step = 1")
	})

	t.Run("Strict", func(t *testing.T) {
		query.OrderType = model.FunnelOrderStrict
		statement := compile(t, newTestStore(), query)
		assert.Contains(t, statement.Stmnt, "groupArray(exclusion_1_latest) OVER (PARTITION BY coal_user_id ORDER BY timestamp DESC ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW) AS exclusion_1_times")
		assert.Contains(t, statement.Stmnt,
			"if(arrayExists(x -> x > latest_0 AND x < if(isNull(latest_2), latest_0 + INTERVAL 14 DAY, latest_2), exclusion_1_times), 1, 0) AS exclusion_1")
		assert.NotContains(t, statement.Stmnt, "min(exclusion_")
		assert.Contains(t, statement.Stmnt, "AS raw_steps")
	})

	t.Run("FromLaterStep", func(t *testing.T) {
		later := testQuery("a", "b", "c")
		later.Exclusions = []model.FunnelExclusion{{
			FunnelStep: model.FunnelStep{Type: model.FunnelStepTypeEvents, Name: "x"},
			FromStep:   model.IntPtr(1), ToStep: model.IntPtr(2),
		}}
		for _, orderType := range []string{model.FunnelOrderOrdered, model.FunnelOrderStrict} {
			later.OrderType = orderType
			statement := compile(t, newTestStore(), later)
			assert.Contains(t, statement.Stmnt,
				"if(arrayExists(x -> x > latest_1 AND x < if(isNull(latest_2), latest_1 + INTERVAL 14 DAY, latest_2), exclusion_0_times), 1, 0) AS exclusion_0", orderType)
			assert.Contains(t, statement.Stmnt, "arrayMin([raw_steps, if(exclusion_0 = 1, 2, 3)]) AS steps", orderType)
		}
	})

	t.Run("Unordered", func(t *testing.T) {
		query.OrderType = model.FunnelOrderUnordered
		statement := compile(t, newTestStore(), query)
		assert.Contains(t, statement.Stmnt, "groupArray(exclusion_0_latest) OVER")
		assert.Contains(t, statement.Stmnt, "arrayExists(x -> x > conversion_times[1]")
		assert.Equal(t, 3, strings.Count(statement.Stmnt, "AS raw_steps"))
	})
}

func TestCompileMedianConversionTime(t *testing.T) {
	statement := compile(t, newTestStore(), testQuery("a", "b", "c"))
	assert.Contains(t, statement.Stmnt, "medianExact(step_1_conversion_time) AS step_1_median_conversion_time_inner")
	assert.Contains(t, statement.Stmnt, "medianExact(step_2_median_conversion_time_inner) AS step_2_median_conversion_time")
	assert.NotContains(t, statement.Stmnt, " median(")
}

func TestCompileBreakdown(t *testing.T) {
	t.Run("EventProperty", func(t *testing.T) {
		query := testQuery("a", "b")
		query.Breakdown = &model.FunnelBreakdown{Type: model.BreakdownTypeEvent, Property: "$os",
			Values: []string{"mac", "linux"}}
		statement := compile(t, newTestStore(), query)

		assert.Equal(t, "$os", statement.Params["breakdown"])
		assert.Equal(t, []string{"mac", "linux"}, statement.Params["breakdown_values"])
		assert.Contains(t, statement.Stmnt, "trim(BOTH '\"' FROM JSONExtractRaw(e.properties, @breakdown)) AS prop")
		assert.Contains(t, statement.Stmnt, "PARTITION BY coal_user_id, prop ORDER BY timestamp DESC")
		assert.Contains(t, statement.Stmnt, "has(@breakdown_values, prop)")
		assert.True(t, strings.HasSuffix(statement.Stmnt, "GROUP BY prop ORDER BY step_1 DESC, prop ASC"))
	})

	t.Run("DenormalizedEventProperty", func(t *testing.T) {
		query := testQuery("a", "b")
		query.Breakdown = &model.FunnelBreakdown{Property: "$browser", Values: []string{"chrome"}}
		statement := compile(t, newTestStore(), query)
		assert.Contains(t, statement.Stmnt, "e.`properties_$browser` AS prop")
		assert.NotContains(t, statement.Params, "breakdown")
	})

	t.Run("UserProperty", func(t *testing.T) {
		query := testQuery("a", "b")
		query.Breakdown = &model.FunnelBreakdown{Type: model.BreakdownTypeUser, Property: "plan",
			Values: []string{"pro"}}
		statement := compile(t, newTestStore(), query)
		assert.Contains(t, statement.Stmnt, "JSONExtractRaw(u.properties, @breakdown)) AS prop")
	})

	t.Run("Cohort", func(t *testing.T) {
		query := testQuery("a", "b")
		query.Breakdown = &model.FunnelBreakdown{Type: model.BreakdownTypeCohort, CohortIDs: []int64{0, 7}}
		statement := compile(t, newTestStore(), query)
		assert.Contains(t, statement.Stmnt, "toString(cohort_join.value) AS prop")
		assert.Contains(t, statement.Stmnt, "INNER JOIN (SELECT user_id, cohort_id AS value FROM cohort_users")
		assert.Equal(t, []int64{7}, statement.Params["breakdown_cohort_ids"])
	})
}

func TestCompileUsers(t *testing.T) {
	assert.Equal(t, "steps >= 2", usersStepCondition(2))
	assert.Equal(t, "steps = 1", usersStepCondition(-2))

	query := testQuery("a", "b")
	query.FunnelStep = model.IntPtr(-2)
	query.Limit = 10
	query.Offset = 20
	statement := compile(t, newTestStore(), query)

	assert.True(t, strings.HasPrefix(statement.Stmnt, "SELECT DISTINCT coal_user_id FROM ("))
	assert.Contains(t, statement.Stmnt, "WHERE steps = 1 ORDER BY coal_user_id ASC LIMIT @limit OFFSET @offset")
	assert.Equal(t, 10, statement.Params["limit"])
	assert.Equal(t, 20, statement.Params["offset"])
}

func TestCompileTrends(t *testing.T) {
	query := testQuery("a", "b", "c")
	query.VizType = model.FunnelVizTrends
	query.FunnelToStep = model.IntPtr(1)
	statement := compile(t, newTestStore(), query)

	assert.Contains(t, statement.Stmnt, "toStartOfDay(timestamp, 'UTC') AS entrance_period_start")
	assert.Contains(t, statement.Stmnt, "toStartOfDay(toDateTime(@date_from, 'UTC') + toIntervalDay(number), 'UTC') AS entrance_period_start")
	assert.Contains(t, statement.Stmnt, "countIf(steps_completed >= 1) AS reached_from_step_count")
	assert.Contains(t, statement.Stmnt, "countIf(steps_completed >= 2) AS reached_to_step_count")
	assert.Contains(t, statement.Stmnt, "FROM numbers(9)")
	assert.True(t, strings.HasSuffix(statement.Stmnt, "ORDER BY entrance_period_start ASC"))
}

func TestCompileTrendsIntervals(t *testing.T) {
	for interval, expected := range map[string]string{
		model.FunnelIntervalHour:  "toStartOfHour(timestamp, 'UTC') AS entrance_period_start",
		model.FunnelIntervalDay:   "toStartOfDay(timestamp, 'UTC') AS entrance_period_start",
		model.FunnelIntervalWeek:  "toStartOfWeek(timestamp, 0, 'UTC') AS entrance_period_start",
		model.FunnelIntervalMonth: "toStartOfMonth(timestamp, 'UTC') AS entrance_period_start",
	} {
		query := testQuery("a", "b")
		query.VizType = model.FunnelVizTrends
		query.Interval = interval
		statement := compile(t, newTestStore(), query)
		assert.Contains(t, statement.Stmnt, expected, interval)
		assert.NotContains(t, statement.Stmnt, "(timestamp)", interval)
	}
}

func TestRunFunnelQuery(t *testing.T) {
	t.Run("CountsAccumulateFromLastStep", func(t *testing.T) {
		executor := &fakeExecutor{rows: map[string][][]interface{}{
			"countIf": {{uint64(5), uint64(3), uint64(2), 10.0, 20.0, 8.0, 18.0}},
		}}
		store := newTestStore(WithExecutor(executor))

		result, err := store.RunFunnelQuery(context.Background(), testProjectID, testQuery("a", "b", "c"))
		require.Nil(t, err)
		require.Len(t, result.Steps, 3)
		assert.Equal(t, []int64{10, 5, 2},
			[]int64{result.Steps[0].Count, result.Steps[1].Count, result.Steps[2].Count})
		assert.Nil(t, result.Steps[0].AverageConversionTime)
		assert.Equal(t, 10.0, *result.Steps[1].AverageConversionTime)
		assert.Equal(t, 20.0, *result.Steps[2].AverageConversionTime)
		assert.Equal(t, 8.0, *result.Steps[1].MedianConversionTime)
		assert.Equal(t, 18.0, *result.Steps[2].MedianConversionTime)
		assert.Equal(t, "b", result.Steps[1].Name)
	})

	t.Run("NoConversionsHaveNoTimes", func(t *testing.T) {
		var nilTime *float64
		executor := &fakeExecutor{rows: map[string][][]interface{}{
			"countIf": {{uint64(4), uint64(0), nilTime, math.NaN()}},
		}}
		store := newTestStore(WithExecutor(executor))

		result, err := store.RunFunnelQuery(context.Background(), testProjectID, testQuery("a", "b"))
		require.Nil(t, err)
		assert.Equal(t, int64(4), result.Steps[0].Count)
		assert.Equal(t, int64(0), result.Steps[1].Count)
		assert.Nil(t, result.Steps[1].AverageConversionTime)
		assert.Nil(t, result.Steps[1].MedianConversionTime)
	})

	t.Run("NullableScannedValues", func(t *testing.T) {
		average, median := 7200.0, int64(3600)
		var noMedian *int64
		executor := &fakeExecutor{rows: map[string][][]interface{}{
			"countIf": {{uint64(2), uint64(1), uint64(0), &average, nil, &median, noMedian}},
		}}
		store := newTestStore(WithExecutor(executor))

		result, err := store.RunFunnelQuery(context.Background(), testProjectID, testQuery("a", "b", "c"))
		require.Nil(t, err)
		assert.Equal(t, 7200.0, *result.Steps[1].AverageConversionTime)
		require.NotNil(t, result.Steps[1].MedianConversionTime)
		assert.Equal(t, 3600.0, *result.Steps[1].MedianConversionTime)
		assert.Nil(t, result.Steps[2].MedianConversionTime)
	})

	t.Run("NoRows", func(t *testing.T) {
		store := newTestStore(WithExecutor(&fakeExecutor{}))
		result, err := store.RunFunnelQuery(context.Background(), testProjectID, testQuery("a", "b"))
		require.Nil(t, err)
		require.Len(t, result.Steps, 2)
		assert.Equal(t, int64(0), result.Steps[0].Count)
	})

	t.Run("NoSteps", func(t *testing.T) {
		executor := &fakeExecutor{}
		store := newTestStore(WithExecutor(executor))
		result, err := store.RunFunnelQuery(context.Background(), testProjectID, model.FunnelQuery{})
		require.Nil(t, err)
		assert.True(t, result.IsEmpty())
		assert.Len(t, executor.executed, 0)
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		query := testQuery("a", "b")
		query.OrderType = "random"
		_, err := newTestStore(WithExecutor(&fakeExecutor{})).RunFunnelQuery(context.Background(), testProjectID, query)
		assert.True(t, model.IsInvalidFunnelQuery(err))
	})

	t.Run("ExecutionError", func(t *testing.T) {
		executor := &fakeExecutor{err: errors.New("connection refused")}
		_, err := newTestStore(WithExecutor(executor)).RunFunnelQuery(context.Background(), testProjectID, testQuery("a", "b"))
		assert.Equal(t, executor.err, err)
	})
}

func TestRunFunnelQueryBreakdown(t *testing.T) {
	query := testQuery("a", "b")
	query.Breakdown = &model.FunnelBreakdown{Property: "$os"}

	t.Run("OrderedByResolvedValues", func(t *testing.T) {
		executor := &fakeExecutor{rows: map[string][][]interface{}{
			"countIf": {
				{uint64(1), uint64(4), 60.0, 60.0, "linux"},
				{uint64(2), uint64(1), 30.0, 30.0, "mac"},
			},
		}}
		store := newTestStore(WithExecutor(executor), WithBreakdownValuesFetcher(fakeBreakdownValues{"mac", "linux"}))

		result, err := store.RunFunnelQuery(context.Background(), testProjectID, query)
		require.Nil(t, err)
		require.Len(t, result.Breakdowns, 2)
		assert.Equal(t, "mac", result.Breakdowns[0].Value)
		assert.Equal(t, int64(3), result.Breakdowns[0].Steps[0].Count)
		assert.Equal(t, "linux", result.Breakdowns[1].Value)
		assert.Equal(t, int64(5), result.Breakdowns[1].Steps[0].Count)
		assert.Equal(t, []string{"linux"}, result.Breakdowns[1].Steps[1].Breakdown)

		require.Len(t, executor.executed, 1)
		values, _ := executor.executed[0].params.Get("breakdown_values")
		assert.Equal(t, []string{"mac", "linux"}, values)
	})

	t.Run("NoBreakdownValues", func(t *testing.T) {
		executor := &fakeExecutor{}
		store := newTestStore(WithExecutor(executor), WithBreakdownValuesFetcher(fakeBreakdownValues{}))
		result, err := store.RunFunnelQuery(context.Background(), testProjectID, query)
		require.Nil(t, err)
		assert.True(t, result.IsEmpty())
		assert.Len(t, executor.executed, 0)
	})

	t.Run("ValuesFromStore", func(t *testing.T) {
		executor := &fakeExecutor{rows: map[string][][]interface{}{
			"AS count FROM": {{"mac"}, {"windows"}},
		}}
		store := newTestStore(WithExecutor(executor))
		_, err := store.RunFunnelQuery(context.Background(), testProjectID, query)
		require.Nil(t, err)
		require.Len(t, executor.executed, 2)
		limit, _ := executor.executed[0].params.Get("breakdown_limit")
		assert.Equal(t, model.DefaultBreakdownLimit, limit)
		values, _ := executor.executed[1].params.Get("breakdown_values")
		assert.Equal(t, []string{"mac", "windows"}, values)
	})
}

func TestRunFunnelTrendsQuery(t *testing.T) {
	query := testQuery("a", "b")
	query.From = time.Date(2021, 4, 20, 0, 0, 0, 0, time.UTC).Unix()
	query.To = time.Date(2021, 5, 1, 23, 0, 0, 0, time.UTC).Unix()

	executor := &fakeExecutor{rows: map[string][][]interface{}{
		"entrance_period_start": {
			{time.Date(2021, 4, 21, 0, 0, 0, 0, time.UTC), uint64(4), uint64(1), 25.0},
			{time.Date(2021, 4, 30, 0, 0, 0, 0, time.UTC), uint64(2), uint64(2), 100.0},
		},
	}}
	store := newTestStore(WithExecutor(executor))

	result, err := store.RunFunnelTrendsQuery(context.Background(), testProjectID, query)
	require.Nil(t, err)
	require.Len(t, result.Periods, 12)
	assert.Equal(t, 12, result.Count)

	assert.Equal(t, int64(0), result.Periods[0].ReachedFromStepCount)
	assert.Equal(t, int64(4), result.Periods[1].ReachedFromStepCount)
	assert.Equal(t, 25.0, result.Periods[1].ConversionRate)
	assert.Equal(t, 100.0, result.Periods[10].ConversionRate)
	assert.Equal(t, "2021-04-21", result.Days[1])

	// Window of 14 days from 2021-05-10 closes entrances on or before 2021-04-26.
	assert.True(t, result.Periods[6].IsPeriodFinal)
	assert.False(t, result.Periods[7].IsPeriodFinal)
}

func TestGetFunnelUsers(t *testing.T) {
	executor := &fakeExecutor{rows: map[string][][]interface{}{
		"SELECT DISTINCT coal_user_id": {{"u1"}, {"u2"}},
	}}
	store := newTestStore(WithExecutor(executor))

	query := testQuery("a", "b")
	query.FunnelStep = model.IntPtr(2)
	query.Limit = 2
	result, err := store.GetFunnelUsers(context.Background(), testProjectID, query)
	require.Nil(t, err)
	assert.Equal(t, []string{"u1", "u2"}, result.UserIDs)
	assert.True(t, result.HasMore)

	query.Limit = 5
	result, err = store.GetFunnelUsers(context.Background(), testProjectID, query)
	require.Nil(t, err)
	assert.False(t, result.HasMore)

	query.FunnelStep = model.IntPtr(3)
	_, err = store.GetFunnelUsers(context.Background(), testProjectID, query)
	assert.True(t, model.IsInvalidFunnelQuery(err))
}

func TestCompileBreakdownValuesQuery(t *testing.T) {
	store := newTestStore()
	query := testQuery("a", "b")
	query.Breakdown = &model.FunnelBreakdown{Type: model.BreakdownTypeEvent, Property: "$os", Values: []string{"mac"}}
	query.Exclusions = []model.FunnelExclusion{{
		FunnelStep: model.FunnelStep{Type: model.FunnelStepTypeEvents, Name: "x"},
		FromStep:   model.IntPtr(0), ToStep: model.IntPtr(1),
	}}
	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, testNow)
	require.Nil(t, err)

	compiler, err := store.newFunnelCompiler(context.Background(), testProjectID, normalized, false)
	require.Nil(t, err)

	stmnt, params, err := compiler.compileBreakdownValuesQuery("count(DISTINCT coal_user_id)", 3)
	require.Nil(t, err)
	assert.True(t, strings.HasPrefix(stmnt, "SELECT prop AS value, count(DISTINCT coal_user_id) AS count FROM ("))
	assert.Contains(t, stmnt, "WHERE step_0 = 1 AND prop != '' GROUP BY value ORDER BY count DESC, value ASC LIMIT @breakdown_limit")
	assert.NotContains(t, stmnt, "exclusion_0")
	assert.NotContains(t, stmnt, "step_1")
	assert.NotContains(t, stmnt, "@breakdown_values")
	events, _ := params.Get("b_events")
	assert.Equal(t, []string{"a"}, events)
	// Compiler is left untouched.
	assert.Equal(t, []string{"mac"}, compiler.breakdownValues())
	assert.Len(t, compiler.exclusions, 1)

	_, _, err = compiler.compileBreakdownValuesQuery("sum(1); DROP TABLE events", 3)
	assert.NotNil(t, err)
}

func TestGetBreakdownValues(t *testing.T) {
	t.Run("DefaultRange", func(t *testing.T) {
		executor := &fakeExecutor{rows: map[string][][]interface{}{
			"AS count FROM": {{"mac"}, {"linux"}},
		}}
		store := newTestStore(WithExecutor(executor))
		query := model.FunnelQuery{
			Steps:     eventSteps("a", "b"),
			Breakdown: &model.FunnelBreakdown{Property: "$os"},
		}

		values, err := store.GetBreakdownValues(context.Background(), testProjectID, query, "count(*)", 5)
		require.Nil(t, err)
		assert.Equal(t, []string{"mac", "linux"}, values)
		require.Len(t, executor.executed, 1)
		params := executor.executed[0].params
		dateFrom, _ := params.Get("date_from")
		dateTo, _ := params.Get("date_to")
		assert.Equal(t, time.Date(2021, 5, 3, 0, 0, 0, 0, time.UTC).Unix(), dateFrom)
		assert.Equal(t, testNow.Unix(), dateTo)
	})

	t.Run("InvalidBreakdownType", func(t *testing.T) {
		executor := &fakeExecutor{}
		store := newTestStore(WithExecutor(executor))
		query := testQuery("a", "b")
		query.Breakdown = &model.FunnelBreakdown{Type: "bogus", Property: "$os"}

		_, err := store.GetBreakdownValues(context.Background(), testProjectID, query, "count(*)", 5)
		assert.True(t, model.IsInvalidFunnelQuery(err))
		assert.Empty(t, executor.executed)
	})

	t.Run("Cohort", func(t *testing.T) {
		executor := &fakeExecutor{}
		store := newTestStore(WithExecutor(executor))
		query := testQuery("a", "b")
		query.Breakdown = &model.FunnelBreakdown{Type: model.BreakdownTypeCohort, CohortIDs: []int64{3, 4}}

		values, err := store.GetBreakdownValues(context.Background(), testProjectID, query, "count(*)", 5)
		require.Nil(t, err)
		assert.Equal(t, []string{"3", "4"}, values)
		assert.Empty(t, executor.executed)
	})
}

func TestDefaultCohortJoiner(t *testing.T) {
	joiner := DefaultCohortJoiner{}

	stmnt, params, err := joiner.CohortJoinQuery(testProjectID, model.FunnelBreakdown{CohortIDs: []int64{3, 4}})
	require.Nil(t, err)
	assert.Equal(t, "SELECT user_id, cohort_id AS value FROM cohort_users WHERE project_id = @project_id AND has(@breakdown_cohort_ids, cohort_id)", stmnt)
	ids, _ := params.Get("breakdown_cohort_ids")
	assert.Equal(t, []int64{3, 4}, ids)

	stmnt, _, err = joiner.CohortJoinQuery(testProjectID, model.FunnelBreakdown{CohortIDs: []int64{model.AllUsersCohortID}})
	require.Nil(t, err)
	assert.Equal(t, "SELECT id AS user_id, toInt64(0) AS value FROM users WHERE project_id = @project_id", stmnt)

	_, _, err = joiner.CohortJoinQuery(testProjectID, model.FunnelBreakdown{})
	assert.NotNil(t, err)
}

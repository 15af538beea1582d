package clickhouse

import (
	"fmt"
	"strings"

	"github.com/augustogoulart/posthog/model/model"
)

// funnelOrder Produces one row per anchor event (step_0 = 1) with the
// furthest step reached from it in steps and per step conversion times.
type funnelOrder interface {
	stepsPerRowQuery(c *funnelCompiler) (string, model.Params, error)
}

func getFunnelOrder(orderType string) funnelOrder {
	switch orderType {
	case model.FunnelOrderStrict:
		return strictFunnel{}
	case model.FunnelOrderUnordered:
		return unorderedFunnel{}
	default:
		return orderedFunnel{}
	}
}

// sortingCondition Furthest step k such that every step before k happened
// in order and within the window of step 0. Built from the last step down.
func (c *funnelCompiler) sortingCondition() string {
	condition := "1"
	for k := 2; k <= c.numSteps(); k++ {
		conditions := make([]string, 0, k-1)
		for i := 1; i < k; i++ {
			conditions = append(conditions, fmt.Sprintf("latest_%d < latest_%d AND latest_%d <= latest_0 + INTERVAL %d DAY",
				i-1, i, i, c.windowDays()))
		}
		condition = fmt.Sprintf("if(%s, %d, %s)", strings.Join(conditions, " AND "), k, condition)
	}
	return condition
}

// exclusionTimesCols All exclusion timestamps at or after the row. A single
// earliest timestamp is not enough, one at the from step itself would hide
// a later one.
func (c *funnelCompiler) exclusionTimesCols(compute bool) []string {
	cols := make([]string, 0, len(c.query.Exclusions))
	for j := range c.query.Exclusions {
		if !compute {
			cols = append(cols, fmt.Sprintf("exclusion_%d_times", j))
			continue
		}
		cols = append(cols, fmt.Sprintf("groupArray(exclusion_%d_latest) %s AS exclusion_%d_times", j,
			c.window("UNBOUNDED PRECEDING AND CURRENT ROW"), j))
	}
	return cols
}

// exclusionFlag 1 when the exclusion happened strictly after the from step
// and before the to step. Without the to step, before the end of the window.
func (c *funnelCompiler) exclusionFlag(j int, exclusion model.FunnelExclusion) string {
	from, to := exclusion.From(), exclusion.To()
	return fmt.Sprintf("if(arrayExists(x -> x > latest_%d AND x < if(isNull(latest_%d), latest_%d + INTERVAL %d DAY, latest_%d), exclusion_%d_times), 1, 0) AS exclusion_%d",
		from, to, from, c.windowDays(), to, j, j)
}

// stepsWithExclusions Caps the steps reached at the to step of every
// exclusion which happened.
func (c *funnelCompiler) stepsWithExclusions(rawSteps string) string {
	if len(c.query.Exclusions) == 0 {
		return rawSteps + " AS steps"
	}

	caps := make([]string, 0, len(c.query.Exclusions)+1)
	caps = append(caps, "raw_steps")
	for j, exclusion := range c.query.Exclusions {
		caps = append(caps, fmt.Sprintf("if(exclusion_%d = 1, %d, %d)", j, exclusion.To(), c.numSteps()))
	}
	return fmt.Sprintf("%s AS raw_steps, arrayMin([%s]) AS steps", rawSteps, strings.Join(caps, ", "))
}

// stepTimeCols Seconds between consecutive steps, only for rows which
// reached the step.
func (c *funnelCompiler) stepTimeCols(timestampAt func(i int) string) []string {
	cols := make([]string, 0, c.numSteps())
	for i := 1; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("if(steps >= %d, dateDiff('second', toDateTime(%s), toDateTime(%s)), NULL) AS step_%d_conversion_time",
			i+1, timestampAt(i-1), timestampAt(i), i))
	}
	return cols
}

func latestAt(i int) string {
	return fmt.Sprintf("latest_%d", i)
}

// finalStepsQuery Final per row selection for ordered and strict funnels.
func (c *funnelCompiler) finalStepsQuery(from string) string {
	cols := c.baseCols()
	for j, exclusion := range c.query.Exclusions {
		cols = append(cols, c.exclusionFlag(j, exclusion))
	}
	cols = append(cols, c.stepsWithExclusions(c.sortingCondition()))
	cols = append(cols, c.stepTimeCols(latestAt)...)

	return fmt.Sprintf("SELECT %s FROM (%s) WHERE step_0 = 1", strings.Join(cols, ", "), from)
}

func (c *funnelCompiler) stepTimeNames() []string {
	names := make([]string, 0, c.numSteps())
	for i := 1; i < c.numSteps(); i++ {
		names = append(names, fmt.Sprintf("step_%d_conversion_time", i))
	}
	return names
}

func (c *funnelCompiler) withProp(cols []string) []string {
	if c.hasBreakdown() {
		return append(cols, "prop")
	}
	return cols
}

// stepCountsPerPersonQuery One row per subject (and breakdown value) with
// the furthest step reached and conversion times of those rows.
func (c *funnelCompiler) stepCountsPerPersonQuery(perRow string) string {
	innerCols := []string{"coal_user_id", "steps", fmt.Sprintf("max(steps) OVER (%s) AS max_steps", c.partitionBy())}
	innerCols = append(innerCols, c.stepTimeNames()...)
	innerCols = c.withProp(innerCols)

	cols := []string{"coal_user_id", "steps"}
	for i := 1; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("avg(step_%d_conversion_time) AS step_%d_average_conversion_time_inner", i, i))
	}
	for i := 1; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("medianExact(step_%d_conversion_time) AS step_%d_median_conversion_time_inner", i, i))
	}
	cols = c.withProp(cols)

	return fmt.Sprintf("SELECT %s FROM (SELECT %s FROM (%s)) GROUP BY %s HAVING steps = max(max_steps)",
		strings.Join(cols, ", "), strings.Join(innerCols, ", "), perRow,
		strings.Join(c.withProp([]string{"coal_user_id", "steps"}), ", "))
}

// stepCountsQuery Subjects per furthest step with average and median
// conversion times. Columns: step counts, averages, medians, prop.
func (c *funnelCompiler) stepCountsQuery(perRow string) string {
	cols := make([]string, 0, 3*c.numSteps())
	for i := 0; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("countIf(steps = %d) AS step_%d", i+1, i+1))
	}
	for i := 1; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("avg(step_%d_average_conversion_time_inner) AS step_%d_average_conversion_time", i, i))
	}
	for i := 1; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("medianExact(step_%d_median_conversion_time_inner) AS step_%d_median_conversion_time", i, i))
	}
	cols = c.withProp(cols)

	stmnt := fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(cols, ", "), c.stepCountsPerPersonQuery(perRow))
	if c.hasBreakdown() {
		stmnt = stmnt + " GROUP BY prop ORDER BY step_1 DESC, prop ASC"
	}
	return stmnt
}

func (c *funnelCompiler) stepsPerRowQuery() (string, model.Params, error) {
	return getFunnelOrder(c.query.OrderType).stepsPerRowQuery(c)
}

// compileSteps Funnel counts statement.
func (c *funnelCompiler) compileSteps() (string, model.Params, error) {
	perRow, params, err := c.stepsPerRowQuery()
	if err != nil {
		return "", params, err
	}
	return c.stepCountsQuery(perRow), params, nil
}

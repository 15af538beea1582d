package clickhouse

import (
	"fmt"
	"strings"

	"github.com/augustogoulart/posthog/model/model"
)

// unorderedFunnel Steps may happen in any order within the window. Every
// step takes a turn as the anchor through a rotation of the steps, the
// furthest reach over all rotations wins.
type unorderedFunnel struct{}

func rotateSteps(steps []resolvedStep, by int) []resolvedStep {
	rotated := make([]resolvedStep, 0, len(steps))
	for i := range steps {
		rotated = append(rotated, steps[(i+by)%len(steps)])
	}
	return rotated
}

func (unorderedFunnel) stepsPerRowQuery(c *funnelCompiler) (string, model.Params, error) {
	params := model.NewParams()
	unions := make([]string, 0, c.numSteps())
	for r := 0; r < c.numSteps(); r++ {
		rotated := rotateSteps(c.steps, r)
		stmnt, rotationParams, err := c.unorderedRotationQuery(rotated, fmt.Sprintf("r%d", r))
		if err != nil {
			return "", params, err
		}
		params = params.Merge(rotationParams)
		unions = append(unions, stmnt)
	}
	return fmt.Sprintf("SELECT * FROM (%s)", strings.Join(unions, " UNION ALL ")), params, nil
}

func (c *funnelCompiler) unorderedRotationQuery(steps []resolvedStep, ns string) (string, model.Params, error) {
	inner, params, err := c.innerEventQuery(steps, ns, false, false)
	if err != nil {
		return "", params, err
	}

	cols := c.baseCols()
	for i := range steps {
		cols = append(cols, fmt.Sprintf("step_%d", i))
		if i == 0 {
			cols = append(cols, "latest_0")
			continue
		}
		cols = append(cols, fmt.Sprintf("min(latest_%d) %s AS latest_%d", i,
			c.window(fmt.Sprintf("UNBOUNDED PRECEDING AND %d PRECEDING", c.duplicateFrameEnd(steps, i))), i))
	}
	cols = append(cols, c.exclusionTimesCols(true)...)
	partitioned := fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(cols, ", "), inner)

	finalCols := c.baseCols()
	finalCols = append(finalCols, c.unorderedConversionTimes()+" AS conversion_times")
	for j, exclusion := range c.query.Exclusions {
		finalCols = append(finalCols, c.unorderedExclusionFlag(j, exclusion))
	}
	finalCols = append(finalCols, c.unorderedStepsWithExclusions())
	finalCols = append(finalCols, c.stepTimeCols(conversionTimeAt)...)

	return fmt.Sprintf("SELECT %s FROM (%s) WHERE step_0 = 1", strings.Join(finalCols, ", "), partitioned), params, nil
}

func (c *funnelCompiler) withinWindowOfAnchor(timestamp string) string {
	return fmt.Sprintf("latest_0 < %s AND %s <= latest_0 + INTERVAL %d DAY", timestamp, timestamp, c.windowDays())
}

// unorderedSortingCondition Count of steps reached within the window of the anchor.
func (c *funnelCompiler) unorderedSortingCondition() string {
	conditions := make([]string, 0, c.numSteps())
	for i := 1; i < c.numSteps(); i++ {
		conditions = append(conditions, fmt.Sprintf("if(%s, 1, 0)", c.withinWindowOfAnchor(latestAt(i))))
	}
	conditions = append(conditions, "1")
	return fmt.Sprintf("arraySum([%s])", strings.Join(conditions, ", "))
}

// unorderedConversionTimes Timestamps of the steps reached, sorted.
func (c *funnelCompiler) unorderedConversionTimes() string {
	if c.numSteps() == 1 {
		return "[latest_0]"
	}

	later := make([]string, 0, c.numSteps()-1)
	for i := 1; i < c.numSteps(); i++ {
		later = append(later, latestAt(i))
	}
	return fmt.Sprintf("arrayConcat([latest_0], arraySort(arrayFilter(x -> %s, [%s])))",
		c.withinWindowOfAnchor("x"), strings.Join(later, ", "))
}

// conversionTimeAt Timestamp of the i-th step reached. Arrays are 1 indexed.
func conversionTimeAt(i int) string {
	return fmt.Sprintf("conversion_times[%d]", i+1)
}

func (c *funnelCompiler) unorderedExclusionFlag(j int, exclusion model.FunnelExclusion) string {
	from, to := exclusion.From(), exclusion.To()
	return fmt.Sprintf("if(raw_steps >= %d AND arrayExists(x -> x > %s AND x < if(raw_steps >= %d, %s, %s + INTERVAL %d DAY), exclusion_%d_times), 1, 0) AS exclusion_%d",
		from+1, conversionTimeAt(from), to+1, conversionTimeAt(to), conversionTimeAt(from), c.windowDays(), j, j)
}

func (c *funnelCompiler) unorderedStepsWithExclusions() string {
	rawSteps := c.unorderedSortingCondition()
	if len(c.query.Exclusions) == 0 {
		return rawSteps + " AS steps"
	}
	return c.stepsWithExclusions(rawSteps)
}

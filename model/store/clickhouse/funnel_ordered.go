package clickhouse

import (
	"fmt"
	"strings"

	"github.com/augustogoulart/posthog/model/model"
)

// orderedFunnel Steps must happen in order, other events may happen in between.
type orderedFunnel struct{}

func (orderedFunnel) stepsPerRowQuery(c *funnelCompiler) (string, model.Params, error) {
	inner, params, err := c.innerEventQuery(c.steps, "f", false, false)
	if err != nil {
		return "", params, err
	}

	stmnt := c.orderedPartitionLayer(1, inner)
	for level := c.numSteps() - 1; level >= 2; level-- {
		stmnt = c.orderedPartitionLayer(level, c.orderedComparisonLayer(level, stmnt))
	}
	return c.finalStepsQuery(stmnt), params, nil
}

// duplicateFrameEnd The current row must not count twice when a step is the
// same as the one before it.
func (c *funnelCompiler) duplicateFrameEnd(steps []resolvedStep, i int) int {
	if i > 0 && steps[i].equals(steps[i-1]) {
		return 1
	}
	return 0
}

// orderedPartitionLayer Steps from level onwards take the earliest timestamp
// at or after the current row.
func (c *funnelCompiler) orderedPartitionLayer(level int, from string) string {
	cols := c.baseCols()
	for i := 0; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("step_%d", i))
		if i < level {
			cols = append(cols, fmt.Sprintf("latest_%d", i))
			continue
		}

		cols = append(cols, fmt.Sprintf("min(latest_%d) %s AS latest_%d", i,
			c.window(fmt.Sprintf("UNBOUNDED PRECEDING AND %d PRECEDING", c.duplicateFrameEnd(c.steps, i))), i))
	}
	cols = append(cols, c.exclusionTimesCols(level == 1)...)
	return fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(cols, ", "), from)
}

// orderedComparisonLayer Drops timestamps of steps from level onwards which
// happened before the step at level - 1, so the next partition layer picks
// a later one.
func (c *funnelCompiler) orderedComparisonLayer(level int, from string) string {
	cols := c.baseCols()
	for i := 0; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("step_%d", i))
		if i < level {
			cols = append(cols, fmt.Sprintf("latest_%d", i))
			continue
		}

		comparisons := make([]string, 0, i-level+1)
		for k := level; k <= i; k++ {
			comparisons = append(comparisons, fmt.Sprintf("latest_%d < latest_%d", k, level-1))
		}
		cols = append(cols, fmt.Sprintf("if(%s, NULL, latest_%d) AS latest_%d", strings.Join(comparisons, " OR "), i, i))
	}
	cols = append(cols, c.exclusionTimesCols(false)...)
	return fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(cols, ", "), from)
}

package clickhouse

import (
	"fmt"
	"strings"

	"github.com/augustogoulart/posthog/model/model"
)

// strictFunnel Steps must happen one right after the other, any event of
// the subject in between breaks the sequence.
type strictFunnel struct{}

func (strictFunnel) stepsPerRowQuery(c *funnelCompiler) (string, model.Params, error) {
	// Every event of the subject takes part, not only the matching ones.
	inner, params, err := c.innerEventQuery(c.steps, "f", true, true)
	if err != nil {
		return "", params, err
	}

	cols := c.baseCols()
	for i := 0; i < c.numSteps(); i++ {
		cols = append(cols, fmt.Sprintf("step_%d", i))
		if i == 0 {
			cols = append(cols, "latest_0")
			continue
		}
		cols = append(cols, fmt.Sprintf("min(latest_%d) %s AS latest_%d", i,
			c.window(fmt.Sprintf("%d PRECEDING AND %d PRECEDING", i, i)), i))
	}
	cols = append(cols, c.exclusionTimesCols(true)...)

	stmnt := fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(cols, ", "), inner)
	return c.finalStepsQuery(stmnt), params, nil
}

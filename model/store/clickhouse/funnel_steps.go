package clickhouse

import (
	"fmt"
	"sort"
	"strings"

	"github.com/augustogoulart/posthog/model/model"
)

// resolvedStep Step with its action loaded, when the step is an action.
type resolvedStep struct {
	step   model.FunnelStep
	action *model.Action
}

func (s resolvedStep) equals(other resolvedStep) bool {
	return s.step.Equals(other.step)
}

// eventNames Names of events the step can match. matchesAny is true
// when an action step matches events of any name.
func (s resolvedStep) eventNames() (names []string, matchesAny bool) {
	if s.step.Type != model.FunnelStepTypeActions {
		return []string{s.step.Name}, false
	}
	if s.action == nil {
		return []string{}, false
	}
	for _, actionStep := range s.action.Steps {
		if actionStep.Event == "" {
			return []string{}, true
		}
		names = append(names, actionStep.Event)
	}
	return names, false
}

// funnelCompiler Holds everything needed to compile one normalized query.
// All methods are free of side effects.
type funnelCompiler struct {
	projectID        int64
	query            model.FunnelQuery
	steps            []resolvedStep
	exclusions       []resolvedStep
	translator       PropertyTranslator
	cohortJoin       string
	cohortJoinParams model.Params
}

func (c *funnelCompiler) numSteps() int {
	return len(c.steps)
}

func (c *funnelCompiler) windowDays() int {
	return c.query.FunnelWindowDays
}

func (c *funnelCompiler) hasBreakdown() bool {
	return c.query.HasBreakdown()
}

func (c *funnelCompiler) breakdownValues() []string {
	if !c.hasBreakdown() {
		return nil
	}
	return c.query.Breakdown.Values
}

// baseCols Columns carried through every windowing layer.
func (c *funnelCompiler) baseCols() []string {
	if c.hasBreakdown() {
		return []string{"coal_user_id", "timestamp", "prop"}
	}
	return []string{"coal_user_id", "timestamp"}
}

func (c *funnelCompiler) partitionBy() string {
	if c.hasBreakdown() {
		return "PARTITION BY coal_user_id, prop"
	}
	return "PARTITION BY coal_user_id"
}

// window Rows are ordered latest first, so PRECEDING rows happened later.
func (c *funnelCompiler) window(frame string) string {
	return fmt.Sprintf("OVER (%s ORDER BY timestamp DESC ROWS BETWEEN %s)", c.partitionBy(), frame)
}

func (c *funnelCompiler) eventCondition(eventName string, properties []model.QueryProperty,
	prefix string) (string, model.Params, error) {

	params := model.NewParams()
	conditions := make([]string, 0, 2)
	if eventName != "" {
		eventParam := prefix + "_event"
		params = params.With(eventParam, eventName)
		conditions = append(conditions, "e.event_name = @"+eventParam)
	}

	propertiesStmnt, propertiesParams, err := c.translator.Translate(properties, "e", "u", prefix)
	if err != nil {
		return "", params, err
	}
	if propertiesStmnt != "" {
		params = params.Merge(propertiesParams)
		conditions = append(conditions, propertiesStmnt)
	}

	if len(conditions) == 0 {
		return "1", params, nil
	}
	return "(" + strings.Join(conditions, " AND ") + ")", params, nil
}

// entityCondition Predicate matching events of the step. An action matches
// when any of its steps match. An action without steps matches nothing.
func (c *funnelCompiler) entityCondition(step resolvedStep, prefix string) (string, model.Params, error) {
	if step.step.Type != model.FunnelStepTypeActions {
		return c.eventCondition(step.step.Name, step.step.Properties, prefix)
	}

	params := model.NewParams()
	if step.action == nil || len(step.action.Steps) == 0 {
		return "0", params, nil
	}

	actionConditions := make([]string, 0, len(step.action.Steps))
	for i, actionStep := range step.action.Steps {
		condition, conditionParams, err := c.eventCondition(actionStep.Event, actionStep.Properties,
			fmt.Sprintf("%s_a%d", prefix, i))
		if err != nil {
			return "", params, err
		}
		params = params.Merge(conditionParams)
		actionConditions = append(actionConditions, condition)
	}
	condition := "(" + strings.Join(actionConditions, " OR ") + ")"

	if len(step.step.Properties) > 0 {
		propertiesStmnt, propertiesParams, err := c.translator.Translate(step.step.Properties, "e", "u", prefix)
		if err != nil {
			return "", params, err
		}
		params = params.Merge(propertiesParams)
		condition = fmt.Sprintf("(%s AND %s)", condition, propertiesStmnt)
	}
	return condition, params, nil
}

// stepCols step_i flag and latest_i timestamp for every step, same for
// every exclusion.
func (c *funnelCompiler) stepCols(steps []resolvedStep, ns string) ([]string, model.Params, error) {
	params := model.NewParams()
	cols := make([]string, 0, 2*(len(steps)+len(c.exclusions)))

	for i, step := range steps {
		condition, conditionParams, err := c.entityCondition(step, fmt.Sprintf("%s_s%d", ns, i))
		if err != nil {
			return nil, params, err
		}
		params = params.Merge(conditionParams)
		cols = append(cols,
			fmt.Sprintf("if(%s, 1, 0) AS step_%d", condition, i),
			fmt.Sprintf("if(step_%d = 1, timestamp, NULL) AS latest_%d", i, i))
	}

	for j, exclusion := range c.exclusions {
		condition, conditionParams, err := c.entityCondition(exclusion, fmt.Sprintf("%s_x%d", ns, j))
		if err != nil {
			return nil, params, err
		}
		params = params.Merge(conditionParams)
		cols = append(cols,
			fmt.Sprintf("if(%s, 1, 0) AS exclusion_%d_step", condition, j),
			fmt.Sprintf("if(exclusion_%d_step = 1, timestamp, NULL) AS exclusion_%d_latest", j, j))
	}
	return cols, params, nil
}

// breakdownSelect Breakdown value of the row as prop.
func (c *funnelCompiler) breakdownSelect() (string, model.Params) {
	params := model.NewParams()
	breakdown := c.query.Breakdown
	switch breakdown.Type {
	case model.BreakdownTypeCohort:
		return "toString(cohort_join.value) AS prop", params
	case model.BreakdownTypeUser:
		return "trim(BOTH '\"' FROM JSONExtractRaw(u.properties, @breakdown)) AS prop",
			params.With("breakdown", breakdown.Property)
	default:
		if c.translator.IsDenormalized(breakdown.Property) {
			return fmt.Sprintf("e.`properties_%s` AS prop", breakdown.Property), params
		}
		return "trim(BOTH '\"' FROM JSONExtractRaw(e.properties, @breakdown)) AS prop",
			params.With("breakdown", breakdown.Property)
	}
}

func (c *funnelCompiler) entityFilterEventNames(steps []resolvedStep) ([]string, bool) {
	namesMap := make(map[string]bool)
	all := append(append([]resolvedStep{}, steps...), c.exclusions...)
	for _, step := range all {
		names, matchesAny := step.eventNames()
		if matchesAny {
			return nil, true
		}
		for _, name := range names {
			namesMap[name] = true
		}
	}

	names := make([]string, 0, len(namesMap))
	for name := range namesMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, false
}

// eventQuery Events of the project within the date range, one row per
// event with the subject id and step flags.
func (c *funnelCompiler) eventQuery(steps []resolvedStep, ns string, skipEntityFilter bool) (string, model.Params, error) {
	params := model.NewParams().
		With("project_id", c.projectID).
		With("date_from", c.query.From).
		With("date_to", c.query.To)

	cols := []string{
		"e.timestamp AS timestamp",
		"e.user_id AS user_id",
		"if(empty(u.customer_user_id), e.user_id, u.customer_user_id) AS coal_user_id",
	}

	joins := "LEFT JOIN users u ON u.project_id = e.project_id AND u.id = e.user_id"
	if c.hasBreakdown() {
		propSelect, propParams := c.breakdownSelect()
		params = params.Merge(propParams)
		cols = append(cols, propSelect)

		if c.query.Breakdown.Type == model.BreakdownTypeCohort {
			joins = joins + fmt.Sprintf(" INNER JOIN (%s) cohort_join ON cohort_join.user_id = e.user_id", c.cohortJoin)
			params = params.Merge(c.cohortJoinParams)
		}
	}

	stepCols, stepParams, err := c.stepCols(steps, ns)
	if err != nil {
		return "", params, err
	}
	params = params.Merge(stepParams)
	cols = append(cols, stepCols...)

	conditions := []string{
		"e.project_id = @project_id",
		"e.timestamp >= toDateTime(@date_from)",
		"e.timestamp <= toDateTime(@date_to)",
	}

	if !skipEntityFilter {
		names, matchesAny := c.entityFilterEventNames(steps)
		if !matchesAny {
			if len(names) == 0 {
				conditions = append(conditions, "0")
			} else {
				eventsParam := ns + "_events"
				params = params.With(eventsParam, names)
				conditions = append(conditions, fmt.Sprintf("has(@%s, e.event_name)", eventsParam))
			}
		}
	}

	globalStmnt, globalParams, err := c.translator.Translate(c.query.GlobalProperties, "e", "u", "g")
	if err != nil {
		return "", params, err
	}
	if globalStmnt != "" {
		params = params.Merge(globalParams)
		conditions = append(conditions, globalStmnt)
	}

	stmnt := fmt.Sprintf("SELECT %s FROM events e %s WHERE %s",
		strings.Join(cols, ", "), joins, strings.Join(conditions, " AND "))
	return stmnt, params, nil
}

// innerEventQuery Event query narrowed to rows matching any step or
// exclusion and to the breakdown values.
func (c *funnelCompiler) innerEventQuery(steps []resolvedStep, ns string,
	skipEntityFilter, skipStepFilter bool) (string, model.Params, error) {

	eventQuery, params, err := c.eventQuery(steps, ns, skipEntityFilter)
	if err != nil {
		return "", params, err
	}

	conditions := make([]string, 0)
	if !skipStepFilter {
		stepConditions := make([]string, 0, len(steps)+len(c.exclusions))
		for i := range steps {
			stepConditions = append(stepConditions, fmt.Sprintf("step_%d = 1", i))
		}
		for j := range c.exclusions {
			stepConditions = append(stepConditions, fmt.Sprintf("exclusion_%d_step = 1", j))
		}
		conditions = append(conditions, "("+strings.Join(stepConditions, " OR ")+")")
	}

	if c.hasBreakdown() {
		conditions = append(conditions, "prop != ''")
		if values := c.breakdownValues(); len(values) > 0 {
			params = params.With("breakdown_values", values)
			conditions = append(conditions, "has(@breakdown_values, prop)")
		}
	}

	if len(conditions) == 0 {
		return fmt.Sprintf("SELECT * FROM (%s)", eventQuery), params, nil
	}
	return fmt.Sprintf("SELECT * FROM (%s) WHERE %s", eventQuery, strings.Join(conditions, " AND ")), params, nil
}

package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/augustogoulart/posthog/metrics"
	"github.com/augustogoulart/posthog/model/model"
)

// usersStepCondition Positive step: reached the step or beyond. Negative
// step: reached the step before and dropped off at it.
func usersStepCondition(funnelStep int) string {
	if funnelStep < 0 {
		return fmt.Sprintf("steps = %d", -funnelStep-1)
	}
	return fmt.Sprintf("steps >= %d", funnelStep)
}

// compileUsers Page of subjects at the requested step, ordered by subject id.
func (c *funnelCompiler) compileUsers() (string, model.Params, error) {
	perRow, params, err := c.stepsPerRowQuery()
	if err != nil {
		return "", params, err
	}

	conditions := []string{usersStepCondition(*c.query.FunnelStep)}
	if c.hasBreakdown() && len(c.query.FunnelStepBreakdown) > 0 {
		params = params.With("funnel_step_breakdown", c.query.FunnelStepBreakdown)
		conditions = append(conditions, "has(@funnel_step_breakdown, prop)")
	}

	params = params.With("limit", c.query.Limit).With("offset", c.query.Offset)
	stmnt := fmt.Sprintf("SELECT DISTINCT coal_user_id FROM (%s) WHERE %s ORDER BY coal_user_id ASC LIMIT @limit OFFSET @offset",
		c.stepCountsPerPersonQuery(perRow), strings.Join(conditions, " AND "))
	return stmnt, params, nil
}

func (store *ClickHouse) GetFunnelUsers(ctx context.Context, projectID int64,
	query model.FunnelQuery) (*model.FunnelUsersResult, error) {

	logFields := log.Fields{
		"project_id": projectID,
		"query":      query,
	}
	startTime := time.Now()
	defer model.LogOnSlowExecutionWithParams(startTime, &logFields)
	defer metrics.RecordLatencySince(metrics.LatencyFunnelUsersQuery, startTime)
	metrics.Increment(metrics.IncrFunnelUsersQueryCount)
	logCtx := log.WithFields(logFields)

	if query.FunnelStep == nil {
		return nil, &model.InvalidFunnelQueryError{Msg: model.ErrMsgInvalidFunnelStepForUsers}
	}

	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		metrics.Increment(metrics.IncrFunnelQueryInvalid)
		logCtx.WithError(err).Warn("Invalid funnel users query.")
		return nil, err
	}

	result := &model.FunnelUsersResult{UserIDs: []string{}}
	if len(normalized.Steps) == 0 {
		return result, nil
	}

	compiler, err := store.newFunnelCompiler(ctx, projectID, normalized, true)
	if err == errNoBreakdownValues {
		return result, nil
	}
	if err != nil {
		logCtx.WithError(err).Error("Failed to prepare funnel users query.")
		return nil, err
	}

	stmnt, params, err := compiler.compileUsers()
	if err != nil {
		logCtx.WithError(err).Error(model.ErrMsgQueryProcessingFailure)
		return nil, err
	}

	rows, err := store.execute(ctx, stmnt, params)
	if err != nil {
		metrics.Increment(metrics.IncrFunnelQueryFailed)
		logCtx.WithError(err).Error("Failed executing funnel users query.")
		return nil, err
	}

	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		result.UserIDs = append(result.UserIDs, toString(row[0]))
	}
	result.HasMore = normalized.Limit > 0 && len(result.UserIDs) == normalized.Limit
	return result, nil
}

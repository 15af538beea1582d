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

var allowedBreakdownAggregates = map[string]bool{
	"count(*)":                     true,
	"count(DISTINCT coal_user_id)": true,
}

// compileBreakdownValuesQuery Top values of the breakdown among events
// matching the first step, ranked by aggregate.
func (c *funnelCompiler) compileBreakdownValuesQuery(aggregate string, limit int) (string, model.Params, error) {
	if !allowedBreakdownAggregates[aggregate] {
		return "", model.NewParams(), fmt.Errorf("unsupported breakdown aggregate %s", aggregate)
	}

	// Only the first step ranks values. Exclusions and already resolved
	// values play no part.
	breakdown := *c.query.Breakdown
	breakdown.Values = nil
	ranking := *c
	ranking.exclusions = nil
	ranking.query.Breakdown = &breakdown

	eventQuery, params, err := ranking.eventQuery(c.steps[:1], "b", false)
	if err != nil {
		return "", params, err
	}

	params = params.With("breakdown_limit", limit)
	stmnt := fmt.Sprintf("SELECT prop AS value, %s AS count FROM (%s) WHERE step_0 = 1 AND prop != '' GROUP BY value ORDER BY count DESC, value ASC LIMIT @breakdown_limit",
		aggregate, eventQuery)
	return stmnt, params, nil
}

// GetBreakdownValues Validates and normalizes the query first. Cohort
// breakdowns use the cohort ids as values.
func (store *ClickHouse) GetBreakdownValues(ctx context.Context, projectID int64, query model.FunnelQuery,
	aggregate string, limit int) ([]string, error) {

	logFields := log.Fields{
		"project_id": projectID,
		"breakdown":  query.Breakdown,
		"aggregate":  aggregate,
		"limit":      limit,
	}
	defer metrics.RecordLatencySince(metrics.LatencyFunnelBreakdownQuery, time.Now())
	logCtx := log.WithFields(logFields)

	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		metrics.Increment(metrics.IncrFunnelQueryInvalid)
		logCtx.WithError(err).Warn("Invalid breakdown values query.")
		return nil, err
	}

	if !normalized.HasBreakdown() || len(normalized.Steps) == 0 {
		return []string{}, nil
	}
	if normalized.Breakdown.Type == model.BreakdownTypeCohort {
		values := make([]string, 0, len(normalized.Breakdown.CohortIDs))
		for _, cohortID := range normalized.Breakdown.CohortIDs {
			values = append(values, fmt.Sprintf("%d", cohortID))
		}
		return values, nil
	}

	compiler, err := store.newFunnelCompiler(ctx, projectID, normalized, false)
	if err != nil {
		return nil, err
	}
	stmnt, params, err := compiler.compileBreakdownValuesQuery(aggregate, limit)
	if err != nil {
		logCtx.WithError(err).Error("Failed compiling breakdown values query.")
		return nil, err
	}

	rows, err := store.execute(ctx, stmnt, params)
	if err != nil {
		logCtx.WithError(err).Error("Failed getting breakdown values.")
		return nil, err
	}

	values := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		values = append(values, toString(row[0]))
	}
	metrics.CountInt(metrics.CountFunnelBreakdownValues, int64(len(values)))
	return values, nil
}

// DefaultCohortJoiner Members are read from cohort_users. The all users
// cohort joins every user of the project.
type DefaultCohortJoiner struct{}

func (DefaultCohortJoiner) CohortJoinQuery(projectID int64, breakdown model.FunnelBreakdown) (string, model.Params, error) {
	params := model.NewParams().With("project_id", projectID)
	if len(breakdown.CohortIDs) == 0 {
		return "", params, fmt.Errorf("no cohorts to join")
	}

	cohortIDs := make([]int64, 0, len(breakdown.CohortIDs))
	includeAllUsers := false
	for _, cohortID := range breakdown.CohortIDs {
		if cohortID == model.AllUsersCohortID {
			includeAllUsers = true
			continue
		}
		cohortIDs = append(cohortIDs, cohortID)
	}

	unions := make([]string, 0, 2)
	if len(cohortIDs) > 0 {
		params = params.With("breakdown_cohort_ids", cohortIDs)
		unions = append(unions, "SELECT user_id, cohort_id AS value FROM cohort_users WHERE project_id = @project_id AND has(@breakdown_cohort_ids, cohort_id)")
	}
	if includeAllUsers {
		unions = append(unions, "SELECT id AS user_id, toInt64(0) AS value FROM users WHERE project_id = @project_id")
	}
	return strings.Join(unions, " UNION ALL "), params, nil
}

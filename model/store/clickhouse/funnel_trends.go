package clickhouse

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/augustogoulart/posthog/metrics"
	"github.com/augustogoulart/posthog/model/model"
)

// intervalTruncFuncs Periods start in UTC whatever the server timezone is.
// Weeks start on Sunday.
var intervalTruncFuncs = map[string]string{
	model.FunnelIntervalHour:  "toStartOfHour(%s, 'UTC')",
	model.FunnelIntervalDay:   "toStartOfDay(%s, 'UTC')",
	model.FunnelIntervalWeek:  "toStartOfWeek(%s, 0, 'UTC')",
	model.FunnelIntervalMonth: "toStartOfMonth(%s, 'UTC')",
}

var intervalFuncs = map[string]string{
	model.FunnelIntervalHour:  "toIntervalHour",
	model.FunnelIntervalDay:   "toIntervalDay",
	model.FunnelIntervalWeek:  "toIntervalWeek",
	model.FunnelIntervalMonth: "toIntervalMonth",
}

// compileTrends Conversion between the from and to steps of subjects
// grouped by the period they entered the funnel in. Periods without
// entrances are filled from a generated calendar of numPeriods.
func (c *funnelCompiler) compileTrends(numPeriods int) (string, model.Params, error) {
	perRow, params, err := c.stepsPerRowQuery()
	if err != nil {
		return "", params, err
	}

	truncFunc := intervalTruncFuncs[c.query.Interval]
	fromStep, toStep := c.query.FromStepIndex(), c.query.ToStepIndex()

	perPersonPeriod := fmt.Sprintf("SELECT coal_user_id, %s AS entrance_period_start, max(steps) AS steps_completed FROM (%s) GROUP BY coal_user_id, entrance_period_start",
		fmt.Sprintf(truncFunc, "timestamp"), perRow)

	data := fmt.Sprintf("SELECT entrance_period_start, countIf(steps_completed >= %d) AS reached_from_step_count, countIf(steps_completed >= %d) AS reached_to_step_count, if(reached_from_step_count > 0, round(reached_to_step_count / reached_from_step_count * 100, 2), 0) AS conversion_rate FROM (%s) GROUP BY entrance_period_start",
		fromStep+1, toStep+1, perPersonPeriod)

	fill := fmt.Sprintf("SELECT %s AS entrance_period_start FROM numbers(%d)",
		fmt.Sprintf(truncFunc, fmt.Sprintf("toDateTime(@date_from, 'UTC') + %s(number)", intervalFuncs[c.query.Interval])), numPeriods)

	stmnt := fmt.Sprintf("SELECT entrance_period_start, reached_from_step_count, reached_to_step_count, conversion_rate FROM (%s) data FULL OUTER JOIN (%s) fill USING (entrance_period_start) ORDER BY entrance_period_start ASC",
		data, fill)
	return stmnt, params, nil
}

func (store *ClickHouse) RunFunnelTrendsQuery(ctx context.Context, projectID int64,
	query model.FunnelQuery) (*model.FunnelTrendsResult, error) {

	logFields := log.Fields{
		"project_id": projectID,
		"query":      query,
	}
	startTime := time.Now()
	defer model.LogOnSlowExecutionWithParams(startTime, &logFields)
	defer metrics.RecordLatencySince(metrics.LatencyFunnelTrendsQuery, startTime)
	metrics.Increment(metrics.IncrFunnelTrendsQueryCount)
	logCtx := log.WithFields(logFields)

	query.VizType = model.FunnelVizTrends
	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		metrics.Increment(metrics.IncrFunnelQueryInvalid)
		logCtx.WithError(err).Warn("Invalid funnel trends query.")
		return nil, err
	}

	result := &model.FunnelTrendsResult{Periods: []model.FunnelTrendsPeriod{}}
	if len(normalized.Steps) == 0 {
		result.FillTrendsDisplay(normalized.Interval)
		return result, nil
	}

	cacheQuery := model.FunnelCacheQuery(query, normalized)
	if model.GetFunnelResultFromCache(projectID, model.FunnelCacheKindTrends, cacheQuery, result) {
		metrics.Increment(metrics.IncrFunnelQueryCacheHit)
		return result, nil
	}

	compiler, err := store.newFunnelCompiler(ctx, projectID, normalized, true)
	if err != nil {
		logCtx.WithError(err).Error("Failed to prepare funnel trends query.")
		return nil, err
	}

	periods := model.GetAllPeriodsForInterval(normalized.From, normalized.To, normalized.Interval)
	stmnt, params, err := compiler.compileTrends(len(periods))
	if err != nil {
		logCtx.WithError(err).Error(model.ErrMsgQueryProcessingFailure)
		return nil, err
	}

	rows, err := store.execute(ctx, stmnt, params)
	if err != nil {
		metrics.Increment(metrics.IncrFunnelQueryFailed)
		logCtx.WithError(err).Error("Failed executing funnel trends query.")
		return nil, err
	}

	result, err = formatFunnelTrendsResult(periods, rows, normalized, store.now())
	if err != nil {
		logCtx.WithError(err).Error("Failed formatting funnel trends result.")
		return nil, err
	}

	model.SetFunnelResultInCache(projectID, model.FunnelCacheKindTrends, cacheQuery, result)
	return result, nil
}

// formatFunnelTrendsResult Periods follow the generated calendar, periods
// missing on rows are zero.
func formatFunnelTrendsResult(periods []time.Time, rows [][]interface{},
	query model.FunnelQuery, now time.Time) (*model.FunnelTrendsResult, error) {

	rowsByPeriod := make(map[int64][]interface{}, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			return nil, fmt.Errorf("invalid funnel trends row of %d columns", len(row))
		}
		periodStart, ok := toTime(row[0])
		if !ok {
			return nil, fmt.Errorf("invalid period start %v", row[0])
		}
		rowsByPeriod[model.TruncateToInterval(periodStart, query.Interval).Unix()] = row
	}

	result := &model.FunnelTrendsResult{Periods: make([]model.FunnelTrendsPeriod, 0, len(periods))}
	for _, periodStart := range periods {
		period := model.FunnelTrendsPeriod{
			Timestamp:     periodStart,
			IsPeriodFinal: model.IsPeriodFinal(periodStart, now, query.FunnelWindowDays),
		}

		if row, exists := rowsByPeriod[periodStart.Unix()]; exists {
			fromCount, err := toInt64(row[1])
			if err != nil {
				return nil, err
			}
			toCount, err := toInt64(row[2])
			if err != nil {
				return nil, err
			}
			period.ReachedFromStepCount = fromCount
			period.ReachedToStepCount = toCount
			period.ConversionRate = toFloat64(row[3])
		}
		result.Periods = append(result.Periods, period)
	}

	result.FillTrendsDisplay(query.Interval)
	return result, nil
}

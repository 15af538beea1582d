package clickhouse

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/augustogoulart/posthog/metrics"
	"github.com/augustogoulart/posthog/model/model"
	U "github.com/augustogoulart/posthog/util"
)

func (store *ClickHouse) RunFunnelQuery(ctx context.Context, projectID int64,
	query model.FunnelQuery) (*model.FunnelResult, error) {

	logFields := log.Fields{
		"project_id": projectID,
		"query":      query,
	}
	startTime := time.Now()
	defer model.LogOnSlowExecutionWithParams(startTime, &logFields)
	defer metrics.RecordLatencySince(metrics.LatencyFunnelQuery, startTime)
	metrics.Increment(metrics.IncrFunnelQueryCount)
	logCtx := log.WithFields(logFields)

	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		metrics.Increment(metrics.IncrFunnelQueryInvalid)
		logCtx.WithError(err).Warn("Invalid funnel query.")
		return nil, err
	}

	if len(normalized.Steps) == 0 {
		return &model.FunnelResult{Steps: []model.FunnelStepResult{}}, nil
	}

	cacheQuery := model.FunnelCacheQuery(query, normalized)
	var cachedResult model.FunnelResult
	if model.GetFunnelResultFromCache(projectID, model.FunnelCacheKindSteps, cacheQuery, &cachedResult) {
		metrics.Increment(metrics.IncrFunnelQueryCacheHit)
		return &cachedResult, nil
	}

	compiler, err := store.newFunnelCompiler(ctx, projectID, normalized, true)
	if err == errNoBreakdownValues {
		return &model.FunnelResult{Breakdowns: []model.FunnelBreakdownResult{}}, nil
	}
	if err != nil {
		logCtx.WithError(err).Error("Failed to prepare funnel query.")
		return nil, err
	}

	stmnt, params, err := compiler.compileSteps()
	if err != nil {
		logCtx.WithError(err).Error(model.ErrMsgQueryProcessingFailure)
		return nil, err
	}

	rows, err := store.execute(ctx, stmnt, params)
	if err != nil {
		metrics.Increment(metrics.IncrFunnelQueryFailed)
		logCtx.WithError(err).Error("Failed executing funnel query.")
		return nil, err
	}

	startComputeTime := time.Now()
	result, err := formatFunnelResult(compiler, rows)
	if err != nil {
		logCtx.WithError(err).Error("Failed formatting funnel result.")
		return nil, err
	}
	U.LogComputeTimeWithQueryRequestID(startComputeTime, "", &logFields)

	metrics.Increment(metrics.IncrFunnelQueryCacheMiss)
	model.SetFunnelResultInCache(projectID, model.FunnelCacheKindSteps, cacheQuery, result)
	return result, nil
}

// formatFunnelResult One row without breakdown, one row per breakdown value
// otherwise. Breakdowns follow the order of the resolved values.
func formatFunnelResult(c *funnelCompiler, rows [][]interface{}) (*model.FunnelResult, error) {
	if !c.hasBreakdown() {
		if len(rows) == 0 {
			return &model.FunnelResult{Steps: formatEmptyFunnelSteps(c.steps)}, nil
		}
		steps, err := formatFunnelSteps(c.steps, rows[0], nil)
		if err != nil {
			return nil, err
		}
		return &model.FunnelResult{Steps: steps}, nil
	}

	valueIndex := make(map[string]int)
	for i, value := range c.breakdownValues() {
		valueIndex[value] = i
	}

	breakdowns := make([]model.FunnelBreakdownResult, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		value := toString(row[len(row)-1])
		steps, err := formatFunnelSteps(c.steps, row, []string{value})
		if err != nil {
			return nil, err
		}
		breakdowns = append(breakdowns, model.FunnelBreakdownResult{Value: value, Steps: steps})
	}

	sort.SliceStable(breakdowns, func(i, j int) bool {
		iIndex, iExists := valueIndex[breakdowns[i].Value]
		jIndex, jExists := valueIndex[breakdowns[j].Value]
		if iExists != jExists {
			return iExists
		}
		return iIndex < jIndex
	})
	return &model.FunnelResult{Breakdowns: breakdowns}, nil
}

func formatEmptyFunnelSteps(steps []resolvedStep) []model.FunnelStepResult {
	results := make([]model.FunnelStepResult, 0, len(steps))
	for _, step := range steps {
		results = append(results, model.NewFunnelStepResult(step.step, 0))
	}
	return results
}

// formatFunnelSteps Row holds subjects per furthest step, then average and
// median times from step 1 on. Walking backwards turns subjects per furthest
// step into subjects who reached the step.
func formatFunnelSteps(steps []resolvedStep, row []interface{}, breakdown []string) ([]model.FunnelStepResult, error) {
	numSteps := len(steps)
	if len(row) < 3*numSteps-2 {
		return nil, fmt.Errorf("invalid funnel result row of %d columns for %d steps", len(row), numSteps)
	}

	results := make([]model.FunnelStepResult, 0, numSteps)
	var total int64
	for order := numSteps - 1; order >= 0; order-- {
		count, err := toInt64(row[order])
		if err != nil {
			return nil, err
		}
		total += count

		result := model.NewFunnelStepResult(steps[order].step, total)
		if order > 0 {
			result.AverageConversionTime = toFloat64Ptr(row[order+numSteps-1])
			result.MedianConversionTime = toFloat64Ptr(row[order+2*numSteps-2])
		}
		result.Breakdown = breakdown
		results = append(results, result)
	}

	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case *uint64:
		if v == nil {
			return 0, nil
		}
		return int64(*v), nil
	case *int64:
		if v == nil {
			return 0, nil
		}
		return *v, nil
	}
	return 0, fmt.Errorf("unexpected count value %v of type %T", value, value)
}

// toFloat64Ptr Nil for NULL and NaN, aggregates over no rows return either.
func toFloat64Ptr(value interface{}) *float64 {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case *float64:
		if v == nil {
			return nil
		}
		f = *v
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	case *int64:
		if v == nil {
			return nil
		}
		f = float64(*v)
	case *uint64:
		if v == nil {
			return nil
		}
		f = float64(*v)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func toFloat64(value interface{}) float64 {
	if f := toFloat64Ptr(value); f != nil {
		return *f
	}
	return 0
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case []byte:
		return string(v)
	}
	return fmt.Sprintf("%v", value)
}

func toTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return v.UTC(), true
	case int64:
		return time.Unix(v, 0).UTC(), true
	}
	return time.Time{}, false
}

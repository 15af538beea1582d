package clickhouse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/augustogoulart/posthog/model/model"
	storeMemory "github.com/augustogoulart/posthog/model/store/memory"
)

// Statements run against a live server only when FUNNEL_CLICKHOUSE_ADDR
// is set, e.g. FUNNEL_CLICKHOUSE_ADDR=localhost:9000.
const clickhouseAddrEnv = "FUNNEL_CLICKHOUSE_ADDR"

var integrationSchema = []string{
	"CREATE TABLE events (project_id Int64, user_id String, event_name String, timestamp DateTime('UTC'), properties String, `properties_$browser` String) ENGINE = MergeTree ORDER BY (project_id, timestamp)",
	"CREATE TABLE users (project_id Int64, id String, customer_user_id String, properties String) ENGINE = MergeTree ORDER BY (project_id, id)",
	"CREATE TABLE cohort_users (project_id Int64, user_id String, cohort_id Int64) ENGINE = MergeTree ORDER BY (project_id, cohort_id)",
}

var integrationStart = time.Date(2021, 5, 5, 10, 0, 0, 0, time.UTC)

// integrationEnv Events are written to a throwaway database and to the in
// memory store, so both can be compared on the same data.
type integrationEnv struct {
	conn   clickhouse.Conn
	store  *ClickHouse
	memory *storeMemory.Memory
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	addr := os.Getenv(clickhouseAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", clickhouseAddrEnv)
	}

	ctx := context.Background()
	admin, err := clickhouse.Open(&clickhouse.Options{Addr: []string{addr}})
	require.Nil(t, err)
	require.Nil(t, admin.Ping(ctx))

	database := "funnel_test_" + xid.New().String()
	require.Nil(t, admin.Exec(ctx, "CREATE DATABASE "+database))
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP DATABASE IF EXISTS "+database)
		admin.Close()
	})

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database},
	})
	require.Nil(t, err)
	t.Cleanup(func() { conn.Close() })

	for _, stmnt := range integrationSchema {
		require.Nil(t, conn.Exec(ctx, stmnt))
	}

	return &integrationEnv{
		conn:   conn,
		store:  newTestStore(WithExecutor(NewConnExecutor(conn))),
		memory: storeMemory.New(storeMemory.WithClock(func() time.Time { return testNow })),
	}
}

func (env *integrationEnv) addEvents(t *testing.T, events ...model.Event) {
	batch, err := env.conn.PrepareBatch(context.Background(), "INSERT INTO events")
	require.Nil(t, err)
	for _, event := range events {
		browser := ""
		if value, exists := event.Properties["$browser"]; exists {
			browser = fmt.Sprintf("%v", value)
		}
		require.Nil(t, batch.Append(event.ProjectID, event.UserID, event.EventName,
			event.Timestamp, "{}", browser))
	}
	require.Nil(t, batch.Send())
	env.memory.AddEvents(events...)
}

func (env *integrationEnv) run(t *testing.T, projectID int64, query model.FunnelQuery) (*model.FunnelResult, *model.FunnelResult) {
	ctx := context.Background()
	fromClickHouse, err := env.store.RunFunnelQuery(ctx, projectID, query)
	require.Nil(t, err)
	fromMemory, err := env.memory.RunFunnelQuery(ctx, projectID, query)
	require.Nil(t, err)
	return fromClickHouse, fromMemory
}

func integrationEvent(projectID int64, userID, name string, offset time.Duration, browser string) model.Event {
	event := model.Event{
		ProjectID: projectID,
		UserID:    userID,
		EventName: name,
		Timestamp: integrationStart.Add(offset),
	}
	if browser != "" {
		event.Properties = map[string]interface{}{"$browser": browser}
	}
	return event
}

func stepCounts(steps []model.FunnelStepResult) []int64 {
	result := make([]int64, 0, len(steps))
	for _, step := range steps {
		result = append(result, step.Count)
	}
	return result
}

func TestIntegrationFunnelQuery(t *testing.T) {
	env := newIntegrationEnv(t)

	t.Run("ConversionTime", func(t *testing.T) {
		var projectID int64 = 101
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, ""),
			integrationEvent(projectID, "u1", "B", 8*time.Hour, ""),
		)

		result, expected := env.run(t, projectID, testQuery("A", "B"))
		assert.Equal(t, []int64{1, 1}, stepCounts(result.Steps))
		assert.Equal(t, stepCounts(expected.Steps), stepCounts(result.Steps))
		require.NotNil(t, result.Steps[1].AverageConversionTime)
		require.NotNil(t, result.Steps[1].MedianConversionTime)
		assert.Equal(t, 28800.0, *result.Steps[1].AverageConversionTime)
		assert.Equal(t, 28800.0, *result.Steps[1].MedianConversionTime)
	})

	t.Run("MedianOfEvenCount", func(t *testing.T) {
		var projectID int64 = 102
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, ""),
			integrationEvent(projectID, "u1", "B", time.Hour, ""),
			integrationEvent(projectID, "u2", "A", 0, ""),
			integrationEvent(projectID, "u2", "B", 3*time.Hour, ""),
		)

		result, expected := env.run(t, projectID, testQuery("A", "B"))
		require.NotNil(t, result.Steps[1].MedianConversionTime)
		assert.Equal(t, 10800.0, *result.Steps[1].MedianConversionTime)
		assert.Equal(t, *expected.Steps[1].MedianConversionTime, *result.Steps[1].MedianConversionTime)
	})

	t.Run("ExclusionAtFromStepTime", func(t *testing.T) {
		var projectID int64 = 103
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, ""),
			integrationEvent(projectID, "u1", "X", 0, ""),
			integrationEvent(projectID, "u1", "X", time.Hour, ""),
			integrationEvent(projectID, "u1", "B", 2*time.Hour, ""),
		)

		query := testQuery("A", "B")
		query.Exclusions = []model.FunnelExclusion{{
			FunnelStep: model.FunnelStep{Type: model.FunnelStepTypeEvents, Name: "X"},
			FromStep:   model.IntPtr(0), ToStep: model.IntPtr(1),
		}}
		for _, orderType := range []string{model.FunnelOrderOrdered, model.FunnelOrderStrict, model.FunnelOrderUnordered} {
			query.OrderType = orderType
			result, expected := env.run(t, projectID, query)
			assert.Equal(t, []int64{1, 0}, stepCounts(result.Steps), orderType)
			assert.Equal(t, stepCounts(expected.Steps), stepCounts(result.Steps), orderType)
		}
	})

	t.Run("ExclusionBeforeToStep", func(t *testing.T) {
		var projectID int64 = 104
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, ""),
			integrationEvent(projectID, "u1", "B", time.Hour, ""),
			integrationEvent(projectID, "u1", "X", 2*time.Hour, ""),
			integrationEvent(projectID, "u1", "C", 3*time.Hour, ""),
			integrationEvent(projectID, "u2", "A", 0, ""),
			integrationEvent(projectID, "u2", "B", time.Hour, ""),
			integrationEvent(projectID, "u2", "C", 2*time.Hour, ""),
			integrationEvent(projectID, "u2", "X", 3*time.Hour, ""),
		)

		query := testQuery("A", "B", "C")
		query.Exclusions = []model.FunnelExclusion{{
			FunnelStep: model.FunnelStep{Type: model.FunnelStepTypeEvents, Name: "X"},
			FromStep:   model.IntPtr(1), ToStep: model.IntPtr(2),
		}}
		for _, orderType := range []string{model.FunnelOrderOrdered, model.FunnelOrderStrict, model.FunnelOrderUnordered} {
			query.OrderType = orderType
			result, expected := env.run(t, projectID, query)
			assert.Equal(t, []int64{2, 2, 1}, stepCounts(result.Steps), orderType)
			assert.Equal(t, stepCounts(expected.Steps), stepCounts(result.Steps), orderType)
		}
	})

	t.Run("StrictAndOrdered", func(t *testing.T) {
		var projectID int64 = 105
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, ""),
			integrationEvent(projectID, "u1", "C", time.Hour, ""),
			integrationEvent(projectID, "u1", "B", 2*time.Hour, ""),
		)

		query := testQuery("A", "B")
		for orderType, counts := range map[string][]int64{
			model.FunnelOrderOrdered: {1, 1},
			model.FunnelOrderStrict:  {1, 0},
		} {
			query.OrderType = orderType
			result, expected := env.run(t, projectID, query)
			assert.Equal(t, counts, stepCounts(result.Steps), orderType)
			assert.Equal(t, stepCounts(expected.Steps), stepCounts(result.Steps), orderType)
		}
	})

	t.Run("RepeatedSteps", func(t *testing.T) {
		var projectID int64 = 106
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, ""),
			integrationEvent(projectID, "u1", "A", time.Hour, ""),
			integrationEvent(projectID, "u2", "A", 0, ""),
		)

		result, expected := env.run(t, projectID, testQuery("A", "A"))
		assert.Equal(t, []int64{2, 1}, stepCounts(result.Steps))
		assert.Equal(t, stepCounts(expected.Steps), stepCounts(result.Steps))
	})

	t.Run("Breakdown", func(t *testing.T) {
		var projectID int64 = 107
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, "x"),
			integrationEvent(projectID, "u1", "B", time.Hour, "x"),
			integrationEvent(projectID, "u2", "A", 0, "y"),
		)

		query := testQuery("A", "B")
		query.Breakdown = &model.FunnelBreakdown{Property: "$browser"}
		result, expected := env.run(t, projectID, query)
		require.Len(t, result.Breakdowns, 2)
		assert.Equal(t, "x", result.Breakdowns[0].Value)
		assert.Equal(t, []int64{1, 1}, stepCounts(result.Breakdowns[0].Steps))
		assert.Equal(t, "y", result.Breakdowns[1].Value)
		assert.Equal(t, []int64{1, 0}, stepCounts(result.Breakdowns[1].Steps))

		require.Len(t, expected.Breakdowns, 2)
		for i := range expected.Breakdowns {
			assert.Equal(t, expected.Breakdowns[i].Value, result.Breakdowns[i].Value)
			assert.Equal(t, stepCounts(expected.Breakdowns[i].Steps), stepCounts(result.Breakdowns[i].Steps))
		}
	})

	t.Run("DailyTrends", func(t *testing.T) {
		var projectID int64 = 108
		env.addEvents(t,
			integrationEvent(projectID, "u1", "A", 0, ""),
			integrationEvent(projectID, "u1", "B", time.Hour, ""),
			integrationEvent(projectID, "u2", "A", 0, ""),
		)

		query := testQuery("A", "B")
		query.VizType = model.FunnelVizTrends
		query.Interval = model.FunnelIntervalDay
		result, err := env.store.RunFunnelTrendsQuery(context.Background(), projectID, query)
		require.Nil(t, err)

		day := time.Date(2021, 5, 5, 0, 0, 0, 0, time.UTC)
		found := false
		for _, period := range result.Periods {
			if !period.Timestamp.Equal(day) {
				continue
			}
			found = true
			assert.Equal(t, int64(2), period.ReachedFromStepCount)
			assert.Equal(t, int64(1), period.ReachedToStepCount)
			assert.Equal(t, 50.0, period.ConversionRate)
		}
		assert.True(t, found)
	})
}

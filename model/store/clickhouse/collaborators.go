package clickhouse

import (
	"context"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/augustogoulart/posthog/model/model"
	U "github.com/augustogoulart/posthog/util"
)

// ActionResolver Loads saved actions referenced by funnel steps.
type ActionResolver interface {
	GetAction(projectID int64, actionID int64) (*model.Action, error)
}

// PropertyTranslator Translates property filters into a predicate over the
// events (eventAlias) and users (userAlias) tables.
type PropertyTranslator interface {
	Translate(properties []model.QueryProperty, eventAlias, userAlias, paramPrefix string) (string, model.Params, error)
	IsDenormalized(key string) bool
}

// CohortJoiner Returns a join fragment exposing user_id and value columns
// for the cohorts of the breakdown.
type CohortJoiner interface {
	CohortJoinQuery(projectID int64, breakdown model.FunnelBreakdown) (string, model.Params, error)
}

// BreakdownValuesFetcher Top values of the breakdown for the anchor step.
type BreakdownValuesFetcher interface {
	GetBreakdownValues(ctx context.Context, projectID int64, query model.FunnelQuery,
		aggregate string, limit int) ([]string, error)
}

// Executor Runs a statement with named params and returns rows in column order.
type Executor interface {
	Query(ctx context.Context, stmnt string, params model.Params) ([][]interface{}, error)
}

// ConnExecutor Executor over a clickhouse connection.
type ConnExecutor struct {
	conn clickhouse.Conn
}

func NewConnExecutor(conn clickhouse.Conn) *ConnExecutor {
	return &ConnExecutor{conn: conn}
}

func NamedArgs(params model.Params) []interface{} {
	args := make([]interface{}, 0, params.Len())
	for _, name := range params.Names() {
		value, _ := params.Get(name)
		args = append(args, clickhouse.Named(name, value))
	}
	return args
}

func (e *ConnExecutor) Query(ctx context.Context, stmnt string, params model.Params) ([][]interface{}, error) {
	if e.conn == nil {
		return nil, errors.New("clickhouse connection not initialized")
	}

	reqID := U.GetUniqueQueryRequestID()
	logCtx := log.WithFields(log.Fields{
		"req_id":         reqID,
		"expanded_query": U.TrimQueryString(U.DBDebugPreparedStatement(stmnt, params.Map())),
	})
	startTime := time.Now()

	rows, err := e.conn.Query(ctx, "/* req_id:"+reqID+" */ "+stmnt, NamedArgs(params)...)
	if err != nil {
		logCtx.WithError(err).Error("Failed executing query.")
		return nil, err
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	resultRows := make([][]interface{}, 0)
	for rows.Next() {
		vars := make([]interface{}, len(columnTypes))
		for i := range columnTypes {
			vars[i] = reflect.New(columnTypes[i].ScanType()).Interface()
		}

		if err := rows.Scan(vars...); err != nil {
			logCtx.WithError(err).Error("Failed scanning row.")
			return nil, err
		}

		row := make([]interface{}, len(vars))
		for i := range vars {
			row[i] = reflect.ValueOf(vars[i]).Elem().Interface()
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		logCtx.WithError(err).Error("Failed reading rows.")
		return nil, err
	}

	logCtx.WithFields(log.Fields{
		"rows":             len(resultRows),
		"time_taken_in_ms": time.Since(startTime).Milliseconds(),
	}).Debug("Executed query.")
	return resultRows, nil
}

package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	C "github.com/augustogoulart/posthog/config"
	"github.com/augustogoulart/posthog/model/model"
)

// ClickHouse Funnel queries over the ClickHouse events store.
// Holds only read only collaborators, safe for concurrent use.
type ClickHouse struct {
	executor   Executor
	actions    ActionResolver
	translator PropertyTranslator
	cohorts    CohortJoiner
	breakdown  BreakdownValuesFetcher
	now        func() time.Time
}

type Option func(store *ClickHouse)

func WithExecutor(executor Executor) Option {
	return func(store *ClickHouse) { store.executor = executor }
}

func WithActionResolver(actions ActionResolver) Option {
	return func(store *ClickHouse) { store.actions = actions }
}

func WithPropertyTranslator(translator PropertyTranslator) Option {
	return func(store *ClickHouse) { store.translator = translator }
}

func WithCohortJoiner(cohorts CohortJoiner) Option {
	return func(store *ClickHouse) { store.cohorts = cohorts }
}

func WithBreakdownValuesFetcher(fetcher BreakdownValuesFetcher) Option {
	return func(store *ClickHouse) { store.breakdown = fetcher }
}

// WithClock Used for defaults of the date range and period finality.
func WithClock(now func() time.Time) Option {
	return func(store *ClickHouse) { store.now = now }
}

func New(options ...Option) *ClickHouse {
	store := &ClickHouse{
		translator: NewDefaultPropertyTranslator(C.GetDenormalizedProperties()),
		cohorts:    DefaultCohortJoiner{},
		now:        time.Now,
	}
	if services := C.GetServices(); services != nil && services.ClickHouse != nil {
		store.executor = NewConnExecutor(services.ClickHouse)
	}

	for _, option := range options {
		option(store)
	}
	if store.breakdown == nil {
		store.breakdown = store
	}
	return store
}

var errNoBreakdownValues = errors.New("no breakdown values")

var errActionResolverMissing = errors.New("action resolver not configured")

func (store *ClickHouse) resolveStep(projectID int64, step model.FunnelStep) (resolvedStep, error) {
	if step.Type != model.FunnelStepTypeActions {
		return resolvedStep{step: step}, nil
	}
	if store.actions == nil {
		return resolvedStep{}, errActionResolverMissing
	}

	action, err := store.actions.GetAction(projectID, step.ActionID)
	if err != nil {
		return resolvedStep{}, errors.Wrapf(err, "failed to get action %d", step.ActionID)
	}
	return resolvedStep{step: step, action: action}, nil
}

// newFunnelCompiler Resolves actions, breakdown values and the cohort join
// of a normalized query. Returns errNoBreakdownValues when the breakdown
// has nothing to group by.
func (store *ClickHouse) newFunnelCompiler(ctx context.Context, projectID int64,
	query model.FunnelQuery, resolveBreakdownValues bool) (*funnelCompiler, error) {

	compiler := &funnelCompiler{
		projectID:        projectID,
		query:            query,
		translator:       store.translator,
		cohortJoinParams: model.NewParams(),
	}

	for _, step := range query.Steps {
		resolved, err := store.resolveStep(projectID, step)
		if err != nil {
			return nil, err
		}
		compiler.steps = append(compiler.steps, resolved)
	}
	for _, exclusion := range query.Exclusions {
		resolved, err := store.resolveStep(projectID, exclusion.FunnelStep)
		if err != nil {
			return nil, err
		}
		compiler.exclusions = append(compiler.exclusions, resolved)
	}

	if !query.HasBreakdown() {
		return compiler, nil
	}

	breakdown := *query.Breakdown
	compiler.query.Breakdown = &breakdown

	if breakdown.Type == model.BreakdownTypeCohort {
		cohortJoin, cohortParams, err := store.cohorts.CohortJoinQuery(projectID, breakdown)
		if err != nil {
			return nil, err
		}
		compiler.cohortJoin = cohortJoin
		compiler.cohortJoinParams = cohortParams
	}

	if len(breakdown.Values) > 0 || !resolveBreakdownValues {
		return compiler, nil
	}

	if breakdown.Type == model.BreakdownTypeCohort {
		breakdown.Values = make([]string, 0, len(breakdown.CohortIDs))
		for _, cohortID := range breakdown.CohortIDs {
			breakdown.Values = append(breakdown.Values, fmt.Sprintf("%d", cohortID))
		}
		return compiler, nil
	}

	values, err := store.breakdown.GetBreakdownValues(ctx, projectID, query, model.DefaultBreakdownAggregate, breakdown.Limit)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errNoBreakdownValues
	}
	breakdown.Values = values
	return compiler, nil
}

func (store *ClickHouse) execute(ctx context.Context, stmnt string, params model.Params) ([][]interface{}, error) {
	if store.executor == nil {
		return nil, errors.New("clickhouse executor not configured")
	}
	return store.executor.Query(ctx, stmnt, params)
}

// CompileFunnelQuery Statement for the query without executing it, except for
// fetching breakdown values when the query does not carry them.
func (store *ClickHouse) CompileFunnelQuery(ctx context.Context, projectID int64,
	query model.FunnelQuery) (*model.FunnelStatement, error) {

	normalized, err := model.ValidateAndNormalizeFunnelQuery(query, store.now())
	if err != nil {
		return nil, err
	}
	if len(normalized.Steps) == 0 {
		return &model.FunnelStatement{}, nil
	}

	compiler, err := store.newFunnelCompiler(ctx, projectID, normalized, store.executor != nil)
	if err == errNoBreakdownValues {
		return &model.FunnelStatement{}, nil
	}
	if err != nil {
		return nil, err
	}

	var stmnt string
	var params model.Params
	switch {
	case normalized.FunnelStep != nil:
		stmnt, params, err = compiler.compileUsers()
	case normalized.IsTrends():
		periods := model.GetAllPeriodsForInterval(normalized.From, normalized.To, normalized.Interval)
		stmnt, params, err = compiler.compileTrends(len(periods))
	default:
		stmnt, params, err = compiler.compileSteps()
	}
	if err != nil {
		log.WithError(err).WithField("project_id", projectID).Error(model.ErrMsgQueryProcessingFailure)
		return nil, err
	}
	return &model.FunnelStatement{Stmnt: stmnt, Params: params.Map()}, nil
}

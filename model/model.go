package model

import (
	"context"

	"github.com/augustogoulart/posthog/model/model"
)

// Model - Interface of all methods to be implemented by the stores.
type Model interface {
	// funnel_analytics
	RunFunnelQuery(ctx context.Context, projectID int64, query model.FunnelQuery) (*model.FunnelResult, error)
	RunFunnelTrendsQuery(ctx context.Context, projectID int64, query model.FunnelQuery) (*model.FunnelTrendsResult, error)
	GetFunnelUsers(ctx context.Context, projectID int64, query model.FunnelQuery) (*model.FunnelUsersResult, error)
	GetBreakdownValues(ctx context.Context, projectID int64, query model.FunnelQuery, aggregate string, limit int) ([]string, error)
}

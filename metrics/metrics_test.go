package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opencensus.io/stats/view"
)

func TestRecordMetrics(t *testing.T) {
	assert.Nil(t, RegisterViews())
	defer view.Unregister(latencyView, countIntView)

	Increment(IncrFunnelQueryCount)
	CountInt(IncrFunnelQueryCount, 2)
	RecordLatencySince(LatencyFunnelQuery, time.Now().Add(-time.Second))

	rows, err := view.RetrieveData(countIntView.Name)
	assert.Nil(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, float64(3), rows[0].Data.(*view.SumData).Value)

	rows, err = view.RetrieveData(latencyView.Name)
	assert.Nil(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Data.(*view.DistributionData).Count)
}

func TestInitMetricsDevelopment(t *testing.T) {
	assert.Nil(t, InitMetrics("development", "funnel_query", "project", "us-west1"))
}

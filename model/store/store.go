package store

import (
	log "github.com/sirupsen/logrus"

	C "github.com/augustogoulart/posthog/config"
	"github.com/augustogoulart/posthog/model"
	storeClickHouse "github.com/augustogoulart/posthog/model/store/clickhouse"
	storeMemory "github.com/augustogoulart/posthog/model/store/memory"
	storePostgres "github.com/augustogoulart/posthog/model/store/postgres"
)

// GetStore - Funnel queries run on ClickHouse with actions from postgres.
// Falls back to an empty in memory store when ClickHouse is not initialized.
func GetStore() model.Model {
	services := C.GetServices()
	if services == nil || services.ClickHouse == nil {
		log.Warn("ClickHouse not initialized. Using in memory store.")
		return storeMemory.New()
	}

	options := make([]storeClickHouse.Option, 0)
	actions, err := storePostgres.New()
	if err != nil {
		log.WithError(err).Error("Failed to initialize actions store. Action steps will fail.")
	} else {
		options = append(options, storeClickHouse.WithActionResolver(actions))
	}
	return storeClickHouse.New(options...)
}

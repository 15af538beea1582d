package model

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	cacheRedis "github.com/augustogoulart/posthog/cache/redis"
	C "github.com/augustogoulart/posthog/config"
	U "github.com/augustogoulart/posthog/util"
)

const (
	FunnelCacheKindSteps  = "steps"
	FunnelCacheKindTrends = "trends"
	FunnelCacheKindUsers  = "users"
)

// GetFunnelQueryCacheRedisKey Key is scoped by project and kind of result,
// suffixed by hash of the normalized query.
func GetFunnelQueryCacheRedisKey(projectID int64, kind string, query FunnelQuery) (*cacheRedis.Key, error) {
	hash, err := U.GenerateHashStringForStruct(query)
	if err != nil {
		return nil, err
	}
	return cacheRedis.NewKey(projectID, "funnel:cache:"+kind, hash)
}

// FunnelCacheQuery Query hashed into the cache key. A to defaulted to now
// is truncated to the hour so repeated queries share the key.
func FunnelCacheQuery(raw, normalized FunnelQuery) FunnelQuery {
	if raw.To != 0 {
		return normalized
	}
	cacheQuery := normalized
	cacheQuery.To = time.Unix(normalized.To, 0).UTC().Truncate(time.Hour).Unix()
	return cacheQuery
}

// GetFunnelResultFromCache Decodes the cached result into result.
// Returns false on miss or any failure.
func GetFunnelResultFromCache(projectID int64, kind string, query FunnelQuery, result interface{}) bool {
	if !C.IsFunnelQueryCacheEnabled(projectID) {
		return false
	}

	logCtx := log.WithFields(log.Fields{"project_id": projectID, "kind": kind})
	key, err := GetFunnelQueryCacheRedisKey(projectID, kind, query)
	if err != nil {
		logCtx.WithError(err).Error("Failed to get funnel cache key.")
		return false
	}

	value, err := cacheRedis.Get(key)
	if err != nil {
		if !cacheRedis.IsNotFound(err) {
			logCtx.WithError(err).Error("Failed to get funnel result from cache.")
		}
		return false
	}

	if err := json.Unmarshal([]byte(value), result); err != nil {
		logCtx.WithError(err).Error("Failed to decode cached funnel result.")
		if err := cacheRedis.Del(key); err != nil {
			logCtx.WithError(err).Error("Failed to delete cached funnel result.")
		}
		return false
	}
	return true
}

func SetFunnelResultInCache(projectID int64, kind string, query FunnelQuery, result interface{}) {
	if !C.IsFunnelQueryCacheEnabled(projectID) {
		return
	}

	logCtx := log.WithFields(log.Fields{"project_id": projectID, "kind": kind})
	key, err := GetFunnelQueryCacheRedisKey(projectID, kind, query)
	if err != nil {
		logCtx.WithError(err).Error("Failed to get funnel cache key.")
		return
	}

	value, err := json.Marshal(result)
	if err != nil {
		logCtx.WithError(err).Error("Failed to encode funnel result for cache.")
		return
	}

	if err := cacheRedis.Set(key, string(value), C.GetFunnelQueryCacheExpiry()); err != nil {
		logCtx.WithError(err).Error("Failed to set funnel result in cache.")
	}
}

package postgres

import (
	"encoding/json"
	"fmt"

	cache "github.com/hashicorp/golang-lru"
	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	C "github.com/augustogoulart/posthog/config"
	"github.com/augustogoulart/posthog/metrics"
	"github.com/augustogoulart/posthog/model/model"
)

const defaultActionCacheSize = 1000

var ErrActionNotFound = errors.New("action not found")

type dbAction struct {
	ID        int64  `gorm:"primary_key:true" json:"id"`
	ProjectID int64  `gorm:"not null" json:"project_id"`
	Name      string `gorm:"not null" json:"name"`
	IsDeleted bool   `gorm:"not null;default:false" json:"is_deleted"`
}

func (dbAction) TableName() string {
	return "actions"
}

type dbActionStep struct {
	ID        int64  `gorm:"primary_key:true" json:"id"`
	ActionID  int64  `gorm:"not null" json:"action_id"`
	ProjectID int64  `gorm:"not null" json:"project_id"`
	EventName string `json:"event_name"`
	// JSON encoded list of property filters.
	Properties string `json:"properties"`
}

func (dbActionStep) TableName() string {
	return "action_steps"
}

// Postgres Actions store. Actions are immutable once saved, loaded actions
// are kept in an LRU cache.
type Postgres struct {
	actionCache *cache.Cache
	loadAction  func(projectID, actionID int64) (*model.Action, error)
}

func New() (*Postgres, error) {
	size := defaultActionCacheSize
	if config := C.GetConfig(); config != nil && config.ActionCacheSize > 0 {
		size = config.ActionCacheSize
	}

	actionCache, err := cache.New(size)
	if err != nil {
		return nil, err
	}

	pg := &Postgres{actionCache: actionCache}
	pg.loadAction = pg.getActionFromDB
	return pg, nil
}

func getActionCacheKey(projectID, actionID int64) string {
	return fmt.Sprintf("%d:%d", projectID, actionID)
}

// GetAction Action with its steps, from cache when loaded before.
func (pg *Postgres) GetAction(projectID int64, actionID int64) (*model.Action, error) {
	key := getActionCacheKey(projectID, actionID)
	if cached, ok := pg.actionCache.Get(key); ok {
		if action, ok := cached.(*model.Action); ok {
			metrics.Increment(metrics.IncrActionCacheHit)
			return action, nil
		}
	}
	metrics.Increment(metrics.IncrActionCacheMiss)

	action, err := pg.loadAction(projectID, actionID)
	if err != nil {
		return nil, err
	}
	pg.actionCache.Add(key, action)
	return action, nil
}

func (pg *Postgres) getActionFromDB(projectID, actionID int64) (*model.Action, error) {
	logCtx := log.WithFields(log.Fields{"project_id": projectID, "action_id": actionID})
	if projectID == 0 || actionID == 0 {
		return nil, ErrActionNotFound
	}

	services := C.GetServices()
	if services == nil || services.Db == nil {
		return nil, errors.New("db not initialized")
	}
	db := services.Db

	var action dbAction
	if err := db.Where("project_id = ? AND id = ? AND is_deleted = ?", projectID, actionID, false).
		First(&action).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, ErrActionNotFound
		}
		logCtx.WithError(err).Error("Failed to get action.")
		return nil, err
	}

	var steps []dbActionStep
	if err := db.Where("project_id = ? AND action_id = ?", projectID, actionID).
		Order("id ASC").Find(&steps).Error; err != nil {
		logCtx.WithError(err).Error("Failed to get action steps.")
		return nil, err
	}

	return toModelAction(action, steps)
}

func toModelAction(action dbAction, steps []dbActionStep) (*model.Action, error) {
	modelAction := &model.Action{
		ID:        action.ID,
		ProjectID: action.ProjectID,
		Name:      action.Name,
		Steps:     make([]model.ActionStep, 0, len(steps)),
	}

	for _, step := range steps {
		actionStep := model.ActionStep{Event: step.EventName}
		if step.Properties != "" {
			if err := json.Unmarshal([]byte(step.Properties), &actionStep.Properties); err != nil {
				return nil, errors.Wrapf(err, "invalid properties on step %d of action %d", step.ID, action.ID)
			}
		}
		modelAction.Steps = append(modelAction.Steps, actionStep)
	}
	return modelAction, nil
}

// Package memory evaluates funnel queries over events held in memory.
// Used as the reference for the ClickHouse statements and for running
// queries against exported events without a database.
package memory

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/augustogoulart/posthog/model/model"
)

var ErrActionNotFound = errors.New("action not found")

type Memory struct {
	mu      sync.RWMutex
	events  []model.Event
	actions map[int64]*model.Action
	// Cohort members by user id.
	cohorts map[int64]map[string]bool
	now     func() time.Time
}

type Option func(store *Memory)

func WithActions(actions ...*model.Action) Option {
	return func(store *Memory) {
		for _, action := range actions {
			store.actions[action.ID] = action
		}
	}
}

func WithCohort(cohortID int64, userIDs ...string) Option {
	return func(store *Memory) {
		members := make(map[string]bool, len(userIDs))
		for _, userID := range userIDs {
			members[userID] = true
		}
		store.cohorts[cohortID] = members
	}
}

func WithClock(now func() time.Time) Option {
	return func(store *Memory) { store.now = now }
}

func New(options ...Option) *Memory {
	store := &Memory{
		actions: make(map[int64]*model.Action),
		cohorts: make(map[int64]map[string]bool),
		now:     time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

// AddEvents Events are kept sorted by timestamp.
func (store *Memory) AddEvents(events ...model.Event) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.events = append(store.events, events...)
	sort.SliceStable(store.events, func(i, j int) bool {
		return store.events[i].Timestamp.Before(store.events[j].Timestamp)
	})
}

// ReadEvents Reads one JSON encoded event per line.
func (store *Memory) ReadEvents(reader io.Reader) (int, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	events := make([]model.Event, 0)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event model.Event
		if err := json.Unmarshal(line, &event); err != nil {
			log.WithError(err).WithField("line", lineNum).Error("Failed to decode event.")
			return 0, errors.Wrapf(err, "invalid event on line %d", lineNum)
		}
		event.Timestamp = event.Timestamp.UTC()
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	store.AddEvents(events...)
	return len(events), nil
}

func (store *Memory) GetAction(projectID int64, actionID int64) (*model.Action, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	action, exists := store.actions[actionID]
	if !exists || (action.ProjectID != 0 && action.ProjectID != projectID) {
		return nil, ErrActionNotFound
	}
	return action, nil
}

func (store *Memory) isCohortMember(cohortID int64, userID string) bool {
	if cohortID == model.AllUsersCohortID {
		return true
	}
	return store.cohorts[cohortID][userID]
}

// projectEvents Events of the project within the date range of the query.
func (store *Memory) projectEvents(projectID int64, query model.FunnelQuery) []*model.Event {
	store.mu.RLock()
	defer store.mu.RUnlock()

	from, to := query.FromTime(), query.ToTime()
	events := make([]*model.Event, 0)
	for i := range store.events {
		event := &store.events[i]
		if event.ProjectID != projectID || event.Timestamp.Before(from) || event.Timestamp.After(to) {
			continue
		}
		if !matchProperties(query.GlobalProperties, event) {
			continue
		}
		events = append(events, event)
	}
	return events
}

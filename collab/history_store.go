package collab

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

const (
	eventGetRunSteps    = "get_run_steps"
	eventHistoryUpdated = "history_updated"
)

// RefetchPolicy controls how history pushes translate into fetches.
type RefetchPolicy int

const (
	// RefetchChanged refetches only runs whose state or timestamp
	// actually advanced since the last known snapshot, and that have
	// at least one subscriber.
	RefetchChanged RefetchPolicy = iota
	// RefetchAll refetches every subscribed run on any history push.
	RefetchAll
)

type RunStep struct {
	Id         string `json:"id"`
	JobId      string `json:"job_id"`
	ExitReason string `json:"exit_reason,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

type RunSteps struct {
	RunId string    `json:"run_id"`
	State string    `json:"state,omitempty"`
	Steps []RunStep `json:"steps"`
}

type runVersion struct {
	state     string
	updatedAt int64
}

type HistorySnapshot struct {
	// Steps holds the fetched bundles keyed by run id. Entries stay
	// cached after the last subscriber leaves; only Invalidate evicts.
	Steps   map[string]RunSteps
	Loading map[string]bool
	Error   *StoreError
}

type HistoryStoreSettings struct {
	RefetchPolicy RefetchPolicy
}

func DefaultHistoryStoreSettings() *HistoryStoreSettings {
	return &HistoryStoreSettings{
		RefetchPolicy: RefetchChanged,
	}
}

// HistoryStore is a push-driven cache of run execution data with
// per-run subscriber counting. Each run id moves uncached -> loading
// -> cached; pushes invalidate according to the refetch policy.
type HistoryStore struct {
	subscriptions

	transport ChannelTransport
	settings  *HistoryStoreSettings

	stateLock sync.Mutex
	cache     map[string]RunSteps
	versions  map[string]runVersion
	// subscriber ids per run id
	runSubscribers map[string]map[string]bool
	loading        map[string]bool
	// bumped by Invalidate; a response fetched under an older
	// generation is stale and must not repopulate the cache
	generations map[string]uint64
	lastError   *StoreError

	unsub func()
}

func NewHistoryStoreWithDefaults(transport ChannelTransport) *HistoryStore {
	return NewHistoryStore(transport, DefaultHistoryStoreSettings())
}

func NewHistoryStore(transport ChannelTransport, settings *HistoryStoreSettings) *HistoryStore {
	store := &HistoryStore{
		transport:      transport,
		settings:       settings,
		cache:          map[string]RunSteps{},
		versions:       map[string]runVersion{},
		runSubscribers: map[string]map[string]bool{},
		loading:        map[string]bool{},
		generations:    map[string]uint64{},
	}
	store.unsub = transport.On(eventHistoryUpdated, store.handleHistoryUpdated)
	return store
}

// SubscribeToRunSteps registers subscriberId for runId and fetches the
// steps unless they are already cached or a fetch is in flight.
func (self *HistoryStore) SubscribeToRunSteps(runId string, subscriberId string) {
	self.stateLock.Lock()
	subscribers, ok := self.runSubscribers[runId]
	if !ok {
		subscribers = map[string]bool{}
		self.runSubscribers[runId] = subscribers
	}
	subscribers[subscriberId] = true
	_, cached := self.cache[runId]
	inFlight := self.loading[runId]
	self.stateLock.Unlock()

	if !cached && !inFlight {
		self.fetch(runId)
	}
}

// UnsubscribeFromRunSteps removes only the subscriber. The cache entry
// survives a zero subscriber count.
func (self *HistoryStore) UnsubscribeFromRunSteps(runId string, subscriberId string) {
	self.stateLock.Lock()
	if subscribers, ok := self.runSubscribers[runId]; ok {
		delete(subscribers, subscriberId)
		if len(subscribers) == 0 {
			delete(self.runSubscribers, runId)
		}
	}
	self.stateLock.Unlock()
}

// Invalidate evicts the cached bundle. If the run still has
// subscribers, a fresh fetch is started; a fetch already in flight was
// issued under the old generation and its response will be discarded,
// triggering the refetch on completion instead.
func (self *HistoryStore) Invalidate(runId string) {
	self.stateLock.Lock()
	delete(self.cache, runId)
	self.generations[runId] += 1
	subscribed := len(self.runSubscribers[runId]) > 0
	inFlight := self.loading[runId]
	self.stateLock.Unlock()
	self.notify()

	if subscribed && !inFlight {
		self.fetch(runId)
	}
}

func (self *HistoryStore) fetch(runId string) {
	self.stateLock.Lock()
	self.loading[runId] = true
	generation := self.generations[runId]
	self.stateLock.Unlock()
	self.notify()

	sendRequest(self.transport, eventGetRunSteps, map[string]any{"run_id": runId},
		func(payload json.RawMessage) *StoreError {
			return self.applySteps(runId, generation, payload)
		},
		func(storeError *StoreError) {
			self.stateLock.Lock()
			delete(self.loading, runId)
			self.lastError = storeError
			stale := self.generations[runId] != generation
			subscribed := len(self.runSubscribers[runId]) > 0
			_, cached := self.cache[runId]
			self.stateLock.Unlock()
			self.notify()

			// the invalidation that outdated this fetch skipped its
			// own refetch; run it now that the slot is free
			if stale && subscribed && !cached {
				self.fetch(runId)
			}
		},
	)
}

func (self *HistoryStore) applySteps(runId string, generation uint64, payload json.RawMessage) *StoreError {
	var decoded RunSteps
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		return storeError
	}
	if decoded.RunId == "" {
		decoded.RunId = runId
	}

	self.stateLock.Lock()
	if self.generations[runId] != generation {
		// invalidated while in flight; drop the stale bundle
		self.stateLock.Unlock()
		glog.V(2).Infof("[h]stale %s\n", runId)
		return nil
	}
	self.cache[decoded.RunId] = decoded
	if decoded.State != "" {
		version := self.versions[decoded.RunId]
		version.state = decoded.State
		self.versions[decoded.RunId] = version
	}
	self.stateLock.Unlock()
	return nil
}

type runDelta struct {
	State     string `json:"state"`
	UpdatedAt int64  `json:"updated_at"`
}

func (self *HistoryStore) handleHistoryUpdated(payload json.RawMessage) {
	var decoded struct {
		Runs map[string]runDelta `json:"runs"`
	}
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		glog.Infof("[h]history push invalid = %s\n", storeError.Message)
		return
	}

	refetch := []string{}
	self.stateLock.Lock()
	for runId, delta := range decoded.Runs {
		changed := self.recordVersion(runId, delta)
		if len(self.runSubscribers[runId]) == 0 || self.loading[runId] {
			continue
		}
		switch self.settings.RefetchPolicy {
		case RefetchAll:
			refetch = append(refetch, runId)
		case RefetchChanged:
			if changed {
				refetch = append(refetch, runId)
			}
		}
	}
	self.stateLock.Unlock()

	for _, runId := range refetch {
		glog.V(2).Infof("[h]refetch %s\n", runId)
		self.fetch(runId)
	}
}

// recordVersion stores the pushed version and reports whether the run
// advanced past the last known snapshot. An unknown run counts as
// changed. Callers hold stateLock.
func (self *HistoryStore) recordVersion(runId string, delta runDelta) bool {
	previous, known := self.versions[runId]
	self.versions[runId] = runVersion{
		state:     delta.State,
		updatedAt: delta.UpdatedAt,
	}
	if !known {
		return true
	}
	return previous.state != delta.State || previous.updatedAt < delta.UpdatedAt
}

func (self *HistoryStore) ClearError() {
	self.stateLock.Lock()
	self.lastError = nil
	self.stateLock.Unlock()
	self.notify()
}

func (self *HistoryStore) GetSnapshot() HistorySnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return HistorySnapshot{
		Steps:   maps.Clone(self.cache),
		Loading: maps.Clone(self.loading),
		Error:   self.lastError,
	}
}

func (self *HistoryStore) Cleanup() {
	self.unsub()
}

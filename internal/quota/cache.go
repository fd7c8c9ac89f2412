package quota

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status describes what the poller is currently doing.
type Status string

const (
	StatusFetching Status = "fetching"
	StatusRetrying Status = "retrying"
	StatusIdle     Status = "idle"
)

// StatusEvent is emitted on the status channel.
type StatusEvent struct {
	Provider   string `json:"provider"`
	Status     Status `json:"status"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// UpdateFunc receives a freshly published snapshot for an account key.
type UpdateFunc func(accountKey string, snap Snapshot)

// ErrorFunc receives per-account fetch failures.
type ErrorFunc func(accountKey string, err error)

// StatusFunc receives poller status transitions.
type StatusFunc func(ev StatusEvent)

// Cache is the read side of the pollers: last-known-good snapshots per
// account key plus the three subscription channels. All access is
// internally synchronized.
type Cache struct {
	log *zap.Logger

	mu    sync.RWMutex
	snaps map[string]Snapshot

	subMu      sync.Mutex
	updateSubs map[string]UpdateFunc
	errorSubs  map[string]ErrorFunc
	statusSubs map[string]StatusFunc
}

// NewCache creates an empty snapshot cache.
func NewCache(log *zap.Logger) *Cache {
	return &Cache{
		log:        log,
		snaps:      make(map[string]Snapshot),
		updateSubs: make(map[string]UpdateFunc),
		errorSubs:  make(map[string]ErrorFunc),
		statusSubs: make(map[string]StatusFunc),
	}
}

// Get returns the cached snapshot for one account key.
func (c *Cache) Get(accountKey string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[accountKey]
	return snap, ok
}

// All returns a copy of every cached snapshot.
func (c *Cache) All() map[string]Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Snapshot, len(c.snaps))
	for k, v := range c.snaps {
		out[k] = v
	}
	return out
}

// Put replaces the snapshot for an account key wholesale and notifies
// update subscribers.
func (c *Cache) Put(accountKey string, snap Snapshot) {
	c.mu.Lock()
	c.snaps[accountKey] = snap
	c.mu.Unlock()

	for _, fn := range c.updateFuncs() {
		c.dispatch(func() { fn(accountKey, snap) })
	}
}

// Drop removes an account's snapshot (after logout).
func (c *Cache) Drop(accountKey string) {
	c.mu.Lock()
	delete(c.snaps, accountKey)
	c.mu.Unlock()
}

// PublishError notifies error subscribers. The cached snapshot, if any,
// stays in place as the last known good value.
func (c *Cache) PublishError(accountKey string, err error) {
	for _, fn := range c.errorFuncs() {
		c.dispatch(func() { fn(accountKey, err) })
	}
}

// PublishStatus notifies status subscribers.
func (c *Cache) PublishStatus(ev StatusEvent) {
	for _, fn := range c.statusFuncs() {
		c.dispatch(func() { fn(ev) })
	}
}

// SubscribeUpdates registers an update listener and returns its id.
func (c *Cache) SubscribeUpdates(fn UpdateFunc) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := uuid.New().String()
	c.updateSubs[id] = fn
	return id
}

// SubscribeErrors registers an error listener and returns its id.
func (c *Cache) SubscribeErrors(fn ErrorFunc) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := uuid.New().String()
	c.errorSubs[id] = fn
	return id
}

// SubscribeStatus registers a status listener and returns its id.
func (c *Cache) SubscribeStatus(fn StatusFunc) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := uuid.New().String()
	c.statusSubs[id] = fn
	return id
}

// Unsubscribe removes a listener by id from whichever channel holds it.
// Idempotent and safe to call during dispatch.
func (c *Cache) Unsubscribe(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.updateSubs, id)
	delete(c.errorSubs, id)
	delete(c.statusSubs, id)
}

// Dispatch iterates over a copy of the subscriber set so unsubscribing
// mid-dispatch cannot corrupt iteration, and a panicking subscriber
// cannot starve the rest.

func (c *Cache) updateFuncs() []UpdateFunc {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	fns := make([]UpdateFunc, 0, len(c.updateSubs))
	for _, fn := range c.updateSubs {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Cache) errorFuncs() []ErrorFunc {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	fns := make([]ErrorFunc, 0, len(c.errorSubs))
	for _, fn := range c.errorSubs {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Cache) statusFuncs() []StatusFunc {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	fns := make([]StatusFunc, 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Cache) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("quota subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

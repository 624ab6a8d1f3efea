package indi

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rickbassham/logging"
)

// WatchFunc receives an Update whenever the scope it was registered at
// changes. The same Update can reach an element watcher, its owning
// property's watchers, its device's watchers, and the store's client-level
// watchers, in that order, per spec.md §4.D.
type WatchFunc func(Update)

// watcherSet is a uuid-addressable collection of WatchFuncs. The teacher
// repurposes google/uuid for BLOB stream identity; here the same library
// gives every watcher registration a stable handle a caller can later use
// to unregister it.
type watcherSet struct {
	mu  sync.RWMutex
	fns map[uuid.UUID]WatchFunc
}

func newWatcherSet() *watcherSet {
	return &watcherSet{fns: make(map[uuid.UUID]WatchFunc)}
}

// Add registers fn and returns a handle that Remove accepts.
func (ws *watcherSet) Add(fn WatchFunc) uuid.UUID {
	id := uuid.New()
	ws.mu.Lock()
	ws.fns[id] = fn
	ws.mu.Unlock()
	return id
}

// Remove unregisters the watcher with the given handle, if still present.
func (ws *watcherSet) Remove(id uuid.UUID) {
	ws.mu.Lock()
	delete(ws.fns, id)
	ws.mu.Unlock()
}

// fire calls every registered watcher with u. A watcher that panics is
// logged and does not prevent its siblings, or the rest of apply's fan-out,
// from running, per spec.md §4.D.
func (ws *watcherSet) fire(u Update, log logging.Logger) {
	ws.mu.RLock()
	fns := make([]WatchFunc, 0, len(ws.fns))
	for _, fn := range ws.fns {
		fns = append(fns, fn)
	}
	ws.mu.RUnlock()

	for _, fn := range fns {
		callWatcher(fn, u, log)
	}
}

func callWatcher(fn WatchFunc, u Update, log logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprintf("%v", r)).Warn("indi: watcher panicked, continuing")
		}
	}()
	fn(u)
}

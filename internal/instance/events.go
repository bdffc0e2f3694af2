package instance

import (
	"slices"
	"sync"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// EventName identifies an event emitted by an [Instance].
type EventName string

const (
	// EventReady fires once, when the first datafile is installed.
	EventReady EventName = "ready"
	// EventRefresh fires after every successful refresh, changed or not.
	EventRefresh EventName = "refresh"
	// EventUpdate fires when a datafile with a new revision replaces an
	// earlier one.
	EventUpdate EventName = "update"
	// EventActivation fires from Activate.
	EventActivation EventName = "activation"
)

// Event is passed to listeners. Only the fields relevant to Name are set.
type Event struct {
	Name             EventName        `json:"name"`
	Revision         string           `json:"revision,omitempty"`
	PreviousRevision string           `json:"previousRevision,omitempty"`
	RevisionChanged  bool             `json:"revisionChanged,omitempty"`
	Features         []string         `json:"features,omitempty"`
	FeatureKey       string           `json:"featureKey,omitempty"`
	Variation        string           `json:"variation,omitempty"`
	Captured         datafile.Context `json:"captured,omitempty"`
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener
}

// Emitter is a per-instance listener registry.
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[EventName][]subscription
	onPanic   func(Event, any)
}

// NewEmitter creates an emitter. onPanic, when non-nil, is told about every
// listener that panics; the remaining listeners still run either way.
func NewEmitter(onPanic func(Event, any)) *Emitter {
	return &Emitter{listeners: make(map[EventName][]subscription), onPanic: onPanic}
}

// On registers listener for name and returns a func that removes it. The
// returned func is safe to call more than once.
func (e *Emitter) On(name EventName, listener Listener) func() {
	if listener == nil {
		return func() {}
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], subscription{id: id, listener: listener})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(name, id) })
	}
}

func (e *Emitter) off(name EventName, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := slices.DeleteFunc(slices.Clone(e.listeners[name]), func(s subscription) bool { return s.id == id })
	if len(subs) == 0 {
		delete(e.listeners, name)
		return
	}
	e.listeners[name] = subs
}

// Emit calls every listener registered for event.Name. Listeners added or
// removed during Emit take effect from the next Emit.
func (e *Emitter) Emit(event Event) {
	e.mu.Lock()
	subs := e.listeners[event.Name]
	e.mu.Unlock()

	for _, s := range subs {
		e.call(s.listener, event)
	}
}

func (e *Emitter) call(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil && e.onPanic != nil {
			e.onPanic(event, r)
		}
	}()
	listener(event)
}

// RemoveAllListeners drops the listeners for the given names, or for every
// event when called without names.
func (e *Emitter) RemoveAllListeners(names ...EventName) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(names) == 0 {
		clear(e.listeners)
		return
	}
	for _, name := range names {
		delete(e.listeners, name)
	}
}

// ListenerCount returns how many listeners are registered for name.
func (e *Emitter) ListenerCount(name EventName) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[name])
}

package cache

import "sync"

// EventKind identifies a store lifecycle event.
type EventKind int

const (
	// EventClearBegan is emitted before Clear removes anything.
	EventClearBegan EventKind = iota
	// EventClearFinished is emitted once Clear has visited every entry.
	EventClearFinished
)

func (k EventKind) String() string {
	switch k {
	case EventClearBegan:
		return "clear-began"
	case EventClearFinished:
		return "clear-finished"
	default:
		return "unknown"
	}
}

// Event is delivered to OnClear subscribers. Result and Err are only set on
// EventClearFinished.
type Event struct {
	Kind   EventKind
	Result TrimResult
	Err    error
}

type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func (h *eventHub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Event))
	}
	id := h.next
	h.next++
	h.subs[id] = fn

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// emit calls subscribers synchronously, outside the hub lock.
func (h *eventHub) emit(ev Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

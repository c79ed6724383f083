package bus

import "sync"

// historyRing is a fixed-size ring of recent events shared by both
// backends.
type historyRing struct {
	mu     sync.RWMutex
	events []*Event
	next   int
	full   bool
}

func newHistoryRing() *historyRing {
	return &historyRing{events: make([]*Event, HistorySize)}
}

func (h *historyRing) add(e *Event) {
	h.mu.Lock()
	h.events[h.next] = e
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// snapshot returns up to limit events, oldest first, optionally filtered
// by exact type.
func (h *historyRing) snapshot(limit int, eventType string) []*Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ordered []*Event
	if h.full {
		ordered = append(ordered, h.events[h.next:]...)
		ordered = append(ordered, h.events[:h.next]...)
	} else {
		ordered = append(ordered, h.events[:h.next]...)
	}

	if eventType != "" {
		filtered := ordered[:0:0]
		for _, e := range ordered {
			if e.Type == eventType {
				filtered = append(filtered, e)
			}
		}
		ordered = filtered
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

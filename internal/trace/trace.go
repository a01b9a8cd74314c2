// Package trace records heap tracker residency events for offline inspection.
package trace

import (
	"sync"
	"time"
)

type EventType uint8

const (
	// TypeFault is a non-resident entry being made resident.
	TypeFault EventType = 0
	// TypeEvict is a resident entry losing its host mapping during a rebuild.
	TypeEvict EventType = 1
	// TypeRebuild spans a whole eviction sweep, Length is the number of evicted entries.
	TypeRebuild EventType = 2
)

func (t EventType) String() string {
	switch t {
	case TypeFault:
		return "fault"
	case TypeEvict:
		return "evict"
	case TypeRebuild:
		return "rebuild"
	default:
		return "unknown"
	}
}

// Event is a single traced event with timing information.
type Event struct {
	Timestamp int64     `json:"ts"`  // Unix nanoseconds when the event started
	Duration  int64     `json:"dur"` // 0 for point events
	Offset    uint64    `json:"off"` // Virtual offset of the entry
	Length    uint64    `json:"len"`
	Type      EventType `json:"typ"`
}

// EventRecorder is a thread-safe recorder for trace events.
// A nil recorder is valid and records nothing.
type EventRecorder struct {
	mu      sync.Mutex
	events  []Event
	enabled bool
}

func NewEventRecorder(enabled bool) *EventRecorder {
	r := &EventRecorder{
		enabled: enabled,
	}
	if enabled {
		r.events = make([]Event, 0, 1024)
	}

	return r
}

func (r *EventRecorder) SetEnabled(enabled bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	if enabled && r.events == nil {
		r.events = make([]Event, 0, 1024)
	}
}

func (r *EventRecorder) IsEnabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.enabled
}

// Record adds an event that started at startTime and ends now.
func (r *EventRecorder) Record(startTime time.Time, offset, length uint64, eventType EventType) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	r.events = append(r.events, Event{
		Timestamp: startTime.UnixNano(),
		Duration:  time.Since(startTime).Nanoseconds(),
		Offset:    offset,
		Length:    length,
		Type:      eventType,
	})
}

// RecordNow adds a point event at the current time.
func (r *EventRecorder) RecordNow(offset, length uint64, eventType EventType) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	r.events = append(r.events, Event{
		Timestamp: time.Now().UnixNano(),
		Offset:    offset,
		Length:    length,
		Type:      eventType,
	})
}

// Events returns a copy of all recorded events.
func (r *EventRecorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Event, len(r.events))
	copy(result, r.events)

	return result
}

// Count returns the number of recorded events of the given type.
func (r *EventRecorder) Count(eventType EventType) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}

	return n
}

func (r *EventRecorder) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}

package conversation

import (
	"sync"
	"time"
)

// EventSource identifies which side of the channel produced an event.
type EventSource string

const (
	SourceClient EventSource = "client"
	SourceServer EventSource = "server"
)

// Event is one protocol message recorded for diagnostics.
type Event struct {
	Time    time.Time
	Source  EventSource
	Type    string
	Payload any
}

// CoalescedEvent is a display-oriented view entry: adjacent events with the
// same (source, type) collapse into one row with a repeat count.
type CoalescedEvent struct {
	Event
	Count  int
	Offset time.Duration // measured from the first recorded event
}

// EventLog is the append-only record of protocol traffic. The raw log is
// canonical; coalescing happens only in the derived view.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	start  time.Time
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Record appends one event. The log is never reordered.
func (l *EventLog) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.start.IsZero() {
		l.start = ev.Time
	}
	l.events = append(l.events, ev)
}

// Events returns the raw log in arrival order.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len reports the raw event count.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Coalesced returns the display view: adjacent same-(source, type) events
// merged with a repeat counter and offsets relative to the session start.
func (l *EventLog) Coalesced() []CoalescedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]CoalescedEvent, 0, len(l.events))
	for _, ev := range l.events {
		if n := len(out); n > 0 && out[n-1].Source == ev.Source && out[n-1].Type == ev.Type {
			out[n-1].Count++
			out[n-1].Event = ev
			out[n-1].Offset = ev.Time.Sub(l.start)
			continue
		}
		out = append(out, CoalescedEvent{
			Event:  ev,
			Count:  1,
			Offset: ev.Time.Sub(l.start),
		})
	}
	return out
}

package blackboard

import "sync"

// EventLog is the append-only, totally ordered record of Board access.
// It is shared by a Board and every Branch taken from it.
type EventLog struct {
	mu     sync.RWMutex
	seq    uint64
	events []Event
}

func newEventLog() *EventLog {
	return &EventLog{}
}

// append assigns the next sequence number to e and stores it.
func (l *EventLog) append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	l.events = append(l.events, e)
	return e
}

// Len returns the number of recorded events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Events returns a copy of every event in sequence order.
func (l *EventLog) Events() []Event {
	return l.Filter(nil)
}

// Since returns the events with a sequence number greater than seq.
func (l *EventLog) Since(seq uint64) []Event {
	return l.Filter(func(e Event) bool { return e.Seq > seq })
}

// ByActor returns the events performed by actor.
func (l *EventLog) ByActor(actor string) []Event {
	return l.Filter(func(e Event) bool { return e.Actor == actor })
}

// ByRegion returns the events touching region.
func (l *EventLog) ByRegion(region string) []Event {
	return l.Filter(func(e Event) bool { return e.Region == region })
}

// Writes returns the write events.
func (l *EventLog) Writes() []Event {
	return l.Filter(func(e Event) bool { return e.Op == OpWrite })
}

// Conflicts returns the write events that carry a ConflictNotice.
func (l *EventLog) Conflicts() []Event {
	return l.Filter(func(e Event) bool { return e.Conflict != nil })
}

// Filter returns the events accepted by keep, in sequence order. A nil keep accepts everything.
func (l *EventLog) Filter(keep func(Event) bool) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, len(l.events))
	for _, e := range l.events {
		if keep == nil || keep(e) {
			e.Value = clone(e.Value)
			if e.Conflict != nil {
				c := *e.Conflict
				c.Previous = clone(c.Previous)
				c.Attempted = clone(c.Attempted)
				e.Conflict = &c
			}
			out = append(out, e)
		}
	}
	return out
}

package stream

import (
	"github.com/estuary/flow/go/eventstore"
)

// EventView is a read-only, ordered view over a session's committed or
// uncommitted events. Structural mutation through the view is rejected
// with *eventstore.UnsupportedOperationError rather than silently
// succeeding or panicking — the underlying buffer it's backed by is not
// itself immutable, only the view is (spec §9 "Read-only view
// collections").
type EventView struct {
	events []eventstore.EventMessage
}

// Len returns the number of events in the view.
func (v *EventView) Len() int {
	if v == nil {
		return 0
	}
	return len(v.events)
}

// At returns the event at position i, which must satisfy 0 <= i < Len().
func (v *EventView) At(i int) eventstore.EventMessage {
	return v.events[i]
}

// Slice returns a defensive copy of the underlying events, safe for the
// caller to range over or hold onto; mutating the returned slice never
// affects the session.
func (v *EventView) Slice() []eventstore.EventMessage {
	if v == nil {
		return nil
	}
	var out = make([]eventstore.EventMessage, len(v.events))
	copy(out, v.events)
	return out
}

// Add always fails: the view is read-only. Structural mutation of a
// session's committed or uncommitted events happens only through Add
// (for uncommitted) and CommitChanges/fold (for committed).
func (v *EventView) Add(eventstore.EventMessage) error {
	return &eventstore.UnsupportedOperationError{Operation: "EventView.Add"}
}

// Remove always fails: the view is read-only.
func (v *EventView) Remove(int) error {
	return &eventstore.UnsupportedOperationError{Operation: "EventView.Remove"}
}

// Clear always fails: the view is read-only.
func (v *EventView) Clear() error {
	return &eventstore.UnsupportedOperationError{Operation: "EventView.Clear"}
}

// HeaderView is a read-only view over a session's committed headers.
type HeaderView struct {
	headers map[string]interface{}
}

// Get returns the value for key and whether it was present.
func (v *HeaderView) Get(key string) (interface{}, bool) {
	if v == nil {
		return nil, false
	}
	val, ok := v.headers[key]
	return val, ok
}

// Keys returns the header keys in no particular order.
func (v *HeaderView) Keys() []string {
	if v == nil {
		return nil
	}
	var out = make([]string, 0, len(v.headers))
	for k := range v.headers {
		out = append(out, k)
	}
	return out
}

// Map returns a defensive copy of the underlying headers.
func (v *HeaderView) Map() map[string]interface{} {
	if v == nil {
		return nil
	}
	var out = make(map[string]interface{}, len(v.headers))
	for k, val := range v.headers {
		out[k] = val
	}
	return out
}

// Set always fails: the view is read-only.
func (v *HeaderView) Set(string, interface{}) error {
	return &eventstore.UnsupportedOperationError{Operation: "HeaderView.Set"}
}

// Delete always fails: the view is read-only.
func (v *HeaderView) Delete(string) error {
	return &eventstore.UnsupportedOperationError{Operation: "HeaderView.Delete"}
}

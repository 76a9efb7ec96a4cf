package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/liamwh/sourcerer/internal/reflector"
)

// DefaultEventSource is stamped on envelopes whose event does not implement
// the EventSource() override.
const DefaultEventSource = "urn:sourcerer:event"

// EventRegistry maps event type names to constructors so we can decode persisted events.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any {
		return any(new(T))
	})
}

// Event returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. It does not use reflection to create instances.
// For each provided constructor, we call it once to determine the event type name and then
// register the original constructor so future decodes produce fresh instances per call.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		// Create a temporary instance to derive the type name
		sample := ctor()
		eventType := getEventTypeOf(sample)
		r.Register(eventType, ctor)
	}
}

// EventTypeOf returns the persisted type name of an event, honouring an
// EventType() string override.
func EventTypeOf(ev any) string { return getEventTypeOf(ev) }

// EventVersionOf returns the schema version of an event, honouring an
// EventVersion() uint16 override. Events without one are version 1.
func EventVersionOf(ev any) uint16 { return getEventVersionOf(ev) }

// EventSourceOf returns the source URN of an event, honouring an
// EventSource() string override.
func EventSourceOf(ev any) string { return getEventSourceOf(ev) }

// getEventTypeOf derives the persisted type name of an event. Events may
// override the reflected name by implementing EventType() string.
func getEventTypeOf(ev any) (eventType string) {
	switch t := ev.(type) {
	case interface{ EventType() string }:
		eventType = t.EventType()
	default:
		eventType = reflector.TypeInfoOf(ev).Name
	}
	return
}

// getEventVersionOf derives the schema version of an event. Events declare a
// version above 1 by implementing EventVersion() uint16.
func getEventVersionOf(ev any) uint16 {
	if t, ok := ev.(interface{ EventVersion() uint16 }); ok {
		if v := t.EventVersion(); v > 0 {
			return v
		}
	}
	return 1
}

// getEventSourceOf derives the source URN of an event. Events override the
// default by implementing EventSource() string.
func getEventSourceOf(ev any) string {
	if t, ok := ev.(interface{ EventSource() string }); ok {
		if s := t.EventSource(); s != "" {
			return s
		}
	}
	return DefaultEventSource
}

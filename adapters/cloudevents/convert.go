// Package cloudevents converts events into CNCF CloudEvents for publication
// on brokers and meshes that speak that format.
package cloudevents

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/liamwh/sourcerer/core/es"
)

// FromEvent builds a CloudEvent from a domain event. The id is a fresh UUID,
// type and source come from the event's metadata and the payload is the event
// marshalled as JSON.
func FromEvent(ev any) (ce.Event, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return ce.Event{}, fmt.Errorf("marshal event %s: %w", es.EventTypeOf(ev), err)
	}

	out := ce.NewEvent()
	out.SetID(uuid.NewString())
	out.SetType(es.EventTypeOf(ev))
	out.SetSource(es.EventSourceOf(ev))
	out.SetTime(time.Now().UTC())
	if err := out.SetData(ce.ApplicationJSON, data); err != nil {
		return ce.Event{}, fmt.Errorf("set data: %w", err)
	}
	return out, nil
}

// FromEnvelope builds a CloudEvent from a stored envelope. The envelope's own
// id and timestamp are kept, and the aggregate coordinates travel as
// extension attributes.
func FromEnvelope(env es.Envelope) (ce.Event, error) {
	if err := env.Validate(); err != nil {
		return ce.Event{}, fmt.Errorf("failed to validate event: %w", err)
	}

	source := env.Source
	if source == "" {
		source = es.DefaultEventSource
	}

	out := ce.NewEvent()
	out.SetID(env.ID)
	out.SetType(env.Type)
	out.SetSource(source)
	out.SetTime(env.OccurredAt.UTC())
	out.SetExtension("aggregatetype", env.AggregateType)
	out.SetExtension("aggregateid", env.AggregateID)
	out.SetExtension("aggregateversion", strconv.FormatUint(env.Version.Uint64(), 10))
	if err := out.SetData(ce.ApplicationJSON, []byte(env.Data)); err != nil {
		return ce.Event{}, fmt.Errorf("set data: %w", err)
	}
	return out, nil
}

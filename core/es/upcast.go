package es

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// UpcastFunc rewrites an event payload from one schema version to the next.
type UpcastFunc func(data json.RawMessage) (json.RawMessage, error)

// Upcasters holds per-event-type chains of single-step payload migrations.
// A step registered for (eventType, fromVersion) rewrites payloads from
// fromVersion to fromVersion+1. On load, stored payloads are walked step by
// step up to the highest registered target version. A missing step is an
// error, never a silent stop.
type Upcasters struct {
	mu     sync.RWMutex
	chains map[string]map[uint16]UpcastFunc
}

func NewUpcasters() *Upcasters {
	return &Upcasters{chains: map[string]map[uint16]UpcastFunc{}}
}

// Register adds the migration step from fromVersion to fromVersion+1 for
// eventType. Registering the same step twice replaces the earlier one.
func (u *Upcasters) Register(eventType string, fromVersion uint16, fn UpcastFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	chain, ok := u.chains[eventType]
	if !ok {
		chain = map[uint16]UpcastFunc{}
		u.chains[eventType] = chain
	}
	chain[fromVersion] = fn
}

// MaxVersion returns the schema version upcasting targets for eventType,
// i.e. the highest registered fromVersion+1. It returns 0 when no upcasters
// are registered for the type.
func (u *Upcasters) MaxVersion(eventType string) uint16 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var maxFrom uint16
	for from := range u.chains[eventType] {
		if from > maxFrom {
			maxFrom = from
		}
	}
	if maxFrom == 0 {
		return 0
	}
	return maxFrom + 1
}

// Upcast raises env's payload to the current schema version of its event
// type. Envelopes already at or past the target, and event types with no
// registered upcasters, pass through unchanged. A missing step in the chain
// returns an UpcastError.
func (u *Upcasters) Upcast(env Envelope) (Envelope, error) {
	target := u.MaxVersion(env.Type)
	if target == 0 || env.SchemaVersion >= target {
		return env, nil
	}

	for v := env.SchemaVersion; v < target; v++ {
		fn, ok := u.step(env.Type, v)
		if !ok {
			return env, &UpcastError{EventType: env.Type, FromVersion: v}
		}
		data, err := fn(env.Data)
		if err != nil {
			return env, fmt.Errorf("upcast %s v%d -> v%d: %w", env.Type, v, v+1, err)
		}
		env.Data = data
		env.SchemaVersion = v + 1
	}

	return env, nil
}

func (u *Upcasters) step(eventType string, from uint16) (UpcastFunc, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	fn, ok := u.chains[eventType][from]
	return fn, ok
}

// Validate checks every registered chain for gaps so misconfiguration is
// caught at startup rather than on the first affected load. A chain covering
// fromVersions {1,3} is a gap at 2: a v1 payload could never reach v4.
func (u *Upcasters) Validate() error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	types := make([]string, 0, len(u.chains))
	for eventType := range u.chains {
		types = append(types, eventType)
	}
	sort.Strings(types)

	for _, eventType := range types {
		chain := u.chains[eventType]
		var minFrom, maxFrom uint16
		first := true
		for from := range chain {
			if from == 0 {
				return fmt.Errorf("upcaster for %s: fromVersion must be >= 1", eventType)
			}
			if first || from < minFrom {
				minFrom = from
			}
			if first || from > maxFrom {
				maxFrom = from
			}
			first = false
		}
		for v := minFrom; v <= maxFrom; v++ {
			if _, ok := chain[v]; !ok {
				return &UpcastError{EventType: eventType, FromVersion: v}
			}
		}
	}

	return nil
}

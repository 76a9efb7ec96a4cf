package estests

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/liamwh/sourcerer/core/es"
)

// PriceChanged is at schema version 2: v1 carried the amount in cents.
type PriceChanged struct {
	Amount int64 `json:"amount"`
}

func (PriceChanged) EventType() string    { return "estests.PriceChanged" }
func (PriceChanged) EventVersion() uint16 { return 2 }

type pricing struct {
	es.BaseAggregate
	Amount int64
}

func (p *pricing) GetAggType() string { return "pricing" }
func (p *pricing) Register(r es.Registrar) {
	es.RegisterEvents(r, es.Event[PriceChanged]())
}
func (p *pricing) Apply(event any) error {
	switch e := event.(type) {
	case *PriceChanged:
		p.Amount = e.Amount
		return nil
	}
	return fmt.Errorf("unknown event: %T", event)
}

func (p *pricing) SetPrice(amount int64) error {
	return es.RaiseAndApply(p, &PriceChanged{Amount: amount})
}

func priceChangedV1(aggID string, version es.Version, amountCents int64) es.Envelope {
	return es.Envelope{
		ID:            gonanoid.Must(),
		AggregateType: "pricing",
		AggregateID:   aggID,
		Type:          "estests.PriceChanged",
		SchemaVersion: 1,
		Version:       version,
		Data:          []byte(fmt.Sprintf(`{"amount_cents":%d}`, amountCents)),
		OccurredAt:    time.Now(),
	}
}

func centsToAmount(data json.RawMessage) (json.RawMessage, error) {
	var old struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, err
	}
	return json.Marshal(PriceChanged{Amount: old.AmountCents / 100})
}

func TestUpcast_LoadRaisesOldEvents(t *testing.T) {
	store := es.NewInMemoryStore()

	_, err := store.Append(t.Context(), "pricing", "p1", 0, []es.Envelope{
		priceChangedV1("p1", 1, 500),
	})
	require.NoError(t, err)

	upcasters := es.NewUpcasters()
	upcasters.Register("estests.PriceChanged", 1, centsToAmount)

	te := es.StartTestEnv(
		t,
		es.WithStore(store),
		es.WithAggregates(new(pricing)),
		es.WithUpcasters(upcasters),
	)

	p := &pricing{}
	p.SetID("p1")
	require.NoError(t, te.Repository().Load(t.Context(), p))
	require.EqualValues(t, 5, p.Amount)
	require.Equal(t, es.Version(1), p.GetVersion())

	// new events are stamped with the current schema version and replay
	// untouched
	require.NoError(t, p.SetPrice(9))
	require.NoError(t, te.Repository().Save(t.Context(), p))

	envs, err := store.Load(t.Context(), "pricing", "p1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.EqualValues(t, 1, envs[0].SchemaVersion)
	require.EqualValues(t, 2, envs[1].SchemaVersion)

	p2 := &pricing{}
	p2.SetID("p1")
	require.NoError(t, te.Repository().Load(t.Context(), p2))
	require.EqualValues(t, 9, p2.Amount)
	require.Equal(t, es.Version(2), p2.GetVersion())
}

func TestUpcast_MissingStepFailsLoad(t *testing.T) {
	store := es.NewInMemoryStore()

	_, err := store.Append(t.Context(), "pricing", "p2", 0, []es.Envelope{
		priceChangedV1("p2", 1, 500),
	})
	require.NoError(t, err)

	// only the 2 -> 3 step exists, so a stored v1 payload is unreachable
	upcasters := es.NewUpcasters()
	upcasters.Register("estests.PriceChanged", 2, func(data json.RawMessage) (json.RawMessage, error) {
		return data, nil
	})

	te := es.StartTestEnv(
		t,
		es.WithStore(store),
		es.WithAggregates(new(pricing)),
		es.WithUpcasters(upcasters),
	)

	p := &pricing{}
	p.SetID("p2")
	err = te.Repository().Load(t.Context(), p)
	require.ErrorIs(t, err, es.ErrUpcasterMissing)

	var upcastErr *es.UpcastError
	require.ErrorAs(t, err, &upcastErr)
	require.Equal(t, "estests.PriceChanged", upcastErr.EventType)
	require.EqualValues(t, 1, upcastErr.FromVersion)
}

func TestUpcast_GapFailsEnvConstruction(t *testing.T) {
	upcasters := es.NewUpcasters()
	upcasters.Register("estests.PriceChanged", 1, centsToAmount)
	upcasters.Register("estests.PriceChanged", 3, func(data json.RawMessage) (json.RawMessage, error) {
		return data, nil
	})

	_, err := es.NewEnv(es.WithUpcasters(upcasters))
	require.ErrorIs(t, err, es.ErrUpcasterMissing)
}

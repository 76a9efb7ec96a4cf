package es

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func passThrough(data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

func TestUpcasters_MaxVersion(t *testing.T) {
	u := NewUpcasters()
	require.EqualValues(t, 0, u.MaxVersion("order.Placed"))

	u.Register("order.Placed", 1, passThrough)
	require.EqualValues(t, 2, u.MaxVersion("order.Placed"))

	u.Register("order.Placed", 2, passThrough)
	require.EqualValues(t, 3, u.MaxVersion("order.Placed"))

	require.EqualValues(t, 0, u.MaxVersion("order.Cancelled"))
}

func TestUpcasters_Upcast(t *testing.T) {
	u := NewUpcasters()
	u.Register("order.Placed", 1, func(data json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"total":100}`), nil
	})
	u.Register("order.Placed", 2, func(data json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"total":100,"currency":"EUR"}`), nil
	})

	out, err := u.Upcast(Envelope{Type: "order.Placed", SchemaVersion: 1, Data: []byte(`{}`)})
	require.NoError(t, err)
	require.EqualValues(t, 3, out.SchemaVersion)
	require.JSONEq(t, `{"total":100,"currency":"EUR"}`, string(out.Data))

	// already at the target version, payload stays untouched
	out, err = u.Upcast(Envelope{Type: "order.Placed", SchemaVersion: 3, Data: []byte(`{"x":1}`)})
	require.NoError(t, err)
	require.EqualValues(t, 3, out.SchemaVersion)
	require.JSONEq(t, `{"x":1}`, string(out.Data))

	// unknown type passes through
	out, err = u.Upcast(Envelope{Type: "order.Cancelled", SchemaVersion: 1, Data: []byte(`{"x":1}`)})
	require.NoError(t, err)
	require.EqualValues(t, 1, out.SchemaVersion)
}

func TestUpcasters_Upcast_missingStep(t *testing.T) {
	u := NewUpcasters()
	u.Register("order.Placed", 2, passThrough)

	_, err := u.Upcast(Envelope{Type: "order.Placed", SchemaVersion: 1, Data: []byte(`{}`)})
	require.ErrorIs(t, err, ErrUpcasterMissing)

	var upcastErr *UpcastError
	require.ErrorAs(t, err, &upcastErr)
	require.Equal(t, "order.Placed", upcastErr.EventType)
	require.EqualValues(t, 1, upcastErr.FromVersion)
}

func TestUpcasters_Upcast_stepError(t *testing.T) {
	boom := errors.New("bad payload")
	u := NewUpcasters()
	u.Register("order.Placed", 1, func(data json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})

	_, err := u.Upcast(Envelope{Type: "order.Placed", SchemaVersion: 1, Data: []byte(`{}`)})
	require.ErrorIs(t, err, boom)
}

func TestUpcasters_Validate(t *testing.T) {
	u := NewUpcasters()
	require.NoError(t, u.Validate())

	u.Register("order.Placed", 1, passThrough)
	u.Register("order.Placed", 2, passThrough)
	require.NoError(t, u.Validate())

	u.Register("order.Placed", 4, passThrough)
	err := u.Validate()
	require.ErrorIs(t, err, ErrUpcasterMissing)

	var upcastErr *UpcastError
	require.ErrorAs(t, err, &upcastErr)
	require.EqualValues(t, 3, upcastErr.FromVersion)
}

func TestUpcasters_Validate_zeroFromVersion(t *testing.T) {
	u := NewUpcasters()
	u.Register("order.Placed", 0, passThrough)
	require.Error(t, u.Validate())
}

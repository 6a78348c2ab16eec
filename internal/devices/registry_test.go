package devices

import (
	"encoding/json"
	"testing"
	"time"

	"ecobridge/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		node    *Thermostat
		wantErr error
	}{
		{
			name: "valid thermostat",
			node: NewThermostat("411920123456", "Ecobee - Upstairs"),
		},
		{
			name:    "address too long",
			node:    NewThermostat("4119201234567", "Ecobee - Upstairs"),
			wantErr: ErrInvalidNode,
		},
		{
			name:    "empty name",
			node:    NewThermostat("123", ""),
			wantErr: ErrInvalidNode,
		},
		{
			name:    "empty address",
			node:    &Thermostat{name: "orphan"},
			wantErr: ErrInvalidNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.node)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, r.Has(tt.node.Address()))
		})
	}
}

func TestRegistry_DuplicateAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewThermostat("456", "Ecobee - Cabin")))
	require.NoError(t, r.Register(NewThermostat("123", "Ecobee - Home")))

	err := r.Register(NewThermostat("123", "Ecobee - Home again"))
	assert.ErrorIs(t, err, ErrNodeAlreadyExists)

	node, err := r.Get("t123")
	require.NoError(t, err)
	assert.Equal(t, "Ecobee - Home", node.Name())
	assert.Equal(t, "123", node.ThermostatID())

	_, err = r.Get("t999")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.False(t, r.Has("t999"))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "t123", list[0].Address())
	assert.Equal(t, "t456", list[1].Address())
}

func TestThermostat_UpdateAndView(t *testing.T) {
	node := NewThermostat("123", "Ecobee - Home")
	rev := core.Revision{ThermostatID: "123", Name: "home", Connected: true, ThermostatRev: "10"}
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	node.Update(rev, json.RawMessage(`{"identifier":"123"}`), true, at)

	view := node.View()
	assert.Equal(t, "t123", view.Address)
	assert.True(t, view.Connected)
	assert.True(t, view.UseCelsius)
	assert.Equal(t, "10", view.Revision.ThermostatRev)
	assert.Equal(t, at, view.UpdatedAt)
	assert.JSONEq(t, `{"identifier":"123"}`, string(view.Data))
}

package core

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataBuilderKeepsInsertionOrder(t *testing.T) {
	d := NewDataBuilder().
		Set("zeta", 1).
		Set("alpha", "two").
		Set("mid", true).
		Set("zeta", 3).
		Build()

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, d.Keys())
	n, ok := d.GetInt("zeta")
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":3,"alpha":"two","mid":true}`, string(raw))
}

func TestEventDataIsImmutable(t *testing.T) {
	src := map[string]any{
		"name":   "left",
		"nested": map[string]any{"speed": 0.5},
		"list":   []any{1, 2},
	}
	ev := NewEventFromMap("Mover-DriveMotor", src)

	src["name"] = "right"
	src["nested"].(map[string]any)["speed"] = 9.0
	src["list"].([]any)[0] = 99

	name, _ := ev.Data().GetString("name")
	assert.Equal(t, "left", name)

	nested, ok := ev.Data().GetData("nested")
	require.True(t, ok)
	speed, _ := nested.GetFloat("speed")
	assert.Equal(t, 0.5, speed)

	thawed := ev.Data().Map()
	thawed["name"] = "changed"
	name, _ = ev.Data().GetString("name")
	assert.Equal(t, "left", name)
}

func TestBuilderReuseDoesNotLeak(t *testing.T) {
	b := NewDataBuilder().Set("a", 1)
	first := b.Build()
	b.Set("b", 2)
	second := b.Build()

	assert.Equal(t, 1, first.Len())
	assert.Equal(t, 2, second.Len())
}

func TestDataTypedGetters(t *testing.T) {
	var d Data
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"ratio":0.25,"ok":true,"label":"x","frac":1.5}`), &d))

	tests := []struct {
		name string
		fn   func() (any, bool)
		want any
		ok   bool
	}{
		{"id from json number", func() (any, bool) { v, ok := d.GetID("id"); return v, ok }, BioteID(7), true},
		{"int from json number", func() (any, bool) { v, ok := d.GetInt("id"); return v, ok }, int64(7), true},
		{"float", func() (any, bool) { v, ok := d.GetFloat("ratio"); return v, ok }, 0.25, true},
		{"bool", func() (any, bool) { v, ok := d.GetBool("ok"); return v, ok }, true, true},
		{"string", func() (any, bool) { v, ok := d.GetString("label"); return v, ok }, "x", true},
		{"non integral float", func() (any, bool) { v, ok := d.GetInt("frac"); return v, ok }, int64(0), false},
		{"missing", func() (any, bool) { v, ok := d.GetInt("nope"); return v, ok }, int64(0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.fn()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFloatToIntBounds(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want int64
		ok   bool
	}{
		{"two to the 63", math.Pow(2, 63), 0, false},
		{"max int64 as float", float64(math.MaxInt64), 0, false},
		{"min int64", math.MinInt64, math.MinInt64, true},
		{"below min int64", -math.Pow(2, 64), 0, false},
		{"infinity", math.Inf(1), 0, false},
		{"nan", math.NaN(), 0, false},
		{"large exact", 1 << 52, 1 << 52, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := floatToInt(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventWithAndRename(t *testing.T) {
	ev := NewSignal("ping")
	withID := ev.With("biote-id", BioteID(4))

	assert.Equal(t, 0, ev.Data().Len())
	id, ok := withID.Data().GetID("biote-id")
	require.True(t, ok)
	assert.Equal(t, BioteID(4), id)

	renamed := withID.Rename("pong")
	assert.Equal(t, "pong", renamed.Name())
	assert.Equal(t, withID.Data().Keys(), renamed.Data().Keys())
	assert.Equal(t, `pong{"biote-id":4}`, renamed.String())
}

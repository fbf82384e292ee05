package drive

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarney/snackbot/config"
)

const epsilon = 1e-9

func TestParamsFromConfig(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())

	assert.Equal(t, 0.36195, p.WheelDistance)
	assert.Equal(t, 0.09, p.WheelDiameter)
	assert.Equal(t, 1200, p.EncoderTicks)
	assert.Equal(t, 100*time.Millisecond, p.TickInterval)
	assert.InDelta(t, 1200/(0.09*math.Pi), p.TicksPerMeter(), epsilon)

	cfg := config.DefaultConfig().Drive
	cfg.MaxSpeed = 1.5
	assert.Equal(t, 1.5, ParamsFrom(cfg).MaxSpeed)
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"wheel distance", func(p *Params) { p.WheelDistance = 0 }},
		{"wheel diameter", func(p *Params) { p.WheelDiameter = -1 }},
		{"encoder ticks", func(p *Params) { p.EncoderTicks = 0 }},
		{"max speed", func(p *Params) { p.MaxSpeed = -0.1 }},
		{"tick interval", func(p *Params) { p.TickInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
		})
	}
}

func TestClamp(t *testing.T) {
	p := DefaultParams()
	p.MaxSpeed = 0.5

	assert.Equal(t, 0.5, p.Clamp(2))
	assert.Equal(t, -0.5, p.Clamp(-2))
	assert.Equal(t, 0.25, p.Clamp(0.25))

	p.MaxSpeed = 0
	assert.Equal(t, 3.0, p.Clamp(3))
}

func TestModelRoundTrip(t *testing.T) {
	m := Model{WheelDistance: 0.4}

	v, w := m.Bearing(0.2, 0.4)
	assert.InDelta(t, 0.3, v, epsilon)
	assert.InDelta(t, 0.5, w, epsilon)

	left, right := m.Wheels(v, w)
	assert.InDelta(t, 0.2, left, epsilon)
	assert.InDelta(t, 0.4, right, epsilon)
}

func TestOdometryStraightLine(t *testing.T) {
	p := DefaultParams()
	o := NewOdometry(p)
	perMeter := p.TicksPerMeter()

	assert.False(t, o.Update(0, 0, 0), "first update only primes the encoders")

	ticks := int64(math.Round(perMeter))
	require.True(t, o.Update(ticks, ticks, time.Second))

	pose := o.Pose()
	assert.InDelta(t, 1, pose.X, 1e-3)
	assert.InDelta(t, 0, pose.Y, epsilon)
	assert.InDelta(t, 0, pose.Heading, epsilon)

	left, right := o.Speeds()
	assert.InDelta(t, 1, left, 1e-3)
	assert.InDelta(t, 1, right, 1e-3)

	assert.False(t, o.Update(ticks, ticks, time.Second))
	left, _ = o.Speeds()
	assert.Zero(t, left)
}

func TestOdometrySpinInPlace(t *testing.T) {
	p := DefaultParams()
	o := NewOdometry(p)
	o.Update(0, 0, 0)

	// a quarter turn about the center moves each wheel Pi*d/4
	arc := math.Pi * p.WheelDistance / 4
	ticks := arc * p.TicksPerMeter()
	o.Update(int64(-ticks), int64(ticks), time.Second)

	pose := o.Pose()
	assert.InDelta(t, math.Pi/2, pose.Heading, 1e-3)
	assert.InDelta(t, 0, pose.X, epsilon)
	assert.InDelta(t, 0, pose.Y, epsilon)
}

func TestOdometryHeadingWraps(t *testing.T) {
	o := NewOdometry(DefaultParams())
	o.Reset(Pose{Heading: 3 * math.Pi / 2})
	assert.InDelta(t, -math.Pi/2, o.Pose().Heading, epsilon)
}

func TestOdometryResetReprimes(t *testing.T) {
	p := DefaultParams()
	o := NewOdometry(p)
	o.Update(0, 0, 0)
	o.Update(500, 500, time.Second)

	o.Reset(Pose{X: 2, Y: -1})
	assert.False(t, o.Update(9000, 9000, time.Second), "reset discards the encoder baseline")
	assert.Equal(t, Pose{X: 2, Y: -1}, o.Pose())
}

func TestSimulatedWheel(t *testing.T) {
	clock := time.Unix(0, 0)
	w := newSimulatedWheel(1000, func() time.Time { return clock })

	require.NoError(t, w.SetSpeed(0.5))
	clock = clock.Add(2 * time.Second)
	pos, err := w.Position()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos)

	require.NoError(t, w.SetSpeed(-0.25))
	clock = clock.Add(time.Second)
	pos, _ = w.Position()
	assert.Equal(t, int64(750), pos)
	assert.Equal(t, -0.25, w.Speed())
}

package drive

import (
	"math"
	"sync"
	"time"
)

// Motor accepts wheel speed commands in m/s.
type Motor interface {
	SetSpeed(speed float64) error
}

// Encoder reports the absolute wheel position in encoder ticks.
type Encoder interface {
	Position() (int64, error)
}

// Wheel is a driven wheel with an encoder.
type Wheel interface {
	Motor
	Encoder
}

// SimulatedWheel is a Wheel that reaches the commanded speed instantly and
// accumulates encoder ticks over wall-clock time.
type SimulatedWheel struct {
	mu            sync.Mutex
	ticksPerMeter float64
	speed         float64
	ticks         float64
	last          time.Time

	now func() time.Time
}

// NewSimulatedWheel creates a stopped wheel.
func NewSimulatedWheel(ticksPerMeter float64) *SimulatedWheel {
	return newSimulatedWheel(ticksPerMeter, time.Now)
}

func newSimulatedWheel(ticksPerMeter float64, now func() time.Time) *SimulatedWheel {
	return &SimulatedWheel{ticksPerMeter: ticksPerMeter, now: now, last: now()}
}

// SetSpeed implements Motor.
func (w *SimulatedWheel) SetSpeed(speed float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance()
	w.speed = speed
	return nil
}

// Position implements Encoder.
func (w *SimulatedWheel) Position() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance()
	return int64(math.Round(w.ticks)), nil
}

// Speed returns the commanded speed.
func (w *SimulatedWheel) Speed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.speed
}

func (w *SimulatedWheel) advance() {
	now := w.now()
	w.ticks += w.speed * now.Sub(w.last).Seconds() * w.ticksPerMeter
	w.last = now
}

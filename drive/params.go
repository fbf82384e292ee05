// Package drive hosts the differential drive of the robot as a biote.
//
// The DriveBiote accepts wheel speed commands, integrates encoder readings
// into a pose on every tick and publishes that pose to subscribed biotes.
// Motors and encoders are reached through the Wheel interface so the same
// biote runs against hardware or the SimulatedWheel.
package drive

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jarney/snackbot/config"
)

// ErrInvalidParams is returned when the drive geometry cannot be used.
var ErrInvalidParams = errors.New("invalid drive parameters")

// Params describes the drive geometry and control limits.
type Params struct {
	// WheelDistance is the distance between the wheel contact points in meters
	WheelDistance float64

	// WheelDiameter in meters
	WheelDiameter float64

	// EncoderTicks per wheel revolution
	EncoderTicks int

	// MaxSpeed bounds the speed commanded to each wheel, in m/s
	MaxSpeed float64

	// TickInterval is the odometry period
	TickInterval time.Duration
}

// DefaultParams returns the geometry of the reference robot.
func DefaultParams() Params {
	return ParamsFrom(config.DefaultConfig().Drive)
}

// ParamsFrom converts the drive section of the configuration.
func ParamsFrom(cfg config.DriveConfig) Params {
	return Params{
		WheelDistance: cfg.WheelDistance,
		WheelDiameter: cfg.WheelDiameter,
		EncoderTicks:  cfg.EncoderTicks,
		MaxSpeed:      cfg.MaxSpeed,
		TickInterval:  cfg.TickInterval.Duration,
	}
}

// Validate checks that the geometry is usable.
func (p Params) Validate() error {
	switch {
	case p.WheelDistance <= 0:
		return fmt.Errorf("%w: wheel distance %v", ErrInvalidParams, p.WheelDistance)
	case p.WheelDiameter <= 0:
		return fmt.Errorf("%w: wheel diameter %v", ErrInvalidParams, p.WheelDiameter)
	case p.EncoderTicks <= 0:
		return fmt.Errorf("%w: encoder ticks %d", ErrInvalidParams, p.EncoderTicks)
	case p.MaxSpeed < 0:
		return fmt.Errorf("%w: max speed %v", ErrInvalidParams, p.MaxSpeed)
	case p.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval %s", ErrInvalidParams, p.TickInterval)
	}
	return nil
}

// TicksPerMeter converts travelled distance to encoder ticks.
func (p Params) TicksPerMeter() float64 {
	return float64(p.EncoderTicks) / (p.WheelDiameter * math.Pi)
}

// Clamp limits a wheel speed to [-MaxSpeed, MaxSpeed]. A zero MaxSpeed
// disables the limit.
func (p Params) Clamp(speed float64) float64 {
	if p.MaxSpeed <= 0 {
		return speed
	}
	return math.Max(-p.MaxSpeed, math.Min(p.MaxSpeed, speed))
}

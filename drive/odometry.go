package drive

import (
	"math"
	"time"
)

// Pose is a position on the floor plane and a heading in radians,
// counter-clockwise from the x axis.
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// Model is the kinematic model of a two-wheeled differential drive.
type Model struct {
	WheelDistance float64
}

// Bearing returns the forward velocity and the turn rate produced by the
// given wheel speeds.
func (m Model) Bearing(left, right float64) (velocity, turnRate float64) {
	return (left + right) / 2, (right - left) / m.WheelDistance
}

// Wheels returns the wheel speeds that produce velocity and turnRate.
func (m Model) Wheels(velocity, turnRate float64) (left, right float64) {
	half := turnRate * m.WheelDistance / 2
	return velocity - half, velocity + half
}

// Odometry integrates encoder positions into a pose.
type Odometry struct {
	model         Model
	ticksPerMeter float64

	pose        Pose
	left, right int64
	primed      bool

	// last measured wheel speeds in m/s
	leftSpeed, rightSpeed float64
}

// NewOdometry creates an odometry calculator for p, starting at the origin.
func NewOdometry(p Params) *Odometry {
	return &Odometry{
		model:         Model{WheelDistance: p.WheelDistance},
		ticksPerMeter: p.TicksPerMeter(),
	}
}

// Reconfigure changes the geometry while keeping the pose.
func (o *Odometry) Reconfigure(p Params) {
	o.model = Model{WheelDistance: p.WheelDistance}
	o.ticksPerMeter = p.TicksPerMeter()
}

// Pose returns the current pose estimate.
func (o *Odometry) Pose() Pose {
	return o.pose
}

// Speeds returns the wheel speeds measured by the last update.
func (o *Odometry) Speeds() (left, right float64) {
	return o.leftSpeed, o.rightSpeed
}

// Reset moves the estimate to pose. The next update only records the
// encoder positions.
func (o *Odometry) Reset(pose Pose) {
	o.pose = Pose{X: pose.X, Y: pose.Y, Heading: normalizeAngle(pose.Heading)}
	o.primed = false
	o.leftSpeed, o.rightSpeed = 0, 0
}

// Update advances the pose from absolute encoder positions read dt after
// the previous update and reports whether the robot moved.
func (o *Odometry) Update(left, right int64, dt time.Duration) bool {
	if !o.primed {
		o.left, o.right, o.primed = left, right, true
		return false
	}

	dl := float64(left-o.left) / o.ticksPerMeter
	dr := float64(right-o.right) / o.ticksPerMeter
	o.left, o.right = left, right

	if seconds := dt.Seconds(); seconds > 0 {
		o.leftSpeed, o.rightSpeed = dl/seconds, dr/seconds
	}
	if dl == 0 && dr == 0 {
		return false
	}

	distance, turn := o.model.Bearing(dl, dr)
	mid := o.pose.Heading + turn/2
	o.pose.X += distance * math.Cos(mid)
	o.pose.Y += distance * math.Sin(mid)
	o.pose.Heading = normalizeAngle(o.pose.Heading + turn)
	return true
}

// normalizeAngle wraps a to (-Pi, Pi].
func normalizeAngle(a float64) float64 {
	return math.Atan2(math.Sin(a), math.Cos(a))
}

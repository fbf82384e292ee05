package drive

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jarney/snackbot/core"
	"github.com/jarney/snackbot/network"
)

// Events handled and published by the DriveBiote.
const (
	EventDriveMotor   = "Mover-DriveMotor"
	EventAllStop      = "Mover-AllStop"
	EventTick         = "Mover-Tick"
	EventSubscribe    = "Mover-Subscribe"
	EventUnsubscribe  = "Mover-Unsubscribe"
	EventReset        = "Mover-Reset"
	EventUpdateConfig = "Mover-UpdateConfig"

	// EventPosition is published to subscribers on every tick
	EventPosition = "Mover-Position"

	// EventConfiguration is sent to new subscribers and after a reconfiguration
	EventConfiguration = "Mover-Configuration"
)

// Event data keys.
const (
	KeyLeft     = "left"
	KeyRight    = "right"
	KeyBioteID  = "biote-id"
	KeyX        = "x"
	KeyY        = "y"
	KeyHeading  = "heading"
	KeyVelocity = "v"
	KeyTime     = "time"

	KeyWheelDistance = "wheel_distance"
	KeyWheelDiameter = "wheel_diameter"
	KeyEncoderTicks  = "encoder_ticks"
	KeyMaxSpeed      = "max_speed"
	KeyTickInterval  = "tick_interval"
)

// ErrMissingField is returned by handlers when a required data key is absent.
var ErrMissingField = errors.New("missing event field")

// DriveMotor builds a wheel speed command in m/s.
func DriveMotor(left, right float64) core.Event {
	return core.NewEvent(EventDriveMotor, core.NewDataBuilder().
		Set(KeyLeft, left).
		Set(KeyRight, right).
		Build())
}

// Subscribe builds the event subscribing id to position updates.
func Subscribe(id core.BioteID) core.Event {
	return core.NewEvent(EventSubscribe, core.NewDataBuilder().Set(KeyBioteID, id).Build())
}

// Unsubscribe builds the event removing id from the subscribers.
func Unsubscribe(id core.BioteID) core.Event {
	return core.NewEvent(EventUnsubscribe, core.NewDataBuilder().Set(KeyBioteID, id).Build())
}

// Reset builds the event moving the pose estimate to pose.
func Reset(pose Pose) core.Event {
	return core.NewEvent(EventReset, core.NewDataBuilder().
		Set(KeyX, pose.X).
		Set(KeyY, pose.Y).
		Set(KeyHeading, pose.Heading).
		Build())
}

// UpdateConfig builds the event replacing the drive parameters with p.
func UpdateConfig(p Params) core.Event {
	return core.NewEvent(EventUpdateConfig, ParamsData(p))
}

// ParamsData encodes p as event data.
func ParamsData(p Params) core.Data {
	return core.NewDataBuilder().
		Set(KeyWheelDistance, p.WheelDistance).
		Set(KeyWheelDiameter, p.WheelDiameter).
		Set(KeyEncoderTicks, p.EncoderTicks).
		Set(KeyMaxSpeed, p.MaxSpeed).
		Set(KeyTickInterval, p.TickInterval.String()).
		Build()
}

// applyParams overlays the keys present in d onto p. Tick intervals are
// duration strings or milliseconds.
func applyParams(p Params, d core.Data) (Params, error) {
	if v, ok := d.GetFloat(KeyWheelDistance); ok {
		p.WheelDistance = v
	}
	if v, ok := d.GetFloat(KeyWheelDiameter); ok {
		p.WheelDiameter = v
	}
	if v, ok := d.GetInt(KeyEncoderTicks); ok {
		p.EncoderTicks = int(v)
	}
	if v, ok := d.GetFloat(KeyMaxSpeed); ok {
		p.MaxSpeed = v
	}
	if d.Has(KeyTickInterval) {
		if ms, ok := d.GetFloat(KeyTickInterval); ok {
			p.TickInterval = time.Duration(ms * float64(time.Millisecond))
		} else if s, ok := d.GetString(KeyTickInterval); ok {
			interval, err := time.ParseDuration(s)
			if err != nil {
				return p, fmt.Errorf("%w: tick interval %q", ErrInvalidParams, s)
			}
			p.TickInterval = interval
		}
	}
	return p, p.Validate()
}

// DriveBiote controls a left and a right wheel and tracks the robot pose.
type DriveBiote struct {
	params      Params
	left, right Wheel
	odometry    *Odometry

	// subscriber id -> reached through a network bridge
	subscribers map[core.BioteID]bool

	timer    core.TimerID
	lastTick time.Time
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewDriveBiote creates a drive biote for the given wheels.
func NewDriveBiote(p Params, left, right Wheel) (*DriveBiote, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if left == nil || right == nil {
		return nil, fmt.Errorf("%w: both wheels are required", ErrInvalidParams)
	}
	return &DriveBiote{
		params:      p,
		left:        left,
		right:       right,
		odometry:    NewOdometry(p),
		subscribers: make(map[core.BioteID]bool),
		log:         logrus.StandardLogger(),
		now:         time.Now,
	}, nil
}

// OnInit subscribes to the mover events and starts the odometry timer.
func (b *DriveBiote) OnInit(ctx *core.Context, _ core.Event) error {
	b.log = ctx.Logger().WithField("component", "drive")

	ctx.Subscribe(EventDriveMotor, b.onDriveMotor)
	ctx.Subscribe(EventAllStop, b.onAllStop)
	ctx.Subscribe(EventTick, b.onTick)
	ctx.Subscribe(EventSubscribe, b.onSubscribe)
	ctx.Subscribe(EventUnsubscribe, b.onUnsubscribe)
	ctx.Subscribe(EventReset, b.onReset)
	ctx.Subscribe(EventUpdateConfig, b.onUpdateConfig)

	if err := b.stop(); err != nil {
		return err
	}
	b.lastTick = b.now()
	b.timer = ctx.StartTimer(b.params.TickInterval, core.NewSignal(EventTick), true)
	if b.timer == 0 {
		return fmt.Errorf("drive: cannot start %s timer", EventTick)
	}

	b.log.WithFields(logrus.Fields{
		"wheel_distance": b.params.WheelDistance,
		"max_speed":      b.params.MaxSpeed,
		"tick":           b.params.TickInterval,
	}).Info("differential drive ready")
	return nil
}

// OnFinalize stops the wheels.
func (b *DriveBiote) OnFinalize(ctx *core.Context, _ core.Event) error {
	ctx.CancelTimer(b.timer)
	return b.stop()
}

func (b *DriveBiote) onDriveMotor(_ *core.Context, ev core.Event) error {
	left, okLeft := ev.Data().GetFloat(KeyLeft)
	right, okRight := ev.Data().GetFloat(KeyRight)
	if !okLeft || !okRight {
		return fmt.Errorf("%s: %w: %s and %s", ev.Name(), ErrMissingField, KeyLeft, KeyRight)
	}
	return b.setSpeeds(b.params.Clamp(left), b.params.Clamp(right))
}

func (b *DriveBiote) onAllStop(_ *core.Context, _ core.Event) error {
	return b.stop()
}

func (b *DriveBiote) onTick(ctx *core.Context, _ core.Event) error {
	now := b.now()
	dt := now.Sub(b.lastTick)
	b.lastTick = now

	left, errLeft := b.left.Position()
	right, errRight := b.right.Position()
	if err := errors.Join(errLeft, errRight); err != nil {
		return fmt.Errorf("read encoders: %w", err)
	}

	if b.odometry.Update(left, right, dt) {
		pose := b.odometry.Pose()
		b.log.WithFields(logrus.Fields{
			"x":       pose.X,
			"y":       pose.Y,
			"heading": pose.Heading,
		}).Trace("pose updated")
	}

	b.publish(ctx, EventPosition, b.positionData(now))
	return nil
}

func (b *DriveBiote) onSubscribe(ctx *core.Context, ev core.Event) error {
	id, bridged, err := subscriber(ev)
	if err != nil {
		return err
	}
	b.subscribers[id] = bridged
	b.log.WithFields(logrus.Fields{"subscriber": id, "bridged": bridged}).Debug("subscriber added")

	b.send(ctx, id, bridged, EventConfiguration, ParamsData(b.params))
	return nil
}

func (b *DriveBiote) onUnsubscribe(_ *core.Context, ev core.Event) error {
	id, _, err := subscriber(ev)
	if err != nil {
		return err
	}
	delete(b.subscribers, id)
	return nil
}

func (b *DriveBiote) onReset(_ *core.Context, ev core.Event) error {
	d := ev.Data()
	x, _ := d.GetFloat(KeyX)
	y, _ := d.GetFloat(KeyY)
	heading, _ := d.GetFloat(KeyHeading)

	b.odometry.Reset(Pose{X: x, Y: y, Heading: heading})
	b.log.WithFields(logrus.Fields{"x": x, "y": y, "heading": heading}).Info("pose reset")
	return b.stop()
}

func (b *DriveBiote) onUpdateConfig(ctx *core.Context, ev core.Event) error {
	p, err := applyParams(b.params, ev.Data())
	if err != nil {
		return err
	}

	if p.TickInterval != b.params.TickInterval {
		ctx.CancelTimer(b.timer)
		b.timer = ctx.StartTimer(p.TickInterval, core.NewSignal(EventTick), true)
	}
	b.params = p
	b.odometry.Reconfigure(p)

	b.log.WithFields(logrus.Fields{
		"wheel_distance": p.WheelDistance,
		"max_speed":      p.MaxSpeed,
		"tick":           p.TickInterval,
	}).Info("drive reconfigured")

	b.publish(ctx, EventConfiguration, ParamsData(p))
	return nil
}

func (b *DriveBiote) positionData(now time.Time) core.Data {
	pose := b.odometry.Pose()
	left, right := b.odometry.Speeds()
	velocity, _ := Model{WheelDistance: b.params.WheelDistance}.Bearing(left, right)
	return core.NewDataBuilder().
		Set(KeyTime, now.UnixMilli()).
		Set(KeyX, pose.X).
		Set(KeyY, pose.Y).
		Set(KeyHeading, pose.Heading).
		Set(KeyVelocity, velocity).
		Set(KeyLeft, left).
		Set(KeyRight, right).
		Build()
}

// publish sends name to every subscriber, forgetting those that are gone.
func (b *DriveBiote) publish(ctx *core.Context, name string, data core.Data) {
	ids := make([]core.BioteID, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if !b.send(ctx, id, b.subscribers[id], name, data) {
			delete(b.subscribers, id)
			b.log.WithField("subscriber", id).Debug("subscriber gone")
		}
	}
}

// send delivers one event and reports whether the subscriber still exists.
func (b *DriveBiote) send(ctx *core.Context, id core.BioteID, bridged bool, name string, data core.Data) bool {
	ev := core.NewEvent(name, data)
	if bridged {
		ev = network.NewNetOut(ctx.ID(), name, data)
	}
	err := ctx.SendStimulus(id, ev)
	return !errors.Is(err, core.ErrUnknownBiote) && !errors.Is(err, core.ErrBioteStopping)
}

func (b *DriveBiote) setSpeeds(left, right float64) error {
	return errors.Join(b.left.SetSpeed(left), b.right.SetSpeed(right))
}

func (b *DriveBiote) stop() error {
	return b.setSpeeds(0, 0)
}

// subscriber extracts the subscribing biote. Events forwarded by a network
// bridge without an explicit id subscribe the bridge itself.
func subscriber(ev core.Event) (core.BioteID, bool, error) {
	d := ev.Data()
	if id, ok := d.GetID(KeyBioteID); ok && id != core.NoBiote {
		return id, false, nil
	}
	if id, ok := d.GetID(network.KeyReplyTo); ok && id != core.NoBiote {
		return id, true, nil
	}
	return core.NoBiote, false, fmt.Errorf("%s: %w: %s", ev.Name(), ErrMissingField, KeyBioteID)
}

package network

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jarney/snackbot/core"
)

// Events handled by a NetworkBiote.
const (
	// EventNetIn carries a frame received from the client
	EventNetIn = "Net-In"

	// EventNetOut asks the biote to write an event frame to the client
	EventNetOut = "Net-Out"

	// EventNetClosed reports that the client went away
	EventNetClosed = "Net-Closed"
)

// Keys of Net-In, Net-Out and forwarded event data.
const (
	KeyTarget     = "target"
	KeyTargetName = "target-name"
	KeyEvent      = "event"
	KeyData       = "data"
	KeySeq        = "sequence"

	// KeyReplyTo is added to forwarded events so the receiver can answer
	// through the bridge with Net-Out.
	KeyReplyTo = "net-biote"
)

// NewNetOut builds the Net-Out event asking a NetworkBiote to send an event
// named name from source to its client.
func NewNetOut(source core.BioteID, name string, data core.Data) core.Event {
	return core.NewEvent(EventNetOut, core.NewDataBuilder().
		Set(KeyTarget, source).
		Set(KeyEvent, name).
		Set(KeyData, data).
		Build())
}

// NetworkBiote represents one client connection inside the biote runtime.
// Frames from the client arrive as Net-In and are forwarded to the addressed
// biote; Net-Out events from other biotes are written back to the client.
type NetworkBiote struct {
	conn *Connection
	log  logrus.FieldLogger
}

// NewNetworkBiote creates the biote for conn.
func NewNetworkBiote(conn *Connection) *NetworkBiote {
	return &NetworkBiote{conn: conn, log: conn.log}
}

// OnInit subscribes to the bridge events.
func (b *NetworkBiote) OnInit(ctx *core.Context, _ core.Event) error {
	b.log = ctx.Logger().WithField("conn", b.conn.ID())
	ctx.Subscribe(EventNetIn, b.onNetIn)
	ctx.Subscribe(EventNetOut, b.onNetOut)
	ctx.Subscribe(EventNetClosed, b.onNetClosed)
	return nil
}

// OnFinalize closes the connection.
func (b *NetworkBiote) OnFinalize(_ *core.Context, _ core.Event) error {
	return b.conn.Close()
}

// onNetIn forwards a client event to its target. Unknown targets are
// reported to the client with an error frame.
func (b *NetworkBiote) onNetIn(ctx *core.Context, ev core.Event) error {
	d := ev.Data()
	target, _ := d.GetID(KeyTarget)
	name, _ := d.GetString(KeyEvent)
	seq, _ := d.GetInt(KeySeq)
	data, _ := d.GetData(KeyData)

	if name == "" {
		return b.sendError(uint32(seq), target, "event name is required")
	}
	if targetName, ok := d.GetString(KeyTargetName); ok && targetName != "" {
		id, found := ctx.Manager().LookupName(targetName)
		if !found {
			return b.sendError(uint32(seq), target, fmt.Sprintf("%s: %q", core.ErrUnknownName, targetName))
		}
		target = id
	}

	err := ctx.SendStimulus(target, core.NewEvent(name, data.With(KeyReplyTo, ctx.ID())))
	if errors.Is(err, core.ErrUnknownBiote) || errors.Is(err, core.ErrBioteStopping) {
		return b.sendError(uint32(seq), target, err.Error())
	}
	return err
}

// onNetOut writes an event frame to the client.
func (b *NetworkBiote) onNetOut(_ *core.Context, ev core.Event) error {
	d := ev.Data()
	source, _ := d.GetID(KeyTarget)
	name, _ := d.GetString(KeyEvent)
	data, _ := d.GetData(KeyData)

	f, err := NewJSONFrame(FrameEvent, EventPayload{Target: source, Event: name, Data: data})
	if err != nil {
		return err
	}
	return b.conn.Send(f)
}

// onNetClosed shuts the biote down without handling queued events.
func (b *NetworkBiote) onNetClosed(ctx *core.Context, _ core.Event) error {
	b.log.Debug("client disconnected")
	ctx.Shutdown(false)
	return nil
}

func (b *NetworkBiote) sendError(seq uint32, target core.BioteID, msg string) error {
	f, err := NewJSONFrame(FrameError, ErrorPayload{Message: msg, Target: target, Sequence: seq})
	if err != nil {
		return err
	}
	f.Flags |= FrameFlagReply
	return b.conn.Send(f)
}

package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/jarney/snackbot/core"
)

// Client is a bridge client used by the command line and tests. It is safe
// to write from several goroutines; reads must come from one goroutine.
type Client struct {
	conn         net.Conn
	maxFrameSize int
	timeout      time.Duration

	writeMu  sync.Mutex
	sequence atomic.Uint32
}

// Dial connects to a bridge server. timeout bounds the dial and every
// subsequent read and write; zero disables deadlines.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Client, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &Client{conn: conn, maxFrameSize: DefaultMaxFrameSize, timeout: timeout}, nil
}

// LocalAddr returns the local address
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Hello announces the client version and waits for the server's answer.
func (c *Client) Hello(name, version string) error {
	seq, err := c.sendJSON(FrameHello, HelloPayload{Name: name, Version: version})
	if err != nil {
		return err
	}
	reply, err := c.ReadFrame()
	if err != nil {
		return err
	}
	switch {
	case reply.Type == FrameHello && reply.Sequence == seq:
		return nil
	case reply.Type == FrameError:
		var p ErrorPayload
		if err := reply.DecodePayload(&p); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrVersionRejected, p.Message)
	default:
		return fmt.Errorf("%w: unexpected %s reply to hello", ErrMalformedFrame, reply.Type)
	}
}

// SendEvent sends an event addressed to target and returns the frame sequence.
func (c *Client) SendEvent(target core.BioteID, name string, data core.Data) (uint32, error) {
	return c.sendJSON(FrameEvent, EventPayload{Target: target, Event: name, Data: data})
}

// SendEventTo sends an event addressed to the biote registered as name.
func (c *Client) SendEventTo(name, event string, data core.Data) (uint32, error) {
	return c.sendJSON(FrameEvent, EventPayload{Name: name, Event: event, Data: data})
}

// Heartbeat sends a heartbeat frame and returns its sequence.
func (c *Client) Heartbeat() (uint32, error) {
	return c.send(&Frame{Type: FrameHeartbeat})
}

// ReadFrame reads the next frame from the server.
func (c *Client) ReadFrame() (*Frame, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	return ReadFrame(c.conn, c.maxFrameSize)
}

// ReadEvent reads frames until an event or error frame arrives. Error frames
// are returned as errors; heartbeats are skipped.
func (c *Client) ReadEvent() (EventPayload, error) {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return EventPayload{}, err
		}
		switch f.Type {
		case FrameEvent:
			var p EventPayload
			err := f.DecodePayload(&p)
			return p, err
		case FrameError:
			var p ErrorPayload
			if err := f.DecodePayload(&p); err != nil {
				return EventPayload{}, err
			}
			return EventPayload{}, &RemoteError{ErrorPayload: p}
		case FrameClose:
			return EventPayload{}, ErrConnectionClosed
		}
	}
}

// Close sends a close frame and closes the socket.
func (c *Client) Close() error {
	c.send(&Frame{Type: FrameClose})
	return c.conn.Close()
}

func (c *Client) sendJSON(ft FrameType, v any) (uint32, error) {
	f, err := NewJSONFrame(ft, v)
	if err != nil {
		return 0, err
	}
	return c.send(f)
}

func (c *Client) send(f *Frame) (uint32, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f.Sequence = c.sequence.Inc()
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	if _, err := c.conn.Write(f.Encode()); err != nil {
		return 0, fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return f.Sequence, nil
}

// RemoteError is an error frame received from the server.
type RemoteError struct {
	ErrorPayload
}

func (e *RemoteError) Error() string {
	if e.Target != core.NoBiote {
		return fmt.Sprintf("remote error for biote %d: %s", e.Target, e.Message)
	}
	return "remote error: " + e.Message
}

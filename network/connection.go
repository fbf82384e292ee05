package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ConnectionState represents the state of a bridge connection
type ConnectionState int32

const (
	ConnectionStateConnected ConnectionState = iota
	ConnectionStateClosed
)

// String returns the string representation of ConnectionState
func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sendQueueSize is the number of frames buffered per connection.
const sendQueueSize = 256

// connectionIDCounter generates unique connection IDs
var connectionIDCounter atomic.Int64

// Connection wraps an accepted socket. Writes go through a single send
// goroutine; reads are done by the server's read loop.
type Connection struct {
	id   string
	conn net.Conn
	log  logrus.FieldLogger

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrameSize int

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	state        atomic.Int32
	sequence     atomic.Uint32
	lastActivity atomic.Int64

	// Statistics
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	framesRead   atomic.Int64
	framesSent   atomic.Int64
}

// newConnection wraps conn and starts its send goroutine.
func newConnection(conn net.Conn, cfg ServerConfig, log logrus.FieldLogger) *Connection {
	id := fmt.Sprintf("tcp-%d", connectionIDCounter.Inc())

	c := &Connection{
		id:           id,
		conn:         conn,
		log:          log.WithFields(logrus.Fields{"conn": id, "remote": conn.RemoteAddr().String()}),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		maxFrameSize: cfg.MaxFrameSize,
		sendCh:       make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
	}
	c.touch()

	go c.sendLoop()
	return c
}

// ID returns the connection ID
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the remote address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send queues a frame for writing. The frame sequence is assigned here
// unless it answers a request.
func (c *Connection) Send(f *Frame) error {
	if f.Sequence == 0 {
		f.Sequence = c.sequence.Inc()
	}
	data := f.Encode()

	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	}
}

// ReadFrame reads the next frame, applying the read timeout.
func (c *Connection) ReadFrame() (*Frame, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	f, err := ReadFrame(c.conn, c.maxFrameSize)
	if err != nil {
		return nil, err
	}
	c.bytesRead.Add(int64(f.Size()))
	c.framesRead.Inc()
	c.touch()
	return f, nil
}

// Close closes the connection. Frames still queued are dropped.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ConnectionStateClosed))
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// CloseGracefully sends a close frame, lets the send goroutine flush what is
// queued and closes the connection, forcing it after timeout.
func (c *Connection) CloseGracefully(timeout time.Duration) error {
	if err := c.Send(&Frame{Type: FrameClose}); err != nil {
		return c.Close()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// a nil entry tells sendLoop to close once everything before it is written
	select {
	case c.sendCh <- nil:
	case <-c.done:
		return c.closeErr
	case <-deadline.C:
		return c.Close()
	}

	select {
	case <-c.done:
		return c.closeErr
	case <-deadline.C:
		return c.Close()
	}
}

// Statistics returns connection statistics
func (c *Connection) Statistics() ConnectionStatistics {
	return ConnectionStatistics{
		ConnectionID: c.id,
		State:        c.State().String(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		FramesRead:   c.framesRead.Load(),
		FramesSent:   c.framesSent.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
		RemoteAddr:   c.RemoteAddr().String(),
	}
}

// sendLoop writes queued frames until the connection closes.
func (c *Connection) sendLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if data == nil {
				c.Close()
				return
			}
			if err := c.write(data); err != nil {
				c.log.WithError(err).Debug("write failed, closing connection")
				c.Close()
				return
			}
		}
	}
}

// write sends data directly through the socket
func (c *Connection) write(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := c.conn.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.bytesWritten.Add(int64(n))
	c.framesSent.Inc()
	c.touch()
	return nil
}

// touch updates the last activity timestamp
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// ConnectionStatistics holds statistics for a connection
type ConnectionStatistics struct {
	ConnectionID string    `json:"connection_id"`
	State        string    `json:"state"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	FramesRead   int64     `json:"frames_read"`
	FramesSent   int64     `json:"frames_sent"`
	LastActivity time.Time `json:"last_activity"`
	RemoteAddr   string    `json:"remote_addr"`
}

// String returns the string representation of connection statistics
func (cs ConnectionStatistics) String() string {
	return fmt.Sprintf("Connection[%s] State=%s BytesR/W=%d/%d FramesR/S=%d/%d LastActivity=%s Remote=%s",
		cs.ConnectionID, cs.State, cs.BytesRead, cs.BytesWritten,
		cs.FramesRead, cs.FramesSent, cs.LastActivity.Format(time.RFC3339),
		cs.RemoteAddr)
}

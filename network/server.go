package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/jarney/snackbot/config"
	"github.com/jarney/snackbot/core"
)

// ServerConfig contains the bridge server settings
type ServerConfig struct {
	// Address is the listening address
	Address string

	// Port is the listening port, 0 picks a free port
	Port int

	// MaxConnections is the maximum number of concurrent connections
	MaxConnections int

	// MaxFrameSize bounds frame payloads
	MaxFrameSize int

	// ReadTimeout closes connections silent for longer
	ReadTimeout time.Duration

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration

	// MinClientVersion is a semver constraint checked against hello frames.
	// When set, clients must say hello before sending events.
	MinClientVersion string

	// CloseTimeout bounds the flush of each connection on Stop
	CloseTimeout time.Duration
}

// ServerConfigFrom converts the network section of the configuration.
func ServerConfigFrom(cfg config.NetworkConfig) ServerConfig {
	return ServerConfig{
		Address:          cfg.Address,
		Port:             cfg.Port,
		MaxConnections:   cfg.MaxConnections,
		MaxFrameSize:     cfg.MaxFrameSize,
		ReadTimeout:      cfg.ReadTimeout.Duration,
		WriteTimeout:     cfg.WriteTimeout.Duration,
		MinClientVersion: cfg.MinClientVersion,
	}
}

// Server accepts bridge clients and attaches a NetworkBiote to each.
type Server struct {
	cfg      ServerConfig
	manager  *core.Manager
	log      logrus.FieldLogger
	minimum  *semver.Constraints
	listener net.Listener
	running  atomic.Bool

	connections *connectionTable

	// Synchronization
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	rejected    atomic.Int64
	totalFrames atomic.Int64
	startTime   time.Time
}

// NewServer creates a bridge server delivering into manager.
func NewServer(cfg ServerConfig, manager *core.Manager, log logrus.FieldLogger) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("network server: %w", core.ErrManagerStopped)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = time.Second
	}

	s := &Server{
		cfg:         cfg,
		manager:     manager,
		log:         log.WithField("component", "network"),
		connections: newConnectionTable(),
	}
	if cfg.MinClientVersion != "" {
		c, err := semver.NewConstraint(cfg.MinClientVersion)
		if err != nil {
			return nil, fmt.Errorf("min client version %q: %w", cfg.MinClientVersion, err)
		}
		s.minimum = c
	}
	return s, nil
}

// Start starts listening.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	address := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.WithField("address", listener.Addr().String()).Info("network bridge listening")
	return nil
}

// Stop stops accepting, closes every connection and waits for the read loops.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	err := s.listener.Close()
	s.connections.closeAll(s.cfg.CloseTimeout)
	s.wg.Wait()

	s.log.Info("network bridge stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections
func (s *Server) ConnectionCount() int {
	return s.connections.len()
}

// Connections returns per-connection statistics ordered by connection ID.
func (s *Server) Connections() []ConnectionStatistics {
	conns := s.connections.all()
	out := make([]ConnectionStatistics, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Statistics())
	}
	return out
}

// Broadcast sends an event frame to every client and returns how many
// connections accepted it.
func (s *Server) Broadcast(name string, data core.Data) (int, error) {
	f, err := NewJSONFrame(FrameEvent, EventPayload{Event: name, Data: data})
	if err != nil {
		return 0, err
	}
	return s.connections.broadcast(f), nil
}

// Statistics returns server statistics
func (s *Server) Statistics() ServerStatistics {
	stats := ServerStatistics{
		Running:            s.running.Load(),
		StartTime:          s.startTime,
		TotalConnections:   s.connections.total.Load(),
		CurrentConnections: int64(s.connections.len()),
		RejectedClients:    s.rejected.Load(),
		TotalFrames:        s.totalFrames.Load(),
	}
	if addr := s.Addr(); addr != nil {
		stats.Address = addr.String()
	}
	if stats.Running {
		stats.Uptime = time.Since(s.startTime)
	}
	return stats
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.connections.len() >= s.cfg.MaxConnections {
			s.log.WithFields(logrus.Fields{
				"limit":  s.cfg.MaxConnections,
				"remote": conn.RemoteAddr().String(),
			}).Warn("connection limit reached, rejecting")
			s.rejected.Inc()
			conn.Close()
			continue
		}

		c := newConnection(conn, s.cfg, s.log)
		id, err := s.manager.CreateBioteWithOptions(NewNetworkBiote(c), core.BioteOptions{
			Name:     "net-" + c.ID(),
			Blocking: true,
		})
		if err != nil {
			c.log.WithError(err).Warn("cannot attach biote, closing connection")
			c.Close()
			continue
		}

		s.connections.add(c)
		if s.ctx.Err() != nil {
			c.Close()
		}
		s.wg.Add(1)
		go s.readLoop(c, id)
	}
}

// readLoop turns the frames of one connection into stimuli.
func (s *Server) readLoop(c *Connection, biote core.BioteID) {
	defer s.wg.Done()
	defer s.connections.remove(c.ID())
	defer s.manager.SendStimulus(biote, core.NewSignal(EventNetClosed))

	greeted := s.minimum == nil
	for {
		f, err := c.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
				c.log.Debug("connection closed")
			case errors.Is(err, ErrFrameTooLarge):
				c.log.WithError(err).Warn("dropping client")
				s.reject(c, 0, err)
			default:
				c.log.WithError(err).Debug("read failed")
			}
			c.Close()
			return
		}
		s.totalFrames.Inc()

		switch f.Type {
		case FrameHeartbeat:
			c.Send(&Frame{Type: FrameHeartbeat, Flags: FrameFlagReply, Sequence: f.Sequence})

		case FrameHello:
			if err := s.checkHello(f); err != nil {
				c.log.WithError(err).Warn("client rejected")
				s.reject(c, f.Sequence, err)
				return
			}
			greeted = true
			c.Send(&Frame{Type: FrameHello, Flags: FrameFlagReply, Sequence: f.Sequence})

		case FrameEvent:
			if !greeted {
				s.reject(c, f.Sequence, ErrHelloRequired)
				return
			}
			var p EventPayload
			if err := f.DecodePayload(&p); err != nil {
				s.sendError(c, f.Sequence, p.Target, err)
				continue
			}
			in := core.NewDataBuilder().
				Set(KeyTarget, p.Target).
				Set(KeyEvent, p.Event).
				Set(KeyData, p.Data).
				Set(KeySeq, f.Sequence)
			if p.Name != "" {
				in.Set(KeyTargetName, p.Name)
			}
			s.manager.SendStimulus(biote, core.NewEvent(EventNetIn, in.Build()))

		case FrameClose:
			c.Close()
			return

		default:
			s.sendError(c, f.Sequence, core.NoBiote, fmt.Errorf("%w: type %s", ErrMalformedFrame, f.Type))
		}
	}
}

// checkHello validates the version announced by the client.
func (s *Server) checkHello(f *Frame) error {
	var hello HelloPayload
	if err := f.DecodePayload(&hello); err != nil {
		return err
	}
	if s.minimum == nil {
		return nil
	}
	v, err := semver.NewVersion(hello.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersionRejected, hello.Version, err)
	}
	if !s.minimum.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersionRejected, v, s.cfg.MinClientVersion)
	}
	return nil
}

func (s *Server) sendError(c *Connection, seq uint32, target core.BioteID, err error) {
	f, encErr := NewJSONFrame(FrameError, ErrorPayload{Message: err.Error(), Target: target, Sequence: seq})
	if encErr != nil {
		return
	}
	f.Flags |= FrameFlagReply
	c.Send(f)
}

// reject reports err to the client and closes the connection.
func (s *Server) reject(c *Connection, seq uint32, err error) {
	s.rejected.Inc()
	s.sendError(c, seq, core.NoBiote, err)
	c.CloseGracefully(s.cfg.CloseTimeout)
}

// ServerStatistics holds statistics for a server
type ServerStatistics struct {
	Address            string        `json:"address"`
	Running            bool          `json:"running"`
	StartTime          time.Time     `json:"start_time"`
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   int64         `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	RejectedClients    int64         `json:"rejected_clients"`
	TotalFrames        int64         `json:"total_frames"`
}

// String returns the string representation of server statistics
func (ss ServerStatistics) String() string {
	return fmt.Sprintf("Server[%s] Running=%t Uptime=%s Connections=%d/%d Frames=%d",
		ss.Address, ss.Running, ss.Uptime.Truncate(time.Second),
		ss.CurrentConnections, ss.TotalConnections, ss.TotalFrames)
}

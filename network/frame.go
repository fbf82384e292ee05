package network

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jarney/snackbot/core"
)

// FrameType defines the type of a bridge frame
type FrameType uint32

const (
	// Control frames (0-99)
	FrameHeartbeat FrameType = 1
	FrameError     FrameType = 3
	FrameClose     FrameType = 4
	FrameHello     FrameType = 5

	// Payload frames (100+)
	FrameEvent FrameType = 100
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameHeartbeat:
		return "heartbeat"
	case FrameError:
		return "error"
	case FrameClose:
		return "close"
	case FrameHello:
		return "hello"
	case FrameEvent:
		return "event"
	default:
		return fmt.Sprintf("unknown(%d)", ft)
	}
}

// FrameFlag defines frame flags
type FrameFlag uint32

const (
	FrameFlagNone FrameFlag = 0

	// FrameFlagReply marks a frame answering a client request
	FrameFlagReply FrameFlag = 1 << 0
)

const (
	// FrameHeaderSize is the fixed size of the frame header in bytes
	FrameHeaderSize = 16

	// DefaultMaxFrameSize bounds the payload when no limit is configured
	DefaultMaxFrameSize = 64 * 1024
)

// Frame is one unit on the wire: a 16-byte big-endian header
// {type, flags, sequence, length} followed by length payload bytes.
type Frame struct {
	Type     FrameType
	Flags    FrameFlag
	Sequence uint32
	Payload  []byte
}

// HasFlag checks if a frame flag is set
func (f *Frame) HasFlag(flag FrameFlag) bool {
	return f.Flags&flag != 0
}

// Size returns the encoded size of the frame in bytes
func (f *Frame) Size() int {
	return FrameHeaderSize + len(f.Payload)
}

// Encode encodes the frame to its wire format.
func (f *Frame) Encode() []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Flags))
	binary.BigEndian.PutUint32(buf[8:12], f.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// ReadFrame reads one frame from r, rejecting payloads above maxSize.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	f := &Frame{
		Type:     FrameType(binary.BigEndian.Uint32(header[0:4])),
		Flags:    FrameFlag(binary.BigEndian.Uint32(header[4:8])),
		Sequence: binary.BigEndian.Uint32(header[8:12]),
	}

	length := binary.BigEndian.Uint32(header[12:16])
	if int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("failed to read frame payload: %w", err)
		}
	}
	return f, nil
}

// EventPayload is the JSON body of an event frame. Clients may address a
// biote by its registered name instead of its id.
type EventPayload struct {
	Target core.BioteID `json:"target"`
	Name   string       `json:"name,omitempty"`
	Event  string       `json:"event"`
	Data   core.Data    `json:"data"`
}

// HelloPayload is the JSON body of a hello frame.
type HelloPayload struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
}

// ErrorPayload is the JSON body of an error frame.
type ErrorPayload struct {
	Message  string       `json:"message"`
	Target   core.BioteID `json:"target,omitempty"`
	Sequence uint32       `json:"sequence,omitempty"`
}

// NewJSONFrame builds a frame whose payload is v encoded as JSON.
func NewJSONFrame(ft FrameType, v any) (*Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ft, err)
	}
	return &Frame{Type: ft, Payload: payload}, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType is the one-byte message type on the wire, ported verbatim
// from original_source/protocol/frame.rs's FrameType enum.
type FrameType byte

const (
	FrameHeartbeat          FrameType = 0x01
	FrameHeartbeatAck       FrameType = 0x02
	FrameEscalationRequest  FrameType = 0x03
	FrameEscalationResponse FrameType = 0x04
	FrameStreamChunk        FrameType = 0x05
	FrameStreamEnd          FrameType = 0x06
	FrameError              FrameType = 0x07
	FramePrewarmSignal      FrameType = 0x08
)

func frameTypeFromByte(b byte) (FrameType, error) {
	switch FrameType(b) {
	case FrameHeartbeat, FrameHeartbeatAck, FrameEscalationRequest, FrameEscalationResponse,
		FrameStreamChunk, FrameStreamEnd, FrameError, FramePrewarmSignal:
		return FrameType(b), nil
	default:
		return 0, fmt.Errorf("%w: invalid frame type 0x%02x", ErrValidation, b)
	}
}

// frameHeaderSize is the fixed [type:1][length:4BE] header.
const frameHeaderSize = 5

// MaxFrameSize bounds a single frame payload at 10MiB, matching
// Frame::MAX_SIZE in the original.
const MaxFrameSize = 10 * 1024 * 1024

// Frame is one wire unit: [Type: 1B][Length: 4B big-endian][Payload: JSON].
type Frame struct {
	Type    FrameType
	Payload []byte
}

// NewFrame validates payload size and constructs a Frame.
func NewFrame(t FrameType, payload []byte) (Frame, error) {
	if len(payload) > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame too large: %d bytes (max %d)", ErrValidation, len(payload), MaxFrameSize)
	}
	return Frame{Type: t, Payload: payload}, nil
}

// FrameFromMessage marshals msg to JSON and wraps it in a Frame whose
// type matches the message's tag.
func FrameFromMessage(msg Message) (Frame, error) {
	payload, err := marshalMessage(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("tunnel: marshal message: %w", err)
	}
	return NewFrame(msg.frameType(), payload)
}

// Encode renders the frame as wire bytes.
func (f Frame) Encode() []byte {
	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(f.Payload)))
	copy(out[5:], f.Payload)
	return out
}

// DecodeFrame parses one frame from the front of data. It does not
// consume trailing bytes beyond the frame; callers streaming from a
// connection should use a bufio.Reader and read exactly
// frameHeaderSize + length bytes once the header is known (see
// ReadFrame).
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < frameHeaderSize {
		return Frame{}, fmt.Errorf("%w: frame too short (min %d bytes)", ErrValidation, frameHeaderSize)
	}
	t, err := frameTypeFromByte(data[0])
	if err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(data[1:5])
	if len(data) < frameHeaderSize+int(length) {
		return Frame{}, fmt.Errorf("%w: incomplete frame: expected %d bytes, got %d", ErrValidation, frameHeaderSize+int(length), len(data))
	}
	payload := make([]byte, length)
	copy(payload, data[frameHeaderSize:frameHeaderSize+int(length)])
	return Frame{Type: t, Payload: payload}, nil
}

// ToMessage parses the frame's payload as the tagged-union Message it
// claims to carry.
func (f Frame) ToMessage() (Message, error) {
	return unmarshalMessage(f.Payload)
}

// PayloadLen returns the size of the frame's payload.
func (f Frame) PayloadLen() int {
	return len(f.Payload)
}

// ReadFrame reads exactly one frame from r: the fixed 5-byte header,
// then the declared payload length. Used on the HTTP/2 stream body
// where frames arrive back-to-back rather than as one decodable byte
// slice.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("tunnel: read frame header: %w", err)
	}
	t, err := frameTypeFromByte(header[0])
	if err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame too large: %d bytes (max %d)", ErrValidation, length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("tunnel: read frame payload: %w", err)
		}
	}
	return Frame{Type: t, Payload: payload}, nil
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write(f.Encode()); err != nil {
		return fmt.Errorf("tunnel: write frame: %w", err)
	}
	return nil
}

// Package protocol implements the framing used between the gateway and its peers.
//
// Every message is a set of opaque frames. A fixed 11-byte header carries the
// frame count and the body length, and the body holds each frame prefixed by
// its own length. The receiver reads the header first, then exactly bodyLen
// bytes, which solves TCP's sticky packet problem the same way for every peer.
//
// Frame format:
//
//	0      3  4  5       7          11
//	┌──────┬──┬──┬───────┬──────────┬──────────────────────────────┐
//	│magic │v │mt│ count │ bodyLen  │ (len uint32 | bytes) * count │
//	│ gwp  │01│  │uint16 │ uint32   │                              │
//	└──────┴──┴──┴───────┴──────────┴──────────────────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Magic bytes "gwp" (gateway protocol).
const (
	MagicNumber byte = 0x67 // 'g'
	MagicByte2  byte = 0x77 // 'w'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 11 // 3 (magic) + 1 (version) + 1 (msgType) + 2 (frames) + 4 (bodyLen)

	// MaxBodyBytes bounds the memory a single message may claim.
	MaxBodyBytes uint32 = 16 << 20
)

// MsgType distinguishes the connection handshake from application data.
type MsgType byte

const (
	MsgTypeHello MsgType = 0 // First message on a connection, one frame: the peer identity
	MsgTypeData  MsgType = 1 // Application frames
)

var (
	// ErrProtocolViolation marks a frame set that cannot be parsed or carries a bad header.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrBodyTooLarge      = fmt.Errorf("%w: body too large", ErrProtocolViolation)
)

// Header represents the fixed frame header.
type Header struct {
	MsgType MsgType
	Frames  uint16
	BodyLen uint32
}

// Encode writes one complete message (header + frames) to w.
// The caller must serialize writers sharing the same w.
func Encode(w io.Writer, t MsgType, msg Message) error {
	if len(msg) > 0xFFFF {
		return fmt.Errorf("%w: too many frames (%d)", ErrProtocolViolation, len(msg))
	}
	bodyLen := 0
	for _, f := range msg {
		bodyLen += 4 + len(f)
	}
	if uint64(bodyLen) > uint64(MaxBodyBytes) {
		return ErrBodyTooLarge
	}

	buf := make([]byte, HeaderSize+bodyLen)
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(t)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(msg)))
	binary.BigEndian.PutUint32(buf[7:11], uint32(bodyLen))

	offset := HeaderSize
	for _, f := range msg {
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(f)))
		offset += 4
		offset += copy(buf[offset:], f)
	}

	// One write per message keeps frames of concurrent writers on different
	// connections from ever being split.
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete message from r.
// It validates magic, version and message type before reading the body.
func Decode(r io.Reader) (MsgType, Message, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("%w: invalid magic number: %x", ErrProtocolViolation, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return 0, nil, fmt.Errorf("%w: unsupported version: %d", ErrProtocolViolation, headerBuf[3])
	}
	t := MsgType(headerBuf[4])
	if t != MsgTypeHello && t != MsgTypeData {
		return 0, nil, fmt.Errorf("%w: unsupported message type: %d", ErrProtocolViolation, headerBuf[4])
	}

	frames := binary.BigEndian.Uint16(headerBuf[5:7])
	bodyLen := binary.BigEndian.Uint32(headerBuf[7:11])
	if bodyLen > MaxBodyBytes {
		return 0, nil, ErrBodyTooLarge
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	msg := make(Message, 0, frames)
	offset := uint32(0)
	for i := uint16(0); i < frames; i++ {
		if bodyLen-offset < 4 {
			return 0, nil, fmt.Errorf("%w: truncated frame %d", ErrProtocolViolation, i)
		}
		n := binary.BigEndian.Uint32(body[offset : offset+4])
		offset += 4
		if bodyLen-offset < n {
			return 0, nil, fmt.Errorf("%w: frame %d overruns body", ErrProtocolViolation, i)
		}
		msg = append(msg, body[offset:offset+n])
		offset += n
	}
	if offset != bodyLen {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", ErrProtocolViolation, bodyLen-offset)
	}
	return t, msg, nil
}

// Message is an ordered set of frames.
type Message [][]byte

// NewMessage builds a message from string frames.
func NewMessage(frames ...string) Message {
	m := make(Message, 0, len(frames))
	for _, f := range frames {
		m = append(m, []byte(f))
	}
	return m
}

// AppendString adds a string frame.
func (m Message) AppendString(s string) Message {
	return append(m, []byte(s))
}

// Append adds a raw frame.
func (m Message) Append(b []byte) Message {
	return append(m, b)
}

// Reader returns a cursor over the frames.
func (m Message) Reader() *Reader {
	return &Reader{msg: m}
}

// Dump renders the message for logs, one line per frame.
func (m Message) Dump() string {
	var sb strings.Builder
	for _, f := range m {
		if isPrintable(f) {
			fmt.Fprintf(&sb, "[%03d] %s\n", len(f), f)
		} else {
			fmt.Fprintf(&sb, "[%03d] %X\n", len(f), f)
		}
	}
	return sb.String()
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// Reader pops frames from the head of a message.
type Reader struct {
	msg Message
	pos int
}

// Next returns the next frame, or false once the message is exhausted.
func (r *Reader) Next() ([]byte, bool) {
	if r.pos >= len(r.msg) {
		return nil, false
	}
	f := r.msg[r.pos]
	r.pos++
	return f, true
}

// NextString is Next as a string.
func (r *Reader) NextString() (string, bool) {
	f, ok := r.Next()
	return string(f), ok
}

// Remaining reports how many frames are left.
func (r *Reader) Remaining() int {
	return len(r.msg) - r.pos
}

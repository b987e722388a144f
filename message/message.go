// Package message implements the framed message buffer: a fixed 4-byte
// header (id, payload size) plus an owned payload, with a separate
// cursor object for non-mutating reads.
package message

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the on-wire size of the id+payload_size header.
const HeaderSize = 4

// MaxPayloadSize is the largest payload a Message can carry, imposed by
// the 16-bit payload_size field.
const MaxPayloadSize = 1<<16 - 1

// ErrPayloadTooLarge is returned by Append when growing the payload would
// overflow the 16-bit payload_size field.
var ErrPayloadTooLarge = errors.New("message: payload exceeds 65535 bytes")

// ErrShortRead is returned by Reader.Read when the cursor has fewer bytes
// remaining than requested.
var ErrShortRead = errors.New("message: read past start of payload")

// byteOrder pins the wire encoding of the header. The source this spec
// was distilled from serialized its header struct's raw in-memory layout,
// which is non-portable; little-endian is used here for both header
// fields, matching the one concrete endian choice visible in that source.
var byteOrder = binary.LittleEndian

// Message is an application-opaque id plus a payload buffer. It owns its
// payload exclusively: copying is always deep (see Clone), and appends
// grow the buffer at the tail.
type Message struct {
	id      uint16
	payload []byte
}

// New constructs an empty message with the given id.
func New(id uint16) *Message {
	return &Message{id: id}
}

// ID returns the message's application-opaque identifier.
func (m *Message) ID() uint16 {
	return m.id
}

// PayloadSize returns the current payload length.
func (m *Message) PayloadSize() int {
	return len(m.payload)
}

// Size returns the total on-wire size: header plus payload.
func (m *Message) Size() int {
	return HeaderSize + len(m.payload)
}

// Payload returns the raw payload bytes. Callers must not retain or
// mutate the returned slice past the message's lifetime.
func (m *Message) Payload() []byte {
	return m.payload
}

// Append grows the payload by len(data), copying data to the tail.
// It fails if the resulting payload would exceed MaxPayloadSize.
func (m *Message) Append(data []byte) error {
	if len(m.payload)+len(data) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	m.payload = append(m.payload, data...)
	return nil
}

// Clone returns a deep copy of m: a new Message with its own payload
// buffer. The Connection Engine's send path uses this to guarantee the
// caller retains ownership of the Message it passed in.
func (m *Message) Clone() *Message {
	cp := make([]byte, len(m.payload))
	copy(cp, m.payload)
	return &Message{id: m.id, payload: cp}
}

// Reader is a cursor over a Message's payload, consuming from the tail.
// It never mutates the Message, so the same Message may be read by
// multiple independent Readers (e.g. once for transmission, once for
// application inspection).
type Reader struct {
	msg    *Message
	cursor int
}

// NewReader binds a Reader to msg with the cursor positioned at the end
// of the payload (the next Read will consume the most recently appended
// bytes first).
func NewReader(msg *Message) *Reader {
	return &Reader{msg: msg, cursor: len(msg.payload)}
}

// Bind re-seats an existing Reader on msg, resetting the cursor to the
// end of its payload.
func (r *Reader) Bind(msg *Message) {
	r.msg = msg
	r.cursor = len(msg.payload)
}

// Remaining returns the number of unread bytes left under the cursor.
func (r *Reader) Remaining() int {
	return r.cursor
}

// Read moves the cursor back by len(buf) and copies that many bytes from
// the payload into buf. It fails if fewer than len(buf) bytes remain.
func (r *Reader) Read(buf []byte) error {
	if r.cursor < len(buf) {
		return ErrShortRead
	}
	r.cursor -= len(buf)
	copy(buf, r.msg.payload[r.cursor:r.cursor+len(buf)])
	return nil
}

// Header encodes a message's id and payload_size as the 4-byte wire
// header, little-endian.
func Header(id uint16, payloadSize int) [HeaderSize]byte {
	var hdr [HeaderSize]byte
	byteOrder.PutUint16(hdr[0:2], id)
	byteOrder.PutUint16(hdr[2:4], uint16(payloadSize))
	return hdr
}

// DecodeHeader parses a 4-byte wire header into its id and payload_size
// fields.
func DecodeHeader(hdr []byte) (id uint16, payloadSize uint16) {
	return byteOrder.Uint16(hdr[0:2]), byteOrder.Uint16(hdr[2:4])
}

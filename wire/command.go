// Package wire implements the binary command protocol spoken between the
// host query engine and an accelerator service. Every message is one
// self-describing Command: a fixed header (magic, tag, length) followed by
// a tag-dependent payload. The protocol is message-oriented on top of a
// byte stream, so the decoder reassembles exactly length bytes before a
// Command is surfaced.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies a wire Command header ("VLTA", little-endian).
	Magic uint32 = 0x564c5441

	// HeaderSize is the fixed byte size of the Command header.
	HeaderSize = 12

	// MaxCommandSize bounds the declared length of a single Command.
	// Anything larger is treated as a malformed message rather than an
	// allocation request.
	MaxCommandSize = 1 << 30
)

// Tag discriminates the Command payload.
type Tag uint32

const (
	TagOpenSession Tag = 0 // host -> service: session descriptor
	TagSuccess     Tag = 1 // service -> host: result chunks
	TagCPUFallback Tag = 2 // service -> host: chunk handed back for host evaluation
	TagError       Tag = 3 // service -> host: structured error record

	TagScanExec    Tag = 4 // host -> service: scan task
	TagJoinExec    Tag = 5 // host -> service: join task
	TagGroupByExec Tag = 6 // host -> service: group-by task
	TagFinalExec   Tag = 7 // host -> service: finalization task
)

var tagNames = map[Tag]string{
	TagOpenSession: "OpenSession",
	TagSuccess:     "Success",
	TagCPUFallback: "CPUFallback",
	TagError:       "Error",
	TagScanExec:    "ScanExec",
	TagJoinExec:    "JoinExec",
	TagGroupByExec: "GroupByExec",
	TagFinalExec:   "FinalExec",
}

// String implements the Stringer interface.
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint32(t))
}

// Valid reports whether the tag is one the protocol defines.
func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// IsTask reports whether the tag carries work for the service.
func (t Tag) IsTask() bool {
	return t >= TagScanExec && t <= TagFinalExec
}

// IsResponse reports whether the tag is a service-side reply.
func (t Tag) IsResponse() bool {
	return t == TagSuccess || t == TagCPUFallback || t == TagError
}

// ErrMalformedMessage is returned when a header fails validation: bad
// magic, unknown tag, or a declared length inconsistent with the bytes
// actually present. A malformed message is fatal to its connection.
var ErrMalformedMessage = errors.New("wire: malformed message")

// Command is one protocol message. Payload holds the tag-dependent bytes
// after the header; the declared length is always HeaderSize+len(Payload).
type Command struct {
	Tag     Tag
	Payload []byte
}

// Length returns the total encoded size, header included.
func (c *Command) Length() int {
	return HeaderSize + len(c.Payload)
}

// Encode serializes the Command into a self-delimiting buffer.
func (c *Command) Encode() []byte {
	buf := make([]byte, c.Length())
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.Tag))
	binary.LittleEndian.PutUint32(buf[8:], uint32(c.Length()))
	copy(buf[HeaderSize:], c.Payload)
	return buf
}

// EncodeHeader serializes only the header for a payload of the given
// size, for scatter-gather sends where the payload is written separately.
func EncodeHeader(tag Tag, payloadLen int) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(tag))
	binary.LittleEndian.PutUint32(buf[8:], uint32(HeaderSize+payloadLen))
	return buf
}

// Decode parses one Command from the front of buf. It returns the Command
// and the number of bytes consumed. A buffer holding only a strict prefix
// of a message yields (nil, 0, nil): need more bytes, no Command. A
// Command is never partially applied.
func Decode(buf []byte) (*Command, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}
	magic := binary.LittleEndian.Uint32(buf[0:])
	tag := Tag(binary.LittleEndian.Uint32(buf[4:]))
	length := binary.LittleEndian.Uint32(buf[8:])
	if magic != Magic {
		return nil, 0, fmt.Errorf("%w: bad magic %08x", ErrMalformedMessage, magic)
	}
	if !tag.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown tag %d", ErrMalformedMessage, uint32(tag))
	}
	if length < HeaderSize || length > MaxCommandSize {
		return nil, 0, fmt.Errorf("%w: implausible length %d", ErrMalformedMessage, length)
	}
	if uint32(len(buf)) < length {
		return nil, 0, nil
	}
	payload := make([]byte, length-HeaderSize)
	copy(payload, buf[HeaderSize:length])
	return &Command{Tag: tag, Payload: payload}, int(length), nil
}

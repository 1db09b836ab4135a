package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder reads Commands off a byte stream, reassembling exactly the
// declared length of each message before yielding it. One Decoder is
// owned by one receiver goroutine.
type Decoder struct {
	r   io.Reader
	hdr [HeaderSize]byte
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next blocks until a complete Command has been read, then returns it.
// io.EOF is returned unwrapped on a clean close between messages; a close
// mid-message surfaces as an unexpected-EOF read error.
func (d *Decoder) Next() (*Command, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(d.hdr[0:])
	tag := Tag(binary.LittleEndian.Uint32(d.hdr[4:]))
	length := binary.LittleEndian.Uint32(d.hdr[8:])
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %08x", ErrMalformedMessage, magic)
	}
	if !tag.Valid() {
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedMessage, uint32(tag))
	}
	if length < HeaderSize || length > MaxCommandSize {
		return nil, fmt.Errorf("%w: implausible length %d", ErrMalformedMessage, length)
	}
	payload := make([]byte, length-HeaderSize)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return &Command{Tag: tag, Payload: payload}, nil
}

package wire

import (
	"encoding/binary"
	"fmt"
)

// Data chunk formats.
const (
	FormatRow    byte = 'r'
	FormatColumn byte = 'c'
)

// nullValue marks an absent slot in the encoded row stream.
const nullValue = 0xFFFFFFFF

// Row is one record: a value per slot, nil meaning NULL.
type Row [][]byte

// DataChunk is a self-describing batch of rows exchanged inside task and
// Success payloads. The layout is relocatable: a fixed header followed by
// length-prefixed slot values, so a chunk can be spliced into a Command
// without fixups.
type DataChunk struct {
	Format byte
	NSlots uint16
	Rows   []Row
}

// Encode serializes the chunk.
func (c *DataChunk) Encode() []byte {
	size := 8
	for _, row := range c.Rows {
		size += 4 * int(c.NSlots)
		for _, v := range row {
			size += len(v)
		}
	}
	buf := make([]byte, 8, size)
	buf[0] = c.Format
	binary.LittleEndian.PutUint16(buf[2:], c.NSlots)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(c.Rows)))
	var n [4]byte
	for _, row := range c.Rows {
		for slot := 0; slot < int(c.NSlots); slot++ {
			var v []byte
			if slot < len(row) {
				v = row[slot]
			}
			if v == nil {
				binary.LittleEndian.PutUint32(n[:], nullValue)
				buf = append(buf, n[:]...)
				continue
			}
			binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
			buf = append(buf, n[:]...)
			buf = append(buf, v...)
		}
	}
	return buf
}

// DecodeChunk parses an encoded chunk. Row values alias buf.
func DecodeChunk(buf []byte) (*DataChunk, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: short data chunk", ErrMalformedMessage)
	}
	c := &DataChunk{
		Format: buf[0],
		NSlots: binary.LittleEndian.Uint16(buf[2:]),
	}
	if c.Format != FormatRow && c.Format != FormatColumn {
		return nil, fmt.Errorf("%w: unknown chunk format %q", ErrMalformedMessage, c.Format)
	}
	nitems := binary.LittleEndian.Uint32(buf[4:])
	rest := buf[8:]
	// Each row costs at least 4 bytes per slot, so a row count the
	// remaining bytes cannot hold is rejected before allocating.
	if c.NSlots == 0 && nitems != 0 {
		return nil, fmt.Errorf("%w: chunk declares %d rows with no slots", ErrMalformedMessage, nitems)
	}
	if uint64(nitems)*4*uint64(c.NSlots) > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: chunk declares %d rows beyond payload", ErrMalformedMessage, nitems)
	}
	c.Rows = make([]Row, 0, nitems)
	for i := uint32(0); i < nitems; i++ {
		row := make(Row, c.NSlots)
		for slot := 0; slot < int(c.NSlots); slot++ {
			if len(rest) < 4 {
				return nil, fmt.Errorf("%w: truncated row %d", ErrMalformedMessage, i)
			}
			vlen := binary.LittleEndian.Uint32(rest)
			rest = rest[4:]
			if vlen == nullValue {
				continue
			}
			if uint32(len(rest)) < vlen {
				return nil, fmt.Errorf("%w: truncated row %d", ErrMalformedMessage, i)
			}
			row[slot] = rest[:vlen]
			rest = rest[vlen:]
		}
		c.Rows = append(c.Rows, row)
	}
	return c, nil
}

// EncodeTask wraps one encoded chunk into a task Command of the given tag.
func EncodeTask(tag Tag, chunk []byte) *Command {
	if !tag.IsTask() {
		panic(fmt.Sprintf("wire: %v is not a task tag", tag))
	}
	return &Command{Tag: tag, Payload: chunk}
}

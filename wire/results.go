package wire

import (
	"encoding/binary"
	"fmt"
)

// Success payload layout: chunk count, byte offset (from payload start)
// to a sequence of self-describing chunks, each prefixed with its total
// length. The client core treats chunk bodies as opaque; only the result
// demultiplexer and the service interpret them (see DataChunk).
//
// CPUFallback payload layout: offset and length of the one source chunk
// handed back for host-side re-evaluation, followed by the chunk bytes.

// EncodeResults builds a Success Command from zero or more encoded chunks.
func EncodeResults(chunks ...[]byte) *Command {
	size := 8
	for _, c := range chunks {
		size += 4 + len(c)
	}
	payload := make([]byte, 8, size)
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(chunks)))
	binary.LittleEndian.PutUint32(payload[4:], 8)
	var n [4]byte
	for _, c := range chunks {
		binary.LittleEndian.PutUint32(n[:], uint32(len(c)))
		payload = append(payload, n[:]...)
		payload = append(payload, c...)
	}
	return &Command{Tag: TagSuccess, Payload: payload}
}

// DecodeResults parses a Success payload into its chunk byte slices.
// The returned slices alias the payload.
func DecodeResults(payload []byte) ([][]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: short results payload", ErrMalformedMessage)
	}
	nchunks := binary.LittleEndian.Uint32(payload[0:])
	off := binary.LittleEndian.Uint32(payload[4:])
	if off > uint32(len(payload)) {
		return nil, fmt.Errorf("%w: results offset out of range", ErrMalformedMessage)
	}
	rest := payload[off:]
	// Every chunk carries at least its 4-byte length prefix, so a count
	// the payload cannot possibly hold is rejected before allocating.
	if uint64(nchunks)*4 > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: results declare %d chunks beyond payload", ErrMalformedMessage, nchunks)
	}
	chunks := make([][]byte, 0, nchunks)
	for i := uint32(0); i < nchunks; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated result chunk %d", ErrMalformedMessage, i)
		}
		clen := binary.LittleEndian.Uint32(rest)
		if uint64(len(rest)) < 4+uint64(clen) {
			return nil, fmt.Errorf("%w: truncated result chunk %d", ErrMalformedMessage, i)
		}
		chunks = append(chunks, rest[4:4+clen])
		rest = rest[4+clen:]
	}
	return chunks, nil
}

// EncodeFallback wraps one source chunk into a CPUFallback Command.
func EncodeFallback(chunk []byte) *Command {
	payload := make([]byte, 8+len(chunk))
	binary.LittleEndian.PutUint32(payload[0:], 8)
	binary.LittleEndian.PutUint32(payload[4:], uint32(len(chunk)))
	copy(payload[8:], chunk)
	return &Command{Tag: TagCPUFallback, Payload: payload}
}

// DecodeFallback extracts the source chunk from a CPUFallback payload.
// The returned slice aliases the payload.
func DecodeFallback(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: short fallback payload", ErrMalformedMessage)
	}
	off := binary.LittleEndian.Uint32(payload[0:])
	clen := binary.LittleEndian.Uint32(payload[4:])
	if off > uint32(len(payload)) || uint32(len(payload))-off < clen {
		return nil, fmt.Errorf("%w: fallback chunk out of range", ErrMalformedMessage)
	}
	return payload[off : off+clen], nil
}

package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chazu/volta/wire"
)

// FallbackFunc re-evaluates one data chunk on the host after the device
// reported it cannot process the expression, returning the rows that
// pass.
type FallbackFunc func(chunk *wire.DataChunk) ([]wire.Row, error)

// ResultStream demultiplexes task responses into a flat row stream.
// Success responses yield their chunk rows in order; fallback responses
// are routed through the host re-evaluation hook.
type ResultStream struct {
	d        *Dispatcher
	fallback FallbackFunc

	cur     *wire.Command // response the pending rows alias into
	pending []wire.Row

	// Fallbacks counts chunks the device bounced back to the host.
	Fallbacks atomic.Uint64
}

// NewResultStream wraps a dispatcher. fallback may be nil when the
// session's expressions are known to be fully device-supported; a
// fallback response then fails the query.
func NewResultStream(d *Dispatcher, fallback FallbackFunc) *ResultStream {
	return &ResultStream{d: d, fallback: fallback}
}

// Next returns the next result row, or (nil, nil) at end of stream.
// Returned rows alias the response buffer and stay valid until the
// following Next call.
func (s *ResultStream) Next(ctx context.Context) (wire.Row, error) {
	for len(s.pending) == 0 {
		s.release()
		resp, err := s.d.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, nil
		}
		if err := s.ingest(resp); err != nil {
			s.d.conn.PutResponse(resp)
			return nil, err
		}
	}
	row := s.pending[0]
	s.pending = s.pending[1:]
	return row, nil
}

func (s *ResultStream) release() {
	if s.cur != nil {
		s.d.conn.PutResponse(s.cur)
		s.cur = nil
	}
	s.pending = nil
}

func (s *ResultStream) ingest(resp *wire.Command) error {
	switch resp.Tag {
	case wire.TagSuccess:
		chunks, err := wire.DecodeResults(resp.Payload)
		if err != nil {
			return err
		}
		var rows []wire.Row
		for _, blob := range chunks {
			chunk, err := wire.DecodeChunk(blob)
			if err != nil {
				return err
			}
			rows = append(rows, chunk.Rows...)
		}
		if len(rows) == 0 {
			// nothing to emit, hand the buffer straight back
			s.d.conn.PutResponse(resp)
			return nil
		}
		s.cur = resp
		s.pending = rows
		return nil
	case wire.TagCPUFallback:
		s.Fallbacks.Add(1)
		if s.fallback == nil {
			return fmt.Errorf("client: device requested fallback but none is configured")
		}
		blob, err := wire.DecodeFallback(resp.Payload)
		if err != nil {
			return err
		}
		chunk, err := wire.DecodeChunk(blob)
		if err != nil {
			return err
		}
		rows, err := s.fallback(chunk)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			s.d.conn.PutResponse(resp)
			return nil
		}
		s.cur = resp
		s.pending = rows
		return nil
	default:
		return fmt.Errorf("client: unexpected response %v", resp.Tag)
	}
}

// Close releases any buffered response. The underlying connection is
// left open; its owner closes it through the registry.
func (s *ResultStream) Close() {
	s.release()
}

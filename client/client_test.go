package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chazu/volta/expr"
	"github.com/chazu/volta/session"
	"github.com/chazu/volta/wire"
)

// deviceFunc maps one task command to its response, or nil to swallow
// the task.
type deviceFunc func(cmd *wire.Command) *wire.Command

// startDevice runs a scripted device service on a loopback listener.
// OpenSession is always acknowledged; every other command goes through
// handle.
func startDevice(t *testing.T, handle deviceFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer nc.Close()
				dec := wire.NewDecoder(nc)
				for {
					cmd, err := dec.Next()
					if err != nil {
						return
					}
					var resp *wire.Command
					if cmd.Tag == wire.TagOpenSession {
						resp = wire.EncodeResults()
					} else {
						resp = handle(cmd)
					}
					if resp != nil {
						if _, err := nc.Write(resp.Encode()); err != nil {
							return
						}
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func openSession(t *testing.T) *wire.Command {
	t.Helper()
	cmd, _, err := (&session.Builder{Timezone: "UTC"}).Build(0)
	if err != nil {
		t.Fatalf("build session: %v", err)
	}
	return cmd
}

func dialTest(t *testing.T, addr string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "tcp", addr, openSession(t))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// taggedTask builds a scan task whose single row carries one byte of
// identity, so responses can be matched back to their tasks.
func taggedTask(id byte) *wire.Command {
	chunk := &wire.DataChunk{
		Format: wire.FormatRow,
		NSlots: 1,
		Rows:   []wire.Row{{[]byte{id}}},
	}
	return wire.EncodeTask(wire.TagScanExec, chunk.Encode())
}

func echoDevice(cmd *wire.Command) *wire.Command {
	return wire.EncodeResults(cmd.Payload)
}

type sliceSource struct {
	cmds   []*wire.Command
	next   int
	onNext func()
}

func (s *sliceSource) NextTask() (*wire.Command, error) {
	if s.onNext != nil {
		s.onNext()
	}
	if s.next >= len(s.cmds) {
		return nil, nil
	}
	cmd := s.cmds[s.next]
	s.next++
	return cmd, nil
}

func TestDialHandshake(t *testing.T) {
	addr := startDevice(t, echoDevice)
	c := dialTest(t, addr)
	running, ready, devErr, term := c.queueState()
	if running != 0 || ready != 0 || devErr != nil || term != termNone {
		t.Fatalf("state after handshake = (%d, %d, %v, %v)", running, ready, devErr, term)
	}
}

func TestDialRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		dec := wire.NewDecoder(nc)
		if _, err := dec.Next(); err != nil {
			return
		}
		resp := wire.EncodeError(&wire.DeviceError{
			Errcode: wire.ErrcodeBadSession,
			Message: "no such plan",
		})
		nc.Write(resp.Encode())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, "tcp", ln.Addr().String(), openSession(t))
	var de *wire.DeviceError
	if !errors.As(err, &de) || de.Errcode != wire.ErrcodeBadSession {
		t.Fatalf("Dial() error = %v, want bad-session device error", err)
	}
}

func TestFetchFIFO(t *testing.T) {
	addr := startDevice(t, echoDevice)
	c := dialTest(t, addr)

	const n = 8
	tasks := make([]*wire.Command, n)
	for i := range tasks {
		tasks[i] = taggedTask(byte(i))
	}
	d := NewDispatcher(c, &sliceSource{cmds: tasks}, 4, nil)

	ctx := context.Background()
	for i := 0; i < n; i++ {
		resp, err := d.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", i, err)
		}
		chunks, err := wire.DecodeResults(resp.Payload)
		if err != nil {
			t.Fatalf("decode results: %v", err)
		}
		chunk, err := wire.DecodeChunk(chunks[0])
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if got := chunk.Rows[0][0][0]; got != byte(i) {
			t.Fatalf("response %d carries id %d, want %d", i, got, i)
		}
		c.PutResponse(resp)
	}
	resp, err := d.Fetch(ctx)
	if resp != nil || err != nil {
		t.Fatalf("Fetch() after drain = (%v, %v), want end of stream", resp, err)
	}
	if got := d.Stats.TasksSent.Load(); got != n {
		t.Errorf("TasksSent = %d, want %d", got, n)
	}
	if got := d.Stats.Responses.Load(); got != n {
		t.Errorf("Responses = %d, want %d", got, n)
	}
}

func TestDispatchBeforeDrain(t *testing.T) {
	addr := startDevice(t, echoDevice)
	c := dialTest(t, addr)

	// Park one response on the ready queue before the dispatcher runs.
	if err := c.Send(taggedTask(0x7F)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, ready, _, _ := c.queueState()
		if ready == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("response never reached the ready queue")
		}
		time.Sleep(time.Millisecond)
	}

	tasks := []*wire.Command{taggedTask(0), taggedTask(1)}
	d := NewDispatcher(c, &sliceSource{cmds: tasks}, 4, nil)

	// With capacity to spare, Fetch must refill the pipe before
	// handing back the waiting response.
	resp, err := d.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp == nil {
		t.Fatal("Fetch() returned no response with one ready")
	}
	c.PutResponse(resp)
	if got := d.Stats.TasksSent.Load(); got < 1 {
		t.Fatalf("TasksSent = %d after Fetch with a ready backlog, want >= 1", got)
	}
	for {
		resp, err := d.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if resp == nil {
			break
		}
		c.PutResponse(resp)
	}
}

func TestExhaustedSourceReturnsPromptly(t *testing.T) {
	addr := startDevice(t, echoDevice)
	c := dialTest(t, addr)
	d := NewDispatcher(c, &sliceSource{}, 2, nil)

	start := time.Now()
	resp, err := d.Fetch(context.Background())
	if resp != nil || err != nil {
		t.Fatalf("Fetch() on empty source = (%v, %v), want end of stream", resp, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("end-of-stream Fetch took %v", elapsed)
	}
	if got := d.Stats.Waits.Load(); got != 0 {
		t.Fatalf("Waits = %d on an empty source, want 0", got)
	}
}

func TestSendBuffers(t *testing.T) {
	addr := startDevice(t, echoDevice)
	c := dialTest(t, addr)

	chunk := (&wire.DataChunk{
		Format: wire.FormatRow,
		NSlots: 1,
		Rows:   []wire.Row{{[]byte{9}}},
	}).Encode()
	if err := c.SendBuffers(wire.TagScanExec, chunk[:3], chunk[3:]); err != nil {
		t.Fatalf("SendBuffers() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.waitResponse(ctx)
	if err != nil {
		t.Fatalf("waitResponse() error = %v", err)
	}
	defer c.PutResponse(resp)
	chunks, err := wire.DecodeResults(resp.Payload)
	if err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(chunks) != 1 || !bytes.Equal(chunks[0], chunk) {
		t.Fatalf("echoed payload does not match the scattered segments")
	}
}

func TestAdmissionBound(t *testing.T) {
	addr := startDevice(t, func(cmd *wire.Command) *wire.Command {
		time.Sleep(5 * time.Millisecond)
		return echoDevice(cmd)
	})
	c := dialTest(t, addr)

	const limit = 2
	tasks := make([]*wire.Command, 6)
	for i := range tasks {
		tasks[i] = taggedTask(byte(i))
	}
	src := &sliceSource{cmds: tasks}
	src.onNext = func() {
		running, ready, _, _ := c.queueState()
		if running+ready >= limit {
			t.Errorf("admission violated: running=%d ready=%d cap=%d", running, ready, limit)
		}
	}
	d := NewDispatcher(c, src, limit, nil)

	ctx := context.Background()
	var got int
	for {
		resp, err := d.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if resp == nil {
			break
		}
		got++
		c.PutResponse(resp)
	}
	if got != len(tasks) {
		t.Fatalf("received %d responses, want %d", got, len(tasks))
	}
}

func TestStickyError(t *testing.T) {
	var served atomic.Uint32
	addr := startDevice(t, func(cmd *wire.Command) *wire.Command {
		n := served.Add(1)
		if n == 1 {
			return wire.EncodeError(&wire.DeviceError{
				Errcode: 42,
				Message: "first failure",
			})
		}
		if n == 2 {
			return wire.EncodeError(&wire.DeviceError{
				Errcode: wire.ErrcodeDeviceFatal,
				Message: "second failure",
			})
		}
		return echoDevice(cmd)
	})
	c := dialTest(t, addr)

	tasks := []*wire.Command{taggedTask(0), taggedTask(1)}
	d := NewDispatcher(c, &sliceSource{cmds: tasks}, 4, nil)

	ctx := context.Background()
	_, err := d.Fetch(ctx)
	var de *wire.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("Fetch() error = %v, want device error", err)
	}
	if de.Errcode != 42 || de.Message != "first failure" {
		t.Fatalf("reported error = %+v, want errcode 42 from the first failure", de)
	}
	// The error stays sticky over later fetches, even after a second
	// error response arrived in between.
	for i := 0; i < 3; i++ {
		_, err = d.Fetch(ctx)
		var again *wire.DeviceError
		if !errors.As(err, &again) || again != de {
			t.Fatalf("Fetch() error = %v, want the recorded first error", err)
		}
	}
}

func TestFinalTaskOnce(t *testing.T) {
	addr := startDevice(t, echoDevice)
	c := dialTest(t, addr)

	var finals atomic.Uint32
	final := func() *wire.Command {
		finals.Add(1)
		return taggedTask(0xFF)
	}
	tasks := []*wire.Command{taggedTask(0), taggedTask(1)}
	d := NewDispatcher(c, &sliceSource{cmds: tasks}, 4, final)

	ctx := context.Background()
	var ids []byte
	for {
		resp, err := d.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if resp == nil {
			break
		}
		chunks, _ := wire.DecodeResults(resp.Payload)
		chunk, _ := wire.DecodeChunk(chunks[0])
		ids = append(ids, chunk.Rows[0][0][0])
		c.PutResponse(resp)
	}
	if finals.Load() != 1 {
		t.Fatalf("final task built %d times, want once", finals.Load())
	}
	if len(ids) != 3 || ids[len(ids)-1] != 0xFF {
		t.Fatalf("response ids = %v, want terminal response last", ids)
	}
}

func TestCloseUnblocksFetch(t *testing.T) {
	addr := startDevice(t, func(cmd *wire.Command) *wire.Command {
		return nil // never answer
	})
	c := dialTest(t, addr)

	d := NewDispatcher(c, &sliceSource{cmds: []*wire.Command{taggedTask(0)}}, 2, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := d.Fetch(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("Fetch() = nil error after close, want failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Fetch() still blocked after Close()")
	}
}

func TestFetchContextCancel(t *testing.T) {
	addr := startDevice(t, func(cmd *wire.Command) *wire.Command {
		return nil // never answer
	})
	c := dialTest(t, addr)

	d := NewDispatcher(c, &sliceSource{cmds: []*wire.Command{taggedTask(0)}}, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Fetch(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Fetch() error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Fetch() ignored cancellation")
	}
}

func TestResultStreamRows(t *testing.T) {
	addr := startDevice(t, echoDevice)
	c := dialTest(t, addr)

	tasks := []*wire.Command{taggedTask(1), taggedTask(2), taggedTask(3)}
	d := NewDispatcher(c, &sliceSource{cmds: tasks}, 4, nil)
	s := NewResultStream(d, nil)
	defer s.Close()

	ctx := context.Background()
	var got []byte
	for {
		row, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if row == nil {
			break
		}
		got = append(got, row[0][0])
	}
	if string(got) != "\x01\x02\x03" {
		t.Fatalf("rows = %v, want [1 2 3]", got)
	}
}

func TestResultStreamSkipsEmptySuccess(t *testing.T) {
	var served atomic.Uint32
	addr := startDevice(t, func(cmd *wire.Command) *wire.Command {
		if served.Add(1) == 1 {
			return wire.EncodeResults() // filtered everything out
		}
		return echoDevice(cmd)
	})
	c := dialTest(t, addr)

	tasks := []*wire.Command{taggedTask(9), taggedTask(5)}
	d := NewDispatcher(c, &sliceSource{cmds: tasks}, 2, nil)
	s := NewResultStream(d, nil)
	defer s.Close()

	ctx := context.Background()
	var got []byte
	for {
		row, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if row == nil {
			break
		}
		got = append(got, row[0][0])
	}
	if len(got) != 1 {
		t.Fatalf("rows = %v, want exactly one surviving row", got)
	}
}

func TestResultStreamFallback(t *testing.T) {
	addr := startDevice(t, func(cmd *wire.Command) *wire.Command {
		return wire.EncodeFallback(cmd.Payload)
	})
	c := dialTest(t, addr)

	// Host-side re-evaluation drops rows whose first slot is null.
	fallback := func(chunk *wire.DataChunk) ([]wire.Row, error) {
		var keep []wire.Row
		for _, row := range chunk.Rows {
			if row[0] != nil {
				keep = append(keep, row)
			}
		}
		return keep, nil
	}

	chunk := &wire.DataChunk{
		Format: wire.FormatRow,
		NSlots: 1,
		Rows:   []wire.Row{{[]byte{7}}, {nil}, {[]byte{8}}},
	}
	task := wire.EncodeTask(wire.TagScanExec, chunk.Encode())
	d := NewDispatcher(c, &sliceSource{cmds: []*wire.Command{task}}, 2, nil)
	s := NewResultStream(d, fallback)
	defer s.Close()

	ctx := context.Background()
	var got []byte
	for {
		row, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if row == nil {
			break
		}
		got = append(got, row[0][0])
	}
	if string(got) != "\x07\x08" {
		t.Fatalf("rows = %v, want [7 8]", got)
	}
	if s.Fallbacks.Load() != 1 {
		t.Fatalf("Fallbacks = %d, want 1", s.Fallbacks.Load())
	}
}

func TestRegistryCloseAll(t *testing.T) {
	addr := startDevice(t, echoDevice)
	r := NewRegistry()
	c1 := dialTest(t, addr)
	c2 := dialTest(t, addr)
	r.Add(c1)
	r.Add(c2)
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	r.CloseAll()
	if r.Len() != 0 {
		t.Fatalf("Len() after CloseAll = %d, want 0", r.Len())
	}
	if err := c1.Send(taggedTask(0)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send() after close = %v, want ErrConnClosed", err)
	}
}

var _ expr.ParamSource = (*session.Session)(nil)

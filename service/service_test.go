package service

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/volta/client"
	"github.com/chazu/volta/expr"
	"github.com/chazu/volta/session"
	"github.com/chazu/volta/wire"
)

func startServer(t *testing.T, opts ...Option) (string, *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(opts...)
	go s.Serve(ln)
	t.Cleanup(func() { s.Close() })
	return ln.Addr().String(), s
}

func int4Bytes(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// scanBuilder compiles "slot 0 IS NOT NULL AND param 0" as the scan
// predicate over a single-parameter session.
func scanBuilder(t *testing.T, paramTrue bool) *session.Builder {
	t.Helper()
	quals := expr.And(
		expr.NullTest(expr.OpNullTestIsNotNull, expr.Var(expr.TypeInt4, 0)),
		expr.Param(expr.TypeBool, 0),
	)
	var pv byte
	if paramTrue {
		pv = 1
	}
	return &session.Builder{
		NParams: 1,
		Used:    []session.DeclaredParam{{ID: 0, Type: expr.TypeBool}},
		Resolve: func(id uint32) (session.ParamValue, error) {
			return session.ParamValue{Type: expr.TypeBool, Value: []byte{pv}}, nil
		},
		Bytecode: map[session.Stage][]byte{session.StageScanQuals: quals},
		Timezone: "UTC",
	}
}

type chunkSource struct {
	chunks []*wire.DataChunk
	next   int
}

func (s *chunkSource) NextTask() (*wire.Command, error) {
	if s.next >= len(s.chunks) {
		return nil, nil
	}
	c := s.chunks[s.next]
	s.next++
	return wire.EncodeTask(wire.TagScanExec, c.Encode()), nil
}

func runScan(t *testing.T, addr string, b *session.Builder, chunks []*wire.DataChunk, final client.FinalChunkFunc) ([]wire.Row, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := client.DialSession(ctx, "tcp", addr, b, 0)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	d := client.NewDispatcher(conn, &chunkSource{chunks: chunks}, 4, final)
	stream := client.NewResultStream(d, nil)
	defer stream.Close()

	var rows []wire.Row
	for {
		row, err := stream.Next(ctx)
		if err != nil {
			return rows, err
		}
		if row == nil {
			return rows, nil
		}
		// copy out; the row aliases the response buffer
		kept := make(wire.Row, len(row))
		for i, v := range row {
			if v != nil {
				kept[i] = append([]byte(nil), v...)
			}
		}
		rows = append(rows, kept)
	}
}

func TestScanHappyPath(t *testing.T) {
	addr, _ := startServer(t)
	chunks := []*wire.DataChunk{
		{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{
			{int4Bytes(1)}, {nil}, {int4Bytes(2)},
		}},
		{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{
			{nil}, {nil},
		}},
		{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{
			{int4Bytes(3)},
		}},
	}
	rows, err := runScan(t, addr, scanBuilder(t, true), chunks, nil)
	if err != nil {
		t.Fatalf("scan error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []int32{1, 2, 3} {
		if got := int32(binary.LittleEndian.Uint32(rows[i][0])); got != want {
			t.Errorf("row %d = %d, want %d", i, got, want)
		}
	}
}

func TestScanFalseParamFiltersAll(t *testing.T) {
	addr, _ := startServer(t)
	chunks := []*wire.DataChunk{
		{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{
			{int4Bytes(1)}, {int4Bytes(2)},
		}},
	}
	rows, err := runScan(t, addr, scanBuilder(t, false), chunks, nil)
	if err != nil {
		t.Fatalf("scan error = %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows, want 0", len(rows))
	}
}

func TestScanWithFinalTask(t *testing.T) {
	addr, _ := startServer(t)
	chunks := []*wire.DataChunk{
		{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{{int4Bytes(1)}}},
	}
	final := func() *wire.Command {
		return wire.EncodeTask(wire.TagFinalExec, nil)
	}
	rows, err := runScan(t, addr, scanBuilder(t, true), chunks, final)
	if err != nil {
		t.Fatalf("scan error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
}

func TestBadSessionRejected(t *testing.T) {
	addr, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	open := &wire.Command{Tag: wire.TagOpenSession, Payload: []byte("garbage")}
	_, err := client.Dial(ctx, "tcp", addr, open)
	var de *wire.DeviceError
	if !errors.As(err, &de) || de.Errcode != wire.ErrcodeBadSession {
		t.Fatalf("Dial() error = %v, want bad-session device error", err)
	}
}

func TestCorruptedBytecodeRejectedAtOpen(t *testing.T) {
	addr, _ := startServer(t)
	b := &session.Builder{
		Bytecode: map[session.Stage][]byte{
			session.StageScanQuals: []byte{0xde, 0xad},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := client.DialSession(ctx, "tcp", addr, b, 0)
	var de *wire.DeviceError
	if !errors.As(err, &de) || de.Errcode != wire.ErrcodeCorruptedProgram {
		t.Fatalf("DialSession() error = %v, want corrupted-program device error", err)
	}
}

func TestUnsupportedValueFallsBack(t *testing.T) {
	addr, _ := startServer(t)
	// Three bytes cannot be referenced as int4; the device must bounce
	// the whole chunk back rather than guess.
	chunks := []*wire.DataChunk{
		{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{
			{[]byte{1, 2, 3}},
		}},
	}
	_, err := runScan(t, addr, scanBuilder(t, true), chunks, nil)
	if err == nil {
		t.Fatal("scan succeeded, want fallback rejection")
	}
	// runScan configures no fallback hook, so the stream fails with the
	// configuration error rather than silently dropping the chunk.
	var de *wire.DeviceError
	if errors.As(err, &de) {
		t.Fatalf("scan error = %v, want host-side error, not a device error", err)
	}
}

func TestExecutorStats(t *testing.T) {
	b := scanBuilder(t, true)
	_, sess, err := b.Build(0)
	if err != nil {
		t.Fatalf("build session: %v", err)
	}
	exec, devErr := NewExecutor(sess)
	if devErr != nil {
		t.Fatalf("NewExecutor() error = %v", devErr)
	}
	chunk := &wire.DataChunk{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{
		{int4Bytes(1)}, {nil}, {int4Bytes(2)},
	}}
	resp := exec.RunTask(wire.EncodeTask(wire.TagScanExec, chunk.Encode()))
	if resp.Tag != wire.TagSuccess {
		t.Fatalf("RunTask() tag = %v, want Success", resp.Tag)
	}
	stats := exec.Stats()
	if stats.Tasks != 1 || stats.RowsIn != 3 || stats.RowsOut != 2 {
		t.Fatalf("stats = %+v, want 1 task, 3 in, 2 out", stats)
	}
}

func TestRunTaskUndecodableChunk(t *testing.T) {
	_, sess, err := scanBuilder(t, true).Build(0)
	if err != nil {
		t.Fatalf("build session: %v", err)
	}
	exec, devErr := NewExecutor(sess)
	if devErr != nil {
		t.Fatalf("NewExecutor() error = %v", devErr)
	}
	resp := exec.RunTask(&wire.Command{Tag: wire.TagScanExec, Payload: []byte{1}})
	if resp.Tag != wire.TagError {
		t.Fatalf("RunTask() tag = %v, want Error", resp.Tag)
	}
	de, err := wire.DecodeError(resp.Payload)
	if err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if de.Errcode != wire.ErrcodeDeviceInternal {
		t.Fatalf("errcode = %d, want device-internal", de.Errcode)
	}
	if de.Filename == "" || de.Lineno == 0 || de.Funcname == "" {
		t.Fatalf("error lacks provenance: %+v", de)
	}
}

func TestSessionPoisonedAfterError(t *testing.T) {
	addr, _ := startServer(t)
	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(5 * time.Second))

	open, _, err := (&session.Builder{Timezone: "UTC"}).Build(0)
	if err != nil {
		t.Fatalf("build session: %v", err)
	}
	if _, err := nc.Write(open.Encode()); err != nil {
		t.Fatalf("write open: %v", err)
	}
	dec := wire.NewDecoder(nc)
	ack, err := dec.Next()
	if err != nil || ack.Tag != wire.TagSuccess {
		t.Fatalf("open ack = (%v, %v), want Success", ack, err)
	}

	bad := &wire.Command{Tag: wire.TagScanExec, Payload: []byte{0xff}}
	if _, err := nc.Write(bad.Encode()); err != nil {
		t.Fatalf("write task: %v", err)
	}
	resp, err := dec.Next()
	if err != nil || resp.Tag != wire.TagError {
		t.Fatalf("bad task reply = (%v, %v), want Error", resp, err)
	}

	// The error ends the session; further tasks get no service.
	if _, err := nc.Write(bad.Encode()); err == nil {
		if _, err := dec.Next(); err == nil {
			t.Fatal("server kept serving tasks after an error reply")
		}
	}
}

func TestTaskLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	tl, err := OpenTaskLog(path)
	if err != nil {
		t.Fatalf("OpenTaskLog() error = %v", err)
	}
	defer tl.Close()

	if err := tl.Record(77, ExecStats{Tasks: 2, RowsIn: 10, RowsOut: 4, Fallbacks: 1}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := tl.Record(77, ExecStats{Tasks: 1, RowsIn: 5, RowsOut: 5}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	got, err := tl.SessionTotals(77)
	if err != nil {
		t.Fatalf("SessionTotals() error = %v", err)
	}
	want := ExecStats{Tasks: 3, RowsIn: 15, RowsOut: 9, Fallbacks: 1}
	if got != want {
		t.Fatalf("SessionTotals() = %+v, want %+v", got, want)
	}
	if other, err := tl.SessionTotals(1); err != nil || other != (ExecStats{}) {
		t.Fatalf("SessionTotals(1) = (%+v, %v), want zero totals", other, err)
	}
}

func TestTaskLogRecordedOnSessionEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	tl, err := OpenTaskLog(path)
	if err != nil {
		t.Fatalf("OpenTaskLog() error = %v", err)
	}
	defer tl.Close()

	addr, _ := startServer(t, WithTaskLog(tl))
	b := scanBuilder(t, true)
	chunks := []*wire.DataChunk{
		{Format: wire.FormatRow, NSlots: 1, Rows: []wire.Row{{int4Bytes(1)}, {nil}}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, sess, err := client.DialSession(ctx, "tcp", addr, b, 0)
	if err != nil {
		t.Fatalf("DialSession() error = %v", err)
	}
	d := client.NewDispatcher(conn, &chunkSource{chunks: chunks}, 2, nil)
	for {
		resp, err := d.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if resp == nil {
			break
		}
		conn.PutResponse(resp)
	}
	conn.Close()

	// The record lands after the server notices the hangup.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := tl.SessionTotals(sess.PlanID)
		if err != nil {
			t.Fatalf("SessionTotals() error = %v", err)
		}
		if got.Tasks == 1 && got.RowsIn == 2 && got.RowsOut == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("totals = %+v, want 1 task, 2 in, 1 out", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

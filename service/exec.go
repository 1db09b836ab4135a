// Package service implements the device side of the offload protocol: a
// socket server that accepts one session per client connection,
// evaluates task chunks against the session's compiled expressions, and
// streams results, fallbacks, or structured errors back.
package service

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/chazu/volta/expr"
	"github.com/chazu/volta/session"
	"github.com/chazu/volta/wire"
)

// raiseError builds a DeviceError carrying the provenance of its caller.
func raiseError(code int32, format string, args ...any) *wire.DeviceError {
	e := &wire.DeviceError{
		Errcode: code,
		Message: fmt.Sprintf(format, args...),
	}
	if pc, file, line, ok := runtime.Caller(1); ok {
		e.Filename = filepath.Base(file)
		e.Lineno = int32(line)
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Funcname = filepath.Base(fn.Name())
		}
	}
	return e
}

// ExecStats accumulates per-session task totals. The executor runs on a
// single goroutine per client, so plain counters suffice.
type ExecStats struct {
	Tasks     uint64
	RowsIn    uint64
	RowsOut   uint64
	Fallbacks uint64
}

// Executor evaluates task chunks under one session.
type Executor struct {
	sess  *session.Session
	stats ExecStats
}

// NewExecutor validates the session's bytecode blobs up front so a
// corrupted program is rejected at open time, not row by row.
func NewExecutor(sess *session.Session) (*Executor, *wire.DeviceError) {
	for _, stage := range []session.Stage{
		session.StageScanQuals, session.StageJoinQuals, session.StageProjection,
	} {
		blob := sess.Bytecode(stage)
		if len(blob) == 0 {
			continue
		}
		if _, err := expr.Open(blob); err != nil {
			return nil, raiseError(wire.ErrcodeCorruptedProgram,
				"%v bytecode rejected: %s", stage, err.Error())
		}
	}
	return &Executor{sess: sess}, nil
}

// Stats returns the totals accumulated so far.
func (e *Executor) Stats() ExecStats {
	return e.stats
}

// rowView adapts one chunk row to expression variable lookup.
type rowView wire.Row

func (r rowView) Slot(i int) []byte {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}

// stageFor maps a task tag to the bytecode stage it evaluates.
func stageFor(tag wire.Tag) session.Stage {
	switch tag {
	case wire.TagJoinExec:
		return session.StageJoinQuals
	case wire.TagGroupByExec:
		return session.StageHashKeys
	default:
		return session.StageScanQuals
	}
}

// RunTask evaluates one task command and builds its response. The
// response is always one of Success, CPUFallback, or Error; the task
// never goes unanswered.
func (e *Executor) RunTask(cmd *wire.Command) *wire.Command {
	e.stats.Tasks++

	if cmd.Tag == wire.TagFinalExec {
		// Terminal request. With no partial aggregation state held on
		// this side, it acknowledges end of stream.
		return wire.EncodeResults()
	}

	chunk, err := wire.DecodeChunk(cmd.Payload)
	if err != nil {
		return wire.EncodeError(raiseError(wire.ErrcodeDeviceInternal,
			"undecodable %v chunk: %s", cmd.Tag, err.Error()))
	}
	e.stats.RowsIn += uint64(len(chunk.Rows))

	blob := e.sess.Bytecode(stageFor(cmd.Tag))
	keep := make([]wire.Row, 0, len(chunk.Rows))
	for _, row := range chunk.Rows {
		ctx := expr.Context{Params: e.sess, Row: rowView(row)}
		d, err := expr.EvalBlob(blob, &ctx)
		if err != nil {
			if errors.Is(err, expr.ErrNotSupported) {
				// Hand the whole chunk back for host re-evaluation so
				// the result never mixes device and host verdicts.
				e.stats.Fallbacks++
				return wire.EncodeFallback(cmd.Payload)
			}
			return wire.EncodeError(raiseError(wire.ErrcodeCorruptedProgram,
				"evaluation failed: %s", err.Error()))
		}
		if !d.Null && d.Bool() {
			keep = append(keep, row)
		}
	}
	e.stats.RowsOut += uint64(len(keep))
	if len(keep) == 0 {
		return wire.EncodeResults()
	}
	out := wire.DataChunk{
		Format: chunk.Format,
		NSlots: chunk.NSlots,
		Rows:   keep,
	}
	return wire.EncodeResults(out.Encode())
}

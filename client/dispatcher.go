package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chazu/volta/wire"
)

// TaskSource produces the task commands of one query, in order. It
// returns (nil, nil) once the underlying scan is exhausted.
type TaskSource interface {
	NextTask() (*wire.Command, error)
}

// FinalChunkFunc builds the terminal task injected exactly once after
// the source is exhausted, typically carrying the right-outer or final
// aggregation request. A nil func means no terminal task is needed.
type FinalChunkFunc func() *wire.Command

// Stats counts dispatcher activity. All fields are updated atomically
// and may be read while the query runs.
type Stats struct {
	TasksSent atomic.Uint64
	Responses atomic.Uint64
	Waits     atomic.Uint64
}

// Dispatcher keeps a bounded number of tasks in flight on one
// connection and hands responses back in arrival order. It is used by a
// single consumer goroutine; only the connection's receiver runs
// concurrently with it.
type Dispatcher struct {
	conn    *Conn
	source  TaskSource
	final   FinalChunkFunc
	maxJobs int

	scanDone  bool
	finalSent bool

	Stats Stats
}

// NewDispatcher wires a task source to a connection. maxAsyncTasks
// bounds running plus ready tasks; values below 2 are raised to 2 so
// the half-capacity pacing rule stays meaningful.
func NewDispatcher(conn *Conn, source TaskSource, maxAsyncTasks int, final FinalChunkFunc) *Dispatcher {
	if maxAsyncTasks < 2 {
		maxAsyncTasks = 2
	}
	return &Dispatcher{
		conn:    conn,
		source:  source,
		final:   final,
		maxJobs: maxAsyncTasks,
	}
}

// admit reports whether another task may be sent: total in-flight work
// must stay under the cap, and once responses are already waiting, new
// sends are paced down to half capacity so consumption keeps up.
func (d *Dispatcher) admit(running, ready int) bool {
	return running+ready < d.maxJobs && (ready == 0 || running < d.maxJobs/2)
}

// Fetch returns the next response, sending new tasks as capacity
// allows. It returns (nil, nil) at end of stream. Once the connection
// records a device error, every subsequent Fetch returns that same
// error. The caller must release each response with conn.PutResponse.
func (d *Dispatcher) Fetch(ctx context.Context) (*wire.Command, error) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for {
		running, ready, devErr, term := d.conn.queueState()
		if devErr != nil {
			return nil, devErr
		}
		// Sending comes before draining so the pipe is refilled even
		// while responses are already waiting.
		if d.taskPending() && term == termNone && d.admit(running, ready) {
			if err := d.sendNext(); err != nil {
				return nil, err
			}
			// A no-send round still flipped a state flag (source ran
			// dry, or the terminal task was declined), so re-evaluate
			// right away instead of sleeping on it.
			continue
		}
		if resp := d.conn.popReady(); resp != nil {
			d.Stats.Responses.Add(1)
			return resp, nil
		}
		if !d.taskPending() && running == 0 {
			return nil, nil
		}
		if term != termNone {
			// The device hung up with work still owed.
			return nil, ErrConnLost
		}

		d.Stats.Waits.Add(1)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Second)
		select {
		case <-d.conn.wake:
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.conn.done:
			// re-check state; the receiver may have queued a final
			// response just before exiting
		}
	}
}

// taskPending reports whether the dispatcher still has tasks to send.
func (d *Dispatcher) taskPending() bool {
	return !d.scanDone || (d.final != nil && !d.finalSent)
}

// sendNext emits one task: the next source chunk, or the terminal task
// once the source is exhausted. A nil return with nothing sent means
// the source just ran dry this round.
func (d *Dispatcher) sendNext() error {
	if !d.scanDone {
		task, err := d.source.NextTask()
		if err != nil {
			return err
		}
		if task == nil {
			d.scanDone = true
			return nil
		}
		if err := d.conn.SendBuffers(task.Tag, task.Payload); err != nil {
			return err
		}
		d.Stats.TasksSent.Add(1)
		return nil
	}
	if d.final != nil && !d.finalSent {
		d.finalSent = true
		task := d.final()
		if task == nil {
			return nil
		}
		if err := d.conn.SendBuffers(task.Tag, task.Payload); err != nil {
			return err
		}
		d.Stats.TasksSent.Add(1)
		return nil
	}
	return nil
}

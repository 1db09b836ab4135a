// Package client implements the host side of the offload protocol: the
// per-query device connection with its receiver goroutine, the registry
// tracking every connection of an execution scope, the dispatcher that
// keeps a bounded number of tasks in flight, and the result stream that
// turns responses back into rows.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/volta/session"
	"github.com/chazu/volta/wire"
)

var (
	// ErrConnClosed is returned when an operation runs against a
	// connection that already finished its shutdown.
	ErrConnClosed = errors.New("client: connection closed")

	// ErrConnLost is returned when the device hung up or the link broke
	// before the query finished.
	ErrConnLost = errors.New("client: connection lost")
)

type termState int

const (
	termNone termState = iota
	termNormal
	termError
)

// Conn is one device connection serving one query execution. All
// queue and counter state is guarded by mu; the receiver goroutine is
// the only reader of the socket, callers the only writers.
type Conn struct {
	nc  net.Conn
	log commonlog.Logger

	wmu sync.Mutex // serializes socket writes

	mu         sync.Mutex
	closed     bool             // Close was called
	numRunning int              // tasks sent, response not yet received
	readyQ     []*wire.Command  // responses awaiting pickup, FIFO
	activeQ    map[*wire.Command]struct{} // responses picked up, not yet released
	devErr     *wire.DeviceError
	term       termState

	wake chan struct{} // capacity 1, nudges waiters after state changes
	done chan struct{} // closed when the receiver goroutine exits

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a device service and completes the session handshake.
// The returned connection owns a running receiver goroutine; Close must
// be called exactly once, even after errors.
func Dial(ctx context.Context, network, addr string, open *wire.Command) (*Conn, error) {
	if open == nil || open.Tag != wire.TagOpenSession {
		return nil, fmt.Errorf("client: dial requires an open-session command")
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Conn{
		nc:      nc,
		log:     commonlog.GetLogger("client"),
		activeQ: make(map[*wire.Command]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.receiver()

	if err := c.Send(open); err != nil {
		c.Close()
		return nil, err
	}
	resp, err := c.waitResponse(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.PutResponse(resp)
	if resp.Tag != wire.TagSuccess {
		c.Close()
		return nil, fmt.Errorf("client: session rejected with %v", resp.Tag)
	}
	return c, nil
}

// receiver reads responses off the socket until it fails or is closed.
// Task responses are queued FIFO; the first error response ever seen is
// recorded and kept, later ones only decrement the running count.
func (c *Conn) receiver() {
	defer close(c.done)
	dec := wire.NewDecoder(c.nc)
	for {
		cmd, err := dec.Next()
		if err != nil {
			c.mu.Lock()
			if c.term == termNone {
				if err == io.EOF || c.closed {
					c.term = termNormal
				} else {
					c.term = termError
					if c.devErr == nil {
						c.devErr = &wire.DeviceError{
							Errcode: wire.ErrcodeDeviceFatal,
							Message: err.Error(),
						}
					}
					c.log.Errorf("receiver stopped: %s", err.Error())
				}
			}
			c.mu.Unlock()
			c.notify()
			return
		}
		c.mu.Lock()
		c.numRunning--
		if cmd.Tag == wire.TagError {
			if c.devErr == nil {
				if de, err := wire.DecodeError(cmd.Payload); err == nil {
					c.devErr = de
				} else {
					c.devErr = &wire.DeviceError{
						Errcode: wire.ErrcodeDeviceInternal,
						Message: "undecodable error response",
					}
				}
			}
		} else {
			c.readyQ = append(c.readyQ, cmd)
		}
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Conn) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// admitSend counts one outgoing command as running. The count is raised
// before the write so a response racing in over a fast link can never
// drive it negative.
func (c *Conn) admitSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.term == termNormal {
		return ErrConnClosed
	}
	if c.term == termError {
		return ErrConnLost
	}
	c.numRunning++
	return nil
}

// Send transmits one task command and counts it as running.
func (c *Conn) Send(cmd *wire.Command) error {
	buf := cmd.Encode()
	if err := c.admitSend(); err != nil {
		return err
	}

	c.wmu.Lock()
	_, werr := c.nc.Write(buf)
	c.wmu.Unlock()
	if werr != nil {
		return fmt.Errorf("client: send %v: %w", cmd.Tag, werr)
	}
	return nil
}

// SendBuffers transmits a task whose payload is already split into
// segments, writing header and segments in one vectored call without
// assembling a contiguous copy.
func (c *Conn) SendBuffers(tag wire.Tag, segs ...[]byte) error {
	var total int
	for _, s := range segs {
		total += len(s)
	}
	hdr := wire.EncodeHeader(tag, total)
	bufs := make(net.Buffers, 0, len(segs)+1)
	bufs = append(bufs, hdr)
	bufs = append(bufs, segs...)

	if err := c.admitSend(); err != nil {
		return err
	}

	c.wmu.Lock()
	_, werr := bufs.WriteTo(c.nc)
	c.wmu.Unlock()
	if werr != nil {
		return fmt.Errorf("client: send %v: %w", tag, werr)
	}
	return nil
}

// waitResponse blocks until a response is available, the connection
// fails, or ctx is cancelled. Waits are bounded so a stuck device never
// wedges the caller forever without a state re-check.
func (c *Conn) waitResponse(ctx context.Context) (*wire.Command, error) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if len(c.readyQ) > 0 {
			cmd := c.readyQ[0]
			c.readyQ = c.readyQ[1:]
			c.activeQ[cmd] = struct{}{}
			c.mu.Unlock()
			return cmd, nil
		}
		if c.devErr != nil {
			err := c.devErr
			c.mu.Unlock()
			return nil, err
		}
		if c.term != termNone {
			c.mu.Unlock()
			return nil, ErrConnLost
		}
		c.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Second)
		select {
		case <-c.wake:
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			// loop once more to drain anything the receiver queued last
		}
	}
}

// PutResponse releases a response previously handed out, returning its
// buffer to the connection's accounting.
func (c *Conn) PutResponse(cmd *wire.Command) {
	c.mu.Lock()
	delete(c.activeQ, cmd)
	c.mu.Unlock()
}

// DeviceError returns the sticky error recorded for this connection, or
// nil. Only the first error a query hits is ever reported.
func (c *Conn) DeviceError() *wire.DeviceError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devErr
}

// queueState snapshots the counters the dispatcher's admission decision
// is based on.
func (c *Conn) queueState() (running, ready int, devErr *wire.DeviceError, term termState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numRunning, len(c.readyQ), c.devErr, c.term
}

func (c *Conn) popReady() *wire.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readyQ) == 0 {
		return nil
	}
	cmd := c.readyQ[0]
	c.readyQ = c.readyQ[1:]
	c.activeQ[cmd] = struct{}{}
	return cmd
}

// Close tears the connection down: the socket is closed first, which
// unblocks the receiver, then the receiver is joined, then both queues
// are drained. Safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.nc.Close()
		<-c.done
		c.mu.Lock()
		if c.term == termNone {
			c.term = termNormal
		}
		c.readyQ = nil
		c.activeQ = map[*wire.Command]struct{}{}
		c.mu.Unlock()
		c.notify()
	})
	return c.closeErr
}

// DialSession builds the session descriptor and opens a connection with
// it in one step.
func DialSession(ctx context.Context, network, addr string, b *session.Builder, joinInnerHandle uint32) (*Conn, *session.Session, error) {
	cmd, sess, err := b.Build(joinInnerHandle)
	if err != nil {
		return nil, nil, err
	}
	c, err := Dial(ctx, network, addr, cmd)
	if err != nil {
		return nil, nil, err
	}
	return c, sess, nil
}

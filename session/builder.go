package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/chazu/volta/expr"
	"github.com/chazu/volta/wire"
)

// Parameter-resolution failures. Both indicate the plan and the execution
// context disagree; the session is never partially built.
var (
	ErrUnresolvedParameter = errors.New("session: parameter not resolved")
	ErrParamTypeMismatch   = errors.New("session: parameter type differs from plan time")
)

// DeclaredParam records a parameter referenced by the compiled
// expressions, with the type fixed at plan time. TypeInvalid declares a
// variable-length parameter.
type DeclaredParam struct {
	ID   uint32
	Type expr.TypeCode
}

// ParamValue is one resolved parameter. Value carries the raw fixed-width
// bytes, or the canonical external form for variable-length types; it is
// ignored when Null is set.
type ParamValue struct {
	Type  expr.TypeCode
	Null  bool
	Value []byte
}

// ParamResolver produces the value of a parameter at build time. Lazily
// computed plan parameters are evaluated here, before serialization, so
// the descriptor never ships an unresolved reference.
type ParamResolver func(id uint32) (ParamValue, error)

// planSeq feeds NextPlanID.
var planSeq atomic.Uint32

// NextPlanID returns a plan id unique across concurrent host processes:
// the process id in the high half, a process-local counter in the low.
func NextPlanID() uint64 {
	return uint64(os.Getpid())<<32 | uint64(planSeq.Add(1))
}

// Builder assembles a Session descriptor. Populate the fields, then call
// Build once; the builder itself is not reusable state, just input.
type Builder struct {
	NParams   uint32          // declared parameter count of the plan
	Used      []DeclaredParam // parameters the compiled expressions reference
	Resolve   ParamResolver
	Bytecode  map[Stage][]byte
	SlotItems []SlotItem
	Snapshot  *Snapshot
	Timezone  string
	Encoding  Encoding
	XactStart time.Time

	ExtraBufSize uint32
	PortNumber   uint32
	Debug        bool
}

// Build serializes the descriptor into one OpenSession Command and the
// decoded Session view of the same bytes. No partial buffer is ever
// exposed: any failure returns before a Command exists.
func (b *Builder) Build(joinInnerHandle uint32) (*wire.Command, *Session, error) {
	headerSize := fixedHeaderSize + 4*int(b.NParams)
	buf := make([]byte, headerSize, headerSize+256)

	appendValue := func(v []byte) uint32 {
		off := uint32(len(buf))
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
		buf = append(buf, n[:]...)
		buf = append(buf, v...)
		return off
	}

	paramOffsets := make([]uint32, b.NParams)
	for _, decl := range b.Used {
		if decl.ID >= b.NParams {
			return nil, nil, fmt.Errorf("%w: parameter %d beyond declared count %d",
				ErrUnresolvedParameter, decl.ID, b.NParams)
		}
		if b.Resolve == nil {
			return nil, nil, fmt.Errorf("%w: parameter %d has no resolver", ErrUnresolvedParameter, decl.ID)
		}
		pv, err := b.Resolve(decl.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parameter %d: %w", ErrUnresolvedParameter, decl.ID, err)
		}
		if pv.Type != decl.Type {
			return nil, nil, fmt.Errorf("%w: parameter %d is %v, plan expects %v",
				ErrParamTypeMismatch, decl.ID, pv.Type, decl.Type)
		}
		if pv.Null {
			continue // offset 0 marks the null parameter
		}
		if ops, ok := expr.LookupType(pv.Type); ok && len(pv.Value) != ops.Width() {
			return nil, nil, fmt.Errorf("%w: parameter %d carries %d bytes for %v",
				ErrParamTypeMismatch, decl.ID, len(pv.Value), pv.Type)
		}
		paramOffsets[decl.ID] = appendValue(pv.Value)
	}

	var stageOffsets [numStages]uint32
	for stage, blob := range b.Bytecode {
		if stage < 0 || stage >= numStages {
			return nil, nil, fmt.Errorf("session: unknown bytecode stage %d", int(stage))
		}
		if len(blob) > 0 {
			stageOffsets[stage] = appendValue(blob)
		}
	}

	var slotItemsOff uint32
	if len(b.SlotItems) > 0 {
		blob := make([]byte, 12*len(b.SlotItems))
		for i, item := range b.SlotItems {
			binary.LittleEndian.PutUint32(blob[12*i:], uint32(item.Depth))
			binary.LittleEndian.PutUint32(blob[12*i+4:], uint32(item.Resno))
			binary.LittleEndian.PutUint32(blob[12*i+8:], uint32(item.SlotID))
		}
		slotItemsOff = appendValue(blob)
	}

	var snapshotOff uint32
	if b.Snapshot != nil {
		blob, err := MarshalSnapshot(b.Snapshot)
		if err != nil {
			return nil, nil, fmt.Errorf("session: serialize snapshot: %w", err)
		}
		snapshotOff = appendValue(blob)
	}

	var timezoneOff uint32
	if b.Timezone != "" {
		timezoneOff = appendValue([]byte(b.Timezone))
	}

	var encodingOff uint32
	if b.Encoding.Name != "" {
		blob := make([]byte, 4+len(b.Encoding.Name))
		binary.LittleEndian.PutUint32(blob, uint32(b.Encoding.MaxLen))
		copy(blob[4:], b.Encoding.Name)
		encodingOff = appendValue(blob)
	}

	xactStart := b.XactStart
	if xactStart.IsZero() {
		xactStart = time.Now()
	}

	var flags uint32
	if b.Debug {
		flags |= flagDebug
	}

	off := 0
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	putU32(b.NParams)
	for _, o := range stageOffsets {
		putU32(o)
	}
	putU32(slotItemsOff)
	putU32(uint32(len(b.SlotItems)))
	putU32(snapshotOff)
	putU32(timezoneOff)
	putU32(encodingOff)
	binary.LittleEndian.PutUint64(buf[off:], NextPlanID())
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(xactStart.UnixNano()))
	off += 8
	putU32(b.ExtraBufSize)
	putU32(b.PortNumber)
	putU32(joinInnerHandle)
	putU32(flags)
	for _, o := range paramOffsets {
		putU32(o)
	}

	sess, err := Decode(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("session: self-check failed: %w", err)
	}
	return &wire.Command{Tag: wire.TagOpenSession, Payload: buf}, sess, nil
}

// Package session builds and decodes the immutable per-connection
// session descriptor: the one OpenSession payload carrying resolved query
// parameters, compiled expression bytecode for every pipeline stage, the
// transaction snapshot, timezone and encoding context, and the slot
// layout task rows are loaded into. Everything variable-length lives in a
// trailing arena addressed by byte offsets, with offset 0 reserved for
// "absent", so the whole descriptor is one relocatable buffer.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Stage identifies one compiled-bytecode slot in the descriptor, one per
// pipeline stage of the offloaded plan.
type Stage int

const (
	StageScanLoad Stage = iota
	StageScanQuals
	StageJoinLoad
	StageJoinQuals
	StageHashKeys
	StageGistQuals
	StageProjection
	numStages
)

var stageNames = [numStages]string{
	"scan-load", "scan-quals", "join-load", "join-quals",
	"hash-keys", "gist-quals", "projection",
}

// String implements the Stringer interface.
func (s Stage) String() string {
	if s >= 0 && s < numStages {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// SlotItem maps one variable slot to its source column: the depth of the
// relation in the join tree and the column number within it.
type SlotItem struct {
	Depth  int32
	Resno  int32
	SlotID int32
}

// Encoding describes the database character encoding tasks run under.
type Encoding struct {
	Name   string
	MaxLen int32
}

// ErrMalformedSession is returned when a session payload fails
// structural validation.
var ErrMalformedSession = errors.New("session: malformed descriptor")

// Fixed header layout (little-endian, offsets relative to payload start):
//
//	u32       nparams
//	u32 x 7   bytecode offsets, one per Stage
//	u32       slot-items offset
//	u32       slot count
//	u32       snapshot offset
//	u32       timezone offset
//	u32       encoding offset
//	u64       plan id
//	i64       transaction start (unix nanoseconds)
//	u32       extra buffer size
//	u32       host port number
//	u32       join inner handle
//	u32       flags (bit 0: debug code)
//	u32 x n   parameter offsets
//
// Arena values (parameters, bytecode blobs, snapshot, timezone, encoding)
// are u32-length-prefixed at their offsets.
const fixedHeaderSize = 4 + 4*int(numStages) + 4 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 4 + 4 + 4

const flagDebug = 1 << 0

// Session is the decoded, immutable descriptor. It is built once per
// connection, transmitted once, and never mutated afterwards.
type Session struct {
	raw []byte

	NParams         uint32
	SlotItems       []SlotItem
	Timezone        string
	Encoding        Encoding
	PlanID          uint64
	XactStart       time.Time
	ExtraBufSize    uint32
	PortNumber      uint32
	JoinInnerHandle uint32
	Debug           bool

	paramOffsets []uint32
	stageOffsets [numStages]uint32
	snapshotOff  uint32
}

// Decode parses an OpenSession payload. The Session keeps a reference to
// the payload; callers must not mutate it afterwards.
func Decode(payload []byte) (*Session, error) {
	if len(payload) < fixedHeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformedSession)
	}
	s := &Session{raw: payload}
	off := 0
	u32 := func() uint32 {
		v := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		return v
	}
	s.NParams = u32()
	for i := range s.stageOffsets {
		s.stageOffsets[i] = u32()
	}
	slotItemsOff := u32()
	slotCount := u32()
	s.snapshotOff = u32()
	timezoneOff := u32()
	encodingOff := u32()
	s.PlanID = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	s.XactStart = time.Unix(0, int64(binary.LittleEndian.Uint64(payload[off:])))
	off += 8
	s.ExtraBufSize = u32()
	s.PortNumber = u32()
	s.JoinInnerHandle = u32()
	s.Debug = u32()&flagDebug != 0

	if len(payload) < off+4*int(s.NParams) {
		return nil, fmt.Errorf("%w: truncated parameter table", ErrMalformedSession)
	}
	s.paramOffsets = make([]uint32, s.NParams)
	for i := range s.paramOffsets {
		s.paramOffsets[i] = u32()
	}

	if slotItemsOff != 0 {
		blob, err := s.arenaValue(slotItemsOff)
		if err != nil {
			return nil, err
		}
		if uint32(len(blob)) != 12*slotCount {
			return nil, fmt.Errorf("%w: slot table size %d for %d slots",
				ErrMalformedSession, len(blob), slotCount)
		}
		s.SlotItems = make([]SlotItem, slotCount)
		for i := range s.SlotItems {
			s.SlotItems[i] = SlotItem{
				Depth:  int32(binary.LittleEndian.Uint32(blob[12*i:])),
				Resno:  int32(binary.LittleEndian.Uint32(blob[12*i+4:])),
				SlotID: int32(binary.LittleEndian.Uint32(blob[12*i+8:])),
			}
		}
	}
	if timezoneOff != 0 {
		blob, err := s.arenaValue(timezoneOff)
		if err != nil {
			return nil, err
		}
		s.Timezone = string(blob)
	}
	if encodingOff != 0 {
		blob, err := s.arenaValue(encodingOff)
		if err != nil {
			return nil, err
		}
		if len(blob) < 4 {
			return nil, fmt.Errorf("%w: short encoding descriptor", ErrMalformedSession)
		}
		s.Encoding = Encoding{
			MaxLen: int32(binary.LittleEndian.Uint32(blob)),
			Name:   string(blob[4:]),
		}
	}
	// Validate all remaining offsets up front so tasks never trip over a
	// damaged descriptor mid-query.
	for i, o := range s.stageOffsets {
		if o != 0 {
			if _, err := s.arenaValue(o); err != nil {
				return nil, fmt.Errorf("%w: %v bytecode: %w", ErrMalformedSession, Stage(i), err)
			}
		}
	}
	for id, o := range s.paramOffsets {
		if o != 0 {
			if _, err := s.arenaValue(o); err != nil {
				return nil, fmt.Errorf("%w: parameter %d: %w", ErrMalformedSession, id, err)
			}
		}
	}
	if s.snapshotOff != 0 {
		if _, err := s.arenaValue(s.snapshotOff); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) arenaValue(off uint32) ([]byte, error) {
	// Widen before adding so an offset near 1<<32 cannot wrap past the
	// bounds check.
	if off < uint32(fixedHeaderSize) || uint64(off)+4 > uint64(len(s.raw)) {
		return nil, fmt.Errorf("%w: arena offset %d out of range", ErrMalformedSession, off)
	}
	vlen := binary.LittleEndian.Uint32(s.raw[off:])
	if uint64(len(s.raw))-uint64(off)-4 < uint64(vlen) {
		return nil, fmt.Errorf("%w: arena value at %d overruns buffer", ErrMalformedSession, off)
	}
	return s.raw[off+4 : off+4+vlen], nil
}

// Param returns the raw bytes of a parameter, or nil if the parameter is
// null or the id out of range. Implements expr.ParamSource.
func (s *Session) Param(id uint32) []byte {
	if id >= s.NParams || s.paramOffsets[id] == 0 {
		return nil
	}
	v, err := s.arenaValue(s.paramOffsets[id])
	if err != nil {
		return nil
	}
	return v
}

// Bytecode returns the compiled expression blob for a stage, or nil when
// the plan has none for it.
func (s *Session) Bytecode(stage Stage) []byte {
	if stage < 0 || stage >= numStages || s.stageOffsets[stage] == 0 {
		return nil
	}
	v, err := s.arenaValue(s.stageOffsets[stage])
	if err != nil {
		return nil
	}
	return v
}

// Snapshot decodes the transaction snapshot, or returns nil when absent.
func (s *Session) Snapshot() (*Snapshot, error) {
	if s.snapshotOff == 0 {
		return nil, nil
	}
	blob, err := s.arenaValue(s.snapshotOff)
	if err != nil {
		return nil, err
	}
	return UnmarshalSnapshot(blob)
}

// Raw returns the encoded descriptor payload.
func (s *Session) Raw() []byte {
	return s.raw
}

package expr

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// TypeCode identifies a scalar type in the device type catalog.
type TypeCode uint16

const (
	TypeInvalid TypeCode = iota
	TypeBool
	TypeInt1
	TypeInt2
	TypeInt4
	TypeInt8
	TypeFloat2
	TypeFloat4
	TypeFloat8
)

// Datum is one evaluated value: a null flag plus the raw fixed-width
// representation, widened into 64 bits. Interpretation of the bits is
// owned by the TypeOps that produced it.
type Datum struct {
	Null bool
	Bits uint64
}

// Bool reads the datum as a boolean. Only meaningful for TypeBool.
func (d Datum) Bool() bool {
	return d.Bits != 0
}

// BoolDatum builds a non-null boolean datum.
func BoolDatum(v bool) Datum {
	if v {
		return Datum{Bits: 1}
	}
	return Datum{}
}

// NullDatum is the null value of any type.
var NullDatum = Datum{Null: true}

// TypeOps is the per-type operation set registered in the catalog:
// reference (load), store, and hash over the type's fixed-width raw
// representation.
type TypeOps interface {
	Code() TypeCode
	Name() string
	Width() int
	// Ref loads a datum from raw bytes; a nil slice is the null value.
	// A present value whose size disagrees with the type's width is a
	// runtime condition the device declines to handle (ErrNotSupported),
	// so the host can re-evaluate the row instead.
	Ref(raw []byte) (Datum, error)
	// Store writes the fixed-width representation into buf and returns
	// the byte count, or 0 for null. buf must hold Width() bytes.
	Store(d Datum, buf []byte) int
	// Hash returns the domain hash of the raw representation, or the
	// null sentinel 0.
	Hash(d Datum) uint32
}

// scalarOps is the one template behind every fixed-width scalar type.
// All instances share this control flow; registering a new type is a new
// (code, name, width) triple, nothing more. The representation (signed,
// unsigned, IEEE float) never matters here because ref/store/hash act on
// raw bits.
type scalarOps struct {
	code  TypeCode
	name  string
	width int
}

func (o *scalarOps) Code() TypeCode { return o.code }
func (o *scalarOps) Name() string   { return o.name }
func (o *scalarOps) Width() int     { return o.width }

func (o *scalarOps) Ref(raw []byte) (Datum, error) {
	if raw == nil {
		return NullDatum, nil
	}
	if len(raw) != o.width {
		return Datum{}, fmt.Errorf("%w: %s value of %d bytes (want %d)",
			ErrNotSupported, o.name, len(raw), o.width)
	}
	var bits uint64
	switch o.width {
	case 1:
		bits = uint64(raw[0])
	case 2:
		bits = uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		bits = uint64(binary.LittleEndian.Uint32(raw))
	case 8:
		bits = binary.LittleEndian.Uint64(raw)
	default:
		return Datum{}, fmt.Errorf("%w: unsupported width %d", ErrCorruptedBytecode, o.width)
	}
	return Datum{Bits: bits}, nil
}

func (o *scalarOps) Store(d Datum, buf []byte) int {
	if d.Null {
		return 0
	}
	switch o.width {
	case 1:
		buf[0] = byte(d.Bits)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(d.Bits))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(d.Bits))
	case 8:
		binary.LittleEndian.PutUint64(buf, d.Bits)
	}
	return o.width
}

func (o *scalarOps) Hash(d Datum) uint32 {
	if d.Null {
		return 0
	}
	var raw [8]byte
	n := o.Store(d, raw[:])
	return HashBytes(raw[:n])
}

var (
	catalogMu   sync.RWMutex
	typeCatalog = map[TypeCode]TypeOps{
		TypeBool:   &scalarOps{TypeBool, "bool", 1},
		TypeInt1:   &scalarOps{TypeInt1, "int1", 1},
		TypeInt2:   &scalarOps{TypeInt2, "int2", 2},
		TypeInt4:   &scalarOps{TypeInt4, "int4", 4},
		TypeInt8:   &scalarOps{TypeInt8, "int8", 8},
		TypeFloat2: &scalarOps{TypeFloat2, "float2", 2},
		TypeFloat4: &scalarOps{TypeFloat4, "float4", 4},
		TypeFloat8: &scalarOps{TypeFloat8, "float8", 8},
	}
)

// LookupType returns the registered operations for a type code.
func LookupType(code TypeCode) (TypeOps, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	ops, ok := typeCatalog[code]
	return ops, ok
}

// RegisterType adds (or replaces) a type in the catalog.
func RegisterType(ops TypeOps) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	typeCatalog[ops.Code()] = ops
}

// RegisterScalarType registers a new fixed-width type from its
// (code, name, width) triple using the shared scalar template.
func RegisterScalarType(code TypeCode, name string, width int) {
	RegisterType(&scalarOps{code, name, width})
}

// String implements the Stringer interface.
func (t TypeCode) String() string {
	if ops, ok := LookupType(t); ok {
		return ops.Name()
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

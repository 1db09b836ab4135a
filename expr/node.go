package expr

import (
	"encoding/binary"
	"fmt"
)

// Node layout (little-endian, all offsets relative to the node start):
//
//	u32  length      total node size, children included
//	u16  opcode
//	u16  rettype
//	u16  nargs
//	u16  payloadLen  operator-specific bytes before the first child
//	...  payload
//	...  child nodes, laid out back to back
//
// The layout carries no pointers, so a tree is relocatable: it can be
// appended into a session arena, transmitted, and evaluated in place.

const nodeHeaderSize = 12

// Node is a read-only view over one encoded expression node.
type Node struct {
	buf []byte
}

// Open validates the framing of an encoded node and returns a view.
// Structural damage (short header, lengths out of range) is fatal
// corruption, never partially tolerated.
func Open(buf []byte) (Node, error) {
	if len(buf) < nodeHeaderSize {
		return Node{}, fmt.Errorf("%w: node shorter than header", ErrCorruptedBytecode)
	}
	length := binary.LittleEndian.Uint32(buf)
	if length < nodeHeaderSize || uint32(len(buf)) < length {
		return Node{}, fmt.Errorf("%w: node length %d out of range", ErrCorruptedBytecode, length)
	}
	payloadLen := binary.LittleEndian.Uint16(buf[10:])
	if uint32(nodeHeaderSize)+uint32(payloadLen) > length {
		return Node{}, fmt.Errorf("%w: payload overruns node", ErrCorruptedBytecode)
	}
	return Node{buf: buf[:length]}, nil
}

// Op returns the node operator.
func (n Node) Op() FuncOp {
	return FuncOp(binary.LittleEndian.Uint16(n.buf[4:]))
}

// RetType returns the node result type.
func (n Node) RetType() TypeCode {
	return TypeCode(binary.LittleEndian.Uint16(n.buf[6:]))
}

// NArgs returns the declared child count.
func (n Node) NArgs() int {
	return int(binary.LittleEndian.Uint16(n.buf[8:]))
}

// Len returns the encoded size of the node.
func (n Node) Len() int {
	return len(n.buf)
}

// Bytes returns the encoded node.
func (n Node) Bytes() []byte {
	return n.buf
}

func (n Node) payload() []byte {
	plen := binary.LittleEndian.Uint16(n.buf[10:])
	return n.buf[nodeHeaderSize : nodeHeaderSize+int(plen)]
}

// Arg opens the i'th child by walking the declared child-skip lengths.
func (n Node) Arg(i int) (Node, error) {
	if i < 0 || i >= n.NArgs() {
		return Node{}, fmt.Errorf("%w: argument %d of %d", ErrCorruptedBytecode, i, n.NArgs())
	}
	plen := binary.LittleEndian.Uint16(n.buf[10:])
	off := nodeHeaderSize + int(plen)
	for k := 0; ; k++ {
		child, err := Open(n.buf[off:])
		if err != nil {
			return Node{}, err
		}
		if k == i {
			return child, nil
		}
		off += child.Len()
	}
}

// ---------------------------------------------------------------------------
// Node constructors (used by tests and by the external bytecode compiler)
// ---------------------------------------------------------------------------

func newNode(op FuncOp, ret TypeCode, payload []byte, children ...[]byte) []byte {
	size := nodeHeaderSize + len(payload)
	for _, c := range children {
		size += len(c)
	}
	buf := make([]byte, nodeHeaderSize, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(size))
	binary.LittleEndian.PutUint16(buf[4:], uint16(op))
	binary.LittleEndian.PutUint16(buf[6:], uint16(ret))
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(children)))
	binary.LittleEndian.PutUint16(buf[10:], uint16(len(payload)))
	buf = append(buf, payload...)
	for _, c := range children {
		buf = append(buf, c...)
	}
	return buf
}

// Const builds a constant node. A nil value is the null constant.
func Const(t TypeCode, value []byte) []byte {
	payload := make([]byte, 1+len(value))
	if value == nil {
		payload[0] = 1
	}
	copy(payload[1:], value)
	return newNode(OpConst, t, payload)
}

// Param builds a session-parameter reference node.
func Param(t TypeCode, id uint32) []byte {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], id)
	return newNode(OpParam, t, payload[:])
}

// Var builds a row-slot reference node.
func Var(t TypeCode, slot uint32) []byte {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], slot)
	return newNode(OpVar, t, payload[:])
}

// And builds an N-ary boolean conjunction.
func And(children ...[]byte) []byte {
	return newNode(OpBoolAnd, TypeBool, nil, children...)
}

// Or builds an N-ary boolean disjunction.
func Or(children ...[]byte) []byte {
	return newNode(OpBoolOr, TypeBool, nil, children...)
}

// Not builds a boolean negation.
func Not(child []byte) []byte {
	return newNode(OpBoolNot, TypeBool, nil, child)
}

// NullTest builds an IS [NOT] NULL node over one child of any type.
func NullTest(op FuncOp, child []byte) []byte {
	if op != OpNullTestIsNull && op != OpNullTestIsNotNull {
		panic(fmt.Sprintf("expr: %v is not a null test", op))
	}
	return newNode(op, TypeBool, nil, child)
}

// BoolTest builds an IS [NOT] TRUE/FALSE/UNKNOWN node over one boolean child.
func BoolTest(op FuncOp, child []byte) []byte {
	if op < OpBoolTestIsTrue || op > OpBoolTestIsNotUnknown {
		panic(fmt.Sprintf("expr: %v is not a boolean test", op))
	}
	return newNode(op, TypeBool, nil, child)
}

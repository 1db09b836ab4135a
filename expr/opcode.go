// Package expr implements the compiled expression bytecode evaluated on
// the accelerator side of the offload protocol. An expression tree is one
// relocatable byte blob: nodes are laid out contiguously with fixed
// headers and length prefixes, never pointer-linked, so the whole tree
// can be shipped inside a session descriptor and evaluated in place.
//
// Evaluation follows SQL three-valued logic: every result carries a null
// flag, AND/OR short-circuit on the first determining operand, and null
// propagates unless an operator is explicitly null-transparent.
package expr

import "fmt"

// FuncOp tags one expression node with its operator.
type FuncOp uint16

const (
	OpInvalid FuncOp = iota
	OpConst
	OpParam
	OpVar
	OpBoolAnd
	OpBoolOr
	OpBoolNot
	OpNullTestIsNull
	OpNullTestIsNotNull
	OpBoolTestIsTrue
	OpBoolTestIsNotTrue
	OpBoolTestIsFalse
	OpBoolTestIsNotFalse
	OpBoolTestIsUnknown
	OpBoolTestIsNotUnknown
)

// OpInfo holds metadata about an operator.
type OpInfo struct {
	Name  string
	NArgs int // exact child count; -1 = variadic (two or more)
}

// opTable maps operators to their metadata. Child arity is part of the
// operator's contract: a node violating it is corrupted bytecode, not a
// data condition.
var opTable = map[FuncOp]OpInfo{
	OpConst:                {"Const", 0},
	OpParam:                {"Param", 0},
	OpVar:                  {"Var", 0},
	OpBoolAnd:              {"BoolAnd", -1},
	OpBoolOr:               {"BoolOr", -1},
	OpBoolNot:              {"BoolNot", 1},
	OpNullTestIsNull:       {"IsNull", 1},
	OpNullTestIsNotNull:    {"IsNotNull", 1},
	OpBoolTestIsTrue:       {"IsTrue", 1},
	OpBoolTestIsNotTrue:    {"IsNotTrue", 1},
	OpBoolTestIsFalse:      {"IsFalse", 1},
	OpBoolTestIsNotFalse:   {"IsNotFalse", 1},
	OpBoolTestIsUnknown:    {"IsUnknown", 1},
	OpBoolTestIsNotUnknown: {"IsNotUnknown", 1},
}

// Info returns the metadata for an operator.
func (op FuncOp) Info() (OpInfo, bool) {
	info, ok := opTable[op]
	return info, ok
}

// String implements the Stringer interface.
func (op FuncOp) String() string {
	if info, ok := opTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("UNKNOWN_%04X", uint16(op))
}

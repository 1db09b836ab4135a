package expr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorruptedBytecode marks a build-time contract violation inside an
// expression blob: an unknown opcode, wrong child arity, or damaged
// framing. It is fatal to the whole task and never retried.
var ErrCorruptedBytecode = errors.New("expr: corrupted bytecode")

// ErrNotSupported marks a runtime condition the device declines to
// evaluate. It is recoverable: the row is handed back to the host for
// re-evaluation (CPU fallback), not reported as an error.
var ErrNotSupported = errors.New("expr: not supported on device")

// RowView exposes the loaded variable slots of one row. Slot returns the
// raw value bytes, or nil for NULL / absent.
type RowView interface {
	Slot(i int) []byte
}

// ParamSource resolves session parameters by id. A nil slice is the null
// parameter.
type ParamSource interface {
	Param(id uint32) []byte
}

// Context carries the per-row evaluation state.
type Context struct {
	Params ParamSource
	Row    RowView
}

type evalFunc func(n Node, ctx *Context) (Datum, error)

// funcCatalog is the fixed operator dispatch table. An opcode missing
// here is corrupted bytecode.
var funcCatalog map[FuncOp]evalFunc

func init() {
	funcCatalog = map[FuncOp]evalFunc{
		OpConst:                evalConst,
		OpParam:                evalParam,
		OpVar:                  evalVar,
		OpBoolAnd:              evalBoolAnd,
		OpBoolOr:               evalBoolOr,
		OpBoolNot:              evalBoolNot,
		OpNullTestIsNull:       evalNullTest,
		OpNullTestIsNotNull:    evalNullTest,
		OpBoolTestIsTrue:       evalBoolTest,
		OpBoolTestIsNotTrue:    evalBoolTest,
		OpBoolTestIsFalse:      evalBoolTest,
		OpBoolTestIsNotFalse:   evalBoolTest,
		OpBoolTestIsUnknown:    evalBoolTest,
		OpBoolTestIsNotUnknown: evalBoolTest,
	}
}

// Eval evaluates one node against the row context.
func Eval(n Node, ctx *Context) (Datum, error) {
	fn, ok := funcCatalog[n.Op()]
	if !ok {
		return Datum{}, fmt.Errorf("%w: opcode %d not in catalog", ErrCorruptedBytecode, uint16(n.Op()))
	}
	if info, _ := n.Op().Info(); info.NArgs >= 0 && n.NArgs() != info.NArgs {
		return Datum{}, fmt.Errorf("%w: %v takes %d args, has %d",
			ErrCorruptedBytecode, n.Op(), info.NArgs, n.NArgs())
	}
	return fn(n, ctx)
}

// EvalBlob opens and evaluates an encoded expression tree. A nil or
// empty blob evaluates to true, matching an absent qualifier.
func EvalBlob(blob []byte, ctx *Context) (Datum, error) {
	if len(blob) == 0 {
		return BoolDatum(true), nil
	}
	n, err := Open(blob)
	if err != nil {
		return Datum{}, err
	}
	return Eval(n, ctx)
}

func retOps(n Node) (TypeOps, error) {
	ops, ok := LookupType(n.RetType())
	if !ok {
		return nil, fmt.Errorf("%w: %v result type %d not in catalog",
			ErrCorruptedBytecode, n.Op(), uint16(n.RetType()))
	}
	return ops, nil
}

func evalConst(n Node, ctx *Context) (Datum, error) {
	ops, err := retOps(n)
	if err != nil {
		return Datum{}, err
	}
	payload := n.payload()
	if len(payload) < 1 {
		return Datum{}, fmt.Errorf("%w: const without null flag", ErrCorruptedBytecode)
	}
	if payload[0] != 0 {
		return ops.Ref(nil)
	}
	return ops.Ref(payload[1:])
}

func evalParam(n Node, ctx *Context) (Datum, error) {
	ops, err := retOps(n)
	if err != nil {
		return Datum{}, err
	}
	payload := n.payload()
	if len(payload) != 4 {
		return Datum{}, fmt.Errorf("%w: param payload of %d bytes", ErrCorruptedBytecode, len(payload))
	}
	if ctx.Params == nil {
		return ops.Ref(nil)
	}
	return ops.Ref(ctx.Params.Param(binary.LittleEndian.Uint32(payload)))
}

func evalVar(n Node, ctx *Context) (Datum, error) {
	ops, err := retOps(n)
	if err != nil {
		return Datum{}, err
	}
	payload := n.payload()
	if len(payload) != 4 {
		return Datum{}, fmt.Errorf("%w: var payload of %d bytes", ErrCorruptedBytecode, len(payload))
	}
	if ctx.Row == nil {
		return Datum{}, fmt.Errorf("%w: var reference without a row", ErrNotSupported)
	}
	return ops.Ref(ctx.Row.Slot(int(binary.LittleEndian.Uint32(payload))))
}

func evalBoolArg(n Node, i int, ctx *Context) (Datum, error) {
	arg, err := n.Arg(i)
	if err != nil {
		return Datum{}, err
	}
	if arg.RetType() != TypeBool {
		return Datum{}, fmt.Errorf("%w: %v child %d is %v, want bool",
			ErrCorruptedBytecode, n.Op(), i, arg.RetType())
	}
	return Eval(arg, ctx)
}

// evalBoolAnd: short-circuits to false on the first non-null false child;
// otherwise null if any child was null, else true.
func evalBoolAnd(n Node, ctx *Context) (Datum, error) {
	if n.NArgs() < 2 {
		return Datum{}, fmt.Errorf("%w: AND with %d args", ErrCorruptedBytecode, n.NArgs())
	}
	anynull := false
	for i := 0; i < n.NArgs(); i++ {
		status, err := evalBoolArg(n, i, ctx)
		if err != nil {
			return Datum{}, err
		}
		if status.Null {
			anynull = true
		} else if !status.Bool() {
			return BoolDatum(false), nil
		}
	}
	if anynull {
		return NullDatum, nil
	}
	return BoolDatum(true), nil
}

// evalBoolOr: short-circuits to true on the first non-null true child;
// otherwise null if any child was null, else false.
func evalBoolOr(n Node, ctx *Context) (Datum, error) {
	if n.NArgs() < 2 {
		return Datum{}, fmt.Errorf("%w: OR with %d args", ErrCorruptedBytecode, n.NArgs())
	}
	anynull := false
	for i := 0; i < n.NArgs(); i++ {
		status, err := evalBoolArg(n, i, ctx)
		if err != nil {
			return Datum{}, err
		}
		if status.Null {
			anynull = true
		} else if status.Bool() {
			return BoolDatum(true), nil
		}
	}
	if anynull {
		return NullDatum, nil
	}
	return BoolDatum(false), nil
}

func evalBoolNot(n Node, ctx *Context) (Datum, error) {
	status, err := evalBoolArg(n, 0, ctx)
	if err != nil {
		return Datum{}, err
	}
	if status.Null {
		return NullDatum, nil
	}
	return BoolDatum(!status.Bool()), nil
}

func evalNullTest(n Node, ctx *Context) (Datum, error) {
	arg, err := n.Arg(0)
	if err != nil {
		return Datum{}, err
	}
	status, err := Eval(arg, ctx)
	if err != nil {
		return Datum{}, err
	}
	switch n.Op() {
	case OpNullTestIsNull:
		return BoolDatum(status.Null), nil
	case OpNullTestIsNotNull:
		return BoolDatum(!status.Null), nil
	}
	return Datum{}, fmt.Errorf("%w: bad null test %v", ErrCorruptedBytecode, n.Op())
}

func evalBoolTest(n Node, ctx *Context) (Datum, error) {
	status, err := evalBoolArg(n, 0, ctx)
	if err != nil {
		return Datum{}, err
	}
	switch n.Op() {
	case OpBoolTestIsTrue:
		return BoolDatum(!status.Null && status.Bool()), nil
	case OpBoolTestIsNotTrue:
		return BoolDatum(status.Null || !status.Bool()), nil
	case OpBoolTestIsFalse:
		return BoolDatum(!status.Null && !status.Bool()), nil
	case OpBoolTestIsNotFalse:
		return BoolDatum(status.Null || status.Bool()), nil
	case OpBoolTestIsUnknown:
		return BoolDatum(status.Null), nil
	case OpBoolTestIsNotUnknown:
		return BoolDatum(!status.Null), nil
	}
	return Datum{}, fmt.Errorf("%w: bad boolean test %v", ErrCorruptedBytecode, n.Op())
}

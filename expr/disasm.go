package expr

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble renders an encoded expression tree as indented text, one
// node per line, for EXPLAIN-style output and debugging.
func Disassemble(blob []byte) string {
	var sb strings.Builder
	n, err := Open(blob)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	disasmNode(&sb, n, 0)
	return strings.TrimRight(sb.String(), "\n")
}

func disasmNode(sb *strings.Builder, n Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n.Op() {
	case OpConst:
		payload := n.payload()
		if len(payload) >= 1 && payload[0] != 0 {
			fmt.Fprintf(sb, "%sConst(%v, null)\n", indent, n.RetType())
		} else {
			fmt.Fprintf(sb, "%sConst(%v, %x)\n", indent, n.RetType(), payload[1:])
		}
	case OpParam:
		fmt.Fprintf(sb, "%sParam(%v, $%d)\n", indent, n.RetType(),
			binary.LittleEndian.Uint32(n.payload()))
	case OpVar:
		fmt.Fprintf(sb, "%sVar(%v, slot %d)\n", indent, n.RetType(),
			binary.LittleEndian.Uint32(n.payload()))
	default:
		fmt.Fprintf(sb, "%s%v\n", indent, n.Op())
	}
	for i := 0; i < n.NArgs(); i++ {
		arg, err := n.Arg(i)
		if err != nil {
			fmt.Fprintf(sb, "%s  <%v>\n", indent, err)
			return
		}
		disasmNode(sb, arg, depth+1)
	}
}

package control

import "fmt"

// Opcode selects an administrative operation.
type Opcode int

const (
	OpSetAdd   Opcode = 1100
	OpSetDel   Opcode = 1101
	OpSetFlush Opcode = 1102
	OpGetShow  Opcode = 1103

	SetBase = OpSetAdd
	SetMax  = OpSetFlush
	GetBase = OpGetShow
	GetMax  = OpGetShow
)

func (o Opcode) String() string {
	switch o {
	case OpSetAdd:
		return "set_add"
	case OpSetDel:
		return "set_del"
	case OpSetFlush:
		return "set_flush"
	case OpGetShow:
		return "get_show"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// IsSet reports whether o is in the set range.
func (o Opcode) IsSet() bool { return o >= SetBase && o <= SetMax }

// IsGet reports whether o is in the get range.
func (o Opcode) IsGet() bool { return o >= GetBase && o <= GetMax }

package ipset

import (
	"fmt"

	"github.com/google/uuid"
)

// Op is the kind of mutation a Batch carries.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpDelete
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpFlush:
		return "flush"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Batch is an ordered group of records processed together. ID is only used to
// correlate the issuing core's logs with the replicas that apply it.
type Batch struct {
	ID      string
	Op      Op
	Members []Member
}

// NewBatch builds a batch with a fresh ID.
func NewBatch(op Op, members ...Member) Batch {
	return Batch{ID: uuid.NewString(), Op: op, Members: members}
}

// Result is the outcome of one record. Err is nil when the record was applied.
type Result struct {
	Member Member
	Err    error
}

// Applied counts records that changed the table.
func Applied(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

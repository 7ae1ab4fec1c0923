package control

import (
	"errors"

	"github.com/amirimatin/go-ipset/pkg/ipset"
)

// Status is the per-record outcome reported to operators.
type Status string

const (
	StatusOK         Status = "ok"
	StatusExists     Status = "exists"
	StatusNotFound   Status = "not_found"
	StatusSkipped    Status = "skipped"
	StatusInvalid    Status = "invalid"
	StatusNoMemory   Status = "no_memory"
	StatusNotApplied Status = "not_applied"
)

// StatusOf classifies a record error.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ipset.ErrAlreadyExists):
		return StatusExists
	case errors.Is(err, ipset.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ipset.ErrSkipped):
		return StatusSkipped
	case errors.Is(err, ipset.ErrOutOfMemory):
		return StatusNoMemory
	default:
		return StatusInvalid
	}
}

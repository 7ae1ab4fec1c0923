package ipset

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument    = errors.New("ipset: invalid argument")
	ErrAlreadyExists      = errors.New("ipset: member already exists")
	ErrNotFound           = errors.New("ipset: member not found")
	ErrSkipped            = errors.New("ipset: placeholder record skipped")
	ErrOutOfMemory        = errors.New("ipset: out of memory")
	ErrChannelUnavailable = errors.New("ipset: multicast channel unavailable")
	ErrNotSupported       = errors.New("ipset: operation not supported")
	ErrCoreDisabled       = errors.New("ipset: core disabled")

	// ErrUnsupportedFamily is a fold failure. It matches ErrInvalidArgument.
	ErrUnsupportedFamily = fmt.Errorf("%w: unsupported address family", ErrInvalidArgument)
)

// IsSoft reports whether err is an expected per-record outcome that must not
// abort the surrounding batch.
func IsSoft(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrSkipped)
}

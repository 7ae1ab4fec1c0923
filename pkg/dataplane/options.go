package dataplane

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirimatin/go-ipset/pkg/ipset"
)

const (
	DefaultDrainBudget  = 32
	DefaultPollInterval = time.Millisecond
)

// PollFunc is the per-iteration packet hook. It runs on the core's own
// goroutine and may read the core's replica freely.
type PollFunc func(c *Core)

type Options struct {
	// Cores lists every configured core. Empty means a single core 0.
	Cores []int
	// Master issues mutations and serves reads for the control surface.
	Master int
	// Disabled cores get no replica and are never addressed.
	Disabled []int

	Buckets    int
	MaxEntries int
	QueueDepth int
	// DrainBudget caps messages handled per loop iteration.
	DrainBudget int

	Poll         PollFunc
	PollInterval time.Duration

	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if len(o.Cores) == 0 {
		o.Cores = []int{0}
	}
	if o.DrainBudget == 0 {
		o.DrainBudget = DefaultDrainBudget
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	o.setDefaults()
	if err := (ipset.ReplicaOptions{Buckets: o.Buckets, MaxEntries: o.MaxEntries}).Validate(); err != nil {
		return err
	}
	if o.QueueDepth < 0 || o.DrainBudget < 0 || o.PollInterval < 0 {
		return errors.New("dataplane: negative queue depth, drain budget or poll interval")
	}
	configured := make(map[int]bool, len(o.Cores))
	for _, c := range o.Cores {
		if c < 0 {
			return fmt.Errorf("dataplane: negative core id %d", c)
		}
		if configured[c] {
			return fmt.Errorf("dataplane: duplicate core id %d", c)
		}
		configured[c] = true
	}
	if !configured[o.Master] {
		return fmt.Errorf("dataplane: master core %d is not configured", o.Master)
	}
	for _, d := range o.Disabled {
		if !configured[d] {
			return fmt.Errorf("dataplane: disabled core %d is not configured", d)
		}
		if d == o.Master {
			return fmt.Errorf("%w: master core %d cannot be disabled", ipset.ErrCoreDisabled, d)
		}
	}
	return nil
}

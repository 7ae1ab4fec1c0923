package ipset

import (
	"fmt"
	"sync/atomic"
)

// DefaultBuckets is the bucket count used when ReplicaOptions.Buckets is zero.
const DefaultBuckets = 1 << 8

// ReplicaOptions sizes a Replica.
type ReplicaOptions struct {
	// Buckets must be a power of two. Zero selects DefaultBuckets.
	Buckets int
	// MaxEntries bounds the table; inserts past it fail with ErrOutOfMemory.
	// Zero means unbounded.
	MaxEntries int
}

func (o ReplicaOptions) Validate() error {
	if o.Buckets < 0 || (o.Buckets > 0 && o.Buckets&(o.Buckets-1) != 0) {
		return fmt.Errorf("%w: bucket count %d is not a power of two", ErrInvalidArgument, o.Buckets)
	}
	if o.MaxEntries < 0 {
		return fmt.Errorf("%w: negative max entries", ErrInvalidArgument)
	}
	return nil
}

type entry struct {
	member Member
	next   *entry
}

// Replica is one core's private copy of the set: a fixed array of buckets,
// each an ordered chain of entries.
//
// A Replica is owned by a single core and is not safe for concurrent
// mutation. Count is the only method that may be called from elsewhere.
type Replica struct {
	buckets []*entry
	mask    uint32
	max     int
	count   atomic.Int64
}

// NewReplica returns an empty table.
func NewReplica(opts ReplicaOptions) (*Replica, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := opts.Buckets
	if n == 0 {
		n = DefaultBuckets
	}
	return &Replica{buckets: make([]*entry, n), mask: uint32(n - 1), max: opts.MaxEntries}, nil
}

// Buckets returns the table size.
func (r *Replica) Buckets() int { return len(r.buckets) }

// Count returns the number of stored members.
func (r *Replica) Count() int { return int(r.count.Load()) }

// Lookup reports whether m is a member. Malformed members are never found.
func (r *Replica) Lookup(m Member) bool {
	h, err := Fold(m, r.mask)
	if err != nil {
		return false
	}
	for e := r.buckets[h]; e != nil; e = e.next {
		if e.member == m {
			return true
		}
	}
	return false
}

// Insert adds m at the head of its bucket chain.
func (r *Replica) Insert(m Member) error {
	h, err := Fold(m, r.mask)
	if err != nil {
		return err
	}
	for e := r.buckets[h]; e != nil; e = e.next {
		if e.member == m {
			return ErrAlreadyExists
		}
	}
	if r.max > 0 && r.Count() >= r.max {
		return fmt.Errorf("%w: table holds %d entries", ErrOutOfMemory, r.max)
	}
	r.buckets[h] = &entry{member: m, next: r.buckets[h]}
	r.count.Add(1)
	return nil
}

// Remove unlinks m.
func (r *Replica) Remove(m Member) error {
	h, err := Fold(m, r.mask)
	if err != nil {
		return err
	}
	for p := &r.buckets[h]; *p != nil; p = &(*p).next {
		if (*p).member == m {
			*p = (*p).next
			r.count.Add(-1)
			return nil
		}
	}
	return ErrNotFound
}

// Flush releases every entry one by one and returns how many were released.
func (r *Replica) Flush() int {
	n := 0
	for i := range r.buckets {
		for r.buckets[i] != nil {
			e := r.buckets[i]
			r.buckets[i] = e.next
			e.next = nil
			r.count.Add(-1)
			n++
		}
	}
	return n
}

// Walk calls fn for every member in bucket order, then chain order, until fn
// returns false.
func (r *Replica) Walk(fn func(Member) bool) {
	for _, head := range r.buckets {
		for e := head; e != nil; e = e.next {
			if !fn(e.member) {
				return
			}
		}
	}
}

// Snapshot returns up to limit members in Walk order. limit <= 0 returns all.
func (r *Replica) Snapshot(limit int) []Member {
	n := r.Count()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Member, 0, n)
	r.Walk(func(m Member) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, m)
		return true
	})
	return out
}

// Apply runs b against the table record by record. Soft outcomes are recorded
// and processing continues; the first hard outcome stops the batch and is
// returned, leaving earlier records applied. A Flush batch empties the table.
func (r *Replica) Apply(b Batch) ([]Result, error) {
	switch b.Op {
	case OpFlush:
		r.Flush()
		return nil, nil
	case OpAdd, OpDelete:
	default:
		return nil, fmt.Errorf("%w: op %s", ErrNotSupported, b.Op)
	}
	if len(b.Members) == 0 {
		return nil, fmt.Errorf("%w: empty %s batch", ErrInvalidArgument, b.Op)
	}
	results := make([]Result, 0, len(b.Members))
	for _, m := range b.Members {
		if m.Placeholder() {
			results = append(results, Result{Member: m, Err: ErrSkipped})
			continue
		}
		var err error
		if b.Op == OpAdd {
			err = r.Insert(m)
		} else {
			err = r.Remove(m)
		}
		results = append(results, Result{Member: m, Err: err})
		if err != nil && !IsSoft(err) {
			return results, err
		}
	}
	return results, nil
}

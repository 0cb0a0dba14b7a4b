// Package vclock implements the vector clocks used to version rendezvous
// records across the federation. A clock maps a writer's server ID to a
// monotonically increasing counter.
package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// Clock maps server ID -> counter. The zero value (nil) is a valid empty clock.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for id, n := range c {
		out[id] = n
	}
	return out
}

// Tick increments the counter for id and returns the clock for chaining.
func (c Clock) Tick(id string) Clock {
	c[id]++
	return c
}

// Compare determines the causal relationship of c to other.
// Before means c happened before other; After means c dominates other.
func (c Clock) Compare(other Clock) Ordering {
	var less, greater bool
	for id, n := range c {
		if o := other[id]; n > o {
			greater = true
		} else if n < o {
			less = true
		}
	}
	for id, o := range other {
		if _, ok := c[id]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case greater:
		return After
	case less:
		return Before
	}
	return Equal
}

// Dominates reports whether c is causally at or after other.
func (c Clock) Dominates(other Clock) bool {
	ord := c.Compare(other)
	return ord == After || ord == Equal
}

// Merge returns a new clock that dominates both inputs (component-wise max).
func (c Clock) Merge(other Clock) Clock {
	out := c.Copy()
	for id, n := range other {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Prune drops entries for which keep returns false. Used to bound clock
// growth once a server has been evicted from the membership table for
// longer than the dead-eviction grace period.
func (c Clock) Prune(keep func(id string) bool) {
	for id := range c {
		if !keep(id) {
			delete(c, id)
		}
	}
}

// String renders the clock deterministically ("a:1;b:3"), sorted by
// server ID. The serialized form is stable so it can feed tie-break hashes.
func (c Clock) String() string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s:%d", id, c[id])
	}
	return b.String()
}

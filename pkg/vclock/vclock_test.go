package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	a := Clock{"s1": 2, "s2": 1}
	b := Clock{"s1": 2, "s2": 1}
	assert.Equal(t, Equal, a.Compare(b))

	b = Clock{"s1": 3, "s2": 1}
	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))

	// Divergent writers are concurrent.
	a = Clock{"s1": 3, "s2": 1}
	b = Clock{"s1": 2, "s2": 4}
	assert.Equal(t, Concurrent, a.Compare(b))
	assert.Equal(t, Concurrent, b.Compare(a))
}

func TestCompareMissingEntries(t *testing.T) {
	a := Clock{"s1": 1}
	b := Clock{"s1": 1, "s2": 1}
	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))

	// Zero-valued entries are equivalent to absent ones.
	b = Clock{"s1": 1, "s2": 0}
	assert.Equal(t, Equal, a.Compare(b))

	var empty Clock
	assert.Equal(t, Before, empty.Compare(a))
	assert.True(t, a.Dominates(empty))
}

func TestMergeDominatesInputs(t *testing.T) {
	a := Clock{"s1": 3, "s2": 1}
	b := Clock{"s1": 2, "s2": 4, "s3": 1}

	m := a.Merge(b)
	assert.True(t, m.Dominates(a))
	assert.True(t, m.Dominates(b))
	assert.Equal(t, Clock{"s1": 3, "s2": 4, "s3": 1}, m)

	// Merge is commutative.
	assert.Equal(t, m, b.Merge(a))

	// Inputs are untouched.
	assert.Equal(t, Clock{"s1": 3, "s2": 1}, a)
}

func TestTick(t *testing.T) {
	c := New()
	c.Tick("s1").Tick("s1").Tick("s2")
	assert.Equal(t, Clock{"s1": 2, "s2": 1}, c)
}

func TestPrune(t *testing.T) {
	c := Clock{"s1": 2, "gone": 7}
	c.Prune(func(id string) bool { return id != "gone" })
	assert.Equal(t, Clock{"s1": 2}, c)
}

func TestStringDeterministic(t *testing.T) {
	c := Clock{"b": 2, "a": 1, "c": 3}
	assert.Equal(t, "a:1;b:2;c:3", c.String())
	assert.Equal(t, "", Clock{}.String())
}

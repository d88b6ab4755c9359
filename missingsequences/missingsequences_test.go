package missingsequences

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearSetsSince(t *testing.T) {
	tr := New()
	tr.Clear("seq-0")
	assert.Equal(t, "seq-0", tr.Since())
	assert.Equal(t, 0, tr.Size())
}

func TestAddThenRemoveInOrderAdvancesSince(t *testing.T) {
	tr := New()
	tr.Clear("")

	tr.Add("1", 10)
	tr.Add("2", 20)
	tr.Add("3", 30)
	require.Equal(t, 3, tr.Size())

	wasEarliest, size := tr.Remove("1")
	assert.True(t, wasEarliest)
	assert.Equal(t, uint64(10), size)
	assert.Equal(t, "1", tr.Since())
	assert.Equal(t, 2, tr.Size())

	wasEarliest, size = tr.Remove("2")
	assert.True(t, wasEarliest)
	assert.Equal(t, uint64(20), size)
	assert.Equal(t, "2", tr.Since())
}

func TestRemoveOutOfOrderDoesNotAdvanceUntilGapFilled(t *testing.T) {
	tr := New()
	tr.Clear("")
	tr.Add("1", 1)
	tr.Add("2", 2)
	tr.Add("3", 3)

	// Remove the middle one first: since must not move, since "1" is
	// still outstanding (M1).
	wasEarliest, _ := tr.Remove("2")
	assert.False(t, wasEarliest)
	assert.Equal(t, "", tr.Since())
	assert.Equal(t, 2, tr.Size())

	// Now remove the head: since jumps all the way past the
	// already-removed "2" too, since both are now contiguous gaps.
	wasEarliest, _ = tr.Remove("1")
	assert.True(t, wasEarliest)
	assert.Equal(t, "2", tr.Since())
	assert.Equal(t, 1, tr.Size())
}

func TestRemoveMissingIsNoop(t *testing.T) {
	tr := New()
	tr.Clear("")
	tr.Add("1", 1)

	wasEarliest, size := tr.Remove("not-there")
	assert.False(t, wasEarliest)
	assert.Equal(t, uint64(0), size)
	assert.Equal(t, 1, tr.Size())
}

func TestSinceNeverMovesBackward(t *testing.T) {
	tr := New()
	tr.Clear("")
	tr.Add("1", 1)
	tr.Add("2", 2)

	tr.Remove("1")
	require.Equal(t, "1", tr.Since())
	tr.Remove("2")
	assert.Equal(t, "2", tr.Since())
}

func TestAddIgnoresEmptySequence(t *testing.T) {
	tr := New()
	tr.Clear("")
	tr.Add("", 99)
	assert.Equal(t, 0, tr.Size())
	assert.Equal(t, uint64(0), tr.BodySizeOfSequence(""))
}

func TestAddKeepsEarliestBodySizeOnDuplicate(t *testing.T) {
	tr := New()
	tr.Clear("")
	tr.Add("1", 5)
	tr.Add("1", 999)
	assert.Equal(t, uint64(5), tr.BodySizeOfSequence("1"))
}

func TestBodySizeOfUnknownSequenceIsZero(t *testing.T) {
	tr := New()
	assert.Equal(t, uint64(0), tr.BodySizeOfSequence("nope"))
}

func TestPendingPreservesAdvertisementOrder(t *testing.T) {
	tr := New()
	tr.Clear("")
	tr.Add("1", 1)
	tr.Add("2", 2)
	tr.Add("3", 3)
	tr.Remove("2")

	assert.Equal(t, []string{"1", "3"}, tr.Pending())
}

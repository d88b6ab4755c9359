// Package missingsequences tracks remote sequences that have been
// advertised but not yet confirmed complete, and derives the monotonic
// "since" watermark that is safe to persist as a checkpoint.
package missingsequences

import "container/list"

type entry struct {
	seq      string
	bodySize uint64
	removed  bool
}

// Tracker is a FIFO of pending (sequence, bodySize) pairs in advertisement
// order, indexed for O(1) average removal, plus a since watermark.
//
// Invariants (see M1-M3 in the design docs this package implements):
//   - since is always the greatest advertised sequence such that every
//     sequence at or before it, in advertisement order, has been removed.
//   - removing a sequence not present is a no-op.
//   - since never moves backward.
//
// Not safe for concurrent use; callers run it on a single actor goroutine.
type Tracker struct {
	order *list.List
	index map[string]*list.Element
	since string
}

func New() *Tracker {
	return &Tracker{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Clear empties the set and resets since to s.
func (t *Tracker) Clear(since string) {
	t.order.Init()
	t.index = make(map[string]*list.Element)
	t.since = since
}

// Since returns the current watermark.
func (t *Tracker) Since() string { return t.since }

// Add appends seq with bodySize, unless already present, in which case the
// earlier bodySize wins. The empty sequence is never enqueued — it is a
// malformed-entry sentinel and is not subject to since-advancement.
func (t *Tracker) Add(seq string, bodySize uint64) {
	if seq == "" {
		return
	}
	if _, ok := t.index[seq]; ok {
		return
	}
	el := t.order.PushBack(&entry{seq: seq, bodySize: bodySize})
	t.index[seq] = el
}

// Remove deletes seq from the set. wasEarliest reports whether seq was the
// current head of the order list at the time of removal (regardless of
// whether since subsequently advances past it — advancement additionally
// requires every entry ahead of it to already be removed, which holds
// trivially when it was the head).
func (t *Tracker) Remove(seq string) (wasEarliest bool, bodySize uint64) {
	el, ok := t.index[seq]
	if !ok {
		return false, 0
	}
	delete(t.index, seq)
	e := el.Value.(*entry)
	bodySize = e.bodySize

	wasEarliest = t.order.Front() == el
	e.removed = true

	// Advance since by scanning from the old head forward, dropping every
	// contiguous removed entry. Sequences are opaque: we never compare
	// them, only ask "has this one been removed yet".
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		fe := front.Value.(*entry)
		if !fe.removed {
			break
		}
		t.since = fe.seq
		t.order.Remove(front)
	}
	return wasEarliest, bodySize
}

// BodySizeOfSequence returns the bodySize recorded for seq, or 0 if unknown.
func (t *Tracker) BodySizeOfSequence(seq string) uint64 {
	el, ok := t.index[seq]
	if !ok {
		return 0
	}
	return el.Value.(*entry).bodySize
}

// Size returns the count of sequences still pending (not yet removed).
func (t *Tracker) Size() int {
	return len(t.index)
}

// Pending returns the still-pending sequences in advertisement order, for
// diagnostics only.
func (t *Tracker) Pending() []string {
	out := make([]string, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.removed {
			out = append(out, e.seq)
		}
	}
	return out
}

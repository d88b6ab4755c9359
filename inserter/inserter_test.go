package inserter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/store"
)

func newTestRev(docID, revID string) *model.RevToInsert {
	return &model.RevToInsert{DocID: docID, RevID: revID, Done: make(chan struct{})}
}

func waitDone(t *testing.T, rev *model.RevToInsert) {
	t.Helper()
	select {
	case <-rev.Done:
	case <-time.After(2 * time.Second):
		t.Fatalf("rev %s/%s never finished", rev.DocID, rev.RevID)
	}
}

func TestInsertRevisionFlushesOnBatchSize(t *testing.T) {
	st := store.NewMemStore()
	ins := New(st, 2, time.Hour)
	ins.Start()
	defer ins.Stop()

	r1 := newTestRev("doc1", "1-a")
	r2 := newTestRev("doc2", "1-a")
	ins.InsertRevision(r1)
	ins.InsertRevision(r2)

	waitDone(t, r1)
	waitDone(t, r2)
	assert.NoError(t, r1.Err)
	assert.NoError(t, r2.Err)

	ok, err := st.Contains(nil, "doc1", "1-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertRevisionFlushesOnTimeout(t *testing.T) {
	st := store.NewMemStore()
	ins := New(st, 100, 20*time.Millisecond)
	ins.Start()
	defer ins.Stop()

	r1 := newTestRev("doc1", "1-a")
	ins.InsertRevision(r1)

	waitDone(t, r1)
	assert.NoError(t, r1.Err)
}

func TestInsertRevisionMarksProvisionalBeforeCommit(t *testing.T) {
	st := store.NewMemStore()
	ins := New(st, 1, time.Hour)
	ins.Start()
	defer ins.Stop()

	var provisional bool
	r1 := newTestRev("doc1", "1-a")
	r1.OnProvisional = func() { provisional = true }
	ins.InsertRevision(r1)

	waitDone(t, r1)
	assert.True(t, provisional)
}

func TestInsertRevisionPropagatesCommitFailure(t *testing.T) {
	st := store.NewMemStore()
	st.InsertFailure = assert.AnError
	st.InsertFailureTransient = true

	ins := New(st, 1, time.Hour)
	ins.Start()
	defer ins.Stop()

	r1 := newTestRev("doc1", "1-a")
	ins.InsertRevision(r1)

	waitDone(t, r1)
	assert.Equal(t, assert.AnError, r1.Err)
	assert.True(t, r1.ErrTransient)
}

func TestInsertRevisionPreservesPerDocumentOrder(t *testing.T) {
	st := store.NewMemStore()
	ins := New(st, 3, time.Hour)
	ins.Start()
	defer ins.Stop()

	r1 := newTestRev("doc1", "1-a")
	r2 := newTestRev("doc1", "2-b")
	r3 := newTestRev("doc1", "3-c")
	ins.InsertRevision(r1)
	ins.InsertRevision(r2)
	ins.InsertRevision(r3)

	waitDone(t, r1)
	waitDone(t, r2)
	waitDone(t, r3)

	winner, err := st.CanAppendLinear(nil, "doc1", "4-d", []string{"3-c"})
	require.NoError(t, err)
	assert.True(t, winner)
}

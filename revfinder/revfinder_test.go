package revfinder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/pullreplicator/base"
	"github.com/couchbase/pullreplicator/docset"
	"github.com/couchbase/pullreplicator/model"
	"github.com/couchbase/pullreplicator/store"
	"github.com/couchbase/pullreplicator/wire"
)

func TestFindOrRequestRevsNewDocumentIsWanted(t *testing.T) {
	st := store.NewMemStore()
	ids := docset.New()
	rf := New(st, ids)
	rf.Start()
	defer rf.Stop()

	done := make(chan []bool, 1)
	rf.FindOrRequestRevs(Request{
		Descriptors: []model.RevDescriptor{
			{Sequence: "1", DocID: "doc1", RevID: "1-abc"},
		},
		Callback: func(which []bool) { done <- which },
	})

	select {
	case which := <-done:
		require.Len(t, which, 1)
		assert.True(t, which[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback")
	}

	assert.True(t, ids.Contains("doc1"))
}

func TestFindOrRequestRevsAlreadyHeldIsSkipped(t *testing.T) {
	st := store.NewMemStore()
	st.Seed("doc1", "1-abc", nil)
	rf := New(st, docset.New())
	rf.Start()
	defer rf.Stop()

	done := make(chan []bool, 1)
	rf.FindOrRequestRevs(Request{
		Descriptors: []model.RevDescriptor{{Sequence: "1", DocID: "doc1", RevID: "1-abc"}},
		Callback:    func(which []bool) { done <- which },
	})

	which := <-done
	assert.False(t, which[0])
}

func TestFindOrRequestRevsSkipDeletedDuringCatchUp(t *testing.T) {
	st := store.NewMemStore()
	rf := New(st, docset.New())
	rf.Start()
	defer rf.Stop()

	done := make(chan []bool, 1)
	rf.FindOrRequestRevs(Request{
		Descriptors: []model.RevDescriptor{
			{Sequence: "1", DocID: "doc1", RevID: "1-abc", Flags: model.RevFlagDeleted},
		},
		SkipDeleted: true,
		Callback:    func(which []bool) { done <- which },
	})

	which := <-done
	assert.False(t, which[0])
}

func TestFindOrRequestRevsProposeChangesRejectsConflict(t *testing.T) {
	local, remote := wire.NewPipe()
	defer local.Close()
	defer remote.Close()

	st := store.NewMemStore()
	st.Seed("doc1", "1-aaa", nil) // existing winner is 1-aaa, not 1-bbb

	replyCh := make(chan *wire.Message, 1)

	rf := New(st, docset.New())
	rf.Start()
	defer rf.Stop()

	done := make(chan []bool, 1)
	local.RegisterHandler(base.ProfileProposeChanges, func(msg *wire.Message) {
		rf.FindOrRequestRevs(Request{
			Msg:            msg,
			ProposeChanges: true,
			Descriptors: []model.RevDescriptor{
				{DocID: "doc1", RevID: "2-bbb", History: []string{"1-bbb"}},
			},
			Callback: func(which []bool) { done <- which },
		})
	})

	// Send the incoming proposeChanges request over the wire so Msg.Respond
	// round-trips to something we can observe.
	reqHandle := remote.SendRequest(wire.NewMessageBuilder(base.ProfileProposeChanges), false)
	go func() {
		for p := range reqHandle.Progress {
			if p.Reply != nil {
				replyCh <- p.Reply
			}
			return
		}
	}()

	which := <-done
	assert.False(t, which[0])

	reply := <-replyCh
	var codes []json.Number
	require.NoError(t, reply.JSONBody(&codes))
	require.Len(t, codes, 1)
	assert.Equal(t, "409", codes[0].String())
}

package incomingrev

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/pullreplicator/base"
	ins "github.com/couchbase/pullreplicator/inserter"
	"github.com/couchbase/pullreplicator/store"
	"github.com/couchbase/pullreplicator/wire"
)

func newRevMessage(local, remote *wire.Conn, id, rev, history string, body []byte) *wire.Message {
	var captured *wire.Message
	done := make(chan struct{})
	local.RegisterHandler("rev", func(m *wire.Message) {
		captured = m
		close(done)
	})
	b := wire.NewMessageBuilder("rev")
	b.Set("id", id)
	b.Set("rev", rev)
	if history != "" {
		b.Set("history", history)
	}
	b.Body = body
	remote.SendRequest(b, false)
	<-done
	return captured
}

func TestRunCommitsSimpleRevision(t *testing.T) {
	local, remote := wire.NewPipe()
	defer local.Close()
	defer remote.Close()

	st := store.NewMemStore()
	inserterActor := ins.New(st, 1, time.Hour)
	inserterActor.Start()
	defer inserterActor.Stop()

	ir := New(local, inserterActor, 4)
	msg := newRevMessage(local, remote, "doc1", "1-abc", "", []byte(`{"hello":"world"}`))

	finished := make(chan *IncomingRev, 1)
	ir.Run(msg, "100", false, Callbacks{OnFinished: func(ir *IncomingRev) { finished <- ir }})

	select {
	case done := <-finished:
		assert.Equal(t, StateCommitted, done.State())
		assert.True(t, done.WasProvisionallyInserted())
		err, _ := done.Result()
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finish")
	}

	ok, err := st.Contains(nil, "doc1", "1-abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunSurfacesCommitFailureAsErrored(t *testing.T) {
	local, remote := wire.NewPipe()
	defer local.Close()
	defer remote.Close()

	st := store.NewMemStore()
	st.InsertFailure = assert.AnError
	st.InsertFailureTransient = true

	inserterActor := ins.New(st, 1, time.Hour)
	inserterActor.Start()
	defer inserterActor.Stop()

	ir := New(local, inserterActor, 4)
	msg := newRevMessage(local, remote, "doc1", "1-abc", "", nil)

	finished := make(chan *IncomingRev, 1)
	ir.Run(msg, "100", false, Callbacks{OnFinished: func(ir *IncomingRev) { finished <- ir }})

	done := <-finished
	assert.Equal(t, StateErrored, done.State())
	err, transient := done.Result()
	assert.Error(t, err)
	assert.True(t, transient)
}

func TestRunFetchesStubbedAttachmentBeforeInserting(t *testing.T) {
	local, remote := wire.NewPipe()
	defer local.Close()
	defer remote.Close()

	remote.RegisterHandler(base.ProfileGetAttachment, func(m *wire.Message) {
		assert.Equal(t, "sha1-abc123", m.Property("digest"))
		m.Respond([]byte(base64.StdEncoding.EncodeToString([]byte("blob-bytes"))))
	})

	st := store.NewMemStore()
	inserterActor := ins.New(st, 1, time.Hour)
	inserterActor.Start()
	defer inserterActor.Stop()

	ir := New(local, inserterActor, 4)
	body, err := json.Marshal(map[string]any{
		"_attachments": map[string]any{
			"photo.jpg": map[string]any{"digest": "sha1-abc123", "stub": true},
		},
	})
	require.NoError(t, err)
	msg := newRevMessage(local, remote, "doc1", "1-abc", "", body)

	finished := make(chan *IncomingRev, 1)
	ir.Run(msg, "100", false, Callbacks{OnFinished: func(ir *IncomingRev) { finished <- ir }})

	select {
	case done := <-finished:
		assert.Equal(t, StateCommitted, done.State())
		err, _ := done.Result()
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finish")
	}

	stored, ok := st.RevisionBody("doc1", "1-abc")
	require.True(t, ok)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stored, &doc))
	atts, ok := doc["_attachments"].(map[string]any)
	require.True(t, ok)
	photo, ok := atts["photo.jpg"].(map[string]any)
	require.True(t, ok)
	// Stub has json:",omitempty"; once cleared to false it's dropped
	// entirely rather than written out as false.
	if stub, present := photo["stub"]; present {
		assert.False(t, stub.(bool))
	}
	decoded, err := base64.StdEncoding.DecodeString(photo["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, "blob-bytes", string(decoded))
}

func TestRunSurfacesAttachmentFetchFailure(t *testing.T) {
	local, remote := wire.NewPipe()
	defer local.Close()
	defer remote.Close()

	remote.RegisterHandler(base.ProfileGetAttachment, func(m *wire.Message) {
		m.RespondWithError(404, "no such attachment")
	})

	st := store.NewMemStore()
	inserterActor := ins.New(st, 1, time.Hour)
	inserterActor.Start()
	defer inserterActor.Stop()

	ir := New(local, inserterActor, 4)
	body, err := json.Marshal(map[string]any{
		"_attachments": map[string]any{
			"photo.jpg": map[string]any{"digest": "sha1-missing", "stub": true},
		},
	})
	require.NoError(t, err)
	msg := newRevMessage(local, remote, "doc1", "1-abc", "", body)

	finished := make(chan *IncomingRev, 1)
	ir.Run(msg, "100", false, Callbacks{OnFinished: func(ir *IncomingRev) { finished <- ir }})

	done := <-finished
	assert.Equal(t, StateErrored, done.State())
	assert.False(t, done.WasProvisionallyInserted())
	err, transient := done.Result()
	assert.Error(t, err)
	assert.True(t, transient)

	_, ok := st.RevisionBody("doc1", "1-abc")
	assert.False(t, ok)
}

func TestResetClearsStateForReuse(t *testing.T) {
	local, remote := wire.NewPipe()
	defer local.Close()
	defer remote.Close()

	st := store.NewMemStore()
	inserterActor := ins.New(st, 1, time.Hour)
	inserterActor.Start()
	defer inserterActor.Stop()

	ir := New(local, inserterActor, 4)
	msg := newRevMessage(local, remote, "doc1", "1-abc", "", nil)

	finished := make(chan struct{}, 1)
	ir.Run(msg, "100", false, Callbacks{OnFinished: func(*IncomingRev) { close(finished) }})
	<-finished

	ir.Reset()
	assert.Equal(t, StateIdle, ir.State())
	assert.Equal(t, "", ir.DocID())
	assert.False(t, ir.WasProvisionallyInserted())
}

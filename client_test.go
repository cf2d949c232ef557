package docsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type fakeConnection struct {
	opened chan *fakeStreamConn
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		opened: make(chan *fakeStreamConn, 4),
	}
}

func (self *fakeConnection) OpenStream(ctx context.Context, path string, headers map[string]string) (StreamConn, error) {
	stream := &fakeStreamConn{
		path:   path,
		sent:   make(chan []byte, 16),
		recv:   make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	self.opened <- stream
	return stream, nil
}

func (self *fakeConnection) awaitStream(t *testing.T, path string) *fakeStreamConn {
	t.Helper()
	select {
	case stream := <-self.opened:
		assert.Equal(t, stream.path, path)
		return stream
	case <-time.After(5 * time.Second):
		t.Fatalf("no stream opened for %s", path)
		return nil
	}
}

type fakeStreamConn struct {
	path   string
	sent   chan []byte
	recv   chan []byte
	fail   chan error
	closed chan struct{}
}

func (self *fakeStreamConn) Send(ctx context.Context, message any) error {
	frame, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case self.sent <- frame:
		return nil
	case <-self.closed:
		return NewStatusError(CodeUnavailable, "stream closed")
	}
}

func (self *fakeStreamConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-self.recv:
		return frame, nil
	case err := <-self.fail:
		return nil, err
	case <-self.closed:
		return nil, NewStatusError(CodeUnavailable, "stream closed")
	case <-ctx.Done():
		return nil, NewStatusError(CodeUnavailable, "%s", ctx.Err())
	}
}

func (self *fakeStreamConn) Close() error {
	select {
	case <-self.closed:
	default:
		close(self.closed)
	}
	return nil
}

func (self *fakeStreamConn) push(t *testing.T, message any) {
	t.Helper()
	frame, err := json.Marshal(message)
	assert.Equal(t, err, nil)
	select {
	case self.recv <- frame:
	case <-time.After(5 * time.Second):
		t.Fatal("push timed out")
	}
}

func (self *fakeStreamConn) awaitFrame(t *testing.T, message any) {
	t.Helper()
	select {
	case frame := <-self.sent:
		assert.Equal(t, json.Unmarshal(frame, message), nil)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame sent")
	}
}

func nextSnapshot(t *testing.T, snapshots chan *ViewSnapshot) *ViewSnapshot {
	t.Helper()
	select {
	case snapshot := <-snapshots:
		return snapshot
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot raised")
		return nil
	}
}

func TestClientEndToEnd(t *testing.T) {
	connection := newFakeConnection()
	client := NewClient(
		context.Background(),
		DefaultClientSettings(DatabaseId{ProjectId: "p", Database: "d"}),
		NewMemoryPersistence(),
		connection,
		NewEmptyCredentialsProvider(),
	)
	defer client.Shutdown()

	snapshots := make(chan *ViewSnapshot, 16)
	rooms, _ := ParseResourcePath("rooms")
	listener, err := client.Listen(NewQuery(rooms), ListenOptions{}, func(snapshot *ViewSnapshot, err error) {
		if err == nil {
			snapshots <- snapshot
		}
	})
	assert.Equal(t, err, nil)

	// the initial snapshot comes from cache before any server contact
	initial := nextSnapshot(t, snapshots)
	assert.Equal(t, initial.Documents.Len(), 0)
	assert.Equal(t, initial.FromCache, true)

	watch := connection.awaitStream(t, WatchStreamPath)
	listenRequest := ListenRequest{}
	watch.awaitFrame(t, &listenRequest)
	assert.Equal(t, listenRequest.Database, "projects/p/databases/d")
	assert.Equal(t, listenRequest.AddTarget.TargetId, int32(2))

	// the server confirms the target, streams a document, marks the target
	// current, and closes the round
	watch.push(t, ListenResponse{TargetChange: &WireTargetChange{
		ChangeType: WireTargetChangeAdd,
		TargetIds:  []int32{2},
	}})
	watch.push(t, ListenResponse{DocumentChange: &WireDocumentChange{
		Document: WireDocument{
			Name:       "projects/p/databases/d/documents/rooms/eros",
			Fields:     map[string]Value{"name": StringValue("eros")},
			UpdateTime: "2024-03-01T12:00:00Z",
		},
		TargetIds: []int32{2},
	}})
	watch.push(t, ListenResponse{TargetChange: &WireTargetChange{
		ChangeType: WireTargetChangeCurrent,
		TargetIds:  []int32{2},
	}})
	watch.push(t, ListenResponse{TargetChange: &WireTargetChange{
		ResumeToken: []byte("resume-1"),
		ReadTime:    "2024-03-01T12:00:01Z",
	}})

	synced := nextSnapshot(t, snapshots)
	assert.Equal(t, synced.Documents.Len(), 1)
	assert.Equal(t, synced.Documents.Has(RequireDocumentKey("rooms/eros")), true)
	assert.Equal(t, synced.FromCache, false)

	// a local write is visible immediately and pipelined to the server
	ack, err := client.Write([]Mutation{
		SetMutation(RequireDocumentKey("rooms/firm"), MapValue(map[string]Value{"name": StringValue("firm")})),
	})
	assert.Equal(t, err, nil)

	local := nextSnapshot(t, snapshots)
	assert.Equal(t, local.Documents.Len(), 2)
	assert.Equal(t, local.Documents.Has(RequireDocumentKey("rooms/firm")), true)
	assert.Equal(t, local.HasPendingWrites, true)

	write := connection.awaitStream(t, WriteStreamPath)
	handshake := WriteRequest{}
	write.awaitFrame(t, &handshake)
	assert.Equal(t, handshake.Database, "projects/p/databases/d")
	assert.Equal(t, len(handshake.Writes), 0)
	write.push(t, WriteResponse{StreamToken: []byte("token-1")})

	writeRequest := WriteRequest{}
	write.awaitFrame(t, &writeRequest)
	assert.Equal(t, writeRequest.StreamToken, []byte("token-1"))
	assert.Equal(t, len(writeRequest.Writes), 1)
	assert.Equal(t, writeRequest.Writes[0].Update.Name, "projects/p/databases/d/documents/rooms/firm")

	write.push(t, WriteResponse{
		StreamToken:  []byte("token-2"),
		CommitTime:   "2024-03-01T12:00:02Z",
		WriteResults: []WireWriteResult{{UpdateTime: "2024-03-01T12:00:02Z"}},
	})

	select {
	case err := <-ack:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("write was not acknowledged")
	}

	// dropping the last listener releases the server target
	assert.Equal(t, client.Unlisten(listener), nil)
	unlistenRequest := ListenRequest{}
	watch.awaitFrame(t, &unlistenRequest)
	assert.Equal(t, unlistenRequest.RemoveTarget, int32(2))
}

func TestClientWatchResumeAfterStreamFailure(t *testing.T) {
	connection := newFakeConnection()
	client := NewClient(
		context.Background(),
		DefaultClientSettings(DatabaseId{ProjectId: "p", Database: "d"}),
		NewMemoryPersistence(),
		connection,
		NewEmptyCredentialsProvider(),
	)
	defer client.Shutdown()

	snapshots := make(chan *ViewSnapshot, 16)
	rooms, _ := ParseResourcePath("rooms")
	_, err := client.Listen(NewQuery(rooms), ListenOptions{}, func(snapshot *ViewSnapshot, err error) {
		if err == nil {
			snapshots <- snapshot
		}
	})
	assert.Equal(t, err, nil)
	nextSnapshot(t, snapshots)

	watch := connection.awaitStream(t, WatchStreamPath)
	listenRequest := ListenRequest{}
	watch.awaitFrame(t, &listenRequest)
	// a fresh target carries neither a resume token nor a count
	assert.Equal(t, len(listenRequest.AddTarget.ResumeToken), 0)
	assert.Equal(t, listenRequest.AddTarget.ExpectedCount, int32(0))

	watch.push(t, ListenResponse{TargetChange: &WireTargetChange{
		ChangeType: WireTargetChangeAdd,
		TargetIds:  []int32{2},
	}})
	watch.push(t, ListenResponse{DocumentChange: &WireDocumentChange{
		Document: WireDocument{
			Name:       "projects/p/databases/d/documents/rooms/eros",
			Fields:     map[string]Value{"name": StringValue("eros")},
			UpdateTime: "2024-03-01T12:00:00Z",
		},
		TargetIds: []int32{2},
	}})
	watch.push(t, ListenResponse{TargetChange: &WireTargetChange{
		ChangeType: WireTargetChangeCurrent,
		TargetIds:  []int32{2},
	}})
	watch.push(t, ListenResponse{TargetChange: &WireTargetChange{
		ResumeToken: []byte("resume-1"),
		ReadTime:    "2024-03-01T12:00:01Z",
	}})
	synced := nextSnapshot(t, snapshots)
	assert.Equal(t, synced.Documents.Len(), 1)

	// the stream drops; the reconnect resumes the target instead of
	// replaying it, and the cached membership size rides along so the
	// server can answer with an existence filter
	watch.fail <- NewStatusError(CodeUnavailable, "connection reset")

	resumed := connection.awaitStream(t, WatchStreamPath)
	resumeRequest := ListenRequest{}
	resumed.awaitFrame(t, &resumeRequest)
	assert.Equal(t, resumeRequest.AddTarget.TargetId, int32(2))
	assert.Equal(t, resumeRequest.AddTarget.ResumeToken, []byte("resume-1"))
	assert.Equal(t, resumeRequest.AddTarget.ExpectedCount, int32(1))
}

func TestClientWriteRejection(t *testing.T) {
	connection := newFakeConnection()
	client := NewClient(
		context.Background(),
		DefaultClientSettings(DatabaseId{ProjectId: "p", Database: "d"}),
		NewMemoryPersistence(),
		connection,
		NewEmptyCredentialsProvider(),
	)
	defer client.Shutdown()

	// a patch on a missing document fails its precondition server side
	ack, err := client.Write([]Mutation{
		PatchMutation(RequireDocumentKey("rooms/ghost"),
			MapValue(map[string]Value{"name": StringValue("ghost")}),
			FieldMask{RequireFieldPath("name")}),
	})
	assert.Equal(t, err, nil)

	write := connection.awaitStream(t, WriteStreamPath)
	handshake := WriteRequest{}
	write.awaitFrame(t, &handshake)
	write.push(t, WriteResponse{StreamToken: []byte("token-1")})
	writeRequest := WriteRequest{}
	write.awaitFrame(t, &writeRequest)

	// a permanent status closes the stream and settles the head batch
	write.fail <- NewStatusError(CodeFailedPrecondition, "no document")

	select {
	case err := <-ack:
		assert.Equal(t, StatusCode(err), CodeFailedPrecondition)
	case <-time.After(5 * time.Second):
		t.Fatal("write was not rejected")
	}
}

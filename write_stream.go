package docsync

import (
	"context"
	"encoding/json"
	"fmt"
)

type writeStreamListener interface {
	onWriteStreamOpen()
	onWriteStreamClose(err error)
	onWriteHandshakeComplete()
	onWriteResponse(commitVersion SnapshotVersion, results []MutationResult)
}

// ordered mutation channel. After the handshake, every request carries
// the stream token from the latest response, which lets the server
// resume the commit sequence across reconnects.
type WriteStream struct {
	*baseStream
	serializer *Serializer
	listener   writeStreamListener

	handshakeComplete bool
	lastStreamToken   []byte
}

func NewWriteStream(
	ctx context.Context,
	queue *AsyncQueue,
	datastore *Datastore,
	settings *StreamSettings,
	listener writeStreamListener,
) *WriteStream {
	stream := &WriteStream{
		baseStream: newBaseStream(
			ctx,
			queue,
			datastore,
			WriteStreamPath,
			settings,
			TimerIdWriteStreamConnectionBackoff,
			TimerIdWriteStreamIdle,
		),
		serializer: datastore.serializer,
		listener:   listener,
	}
	stream.onOpen = stream.handleOpen
	stream.onClose = stream.handleClose
	stream.onMessage = stream.handleMessage
	return stream
}

func (self *WriteStream) HandshakeComplete() bool {
	return self.handshakeComplete
}

func (self *WriteStream) WriteHandshake() {
	self.send(WriteRequest{
		Database: self.serializer.DatabaseName(),
	})
}

func (self *WriteStream) WriteMutations(mutations []Mutation) error {
	writes := make([]WireWrite, len(mutations))
	for i, m := range mutations {
		write, err := self.serializer.EncodeMutation(m)
		if err != nil {
			return err
		}
		writes[i] = write
	}
	self.send(WriteRequest{
		StreamToken: self.lastStreamToken,
		Writes:      writes,
	})
	return nil
}

func (self *WriteStream) handleOpen() {
	// left observable through close so the close handler can tell a
	// failed handshake from a failed write
	self.handshakeComplete = false
	self.listener.onWriteStreamOpen()
}

func (self *WriteStream) handleClose(err error) {
	self.listener.onWriteStreamClose(err)
}

func (self *WriteStream) handleMessage(frame []byte) error {
	response := WriteResponse{}
	if err := json.Unmarshal(frame, &response); err != nil {
		return err
	}
	if 0 < len(response.StreamToken) {
		self.lastStreamToken = response.StreamToken
	}

	if !self.handshakeComplete {
		// the first response carries no results, only the stream token
		if 0 < len(response.WriteResults) {
			return fmt.Errorf("write results before handshake")
		}
		self.handshakeComplete = true
		self.listener.onWriteHandshakeComplete()
		return nil
	}

	commitVersion, err := self.serializer.DecodeVersion(response.CommitTime)
	if err != nil {
		return err
	}
	results := make([]MutationResult, len(response.WriteResults))
	for i, wireResult := range response.WriteResults {
		result, err := self.serializer.DecodeMutationResult(wireResult, commitVersion)
		if err != nil {
			return err
		}
		results[i] = result
	}
	self.listener.onWriteResponse(commitVersion, results)
	return nil
}

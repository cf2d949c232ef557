package docsync

import (
	"context"
	"encoding/json"
)

type watchStreamListener interface {
	onWatchStreamOpen()
	onWatchStreamClose(err error)
	// snapshotVersion is non-zero only on messages that close a
	// consistent round
	onWatchStreamChange(change WatchChange, snapshotVersion SnapshotVersion)
}

// server push channel: registers targets and receives interleaved
// document and target updates
type WatchStream struct {
	*baseStream
	serializer *Serializer
	listener   watchStreamListener
}

func NewWatchStream(
	ctx context.Context,
	queue *AsyncQueue,
	datastore *Datastore,
	settings *StreamSettings,
	listener watchStreamListener,
) *WatchStream {
	stream := &WatchStream{
		baseStream: newBaseStream(
			ctx,
			queue,
			datastore,
			WatchStreamPath,
			settings,
			TimerIdListenStreamConnectionBackoff,
			TimerIdListenStreamIdle,
		),
		serializer: datastore.serializer,
		listener:   listener,
	}
	stream.onOpen = listener.onWatchStreamOpen
	stream.onClose = listener.onWatchStreamClose
	stream.onMessage = stream.handleMessage
	return stream
}

func (self *WatchStream) WatchTarget(targetData TargetData) {
	target := self.serializer.EncodeTarget(targetData)
	request := ListenRequest{
		Database:  self.serializer.DatabaseName(),
		AddTarget: &target,
	}
	if label := purposeLabel(targetData.Purpose); label != "" {
		request.Labels = map[string]string{"goog-listen-tags": label}
	}
	self.send(request)
}

func (self *WatchStream) UnwatchTarget(targetId int32) {
	self.send(ListenRequest{
		Database:     self.serializer.DatabaseName(),
		RemoveTarget: targetId,
	})
}

func purposeLabel(purpose TargetPurpose) string {
	switch purpose {
	case TargetPurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case TargetPurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case TargetPurposeLimboResolution:
		return "limbo-document"
	default:
		return ""
	}
}

func (self *WatchStream) handleMessage(frame []byte) error {
	response := ListenResponse{}
	if err := json.Unmarshal(frame, &response); err != nil {
		return err
	}
	change, err := self.serializer.DecodeWatchChange(response)
	if err != nil {
		return err
	}

	// a global no-change with a read time is the snapshot boundary
	snapshotVersion := SnapshotVersion{}
	if targetChange, ok := change.(*WatchTargetChange); ok {
		if targetChange.State == WatchTargetChangeStateNoChange && len(targetChange.TargetIds) == 0 {
			snapshotVersion = targetChange.ReadTime
		}
	}
	self.listener.onWatchStreamChange(change, snapshotVersion)
	return nil
}

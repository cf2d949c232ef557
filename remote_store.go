package docsync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type OnlineState int

const (
	OnlineStateUnknown OnlineState = iota
	OnlineStateOnline
	OnlineStateOffline
)

func (self OnlineState) String() string {
	switch self {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// the sync engine surface the remote store drives
type RemoteSyncer interface {
	applyRemoteEvent(event RemoteEvent) error
	rejectListen(targetId int32, cause error) error
	applySuccessfulWrite(batchResult MutationBatchResult) error
	rejectFailedWrite(batchId int64, cause error) error
	getRemoteKeysForTarget(targetId int32) DocumentKeySet
	handleOnlineStateChange(state OnlineState)
}

type RemoteStoreSettings struct {
	// batches in flight on the write stream at once. Bounds memory and
	// loss on a failed stream while keeping the pipe full.
	MaxPendingWrites int
	// consecutive watch failures before the engine reports offline
	MaxWatchStreamFailures int
	// how long to wait for the first watch success before reporting
	// offline anyway
	OnlineStateTimeout time.Duration
	Stream             *StreamSettings
}

func DefaultRemoteStoreSettings() *RemoteStoreSettings {
	return &RemoteStoreSettings{
		MaxPendingWrites:       10,
		MaxWatchStreamFailures: 1,
		OnlineStateTimeout:     10 * time.Second,
		Stream:                 DefaultStreamSettings(),
	}
}

// owns the two streams and reconciles their lifecycle with network
// state: registers watch targets, pipelines writes in order, and
// reports online state transitions
type RemoteStore struct {
	ctx        context.Context
	settings   *RemoteStoreSettings
	localStore *LocalStore
	datastore  *Datastore
	queue      *AsyncQueue
	syncer     RemoteSyncer

	watchStream        *WatchStream
	writeStream        *WriteStream
	onlineStateTracker *onlineStateTracker

	networkEnabled bool
	listenTargets  map[int32]TargetData
	aggregator     *WatchChangeAggregator
	// batches sent or ready to send, in batch id order. Responses
	// acknowledge the head.
	writePipeline []MutationBatch
}

func NewRemoteStore(
	ctx context.Context,
	settings *RemoteStoreSettings,
	localStore *LocalStore,
	datastore *Datastore,
	queue *AsyncQueue,
) *RemoteStore {
	remoteStore := &RemoteStore{
		ctx:           ctx,
		settings:      settings,
		localStore:    localStore,
		datastore:     datastore,
		queue:         queue,
		listenTargets: map[int32]TargetData{},
	}
	remoteStore.watchStream = NewWatchStream(ctx, queue, datastore, settings.Stream, remoteStore)
	remoteStore.writeStream = NewWriteStream(ctx, queue, datastore, settings.Stream, remoteStore)
	return remoteStore
}

// the syncer is attached after construction to break the construction
// cycle with the sync engine
func (self *RemoteStore) SetSyncer(syncer RemoteSyncer) {
	self.syncer = syncer
	self.onlineStateTracker = newOnlineStateTracker(self.queue, self.settings, syncer.handleOnlineStateChange)
}

// TargetMetadataProvider

func (self *RemoteStore) GetRemoteKeysForTarget(targetId int32) DocumentKeySet {
	return self.syncer.getRemoteKeysForTarget(targetId)
}

func (self *RemoteStore) GetTargetDataForTarget(targetId int32) *TargetData {
	if targetData, ok := self.listenTargets[targetId]; ok {
		return &targetData
	}
	return nil
}

func (self *RemoteStore) GetDatabaseId() DatabaseId {
	return self.datastore.databaseId
}

// network lifecycle

func (self *RemoteStore) EnableNetwork() {
	self.networkEnabled = true
	if self.shouldStartWatchStream() {
		self.startWatchStream()
	} else {
		self.onlineStateTracker.set(OnlineStateUnknown)
	}
	self.FillWritePipeline()
}

func (self *RemoteStore) DisableNetwork() {
	self.disableNetworkInternal()
	self.onlineStateTracker.set(OnlineStateOffline)
}

func (self *RemoteStore) disableNetworkInternal() {
	self.networkEnabled = false
	self.watchStream.Stop()
	self.writeStream.Stop()
	if 0 < len(self.writePipeline) {
		glog.V(1).Infof("[remote]stop with %d pending batches\n", len(self.writePipeline))
		self.writePipeline = nil
	}
	self.cleanUpWatchStreamState()
}

func (self *RemoteStore) Shutdown() {
	self.disableNetworkInternal()
	self.onlineStateTracker.set(OnlineStateUnknown)
}

// tears the streams down so the next attempt picks up new credentials
func (self *RemoteStore) HandleCredentialChange() {
	if self.networkEnabled {
		self.onlineStateTracker.set(OnlineStateUnknown)
		self.disableNetworkInternal()
		self.EnableNetwork()
	}
}

// watch

func (self *RemoteStore) Listen(targetData TargetData) {
	if _, ok := self.listenTargets[targetData.TargetId]; ok {
		return
	}
	self.listenTargets[targetData.TargetId] = targetData

	if self.shouldStartWatchStream() {
		self.startWatchStream()
	} else if self.watchStream.IsOpen() {
		self.sendWatchRequest(targetData)
	}
}

func (self *RemoteStore) Unlisten(targetId int32) {
	if _, ok := self.listenTargets[targetId]; !ok {
		return
	}
	delete(self.listenTargets, targetId)
	if self.watchStream.IsOpen() {
		self.sendUnwatchRequest(targetId)
	}
	if len(self.listenTargets) == 0 {
		if self.watchStream.IsOpen() {
			self.watchStream.MarkIdle()
		} else if self.networkEnabled {
			// no reason to keep retrying a stream nobody needs
			self.watchStream.InhibitBackoff()
			self.onlineStateTracker.set(OnlineStateUnknown)
		}
	}
}

func (self *RemoteStore) sendWatchRequest(targetData TargetData) {
	self.aggregator.RecordPendingTargetRequest(targetData.TargetId)
	if 0 < len(targetData.ResumeToken) {
		// resuming with the cached membership count lets the server answer
		// with an existence filter instead of replaying the target state
		expectedCount := int32(len(self.GetRemoteKeysForTarget(targetData.TargetId)))
		targetData = targetData.WithExpectedCount(expectedCount)
	}
	self.watchStream.WatchTarget(targetData)
}

func (self *RemoteStore) sendUnwatchRequest(targetId int32) {
	self.aggregator.RecordPendingTargetRequest(targetId)
	self.watchStream.UnwatchTarget(targetId)
}

func (self *RemoteStore) shouldStartWatchStream() bool {
	return self.networkEnabled &&
		!self.watchStream.IsStarted() &&
		0 < len(self.listenTargets)
}

func (self *RemoteStore) startWatchStream() {
	self.aggregator = NewWatchChangeAggregator(self)
	self.watchStream.Start()
	self.onlineStateTracker.handleWatchStreamStart()
}

func (self *RemoteStore) cleanUpWatchStreamState() {
	self.aggregator = nil
}

func (self *RemoteStore) onWatchStreamOpen() {
	for _, targetData := range self.listenTargets {
		self.sendWatchRequest(targetData)
	}
}

func (self *RemoteStore) onWatchStreamClose(err error) {
	self.cleanUpWatchStreamState()

	if self.shouldStartWatchStream() {
		if err != nil {
			self.onlineStateTracker.handleWatchStreamFailure(err)
		}
		self.startWatchStream()
	} else {
		self.onlineStateTracker.set(OnlineStateUnknown)
	}
}

func (self *RemoteStore) onWatchStreamChange(change WatchChange, snapshotVersion SnapshotVersion) {
	self.onlineStateTracker.set(OnlineStateOnline)

	if targetChange, ok := change.(*WatchTargetChange); ok && targetChange.State == WatchTargetChangeStateRemoved && targetChange.Cause != nil {
		self.handleTargetError(targetChange)
		return
	}

	switch c := change.(type) {
	case *WatchTargetChange:
		self.aggregator.HandleTargetChange(c)
	case *WatchDocumentChange:
		self.aggregator.HandleDocumentChange(c)
	case *WatchExistenceFilterChange:
		self.aggregator.HandleExistenceFilter(c)
	}

	if !snapshotVersion.IsZero() {
		self.raiseWatchSnapshot(snapshotVersion)
	}
}

// closes the aggregation round and applies it. Targets the server
// contradicted are re-listened from scratch under their mismatch
// purpose, with no resume token so nothing stale carries over.
func (self *RemoteStore) raiseWatchSnapshot(snapshotVersion SnapshotVersion) {
	event := self.aggregator.CreateRemoteEvent(snapshotVersion)

	// absorb resume tokens so a reconnect resumes instead of replaying
	for targetId, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if targetData, ok := self.listenTargets[targetId]; ok {
			self.listenTargets[targetId] = targetData.WithResumeToken(change.ResumeToken, snapshotVersion)
		}
	}

	for targetId, purpose := range event.TargetMismatches {
		targetData, ok := self.listenTargets[targetId]
		if !ok {
			continue
		}
		targetData = targetData.WithResumeToken(nil, SnapshotVersion{}).WithPurpose(purpose)
		self.listenTargets[targetId] = targetData
		self.sendUnwatchRequest(targetId)
		self.sendWatchRequest(targetData)
	}

	if err := self.syncer.applyRemoteEvent(event); err != nil {
		glog.Infof("[remote]apply remote event: %s\n", err)
	}
}

func (self *RemoteStore) handleTargetError(change *WatchTargetChange) {
	for _, targetId := range change.TargetIds {
		if _, ok := self.listenTargets[targetId]; !ok {
			continue
		}
		delete(self.listenTargets, targetId)
		self.aggregator.removeTarget(targetId)
		if err := self.syncer.rejectListen(targetId, change.Cause); err != nil {
			glog.Infof("[remote]reject listen %d: %s\n", targetId, err)
		}
	}
}

// writes

// tops the pipeline up from the mutation queue, in batch id order, up to
// the in-flight bound
func (self *RemoteStore) FillWritePipeline() {
	if self.canAddToWritePipeline() {
		lastBatchId := int64(-1)
		if 0 < len(self.writePipeline) {
			lastBatchId = self.writePipeline[len(self.writePipeline)-1].BatchId
		}
		for self.canAddToWritePipeline() {
			batch, err := self.localStore.NextMutationBatch(self.ctx, lastBatchId)
			if err != nil {
				glog.Infof("[remote]fill write pipeline: %s\n", err)
				break
			}
			if batch == nil {
				break
			}
			self.addToWritePipeline(*batch)
			lastBatchId = batch.BatchId
		}
	}
	if len(self.writePipeline) == 0 {
		self.writeStream.MarkIdle()
	} else if self.shouldStartWriteStream() {
		self.startWriteStream()
	}
}

func (self *RemoteStore) canAddToWritePipeline() bool {
	return self.networkEnabled && len(self.writePipeline) < self.settings.MaxPendingWrites
}

func (self *RemoteStore) addToWritePipeline(batch MutationBatch) {
	self.writePipeline = append(self.writePipeline, batch)
	if self.writeStream.IsOpen() && self.writeStream.HandshakeComplete() {
		self.writeStream.WriteMutations(batch.Mutations)
	}
}

func (self *RemoteStore) shouldStartWriteStream() bool {
	return self.networkEnabled &&
		!self.writeStream.IsStarted() &&
		0 < len(self.writePipeline)
}

func (self *RemoteStore) startWriteStream() {
	self.writeStream.Start()
}

func (self *RemoteStore) onWriteStreamOpen() {
	self.writeStream.WriteHandshake()
}

func (self *RemoteStore) onWriteHandshakeComplete() {
	// resend everything in flight in order
	for _, batch := range self.writePipeline {
		self.writeStream.WriteMutations(batch.Mutations)
	}
}

func (self *RemoteStore) onWriteResponse(commitVersion SnapshotVersion, results []MutationResult) {
	if len(self.writePipeline) == 0 {
		glog.Infof("[remote]write response with empty pipeline\n")
		return
	}
	batch := self.writePipeline[0]
	self.writePipeline = self.writePipeline[1:]

	batchResult, err := NewMutationBatchResult(batch, commitVersion, results, self.writeStream.lastStreamToken)
	if err != nil {
		glog.Infof("[remote]bad write response for batch %d: %s\n", batch.BatchId, err)
		return
	}
	if err := self.syncer.applySuccessfulWrite(batchResult); err != nil {
		glog.Infof("[remote]apply write %d: %s\n", batch.BatchId, err)
	}
	self.FillWritePipeline()
}

func (self *RemoteStore) onWriteStreamClose(err error) {
	if err == nil {
		// graceful idle close
		if self.shouldStartWriteStream() {
			self.startWriteStream()
		}
		return
	}

	if self.writeStream.HandshakeComplete() && 0 < len(self.writePipeline) {
		// a permanent error is the server's verdict on the head batch.
		// Transient errors leave the pipeline alone for the resumed
		// stream to replay.
		if IsPermanentWriteError(err) {
			batch := self.writePipeline[0]
			self.writePipeline = self.writePipeline[1:]
			if rejectErr := self.syncer.rejectFailedWrite(batch.BatchId, err); rejectErr != nil {
				glog.Infof("[remote]reject write %d: %s\n", batch.BatchId, rejectErr)
			}
		}
	}
	if self.shouldStartWriteStream() {
		self.startWriteStream()
	}
}

// debounces stream health into the user visible online state. The first
// failure or a timeout flips to offline with a one time log line, a
// single success flips back to online.
type onlineStateTracker struct {
	queue    *AsyncQueue
	settings *RemoteStoreSettings
	onChange func(state OnlineState)

	state               OnlineState
	watchStreamFailures int
	onlineStateTimer    *DelayedTask
	warnedClientOffline bool
}

func newOnlineStateTracker(queue *AsyncQueue, settings *RemoteStoreSettings, onChange func(state OnlineState)) *onlineStateTracker {
	return &onlineStateTracker{
		queue:    queue,
		settings: settings,
		onChange: onChange,
	}
}

func (self *onlineStateTracker) handleWatchStreamStart() {
	if self.state != OnlineStateUnknown || self.onlineStateTimer != nil {
		return
	}
	self.onlineStateTimer = self.queue.EnqueueAfter(TimerIdOnlineStateTimeout, self.settings.OnlineStateTimeout, func() {
		self.onlineStateTimer = nil
		if self.state == OnlineStateUnknown {
			self.warnOffline("watch stream did not connect in time")
			self.setAndBroadcast(OnlineStateOffline)
		}
	})
}

func (self *onlineStateTracker) handleWatchStreamFailure(err error) {
	if self.state == OnlineStateOnline {
		self.setAndBroadcast(OnlineStateUnknown)
		return
	}
	self.watchStreamFailures += 1
	if self.settings.MaxWatchStreamFailures <= self.watchStreamFailures {
		self.clearOnlineStateTimer()
		self.warnOffline(err.Error())
		self.setAndBroadcast(OnlineStateOffline)
	}
}

func (self *onlineStateTracker) set(state OnlineState) {
	self.clearOnlineStateTimer()
	self.watchStreamFailures = 0
	if state == OnlineStateOnline {
		self.warnedClientOffline = false
	}
	self.setAndBroadcast(state)
}

func (self *onlineStateTracker) setAndBroadcast(state OnlineState) {
	if self.state == state {
		return
	}
	self.state = state
	self.onChange(state)
}

func (self *onlineStateTracker) warnOffline(reason string) {
	if self.warnedClientOffline {
		glog.V(1).Infof("[online]still offline: %s\n", reason)
		return
	}
	glog.Infof("[online]client appears offline, operating from cache: %s\n", reason)
	self.warnedClientOffline = true
}

func (self *onlineStateTracker) clearOnlineStateTimer() {
	if self.onlineStateTimer != nil {
		self.onlineStateTimer.Cancel()
		self.onlineStateTimer = nil
	}
}

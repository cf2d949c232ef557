package docsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/golang/glog"
)

type SyncEngineSettings struct {
	// cap on concurrent limbo resolution listens, so a large divergence
	// does not open unbounded single-document targets
	MaxConcurrentLimboResolutions int
}

func DefaultSyncEngineSettings() *SyncEngineSettings {
	return &SyncEngineSettings{
		MaxConcurrentLimboResolutions: 100,
	}
}

type syncEngineListener interface {
	onViewSnapshots(snapshots []ViewSnapshot)
	onListenError(query Query, err error)
	onOnlineStateChange(state OnlineState)
}

type queryView struct {
	query    Query
	targetId int32
	view     *View
}

type limboResolution struct {
	key DocumentKey
	// whether the limbo target has reported any authoritative state yet.
	// Used to answer the aggregator's membership question for the target.
	receivedDocument bool
}

// glues the local store, the remote store, and the views together.
// Runs entirely on the async queue.
type SyncEngine struct {
	ctx         context.Context
	settings    *SyncEngineSettings
	localStore  *LocalStore
	remoteStore *RemoteStore
	listener    syncEngineListener

	currentUser User

	queryViewsByQuery map[string]*queryView
	queriesByTarget   map[int32][]Query

	// limbo bookkeeping: which targets hold references to a limbo key,
	// the fifo of keys waiting for a resolution slot, and the active
	// single-document targets
	limboDocumentRefs              map[int32]DocumentKeySet
	enqueuedLimboResolutions       []DocumentKey
	enqueuedLimboKeys              DocumentKeySet
	activeLimboTargetsByKey        map[DocumentKey]int32
	activeLimboResolutionsByTarget map[int32]*limboResolution
	limboTargetIdGenerator         *targetIdGenerator

	// write acknowledgment channels per user scope and batch id
	mutationCallbacks map[User]map[int64]chan error
	// callers waiting for all writes pending at registration time
	pendingWritesCallbacks map[int64][]chan error
}

func NewSyncEngine(
	ctx context.Context,
	settings *SyncEngineSettings,
	localStore *LocalStore,
	remoteStore *RemoteStore,
	listener syncEngineListener,
	user User,
) *SyncEngine {
	return &SyncEngine{
		ctx:                            ctx,
		settings:                       settings,
		localStore:                     localStore,
		remoteStore:                    remoteStore,
		listener:                       listener,
		currentUser:                    user,
		queryViewsByQuery:              map[string]*queryView{},
		queriesByTarget:                map[int32][]Query{},
		limboDocumentRefs:              map[int32]DocumentKeySet{},
		enqueuedLimboKeys:              NewDocumentKeySet(),
		activeLimboTargetsByKey:        map[DocumentKey]int32{},
		activeLimboResolutionsByTarget: map[int32]*limboResolution{},
		limboTargetIdGenerator:         newLimboTargetIdGenerator(),
		mutationCallbacks:              map[User]map[int64]chan error{},
		pendingWritesCallbacks:         map[int64][]chan error{},
	}
}

// listens

// starts a query: serves the initial snapshot from cache immediately and
// registers a server target for live results
func (self *SyncEngine) Listen(query Query) (*ViewSnapshot, error) {
	canonicalId := query.CanonicalId()
	if _, ok := self.queryViewsByQuery[canonicalId]; ok {
		return nil, fmt.Errorf("already listening to %s", query)
	}

	targetData, err := self.localStore.AllocateTarget(self.ctx, query)
	if err != nil {
		return nil, err
	}
	snapshot, err := self.initializeViewAndComputeSnapshot(query, targetData.TargetId)
	if err != nil {
		return nil, err
	}
	self.remoteStore.Listen(targetData)
	return snapshot, nil
}

func (self *SyncEngine) initializeViewAndComputeSnapshot(query Query, targetId int32) (*ViewSnapshot, error) {
	queryResult, err := self.localStore.ExecuteQuery(self.ctx, query, true)
	if err != nil {
		return nil, err
	}
	view := NewView(query, queryResult.RemoteKeys)
	viewDocChanges := view.ComputeDocChanges(queryResult.Documents, nil)
	snapshot, limboChanges := view.ApplyChanges(viewDocChanges, true, nil)
	self.updateTrackedLimbos(targetId, limboChanges)

	self.queryViewsByQuery[query.CanonicalId()] = &queryView{
		query:    query,
		targetId: targetId,
		view:     view,
	}
	self.queriesByTarget[targetId] = append(self.queriesByTarget[targetId], query)
	return snapshot, nil
}

func (self *SyncEngine) Unlisten(query Query) error {
	canonicalId := query.CanonicalId()
	qv, ok := self.queryViewsByQuery[canonicalId]
	if !ok {
		return fmt.Errorf("not listening to %s", query)
	}
	delete(self.queryViewsByQuery, canonicalId)

	remaining := []Query{}
	for _, q := range self.queriesByTarget[qv.targetId] {
		if q.CanonicalId() != canonicalId {
			remaining = append(remaining, q)
		}
	}
	self.queriesByTarget[qv.targetId] = remaining
	if 0 < len(remaining) {
		return nil
	}

	delete(self.queriesByTarget, qv.targetId)
	self.removeLimboRefsForTarget(qv.targetId)
	self.remoteStore.Unlisten(qv.targetId)
	return self.localStore.ReleaseTarget(self.ctx, qv.targetId, false)
}

// writes

// applies the mutations locally, surfaces the optimistic snapshots, and
// queues the batch for the server. The returned channel delivers exactly
// one error value when the server acknowledges or rejects the batch.
func (self *SyncEngine) Write(mutations []Mutation) (<-chan error, error) {
	result, err := self.localStore.LocalWrite(self.ctx, mutations)
	if err != nil {
		return nil, err
	}

	ack := make(chan error, 1)
	callbacks, ok := self.mutationCallbacks[self.currentUser]
	if !ok {
		callbacks = map[int64]chan error{}
		self.mutationCallbacks[self.currentUser] = callbacks
	}
	callbacks[result.BatchId] = ack

	if err := self.emitNewSnapshotsAndNotifyLocalStore(result.Changes, nil); err != nil {
		return nil, err
	}
	self.remoteStore.FillWritePipeline()
	return ack, nil
}

func (self *SyncEngine) processMutationCallback(batchId int64, err error) {
	callbacks := self.mutationCallbacks[self.currentUser]
	if callbacks == nil {
		return
	}
	if ack, ok := callbacks[batchId]; ok {
		ack <- err
		delete(callbacks, batchId)
	}
}

// resolves once every batch pending at call time is acknowledged or
// rejected. New writes issued afterward do not extend the wait.
func (self *SyncEngine) WaitForPendingWrites() <-chan error {
	done := make(chan error, 1)
	if self.remoteStore.onlineStateTracker.state != OnlineStateOnline {
		glog.V(1).Infof("[sync]waiting for pending writes while offline\n")
	}

	highestBatchId, err := self.localStore.HighestUnacknowledgedBatchId(self.ctx)
	if err != nil {
		done <- err
		return done
	}
	if highestBatchId < 0 {
		done <- nil
		return done
	}
	self.pendingWritesCallbacks[highestBatchId] = append(self.pendingWritesCallbacks[highestBatchId], done)
	return done
}

func (self *SyncEngine) triggerPendingWritesCallbacks(batchId int64) {
	for _, done := range self.pendingWritesCallbacks[batchId] {
		done <- nil
	}
	delete(self.pendingWritesCallbacks, batchId)
}

func (self *SyncEngine) failOutstandingPendingWritesCallbacks(err error) {
	for batchId, callbacks := range self.pendingWritesCallbacks {
		for _, done := range callbacks {
			done <- err
		}
		delete(self.pendingWritesCallbacks, batchId)
	}
}

// RemoteSyncer

func (self *SyncEngine) applyRemoteEvent(event RemoteEvent) error {
	for targetId, change := range event.TargetChanges {
		limbo, ok := self.activeLimboResolutionsByTarget[targetId]
		if !ok {
			continue
		}
		// limbo targets watch exactly one document
		if 1 < len(change.AddedDocuments)+len(change.ModifiedDocuments)+len(change.RemovedDocuments) {
			return fmt.Errorf("limbo target %d with multiple document changes", targetId)
		}
		if 0 < len(change.AddedDocuments) {
			limbo.receivedDocument = true
		} else if 0 < len(change.RemovedDocuments) {
			limbo.receivedDocument = false
		}
	}

	changes, err := self.localStore.ApplyRemoteEvent(self.ctx, event)
	if err != nil {
		return err
	}
	return self.emitNewSnapshotsAndNotifyLocalStore(changes, &event)
}

func (self *SyncEngine) rejectListen(targetId int32, cause error) error {
	if limbo, ok := self.activeLimboResolutionsByTarget[targetId]; ok {
		// a rejected limbo listen means no access to the document, which
		// resolves the limbo state the same way a delete would
		key := limbo.key
		delete(self.activeLimboResolutionsByTarget, targetId)
		delete(self.activeLimboTargetsByKey, key)

		event := RemoteEvent{
			TargetChanges: map[int32]TargetChangeSet{},
			DocumentUpdates: map[DocumentKey]Document{
				key: NoDocument(key, SnapshotVersion{}),
			},
			ResolvedLimboDocuments: NewDocumentKeySet(key),
		}
		if err := self.applyRemoteEvent(event); err != nil {
			return err
		}
		self.pumpEnqueuedLimboResolutions()
		return nil
	}

	if err := self.localStore.ReleaseTarget(self.ctx, targetId, false); err != nil {
		return err
	}
	for _, query := range self.queriesByTarget[targetId] {
		delete(self.queryViewsByQuery, query.CanonicalId())
		self.listener.onListenError(query, cause)
	}
	delete(self.queriesByTarget, targetId)
	self.removeLimboRefsForTarget(targetId)
	return nil
}

func (self *SyncEngine) applySuccessfulWrite(batchResult MutationBatchResult) error {
	batchId := batchResult.Batch.BatchId
	changes, err := self.localStore.AcknowledgeBatch(self.ctx, batchResult)
	if err != nil {
		return err
	}
	self.processMutationCallback(batchId, nil)
	self.triggerPendingWritesCallbacks(batchId)
	return self.emitNewSnapshotsAndNotifyLocalStore(changes, nil)
}

func (self *SyncEngine) rejectFailedWrite(batchId int64, cause error) error {
	changes, err := self.localStore.RejectBatch(self.ctx, batchId)
	if err != nil {
		return err
	}
	glog.V(1).Infof("[sync]write %d rejected: %s\n", batchId, cause)
	self.processMutationCallback(batchId, cause)
	self.triggerPendingWritesCallbacks(batchId)
	return self.emitNewSnapshotsAndNotifyLocalStore(changes, nil)
}

func (self *SyncEngine) getRemoteKeysForTarget(targetId int32) DocumentKeySet {
	if limbo, ok := self.activeLimboResolutionsByTarget[targetId]; ok {
		keys := NewDocumentKeySet()
		if limbo.receivedDocument {
			keys.Add(limbo.key)
		}
		return keys
	}
	keys := NewDocumentKeySet()
	for _, query := range self.queriesByTarget[targetId] {
		if qv, ok := self.queryViewsByQuery[query.CanonicalId()]; ok {
			for key := range qv.view.SyncedDocuments() {
				keys.Add(key)
			}
		}
	}
	return keys
}

func (self *SyncEngine) handleOnlineStateChange(state OnlineState) {
	snapshots := []ViewSnapshot{}
	for _, qv := range self.queryViews() {
		snapshot, _ := qv.view.ApplyOnlineStateChange(state)
		if snapshot != nil {
			snapshots = append(snapshots, *snapshot)
		}
	}
	if 0 < len(snapshots) {
		self.listener.onViewSnapshots(snapshots)
	}
	self.listener.onOnlineStateChange(state)
}

// user changes

// switches the mutation scope: outstanding acknowledgment waits fail,
// views recompute against the new scope's pending writes, and the
// streams reconnect with the new credentials
func (self *SyncEngine) HandleCredentialChange(user User) error {
	if user == self.currentUser {
		return nil
	}
	glog.Infof("[sync]user changed %s -> %s\n", self.currentUser, user)
	self.currentUser = user

	self.failOutstandingPendingWritesCallbacks(ErrUserChanged)
	changes, err := self.localStore.SetUser(self.ctx, user)
	if err != nil {
		return err
	}
	if err := self.emitNewSnapshotsAndNotifyLocalStore(changes, nil); err != nil {
		return err
	}
	self.remoteStore.HandleCredentialChange()
	self.remoteStore.FillWritePipeline()
	return nil
}

// view maintenance

func (self *SyncEngine) emitNewSnapshotsAndNotifyLocalStore(changes map[DocumentKey]Document, remoteEvent *RemoteEvent) error {
	snapshots := []ViewSnapshot{}
	localViewChanges := []LocalViewChanges{}

	for _, qv := range self.queryViews() {
		viewDocChanges := qv.view.ComputeDocChanges(changes, nil)
		if viewDocChanges.NeedsRefill {
			// the view dropped below its limit, re-query the full result
			queryResult, err := self.localStore.ExecuteQuery(self.ctx, qv.query, false)
			if err != nil {
				return err
			}
			viewDocChanges = qv.view.ComputeDocChanges(queryResult.Documents, &viewDocChanges)
		}

		var targetChange *TargetChangeSet
		if remoteEvent != nil {
			if change, ok := remoteEvent.TargetChanges[qv.targetId]; ok {
				targetChange = &change
			}
		}
		snapshot, limboChanges := qv.view.ApplyChanges(viewDocChanges, true, targetChange)
		self.updateTrackedLimbos(qv.targetId, limboChanges)
		if snapshot != nil {
			snapshots = append(snapshots, *snapshot)
			localViewChanges = append(localViewChanges, LocalViewChanges{
				TargetId:  qv.targetId,
				FromCache: snapshot.FromCache,
			})
		}
	}

	if 0 < len(snapshots) {
		self.listener.onViewSnapshots(snapshots)
	}
	return self.localStore.NotifyLocalViewChanges(self.ctx, localViewChanges)
}

// stable iteration order over views
func (self *SyncEngine) queryViews() []*queryView {
	canonicalIds := make([]string, 0, len(self.queryViewsByQuery))
	for canonicalId := range self.queryViewsByQuery {
		canonicalIds = append(canonicalIds, canonicalId)
	}
	sort.Strings(canonicalIds)
	queryViews := make([]*queryView, 0, len(canonicalIds))
	for _, canonicalId := range canonicalIds {
		queryViews = append(queryViews, self.queryViewsByQuery[canonicalId])
	}
	return queryViews
}

// limbo resolution

func (self *SyncEngine) updateTrackedLimbos(targetId int32, limboChanges []LimboDocumentChange) {
	for _, change := range limboChanges {
		if change.Added {
			refs, ok := self.limboDocumentRefs[targetId]
			if !ok {
				refs = NewDocumentKeySet()
				self.limboDocumentRefs[targetId] = refs
			}
			refs.Add(change.Key)
			self.trackLimboChange(change.Key)
		} else {
			if refs, ok := self.limboDocumentRefs[targetId]; ok {
				refs.Remove(change.Key)
			}
			if !self.isLimboKeyReferenced(change.Key) {
				self.removeLimboTarget(change.Key)
			}
		}
	}
}

func (self *SyncEngine) trackLimboChange(key DocumentKey) {
	_, active := self.activeLimboTargetsByKey[key]
	if active || self.enqueuedLimboKeys.Contains(key) {
		return
	}
	glog.V(1).Infof("[sync]new limbo document %s\n", key)
	self.enqueuedLimboResolutions = append(self.enqueuedLimboResolutions, key)
	self.enqueuedLimboKeys.Add(key)
	self.pumpEnqueuedLimboResolutions()
}

// starts limbo listens from the fifo while slots are free. The cap keeps
// an existence-filter driven reset from opening one target per document.
func (self *SyncEngine) pumpEnqueuedLimboResolutions() {
	for 0 < len(self.enqueuedLimboResolutions) &&
		len(self.activeLimboTargetsByKey) < self.settings.MaxConcurrentLimboResolutions {
		key := self.enqueuedLimboResolutions[0]
		self.enqueuedLimboResolutions = self.enqueuedLimboResolutions[1:]
		self.enqueuedLimboKeys.Remove(key)

		targetId := self.limboTargetIdGenerator.Next()
		self.activeLimboResolutionsByTarget[targetId] = &limboResolution{key: key}
		self.activeLimboTargetsByKey[key] = targetId
		self.remoteStore.Listen(NewTargetData(NewDocumentQuery(key), targetId, TargetPurposeLimboResolution, 0))
	}
}

func (self *SyncEngine) removeLimboTarget(key DocumentKey) {
	for i, enqueued := range self.enqueuedLimboResolutions {
		if enqueued == key {
			self.enqueuedLimboResolutions = append(self.enqueuedLimboResolutions[:i], self.enqueuedLimboResolutions[i+1:]...)
			break
		}
	}
	self.enqueuedLimboKeys.Remove(key)

	targetId, ok := self.activeLimboTargetsByKey[key]
	if !ok {
		return
	}
	self.remoteStore.Unlisten(targetId)
	delete(self.activeLimboTargetsByKey, key)
	delete(self.activeLimboResolutionsByTarget, targetId)
	self.pumpEnqueuedLimboResolutions()
}

func (self *SyncEngine) removeLimboRefsForTarget(targetId int32) {
	refs, ok := self.limboDocumentRefs[targetId]
	if !ok {
		return
	}
	delete(self.limboDocumentRefs, targetId)
	for _, key := range refs.SortedKeys() {
		if !self.isLimboKeyReferenced(key) {
			self.removeLimboTarget(key)
		}
	}
}

func (self *SyncEngine) isLimboKeyReferenced(key DocumentKey) bool {
	for _, refs := range self.limboDocumentRefs {
		if refs.Contains(key) {
			return true
		}
	}
	return false
}

// test introspection

func (self *SyncEngine) ActiveLimboDocumentResolutions() map[DocumentKey]int32 {
	active := make(map[DocumentKey]int32, len(self.activeLimboTargetsByKey))
	for key, targetId := range self.activeLimboTargetsByKey {
		active[key] = targetId
	}
	return active
}

func (self *SyncEngine) EnqueuedLimboDocumentResolutions() []DocumentKey {
	return append([]DocumentKey{}, self.enqueuedLimboResolutions...)
}

// bundles

// loads a pre-packaged bundle into the cache. Already-applied bundles
// are skipped, and bundle documents never clobber fresher state.
func (self *SyncEngine) LoadBundle(reader *BundleReader) error {
	metadata, err := reader.Metadata()
	if err != nil {
		return err
	}
	hasNewer, err := self.localStore.HasNewerBundle(self.ctx, metadata)
	if err != nil {
		return err
	}
	if hasNewer {
		glog.V(1).Infof("[sync]skip already applied bundle %s\n", metadata.BundleId)
		return nil
	}

	docs, namedQueries, err := reader.ReadAll()
	if err != nil {
		return err
	}
	changes, err := self.localStore.ApplyBundledDocuments(self.ctx, docs)
	if err != nil {
		return err
	}
	for _, namedQuery := range namedQueries {
		if err := self.localStore.SaveNamedQuery(self.ctx, namedQuery); err != nil {
			return err
		}
	}
	if err := self.localStore.SaveBundle(self.ctx, metadata); err != nil {
		return err
	}
	return self.emitNewSnapshotsAndNotifyLocalStore(changes, nil)
}

func (self *SyncEngine) GetNamedQuery(name string) (*NamedQuery, error) {
	return self.localStore.GetNamedQuery(self.ctx, name)
}

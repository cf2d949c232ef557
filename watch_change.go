package docsync

import (
	"fmt"

	"github.com/golang/glog"
)

// decoded watch stream messages, one concrete type per protocol union arm

type WatchChange interface {
	isWatchChange()
}

type WatchTargetChangeState int

const (
	WatchTargetChangeStateNoChange WatchTargetChangeState = iota
	WatchTargetChangeStateAdded
	WatchTargetChangeStateRemoved
	WatchTargetChangeStateCurrent
	WatchTargetChangeStateReset
)

type WatchTargetChange struct {
	State WatchTargetChangeState
	// empty applies to all active targets
	TargetIds   []int32
	ResumeToken []byte
	Cause       error
	ReadTime    SnapshotVersion
}

func (self *WatchTargetChange) isWatchChange() {}

// a document state change. A nil Document conveys removal from the named
// targets without a new authoritative state.
type WatchDocumentChange struct {
	UpdatedTargetIds []int32
	RemovedTargetIds []int32
	Key              DocumentKey
	Document         *Document
}

func (self *WatchDocumentChange) isWatchChange() {}

type WatchExistenceFilterChange struct {
	TargetId int32
	Filter   WireExistenceFilter
}

func (self *WatchExistenceFilterChange) isWatchChange() {}

// the aggregator's window into sync engine state
type TargetMetadataProvider interface {
	// the keys the local store believes currently match the target
	GetRemoteKeysForTarget(targetId int32) DocumentKeySet
	// nil when the target is no longer active
	GetTargetDataForTarget(targetId int32) *TargetData
	GetDatabaseId() DatabaseId
}

type documentChangeType int

const (
	documentChangeTypeAdded documentChangeType = iota
	documentChangeTypeModified
	documentChangeTypeRemoved
)

// accumulated state for one target between snapshot boundaries
type targetState struct {
	// outstanding target add/remove requests not yet confirmed by the
	// server. Document changes arriving while pending belong to a previous
	// incarnation of the target and still accumulate, but the target is
	// not reported until the count drains to zero.
	pendingResponses int

	documentChanges   map[DocumentKey]documentChangeType
	resumeToken       []byte
	current           bool
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{
		documentChanges: map[DocumentKey]documentChangeType{},
		// every newly tracked target reports at least once
		hasPendingChanges: true,
	}
}

func (self *targetState) isPending() bool {
	return 0 < self.pendingResponses
}

func (self *targetState) hasChanges() bool {
	return self.hasPendingChanges
}

func (self *targetState) updateResumeToken(resumeToken []byte) {
	if 0 < len(resumeToken) {
		self.resumeToken = resumeToken
		self.hasPendingChanges = true
	}
}

func (self *targetState) markCurrent() {
	self.current = true
	self.hasPendingChanges = true
}

func (self *targetState) addDocumentChange(key DocumentKey, changeType documentChangeType) {
	self.documentChanges[key] = changeType
	self.hasPendingChanges = true
}

func (self *targetState) removeDocumentChange(key DocumentKey) {
	delete(self.documentChanges, key)
	self.hasPendingChanges = true
}

func (self *targetState) recordPendingTargetRequest() {
	self.pendingResponses += 1
}

func (self *targetState) recordTargetResponse() {
	self.pendingResponses -= 1
}

func (self *targetState) clearPendingChanges() {
	self.hasPendingChanges = false
	self.documentChanges = map[DocumentKey]documentChangeType{}
}

func (self *targetState) toTargetChangeSet() TargetChangeSet {
	change := newTargetChangeSet()
	change.ResumeToken = self.resumeToken
	change.Current = self.current
	for key, changeType := range self.documentChanges {
		switch changeType {
		case documentChangeTypeAdded:
			change.AddedDocuments.Add(key)
		case documentChangeTypeModified:
			change.ModifiedDocuments.Add(key)
		case documentChangeTypeRemoved:
			change.RemovedDocuments.Add(key)
		}
	}
	return change
}

// folds the interleaved per-document watch messages into consistent
// per-snapshot remote events
type WatchChangeAggregator struct {
	metadataProvider TargetMetadataProvider

	targetStates map[int32]*targetState

	pendingDocumentUpdates map[DocumentKey]Document
	// which targets each pending document was reported for, used to tell
	// limbo resolutions apart from ordinary listen results
	pendingDocumentTargetMapping map[DocumentKey]map[int32]bool
	pendingTargetResets          map[int32]TargetPurpose
}

func NewWatchChangeAggregator(metadataProvider TargetMetadataProvider) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		metadataProvider:             metadataProvider,
		targetStates:                 map[int32]*targetState{},
		pendingDocumentUpdates:       map[DocumentKey]Document{},
		pendingDocumentTargetMapping: map[DocumentKey]map[int32]bool{},
		pendingTargetResets:          map[int32]TargetPurpose{},
	}
}

func (self *WatchChangeAggregator) HandleDocumentChange(change *WatchDocumentChange) {
	for _, targetId := range change.UpdatedTargetIds {
		if change.Document != nil && change.Document.IsFoundDocument() {
			self.addDocumentToTarget(targetId, *change.Document)
		} else {
			self.removeDocumentFromTarget(targetId, change.Key, change.Document)
		}
	}
	for _, targetId := range change.RemovedTargetIds {
		self.removeDocumentFromTarget(targetId, change.Key, change.Document)
	}
}

func (self *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	for _, targetId := range self.effectiveTargetIds(change) {
		state := self.ensureTargetState(targetId)
		switch change.State {
		case WatchTargetChangeStateNoChange:
			if self.isActiveTarget(targetId) {
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetChangeStateAdded:
			// the server confirmed one pending add or re-add
			state.recordTargetResponse()
			if !state.isPending() {
				state.clearPendingChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case WatchTargetChangeStateRemoved:
			state.recordTargetResponse()
			if !state.isPending() {
				self.removeTarget(targetId)
			}
		case WatchTargetChangeStateCurrent:
			if self.isActiveTarget(targetId) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetChangeStateReset:
			if self.isActiveTarget(targetId) {
				// synthesize removes for all known documents. The server
				// re-adds whatever still matches before the next snapshot.
				self.resetTarget(targetId)
				state.updateResumeToken(change.ResumeToken)
			}
		default:
			panic(fmt.Errorf("unknown target change state %d", change.State))
		}
	}
}

func (self *WatchChangeAggregator) effectiveTargetIds(change *WatchTargetChange) []int32 {
	if 0 < len(change.TargetIds) {
		return change.TargetIds
	}
	targetIds := []int32{}
	for targetId := range self.targetStates {
		if self.isActiveTarget(targetId) {
			targetIds = append(targetIds, targetId)
		}
	}
	return targetIds
}

// reconciles the server's count of matching documents with the cache.
// With a bloom filter attached the divergence can be repaired in place by
// dropping the members the filter proves deleted. Without one, or when
// the repair does not reach the expected count, the target is reset and
// re-listened from scratch. Ambiguity always resolves toward a full
// resync, never toward trusting a possibly stale cache.
func (self *WatchChangeAggregator) HandleExistenceFilter(change *WatchExistenceFilterChange) {
	targetId := change.TargetId
	expectedCount := int(change.Filter.Count)

	targetData := self.targetDataForActiveTarget(targetId)
	if targetData == nil {
		return
	}

	if targetData.Target.IsDocumentQuery() {
		if expectedCount == 0 {
			// the document was deleted while no delete was delivered
			key := RequireDocumentKey(targetData.Target.Path.String())
			doc := NoDocument(key, SnapshotVersion{})
			self.removeDocumentFromTarget(targetId, key, &doc)
		}
		return
	}

	currentCount := self.currentDocumentCountForTarget(targetId)
	if currentCount == expectedCount {
		return
	}

	purpose := TargetPurposeExistenceFilterMismatch
	if change.Filter.UnchangedNames != nil {
		bloom, err := NewSerializer(self.metadataProvider.GetDatabaseId()).DecodeBloomFilter(*change.Filter.UnchangedNames)
		if err != nil {
			glog.Infof("[watch]unusable bloom filter for target %d: %s\n", targetId, err)
		} else {
			removed := self.filterRemovedDocuments(bloom, targetId)
			if currentCount-removed == expectedCount {
				return
			}
			purpose = TargetPurposeExistenceFilterMismatchBloom
			glog.Infof("[watch]bloom filter false positive for target %d\n", targetId)
		}
	}

	self.resetTarget(targetId)
	self.pendingTargetResets[targetId] = purpose
}

// drops every cached member the bloom filter proves absent, returning how
// many were dropped. A hit proves nothing, a miss is authoritative.
func (self *WatchChangeAggregator) filterRemovedDocuments(bloom *BloomFilter, targetId int32) int {
	serializer := NewSerializer(self.metadataProvider.GetDatabaseId())
	existingKeys := self.metadataProvider.GetRemoteKeysForTarget(targetId)
	removed := 0
	for _, key := range existingKeys.SortedKeys() {
		if !bloom.MightContain(serializer.EncodeKey(key)) {
			self.removeDocumentFromTarget(targetId, key, nil)
			removed += 1
		}
	}
	return removed
}

func (self *WatchChangeAggregator) currentDocumentCountForTarget(targetId int32) int {
	count := len(self.metadataProvider.GetRemoteKeysForTarget(targetId))
	state := self.ensureTargetState(targetId)
	for _, changeType := range state.documentChanges {
		switch changeType {
		case documentChangeTypeAdded:
			count += 1
		case documentChangeTypeRemoved:
			count -= 1
		}
	}
	return count
}

// closes the round at a snapshot boundary and drains all pending state
func (self *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion SnapshotVersion) RemoteEvent {
	targetChanges := map[int32]TargetChangeSet{}

	for targetId, state := range self.targetStates {
		targetData := self.targetDataForActiveTarget(targetId)
		if targetData == nil {
			continue
		}
		if state.current && targetData.Target.IsDocumentQuery() {
			// a current single-document target with no result means the
			// document does not exist, which the server never states
			// explicitly on resumed targets
			key := RequireDocumentKey(targetData.Target.Path.String())
			_, reported := self.pendingDocumentUpdates[key]
			if !reported && !self.targetContainsDocument(targetId, key) {
				doc := NoDocument(key, snapshotVersion)
				self.removeDocumentFromTarget(targetId, key, &doc)
			}
		}
		if state.hasChanges() {
			targetChanges[targetId] = state.toTargetChangeSet()
			state.clearPendingChanges()
		}
	}

	resolvedLimboDocuments := NewDocumentKeySet()
	for key, targetIds := range self.pendingDocumentTargetMapping {
		allLimbo := true
		for targetId := range targetIds {
			targetData := self.targetDataForActiveTarget(targetId)
			if targetData == nil || targetData.Purpose != TargetPurposeLimboResolution {
				allLimbo = false
				break
			}
		}
		if allLimbo && 0 < len(targetIds) {
			resolvedLimboDocuments.Add(key)
		}
	}

	for key := range self.pendingDocumentUpdates {
		doc := self.pendingDocumentUpdates[key]
		doc.ReadTime = snapshotVersion
		self.pendingDocumentUpdates[key] = doc
	}

	event := RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       self.pendingTargetResets,
		DocumentUpdates:        self.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimboDocuments,
	}

	self.pendingDocumentUpdates = map[DocumentKey]Document{}
	self.pendingDocumentTargetMapping = map[DocumentKey]map[int32]bool{}
	self.pendingTargetResets = map[int32]TargetPurpose{}
	return event
}

func (self *WatchChangeAggregator) addDocumentToTarget(targetId int32, doc Document) {
	if !self.isActiveTarget(targetId) {
		return
	}
	changeType := documentChangeTypeAdded
	if self.targetContainsDocument(targetId, doc.Key) {
		changeType = documentChangeTypeModified
	}
	self.ensureTargetState(targetId).addDocumentChange(doc.Key, changeType)
	self.pendingDocumentUpdates[doc.Key] = doc
	self.ensureDocumentTargetMapping(doc.Key)[targetId] = true
}

func (self *WatchChangeAggregator) removeDocumentFromTarget(targetId int32, key DocumentKey, updatedDocument *Document) {
	if !self.isActiveTarget(targetId) {
		return
	}
	state := self.ensureTargetState(targetId)
	if self.targetContainsDocument(targetId, key) {
		state.addDocumentChange(key, documentChangeTypeRemoved)
	} else {
		// the document was added and removed within the same round
		state.removeDocumentChange(key)
	}
	self.ensureDocumentTargetMapping(key)[targetId] = true
	if updatedDocument != nil {
		self.pendingDocumentUpdates[key] = *updatedDocument
	}
}

func (self *WatchChangeAggregator) ensureDocumentTargetMapping(key DocumentKey) map[int32]bool {
	mapping, ok := self.pendingDocumentTargetMapping[key]
	if !ok {
		mapping = map[int32]bool{}
		self.pendingDocumentTargetMapping[key] = mapping
	}
	return mapping
}

// whether the target matched the document before this round started
func (self *WatchChangeAggregator) targetContainsDocument(targetId int32, key DocumentKey) bool {
	return self.metadataProvider.GetRemoteKeysForTarget(targetId).Contains(key)
}

func (self *WatchChangeAggregator) ensureTargetState(targetId int32) *targetState {
	state, ok := self.targetStates[targetId]
	if !ok {
		state = newTargetState()
		self.targetStates[targetId] = state
	}
	return state
}

func (self *WatchChangeAggregator) isActiveTarget(targetId int32) bool {
	return self.targetDataForActiveTarget(targetId) != nil
}

// a target is only reported while the sync engine still wants it and no
// add or remove request is in flight
func (self *WatchChangeAggregator) targetDataForActiveTarget(targetId int32) *TargetData {
	if state, ok := self.targetStates[targetId]; ok && state.isPending() {
		return nil
	}
	return self.metadataProvider.GetTargetDataForTarget(targetId)
}

func (self *WatchChangeAggregator) resetTarget(targetId int32) {
	self.ensureTargetState(targetId).clearPendingChanges()
	for _, key := range self.metadataProvider.GetRemoteKeysForTarget(targetId).SortedKeys() {
		self.removeDocumentFromTarget(targetId, key, nil)
	}
}

// the sync engine asked the server to start the target
func (self *WatchChangeAggregator) RecordPendingTargetRequest(targetId int32) {
	self.ensureTargetState(targetId).recordPendingTargetRequest()
}

func (self *WatchChangeAggregator) removeTarget(targetId int32) {
	delete(self.targetStates, targetId)
}

package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

type fakeTargetMetadata struct {
	databaseId DatabaseId
	targets    map[int32]TargetData
	remoteKeys map[int32]DocumentKeySet
}

func newFakeTargetMetadata() *fakeTargetMetadata {
	return &fakeTargetMetadata{
		databaseId: DatabaseId{ProjectId: "p", Database: "d"},
		targets:    map[int32]TargetData{},
		remoteKeys: map[int32]DocumentKeySet{},
	}
}

func (self *fakeTargetMetadata) addTarget(targetData TargetData, keys ...DocumentKey) {
	self.targets[targetData.TargetId] = targetData
	self.remoteKeys[targetData.TargetId] = NewDocumentKeySet(keys...)
}

func (self *fakeTargetMetadata) GetRemoteKeysForTarget(targetId int32) DocumentKeySet {
	if keys, ok := self.remoteKeys[targetId]; ok {
		return keys
	}
	return NewDocumentKeySet()
}

func (self *fakeTargetMetadata) GetTargetDataForTarget(targetId int32) *TargetData {
	if targetData, ok := self.targets[targetId]; ok {
		return &targetData
	}
	return nil
}

func (self *fakeTargetMetadata) GetDatabaseId() DatabaseId {
	return self.databaseId
}

func roomsTarget(targetId int32) TargetData {
	rooms, _ := ParseResourcePath("rooms")
	return NewTargetData(NewQuery(rooms), targetId, TargetPurposeListen, 1)
}

func TestAggregatorDocumentAddAndCurrent(t *testing.T) {
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2))
	aggregator := NewWatchChangeAggregator(metadata)

	key := RequireDocumentKey("rooms/eros")
	version := SnapshotVersion{Seconds: 5}
	doc := FoundDocument(key, version, MapValue(map[string]Value{"name": StringValue("eros")}))

	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{2},
		Key:              key,
		Document:         &doc,
	})
	aggregator.HandleTargetChange(&WatchTargetChange{
		State:     WatchTargetChangeStateCurrent,
		TargetIds: []int32{2},
	})
	aggregator.HandleTargetChange(&WatchTargetChange{
		State:       WatchTargetChangeStateNoChange,
		ResumeToken: []byte("resume-1"),
	})

	event := aggregator.CreateRemoteEvent(version)
	assert.Equal(t, event.SnapshotVersion, version)
	assert.Equal(t, len(event.DocumentUpdates), 1)
	assert.Equal(t, event.DocumentUpdates[key].ReadTime, version)

	change := event.TargetChanges[2]
	assert.Equal(t, change.Current, true)
	assert.Equal(t, change.ResumeToken, []byte("resume-1"))
	assert.Equal(t, change.AddedDocuments.Contains(key), true)
	assert.Equal(t, len(change.RemovedDocuments), 0)

	// the round drained, an empty follow-up reports nothing
	event = aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 6})
	assert.Equal(t, len(event.DocumentUpdates), 0)
	assert.Equal(t, len(event.TargetChanges), 0)
}

func TestAggregatorModifiedVersusAdded(t *testing.T) {
	key := RequireDocumentKey("rooms/eros")
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2), key)
	aggregator := NewWatchChangeAggregator(metadata)

	doc := FoundDocument(key, SnapshotVersion{Seconds: 5}, MapValue(nil))
	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{2},
		Key:              key,
		Document:         &doc,
	})

	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 5})
	change := event.TargetChanges[2]
	assert.Equal(t, change.ModifiedDocuments.Contains(key), true)
	assert.Equal(t, change.AddedDocuments.Contains(key), false)
}

func TestAggregatorAddThenRemoveInOneRound(t *testing.T) {
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2))
	aggregator := NewWatchChangeAggregator(metadata)

	key := RequireDocumentKey("rooms/eros")
	doc := FoundDocument(key, SnapshotVersion{Seconds: 5}, MapValue(nil))
	deleted := NoDocument(key, SnapshotVersion{Seconds: 6})

	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{2},
		Key:              key,
		Document:         &doc,
	})
	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{2},
		Key:              key,
		Document:         &deleted,
	})

	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 6})
	change := event.TargetChanges[2]
	// the membership change cancels out, the delete still lands in the cache
	assert.Equal(t, change.AddedDocuments.Contains(key), false)
	assert.Equal(t, change.RemovedDocuments.Contains(key), false)
	assert.Equal(t, event.DocumentUpdates[key].IsNoDocument(), true)
}

func TestAggregatorPendingTargetSuppressesReport(t *testing.T) {
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2))
	aggregator := NewWatchChangeAggregator(metadata)

	// an unconfirmed listen request keeps the target inactive, changes
	// arriving in the gap belong to a previous incarnation
	aggregator.RecordPendingTargetRequest(2)
	key := RequireDocumentKey("rooms/eros")
	doc := FoundDocument(key, SnapshotVersion{Seconds: 5}, MapValue(nil))
	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{2},
		Key:              key,
		Document:         &doc,
	})

	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 5})
	_, ok := event.TargetChanges[2]
	assert.Equal(t, ok, false)
	assert.Equal(t, len(event.DocumentUpdates), 0)

	// the server's add confirmation drains the pending count, changes
	// delivered after it are reported again
	aggregator.HandleTargetChange(&WatchTargetChange{
		State:     WatchTargetChangeStateAdded,
		TargetIds: []int32{2},
	})
	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{2},
		Key:              key,
		Document:         &doc,
	})
	event = aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 6})
	assert.Equal(t, event.TargetChanges[2].AddedDocuments.Contains(key), true)
	assert.Equal(t, len(event.DocumentUpdates), 1)
}

func TestAggregatorReset(t *testing.T) {
	known := RequireDocumentKey("rooms/eros")
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2), known)
	aggregator := NewWatchChangeAggregator(metadata)

	aggregator.HandleTargetChange(&WatchTargetChange{
		State:     WatchTargetChangeStateReset,
		TargetIds: []int32{2},
	})

	// all known members are synthesized as removed, the server re-adds
	// what still matches before the snapshot
	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 5})
	change := event.TargetChanges[2]
	assert.Equal(t, change.RemovedDocuments.Contains(known), true)
}

func TestExistenceFilterMatchIsQuiet(t *testing.T) {
	known := RequireDocumentKey("rooms/eros")
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2), known)
	aggregator := NewWatchChangeAggregator(metadata)

	aggregator.HandleExistenceFilter(&WatchExistenceFilterChange{
		TargetId: 2,
		Filter:   WireExistenceFilter{TargetId: 2, Count: 1},
	})

	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 5})
	assert.Equal(t, len(event.TargetMismatches), 0)
}

func TestExistenceFilterMismatchResetsTarget(t *testing.T) {
	known := RequireDocumentKey("rooms/eros")
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2), known)
	aggregator := NewWatchChangeAggregator(metadata)

	// no bloom filter attached: ambiguity resolves to a full resync
	aggregator.HandleExistenceFilter(&WatchExistenceFilterChange{
		TargetId: 2,
		Filter:   WireExistenceFilter{TargetId: 2, Count: 0},
	})

	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 5})
	assert.Equal(t, event.TargetMismatches[2], TargetPurposeExistenceFilterMismatch)
	assert.Equal(t, event.TargetChanges[2].RemovedDocuments.Contains(known), true)
}

func TestExistenceFilterBloomRepair(t *testing.T) {
	gone := RequireDocumentKey("rooms/gone")
	kept := RequireDocumentKey("rooms/kept")
	metadata := newFakeTargetMetadata()
	metadata.addTarget(roomsTarget(2), gone, kept)
	aggregator := NewWatchChangeAggregator(metadata)

	// the server's filter names only the surviving document
	serializer := NewSerializer(metadata.databaseId)
	builder := NewBloomFilterBuilder(1000, 7)
	builder.Insert(serializer.EncodeKey(kept))

	aggregator.HandleExistenceFilter(&WatchExistenceFilterChange{
		TargetId: 2,
		Filter: WireExistenceFilter{
			TargetId: 2,
			Count:    1,
			UnchangedNames: &WireBloomFilter{
				Bits:      WireBitSequence{Bitmap: builder.Build().bits, Padding: int32(builder.Padding())},
				HashCount: 7,
			},
		},
	})

	// repaired in place: no mismatch, only the proven deletion
	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 5})
	assert.Equal(t, len(event.TargetMismatches), 0)
	change := event.TargetChanges[2]
	assert.Equal(t, change.RemovedDocuments.Contains(gone), true)
	assert.Equal(t, change.RemovedDocuments.Contains(kept), false)
}

func TestExistenceFilterDocumentQueryDeletion(t *testing.T) {
	key := RequireDocumentKey("rooms/eros")
	metadata := newFakeTargetMetadata()
	metadata.addTarget(NewTargetData(NewDocumentQuery(key), 1, TargetPurposeLimboResolution, 1), key)
	aggregator := NewWatchChangeAggregator(metadata)

	// count zero on a single document target means it was deleted
	aggregator.HandleExistenceFilter(&WatchExistenceFilterChange{
		TargetId: 1,
		Filter:   WireExistenceFilter{TargetId: 1, Count: 0},
	})

	event := aggregator.CreateRemoteEvent(SnapshotVersion{Seconds: 5})
	assert.Equal(t, event.DocumentUpdates[key].IsNoDocument(), true)
	assert.Equal(t, event.ResolvedLimboDocuments.Contains(key), true)
}

func TestCurrentDocumentQueryWithNoResultSynthesizesDelete(t *testing.T) {
	key := RequireDocumentKey("rooms/eros")
	metadata := newFakeTargetMetadata()
	metadata.addTarget(NewTargetData(NewDocumentQuery(key), 1, TargetPurposeLimboResolution, 1))
	aggregator := NewWatchChangeAggregator(metadata)

	aggregator.HandleTargetChange(&WatchTargetChange{
		State:     WatchTargetChangeStateCurrent,
		TargetIds: []int32{1},
	})

	version := SnapshotVersion{Seconds: 5}
	event := aggregator.CreateRemoteEvent(version)
	assert.Equal(t, event.DocumentUpdates[key].IsNoDocument(), true)
	assert.Equal(t, event.DocumentUpdates[key].Version, version)
	assert.Equal(t, event.ResolvedLimboDocuments.Contains(key), true)
}

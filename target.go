package docsync

import (
	"fmt"
	"sync"
)

type TargetPurpose int

const (
	// a target requested by a user listen
	TargetPurposeListen TargetPurpose = iota
	// re-listen after the server's existence filter disagreed with the cache
	TargetPurposeExistenceFilterMismatch
	// re-listen after a bloom filter was applied but judged a false positive
	TargetPurposeExistenceFilterMismatchBloom
	// ephemeral single document target resolving a limbo key
	TargetPurposeLimboResolution
)

// one server registered watch subscription. Identical queries share one
// target, reference counted by the sync engine.
type TargetData struct {
	Target   Query
	TargetId int32
	Purpose  TargetPurpose
	// per target lease order used by garbage collection
	SequenceNumber int64
	// the last snapshot version the server reported for this target
	SnapshotVersion SnapshotVersion
	// the snapshot version of the last view change with no limbo documents
	LastLimboFreeSnapshotVersion SnapshotVersion
	// opaque server cursor for resuming the watch without a full resync
	ResumeToken []byte
	// server reported document count, set while an existence filter round
	// is being reconciled
	ExpectedCount int32
}

func NewTargetData(target Query, targetId int32, purpose TargetPurpose, sequenceNumber int64) TargetData {
	return TargetData{
		Target:         target,
		TargetId:       targetId,
		Purpose:        purpose,
		SequenceNumber: sequenceNumber,
	}
}

func (self TargetData) WithResumeToken(resumeToken []byte, snapshotVersion SnapshotVersion) TargetData {
	self.ResumeToken = resumeToken
	self.SnapshotVersion = snapshotVersion
	self.ExpectedCount = 0
	return self
}

func (self TargetData) WithExpectedCount(expectedCount int32) TargetData {
	self.ExpectedCount = expectedCount
	return self
}

func (self TargetData) WithLastLimboFreeSnapshotVersion(version SnapshotVersion) TargetData {
	self.LastLimboFreeSnapshotVersion = version
	return self
}

func (self TargetData) WithPurpose(purpose TargetPurpose) TargetData {
	self.Purpose = purpose
	return self
}

func (self TargetData) String() string {
	return fmt.Sprintf("target(%d purpose=%d %s)", self.TargetId, self.Purpose, self.Target)
}

// target ids are client assigned. Listen targets use even ids allocated by
// the target cache so they survive restarts. Limbo targets use odd ids
// scoped to the engine instance.
const (
	targetIdGeneratorIncrement = 2
	listenTargetIdOffset       = int32(2)
	limboTargetIdOffset        = int32(1)
)

type targetIdGenerator struct {
	mutex  sync.Mutex
	nextId int32
}

func newListenTargetIdGenerator(after int32) *targetIdGenerator {
	return newTargetIdGenerator(listenTargetIdOffset, after)
}

func newLimboTargetIdGenerator() *targetIdGenerator {
	return newTargetIdGenerator(limboTargetIdOffset, 0)
}

func newTargetIdGenerator(offset int32, after int32) *targetIdGenerator {
	nextId := offset
	for nextId <= after {
		nextId += targetIdGeneratorIncrement
	}
	return &targetIdGenerator{
		nextId: nextId,
	}
}

func (self *targetIdGenerator) Next() int32 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += targetIdGeneratorIncrement
	return id
}

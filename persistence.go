package docsync

import (
	"context"
	"time"
)

// the engine stores all durable state behind these interfaces.
// all store methods must run inside a transaction obtained from
// RunTransaction. Transaction functions may be re-run on transient
// failures, so they must be free of external side effects.

type TransactionMode int

const (
	TransactionModeReadonly TransactionMode = iota
	TransactionModeReadwrite
	// requires the exclusive write lease. Fails with ErrPrimaryLeaseLost
	// when another instance holds it.
	TransactionModeReadwritePrimary
)

type Transaction interface {
	Label() string
	Mode() TransactionMode
}

type Persistence interface {
	RunTransaction(ctx context.Context, label string, mode TransactionMode, fn func(txn Transaction) error) error

	MutationQueue(user User) MutationQueue
	DocumentOverlayCache(user User) DocumentOverlayCache
	RemoteDocumentCache() RemoteDocumentCache
	TargetCache() TargetCache
	IndexManager(user User) IndexManager
	BundleCache() BundleCache

	Close() error
}

// ordered pending-write log for one user scope.
// invariant: the batches observed for a key are always a contiguous
// suffix of all batches ever added for it. Removal is only legal for the
// oldest unacknowledged batch.
type MutationQueue interface {
	AddBatch(txn Transaction, localWriteTime time.Time, baseMutations []Mutation, mutations []Mutation) (MutationBatch, error)
	LookupBatch(txn Transaction, batchId int64) (*MutationBatch, error)
	NextBatchAfter(txn Transaction, batchId int64) (*MutationBatch, error)
	HighestUnacknowledgedBatchId(txn Transaction) (int64, error)
	AllBatches(txn Transaction) ([]MutationBatch, error)
	BatchesAffectingKey(txn Transaction, key DocumentKey) ([]MutationBatch, error)
	BatchesAffectingKeys(txn Transaction, keys DocumentKeySet) ([]MutationBatch, error)
	BatchesAffectingQuery(txn Transaction, query Query) ([]MutationBatch, error)
	RemoveBatch(txn Transaction, batch MutationBatch) error
	IsEmpty(txn Transaction) (bool, error)
}

// cache of documents as last reported by the server
type RemoteDocumentCache interface {
	Add(txn Transaction, doc Document, readTime SnapshotVersion) error
	Remove(txn Transaction, key DocumentKey) error
	// returns an invalid document when the cache has no entry
	Get(txn Transaction, key DocumentKey) (Document, error)
	GetAll(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Document, error)
	GetAllFromCollection(txn Transaction, collection ResourcePath, offset IndexOffset) (map[DocumentKey]Document, error)
	GetAllFromCollectionGroup(txn Transaction, collectionGroup string, offset IndexOffset) (map[DocumentKey]Document, error)
}

// iteration cursor over the remote document cache, ordered by read time
// then key
type IndexOffset struct {
	ReadTime SnapshotVersion
	Key      DocumentKey
	// overlays after this batch id are also considered changed
	LargestBatchId int64
}

func (self IndexOffset) comesBefore(doc Document) bool {
	if c := CompareSnapshotVersions(self.ReadTime, doc.ReadTime); c != 0 {
		return c < 0
	}
	if self.Key.IsZero() {
		return true
	}
	return CompareDocumentKeys(self.Key, doc.Key) < 0
}

// cache of net pending mutations per document for one user scope
type DocumentOverlayCache interface {
	GetOverlay(txn Transaction, key DocumentKey) (*Overlay, error)
	GetOverlays(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Overlay, error)
	// a nil mutation removes the overlay for that key
	SaveOverlays(txn Transaction, largestBatchId int64, overlays map[DocumentKey]*Mutation) error
	RemoveOverlaysForBatchId(txn Transaction, batchId int64) error
	GetOverlaysForCollection(txn Transaction, collection ResourcePath, sinceBatchId int64) (map[DocumentKey]Overlay, error)
	GetOverlaysForCollectionGroup(txn Transaction, collectionGroup string, sinceBatchId int64) (map[DocumentKey]Overlay, error)
}

// registry of server watch subscriptions and their matched keys
type TargetCache interface {
	AllocateTargetId(txn Transaction) (int32, error)
	AddTargetData(txn Transaction, targetData TargetData) error
	UpdateTargetData(txn Transaction, targetData TargetData) error
	RemoveTargetData(txn Transaction, targetData TargetData) error
	GetTargetData(txn Transaction, target Query) (*TargetData, error)
	TargetCount(txn Transaction) (int, error)
	ForEachTarget(txn Transaction, fn func(targetData TargetData)) error

	AddMatchingKeys(txn Transaction, keys DocumentKeySet, targetId int32) error
	RemoveMatchingKeys(txn Transaction, keys DocumentKeySet, targetId int32) error
	RemoveMatchingKeysForTargetId(txn Transaction, targetId int32) error
	GetMatchingKeys(txn Transaction, targetId int32) (DocumentKeySet, error)
	ContainsKey(txn Transaction, key DocumentKey) (bool, error)

	HighestTargetId(txn Transaction) (int32, error)
	HighestSequenceNumber(txn Transaction) (int64, error)
	GetLastRemoteSnapshotVersion(txn Transaction) (SnapshotVersion, error)
	SetTargetsMetadata(txn Transaction, highestSequenceNumber int64, lastRemoteSnapshotVersion SnapshotVersion) error
}

type IndexType int

const (
	IndexTypeNone IndexType = iota
	IndexTypePartial
	IndexTypeFull
)

// collection parent bookkeeping plus an optional single field index
// surface for the query engine's indexed path
type IndexManager interface {
	AddToCollectionParentIndex(txn Transaction, collectionPath ResourcePath) error
	GetCollectionParents(txn Transaction, collectionId string) ([]ResourcePath, error)

	CreateFieldIndex(txn Transaction, collectionGroup string, field FieldPath) error
	IndexTypeForQuery(txn Transaction, query Query) (IndexType, error)
	GetDocumentsMatchingQuery(txn Transaction, query Query) (DocumentKeySet, error)
	UpdateIndexEntries(txn Transaction, docs map[DocumentKey]Document) error
}

// pre-packaged data bundles, so re-loading an already applied bundle can
// be skipped
type BundleMetadata struct {
	BundleId      string
	CreateTime    SnapshotVersion
	Version       int32
	TotalDocs     int32
	TotalBytes    int64
}

type NamedQuery struct {
	Name     string
	Query    Query
	ReadTime SnapshotVersion
}

type BundleCache interface {
	GetBundleMetadata(txn Transaction, bundleId string) (*BundleMetadata, error)
	SaveBundleMetadata(txn Transaction, metadata BundleMetadata) error
	GetNamedQuery(txn Transaction, name string) (*NamedQuery, error)
	SaveNamedQuery(txn Transaction, namedQuery NamedQuery) error
}

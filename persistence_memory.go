package docsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// in memory persistence. The default backend for tests and for callers
// that do not need durability across restarts.

type memoryTransaction struct {
	label string
	mode  TransactionMode
}

func (self *memoryTransaction) Label() string {
	return self.label
}

func (self *memoryTransaction) Mode() TransactionMode {
	return self.mode
}

type MemoryPersistence struct {
	mutex sync.Mutex

	// guards the lazily created per user stores. Separate from the
	// transaction mutex so store lookup stays legal inside a running
	// transaction (SetUser resolves a new scope mid-transaction).
	storesMutex sync.Mutex

	primary bool

	mutationQueues map[User]*memoryMutationQueue
	overlayCaches  map[User]*memoryDocumentOverlayCache
	indexManagers  map[User]*memoryIndexManager
	remoteDocs     *memoryRemoteDocumentCache
	targetCache    *memoryTargetCache
	bundleCache    *memoryBundleCache
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		primary:        true,
		mutationQueues: map[User]*memoryMutationQueue{},
		overlayCaches:  map[User]*memoryDocumentOverlayCache{},
		indexManagers:  map[User]*memoryIndexManager{},
		remoteDocs:     newMemoryRemoteDocumentCache(),
		targetCache:    newMemoryTargetCache(),
		bundleCache:    newMemoryBundleCache(),
	}
}

// simulates losing the exclusive write lease to another instance
func (self *MemoryPersistence) SetPrimary(primary bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.primary = primary
}

func (self *MemoryPersistence) RunTransaction(ctx context.Context, label string, mode TransactionMode, fn func(txn Transaction) error) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if mode == TransactionModeReadwritePrimary && !self.primary {
		glog.V(1).Infof("[mem]%s blocked, not primary\n", label)
		return ErrPrimaryLeaseLost
	}

	glog.V(2).Infof("[mem]txn %s\n", label)
	txn := &memoryTransaction{
		label: label,
		mode:  mode,
	}
	return fn(txn)
}

func (self *MemoryPersistence) MutationQueue(user User) MutationQueue {
	self.storesMutex.Lock()
	defer self.storesMutex.Unlock()

	queue, ok := self.mutationQueues[user]
	if !ok {
		queue = &memoryMutationQueue{
			nextBatchId: 1,
		}
		self.mutationQueues[user] = queue
	}
	return queue
}

func (self *MemoryPersistence) DocumentOverlayCache(user User) DocumentOverlayCache {
	self.storesMutex.Lock()
	defer self.storesMutex.Unlock()

	cache, ok := self.overlayCaches[user]
	if !ok {
		cache = &memoryDocumentOverlayCache{
			overlays: map[DocumentKey]Overlay{},
		}
		self.overlayCaches[user] = cache
	}
	return cache
}

func (self *MemoryPersistence) IndexManager(user User) IndexManager {
	self.storesMutex.Lock()
	defer self.storesMutex.Unlock()

	indexManager, ok := self.indexManagers[user]
	if !ok {
		indexManager = newMemoryIndexManager()
		self.indexManagers[user] = indexManager
	}
	return indexManager
}

func (self *MemoryPersistence) RemoteDocumentCache() RemoteDocumentCache {
	return self.remoteDocs
}

func (self *MemoryPersistence) TargetCache() TargetCache {
	return self.targetCache
}

func (self *MemoryPersistence) BundleCache() BundleCache {
	return self.bundleCache
}

func (self *MemoryPersistence) Close() error {
	return nil
}

func requireWrite(txn Transaction) error {
	if txn.Mode() == TransactionModeReadonly {
		return fmt.Errorf("write in readonly transaction: %s", txn.Label())
	}
	return nil
}

// mutation queue

type memoryMutationQueue struct {
	nextBatchId int64
	// ordered by batch id ascending, no holes for a given key
	batches []MutationBatch
}

func (self *memoryMutationQueue) AddBatch(txn Transaction, localWriteTime time.Time, baseMutations []Mutation, mutations []Mutation) (MutationBatch, error) {
	if err := requireWrite(txn); err != nil {
		return MutationBatch{}, err
	}
	if len(mutations) == 0 {
		return MutationBatch{}, fmt.Errorf("mutation batch must not be empty")
	}

	batch := MutationBatch{
		BatchId:        self.nextBatchId,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	self.nextBatchId += 1
	self.batches = append(self.batches, batch)
	return batch, nil
}

func (self *memoryMutationQueue) LookupBatch(txn Transaction, batchId int64) (*MutationBatch, error) {
	for i := range self.batches {
		if self.batches[i].BatchId == batchId {
			batch := self.batches[i]
			return &batch, nil
		}
	}
	return nil, nil
}

func (self *memoryMutationQueue) NextBatchAfter(txn Transaction, batchId int64) (*MutationBatch, error) {
	for i := range self.batches {
		if batchId < self.batches[i].BatchId {
			batch := self.batches[i]
			return &batch, nil
		}
	}
	return nil, nil
}

func (self *memoryMutationQueue) HighestUnacknowledgedBatchId(txn Transaction) (int64, error) {
	if len(self.batches) == 0 {
		return -1, nil
	}
	return self.batches[len(self.batches)-1].BatchId, nil
}

func (self *memoryMutationQueue) AllBatches(txn Transaction) ([]MutationBatch, error) {
	return append([]MutationBatch{}, self.batches...), nil
}

func (self *memoryMutationQueue) BatchesAffectingKey(txn Transaction, key DocumentKey) ([]MutationBatch, error) {
	return self.BatchesAffectingKeys(txn, NewDocumentKeySet(key))
}

func (self *memoryMutationQueue) BatchesAffectingKeys(txn Transaction, keys DocumentKeySet) ([]MutationBatch, error) {
	affecting := []MutationBatch{}
	for _, batch := range self.batches {
		for key := range keys {
			if batch.AppliesToKey(key) {
				affecting = append(affecting, batch)
				break
			}
		}
	}
	return affecting, nil
}

func (self *memoryMutationQueue) BatchesAffectingQuery(txn Transaction, query Query) ([]MutationBatch, error) {
	affecting := []MutationBatch{}
	for _, batch := range self.batches {
		for _, m := range batch.Mutations {
			if query.IsCollectionGroupQuery() {
				if m.Key.HasCollectionId(query.CollectionGroup) {
					affecting = append(affecting, batch)
					break
				}
			} else if CompareResourcePaths(m.Key.CollectionPath(), query.Path) == 0 {
				affecting = append(affecting, batch)
				break
			}
		}
	}
	return affecting, nil
}

func (self *memoryMutationQueue) RemoveBatch(txn Transaction, batch MutationBatch) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	if len(self.batches) == 0 || self.batches[0].BatchId != batch.BatchId {
		// removal is only legal for the oldest batch
		return fmt.Errorf("can only remove the oldest mutation batch (oldest=%d, removing=%d)",
			self.oldestBatchId(), batch.BatchId)
	}
	self.batches = self.batches[1:]
	return nil
}

func (self *memoryMutationQueue) oldestBatchId() int64 {
	if len(self.batches) == 0 {
		return -1
	}
	return self.batches[0].BatchId
}

func (self *memoryMutationQueue) IsEmpty(txn Transaction) (bool, error) {
	return len(self.batches) == 0, nil
}

// remote document cache

type memoryRemoteDocumentCache struct {
	docs map[DocumentKey]Document
}

func newMemoryRemoteDocumentCache() *memoryRemoteDocumentCache {
	return &memoryRemoteDocumentCache{
		docs: map[DocumentKey]Document{},
	}
}

func (self *memoryRemoteDocumentCache) Add(txn Transaction, doc Document, readTime SnapshotVersion) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	self.docs[doc.Key] = doc.WithReadTime(readTime)
	return nil
}

func (self *memoryRemoteDocumentCache) Remove(txn Transaction, key DocumentKey) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	delete(self.docs, key)
	return nil
}

func (self *memoryRemoteDocumentCache) Get(txn Transaction, key DocumentKey) (Document, error) {
	if doc, ok := self.docs[key]; ok {
		return doc, nil
	}
	return InvalidDocument(key), nil
}

func (self *memoryRemoteDocumentCache) GetAll(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Document, error) {
	docs := make(map[DocumentKey]Document, len(keys))
	for key := range keys {
		doc, err := self.Get(txn, key)
		if err != nil {
			return nil, err
		}
		docs[key] = doc
	}
	return docs, nil
}

func (self *memoryRemoteDocumentCache) GetAllFromCollection(txn Transaction, collection ResourcePath, offset IndexOffset) (map[DocumentKey]Document, error) {
	docs := map[DocumentKey]Document{}
	for key, doc := range self.docs {
		keyPath := key.Path()
		if !collection.IsPrefixOf(keyPath) || len(keyPath) != len(collection)+1 {
			continue
		}
		if !offset.comesBefore(doc) {
			continue
		}
		docs[key] = doc
	}
	return docs, nil
}

func (self *memoryRemoteDocumentCache) GetAllFromCollectionGroup(txn Transaction, collectionGroup string, offset IndexOffset) (map[DocumentKey]Document, error) {
	docs := map[DocumentKey]Document{}
	for key, doc := range self.docs {
		if !key.HasCollectionId(collectionGroup) {
			continue
		}
		if !offset.comesBefore(doc) {
			continue
		}
		docs[key] = doc
	}
	return docs, nil
}

// document overlay cache

type memoryDocumentOverlayCache struct {
	overlays map[DocumentKey]Overlay
}

func (self *memoryDocumentOverlayCache) GetOverlay(txn Transaction, key DocumentKey) (*Overlay, error) {
	if overlay, ok := self.overlays[key]; ok {
		return &overlay, nil
	}
	return nil, nil
}

func (self *memoryDocumentOverlayCache) GetOverlays(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Overlay, error) {
	overlays := map[DocumentKey]Overlay{}
	for key := range keys {
		if overlay, ok := self.overlays[key]; ok {
			overlays[key] = overlay
		}
	}
	return overlays, nil
}

func (self *memoryDocumentOverlayCache) SaveOverlays(txn Transaction, largestBatchId int64, overlays map[DocumentKey]*Mutation) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	for key, mutation := range overlays {
		if mutation == nil {
			delete(self.overlays, key)
			continue
		}
		self.overlays[key] = Overlay{
			LargestBatchId: largestBatchId,
			Mutation:       *mutation,
		}
	}
	return nil
}

func (self *memoryDocumentOverlayCache) RemoveOverlaysForBatchId(txn Transaction, batchId int64) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	for key, overlay := range self.overlays {
		if overlay.LargestBatchId == batchId {
			delete(self.overlays, key)
		}
	}
	return nil
}

func (self *memoryDocumentOverlayCache) GetOverlaysForCollection(txn Transaction, collection ResourcePath, sinceBatchId int64) (map[DocumentKey]Overlay, error) {
	overlays := map[DocumentKey]Overlay{}
	for key, overlay := range self.overlays {
		keyPath := key.Path()
		if !collection.IsPrefixOf(keyPath) || len(keyPath) != len(collection)+1 {
			continue
		}
		if overlay.LargestBatchId <= sinceBatchId {
			continue
		}
		overlays[key] = overlay
	}
	return overlays, nil
}

func (self *memoryDocumentOverlayCache) GetOverlaysForCollectionGroup(txn Transaction, collectionGroup string, sinceBatchId int64) (map[DocumentKey]Overlay, error) {
	overlays := map[DocumentKey]Overlay{}
	for key, overlay := range self.overlays {
		if !key.HasCollectionId(collectionGroup) {
			continue
		}
		if overlay.LargestBatchId <= sinceBatchId {
			continue
		}
		overlays[key] = overlay
	}
	return overlays, nil
}

// target cache

type memoryTargetCache struct {
	// canonical query id -> target data
	targets map[string]TargetData
	// target id -> matched document keys
	matchingKeys map[int32]DocumentKeySet

	highestTargetId           int32
	highestSequenceNumber     int64
	lastRemoteSnapshotVersion SnapshotVersion
}

func newMemoryTargetCache() *memoryTargetCache {
	return &memoryTargetCache{
		targets:      map[string]TargetData{},
		matchingKeys: map[int32]DocumentKeySet{},
	}
}

func (self *memoryTargetCache) AllocateTargetId(txn Transaction) (int32, error) {
	if err := requireWrite(txn); err != nil {
		return 0, err
	}
	// the generator keeps ids even if a bad id ever lands in the metadata
	self.highestTargetId = newListenTargetIdGenerator(self.highestTargetId).Next()
	return self.highestTargetId, nil
}

func (self *memoryTargetCache) AddTargetData(txn Transaction, targetData TargetData) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	self.targets[targetData.Target.CanonicalId()] = targetData
	if self.highestTargetId < targetData.TargetId {
		self.highestTargetId = targetData.TargetId
	}
	if self.highestSequenceNumber < targetData.SequenceNumber {
		self.highestSequenceNumber = targetData.SequenceNumber
	}
	return nil
}

func (self *memoryTargetCache) UpdateTargetData(txn Transaction, targetData TargetData) error {
	return self.AddTargetData(txn, targetData)
}

func (self *memoryTargetCache) RemoveTargetData(txn Transaction, targetData TargetData) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	delete(self.targets, targetData.Target.CanonicalId())
	delete(self.matchingKeys, targetData.TargetId)
	return nil
}

func (self *memoryTargetCache) GetTargetData(txn Transaction, target Query) (*TargetData, error) {
	if targetData, ok := self.targets[target.CanonicalId()]; ok {
		return &targetData, nil
	}
	return nil, nil
}

func (self *memoryTargetCache) TargetCount(txn Transaction) (int, error) {
	return len(self.targets), nil
}

func (self *memoryTargetCache) ForEachTarget(txn Transaction, fn func(targetData TargetData)) error {
	for _, targetData := range self.targets {
		fn(targetData)
	}
	return nil
}

func (self *memoryTargetCache) AddMatchingKeys(txn Transaction, keys DocumentKeySet, targetId int32) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	existing, ok := self.matchingKeys[targetId]
	if !ok {
		existing = NewDocumentKeySet()
		self.matchingKeys[targetId] = existing
	}
	for key := range keys {
		existing.Add(key)
	}
	return nil
}

func (self *memoryTargetCache) RemoveMatchingKeys(txn Transaction, keys DocumentKeySet, targetId int32) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	if existing, ok := self.matchingKeys[targetId]; ok {
		for key := range keys {
			existing.Remove(key)
		}
	}
	return nil
}

func (self *memoryTargetCache) RemoveMatchingKeysForTargetId(txn Transaction, targetId int32) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	delete(self.matchingKeys, targetId)
	return nil
}

func (self *memoryTargetCache) GetMatchingKeys(txn Transaction, targetId int32) (DocumentKeySet, error) {
	if keys, ok := self.matchingKeys[targetId]; ok {
		return keys.Clone(), nil
	}
	return NewDocumentKeySet(), nil
}

func (self *memoryTargetCache) ContainsKey(txn Transaction, key DocumentKey) (bool, error) {
	for _, keys := range self.matchingKeys {
		if keys.Contains(key) {
			return true, nil
		}
	}
	return false, nil
}

func (self *memoryTargetCache) HighestTargetId(txn Transaction) (int32, error) {
	return self.highestTargetId, nil
}

func (self *memoryTargetCache) HighestSequenceNumber(txn Transaction) (int64, error) {
	return self.highestSequenceNumber, nil
}

func (self *memoryTargetCache) GetLastRemoteSnapshotVersion(txn Transaction) (SnapshotVersion, error) {
	return self.lastRemoteSnapshotVersion, nil
}

func (self *memoryTargetCache) SetTargetsMetadata(txn Transaction, highestSequenceNumber int64, lastRemoteSnapshotVersion SnapshotVersion) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	if self.highestSequenceNumber < highestSequenceNumber {
		self.highestSequenceNumber = highestSequenceNumber
	}
	self.lastRemoteSnapshotVersion = lastRemoteSnapshotVersion
	return nil
}

// index manager

type memoryIndexManager struct {
	// collection id -> parent path string -> parent path
	collectionParents map[string]map[string]ResourcePath
	// collection group -> indexed fields
	fieldIndexes map[string][]FieldPath
	// collection group -> indexed documents
	indexEntries map[string]map[DocumentKey]Document
}

func newMemoryIndexManager() *memoryIndexManager {
	return &memoryIndexManager{
		collectionParents: map[string]map[string]ResourcePath{},
		fieldIndexes:      map[string][]FieldPath{},
		indexEntries:      map[string]map[DocumentKey]Document{},
	}
}

func (self *memoryIndexManager) AddToCollectionParentIndex(txn Transaction, collectionPath ResourcePath) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	collectionId := collectionPath.Last()
	parent := collectionPath.PopLast()
	parents, ok := self.collectionParents[collectionId]
	if !ok {
		parents = map[string]ResourcePath{}
		self.collectionParents[collectionId] = parents
	}
	parents[parent.String()] = parent
	return nil
}

func (self *memoryIndexManager) GetCollectionParents(txn Transaction, collectionId string) ([]ResourcePath, error) {
	parents := []ResourcePath{}
	for _, parent := range self.collectionParents[collectionId] {
		parents = append(parents, parent)
	}
	sort.Slice(parents, func(i int, j int) bool {
		return CompareResourcePaths(parents[i], parents[j]) < 0
	})
	return parents, nil
}

func (self *memoryIndexManager) CreateFieldIndex(txn Transaction, collectionGroup string, field FieldPath) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	for _, existing := range self.fieldIndexes[collectionGroup] {
		if existing.Equal(field) {
			return nil
		}
	}
	self.fieldIndexes[collectionGroup] = append(self.fieldIndexes[collectionGroup], field)
	return nil
}

func (self *memoryIndexManager) indexedCollectionGroup(query Query) (string, bool) {
	collectionGroup := query.CollectionGroup
	if collectionGroup == "" {
		if len(query.Path) == 0 || len(query.Path)%2 == 0 {
			return "", false
		}
		collectionGroup = query.Path.Last()
	}
	_, ok := self.fieldIndexes[collectionGroup]
	return collectionGroup, ok
}

func (self *memoryIndexManager) IndexTypeForQuery(txn Transaction, query Query) (IndexType, error) {
	collectionGroup, ok := self.indexedCollectionGroup(query)
	if !ok {
		return IndexTypeNone, nil
	}
	if query.StartAt != nil || query.EndAt != nil {
		return IndexTypeNone, nil
	}
	indexed := func(field FieldPath) bool {
		if field.IsKeyField() {
			return true
		}
		for _, existing := range self.fieldIndexes[collectionGroup] {
			if existing.Equal(field) {
				return true
			}
		}
		return false
	}
	for _, filter := range query.Filters {
		if !indexed(filter.Field) {
			return IndexTypeNone, nil
		}
	}
	for _, orderBy := range query.Explicit {
		if !indexed(orderBy.Field) {
			return IndexTypePartial, nil
		}
	}
	return IndexTypeFull, nil
}

func (self *memoryIndexManager) GetDocumentsMatchingQuery(txn Transaction, query Query) (DocumentKeySet, error) {
	collectionGroup, ok := self.indexedCollectionGroup(query)
	if !ok {
		return nil, fmt.Errorf("no index for query: %s", query)
	}
	keys := NewDocumentKeySet()
	for key, doc := range self.indexEntries[collectionGroup] {
		if query.Matches(doc) {
			keys.Add(key)
		}
	}
	return keys, nil
}

func (self *memoryIndexManager) UpdateIndexEntries(txn Transaction, docs map[DocumentKey]Document) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	for key, doc := range docs {
		collectionGroup := key.CollectionId()
		if _, ok := self.fieldIndexes[collectionGroup]; !ok {
			continue
		}
		entries, ok := self.indexEntries[collectionGroup]
		if !ok {
			entries = map[DocumentKey]Document{}
			self.indexEntries[collectionGroup] = entries
		}
		if doc.IsFoundDocument() {
			entries[key] = doc
		} else {
			delete(entries, key)
		}
	}
	return nil
}

// bundle cache

type memoryBundleCache struct {
	bundles      map[string]BundleMetadata
	namedQueries map[string]NamedQuery
}

func newMemoryBundleCache() *memoryBundleCache {
	return &memoryBundleCache{
		bundles:      map[string]BundleMetadata{},
		namedQueries: map[string]NamedQuery{},
	}
}

func (self *memoryBundleCache) GetBundleMetadata(txn Transaction, bundleId string) (*BundleMetadata, error) {
	if metadata, ok := self.bundles[bundleId]; ok {
		return &metadata, nil
	}
	return nil, nil
}

func (self *memoryBundleCache) SaveBundleMetadata(txn Transaction, metadata BundleMetadata) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	self.bundles[metadata.BundleId] = metadata
	return nil
}

func (self *memoryBundleCache) GetNamedQuery(txn Transaction, name string) (*NamedQuery, error) {
	if namedQuery, ok := self.namedQueries[name]; ok {
		return &namedQuery, nil
	}
	return nil, nil
}

func (self *memoryBundleCache) SaveNamedQuery(txn Transaction, namedQuery NamedQuery) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	self.namedQueries[namedQuery.Name] = namedQuery
	return nil
}

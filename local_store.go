package docsync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type LocalStoreSettings struct {
	// how stale a target's persisted snapshot may get before a new resume
	// token is persisted even without document changes
	ResumeTokenMaxAge time.Duration
}

func DefaultLocalStoreSettings() *LocalStoreSettings {
	return &LocalStoreSettings{
		ResumeTokenMaxAge: 5 * time.Minute,
	}
}

type QueryResult struct {
	Documents  map[DocumentKey]Document
	RemoteKeys DocumentKeySet
}

type LocalWriteResult struct {
	BatchId int64
	Changes map[DocumentKey]Document
}

// per target outcome of a view computation, fed back to update the
// limbo free snapshot bookkeeping
type LocalViewChanges struct {
	TargetId  int32
	FromCache bool
}

// orchestrates the persistence stores to answer what the application
// sees locally, and folds acknowledged and watched server state back in
type LocalStore struct {
	persistence Persistence
	settings    *LocalStoreSettings

	user           User
	mutationQueue  MutationQueue
	overlays       DocumentOverlayCache
	indexManager   IndexManager
	localDocuments *localDocumentsView
	remoteDocs     RemoteDocumentCache
	targetCache    TargetCache
	bundleCache    BundleCache
	queryEngine    *QueryEngine

	// targets currently allocated by the sync engine
	targetDataById map[int32]TargetData
}

func NewLocalStoreWithDefaults(persistence Persistence, user User) *LocalStore {
	return NewLocalStore(persistence, user, DefaultLocalStoreSettings())
}

func NewLocalStore(persistence Persistence, user User, settings *LocalStoreSettings) *LocalStore {
	localStore := &LocalStore{
		persistence:    persistence,
		settings:       settings,
		remoteDocs:     persistence.RemoteDocumentCache(),
		targetCache:    persistence.TargetCache(),
		bundleCache:    persistence.BundleCache(),
		targetDataById: map[int32]TargetData{},
	}
	localStore.initializeUserComponents(user)
	return localStore
}

func (self *LocalStore) initializeUserComponents(user User) {
	self.user = user
	self.mutationQueue = self.persistence.MutationQueue(user)
	self.overlays = self.persistence.DocumentOverlayCache(user)
	self.indexManager = self.persistence.IndexManager(user)
	self.localDocuments = newLocalDocumentsView(self.remoteDocs, self.mutationQueue, self.overlays, self.indexManager)
	self.queryEngine = NewQueryEngine(self.localDocuments, self.indexManager)
}

func (self *LocalStore) GetDocument(ctx context.Context, key DocumentKey) (Document, error) {
	var doc Document
	err := self.persistence.RunTransaction(ctx, "Get document", TransactionModeReadonly, func(txn Transaction) error {
		var err error
		doc, err = self.localDocuments.GetDocument(txn, key)
		return err
	})
	return doc, err
}

func (self *LocalStore) GetDocuments(ctx context.Context, keys DocumentKeySet) (map[DocumentKey]Document, error) {
	var docs map[DocumentKey]Document
	err := self.persistence.RunTransaction(ctx, "Get documents", TransactionModeReadonly, func(txn Transaction) error {
		var err error
		docs, err = self.localDocuments.GetDocuments(txn, keys)
		return err
	})
	return docs, err
}

// assigns the mutations a batch, eagerly computes the overlays for the
// affected keys, and returns the resulting locally visible documents.
// this always succeeds locally regardless of connectivity.
func (self *LocalStore) LocalWrite(ctx context.Context, mutations []Mutation) (LocalWriteResult, error) {
	localWriteTime := time.Now()
	keys := NewDocumentKeySet()
	for _, m := range mutations {
		keys.Add(m.Key)
	}

	var result LocalWriteResult
	err := self.persistence.RunTransaction(ctx, "Local write", TransactionModeReadwrite, func(txn Transaction) error {
		overlayed, err := self.localDocuments.GetOverlayedDocuments(txn, keys)
		if err != nil {
			return err
		}

		// base mutations pin the pre-write values that make increment
		// transforms idempotent under overlay recomputation
		baseMutations := []Mutation{}
		for _, m := range mutations {
			base := extractBaseMutation(m, overlayed[m.Key].Document)
			if base != nil {
				baseMutations = append(baseMutations, *base)
			}
		}

		batch, err := self.mutationQueue.AddBatch(txn, localWriteTime, baseMutations, mutations)
		if err != nil {
			return err
		}

		changes := make(map[DocumentKey]Document, len(keys))
		overlayMutations := map[DocumentKey]*Mutation{}
		for key, o := range overlayed {
			doc, mask := batch.ApplyToLocalView(o.Document, o.MutatedFields)
			changes[key] = doc
			overlayMutations[key] = CalculateOverlayMutation(doc, mask)
		}
		if err := self.overlays.SaveOverlays(txn, batch.BatchId, overlayMutations); err != nil {
			return err
		}

		result = LocalWriteResult{
			BatchId: batch.BatchId,
			Changes: changes,
		}
		return nil
	})
	return result, err
}

func extractBaseMutation(m Mutation, doc Document) *Mutation {
	baseValue := MapValue(nil)
	baseMask := FieldMask{}
	for _, transform := range m.Transforms {
		if transform.Type != TransformTypeIncrement {
			continue
		}
		base := IntegerValue(0)
		if previous, ok := doc.Field(transform.Path); ok && previous.IsNumber() {
			base = previous
		}
		baseValue = SetFieldAt(baseValue, transform.Path, base)
		baseMask = append(baseMask, transform.Path)
	}
	if len(baseMask) == 0 {
		return nil
	}
	base := Mutation{
		Type:      MutationTypePatch,
		Key:       m.Key,
		Value:     baseValue,
		FieldMask: baseMask,
	}
	return &base
}

// applies the server's results so the affected document versions become
// authoritative, removes the batch, and recomputes overlays from only the
// remaining batches
func (self *LocalStore) AcknowledgeBatch(ctx context.Context, batchResult MutationBatchResult) (map[DocumentKey]Document, error) {
	batch := batchResult.Batch
	keys := batch.Keys()

	var changes map[DocumentKey]Document
	err := self.persistence.RunTransaction(ctx, "Acknowledge batch", TransactionModeReadwritePrimary, func(txn Transaction) error {
		existingDocs, err := self.remoteDocs.GetAll(txn, keys)
		if err != nil {
			return err
		}
		changedDocs := map[DocumentKey]Document{}
		for i, m := range batch.Mutations {
			doc := existingDocs[m.Key]
			if changed, ok := changedDocs[m.Key]; ok {
				doc = changed
			}
			mutationResult := batchResult.MutationResults[i]
			if CompareSnapshotVersions(doc.Version, mutationResult.Version) < 0 {
				doc = m.ApplyToRemoteDocument(doc, mutationResult)
				changedDocs[m.Key] = doc
				if err := self.remoteDocs.Add(txn, doc, batchResult.CommitVersion); err != nil {
					return err
				}
			}
		}
		if err := self.indexManager.UpdateIndexEntries(txn, changedDocs); err != nil {
			return err
		}

		if err := self.mutationQueue.RemoveBatch(txn, batch); err != nil {
			return err
		}
		if err := self.overlays.RemoveOverlaysForBatchId(txn, batch.BatchId); err != nil {
			return err
		}
		changes, err = self.recalculateViews(txn, keys)
		return err
	})
	return changes, err
}

// removes the rejected batch and un-applies its effect by recomputing
// overlays from the remaining batches. Recomputation, never subtraction:
// it stays correct under interleaved later writes.
func (self *LocalStore) RejectBatch(ctx context.Context, batchId int64) (map[DocumentKey]Document, error) {
	var changes map[DocumentKey]Document
	err := self.persistence.RunTransaction(ctx, "Reject batch", TransactionModeReadwritePrimary, func(txn Transaction) error {
		batch, err := self.mutationQueue.LookupBatch(txn, batchId)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("reject of unknown batch %d", batchId)
		}
		if err := self.mutationQueue.RemoveBatch(txn, *batch); err != nil {
			return err
		}
		if err := self.overlays.RemoveOverlaysForBatchId(txn, batchId); err != nil {
			return err
		}
		changes, err = self.recalculateViews(txn, batch.Keys())
		return err
	})
	return changes, err
}

func (self *LocalStore) recalculateViews(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Document, error) {
	docs, err := self.remoteDocs.GetAll(txn, keys)
	if err != nil {
		return nil, err
	}
	overlayed, err := self.localDocuments.recalculateAndSaveOverlays(txn, docs)
	if err != nil {
		return nil, err
	}
	changes := make(map[DocumentKey]Document, len(overlayed))
	for key, o := range overlayed {
		changes[key] = o.Document
	}
	return changes, nil
}

func (self *LocalStore) HighestUnacknowledgedBatchId(ctx context.Context) (int64, error) {
	var batchId int64
	err := self.persistence.RunTransaction(ctx, "Highest unacknowledged batch id", TransactionModeReadonly, func(txn Transaction) error {
		var err error
		batchId, err = self.mutationQueue.HighestUnacknowledgedBatchId(txn)
		return err
	})
	return batchId, err
}

func (self *LocalStore) NextMutationBatch(ctx context.Context, afterBatchId int64) (*MutationBatch, error) {
	var batch *MutationBatch
	err := self.persistence.RunTransaction(ctx, "Next mutation batch", TransactionModeReadonly, func(txn Transaction) error {
		var err error
		batch, err = self.mutationQueue.NextBatchAfter(txn, afterBatchId)
		return err
	})
	return batch, err
}

// reconciles one round of watch protocol results with the cache.
// local mutations are never overwritten by stale watch data: an incoming
// document only replaces the cached one when its version is newer, or
// equal while the cached document still awaits its committed snapshot.
func (self *LocalStore) ApplyRemoteEvent(ctx context.Context, event RemoteEvent) (map[DocumentKey]Document, error) {
	var changes map[DocumentKey]Document
	err := self.persistence.RunTransaction(ctx, "Apply remote event", TransactionModeReadwritePrimary, func(txn Transaction) error {
		lastRemoteVersion, err := self.targetCache.GetLastRemoteSnapshotVersion(txn)
		if err != nil {
			return err
		}

		for targetId, change := range event.TargetChanges {
			oldTargetData, ok := self.targetDataById[targetId]
			if !ok {
				continue
			}

			if err := self.targetCache.RemoveMatchingKeys(txn, change.RemovedDocuments, targetId); err != nil {
				return err
			}
			if err := self.targetCache.AddMatchingKeys(txn, change.AddedDocuments, targetId); err != nil {
				return err
			}

			newTargetData := oldTargetData
			if 0 < len(change.ResumeToken) {
				newTargetData = oldTargetData.WithResumeToken(change.ResumeToken, event.SnapshotVersion)
			}
			self.targetDataById[targetId] = newTargetData

			if self.shouldPersistTargetData(oldTargetData, newTargetData, change) {
				if err := self.targetCache.UpdateTargetData(txn, newTargetData); err != nil {
					return err
				}
			}
		}

		changedDocs := map[DocumentKey]Document{}
		existenceChangedKeys := NewDocumentKeySet()
		keys := NewDocumentKeySet()
		for key := range event.DocumentUpdates {
			keys.Add(key)
		}
		existingDocs, err := self.remoteDocs.GetAll(txn, keys)
		if err != nil {
			return err
		}
		for key, doc := range event.DocumentUpdates {
			existing := existingDocs[key]
			readTime := event.SnapshotVersion
			if readTime.IsZero() {
				readTime = doc.Version
			}

			c := CompareSnapshotVersions(doc.Version, existing.Version)
			if !existing.IsValidDocument() || 0 < c || (c == 0 && existing.HasPendingWrites()) {
				if err := self.remoteDocs.Add(txn, doc, readTime); err != nil {
					return err
				}
				changedDocs[key] = doc
				if existing.IsFoundDocument() != doc.IsFoundDocument() {
					existenceChangedKeys.Add(key)
				}
			} else {
				glog.V(2).Infof("[local]ignore stale watch update %s %s (cached %s)\n", key, doc.Version, existing.Version)
			}
		}
		if err := self.indexManager.UpdateIndexEntries(txn, changedDocs); err != nil {
			return err
		}

		if !event.SnapshotVersion.IsZero() && CompareSnapshotVersions(lastRemoteVersion, event.SnapshotVersion) <= 0 {
			if err := self.targetCache.SetTargetsMetadata(txn, 0, event.SnapshotVersion); err != nil {
				return err
			}
		}

		overlayed, err := self.localDocuments.getLocalViewOfDocuments(txn, changedDocs, existenceChangedKeys)
		if err != nil {
			return err
		}
		changes = make(map[DocumentKey]Document, len(overlayed))
		for key, o := range overlayed {
			changes[key] = o.Document
		}
		return nil
	})
	return changes, err
}

// policy for bounding resume token writes: persist when the token is the
// first for the target, when the persisted snapshot has gone stale, or
// when the round changed documents
func (self *LocalStore) shouldPersistTargetData(oldTargetData TargetData, newTargetData TargetData, change TargetChangeSet) bool {
	if len(newTargetData.ResumeToken) == 0 {
		return false
	}
	if len(oldTargetData.ResumeToken) == 0 {
		return true
	}
	elapsed := newTargetData.SnapshotVersion.Time().Sub(oldTargetData.SnapshotVersion.Time())
	if self.settings.ResumeTokenMaxAge <= elapsed {
		return true
	}
	return 0 < len(change.AddedDocuments)+len(change.ModifiedDocuments)+len(change.RemovedDocuments)
}

func (self *LocalStore) NotifyLocalViewChanges(ctx context.Context, viewChanges []LocalViewChanges) error {
	return self.persistence.RunTransaction(ctx, "Notify local view changes", TransactionModeReadwrite, func(txn Transaction) error {
		lastRemoteVersion, err := self.targetCache.GetLastRemoteSnapshotVersion(txn)
		if err != nil {
			return err
		}
		for _, viewChange := range viewChanges {
			if viewChange.FromCache {
				continue
			}
			targetData, ok := self.targetDataById[viewChange.TargetId]
			if !ok {
				continue
			}
			targetData = targetData.WithLastLimboFreeSnapshotVersion(lastRemoteVersion)
			self.targetDataById[viewChange.TargetId] = targetData
			if err := self.targetCache.UpdateTargetData(txn, targetData); err != nil {
				return err
			}
		}
		return nil
	})
}

// maps a logical query onto a server registered target, reusing the
// persisted registration when one exists
func (self *LocalStore) AllocateTarget(ctx context.Context, target Query) (TargetData, error) {
	var targetData TargetData
	err := self.persistence.RunTransaction(ctx, "Allocate target", TransactionModeReadwrite, func(txn Transaction) error {
		cached, err := self.targetCache.GetTargetData(txn, target)
		if err != nil {
			return err
		}
		if cached != nil {
			targetData = *cached
		} else {
			targetId, err := self.targetCache.AllocateTargetId(txn)
			if err != nil {
				return err
			}
			highestSequenceNumber, err := self.targetCache.HighestSequenceNumber(txn)
			if err != nil {
				return err
			}
			targetData = NewTargetData(target, targetId, TargetPurposeListen, highestSequenceNumber+1)
			if err := self.targetCache.AddTargetData(txn, targetData); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return TargetData{}, err
	}
	self.targetDataById[targetData.TargetId] = targetData
	return targetData, nil
}

func (self *LocalStore) ReleaseTarget(ctx context.Context, targetId int32, keepPersisted bool) error {
	targetData, ok := self.targetDataById[targetId]
	if !ok {
		return fmt.Errorf("release of unknown target %d", targetId)
	}
	delete(self.targetDataById, targetId)

	if keepPersisted {
		return nil
	}
	return self.persistence.RunTransaction(ctx, "Release target", TransactionModeReadwritePrimary, func(txn Transaction) error {
		if err := self.targetCache.RemoveMatchingKeysForTargetId(txn, targetId); err != nil {
			return err
		}
		return self.targetCache.RemoveTargetData(txn, targetData)
	})
}

func (self *LocalStore) GetTargetData(targetId int32) (TargetData, bool) {
	targetData, ok := self.targetDataById[targetId]
	return targetData, ok
}

func (self *LocalStore) RemoteKeysForTarget(ctx context.Context, targetId int32) DocumentKeySet {
	keys := NewDocumentKeySet()
	self.persistence.RunTransaction(ctx, "Remote keys for target", TransactionModeReadonly, func(txn Transaction) error {
		var err error
		keys, err = self.targetCache.GetMatchingKeys(txn, targetId)
		return err
	})
	return keys
}

func (self *LocalStore) ExecuteQuery(ctx context.Context, query Query, usePreviousResults bool) (QueryResult, error) {
	var result QueryResult
	err := self.persistence.RunTransaction(ctx, "Execute query", TransactionModeReadonly, func(txn Transaction) error {
		remoteKeys := NewDocumentKeySet()
		lastLimboFreeSnapshotVersion := SnapshotVersion{}

		targetData, err := self.targetCache.GetTargetData(txn, query)
		if err != nil {
			return err
		}
		if targetData != nil {
			lastLimboFreeSnapshotVersion = targetData.LastLimboFreeSnapshotVersion
			remoteKeys, err = self.targetCache.GetMatchingKeys(txn, targetData.TargetId)
			if err != nil {
				return err
			}
		}
		if !usePreviousResults {
			lastLimboFreeSnapshotVersion = SnapshotVersion{}
		}

		docs, err := self.queryEngine.GetDocumentsMatchingQuery(txn, query, lastLimboFreeSnapshotVersion, remoteKeys)
		if err != nil {
			return err
		}
		result = QueryResult{
			Documents:  docs,
			RemoteKeys: remoteKeys,
		}
		return nil
	})
	return result, err
}

// swaps the active mutation scope and returns the documents whose local
// view may have changed between the old and new scope's pending batches
func (self *LocalStore) SetUser(ctx context.Context, user User) (map[DocumentKey]Document, error) {
	var changes map[DocumentKey]Document
	err := self.persistence.RunTransaction(ctx, "Set user", TransactionModeReadwrite, func(txn Transaction) error {
		oldBatches, err := self.mutationQueue.AllBatches(txn)
		if err != nil {
			return err
		}

		self.initializeUserComponents(user)

		newBatches, err := self.mutationQueue.AllBatches(txn)
		if err != nil {
			return err
		}

		changedKeys := NewDocumentKeySet()
		for _, batch := range append(oldBatches, newBatches...) {
			for key := range batch.Keys() {
				changedKeys.Add(key)
			}
		}
		changes, err = self.localDocuments.GetDocuments(txn, changedKeys)
		return err
	})
	return changes, err
}

// bundle support

func (self *LocalStore) HasNewerBundle(ctx context.Context, metadata BundleMetadata) (bool, error) {
	var newer bool
	err := self.persistence.RunTransaction(ctx, "Has newer bundle", TransactionModeReadonly, func(txn Transaction) error {
		existing, err := self.bundleCache.GetBundleMetadata(txn, metadata.BundleId)
		if err != nil {
			return err
		}
		newer = existing != nil && CompareSnapshotVersions(metadata.CreateTime, existing.CreateTime) <= 0
		return nil
	})
	return newer, err
}

func (self *LocalStore) SaveBundle(ctx context.Context, metadata BundleMetadata) error {
	return self.persistence.RunTransaction(ctx, "Save bundle", TransactionModeReadwrite, func(txn Transaction) error {
		return self.bundleCache.SaveBundleMetadata(txn, metadata)
	})
}

func (self *LocalStore) GetNamedQuery(ctx context.Context, name string) (*NamedQuery, error) {
	var namedQuery *NamedQuery
	err := self.persistence.RunTransaction(ctx, "Get named query", TransactionModeReadonly, func(txn Transaction) error {
		var err error
		namedQuery, err = self.bundleCache.GetNamedQuery(txn, name)
		return err
	})
	return namedQuery, err
}

func (self *LocalStore) SaveNamedQuery(ctx context.Context, namedQuery NamedQuery) error {
	return self.persistence.RunTransaction(ctx, "Save named query", TransactionModeReadwrite, func(txn Transaction) error {
		return self.bundleCache.SaveNamedQuery(txn, namedQuery)
	})
}

// applies documents from a pre-packaged bundle the same way a remote
// event would, so fresher cached or pending state is never clobbered
func (self *LocalStore) ApplyBundledDocuments(ctx context.Context, docs map[DocumentKey]Document) (map[DocumentKey]Document, error) {
	updates := make(map[DocumentKey]Document, len(docs))
	for key, doc := range docs {
		updates[key] = doc
	}
	event := RemoteEvent{
		DocumentUpdates: updates,
		TargetChanges:   map[int32]TargetChangeSet{},
	}
	return self.ApplyRemoteEvent(ctx, event)
}

// removes persisted listen targets that are no longer active.
// runs under the primary lease so secondaries never race the sweep.
func (self *LocalStore) CollectGarbage(ctx context.Context, activeTargetIds map[int32]bool) error {
	return self.persistence.RunTransaction(ctx, "Collect garbage", TransactionModeReadwritePrimary, func(txn Transaction) error {
		inactive := []TargetData{}
		err := self.targetCache.ForEachTarget(txn, func(targetData TargetData) {
			if !activeTargetIds[targetData.TargetId] {
				inactive = append(inactive, targetData)
			}
		})
		if err != nil {
			return err
		}
		for _, targetData := range inactive {
			if err := self.targetCache.RemoveMatchingKeysForTargetId(txn, targetData.TargetId); err != nil {
				return err
			}
			if err := self.targetCache.RemoveTargetData(txn, targetData); err != nil {
				return err
			}
			glog.V(1).Infof("[local]gc target %d\n", targetData.TargetId)
		}
		return nil
	})
}

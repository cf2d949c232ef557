package docsync

import (
	"time"
)

// a document as seen through its pending overlay, plus the fields the
// overlay touched. A nil mask means the overlay replaced or deleted the
// whole document.
type OverlayedDocument struct {
	Document      Document
	MutatedFields *FieldMask
}

// read side of the local store: documents from the remote cache with
// pending overlays applied on top
type localDocumentsView struct {
	remoteDocs    RemoteDocumentCache
	mutationQueue MutationQueue
	overlays      DocumentOverlayCache
	indexManager  IndexManager
}

func newLocalDocumentsView(
	remoteDocs RemoteDocumentCache,
	mutationQueue MutationQueue,
	overlays DocumentOverlayCache,
	indexManager IndexManager,
) *localDocumentsView {
	return &localDocumentsView{
		remoteDocs:    remoteDocs,
		mutationQueue: mutationQueue,
		overlays:      overlays,
		indexManager:  indexManager,
	}
}

func (self *localDocumentsView) GetDocument(txn Transaction, key DocumentKey) (Document, error) {
	doc, err := self.remoteDocs.Get(txn, key)
	if err != nil {
		return Document{}, err
	}
	overlay, err := self.overlays.GetOverlay(txn, key)
	if err != nil {
		return Document{}, err
	}
	if overlay != nil {
		doc, _ = overlay.Mutation.ApplyToLocalView(doc, nil, time.Now())
	}
	return doc, nil
}

func (self *localDocumentsView) GetDocuments(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Document, error) {
	overlayed, err := self.GetOverlayedDocuments(txn, keys)
	if err != nil {
		return nil, err
	}
	docs := make(map[DocumentKey]Document, len(overlayed))
	for key, o := range overlayed {
		docs[key] = o.Document
	}
	return docs, nil
}

func (self *localDocumentsView) GetOverlayedDocuments(txn Transaction, keys DocumentKeySet) (map[DocumentKey]OverlayedDocument, error) {
	docs, err := self.remoteDocs.GetAll(txn, keys)
	if err != nil {
		return nil, err
	}
	return self.getLocalViewOfDocuments(txn, docs, NewDocumentKeySet())
}

// applies overlays on top of the given base documents.
// existenceChangedKeys are documents whose remote existence state just
// changed. Patch overlays computed against the old state can no longer be
// trusted for those keys, so their overlays are recomputed from the
// remaining batches.
func (self *localDocumentsView) getLocalViewOfDocuments(
	txn Transaction,
	docs map[DocumentKey]Document,
	existenceChangedKeys DocumentKeySet,
) (map[DocumentKey]OverlayedDocument, error) {
	keys := NewDocumentKeySet()
	for key := range docs {
		keys.Add(key)
	}
	overlays, err := self.overlays.GetOverlays(txn, keys)
	if err != nil {
		return nil, err
	}

	result := make(map[DocumentKey]OverlayedDocument, len(docs))
	recalculateDocs := map[DocumentKey]Document{}
	for key, doc := range docs {
		overlay, hasOverlay := overlays[key]
		switch {
		case existenceChangedKeys.Contains(key) && (!hasOverlay || overlay.Mutation.Type == MutationTypePatch):
			recalculateDocs[key] = doc
		case hasOverlay:
			mutated, _ := overlay.Mutation.ApplyToLocalView(doc, nil, time.Now())
			result[key] = OverlayedDocument{
				Document:      mutated,
				MutatedFields: overlayFieldMask(overlay.Mutation),
			}
		default:
			emptyMask := FieldMask{}
			result[key] = OverlayedDocument{
				Document:      doc,
				MutatedFields: &emptyMask,
			}
		}
	}

	recalculated, err := self.recalculateAndSaveOverlays(txn, recalculateDocs)
	if err != nil {
		return nil, err
	}
	for key, o := range recalculated {
		result[key] = o
	}
	return result, nil
}

func overlayFieldMask(mutation Mutation) *FieldMask {
	if mutation.Type == MutationTypePatch {
		mask := append(FieldMask{}, mutation.FieldMask...)
		return &mask
	}
	return nil
}

// replays the remaining pending batches for the given base documents and
// persists the resulting overlays. This bounds recomputation cost to
// pending work, not cache size.
func (self *localDocumentsView) recalculateAndSaveOverlays(
	txn Transaction,
	docs map[DocumentKey]Document,
) (map[DocumentKey]OverlayedDocument, error) {
	result := map[DocumentKey]OverlayedDocument{}
	if len(docs) == 0 {
		return result, nil
	}

	keys := NewDocumentKeySet()
	for key := range docs {
		keys.Add(key)
	}
	batches, err := self.mutationQueue.BatchesAffectingKeys(txn, keys)
	if err != nil {
		return nil, err
	}

	masks := map[DocumentKey]*FieldMask{}
	processed := NewDocumentKeySet()
	largestBatchIds := map[DocumentKey]int64{}
	for _, batch := range batches {
		for key := range batch.Keys() {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			mask := masks[key]
			if !processed.Contains(key) {
				emptyMask := FieldMask{}
				mask = &emptyMask
			}
			doc, mask = batch.ApplyToLocalView(doc, mask)
			docs[key] = doc
			masks[key] = mask
			processed.Add(key)
			largestBatchIds[key] = batch.BatchId
		}
	}

	// group by the largest contributing batch id and persist
	overlaysByBatchId := map[int64]map[DocumentKey]*Mutation{}
	for key := range processed {
		overlayMutation := CalculateOverlayMutation(docs[key], masks[key])
		batchId := largestBatchIds[key]
		group, ok := overlaysByBatchId[batchId]
		if !ok {
			group = map[DocumentKey]*Mutation{}
			overlaysByBatchId[batchId] = group
		}
		group[key] = overlayMutation
	}
	for batchId, group := range overlaysByBatchId {
		if err := self.overlays.SaveOverlays(txn, batchId, group); err != nil {
			return nil, err
		}
	}

	for key, doc := range docs {
		mask := masks[key]
		if !processed.Contains(key) {
			emptyMask := FieldMask{}
			mask = &emptyMask
		}
		result[key] = OverlayedDocument{
			Document:      doc,
			MutatedFields: mask,
		}
	}
	return result, nil
}

func (self *localDocumentsView) GetDocumentsMatchingQuery(
	txn Transaction,
	query Query,
	offset IndexOffset,
) (map[DocumentKey]Document, error) {
	if query.IsDocumentQuery() {
		key, err := NewDocumentKey(query.Path)
		if err != nil {
			return nil, err
		}
		doc, err := self.GetDocument(txn, key)
		if err != nil {
			return nil, err
		}
		docs := map[DocumentKey]Document{}
		if doc.IsFoundDocument() {
			docs[key] = doc
		}
		return docs, nil
	}

	var docs map[DocumentKey]Document
	var pendingOverlays map[DocumentKey]Overlay
	var err error
	if query.IsCollectionGroupQuery() {
		docs, err = self.remoteDocs.GetAllFromCollectionGroup(txn, query.CollectionGroup, offset)
		if err != nil {
			return nil, err
		}
		pendingOverlays, err = self.overlays.GetOverlaysForCollectionGroup(txn, query.CollectionGroup, offset.LargestBatchId)
	} else {
		docs, err = self.remoteDocs.GetAllFromCollection(txn, query.Path, offset)
		if err != nil {
			return nil, err
		}
		pendingOverlays, err = self.overlays.GetOverlaysForCollection(txn, query.Path, offset.LargestBatchId)
	}
	if err != nil {
		return nil, err
	}

	// documents that only exist locally still need a base to overlay onto
	for key := range pendingOverlays {
		if _, ok := docs[key]; !ok {
			doc, err := self.remoteDocs.Get(txn, key)
			if err != nil {
				return nil, err
			}
			docs[key] = doc
		}
	}
	for key, overlay := range pendingOverlays {
		doc := docs[key]
		doc, _ = overlay.Mutation.ApplyToLocalView(doc, nil, time.Now())
		docs[key] = doc
	}

	results := map[DocumentKey]Document{}
	for key, doc := range docs {
		if query.Matches(doc) {
			results[key] = doc
		}
	}
	return results, nil
}

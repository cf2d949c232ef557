package docsync

import (
	"sort"

	"github.com/golang/glog"
)

// executes queries against local state, cheapest strategy first:
//  1. a field index, when the index manager has a full index for the query
//  2. incremental: re-match the previous results and scan only documents
//     changed since the target's last limbo free snapshot
//  3. full collection scan
type QueryEngine struct {
	localDocuments *localDocumentsView
	indexManager   IndexManager
}

func NewQueryEngine(localDocuments *localDocumentsView, indexManager IndexManager) *QueryEngine {
	return &QueryEngine{
		localDocuments: localDocuments,
		indexManager:   indexManager,
	}
}

func (self *QueryEngine) GetDocumentsMatchingQuery(
	txn Transaction,
	query Query,
	lastLimboFreeSnapshotVersion SnapshotVersion,
	remoteKeys DocumentKeySet,
) (map[DocumentKey]Document, error) {
	docs, ok, err := self.performQueryUsingIndex(txn, query)
	if err != nil {
		return nil, err
	}
	if ok {
		return docs, nil
	}

	docs, ok, err = self.performQueryUsingRemoteKeys(txn, query, remoteKeys, lastLimboFreeSnapshotVersion)
	if err != nil {
		return nil, err
	}
	if ok {
		return docs, nil
	}

	glog.V(2).Infof("[query]full scan for %s\n", query.CanonicalId())
	return self.executeFullCollectionScan(txn, query)
}

func (self *QueryEngine) performQueryUsingIndex(txn Transaction, query Query) (map[DocumentKey]Document, bool, error) {
	if query.MatchesAllDocuments() {
		// a scan is as cheap as the index here
		return nil, false, nil
	}

	indexType, err := self.indexManager.IndexTypeForQuery(txn, query)
	if err != nil {
		return nil, false, err
	}
	if indexType == IndexTypeNone {
		return nil, false, nil
	}
	if query.HasLimit() && indexType == IndexTypePartial {
		// a partial index cannot order the results, so a limit applied
		// before the missing sort could keep the wrong documents
		return nil, false, nil
	}

	keys, err := self.indexManager.GetDocumentsMatchingQuery(txn, query)
	if err != nil {
		return nil, false, err
	}
	indexedDocs, err := self.localDocuments.GetDocuments(txn, keys)
	if err != nil {
		return nil, false, err
	}

	// the index may be behind the latest local writes. Augment with
	// anything written after the index was last updated.
	docs, err := self.appendRemainingResults(txn, query, indexedDocs, IndexOffset{})
	if err != nil {
		return nil, false, err
	}
	return docs, true, nil
}

// re-runs the query against its previous remote result set. Sound only
// when the previous results are still complete: for limit queries, a
// document that dropped out locally may mean an unseen document now
// belongs in the result.
func (self *QueryEngine) performQueryUsingRemoteKeys(
	txn Transaction,
	query Query,
	remoteKeys DocumentKeySet,
	lastLimboFreeSnapshotVersion SnapshotVersion,
) (map[DocumentKey]Document, bool, error) {
	if query.MatchesAllDocuments() {
		return nil, false, nil
	}
	if lastLimboFreeSnapshotVersion.IsZero() {
		return nil, false, nil
	}

	previousResults, err := self.localDocuments.GetDocuments(txn, remoteKeys)
	if err != nil {
		return nil, false, err
	}
	matching := map[DocumentKey]Document{}
	for key, doc := range previousResults {
		if doc.IsFoundDocument() && query.Matches(doc) {
			matching[key] = doc
		}
	}

	if query.HasLimit() && self.needsRefill(query, len(matching), previousResults, lastLimboFreeSnapshotVersion) {
		return nil, false, nil
	}

	glog.V(2).Infof("[query]incremental %s from %s\n", query.CanonicalId(), lastLimboFreeSnapshotVersion)
	docs, err := self.appendRemainingResults(txn, query, matching, IndexOffset{
		ReadTime: lastLimboFreeSnapshotVersion,
	})
	if err != nil {
		return nil, false, err
	}
	return docs, true, nil
}

// a limit query needs a full refill when its previous result set shrank,
// or when its boundary document was touched by an unacknowledged local
// write or a newer remote version. A moved boundary can admit documents
// the previous results never contained.
func (self *QueryEngine) needsRefill(
	query Query,
	matchingCount int,
	previousResults map[DocumentKey]Document,
	lastLimboFreeSnapshotVersion SnapshotVersion,
) bool {
	if matchingCount < len(previousResults) {
		return true
	}
	if int64(matchingCount) < query.Limit {
		return false
	}

	sorted := make([]Document, 0, len(previousResults))
	for _, doc := range previousResults {
		sorted = append(sorted, doc)
	}
	cmp := query.Comparator()
	sort.Slice(sorted, func(i int, j int) bool {
		return cmp(sorted[i], sorted[j]) < 0
	})

	var boundary Document
	if query.LimitType == LimitTypeLast {
		boundary = sorted[0]
	} else {
		boundary = sorted[len(sorted)-1]
	}
	return boundary.HasPendingWrites() ||
		0 < CompareSnapshotVersions(boundary.Version, lastLimboFreeSnapshotVersion)
}

func (self *QueryEngine) appendRemainingResults(
	txn Transaction,
	query Query,
	existing map[DocumentKey]Document,
	offset IndexOffset,
) (map[DocumentKey]Document, error) {
	remaining, err := self.localDocuments.GetDocumentsMatchingQuery(txn, query, offset)
	if err != nil {
		return nil, err
	}
	docs := make(map[DocumentKey]Document, len(existing)+len(remaining))
	for key, doc := range existing {
		docs[key] = doc
	}
	for key, doc := range remaining {
		docs[key] = doc
	}
	return docs, nil
}

func (self *QueryEngine) executeFullCollectionScan(txn Transaction, query Query) (map[DocumentKey]Document, error) {
	return self.localDocuments.GetDocumentsMatchingQuery(txn, query, IndexOffset{})
}

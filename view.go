package docsync

import (
	"sort"
)

// immutable set of documents ordered by a query comparator
type DocumentSet struct {
	comparator func(a Document, b Document) int
	docs       []Document
	index      map[DocumentKey]Document
}

func NewDocumentSet(comparator func(a Document, b Document) int) DocumentSet {
	return DocumentSet{
		comparator: comparator,
		index:      map[DocumentKey]Document{},
	}
}

func (self DocumentSet) Len() int {
	return len(self.docs)
}

func (self DocumentSet) IsEmpty() bool {
	return len(self.docs) == 0
}

func (self DocumentSet) Has(key DocumentKey) bool {
	_, ok := self.index[key]
	return ok
}

func (self DocumentSet) Get(key DocumentKey) (Document, bool) {
	doc, ok := self.index[key]
	return doc, ok
}

func (self DocumentSet) First() (Document, bool) {
	if len(self.docs) == 0 {
		return Document{}, false
	}
	return self.docs[0], true
}

func (self DocumentSet) Last() (Document, bool) {
	if len(self.docs) == 0 {
		return Document{}, false
	}
	return self.docs[len(self.docs)-1], true
}

func (self DocumentSet) IndexOf(key DocumentKey) int {
	for i, doc := range self.docs {
		if doc.Key == key {
			return i
		}
	}
	return -1
}

func (self DocumentSet) Docs() []Document {
	return append([]Document{}, self.docs...)
}

func (self DocumentSet) Add(doc Document) DocumentSet {
	next := self.Delete(doc.Key)
	i := sort.Search(len(next.docs), func(i int) bool {
		c := next.comparator(next.docs[i], doc)
		if c == 0 {
			c = CompareDocumentKeys(next.docs[i].Key, doc.Key)
		}
		return 0 <= c
	})
	docs := make([]Document, 0, len(next.docs)+1)
	docs = append(docs, next.docs[:i]...)
	docs = append(docs, doc)
	docs = append(docs, next.docs[i:]...)
	next.docs = docs
	next.index[doc.Key] = doc
	return next
}

func (self DocumentSet) Delete(key DocumentKey) DocumentSet {
	next := DocumentSet{
		comparator: self.comparator,
		index:      make(map[DocumentKey]Document, len(self.index)),
	}
	for k, doc := range self.index {
		if k != key {
			next.index[k] = doc
		}
	}
	next.docs = make([]Document, 0, len(next.index))
	for _, doc := range self.docs {
		if doc.Key != key {
			next.docs = append(next.docs, doc)
		}
	}
	return next
}

type DocumentChangeType int

const (
	DocumentChangeTypeAdded DocumentChangeType = iota
	DocumentChangeTypeModified
	DocumentChangeTypeRemoved
	// only the pending-writes state changed, not the data
	DocumentChangeTypeMetadata
)

type DocumentViewChange struct {
	Type DocumentChangeType
	Doc  Document
}

// what a query listener receives: the ordered result set plus the diff
// against the previous snapshot
type ViewSnapshot struct {
	Query            Query
	Documents        DocumentSet
	OldDocuments     DocumentSet
	DocChanges       []DocumentViewChange
	FromCache        bool
	HasPendingWrites bool
	SyncStateChanged bool
}

type viewSyncState int

const (
	viewSyncStateNone viewSyncState = iota
	viewSyncStateLocal
	viewSyncStateSynced
)

// intermediate result of a view computation, applied in a second step so
// a refill can re-run the query before anything becomes visible
type ViewDocumentChanges struct {
	DocumentSet DocumentSet
	ChangeSet   map[DocumentKey]DocumentViewChange
	// the view dropped below a limit boundary it cannot repopulate from
	// its own state. The caller must re-query and recompute.
	NeedsRefill bool
	MutatedKeys DocumentKeySet
}

type LimboDocumentChange struct {
	Key   DocumentKey
	Added bool
}

// materialized query result tracked against both local state and server
// acknowledgment. Detects limbo documents: present locally, unconfirmed
// by the server even though the target is current.
type View struct {
	query      Query
	syncState  viewSyncState
	documents  DocumentSet
	// keys the server has confirmed as matching
	syncedDocuments DocumentKeySet
	limboDocuments  DocumentKeySet
	mutatedKeys     DocumentKeySet
	current         bool
}

func NewView(query Query, remoteDocuments DocumentKeySet) *View {
	return &View{
		query:           query,
		documents:       NewDocumentSet(query.Comparator()),
		syncedDocuments: remoteDocuments.Clone(),
		limboDocuments:  NewDocumentKeySet(),
		mutatedKeys:     NewDocumentKeySet(),
	}
}

func (self *View) SyncedDocuments() DocumentKeySet {
	return self.syncedDocuments
}

// folds a set of changed documents into the view. previous carries the
// outcome of an earlier compute in the same round, so changes from the
// local store and a remote event can stack before one apply.
func (self *View) ComputeDocChanges(docChanges map[DocumentKey]Document, previous *ViewDocumentChanges) ViewDocumentChanges {
	changeSet := map[DocumentKey]DocumentViewChange{}
	oldDocumentSet := self.documents
	newMutatedKeys := self.mutatedKeys.Clone()
	if previous != nil {
		changeSet = previous.ChangeSet
		oldDocumentSet = previous.DocumentSet
		newMutatedKeys = previous.MutatedKeys.Clone()
	}
	newDocumentSet := oldDocumentSet
	needsRefill := false
	if previous != nil {
		needsRefill = previous.NeedsRefill
	}

	// track the boundary document of a full limit query. A change that
	// sorts past the boundary may admit unseen documents, which only a
	// re-query can surface.
	var lastDocInLimit *Document
	if self.query.LimitType == LimitTypeFirst && self.query.HasLimit() && int64(oldDocumentSet.Len()) == self.query.Limit {
		if doc, ok := oldDocumentSet.Last(); ok {
			lastDocInLimit = &doc
		}
	}
	var firstDocInLimit *Document
	if self.query.LimitType == LimitTypeLast && self.query.HasLimit() && int64(oldDocumentSet.Len()) == self.query.Limit {
		if doc, ok := oldDocumentSet.First(); ok {
			firstDocInLimit = &doc
		}
	}

	cmp := self.query.Comparator()
	keys := NewDocumentKeySet()
	for key := range docChanges {
		keys.Add(key)
	}
	for _, key := range keys.SortedKeys() {
		newDoc := docChanges[key]
		oldDoc, hadOld := oldDocumentSet.Get(key)
		matches := newDoc.IsValidDocument() && self.query.Matches(newDoc)

		changeApplied := false
		switch {
		case hadOld && matches:
			if !ValuesEqual(oldDoc.Data, newDoc.Data) {
				if !shouldWaitForSyncedDocument(newDoc, oldDoc) {
					changeSet[key] = DocumentViewChange{Type: DocumentChangeTypeModified, Doc: newDoc}
					changeApplied = true
					if (lastDocInLimit != nil && 0 < cmp(newDoc, *lastDocInLimit)) ||
						(firstDocInLimit != nil && cmp(newDoc, *firstDocInLimit) < 0) {
						needsRefill = true
					}
				}
			} else if oldDoc.HasPendingWrites() != newDoc.HasPendingWrites() {
				changeSet[key] = DocumentViewChange{Type: DocumentChangeTypeMetadata, Doc: newDoc}
				changeApplied = true
			}
		case !hadOld && matches:
			changeSet[key] = DocumentViewChange{Type: DocumentChangeTypeAdded, Doc: newDoc}
			changeApplied = true
		case hadOld && !matches:
			changeSet[key] = DocumentViewChange{Type: DocumentChangeTypeRemoved, Doc: oldDoc}
			changeApplied = true
			if lastDocInLimit != nil || firstDocInLimit != nil {
				needsRefill = true
			}
		}

		if changeApplied {
			if matches {
				newDocumentSet = newDocumentSet.Add(newDoc)
				if newDoc.HasLocalMutations() {
					newMutatedKeys.Add(key)
				} else {
					newMutatedKeys.Remove(key)
				}
			} else {
				newDocumentSet = newDocumentSet.Delete(key)
				newMutatedKeys.Remove(key)
			}
		}
	}

	if self.query.HasLimit() {
		for self.query.Limit < int64(newDocumentSet.Len()) {
			var popped Document
			if self.query.LimitType == LimitTypeFirst {
				popped, _ = newDocumentSet.Last()
			} else {
				popped, _ = newDocumentSet.First()
			}
			newDocumentSet = newDocumentSet.Delete(popped.Key)
			newMutatedKeys.Remove(popped.Key)
			changeSet[popped.Key] = DocumentViewChange{Type: DocumentChangeTypeRemoved, Doc: popped}
		}
	}

	return ViewDocumentChanges{
		DocumentSet: newDocumentSet,
		ChangeSet:   changeSet,
		NeedsRefill: needsRefill,
		MutatedKeys: newMutatedKeys,
	}
}

// suppress flicker: a locally mutated document stays visible in its
// mutated form until the acknowledged version arrives
func shouldWaitForSyncedDocument(newDoc Document, oldDoc Document) bool {
	return oldDoc.HasLocalMutations() &&
		newDoc.HasCommittedMutations() &&
		!newDoc.HasLocalMutations()
}

// commits a computed change to the view and emits the snapshot and limbo
// transitions. limboResolutionEnabled is false while another instance
// holds the primary lease.
func (self *View) ApplyChanges(changes ViewDocumentChanges, limboResolutionEnabled bool, targetChange *TargetChangeSet) (*ViewSnapshot, []LimboDocumentChange) {
	if changes.NeedsRefill {
		panic("cannot apply changes that need a refill")
	}
	oldDocuments := self.documents
	self.documents = changes.DocumentSet
	self.mutatedKeys = changes.MutatedKeys

	docChanges := make([]DocumentViewChange, 0, len(changes.ChangeSet))
	for _, change := range changes.ChangeSet {
		docChanges = append(docChanges, change)
	}
	cmp := self.query.Comparator()
	sort.Slice(docChanges, func(i int, j int) bool {
		a := docChanges[i]
		b := docChanges[j]
		if a.Type != b.Type {
			return changeTypePriority(a.Type) < changeTypePriority(b.Type)
		}
		if c := cmp(a.Doc, b.Doc); c != 0 {
			return c < 0
		}
		return CompareDocumentKeys(a.Doc.Key, b.Doc.Key) < 0
	})

	self.applyTargetChange(targetChange)
	limboChanges := []LimboDocumentChange{}
	if limboResolutionEnabled {
		limboChanges = self.updateLimboDocuments()
	}

	newSyncState := viewSyncStateLocal
	if self.current && len(self.limboDocuments) == 0 {
		newSyncState = viewSyncStateSynced
	}
	syncStateChanged := newSyncState != self.syncState
	self.syncState = newSyncState

	if len(docChanges) == 0 && !syncStateChanged {
		return nil, limboChanges
	}
	snapshot := &ViewSnapshot{
		Query:            self.query,
		Documents:        self.documents,
		OldDocuments:     oldDocuments,
		DocChanges:       docChanges,
		FromCache:        newSyncState == viewSyncStateLocal,
		HasPendingWrites: 0 < len(changes.MutatedKeys),
		SyncStateChanged: syncStateChanged,
	}
	return snapshot, limboChanges
}

func changeTypePriority(changeType DocumentChangeType) int {
	switch changeType {
	case DocumentChangeTypeRemoved:
		return 0
	case DocumentChangeTypeAdded:
		return 1
	case DocumentChangeTypeModified:
		return 2
	default:
		return 3
	}
}

// losing connectivity demotes a current view to from-cache without
// changing its contents
func (self *View) ApplyOnlineStateChange(onlineState OnlineState) (*ViewSnapshot, []LimboDocumentChange) {
	if onlineState == OnlineStateOffline && self.current {
		self.current = false
		return self.ApplyChanges(ViewDocumentChanges{
			DocumentSet: self.documents,
			ChangeSet:   map[DocumentKey]DocumentViewChange{},
			MutatedKeys: self.mutatedKeys,
		}, false, nil)
	}
	return nil, nil
}

func (self *View) applyTargetChange(targetChange *TargetChangeSet) {
	if targetChange == nil {
		return
	}
	for key := range targetChange.AddedDocuments {
		self.syncedDocuments.Add(key)
	}
	for key := range targetChange.RemovedDocuments {
		self.syncedDocuments.Remove(key)
	}
	if targetChange.Current {
		self.current = true
	}
}

// a limbo document is in the view without local mutations while the
// server, though current, has not confirmed it matches
func (self *View) updateLimboDocuments() []LimboDocumentChange {
	if !self.current {
		return []LimboDocumentChange{}
	}

	oldLimbo := self.limboDocuments
	self.limboDocuments = NewDocumentKeySet()
	for _, doc := range self.documents.docs {
		if self.shouldBeInLimbo(doc.Key) {
			self.limboDocuments.Add(doc.Key)
		}
	}

	changes := []LimboDocumentChange{}
	for _, key := range oldLimbo.SortedKeys() {
		if !self.limboDocuments.Contains(key) {
			changes = append(changes, LimboDocumentChange{Key: key, Added: false})
		}
	}
	for _, key := range self.limboDocuments.SortedKeys() {
		if !oldLimbo.Contains(key) {
			changes = append(changes, LimboDocumentChange{Key: key, Added: true})
		}
	}
	return changes
}

func (self *View) shouldBeInLimbo(key DocumentKey) bool {
	if self.syncedDocuments.Contains(key) {
		return false
	}
	if doc, ok := self.documents.Get(key); ok && doc.HasLocalMutations() {
		return false
	}
	return true
}

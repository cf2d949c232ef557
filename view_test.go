package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func roomsQuery() Query {
	rooms, _ := ParseResourcePath("rooms")
	return NewQuery(rooms)
}

func TestDocumentSetOrdering(t *testing.T) {
	query := roomsQuery().WithOrderBy(RequireFieldPath("count"), false)
	docs := NewDocumentSet(query.Comparator())

	a := testDoc("rooms/a", map[string]Value{"count": IntegerValue(3)})
	b := testDoc("rooms/b", map[string]Value{"count": IntegerValue(1)})
	c := testDoc("rooms/c", map[string]Value{"count": IntegerValue(2)})
	docs = docs.Add(a).Add(b).Add(c)

	assert.Equal(t, docs.Len(), 3)
	first, _ := docs.First()
	last, _ := docs.Last()
	assert.Equal(t, first.Key, b.Key)
	assert.Equal(t, last.Key, a.Key)
	assert.Equal(t, docs.IndexOf(c.Key), 1)

	// replacing a document re-sorts it
	docs = docs.Add(testDoc("rooms/b", map[string]Value{"count": IntegerValue(10)}))
	assert.Equal(t, docs.Len(), 3)
	last, _ = docs.Last()
	assert.Equal(t, last.Key, b.Key)

	// delete leaves the receiver untouched
	smaller := docs.Delete(a.Key)
	assert.Equal(t, smaller.Len(), 2)
	assert.Equal(t, smaller.Has(a.Key), false)
	assert.Equal(t, docs.Has(a.Key), true)
}

func TestViewAddAndRemove(t *testing.T) {
	query := roomsQuery()
	view := NewView(query, NewDocumentKeySet())

	a := testDoc("rooms/a", nil)
	b := testDoc("rooms/b", nil)
	changes := view.ComputeDocChanges(map[DocumentKey]Document{
		a.Key: a,
		b.Key: b,
	}, nil)
	assert.Equal(t, changes.NeedsRefill, false)
	snapshot, _ := view.ApplyChanges(changes, true, nil)

	assert.Equal(t, snapshot.Documents.Len(), 2)
	assert.Equal(t, len(snapshot.DocChanges), 2)
	assert.Equal(t, snapshot.DocChanges[0].Type, DocumentChangeTypeAdded)
	assert.Equal(t, snapshot.DocChanges[0].Doc.Key, a.Key)
	assert.Equal(t, snapshot.DocChanges[1].Doc.Key, b.Key)
	assert.Equal(t, snapshot.FromCache, true)

	deleted := NoDocument(a.Key, SnapshotVersion{Seconds: 2})
	changes = view.ComputeDocChanges(map[DocumentKey]Document{a.Key: deleted}, nil)
	snapshot, _ = view.ApplyChanges(changes, true, nil)

	assert.Equal(t, snapshot.Documents.Len(), 1)
	assert.Equal(t, len(snapshot.DocChanges), 1)
	assert.Equal(t, snapshot.DocChanges[0].Type, DocumentChangeTypeRemoved)
	assert.Equal(t, snapshot.DocChanges[0].Doc.Key, a.Key)
}

func TestViewSuppressesUnackedServerVersion(t *testing.T) {
	query := roomsQuery()
	view := NewView(query, NewDocumentKeySet())

	local := testDoc("rooms/a", map[string]Value{"name": StringValue("local")}).WithLocalMutations()
	changes := view.ComputeDocChanges(map[DocumentKey]Document{local.Key: local}, nil)
	snapshot, _ := view.ApplyChanges(changes, true, nil)
	assert.Equal(t, snapshot.HasPendingWrites, true)

	// the committed form keeps showing the local data until the
	// acknowledged server version lands
	committed := FoundDocument(local.Key, SnapshotVersion{Seconds: 2},
		MapValue(map[string]Value{"name": StringValue("server")})).WithCommittedMutations()
	changes = view.ComputeDocChanges(map[DocumentKey]Document{local.Key: committed}, nil)
	snapshot, _ = view.ApplyChanges(changes, true, nil)
	assert.Equal(t, snapshot == nil, true)
	doc, _ := view.documents.Get(local.Key)
	fieldVal, _ := doc.Field(RequireFieldPath("name"))
	assert.Equal(t, fieldVal, StringValue("local"))
}

func TestViewMetadataOnlyChange(t *testing.T) {
	query := roomsQuery()
	view := NewView(query, NewDocumentKeySet())

	pending := testDoc("rooms/a", map[string]Value{"name": StringValue("eros")}).WithCommittedMutations()
	changes := view.ComputeDocChanges(map[DocumentKey]Document{pending.Key: pending}, nil)
	view.ApplyChanges(changes, true, nil)

	// same data, pending writes drained
	acked := FoundDocument(pending.Key, SnapshotVersion{Seconds: 2},
		MapValue(map[string]Value{"name": StringValue("eros")}))
	changes = view.ComputeDocChanges(map[DocumentKey]Document{pending.Key: acked}, nil)
	snapshot, _ := view.ApplyChanges(changes, true, nil)

	assert.Equal(t, len(snapshot.DocChanges), 1)
	assert.Equal(t, snapshot.DocChanges[0].Type, DocumentChangeTypeMetadata)
	assert.Equal(t, snapshot.HasPendingWrites, false)
}

func TestViewLimitTrimsOverflow(t *testing.T) {
	query := roomsQuery().
		WithOrderBy(RequireFieldPath("count"), false).
		WithLimit(2, LimitTypeFirst)
	view := NewView(query, NewDocumentKeySet())

	b := testDoc("rooms/b", map[string]Value{"count": IntegerValue(2)})
	c := testDoc("rooms/c", map[string]Value{"count": IntegerValue(3)})
	changes := view.ComputeDocChanges(map[DocumentKey]Document{b.Key: b, c.Key: c}, nil)
	view.ApplyChanges(changes, true, nil)

	// a new document inside the boundary pushes the last one out
	a := testDoc("rooms/a", map[string]Value{"count": IntegerValue(1)})
	changes = view.ComputeDocChanges(map[DocumentKey]Document{a.Key: a}, nil)
	assert.Equal(t, changes.NeedsRefill, false)
	snapshot, _ := view.ApplyChanges(changes, true, nil)

	assert.Equal(t, snapshot.Documents.Len(), 2)
	assert.Equal(t, snapshot.Documents.Has(c.Key), false)
	assert.Equal(t, len(snapshot.DocChanges), 2)
	assert.Equal(t, snapshot.DocChanges[0].Type, DocumentChangeTypeRemoved)
	assert.Equal(t, snapshot.DocChanges[0].Doc.Key, c.Key)
	assert.Equal(t, snapshot.DocChanges[1].Type, DocumentChangeTypeAdded)
	assert.Equal(t, snapshot.DocChanges[1].Doc.Key, a.Key)
}

func TestViewLimitNeedsRefill(t *testing.T) {
	query := roomsQuery().
		WithOrderBy(RequireFieldPath("count"), false).
		WithLimit(2, LimitTypeFirst)
	view := NewView(query, NewDocumentKeySet())

	a := testDoc("rooms/a", map[string]Value{"count": IntegerValue(1)})
	b := testDoc("rooms/b", map[string]Value{"count": IntegerValue(2)})
	changes := view.ComputeDocChanges(map[DocumentKey]Document{a.Key: a, b.Key: b}, nil)
	view.ApplyChanges(changes, true, nil)

	// a full limit view cannot repopulate from its own state when a member
	// leaves, only a re-query can surface the next document
	deleted := NoDocument(a.Key, SnapshotVersion{Seconds: 2})
	changes = view.ComputeDocChanges(map[DocumentKey]Document{a.Key: deleted}, nil)
	assert.Equal(t, changes.NeedsRefill, true)

	// same when a member is reordered past the boundary
	moved := testDoc("rooms/a", map[string]Value{"count": IntegerValue(9)})
	changes = view.ComputeDocChanges(map[DocumentKey]Document{moved.Key: moved}, nil)
	assert.Equal(t, changes.NeedsRefill, true)
}

func TestViewSyncStateAndLimbo(t *testing.T) {
	query := roomsQuery()
	view := NewView(query, NewDocumentKeySet())

	a := testDoc("rooms/a", nil)
	changes := view.ComputeDocChanges(map[DocumentKey]Document{a.Key: a}, nil)
	snapshot, limboChanges := view.ApplyChanges(changes, true, nil)
	assert.Equal(t, snapshot.FromCache, true)
	assert.Equal(t, len(limboChanges), 0)

	// the target went current without confirming the document
	current := newTargetChangeSet()
	current.Current = true
	changes = view.ComputeDocChanges(map[DocumentKey]Document{}, nil)
	snapshot, limboChanges = view.ApplyChanges(changes, true, &current)
	assert.Equal(t, len(limboChanges), 1)
	assert.Equal(t, limboChanges[0], LimboDocumentChange{Key: a.Key, Added: true})
	// an unresolved limbo document keeps the view local, nothing visible
	// changed so no snapshot is emitted
	assert.Equal(t, snapshot == nil, true)

	// confirmation resolves the limbo and the view becomes synced
	confirmed := newTargetChangeSet()
	confirmed.AddedDocuments.Add(a.Key)
	changes = view.ComputeDocChanges(map[DocumentKey]Document{}, nil)
	snapshot, limboChanges = view.ApplyChanges(changes, true, &confirmed)
	assert.Equal(t, len(limboChanges), 1)
	assert.Equal(t, limboChanges[0], LimboDocumentChange{Key: a.Key, Added: false})
	assert.Equal(t, snapshot.FromCache, false)
	assert.Equal(t, snapshot.SyncStateChanged, true)
}

func TestViewLocallyMutatedDocumentIsNotLimbo(t *testing.T) {
	query := roomsQuery()
	view := NewView(query, NewDocumentKeySet())

	a := testDoc("rooms/a", nil).WithLocalMutations()
	changes := view.ComputeDocChanges(map[DocumentKey]Document{a.Key: a}, nil)
	current := newTargetChangeSet()
	current.Current = true
	_, limboChanges := view.ApplyChanges(changes, true, &current)
	assert.Equal(t, len(limboChanges), 0)
}

func TestViewOnlineStateOffline(t *testing.T) {
	query := roomsQuery()
	view := NewView(query, NewDocumentKeySet())

	a := testDoc("rooms/a", nil)
	changes := view.ComputeDocChanges(map[DocumentKey]Document{a.Key: a}, nil)
	current := newTargetChangeSet()
	current.Current = true
	current.AddedDocuments.Add(a.Key)
	snapshot, _ := view.ApplyChanges(changes, true, &current)
	assert.Equal(t, snapshot.FromCache, false)

	// losing connectivity demotes to from-cache without content changes
	snapshot, _ = view.ApplyOnlineStateChange(OnlineStateOffline)
	assert.Equal(t, snapshot.FromCache, true)
	assert.Equal(t, snapshot.SyncStateChanged, true)
	assert.Equal(t, len(snapshot.DocChanges), 0)
	assert.Equal(t, snapshot.Documents.Has(a.Key), true)

	// already offline is a no-op
	snapshot, _ = view.ApplyOnlineStateChange(OnlineStateOffline)
	assert.Equal(t, snapshot == nil, true)
}

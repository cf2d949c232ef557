package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testDoc(path string, fields map[string]Value) Document {
	return FoundDocument(RequireDocumentKey(path), SnapshotVersion{Seconds: 1}, MapValue(fields))
}

func TestQueryPathMatching(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")
	query := NewQuery(rooms)

	assert.Equal(t, query.Matches(testDoc("rooms/eros", nil)), true)
	// subcollection documents do not match the parent collection
	assert.Equal(t, query.Matches(testDoc("rooms/eros/messages/m1", nil)), false)
	assert.Equal(t, query.Matches(testDoc("users/eros", nil)), false)

	group := NewCollectionGroupQuery("messages")
	assert.Equal(t, group.Matches(testDoc("rooms/eros/messages/m1", nil)), true)
	assert.Equal(t, group.Matches(testDoc("messages/m1", nil)), true)
	assert.Equal(t, group.Matches(testDoc("rooms/eros", nil)), false)

	docQuery := NewDocumentQuery(RequireDocumentKey("rooms/eros"))
	assert.Equal(t, docQuery.IsDocumentQuery(), true)
	assert.Equal(t, docQuery.Matches(testDoc("rooms/eros", nil)), true)
	assert.Equal(t, docQuery.Matches(testDoc("rooms/firm", nil)), false)
}

func TestQueryFilters(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")
	query := NewQuery(rooms).
		WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorGreaterThan, IntegerValue(10)))

	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(11)})), true)
	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(10)})), false)
	assert.Equal(t, query.Matches(testDoc("rooms/a", nil)), false)
	// comparisons never match across type ranks
	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": StringValue("big")})), false)

	contains := NewQuery(rooms).
		WithFilter(NewFieldFilter(RequireFieldPath("tags"), OperatorArrayContains, StringValue("a")))
	assert.Equal(t, contains.Matches(testDoc("rooms/a", map[string]Value{"tags": ArrayValue(StringValue("a"))})), true)
	assert.Equal(t, contains.Matches(testDoc("rooms/a", map[string]Value{"tags": ArrayValue(StringValue("b"))})), false)

	in := NewQuery(rooms).
		WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorIn, ArrayValue(IntegerValue(1), IntegerValue(2))))
	assert.Equal(t, in.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(2)})), true)
	assert.Equal(t, in.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(3)})), false)
}

func TestQueryExplicitOrderRequiresField(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")
	query := NewQuery(rooms).WithOrderBy(RequireFieldPath("size"), false)

	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(1)})), true)
	// documents missing an explicitly ordered field do not appear
	assert.Equal(t, query.Matches(testDoc("rooms/a", nil)), false)
}

func TestQueryNormalizedOrderBy(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")

	// the key field is always the final tie break
	plain := NewQuery(rooms)
	orderBy := plain.NormalizedOrderBy()
	assert.Equal(t, len(orderBy), 1)
	assert.Equal(t, orderBy[0].Field.IsKeyField(), true)

	// an inequality filter implies an ordering on its field
	filtered := NewQuery(rooms).
		WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorLessThan, IntegerValue(10)))
	orderBy = filtered.NormalizedOrderBy()
	assert.Equal(t, len(orderBy), 2)
	assert.Equal(t, orderBy[0].Field, RequireFieldPath("size"))
	assert.Equal(t, orderBy[1].Field.IsKeyField(), true)

	// the key tie break inherits the direction of the last explicit order
	desc := NewQuery(rooms).WithOrderBy(RequireFieldPath("size"), true)
	orderBy = desc.NormalizedOrderBy()
	assert.Equal(t, orderBy[1].Desc, true)
}

func TestQueryComparator(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")
	query := NewQuery(rooms).WithOrderBy(RequireFieldPath("size"), true)
	compare := query.Comparator()

	small := testDoc("rooms/a", map[string]Value{"size": IntegerValue(1)})
	big := testDoc("rooms/b", map[string]Value{"size": IntegerValue(9)})
	bigToo := testDoc("rooms/c", map[string]Value{"size": IntegerValue(9)})

	assert.Equal(t, compare(big, small) < 0, true)
	// ties fall back to key order, inheriting desc
	assert.Equal(t, 0 < compare(big, bigToo), true)
	assert.Equal(t, compare(bigToo, big) < 0, true)
}

func TestQueryBounds(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")
	query := NewQuery(rooms).
		WithOrderBy(RequireFieldPath("size"), false).
		WithStartAt(Bound{Position: []Value{IntegerValue(5)}, Inclusive: true}).
		WithEndAt(Bound{Position: []Value{IntegerValue(10)}, Inclusive: false})

	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(5)})), true)
	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(7)})), true)
	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(10)})), false)
	assert.Equal(t, query.Matches(testDoc("rooms/a", map[string]Value{"size": IntegerValue(4)})), false)
}

func TestQueryCanonicalId(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")

	a := NewQuery(rooms).WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorEqual, IntegerValue(1)))
	b := NewQuery(rooms).WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorEqual, IntegerValue(1)))
	c := NewQuery(rooms).WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorEqual, IntegerValue(2)))

	assert.Equal(t, QueriesEqual(a, b), true)
	assert.Equal(t, QueriesEqual(a, c), false)
	assert.Equal(t, QueriesEqual(a, NewQuery(rooms)), false)

	// limit position matters for identity
	first := NewQuery(rooms).WithLimit(10, LimitTypeFirst)
	last := NewQuery(rooms).WithLimit(10, LimitTypeLast)
	assert.Equal(t, QueriesEqual(first, last), false)
}

func TestQueryMatchesAllDocuments(t *testing.T) {
	rooms, _ := ParseResourcePath("rooms")
	assert.Equal(t, NewQuery(rooms).MatchesAllDocuments(), true)
	assert.Equal(t, NewQuery(rooms).WithLimit(1, LimitTypeFirst).MatchesAllDocuments(), false)
	assert.Equal(t, NewQuery(rooms).WithOrderBy(RequireFieldPath("size"), false).MatchesAllDocuments(), false)
}

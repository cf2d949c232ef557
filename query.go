package docsync

import (
	"fmt"
	"strings"
)

type Operator string

const (
	OperatorLessThan           = Operator("<")
	OperatorLessThanOrEqual    = Operator("<=")
	OperatorEqual              = Operator("==")
	OperatorNotEqual           = Operator("!=")
	OperatorGreaterThanOrEqual = Operator(">=")
	OperatorGreaterThan        = Operator(">")
	OperatorArrayContains      = Operator("array-contains")
	OperatorArrayContainsAny   = Operator("array-contains-any")
	OperatorIn                 = Operator("in")
	OperatorNotIn              = Operator("not-in")
)

func (self Operator) isInequality() bool {
	switch self {
	case OperatorLessThan, OperatorLessThanOrEqual, OperatorGreaterThan, OperatorGreaterThanOrEqual, OperatorNotEqual, OperatorNotIn:
		return true
	default:
		return false
	}
}

type FieldFilter struct {
	Field FieldPath
	Op    Operator
	Value Value
}

func NewFieldFilter(field FieldPath, op Operator, value Value) FieldFilter {
	return FieldFilter{Field: field, Op: op, Value: value}
}

func (self FieldFilter) Matches(doc Document) bool {
	if self.Field.IsKeyField() {
		refValue := ReferenceValue(doc.Key.String())
		return self.matchesComparison(CompareValues(refValue, self.Value))
	}
	fieldValue, ok := doc.Field(self.Field)
	if !ok {
		return false
	}
	switch self.Op {
	case OperatorArrayContains:
		if !fieldValue.IsArray() {
			return false
		}
		for _, element := range fieldValue.ArrayVal {
			if ValuesEqual(element, self.Value) {
				return true
			}
		}
		return false
	case OperatorArrayContainsAny:
		if !fieldValue.IsArray() || !self.Value.IsArray() {
			return false
		}
		for _, element := range fieldValue.ArrayVal {
			for _, candidate := range self.Value.ArrayVal {
				if ValuesEqual(element, candidate) {
					return true
				}
			}
		}
		return false
	case OperatorIn:
		if !self.Value.IsArray() {
			return false
		}
		for _, candidate := range self.Value.ArrayVal {
			if ValuesEqual(fieldValue, candidate) {
				return true
			}
		}
		return false
	case OperatorNotIn:
		if !self.Value.IsArray() {
			return false
		}
		for _, candidate := range self.Value.ArrayVal {
			if ValuesEqual(fieldValue, candidate) {
				return false
			}
		}
		return true
	default:
		// ordered comparisons only apply to values of the same type rank
		if fieldValue.Kind.typeOrder() != self.Value.Kind.typeOrder() {
			return false
		}
		return self.matchesComparison(CompareValues(fieldValue, self.Value))
	}
}

func (self FieldFilter) matchesComparison(c int) bool {
	switch self.Op {
	case OperatorLessThan:
		return c < 0
	case OperatorLessThanOrEqual:
		return c <= 0
	case OperatorEqual:
		return c == 0
	case OperatorNotEqual:
		return c != 0
	case OperatorGreaterThanOrEqual:
		return 0 <= c
	case OperatorGreaterThan:
		return 0 < c
	default:
		panic(fmt.Errorf("Unknown operator: %s", self.Op))
	}
}

type OrderBy struct {
	Field FieldPath
	Desc  bool
}

// a cursor position relative to the query order
type Bound struct {
	Position  []Value
	Inclusive bool
}

type LimitType int

const (
	LimitTypeFirst LimitType = iota
	LimitTypeLast
)

// predicate over documents, evaluated against the cache and registered
// with the server as a watch target. Filters are implicitly conjunctive.
type Query struct {
	Path            ResourcePath
	CollectionGroup string
	Filters         []FieldFilter
	Explicit        []OrderBy
	Limit           int64
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

func NewQuery(path ResourcePath) Query {
	return Query{Path: path}
}

func NewCollectionGroupQuery(collectionId string) Query {
	return Query{CollectionGroup: collectionId}
}

func NewDocumentQuery(key DocumentKey) Query {
	return Query{Path: key.Path()}
}

func (self Query) WithFilter(filter FieldFilter) Query {
	self.Filters = append(append([]FieldFilter{}, self.Filters...), filter)
	return self
}

func (self Query) WithOrderBy(field FieldPath, desc bool) Query {
	self.Explicit = append(append([]OrderBy{}, self.Explicit...), OrderBy{Field: field, Desc: desc})
	return self
}

func (self Query) WithLimit(limit int64, limitType LimitType) Query {
	self.Limit = limit
	self.LimitType = limitType
	return self
}

func (self Query) WithStartAt(bound Bound) Query {
	self.StartAt = &bound
	return self
}

func (self Query) WithEndAt(bound Bound) Query {
	self.EndAt = &bound
	return self
}

func (self Query) IsDocumentQuery() bool {
	return len(self.Path)%2 == 0 && self.CollectionGroup == "" && len(self.Filters) == 0
}

func (self Query) IsCollectionGroupQuery() bool {
	return self.CollectionGroup != ""
}

func (self Query) HasLimit() bool {
	return 0 < self.Limit
}

// true when the query scans a whole collection with no narrowing,
// which makes cached results trivially complete
func (self Query) MatchesAllDocuments() bool {
	return len(self.Filters) == 0 &&
		!self.HasLimit() &&
		self.StartAt == nil &&
		self.EndAt == nil &&
		(len(self.Explicit) == 0 ||
			(len(self.Explicit) == 1 && self.Explicit[0].Field.IsKeyField()))
}

// the effective sort: explicit orderings, inequality field if not already
// ordered, then the key field as the tie break
func (self Query) NormalizedOrderBy() []OrderBy {
	orderBy := append([]OrderBy{}, self.Explicit...)
	ordered := func(field FieldPath) bool {
		for _, o := range orderBy {
			if o.Field.Equal(field) {
				return true
			}
		}
		return false
	}
	for _, filter := range self.Filters {
		if filter.Op.isInequality() && !ordered(filter.Field) {
			orderBy = append(orderBy, OrderBy{Field: filter.Field})
		}
	}
	if !ordered(KeyFieldPath) {
		desc := false
		if 0 < len(orderBy) {
			desc = orderBy[len(orderBy)-1].Desc
		}
		orderBy = append(orderBy, OrderBy{Field: KeyFieldPath, Desc: desc})
	}
	return orderBy
}

func (self Query) Matches(doc Document) bool {
	if !doc.IsFoundDocument() {
		return false
	}
	if !self.matchesPath(doc.Key) {
		return false
	}
	for _, orderBy := range self.Explicit {
		// documents missing an explicitly ordered field do not appear
		if !orderBy.Field.IsKeyField() {
			if _, ok := doc.Field(orderBy.Field); !ok {
				return false
			}
		}
	}
	for _, filter := range self.Filters {
		if !filter.Matches(doc) {
			return false
		}
	}
	if !self.matchesBounds(doc) {
		return false
	}
	return true
}

func (self Query) matchesPath(key DocumentKey) bool {
	if self.IsCollectionGroupQuery() {
		return key.HasCollectionId(self.CollectionGroup) && self.Path.IsPrefixOf(key.Path())
	}
	if len(self.Path)%2 == 0 {
		// document query
		return self.Path.String() == key.String()
	}
	return self.Path.IsPrefixOf(key.Path()) && len(key.Path()) == len(self.Path)+1
}

func (self Query) matchesBounds(doc Document) bool {
	orderBy := self.NormalizedOrderBy()
	if self.StartAt != nil {
		c := compareToBound(orderBy, *self.StartAt, doc)
		if c < 0 || (c == 0 && !self.StartAt.Inclusive) {
			return false
		}
	}
	if self.EndAt != nil {
		c := compareToBound(orderBy, *self.EndAt, doc)
		if 0 < c || (c == 0 && !self.EndAt.Inclusive) {
			return false
		}
	}
	return true
}

// compares doc's position to the bound along the query order.
// negative means the document sorts before the bound.
func compareToBound(orderBy []OrderBy, bound Bound, doc Document) int {
	for i, component := range bound.Position {
		if len(orderBy) <= i {
			break
		}
		o := orderBy[i]
		var c int
		if o.Field.IsKeyField() {
			c = CompareValues(ReferenceValue(doc.Key.String()), component)
		} else {
			fieldValue, ok := doc.Field(o.Field)
			if !ok {
				return -1
			}
			c = CompareValues(fieldValue, component)
		}
		if o.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// total order over documents matching the query
func (self Query) Comparator() func(a Document, b Document) int {
	orderBy := self.NormalizedOrderBy()
	return func(a Document, b Document) int {
		for _, o := range orderBy {
			var c int
			if o.Field.IsKeyField() {
				c = CompareDocumentKeys(a.Key, b.Key)
			} else {
				av, aok := a.Field(o.Field)
				bv, bok := b.Field(o.Field)
				switch {
				case !aok && !bok:
					c = 0
				case !aok:
					c = -1
				case !bok:
					c = 1
				default:
					c = CompareValues(av, bv)
				}
			}
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// stable identity used to de-duplicate identical queries onto one target
func (self Query) CanonicalId() string {
	var b strings.Builder
	b.WriteString(self.Path.String())
	if self.IsCollectionGroupQuery() {
		b.WriteString("|cg:")
		b.WriteString(self.CollectionGroup)
	}
	b.WriteString("|f:")
	for _, filter := range self.Filters {
		fmt.Fprintf(&b, "%s%s%s,", filter.Field, filter.Op, canonifyValue(filter.Value))
	}
	b.WriteString("|ob:")
	for _, o := range self.NormalizedOrderBy() {
		b.WriteString(o.Field.String())
		if o.Desc {
			b.WriteString(" desc")
		} else {
			b.WriteString(" asc")
		}
		b.WriteString(",")
	}
	if self.HasLimit() {
		fmt.Fprintf(&b, "|l:%d", self.Limit)
		if self.LimitType == LimitTypeLast {
			b.WriteString(" last")
		}
	}
	if self.StartAt != nil {
		fmt.Fprintf(&b, "|sa:%t:", self.StartAt.Inclusive)
		for _, v := range self.StartAt.Position {
			b.WriteString(canonifyValue(v))
			b.WriteString(",")
		}
	}
	if self.EndAt != nil {
		fmt.Fprintf(&b, "|ea:%t:", self.EndAt.Inclusive)
		for _, v := range self.EndAt.Position {
			b.WriteString(canonifyValue(v))
			b.WriteString(",")
		}
	}
	return b.String()
}

func canonifyValue(value Value) string {
	b, err := value.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("!%v", err)
	}
	return string(b)
}

func QueriesEqual(a Query, b Query) bool {
	return a.CanonicalId() == b.CanonicalId()
}

func (self Query) String() string {
	return fmt.Sprintf("query(%s)", self.CanonicalId())
}

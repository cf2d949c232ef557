package docsync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// typed value tree for document data
// values are treated as immutable. Mutating helpers return copies.

type ValueKind int

const (
	ValueKindNull ValueKind = iota
	ValueKindBoolean
	ValueKindInteger
	ValueKindDouble
	ValueKindTimestamp
	ValueKindServerTimestamp
	ValueKindString
	ValueKindBytes
	ValueKindReference
	ValueKindGeoPoint
	ValueKindArray
	ValueKindMap
)

// cross type ordering rank. Integer and double compare numerically in one rank.
func (self ValueKind) typeOrder() int {
	switch self {
	case ValueKindNull:
		return 0
	case ValueKindBoolean:
		return 1
	case ValueKindInteger, ValueKindDouble:
		return 2
	case ValueKindTimestamp, ValueKindServerTimestamp:
		return 3
	case ValueKindString:
		return 4
	case ValueKindBytes:
		return 5
	case ValueKindReference:
		return 6
	case ValueKindGeoPoint:
		return 7
	case ValueKindArray:
		return 8
	case ValueKindMap:
		return 9
	default:
		panic(fmt.Errorf("Unknown value kind: %d", self))
	}
}

type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

type Value struct {
	Kind ValueKind

	BooleanVal   bool
	IntegerVal   int64
	DoubleVal    float64
	TimestampVal time.Time
	StringVal    string
	BytesVal     []byte
	ReferenceVal string
	GeoPointVal  GeoPoint
	ArrayVal     []Value
	MapVal       map[string]Value

	// server timestamp sentinel: the local write time estimate and the
	// previous value visible before the transform was applied
	LocalWriteTime time.Time
	PreviousVal    *Value
}

func NullValue() Value {
	return Value{Kind: ValueKindNull}
}

func BooleanValue(b bool) Value {
	return Value{Kind: ValueKindBoolean, BooleanVal: b}
}

func IntegerValue(i int64) Value {
	return Value{Kind: ValueKindInteger, IntegerVal: i}
}

func DoubleValue(d float64) Value {
	return Value{Kind: ValueKindDouble, DoubleVal: d}
}

func TimestampValue(t time.Time) Value {
	return Value{Kind: ValueKindTimestamp, TimestampVal: t.UTC()}
}

func StringValue(s string) Value {
	return Value{Kind: ValueKindString, StringVal: s}
}

func BytesValue(b []byte) Value {
	return Value{Kind: ValueKindBytes, BytesVal: b}
}

func ReferenceValue(name string) Value {
	return Value{Kind: ValueKindReference, ReferenceVal: name}
}

func GeoPointValue(latitude float64, longitude float64) Value {
	return Value{Kind: ValueKindGeoPoint, GeoPointVal: GeoPoint{Latitude: latitude, Longitude: longitude}}
}

func ArrayValue(values ...Value) Value {
	return Value{Kind: ValueKindArray, ArrayVal: values}
}

func MapValue(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{Kind: ValueKindMap, MapVal: fields}
}

func ServerTimestampValue(localWriteTime time.Time, previous *Value) Value {
	return Value{
		Kind:           ValueKindServerTimestamp,
		LocalWriteTime: localWriteTime.UTC(),
		PreviousVal:    previous,
	}
}

func (self Value) IsMap() bool {
	return self.Kind == ValueKindMap
}

func (self Value) IsArray() bool {
	return self.Kind == ValueKindArray
}

func (self Value) IsNumber() bool {
	return self.Kind == ValueKindInteger || self.Kind == ValueKindDouble
}

func (self Value) AsFloat() float64 {
	if self.Kind == ValueKindInteger {
		return float64(self.IntegerVal)
	}
	return self.DoubleVal
}

// the value a server timestamp sentinel renders as before acknowledgment
func (self Value) ServerTimestampEstimate() Value {
	return TimestampValue(self.LocalWriteTime)
}

func (self Value) Clone() Value {
	next := self
	switch self.Kind {
	case ValueKindBytes:
		next.BytesVal = append([]byte{}, self.BytesVal...)
	case ValueKindArray:
		next.ArrayVal = make([]Value, len(self.ArrayVal))
		for i, v := range self.ArrayVal {
			next.ArrayVal[i] = v.Clone()
		}
	case ValueKindMap:
		next.MapVal = make(map[string]Value, len(self.MapVal))
		for k, v := range self.MapVal {
			next.MapVal[k] = v.Clone()
		}
	case ValueKindServerTimestamp:
		if self.PreviousVal != nil {
			previous := self.PreviousVal.Clone()
			next.PreviousVal = &previous
		}
	}
	return next
}

func CompareValues(a Value, b Value) int {
	aOrder := a.Kind.typeOrder()
	bOrder := b.Kind.typeOrder()
	if aOrder != bOrder {
		if aOrder < bOrder {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case ValueKindNull:
		return 0
	case ValueKindBoolean:
		return compareBools(a.BooleanVal, b.BooleanVal)
	case ValueKindInteger, ValueKindDouble:
		return compareNumbers(a, b)
	case ValueKindTimestamp, ValueKindServerTimestamp:
		return compareTimestampValues(a, b)
	case ValueKindString:
		return strings.Compare(a.StringVal, b.StringVal)
	case ValueKindBytes:
		return strings.Compare(string(a.BytesVal), string(b.BytesVal))
	case ValueKindReference:
		return strings.Compare(a.ReferenceVal, b.ReferenceVal)
	case ValueKindGeoPoint:
		if c := compareFloats(a.GeoPointVal.Latitude, b.GeoPointVal.Latitude); c != 0 {
			return c
		}
		return compareFloats(a.GeoPointVal.Longitude, b.GeoPointVal.Longitude)
	case ValueKindArray:
		n := len(a.ArrayVal)
		if len(b.ArrayVal) < n {
			n = len(b.ArrayVal)
		}
		for i := 0; i < n; i += 1 {
			if c := CompareValues(a.ArrayVal[i], b.ArrayVal[i]); c != 0 {
				return c
			}
		}
		return len(a.ArrayVal) - len(b.ArrayVal)
	case ValueKindMap:
		aKeys := sortedFieldNames(a.MapVal)
		bKeys := sortedFieldNames(b.MapVal)
		n := len(aKeys)
		if len(bKeys) < n {
			n = len(bKeys)
		}
		for i := 0; i < n; i += 1 {
			if c := strings.Compare(aKeys[i], bKeys[i]); c != 0 {
				return c
			}
			if c := CompareValues(a.MapVal[aKeys[i]], b.MapVal[bKeys[i]]); c != 0 {
				return c
			}
		}
		return len(aKeys) - len(bKeys)
	default:
		panic(fmt.Errorf("Unknown value kind: %d", a.Kind))
	}
}

func ValuesEqual(a Value, b Value) bool {
	// server timestamps compare by write time for ordering
	// but are only equal to another sentinel of the same write time
	if (a.Kind == ValueKindServerTimestamp) != (b.Kind == ValueKindServerTimestamp) {
		return false
	}
	if (a.Kind == ValueKindInteger) != (b.Kind == ValueKindInteger) {
		return false
	}
	return CompareValues(a, b) == 0
}

func compareBools(a bool, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareNumbers(a Value, b Value) int {
	return compareFloats(a.AsFloat(), b.AsFloat())
}

func compareFloats(a float64, b float64) int {
	switch {
	case a < b:
		return -1
	case b < a:
		return 1
	case a == b:
		return 0
	default:
		// NaN sorts before all numbers and equal to itself
		aNaN := math.IsNaN(a)
		bNaN := math.IsNaN(b)
		switch {
		case aNaN && bNaN:
			return 0
		case aNaN:
			return -1
		default:
			return 1
		}
	}
}

func compareTimestampValues(a Value, b Value) int {
	at := a.TimestampVal
	if a.Kind == ValueKindServerTimestamp {
		at = a.LocalWriteTime
	}
	bt := b.TimestampVal
	if b.Kind == ValueKindServerTimestamp {
		bt = b.LocalWriteTime
	}
	switch {
	case at.Before(bt):
		return -1
	case bt.Before(at):
		return 1
	default:
		return 0
	}
}

func sortedFieldNames(fields map[string]Value) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dot separated path to a field within a document's data tree
type FieldPath []string

func ParseFieldPath(path string) (FieldPath, error) {
	if path == "" {
		return nil, fmt.Errorf("Field path must not be empty.")
	}
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("Invalid field path: %s", path)
		}
	}
	return FieldPath(segments), nil
}

func RequireFieldPath(path string) FieldPath {
	fieldPath, err := ParseFieldPath(path)
	if err != nil {
		panic(err)
	}
	return fieldPath
}

// the sentinel field used to order and bound queries by document key
var KeyFieldPath = FieldPath{"__name__"}

func (self FieldPath) String() string {
	return strings.Join(self, ".")
}

func (self FieldPath) IsKeyField() bool {
	return len(self) == 1 && self[0] == "__name__"
}

func (self FieldPath) Equal(other FieldPath) bool {
	if len(self) != len(other) {
		return false
	}
	for i, segment := range self {
		if other[i] != segment {
			return false
		}
	}
	return true
}

func (self FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(other) < len(self) {
		return false
	}
	for i, segment := range self {
		if other[i] != segment {
			return false
		}
	}
	return true
}

func CompareFieldPaths(a FieldPath, b FieldPath) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i += 1 {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// set of field paths. A mask covers a path if any mask entry is a prefix.
type FieldMask []FieldPath

func (self FieldMask) Covers(path FieldPath) bool {
	for _, maskPath := range self {
		if maskPath.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

func (self FieldMask) Union(other FieldMask) FieldMask {
	next := append(FieldMask{}, self...)
	for _, path := range other {
		present := false
		for _, existing := range next {
			if existing.Equal(path) {
				present = true
				break
			}
		}
		if !present {
			next = append(next, path)
		}
	}
	return next
}

// field access on a map value. Returns the value at path, ok.
func FieldAt(value Value, path FieldPath) (Value, bool) {
	current := value
	for _, segment := range path {
		if current.Kind != ValueKindMap {
			return Value{}, false
		}
		next, ok := current.MapVal[segment]
		if !ok {
			return Value{}, false
		}
		current = next
	}
	return current, true
}

// returns a copy of the map value with the field at path set
func SetFieldAt(value Value, path FieldPath, fieldValue Value) Value {
	if value.Kind != ValueKindMap {
		value = MapValue(nil)
	}
	next := value.Clone()
	current := next
	for i, segment := range path {
		if i == len(path)-1 {
			current.MapVal[segment] = fieldValue
			break
		}
		child, ok := current.MapVal[segment]
		if !ok || child.Kind != ValueKindMap {
			child = MapValue(nil)
		} else {
			child = child.Clone()
		}
		current.MapVal[segment] = child
		current = child
	}
	return next
}

// returns a copy of the map value with the field at path removed
func DeleteFieldAt(value Value, path FieldPath) Value {
	if value.Kind != ValueKindMap {
		return value
	}
	next := value.Clone()
	current := next
	for i, segment := range path {
		if i == len(path)-1 {
			delete(current.MapVal, segment)
			break
		}
		child, ok := current.MapVal[segment]
		if !ok || child.Kind != ValueKindMap {
			return next
		}
		child = child.Clone()
		current.MapVal[segment] = child
		current = child
	}
	return next
}

// json wire form, tagged union per field kind

type wireValue struct {
	NullValue      *struct{}            `json:"null_value,omitempty"`
	BooleanValue   *bool                `json:"boolean_value,omitempty"`
	IntegerValue   *string              `json:"integer_value,omitempty"`
	DoubleValue    *float64             `json:"double_value,omitempty"`
	TimestampValue *string              `json:"timestamp_value,omitempty"`
	StringValue    *string              `json:"string_value,omitempty"`
	BytesValue     *string              `json:"bytes_value,omitempty"`
	ReferenceValue *string              `json:"reference_value,omitempty"`
	GeoPointValue  *GeoPoint            `json:"geo_point_value,omitempty"`
	ArrayValue     []wireValue          `json:"array_value,omitempty"`
	MapValue       map[string]wireValue `json:"map_value,omitempty"`
	EmptyArray     bool                 `json:"empty_array,omitempty"`
	EmptyMap       bool                 `json:"empty_map,omitempty"`
}

func (self Value) MarshalJSON() ([]byte, error) {
	wire, err := valueToWire(self)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

func (self *Value) UnmarshalJSON(src []byte) error {
	var wire wireValue
	if err := json.Unmarshal(src, &wire); err != nil {
		return err
	}
	value, err := valueFromWire(wire)
	if err != nil {
		return err
	}
	*self = value
	return nil
}

func valueToWire(value Value) (wireValue, error) {
	switch value.Kind {
	case ValueKindNull:
		return wireValue{NullValue: &struct{}{}}, nil
	case ValueKindBoolean:
		b := value.BooleanVal
		return wireValue{BooleanValue: &b}, nil
	case ValueKindInteger:
		// 64 bit ints are strings to survive json number precision
		s := strconv.FormatInt(value.IntegerVal, 10)
		return wireValue{IntegerValue: &s}, nil
	case ValueKindDouble:
		d := value.DoubleVal
		return wireValue{DoubleValue: &d}, nil
	case ValueKindTimestamp:
		s := value.TimestampVal.UTC().Format(time.RFC3339Nano)
		return wireValue{TimestampValue: &s}, nil
	case ValueKindString:
		s := value.StringVal
		return wireValue{StringValue: &s}, nil
	case ValueKindBytes:
		s := base64.StdEncoding.EncodeToString(value.BytesVal)
		return wireValue{BytesValue: &s}, nil
	case ValueKindReference:
		s := value.ReferenceVal
		return wireValue{ReferenceValue: &s}, nil
	case ValueKindGeoPoint:
		g := value.GeoPointVal
		return wireValue{GeoPointValue: &g}, nil
	case ValueKindArray:
		if len(value.ArrayVal) == 0 {
			return wireValue{EmptyArray: true}, nil
		}
		values := make([]wireValue, len(value.ArrayVal))
		for i, v := range value.ArrayVal {
			wire, err := valueToWire(v)
			if err != nil {
				return wireValue{}, err
			}
			values[i] = wire
		}
		return wireValue{ArrayValue: values}, nil
	case ValueKindMap:
		if len(value.MapVal) == 0 {
			return wireValue{EmptyMap: true}, nil
		}
		fields := make(map[string]wireValue, len(value.MapVal))
		for name, v := range value.MapVal {
			wire, err := valueToWire(v)
			if err != nil {
				return wireValue{}, err
			}
			fields[name] = wire
		}
		return wireValue{MapValue: fields}, nil
	case ValueKindServerTimestamp:
		// sentinels never cross the wire. They only exist in the local view.
		return wireValue{}, fmt.Errorf("Cannot serialize a server timestamp sentinel.")
	default:
		return wireValue{}, fmt.Errorf("Unknown value kind: %d", value.Kind)
	}
}

func valueFromWire(wire wireValue) (Value, error) {
	switch {
	case wire.NullValue != nil:
		return NullValue(), nil
	case wire.BooleanValue != nil:
		return BooleanValue(*wire.BooleanValue), nil
	case wire.IntegerValue != nil:
		i, err := strconv.ParseInt(*wire.IntegerValue, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return IntegerValue(i), nil
	case wire.DoubleValue != nil:
		return DoubleValue(*wire.DoubleValue), nil
	case wire.TimestampValue != nil:
		t, err := time.Parse(time.RFC3339Nano, *wire.TimestampValue)
		if err != nil {
			return Value{}, err
		}
		return TimestampValue(t), nil
	case wire.StringValue != nil:
		return StringValue(*wire.StringValue), nil
	case wire.BytesValue != nil:
		b, err := base64.StdEncoding.DecodeString(*wire.BytesValue)
		if err != nil {
			return Value{}, err
		}
		return BytesValue(b), nil
	case wire.ReferenceValue != nil:
		return ReferenceValue(*wire.ReferenceValue), nil
	case wire.GeoPointValue != nil:
		return GeoPointValue(wire.GeoPointValue.Latitude, wire.GeoPointValue.Longitude), nil
	case wire.EmptyArray:
		return ArrayValue(), nil
	case wire.EmptyMap:
		return MapValue(nil), nil
	case wire.ArrayValue != nil:
		values := make([]Value, len(wire.ArrayValue))
		for i, w := range wire.ArrayValue {
			v, err := valueFromWire(w)
			if err != nil {
				return Value{}, err
			}
			values[i] = v
		}
		return ArrayValue(values...), nil
	case wire.MapValue != nil:
		fields := make(map[string]Value, len(wire.MapValue))
		for name, w := range wire.MapValue {
			v, err := valueFromWire(w)
			if err != nil {
				return Value{}, err
			}
			fields[name] = v
		}
		return MapValue(fields), nil
	default:
		return NullValue(), nil
	}
}

package docsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
)

// local cache of a remote document database
// reads and writes are instant and durable while offline,
// and reconcile against the authoritative server stream when connected

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// the user scope that owns pending mutations
type User string

const AnonymousUser = User("")

// identifies the remote database that documents belong to
type DatabaseId struct {
	ProjectId string
	Database  string
}

func (self DatabaseId) String() string {
	return fmt.Sprintf("projects/%s/databases/%s", self.ProjectId, self.Database)
}

// slash separated path into the database namespace
type ResourcePath []string

func ParseResourcePath(path string) (ResourcePath, error) {
	if strings.Contains(path, "//") {
		return nil, fmt.Errorf("Invalid path: %s", path)
	}
	segments := []string{}
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return ResourcePath(segments), nil
}

func (self ResourcePath) String() string {
	return strings.Join(self, "/")
}

func (self ResourcePath) Len() int {
	return len(self)
}

func (self ResourcePath) IsEmpty() bool {
	return len(self) == 0
}

func (self ResourcePath) First() string {
	return self[0]
}

func (self ResourcePath) Last() string {
	return self[len(self)-1]
}

func (self ResourcePath) Append(segments ...string) ResourcePath {
	next := make(ResourcePath, 0, len(self)+len(segments))
	next = append(next, self...)
	next = append(next, segments...)
	return next
}

func (self ResourcePath) PopFirst() ResourcePath {
	return self[1:]
}

func (self ResourcePath) PopLast() ResourcePath {
	return self[:len(self)-1]
}

func (self ResourcePath) IsPrefixOf(other ResourcePath) bool {
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

func CompareResourcePaths(a ResourcePath, b ResourcePath) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i += 1 {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(b) < len(a):
		return 1
	default:
		return 0
	}
}

// immutable path to one document. The path always has an even number of
// segments, alternating collection id and document id.
type DocumentKey struct {
	path string
}

func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if len(path)%2 != 0 {
		return DocumentKey{}, fmt.Errorf("Document key must have an even number of segments: %s", path)
	}
	if len(path) == 0 {
		return DocumentKey{}, errors.New("Document key must not be empty.")
	}
	return DocumentKey{path: path.String()}, nil
}

func ParseDocumentKey(path string) (DocumentKey, error) {
	resourcePath, err := ParseResourcePath(path)
	if err != nil {
		return DocumentKey{}, err
	}
	return NewDocumentKey(resourcePath)
}

func RequireDocumentKey(path string) DocumentKey {
	key, err := ParseDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return key
}

func (self DocumentKey) IsZero() bool {
	return self.path == ""
}

func (self DocumentKey) Path() ResourcePath {
	path, _ := ParseResourcePath(self.path)
	return path
}

func (self DocumentKey) CollectionPath() ResourcePath {
	return self.Path().PopLast()
}

func (self DocumentKey) CollectionId() string {
	path := self.Path()
	return path[len(path)-2]
}

func (self DocumentKey) DocumentId() string {
	return self.Path().Last()
}

func (self DocumentKey) HasCollectionId(collectionId string) bool {
	path := self.Path()
	return 2 <= len(path) && path[len(path)-2] == collectionId
}

func (self DocumentKey) String() string {
	return self.path
}

func CompareDocumentKeys(a DocumentKey, b DocumentKey) int {
	return CompareResourcePaths(a.Path(), b.Path())
}

type DocumentKeySet map[DocumentKey]bool

func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	keySet := DocumentKeySet{}
	for _, key := range keys {
		keySet[key] = true
	}
	return keySet
}

func (self DocumentKeySet) Add(key DocumentKey) {
	self[key] = true
}

func (self DocumentKeySet) Remove(key DocumentKey) {
	delete(self, key)
}

func (self DocumentKeySet) Contains(key DocumentKey) bool {
	return self[key]
}

func (self DocumentKeySet) Clone() DocumentKeySet {
	keySet := make(DocumentKeySet, len(self))
	for key := range self {
		keySet[key] = true
	}
	return keySet
}

func (self DocumentKeySet) SortedKeys() []DocumentKey {
	keys := maps.Keys(self)
	sort.Slice(keys, func(i int, j int) bool {
		return CompareDocumentKeys(keys[i], keys[j]) < 0
	})
	return keys
}

// server logical timestamp. The zero value is the minimum sentinel,
// which locally mutated documents carry until acknowledged.
// comparable
type SnapshotVersion struct {
	Seconds int64
	Nanos   int32
}

func SnapshotVersionFromTime(t time.Time) SnapshotVersion {
	return SnapshotVersion{
		Seconds: t.Unix(),
		Nanos:   int32(t.Nanosecond()),
	}
}

func (self SnapshotVersion) IsZero() bool {
	return self.Seconds == 0 && self.Nanos == 0
}

func (self SnapshotVersion) Time() time.Time {
	return time.Unix(self.Seconds, int64(self.Nanos))
}

func (self SnapshotVersion) String() string {
	return fmt.Sprintf("v(%d.%09d)", self.Seconds, self.Nanos)
}

func CompareSnapshotVersions(a SnapshotVersion, b SnapshotVersion) int {
	switch {
	case a.Seconds < b.Seconds:
		return -1
	case b.Seconds < a.Seconds:
		return 1
	case a.Nanos < b.Nanos:
		return -1
	case b.Nanos < a.Nanos:
		return 1
	default:
		return 0
	}
}

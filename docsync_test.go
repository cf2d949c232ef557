package docsync

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestResourcePath(t *testing.T) {
	path, err := ParseResourcePath("rooms/eros/messages")
	assert.Equal(t, err, nil)
	assert.Equal(t, path.Len(), 3)
	assert.Equal(t, path.First(), "rooms")
	assert.Equal(t, path.Last(), "messages")
	assert.Equal(t, path.String(), "rooms/eros/messages")

	assert.Equal(t, path.PopLast().String(), "rooms/eros")
	assert.Equal(t, path.Append("m1").String(), "rooms/eros/messages/m1")

	prefix, _ := ParseResourcePath("rooms/eros")
	assert.Equal(t, prefix.IsPrefixOf(path), true)
	assert.Equal(t, path.IsPrefixOf(prefix), false)

	_, err = ParseResourcePath("rooms//eros")
	assert.NotEqual(t, err, nil)
}

func TestResourcePathOrder(t *testing.T) {
	a, _ := ParseResourcePath("rooms/eros")
	b, _ := ParseResourcePath("rooms/eros/messages")
	c, _ := ParseResourcePath("rooms/firm")

	assert.Equal(t, CompareResourcePaths(a, b) < 0, true)
	assert.Equal(t, CompareResourcePaths(b, c) < 0, true)
	assert.Equal(t, CompareResourcePaths(a, a), 0)
	assert.Equal(t, 0 < CompareResourcePaths(c, a), true)
}

func TestDocumentKey(t *testing.T) {
	key, err := ParseDocumentKey("rooms/eros/messages/m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, key.CollectionId(), "messages")
	assert.Equal(t, key.DocumentId(), "m1")
	assert.Equal(t, key.CollectionPath().String(), "rooms/eros/messages")
	assert.Equal(t, key.HasCollectionId("messages"), true)
	assert.Equal(t, key.HasCollectionId("rooms"), false)

	// odd segment counts are collections, not documents
	_, err = ParseDocumentKey("rooms/eros/messages")
	assert.NotEqual(t, err, nil)
	_, err = ParseDocumentKey("")
	assert.NotEqual(t, err, nil)
}

func TestDocumentKeySet(t *testing.T) {
	a := RequireDocumentKey("rooms/a")
	b := RequireDocumentKey("rooms/b")
	c := RequireDocumentKey("rooms/c")

	keys := NewDocumentKeySet(c, a)
	keys.Add(b)
	keys.Add(b)
	assert.Equal(t, len(keys), 3)
	assert.Equal(t, keys.Contains(b), true)

	sorted := keys.SortedKeys()
	assert.Equal(t, sorted, []DocumentKey{a, b, c})

	clone := keys.Clone()
	clone.Remove(b)
	assert.Equal(t, keys.Contains(b), true)
	assert.Equal(t, clone.Contains(b), false)
}

func TestSnapshotVersionOrder(t *testing.T) {
	zero := SnapshotVersion{}
	assert.Equal(t, zero.IsZero(), true)

	a := SnapshotVersion{Seconds: 10, Nanos: 0}
	b := SnapshotVersion{Seconds: 10, Nanos: 500}
	c := SnapshotVersion{Seconds: 11, Nanos: 0}

	assert.Equal(t, CompareSnapshotVersions(zero, a) < 0, true)
	assert.Equal(t, CompareSnapshotVersions(a, b) < 0, true)
	assert.Equal(t, CompareSnapshotVersions(b, c) < 0, true)
	assert.Equal(t, CompareSnapshotVersions(c, c), 0)
}

package docsync

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

const testBundle = `
{"metadata": {"id": "bundle-1", "create_time": "2024-03-01T12:30:00Z", "version": 1, "total_documents": 2}}
{"named_query": {"name": "all-rooms", "bundled_query": {"parent": "projects/p/databases/d/documents/", "collection_id": "rooms"}, "read_time": "2024-03-01T12:30:00Z"}}
{"document_metadata": {"name": "projects/p/databases/d/documents/rooms/eros", "read_time": "2024-03-01T12:30:00Z", "exists": true}}
{"document": {"name": "projects/p/databases/d/documents/rooms/eros", "fields": {"name": {"string_value": "eros"}}, "update_time": "2024-03-01T12:00:00Z"}}
{"document_metadata": {"name": "projects/p/databases/d/documents/rooms/gone", "read_time": "2024-03-01T12:30:00Z"}}
`

func TestBundleReader(t *testing.T) {
	reader := NewBundleReader(strings.NewReader(testBundle), testSerializer())

	metadata, err := reader.Metadata()
	assert.Equal(t, err, nil)
	assert.Equal(t, metadata.BundleId, "bundle-1")
	assert.Equal(t, metadata.TotalDocs, int32(2))
	// metadata is cached across calls
	again, err := reader.Metadata()
	assert.Equal(t, err, nil)
	assert.Equal(t, again, metadata)

	docs, namedQueries, err := reader.ReadAll()
	assert.Equal(t, err, nil)

	assert.Equal(t, len(namedQueries), 1)
	assert.Equal(t, namedQueries[0].Name, "all-rooms")
	rooms, _ := ParseResourcePath("rooms")
	assert.Equal(t, namedQueries[0].Query.CanonicalId(), NewQuery(rooms).CanonicalId())

	assert.Equal(t, len(docs), 2)
	eros := docs[RequireDocumentKey("rooms/eros")]
	assert.Equal(t, eros.IsFoundDocument(), true)
	fieldVal, _ := eros.Field(RequireFieldPath("name"))
	assert.Equal(t, fieldVal, StringValue("eros"))
	// a metadata entry with exists false stands alone as a delete
	assert.Equal(t, docs[RequireDocumentKey("rooms/gone")].IsNoDocument(), true)
}

func TestBundleReaderRejectsMalformedStreams(t *testing.T) {
	serializer := testSerializer()

	// first element must be the bundle metadata
	reader := NewBundleReader(strings.NewReader(`{"named_query": {"name": "q", "bundled_query": {"parent": "projects/p/databases/d/documents/"}}}`), serializer)
	_, err := reader.Metadata()
	assert.NotEqual(t, err, nil)

	// a document without its metadata element
	reader = NewBundleReader(strings.NewReader(`
{"metadata": {"id": "b"}}
{"document": {"name": "projects/p/databases/d/documents/rooms/eros"}}
`), serializer)
	_, _, err = reader.ReadAll()
	assert.NotEqual(t, err, nil)

	// metadata promising a document that never arrives
	reader = NewBundleReader(strings.NewReader(`
{"metadata": {"id": "b"}}
{"document_metadata": {"name": "projects/p/databases/d/documents/rooms/eros", "exists": true}}
`), serializer)
	_, _, err = reader.ReadAll()
	assert.NotEqual(t, err, nil)
}

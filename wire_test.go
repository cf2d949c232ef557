package docsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSerializer() *Serializer {
	return NewSerializer(DatabaseId{ProjectId: "p", Database: "d"})
}

func TestSerializerKey(t *testing.T) {
	serializer := testSerializer()
	key := RequireDocumentKey("rooms/eros/messages/m1")

	name := serializer.EncodeKey(key)
	assert.Equal(t, name, "projects/p/databases/d/documents/rooms/eros/messages/m1")

	decoded, err := serializer.DecodeKey(name)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, key)

	// names from another database are rejected
	_, err = serializer.DecodeKey("projects/other/databases/d/documents/rooms/eros")
	assert.NotEqual(t, err, nil)
}

func TestSerializerVersion(t *testing.T) {
	serializer := testSerializer()

	assert.Equal(t, serializer.EncodeVersion(SnapshotVersion{}), "")
	decoded, err := serializer.DecodeVersion("")
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.IsZero(), true)

	version := SnapshotVersionFromTime(time.Date(2024, 3, 1, 12, 30, 0, 500000000, time.UTC))
	decoded, err = serializer.DecodeVersion(serializer.EncodeVersion(version))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, version)

	_, err = serializer.DecodeVersion("not a timestamp")
	assert.NotEqual(t, err, nil)
}

func TestSerializerDocument(t *testing.T) {
	serializer := testSerializer()
	key := RequireDocumentKey("rooms/eros")
	version := SnapshotVersionFromTime(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC))

	wire := serializer.EncodeDocument(key, MapValue(map[string]Value{"name": StringValue("eros")}))
	wire.UpdateTime = serializer.EncodeVersion(version)

	doc, err := serializer.DecodeDocument(wire)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Key, key)
	assert.Equal(t, doc.Version, version)
	assert.Equal(t, doc.IsFoundDocument(), true)
	fieldVal, _ := doc.Field(RequireFieldPath("name"))
	assert.Equal(t, fieldVal, StringValue("eros"))

	// a document with no fields decodes to an empty map, not nil
	empty, err := serializer.DecodeDocument(WireDocument{Name: serializer.EncodeKey(key)})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, empty.Data.MapVal, nil)
}

func TestSerializerSetMutation(t *testing.T) {
	serializer := testSerializer()
	key := RequireDocumentKey("rooms/eros")

	mutation := SetMutation(key, MapValue(map[string]Value{"name": StringValue("eros")}))
	mutation.Transforms = append(mutation.Transforms,
		ServerTimestampTransform(RequireFieldPath("updated")),
		IncrementTransform(RequireFieldPath("count"), IntegerValue(1)),
	)

	wire, err := serializer.EncodeMutation(mutation)
	assert.Equal(t, err, nil)
	assert.Equal(t, wire.Update.Name, serializer.EncodeKey(key))
	assert.Equal(t, wire.UpdateMask == nil, true)
	assert.Equal(t, wire.CurrentDocument == nil, true)
	assert.Equal(t, len(wire.UpdateTransforms), 2)
	assert.Equal(t, wire.UpdateTransforms[0].SetToServerValue, WireServerValueRequestTime)
	assert.Equal(t, *wire.UpdateTransforms[1].Increment, IntegerValue(1))
}

func TestSerializerPatchMutation(t *testing.T) {
	serializer := testSerializer()
	key := RequireDocumentKey("rooms/eros")

	mutation := PatchMutation(key,
		MapValue(map[string]Value{"name": StringValue("eros")}),
		FieldMask{RequireFieldPath("name")})

	wire, err := serializer.EncodeMutation(mutation)
	assert.Equal(t, err, nil)
	assert.Equal(t, wire.UpdateMask.FieldPaths, []string{"name"})
	// patches only apply to documents that exist
	assert.Equal(t, *wire.CurrentDocument.Exists, true)
}

func TestSerializerDeleteAndVerifyMutations(t *testing.T) {
	serializer := testSerializer()
	key := RequireDocumentKey("rooms/eros")

	wire, err := serializer.EncodeMutation(DeleteMutation(key))
	assert.Equal(t, err, nil)
	assert.Equal(t, wire.Delete, serializer.EncodeKey(key))

	wire, err = serializer.EncodeMutation(VerifyMutation(key, PreconditionExists(true)))
	assert.Equal(t, err, nil)
	assert.Equal(t, wire.Verify, serializer.EncodeKey(key))
}

func TestSerializerMutationResult(t *testing.T) {
	serializer := testSerializer()
	commitVersion := SnapshotVersionFromTime(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC))

	// deletes carry no update time and inherit the commit version
	result, err := serializer.DecodeMutationResult(WireWriteResult{}, commitVersion)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Version, commitVersion)

	updateVersion := SnapshotVersionFromTime(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	result, err = serializer.DecodeMutationResult(WireWriteResult{
		UpdateTime: serializer.EncodeVersion(updateVersion),
	}, commitVersion)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Version, updateVersion)
}

func TestSerializerQueryRoundTrip(t *testing.T) {
	serializer := testSerializer()
	rooms, _ := ParseResourcePath("rooms")
	query := NewQuery(rooms).
		WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorGreaterThan, IntegerValue(10))).
		WithOrderBy(RequireFieldPath("size"), true).
		WithLimit(5, LimitTypeFirst)

	wire := serializer.EncodeQuery(query)
	assert.Equal(t, wire.Parent, "projects/p/databases/d/documents/")
	assert.Equal(t, wire.CollectionId, "rooms")
	assert.Equal(t, wire.Limit, int64(5))

	decoded, err := serializer.DecodeQuery(wire)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.CanonicalId(), query.CanonicalId())
}

func TestSerializerCollectionGroupQueryRoundTrip(t *testing.T) {
	serializer := testSerializer()
	query := NewCollectionGroupQuery("messages")

	wire := serializer.EncodeQuery(query)
	assert.Equal(t, wire.AllDescendants, true)
	assert.Equal(t, wire.CollectionId, "messages")

	decoded, err := serializer.DecodeQuery(wire)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.CanonicalId(), query.CanonicalId())
}

func TestSerializerEncodeTarget(t *testing.T) {
	serializer := testSerializer()
	key := RequireDocumentKey("rooms/eros")

	targetData := NewTargetData(NewDocumentQuery(key), 1, TargetPurposeLimboResolution, 1)
	wire := serializer.EncodeTarget(targetData)
	assert.Equal(t, wire.TargetId, int32(1))
	assert.Equal(t, wire.Documents, []string{serializer.EncodeKey(key)})
	assert.Equal(t, wire.Query == nil, true)
	assert.Equal(t, len(wire.ResumeToken), 0)

	rooms, _ := ParseResourcePath("rooms")
	targetData = NewTargetData(NewQuery(rooms), 2, TargetPurposeListen, 1).
		WithResumeToken([]byte("resume"), SnapshotVersion{Seconds: 7})
	targetData.ExpectedCount = 9
	wire = serializer.EncodeTarget(targetData)
	assert.Equal(t, wire.Query == nil, false)
	assert.Equal(t, wire.ResumeToken, []byte("resume"))
	assert.Equal(t, wire.ExpectedCount, int32(9))
}

func TestDecodeWatchChange(t *testing.T) {
	serializer := testSerializer()

	change, err := serializer.DecodeWatchChange(ListenResponse{
		TargetChange: &WireTargetChange{
			ChangeType:  WireTargetChangeRemove,
			TargetIds:   []int32{2},
			Cause:       &WireError{Code: int32(CodePermissionDenied), Message: "denied"},
			ResumeToken: []byte("resume"),
		},
	})
	assert.Equal(t, err, nil)
	targetChange := change.(*WatchTargetChange)
	assert.Equal(t, targetChange.State, WatchTargetChangeStateRemoved)
	assert.Equal(t, targetChange.TargetIds, []int32{2})
	assert.Equal(t, StatusCode(targetChange.Cause), CodePermissionDenied)

	change, err = serializer.DecodeWatchChange(ListenResponse{
		DocumentChange: &WireDocumentChange{
			Document: WireDocument{
				Name:       "projects/p/databases/d/documents/rooms/eros",
				UpdateTime: serializer.EncodeVersion(SnapshotVersion{Seconds: 5}),
			},
			TargetIds: []int32{2},
		},
	})
	assert.Equal(t, err, nil)
	docChange := change.(*WatchDocumentChange)
	assert.Equal(t, docChange.Key, RequireDocumentKey("rooms/eros"))
	assert.Equal(t, docChange.Document.IsFoundDocument(), true)

	change, err = serializer.DecodeWatchChange(ListenResponse{
		DocumentDelete: &WireDocumentDelete{
			Document:         "projects/p/databases/d/documents/rooms/eros",
			RemovedTargetIds: []int32{2},
			ReadTime:         serializer.EncodeVersion(SnapshotVersion{Seconds: 6}),
		},
	})
	assert.Equal(t, err, nil)
	docChange = change.(*WatchDocumentChange)
	assert.Equal(t, docChange.Document.IsNoDocument(), true)

	// a remove leaves the document state unknown
	change, err = serializer.DecodeWatchChange(ListenResponse{
		DocumentRemove: &WireDocumentRemove{
			Document:         "projects/p/databases/d/documents/rooms/eros",
			RemovedTargetIds: []int32{2},
		},
	})
	assert.Equal(t, err, nil)
	docChange = change.(*WatchDocumentChange)
	assert.Equal(t, docChange.Document == nil, true)

	change, err = serializer.DecodeWatchChange(ListenResponse{
		Filter: &WireExistenceFilter{TargetId: 2, Count: 3},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, change.(*WatchExistenceFilterChange).Filter.Count, int32(3))

	_, err = serializer.DecodeWatchChange(ListenResponse{})
	assert.NotEqual(t, err, nil)
	_, err = serializer.DecodeWatchChange(ListenResponse{
		TargetChange: &WireTargetChange{ChangeType: "bogus"},
	})
	assert.NotEqual(t, err, nil)
}

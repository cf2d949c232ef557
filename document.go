package docsync

import (
	"fmt"
)

type DocumentType int

const (
	// the cache has no entry for the key
	DocumentTypeInvalid DocumentType = iota
	// the document exists with data
	DocumentTypeFound
	// the server confirmed the document does not exist
	DocumentTypeNoDocument
	// some view needs the document but its existence is not known locally
	DocumentTypeUnknown
)

type SyncState int

const (
	SyncStateSynced SyncState = iota
	SyncStateHasLocalMutations
	SyncStateHasCommittedMutations
)

// one document as visible to the engine. Documents are value types,
// state changes produce a new Document.
// no-document and unknown documents always carry empty data.
type Document struct {
	Key          DocumentKey
	DocumentType DocumentType
	Version      SnapshotVersion
	ReadTime     SnapshotVersion
	Data         Value
	SyncState    SyncState
}

func InvalidDocument(key DocumentKey) Document {
	return Document{
		Key:  key,
		Data: MapValue(nil),
	}
}

func FoundDocument(key DocumentKey, version SnapshotVersion, data Value) Document {
	return Document{
		Key:          key,
		DocumentType: DocumentTypeFound,
		Version:      version,
		Data:         data,
	}
}

func NoDocument(key DocumentKey, version SnapshotVersion) Document {
	return Document{
		Key:          key,
		DocumentType: DocumentTypeNoDocument,
		Version:      version,
		Data:         MapValue(nil),
	}
}

func UnknownDocument(key DocumentKey, version SnapshotVersion) Document {
	return Document{
		Key:          key,
		DocumentType: DocumentTypeUnknown,
		Version:      version,
		Data:         MapValue(nil),
		SyncState:    SyncStateHasCommittedMutations,
	}
}

func (self Document) IsValidDocument() bool {
	return self.DocumentType != DocumentTypeInvalid
}

func (self Document) IsFoundDocument() bool {
	return self.DocumentType == DocumentTypeFound
}

func (self Document) IsNoDocument() bool {
	return self.DocumentType == DocumentTypeNoDocument
}

func (self Document) IsUnknownDocument() bool {
	return self.DocumentType == DocumentTypeUnknown
}

func (self Document) HasLocalMutations() bool {
	return self.SyncState == SyncStateHasLocalMutations
}

func (self Document) HasCommittedMutations() bool {
	return self.SyncState == SyncStateHasCommittedMutations
}

func (self Document) HasPendingWrites() bool {
	return self.HasLocalMutations() || self.HasCommittedMutations()
}

func (self Document) Field(path FieldPath) (Value, bool) {
	return FieldAt(self.Data, path)
}

func (self Document) ConvertToFoundDocument(version SnapshotVersion, data Value) Document {
	self.DocumentType = DocumentTypeFound
	self.Version = version
	self.Data = data
	self.SyncState = SyncStateSynced
	return self
}

func (self Document) ConvertToNoDocument(version SnapshotVersion) Document {
	self.DocumentType = DocumentTypeNoDocument
	self.Version = version
	self.Data = MapValue(nil)
	self.SyncState = SyncStateSynced
	return self
}

func (self Document) ConvertToUnknownDocument(version SnapshotVersion) Document {
	self.DocumentType = DocumentTypeUnknown
	self.Version = version
	self.Data = MapValue(nil)
	self.SyncState = SyncStateHasCommittedMutations
	return self
}

func (self Document) WithLocalMutations() Document {
	self.SyncState = SyncStateHasLocalMutations
	// locally mutated documents carry the minimum version until acknowledged
	self.Version = SnapshotVersion{}
	return self
}

func (self Document) WithCommittedMutations() Document {
	self.SyncState = SyncStateHasCommittedMutations
	return self
}

func (self Document) WithReadTime(readTime SnapshotVersion) Document {
	self.ReadTime = readTime
	return self
}

func (self Document) String() string {
	return fmt.Sprintf("doc(%s type=%d state=%d %s)", self.Key, self.DocumentType, self.SyncState, self.Version)
}

func DocumentsEqual(a Document, b Document) bool {
	return a.Key == b.Key &&
		a.DocumentType == b.DocumentType &&
		a.Version == b.Version &&
		a.SyncState == b.SyncState &&
		ValuesEqual(a.Data, b.Data)
}

package docsync

import (
	"fmt"
	"time"
)

// mutations are pure functions from a document to a document.
// the same mutation is applied two ways:
// - to the local view, producing the optimistic document visible before ack
// - to the remote cache, once the server acknowledges it with results

type MutationType int

const (
	MutationTypeSet MutationType = iota
	MutationTypePatch
	MutationTypeDelete
	MutationTypeVerify
)

type Precondition struct {
	Exists     *bool
	UpdateTime *SnapshotVersion
}

func PreconditionNone() Precondition {
	return Precondition{}
}

func PreconditionExists(exists bool) Precondition {
	return Precondition{Exists: &exists}
}

func PreconditionUpdateTime(updateTime SnapshotVersion) Precondition {
	return Precondition{UpdateTime: &updateTime}
}

func (self Precondition) IsNone() bool {
	return self.Exists == nil && self.UpdateTime == nil
}

func (self Precondition) IsValidFor(doc Document) bool {
	if self.UpdateTime != nil {
		return doc.IsFoundDocument() && doc.Version == *self.UpdateTime
	}
	if self.Exists != nil {
		return *self.Exists == doc.IsFoundDocument()
	}
	return true
}

type TransformType int

const (
	TransformTypeServerTimestamp TransformType = iota
	TransformTypeIncrement
	TransformTypeArrayUnion
	TransformTypeArrayRemove
)

type FieldTransform struct {
	Path    FieldPath
	Type    TransformType
	Operand Value
}

func ServerTimestampTransform(path FieldPath) FieldTransform {
	return FieldTransform{Path: path, Type: TransformTypeServerTimestamp}
}

func IncrementTransform(path FieldPath, operand Value) FieldTransform {
	return FieldTransform{Path: path, Type: TransformTypeIncrement, Operand: operand}
}

func ArrayUnionTransform(path FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Path: path, Type: TransformTypeArrayUnion, Operand: ArrayValue(elements...)}
}

func ArrayRemoveTransform(path FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Path: path, Type: TransformTypeArrayRemove, Operand: ArrayValue(elements...)}
}

type Mutation struct {
	Type         MutationType
	Key          DocumentKey
	Value        Value
	FieldMask    FieldMask
	Transforms   []FieldTransform
	Precondition Precondition
}

func SetMutation(key DocumentKey, value Value, transforms ...FieldTransform) Mutation {
	return Mutation{
		Type:       MutationTypeSet,
		Key:        key,
		Value:      value,
		Transforms: transforms,
	}
}

func PatchMutation(key DocumentKey, value Value, mask FieldMask, transforms ...FieldTransform) Mutation {
	return Mutation{
		Type:         MutationTypePatch,
		Key:          key,
		Value:        value,
		FieldMask:    mask,
		Transforms:   transforms,
		Precondition: PreconditionExists(true),
	}
}

func DeleteMutation(key DocumentKey) Mutation {
	return Mutation{
		Type: MutationTypeDelete,
		Key:  key,
	}
}

func VerifyMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{
		Type:         MutationTypeVerify,
		Key:          key,
		Precondition: precondition,
	}
}

func (self Mutation) WithPrecondition(precondition Precondition) Mutation {
	self.Precondition = precondition
	return self
}

// the server's answer for one mutation in an acknowledged batch
type MutationResult struct {
	Version          SnapshotVersion
	TransformResults []Value
}

// applies the optimistic local effect of the mutation.
// previousMask accumulates the fields changed by earlier mutations in the
// same batch set. A nil mask means the whole document was replaced.
func (self Mutation) ApplyToLocalView(doc Document, previousMask *FieldMask, localWriteTime time.Time) (Document, *FieldMask) {
	if !self.Precondition.IsValidFor(doc) {
		return doc, previousMask
	}

	switch self.Type {
	case MutationTypeSet:
		data := self.Value.Clone()
		data = applyLocalTransforms(self.Transforms, doc, data, localWriteTime)
		doc = doc.ConvertToFoundDocument(doc.Version, data).WithLocalMutations()
		return doc, nil
	case MutationTypePatch:
		data := patchDocumentData(doc.Data, self.Value, self.FieldMask)
		data = applyLocalTransforms(self.Transforms, doc, data, localWriteTime)
		doc = doc.ConvertToFoundDocument(doc.Version, data).WithLocalMutations()
		if previousMask == nil {
			return doc, nil
		}
		mask := previousMask.Union(self.FieldMask).Union(transformMask(self.Transforms))
		return doc, &mask
	case MutationTypeDelete:
		doc = doc.ConvertToNoDocument(SnapshotVersion{}).WithLocalMutations()
		return doc, nil
	case MutationTypeVerify:
		return doc, previousMask
	default:
		panic(fmt.Errorf("Unknown mutation type: %d", self.Type))
	}
}

// applies the acknowledged effect of the mutation. The resulting document
// version is authoritative, so the state becomes has-committed-mutations
// until a watch snapshot at or past the commit version is seen.
func (self Mutation) ApplyToRemoteDocument(doc Document, result MutationResult) Document {
	switch self.Type {
	case MutationTypeSet:
		data := self.Value.Clone()
		data = applyServerTransforms(self.Transforms, doc, data, result.TransformResults)
		return doc.ConvertToFoundDocument(result.Version, data).WithCommittedMutations()
	case MutationTypePatch:
		if !self.Precondition.IsValidFor(doc) {
			// the server applied the write against state the cache has not
			// seen. The local cache entry can no longer be trusted.
			return doc.ConvertToUnknownDocument(result.Version)
		}
		data := patchDocumentData(doc.Data, self.Value, self.FieldMask)
		data = applyServerTransforms(self.Transforms, doc, data, result.TransformResults)
		return doc.ConvertToFoundDocument(result.Version, data).WithCommittedMutations()
	case MutationTypeDelete:
		return doc.ConvertToNoDocument(result.Version).WithCommittedMutations()
	case MutationTypeVerify:
		return doc
	default:
		panic(fmt.Errorf("Unknown mutation type: %d", self.Type))
	}
}

func patchDocumentData(docData Value, patchData Value, mask FieldMask) Value {
	data := docData
	if data.Kind != ValueKindMap {
		data = MapValue(nil)
	}
	for _, path := range mask {
		if fieldValue, ok := FieldAt(patchData, path); ok {
			data = SetFieldAt(data, path, fieldValue.Clone())
		} else {
			data = DeleteFieldAt(data, path)
		}
	}
	return data
}

func applyLocalTransforms(transforms []FieldTransform, doc Document, data Value, localWriteTime time.Time) Value {
	for _, transform := range transforms {
		// previous values come from the document visible before this mutation
		previous, hasPrevious := FieldAt(doc.Data, transform.Path)
		data = SetFieldAt(data, transform.Path, transform.applyLocal(previous, hasPrevious, localWriteTime))
	}
	return data
}

func applyServerTransforms(transforms []FieldTransform, doc Document, data Value, transformResults []Value) Value {
	for i, transform := range transforms {
		if i < len(transformResults) {
			data = SetFieldAt(data, transform.Path, transformResults[i])
		} else {
			// the server omitted the result. Fall back to the local estimate.
			previous, hasPrevious := FieldAt(data, transform.Path)
			data = SetFieldAt(data, transform.Path, transform.applyLocal(previous, hasPrevious, doc.Version.Time()))
		}
	}
	return data
}

func (self FieldTransform) applyLocal(previous Value, hasPrevious bool, localWriteTime time.Time) Value {
	switch self.Type {
	case TransformTypeServerTimestamp:
		var previousVal *Value
		if hasPrevious {
			p := previous.Clone()
			previousVal = &p
		}
		return ServerTimestampValue(localWriteTime, previousVal)
	case TransformTypeIncrement:
		base := IntegerValue(0)
		if hasPrevious && previous.IsNumber() {
			base = previous
		}
		if base.Kind == ValueKindInteger && self.Operand.Kind == ValueKindInteger {
			return IntegerValue(base.IntegerVal + self.Operand.IntegerVal)
		}
		return DoubleValue(base.AsFloat() + self.Operand.AsFloat())
	case TransformTypeArrayUnion:
		elements := []Value{}
		if hasPrevious && previous.IsArray() {
			elements = append(elements, previous.ArrayVal...)
		}
		for _, element := range self.Operand.ArrayVal {
			present := false
			for _, existing := range elements {
				if ValuesEqual(existing, element) {
					present = true
					break
				}
			}
			if !present {
				elements = append(elements, element.Clone())
			}
		}
		return ArrayValue(elements...)
	case TransformTypeArrayRemove:
		elements := []Value{}
		if hasPrevious && previous.IsArray() {
			for _, existing := range previous.ArrayVal {
				removed := false
				for _, element := range self.Operand.ArrayVal {
					if ValuesEqual(existing, element) {
						removed = true
						break
					}
				}
				if !removed {
					elements = append(elements, existing)
				}
			}
		}
		return ArrayValue(elements...)
	default:
		panic(fmt.Errorf("Unknown transform type: %d", self.Type))
	}
}

func transformMask(transforms []FieldTransform) FieldMask {
	mask := FieldMask{}
	for _, transform := range transforms {
		mask = append(mask, transform.Path)
	}
	return mask
}

// computes the single net mutation equivalent to the cumulative local
// effect already applied to doc, restricted to mask. A nil mask means the
// document was replaced or deleted outright.
// returns nil when there is no pending effect to represent.
func CalculateOverlayMutation(doc Document, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() {
		return nil
	}
	if mask == nil {
		if doc.IsNoDocument() {
			m := DeleteMutation(doc.Key)
			return &m
		}
		if doc.IsFoundDocument() {
			m := SetMutation(doc.Key, doc.Data.Clone())
			return &m
		}
		return nil
	}
	if len(*mask) == 0 {
		return nil
	}
	patchValue := MapValue(nil)
	patchMask := FieldMask{}
	for _, path := range *mask {
		if patchMask.Covers(path) {
			continue
		}
		if fieldValue, ok := doc.Field(path); ok {
			patchValue = SetFieldAt(patchValue, path, fieldValue.Clone())
		}
		patchMask = append(patchMask, path)
	}
	m := PatchMutation(doc.Key, patchValue, patchMask)
	return &m
}

// the net pending mutation for one document, tagged with the largest
// batch id that contributed to it
type Overlay struct {
	LargestBatchId int64
	Mutation       Mutation
}

func (self Overlay) Key() DocumentKey {
	return self.Mutation.Key
}

// an ordered, immutable group of mutations applied and acknowledged as a
// unit. Base mutations pin the pre-write values that server timestamp
// estimates and overlay recomputation rely on. They are never sent.
type MutationBatch struct {
	BatchId        int64
	LocalWriteTime time.Time
	BaseMutations  []Mutation
	Mutations      []Mutation
}

func (self MutationBatch) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	for _, m := range self.Mutations {
		keys.Add(m.Key)
	}
	return keys
}

func (self MutationBatch) AppliesToKey(key DocumentKey) bool {
	for _, m := range self.Mutations {
		if m.Key == key {
			return true
		}
	}
	return false
}

func (self MutationBatch) ApplyToLocalView(doc Document, mask *FieldMask) (Document, *FieldMask) {
	for _, m := range self.BaseMutations {
		if m.Key == doc.Key {
			doc, mask = m.ApplyToLocalView(doc, mask, self.LocalWriteTime)
		}
	}
	for _, m := range self.Mutations {
		if m.Key == doc.Key {
			doc, mask = m.ApplyToLocalView(doc, mask, self.LocalWriteTime)
		}
	}
	return doc, mask
}

func (self MutationBatch) ApplyToRemoteDocument(doc Document, batchResult MutationBatchResult) Document {
	for i, m := range self.Mutations {
		if m.Key == doc.Key {
			doc = m.ApplyToRemoteDocument(doc, batchResult.MutationResults[i])
		}
	}
	return doc
}

// the server's acknowledgment for one whole batch
type MutationBatchResult struct {
	Batch           MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
}

func NewMutationBatchResult(batch MutationBatch, commitVersion SnapshotVersion, mutationResults []MutationResult, streamToken []byte) (MutationBatchResult, error) {
	if len(batch.Mutations) != len(mutationResults) {
		return MutationBatchResult{}, fmt.Errorf(
			"Mutation batch result size mismatch: %d != %d",
			len(batch.Mutations),
			len(mutationResults),
		)
	}
	return MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: mutationResults,
		StreamToken:     streamToken,
	}, nil
}

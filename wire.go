package docsync

import (
	"fmt"
	"strings"
	"time"
)

// json message envelopes for the watch and write streams. One pointer
// field set per union message. Timestamps travel as rfc3339 strings,
// byte fields as base64 per the default json encoding.

type ListenRequest struct {
	Database     string            `json:"database"`
	AddTarget    *WireTarget       `json:"add_target,omitempty"`
	RemoveTarget int32             `json:"remove_target,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

type WireTarget struct {
	TargetId      int32      `json:"target_id"`
	Query         *WireQuery `json:"query,omitempty"`
	Documents     []string   `json:"documents,omitempty"`
	ResumeToken   []byte     `json:"resume_token,omitempty"`
	ReadTime      string     `json:"read_time,omitempty"`
	ExpectedCount int32      `json:"expected_count,omitempty"`
}

type WireQuery struct {
	Parent         string       `json:"parent"`
	CollectionId   string       `json:"collection_id,omitempty"`
	AllDescendants bool         `json:"all_descendants,omitempty"`
	Filters        []WireFilter `json:"filters,omitempty"`
	OrderBy        []WireOrder  `json:"order_by,omitempty"`
	Limit          int64        `json:"limit,omitempty"`
	StartAt        *WireBound   `json:"start_at,omitempty"`
	EndAt          *WireBound   `json:"end_at,omitempty"`
}

type WireFilter struct {
	FieldPath string `json:"field_path"`
	Op        string `json:"op"`
	Value     Value  `json:"value"`
}

type WireOrder struct {
	FieldPath string `json:"field_path"`
	Direction string `json:"direction,omitempty"`
}

const (
	WireDirectionAscending  = ""
	WireDirectionDescending = "desc"
)

type WireBound struct {
	Values    []Value `json:"values,omitempty"`
	Inclusive bool    `json:"inclusive,omitempty"`
}

type ListenResponse struct {
	TargetChange   *WireTargetChange    `json:"target_change,omitempty"`
	DocumentChange *WireDocumentChange  `json:"document_change,omitempty"`
	DocumentDelete *WireDocumentDelete  `json:"document_delete,omitempty"`
	DocumentRemove *WireDocumentRemove  `json:"document_remove,omitempty"`
	Filter         *WireExistenceFilter `json:"filter,omitempty"`
}

const (
	WireTargetChangeNoChange = ""
	WireTargetChangeAdd      = "add"
	WireTargetChangeRemove   = "remove"
	WireTargetChangeCurrent  = "current"
	WireTargetChangeReset    = "reset"
)

type WireTargetChange struct {
	// empty target ids means the change applies to every active target
	ChangeType  string     `json:"target_change_type,omitempty"`
	TargetIds   []int32    `json:"target_ids,omitempty"`
	Cause       *WireError `json:"cause,omitempty"`
	ResumeToken []byte     `json:"resume_token,omitempty"`
	ReadTime    string     `json:"read_time,omitempty"`
}

type WireDocument struct {
	Name       string           `json:"name"`
	Fields     map[string]Value `json:"fields,omitempty"`
	CreateTime string           `json:"create_time,omitempty"`
	UpdateTime string           `json:"update_time,omitempty"`
}

type WireDocumentChange struct {
	Document         WireDocument `json:"document"`
	TargetIds        []int32      `json:"target_ids,omitempty"`
	RemovedTargetIds []int32      `json:"removed_target_ids,omitempty"`
}

type WireDocumentDelete struct {
	Document         string  `json:"document"`
	RemovedTargetIds []int32 `json:"removed_target_ids,omitempty"`
	ReadTime         string  `json:"read_time,omitempty"`
}

// the document still exists but no longer matches the target
type WireDocumentRemove struct {
	Document         string  `json:"document"`
	RemovedTargetIds []int32 `json:"removed_target_ids,omitempty"`
	ReadTime         string  `json:"read_time,omitempty"`
}

type WireExistenceFilter struct {
	TargetId       int32            `json:"target_id"`
	Count          int32            `json:"count"`
	UnchangedNames *WireBloomFilter `json:"unchanged_names,omitempty"`
}

type WireBloomFilter struct {
	Bits      WireBitSequence `json:"bits"`
	HashCount int32           `json:"hash_count"`
}

type WireBitSequence struct {
	Bitmap  []byte `json:"bitmap"`
	Padding int32  `json:"padding,omitempty"`
}

// a write request with no writes and the database set is the stream
// handshake. Subsequent requests echo the latest stream token.
type WriteRequest struct {
	Database    string      `json:"database,omitempty"`
	StreamToken []byte      `json:"stream_token,omitempty"`
	Writes      []WireWrite `json:"writes,omitempty"`
}

type WireWrite struct {
	Update           *WireDocument       `json:"update,omitempty"`
	Delete           string              `json:"delete,omitempty"`
	Verify           string              `json:"verify,omitempty"`
	UpdateMask       *WireDocumentMask   `json:"update_mask,omitempty"`
	UpdateTransforms []WireFieldTransform `json:"update_transforms,omitempty"`
	CurrentDocument  *WirePrecondition   `json:"current_document,omitempty"`
}

type WireDocumentMask struct {
	FieldPaths []string `json:"field_paths,omitempty"`
}

const WireServerValueRequestTime = "REQUEST_TIME"

type WireFieldTransform struct {
	FieldPath             string          `json:"field_path"`
	SetToServerValue      string          `json:"set_to_server_value,omitempty"`
	Increment             *Value          `json:"increment,omitempty"`
	AppendMissingElements *WireArrayValue `json:"append_missing_elements,omitempty"`
	RemoveAllFromArray    *WireArrayValue `json:"remove_all_from_array,omitempty"`
}

type WireArrayValue struct {
	Values []Value `json:"values,omitempty"`
}

type WirePrecondition struct {
	Exists     *bool  `json:"exists,omitempty"`
	UpdateTime string `json:"update_time,omitempty"`
}

type WriteResponse struct {
	StreamToken  []byte            `json:"stream_token,omitempty"`
	CommitTime   string            `json:"commit_time,omitempty"`
	WriteResults []WireWriteResult `json:"write_results,omitempty"`
}

type WireWriteResult struct {
	UpdateTime       string  `json:"update_time,omitempty"`
	TransformResults []Value `json:"transform_results,omitempty"`
}

type WireError struct {
	Code    int32  `json:"code"`
	Message string `json:"message,omitempty"`
}

func (self *WireError) Err() error {
	return NewStatusError(Code(self.Code), "%s", self.Message)
}

// translates between engine types and wire envelopes. Resource names are
// fully qualified under the database, e.g.
// projects/p/databases/d/documents/rooms/r1.
type Serializer struct {
	databaseId DatabaseId
}

func NewSerializer(databaseId DatabaseId) *Serializer {
	return &Serializer{
		databaseId: databaseId,
	}
}

func (self *Serializer) DatabaseName() string {
	return self.databaseId.String()
}

func (self *Serializer) EncodeKey(key DocumentKey) string {
	return fmt.Sprintf("%s/documents/%s", self.databaseId, key)
}

func (self *Serializer) DecodeKey(name string) (DocumentKey, error) {
	prefix := fmt.Sprintf("%s/documents/", self.databaseId)
	if !strings.HasPrefix(name, prefix) {
		return DocumentKey{}, fmt.Errorf("resource name outside database: %s", name)
	}
	return ParseDocumentKey(strings.TrimPrefix(name, prefix))
}

func (self *Serializer) EncodeVersion(version SnapshotVersion) string {
	if version.IsZero() {
		return ""
	}
	return version.Time().UTC().Format(time.RFC3339Nano)
}

func (self *Serializer) DecodeVersion(s string) (SnapshotVersion, error) {
	if s == "" {
		return SnapshotVersion{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return SnapshotVersion{}, err
	}
	return SnapshotVersionFromTime(t), nil
}

func (self *Serializer) EncodeDocument(key DocumentKey, data Value) WireDocument {
	return WireDocument{
		Name:   self.EncodeKey(key),
		Fields: data.MapVal,
	}
}

func (self *Serializer) DecodeDocument(wire WireDocument) (Document, error) {
	key, err := self.DecodeKey(wire.Name)
	if err != nil {
		return Document{}, err
	}
	version, err := self.DecodeVersion(wire.UpdateTime)
	if err != nil {
		return Document{}, err
	}
	fields := wire.Fields
	if fields == nil {
		fields = map[string]Value{}
	}
	return FoundDocument(key, version, MapValue(fields)), nil
}

func (self *Serializer) EncodeMutation(m Mutation) (WireWrite, error) {
	write := WireWrite{}
	switch m.Type {
	case MutationTypeSet:
		doc := self.EncodeDocument(m.Key, m.Value)
		write.Update = &doc
	case MutationTypePatch:
		doc := self.EncodeDocument(m.Key, m.Value)
		write.Update = &doc
		fieldPaths := make([]string, len(m.FieldMask))
		for i, path := range m.FieldMask {
			fieldPaths[i] = path.String()
		}
		write.UpdateMask = &WireDocumentMask{FieldPaths: fieldPaths}
	case MutationTypeDelete:
		write.Delete = self.EncodeKey(m.Key)
	case MutationTypeVerify:
		write.Verify = self.EncodeKey(m.Key)
	default:
		return WireWrite{}, fmt.Errorf("unknown mutation type %d", m.Type)
	}

	for _, transform := range m.Transforms {
		wireTransform := WireFieldTransform{
			FieldPath: transform.Path.String(),
		}
		switch transform.Type {
		case TransformTypeServerTimestamp:
			wireTransform.SetToServerValue = WireServerValueRequestTime
		case TransformTypeIncrement:
			operand := transform.Operand
			wireTransform.Increment = &operand
		case TransformTypeArrayUnion:
			wireTransform.AppendMissingElements = &WireArrayValue{Values: transform.Operand.ArrayVal}
		case TransformTypeArrayRemove:
			wireTransform.RemoveAllFromArray = &WireArrayValue{Values: transform.Operand.ArrayVal}
		default:
			return WireWrite{}, fmt.Errorf("unknown transform type %d", transform.Type)
		}
		write.UpdateTransforms = append(write.UpdateTransforms, wireTransform)
	}

	if !m.Precondition.IsNone() {
		precondition := &WirePrecondition{
			Exists: m.Precondition.Exists,
		}
		if m.Precondition.UpdateTime != nil {
			precondition.UpdateTime = self.EncodeVersion(*m.Precondition.UpdateTime)
		}
		write.CurrentDocument = precondition
	}
	return write, nil
}

// the commit version stands in for deletes, which carry no update time
func (self *Serializer) DecodeMutationResult(wire WireWriteResult, commitVersion SnapshotVersion) (MutationResult, error) {
	version, err := self.DecodeVersion(wire.UpdateTime)
	if err != nil {
		return MutationResult{}, err
	}
	if version.IsZero() {
		version = commitVersion
	}
	return MutationResult{
		Version:          version,
		TransformResults: wire.TransformResults,
	}, nil
}

// registers a target on the watch stream, resuming from its token when
// one is known
func (self *Serializer) EncodeTarget(targetData TargetData) WireTarget {
	wire := WireTarget{
		TargetId: targetData.TargetId,
	}
	if targetData.Target.IsDocumentQuery() {
		wire.Documents = []string{fmt.Sprintf("%s/documents/%s", self.databaseId, targetData.Target.Path)}
	} else {
		query := self.EncodeQuery(targetData.Target)
		wire.Query = &query
	}
	if 0 < len(targetData.ResumeToken) {
		wire.ResumeToken = targetData.ResumeToken
		wire.ExpectedCount = targetData.ExpectedCount
	} else if !targetData.SnapshotVersion.IsZero() {
		wire.ReadTime = self.EncodeVersion(targetData.SnapshotVersion)
		wire.ExpectedCount = targetData.ExpectedCount
	}
	return wire
}

func (self *Serializer) EncodeQuery(query Query) WireQuery {
	wire := WireQuery{}
	if query.IsCollectionGroupQuery() {
		wire.Parent = fmt.Sprintf("%s/documents/%s", self.databaseId, query.Path)
		wire.CollectionId = query.CollectionGroup
		wire.AllDescendants = true
	} else {
		wire.Parent = fmt.Sprintf("%s/documents/%s", self.databaseId, query.Path.PopLast())
		wire.CollectionId = query.Path.Last()
	}
	for _, filter := range query.Filters {
		wire.Filters = append(wire.Filters, WireFilter{
			FieldPath: filter.Field.String(),
			Op:        string(filter.Op),
			Value:     filter.Value,
		})
	}
	for _, orderBy := range query.NormalizedOrderBy() {
		direction := WireDirectionAscending
		if orderBy.Desc {
			direction = WireDirectionDescending
		}
		wire.OrderBy = append(wire.OrderBy, WireOrder{
			FieldPath: orderBy.Field.String(),
			Direction: direction,
		})
	}
	if query.HasLimit() {
		wire.Limit = query.Limit
	}
	if query.StartAt != nil {
		wire.StartAt = &WireBound{Values: query.StartAt.Position, Inclusive: query.StartAt.Inclusive}
	}
	if query.EndAt != nil {
		wire.EndAt = &WireBound{Values: query.EndAt.Position, Inclusive: query.EndAt.Inclusive}
	}
	return wire
}

func (self *Serializer) DecodeQuery(wire WireQuery) (Query, error) {
	prefix := fmt.Sprintf("%s/documents", self.databaseId)
	if wire.Parent != prefix && !strings.HasPrefix(wire.Parent, prefix+"/") {
		return Query{}, fmt.Errorf("query parent outside database: %s", wire.Parent)
	}
	parent, err := ParseResourcePath(strings.TrimPrefix(strings.TrimPrefix(wire.Parent, prefix), "/"))
	if err != nil {
		return Query{}, err
	}

	var query Query
	if wire.AllDescendants {
		query = NewCollectionGroupQuery(wire.CollectionId)
		query.Path = parent
	} else {
		query = NewQuery(parent.Append(wire.CollectionId))
	}
	for _, filter := range wire.Filters {
		field, err := ParseFieldPath(filter.FieldPath)
		if err != nil {
			return Query{}, err
		}
		query = query.WithFilter(NewFieldFilter(field, Operator(filter.Op), filter.Value))
	}
	for _, orderBy := range wire.OrderBy {
		field, err := ParseFieldPath(orderBy.FieldPath)
		if err != nil {
			return Query{}, err
		}
		// the implicit key ordering round trips, skip re-adding it
		if field.IsKeyField() && orderBy.Direction == WireDirectionAscending {
			continue
		}
		query = query.WithOrderBy(field, orderBy.Direction == WireDirectionDescending)
	}
	if 0 < wire.Limit {
		query = query.WithLimit(wire.Limit, LimitTypeFirst)
	}
	if wire.StartAt != nil {
		query = query.WithStartAt(Bound{Position: wire.StartAt.Values, Inclusive: wire.StartAt.Inclusive})
	}
	if wire.EndAt != nil {
		query = query.WithEndAt(Bound{Position: wire.EndAt.Values, Inclusive: wire.EndAt.Inclusive})
	}
	return query, nil
}

func (self *Serializer) DecodeBloomFilter(wire WireBloomFilter) (*BloomFilter, error) {
	return NewBloomFilter(wire.Bits.Bitmap, int(wire.Bits.Padding), int(wire.HashCount))
}

// maps one watch stream response to the aggregator's change model
func (self *Serializer) DecodeWatchChange(response ListenResponse) (WatchChange, error) {
	switch {
	case response.TargetChange != nil:
		wire := response.TargetChange
		var state WatchTargetChangeState
		switch wire.ChangeType {
		case WireTargetChangeNoChange:
			state = WatchTargetChangeStateNoChange
		case WireTargetChangeAdd:
			state = WatchTargetChangeStateAdded
		case WireTargetChangeRemove:
			state = WatchTargetChangeStateRemoved
		case WireTargetChangeCurrent:
			state = WatchTargetChangeStateCurrent
		case WireTargetChangeReset:
			state = WatchTargetChangeStateReset
		default:
			return nil, fmt.Errorf("unknown target change type %q", wire.ChangeType)
		}
		var cause error
		if wire.Cause != nil {
			cause = wire.Cause.Err()
		}
		readTime, err := self.DecodeVersion(wire.ReadTime)
		if err != nil {
			return nil, err
		}
		return &WatchTargetChange{
			State:       state,
			TargetIds:   wire.TargetIds,
			ResumeToken: wire.ResumeToken,
			Cause:       cause,
			ReadTime:    readTime,
		}, nil

	case response.DocumentChange != nil:
		wire := response.DocumentChange
		doc, err := self.DecodeDocument(wire.Document)
		if err != nil {
			return nil, err
		}
		return &WatchDocumentChange{
			UpdatedTargetIds: wire.TargetIds,
			RemovedTargetIds: wire.RemovedTargetIds,
			Key:              doc.Key,
			Document:         &doc,
		}, nil

	case response.DocumentDelete != nil:
		wire := response.DocumentDelete
		key, err := self.DecodeKey(wire.Document)
		if err != nil {
			return nil, err
		}
		readTime, err := self.DecodeVersion(wire.ReadTime)
		if err != nil {
			return nil, err
		}
		doc := NoDocument(key, readTime)
		return &WatchDocumentChange{
			RemovedTargetIds: wire.RemovedTargetIds,
			Key:              key,
			Document:         &doc,
		}, nil

	case response.DocumentRemove != nil:
		wire := response.DocumentRemove
		key, err := self.DecodeKey(wire.Document)
		if err != nil {
			return nil, err
		}
		return &WatchDocumentChange{
			RemovedTargetIds: wire.RemovedTargetIds,
			Key:              key,
		}, nil

	case response.Filter != nil:
		return &WatchExistenceFilterChange{
			TargetId: response.Filter.TargetId,
			Filter:   *response.Filter,
		}, nil

	default:
		return nil, fmt.Errorf("empty listen response")
	}
}

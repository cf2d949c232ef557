package docsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/mattn/go-sqlite3"
)

// durable persistence on sqlite. One database file can be shared by
// multiple processes: writes that affect shared state require the
// exclusive owner lease, which is a row refreshed under the same
// transaction that uses it.

type SqlitePersistenceSettings struct {
	Path string
	// identifies this instance in the owner lease row
	OwnerId       string
	LeaseDuration time.Duration
	// retries for transactions that lose a busy/locked race
	BusyRetries int
}

func DefaultSqlitePersistenceSettings(path string) *SqlitePersistenceSettings {
	return &SqlitePersistenceSettings{
		Path:          path,
		OwnerId:       NewId().String(),
		LeaseDuration: 5 * time.Second,
		BusyRetries:   3,
	}
}

type sqliteTransaction struct {
	label string
	mode  TransactionMode
	tx    *sql.Tx
}

func (self *sqliteTransaction) Label() string {
	return self.label
}

func (self *sqliteTransaction) Mode() TransactionMode {
	return self.mode
}

func sqliteTx(txn Transaction) (*sql.Tx, error) {
	sqliteTxn, ok := txn.(*sqliteTransaction)
	if !ok {
		return nil, fmt.Errorf("transaction from a different persistence: %s", txn.Label())
	}
	return sqliteTxn.tx, nil
}

type SqlitePersistence struct {
	settings *SqlitePersistenceSettings
	db       *sql.DB

	// sqlite allows one writer, serializing here avoids busy churn
	writeMutex sync.Mutex
}

func NewSqlitePersistence(settings *SqlitePersistenceSettings) (*SqlitePersistence, error) {
	db, err := sql.Open("sqlite3", settings.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	persistence := &SqlitePersistence{
		settings: settings,
		db:       db,
	}
	if err := persistence.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return persistence, nil
}

func (self *SqlitePersistence) createSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS mutation_batches (
			user TEXT NOT NULL,
			batch_id INTEGER NOT NULL,
			batch_json TEXT NOT NULL,
			PRIMARY KEY (user, batch_id)
		)`,
		`CREATE TABLE IF NOT EXISTS document_mutations (
			user TEXT NOT NULL,
			path TEXT NOT NULL,
			batch_id INTEGER NOT NULL,
			PRIMARY KEY (user, path, batch_id)
		)`,
		`CREATE TABLE IF NOT EXISTS document_overlays (
			user TEXT NOT NULL,
			path TEXT NOT NULL,
			collection_path TEXT NOT NULL,
			collection_id TEXT NOT NULL,
			largest_batch_id INTEGER NOT NULL,
			mutation_json TEXT NOT NULL,
			PRIMARY KEY (user, path)
		)`,
		`CREATE TABLE IF NOT EXISTS remote_documents (
			path TEXT NOT NULL PRIMARY KEY,
			collection_path TEXT NOT NULL,
			collection_id TEXT NOT NULL,
			doc_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS targets (
			canonical_id TEXT NOT NULL PRIMARY KEY,
			target_id INTEGER NOT NULL,
			target_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS target_documents (
			target_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			PRIMARY KEY (target_id, path)
		)`,
		`CREATE TABLE IF NOT EXISTS target_globals (
			id INTEGER NOT NULL PRIMARY KEY CHECK (id = 0),
			highest_target_id INTEGER NOT NULL,
			highest_sequence_number INTEGER NOT NULL,
			last_snapshot_seconds INTEGER NOT NULL,
			last_snapshot_nanos INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collection_parents (
			collection_id TEXT NOT NULL,
			parent TEXT NOT NULL,
			PRIMARY KEY (collection_id, parent)
		)`,
		`CREATE TABLE IF NOT EXISTS bundles (
			bundle_id TEXT NOT NULL PRIMARY KEY,
			metadata_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS named_queries (
			name TEXT NOT NULL PRIMARY KEY,
			query_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS owner (
			id INTEGER NOT NULL PRIMARY KEY CHECK (id = 0),
			owner_id TEXT NOT NULL,
			lease_expiry INTEGER NOT NULL
		)`,
	}
	for _, statement := range schema {
		if _, err := self.db.Exec(statement); err != nil {
			return err
		}
	}
	if _, err := self.db.Exec(
		`INSERT OR IGNORE INTO target_globals (id, highest_target_id, highest_sequence_number, last_snapshot_seconds, last_snapshot_nanos)
			VALUES (0, 0, 0, 0, 0)`,
	); err != nil {
		return err
	}
	return nil
}

func isBusyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func (self *SqlitePersistence) RunTransaction(ctx context.Context, label string, mode TransactionMode, fn func(txn Transaction) error) error {
	var err error
	for attempt := 0; attempt <= self.settings.BusyRetries; attempt += 1 {
		err = self.runTransactionOnce(ctx, label, mode, fn)
		if err == nil || !isBusyError(err) {
			return err
		}
		glog.V(1).Infof("[sqlite]%s busy, retry %d\n", label, attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return NewRetryableError(err)
}

func (self *SqlitePersistence) runTransactionOnce(ctx context.Context, label string, mode TransactionMode, fn func(txn Transaction) error) error {
	write := mode != TransactionModeReadonly
	if write {
		self.writeMutex.Lock()
		defer self.writeMutex.Unlock()
	}

	tx, err := self.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: !write})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if mode == TransactionModeReadwritePrimary {
		if err := self.ensureLease(tx); err != nil {
			return err
		}
	}

	glog.V(2).Infof("[sqlite]txn %s\n", label)
	if err := fn(&sqliteTransaction{label: label, mode: mode, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// the lease is checked and refreshed inside the transaction that needs
// it, so two instances can never both hold it for the same commit
func (self *SqlitePersistence) ensureLease(tx *sql.Tx) error {
	now := time.Now().UnixMilli()

	var ownerId string
	var leaseExpiry int64
	err := tx.QueryRow(`SELECT owner_id, lease_expiry FROM owner WHERE id = 0`).Scan(&ownerId, &leaseExpiry)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && ownerId != self.settings.OwnerId && now < leaseExpiry {
		glog.V(1).Infof("[sqlite]lease held by %s\n", ownerId)
		return ErrPrimaryLeaseLost
	}

	expiry := now + self.settings.LeaseDuration.Milliseconds()
	_, err = tx.Exec(
		`INSERT INTO owner (id, owner_id, lease_expiry) VALUES (0, ?, ?)
			ON CONFLICT (id) DO UPDATE SET owner_id = ?, lease_expiry = ?`,
		self.settings.OwnerId, expiry, self.settings.OwnerId, expiry,
	)
	return err
}

func (self *SqlitePersistence) MutationQueue(user User) MutationQueue {
	return &sqliteMutationQueue{persistence: self, user: user}
}

func (self *SqlitePersistence) DocumentOverlayCache(user User) DocumentOverlayCache {
	return &sqliteDocumentOverlayCache{persistence: self, user: user}
}

func (self *SqlitePersistence) RemoteDocumentCache() RemoteDocumentCache {
	return &sqliteRemoteDocumentCache{persistence: self}
}

func (self *SqlitePersistence) TargetCache() TargetCache {
	return &sqliteTargetCache{persistence: self}
}

// collection parents persist. Field indexes are a per-session
// acceleration and live in memory, rebuilt as documents are read.
func (self *SqlitePersistence) IndexManager(user User) IndexManager {
	return &sqliteIndexManager{
		persistence: self,
		fields:      newMemoryIndexManager(),
	}
}

func (self *SqlitePersistence) BundleCache() BundleCache {
	return &sqliteBundleCache{persistence: self}
}

func (self *SqlitePersistence) Close() error {
	return self.db.Close()
}

// stored json codecs. Rows carry self-contained json so the schema stays
// stable while the engine types evolve.

type storedVersion struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func versionToStored(version SnapshotVersion) storedVersion {
	return storedVersion{Seconds: version.Seconds, Nanos: version.Nanos}
}

func versionFromStored(stored storedVersion) SnapshotVersion {
	return SnapshotVersion{Seconds: stored.Seconds, Nanos: stored.Nanos}
}

type storedTransform struct {
	Path    string `json:"path"`
	Type    int    `json:"type"`
	Operand *Value `json:"operand,omitempty"`
}

type storedMutation struct {
	Type                   int               `json:"type"`
	Path                   string            `json:"path"`
	Value                  *Value            `json:"value,omitempty"`
	FieldMask              []string          `json:"field_mask,omitempty"`
	Transforms             []storedTransform `json:"transforms,omitempty"`
	PreconditionExists     *bool             `json:"precondition_exists,omitempty"`
	PreconditionUpdateTime *storedVersion    `json:"precondition_update_time,omitempty"`
}

func mutationToStored(m Mutation) storedMutation {
	stored := storedMutation{
		Type: int(m.Type),
		Path: m.Key.String(),
	}
	if m.Type == MutationTypeSet || m.Type == MutationTypePatch {
		value := m.Value
		stored.Value = &value
	}
	for _, path := range m.FieldMask {
		stored.FieldMask = append(stored.FieldMask, path.String())
	}
	for _, transform := range m.Transforms {
		storedT := storedTransform{
			Path: transform.Path.String(),
			Type: int(transform.Type),
		}
		if transform.Type != TransformTypeServerTimestamp {
			operand := transform.Operand
			storedT.Operand = &operand
		}
		stored.Transforms = append(stored.Transforms, storedT)
	}
	stored.PreconditionExists = m.Precondition.Exists
	if m.Precondition.UpdateTime != nil {
		v := versionToStored(*m.Precondition.UpdateTime)
		stored.PreconditionUpdateTime = &v
	}
	return stored
}

func mutationFromStored(stored storedMutation) (Mutation, error) {
	key, err := ParseDocumentKey(stored.Path)
	if err != nil {
		return Mutation{}, err
	}
	m := Mutation{
		Type: MutationType(stored.Type),
		Key:  key,
	}
	if stored.Value != nil {
		m.Value = *stored.Value
	}
	for _, path := range stored.FieldMask {
		fieldPath, err := ParseFieldPath(path)
		if err != nil {
			return Mutation{}, err
		}
		m.FieldMask = append(m.FieldMask, fieldPath)
	}
	for _, storedT := range stored.Transforms {
		fieldPath, err := ParseFieldPath(storedT.Path)
		if err != nil {
			return Mutation{}, err
		}
		transform := FieldTransform{
			Path: fieldPath,
			Type: TransformType(storedT.Type),
		}
		if storedT.Operand != nil {
			transform.Operand = *storedT.Operand
		}
		m.Transforms = append(m.Transforms, transform)
	}
	m.Precondition.Exists = stored.PreconditionExists
	if stored.PreconditionUpdateTime != nil {
		version := versionFromStored(*stored.PreconditionUpdateTime)
		m.Precondition.UpdateTime = &version
	}
	return m, nil
}

type storedBatch struct {
	BatchId        int64            `json:"batch_id"`
	LocalWriteTime int64            `json:"local_write_time"`
	BaseMutations  []storedMutation `json:"base_mutations,omitempty"`
	Mutations      []storedMutation `json:"mutations"`
}

func batchToStored(batch MutationBatch) storedBatch {
	stored := storedBatch{
		BatchId:        batch.BatchId,
		LocalWriteTime: batch.LocalWriteTime.UnixNano(),
	}
	for _, m := range batch.BaseMutations {
		stored.BaseMutations = append(stored.BaseMutations, mutationToStored(m))
	}
	for _, m := range batch.Mutations {
		stored.Mutations = append(stored.Mutations, mutationToStored(m))
	}
	return stored
}

func batchFromStored(stored storedBatch) (MutationBatch, error) {
	batch := MutationBatch{
		BatchId:        stored.BatchId,
		LocalWriteTime: time.Unix(0, stored.LocalWriteTime),
	}
	for _, storedM := range stored.BaseMutations {
		m, err := mutationFromStored(storedM)
		if err != nil {
			return MutationBatch{}, err
		}
		batch.BaseMutations = append(batch.BaseMutations, m)
	}
	for _, storedM := range stored.Mutations {
		m, err := mutationFromStored(storedM)
		if err != nil {
			return MutationBatch{}, err
		}
		batch.Mutations = append(batch.Mutations, m)
	}
	return batch, nil
}

type storedDocument struct {
	Path     string        `json:"path"`
	Type     int           `json:"type"`
	Version  storedVersion `json:"version"`
	ReadTime storedVersion `json:"read_time"`
	Data     *Value        `json:"data,omitempty"`
	// HasCommittedMutations survives restarts, local mutation state is
	// recomputed from overlays
	Committed bool `json:"committed,omitempty"`
}

func documentToStored(doc Document) storedDocument {
	stored := storedDocument{
		Path:      doc.Key.String(),
		Type:      int(doc.DocumentType),
		Version:   versionToStored(doc.Version),
		ReadTime:  versionToStored(doc.ReadTime),
		Committed: doc.HasCommittedMutations(),
	}
	if doc.IsFoundDocument() {
		data := doc.Data
		stored.Data = &data
	}
	return stored
}

func documentFromStored(stored storedDocument) (Document, error) {
	key, err := ParseDocumentKey(stored.Path)
	if err != nil {
		return Document{}, err
	}
	version := versionFromStored(stored.Version)
	var doc Document
	switch DocumentType(stored.Type) {
	case DocumentTypeFound:
		data := MapValue(nil)
		if stored.Data != nil {
			data = *stored.Data
		}
		doc = FoundDocument(key, version, data)
	case DocumentTypeNoDocument:
		doc = NoDocument(key, version)
	case DocumentTypeUnknown:
		doc = UnknownDocument(key, version)
	default:
		doc = InvalidDocument(key)
	}
	if stored.Committed {
		doc = doc.WithCommittedMutations()
	}
	return doc.WithReadTime(versionFromStored(stored.ReadTime)), nil
}

type storedFilter struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value Value  `json:"value"`
}

type storedOrder struct {
	Path string `json:"path"`
	Desc bool   `json:"desc,omitempty"`
}

type storedBound struct {
	Position  []Value `json:"position"`
	Inclusive bool    `json:"inclusive,omitempty"`
}

type storedQuery struct {
	Path            string         `json:"path"`
	CollectionGroup string         `json:"collection_group,omitempty"`
	Filters         []storedFilter `json:"filters,omitempty"`
	OrderBy         []storedOrder  `json:"order_by,omitempty"`
	Limit           int64          `json:"limit,omitempty"`
	LimitType       int            `json:"limit_type,omitempty"`
	StartAt         *storedBound   `json:"start_at,omitempty"`
	EndAt           *storedBound   `json:"end_at,omitempty"`
}

func queryToStored(query Query) storedQuery {
	stored := storedQuery{
		Path:            query.Path.String(),
		CollectionGroup: query.CollectionGroup,
		Limit:           query.Limit,
		LimitType:       int(query.LimitType),
	}
	for _, filter := range query.Filters {
		stored.Filters = append(stored.Filters, storedFilter{
			Path:  filter.Field.String(),
			Op:    string(filter.Op),
			Value: filter.Value,
		})
	}
	for _, orderBy := range query.Explicit {
		stored.OrderBy = append(stored.OrderBy, storedOrder{
			Path: orderBy.Field.String(),
			Desc: orderBy.Desc,
		})
	}
	if query.StartAt != nil {
		stored.StartAt = &storedBound{Position: query.StartAt.Position, Inclusive: query.StartAt.Inclusive}
	}
	if query.EndAt != nil {
		stored.EndAt = &storedBound{Position: query.EndAt.Position, Inclusive: query.EndAt.Inclusive}
	}
	return stored
}

func queryFromStored(stored storedQuery) (Query, error) {
	path, err := ParseResourcePath(stored.Path)
	if err != nil {
		return Query{}, err
	}
	query := Query{
		Path:            path,
		CollectionGroup: stored.CollectionGroup,
		Limit:           stored.Limit,
		LimitType:       LimitType(stored.LimitType),
	}
	for _, filter := range stored.Filters {
		fieldPath, err := ParseFieldPath(filter.Path)
		if err != nil {
			return Query{}, err
		}
		query.Filters = append(query.Filters, NewFieldFilter(fieldPath, Operator(filter.Op), filter.Value))
	}
	for _, orderBy := range stored.OrderBy {
		fieldPath, err := ParseFieldPath(orderBy.Path)
		if err != nil {
			return Query{}, err
		}
		query.Explicit = append(query.Explicit, OrderBy{Field: fieldPath, Desc: orderBy.Desc})
	}
	if stored.StartAt != nil {
		query.StartAt = &Bound{Position: stored.StartAt.Position, Inclusive: stored.StartAt.Inclusive}
	}
	if stored.EndAt != nil {
		query.EndAt = &Bound{Position: stored.EndAt.Position, Inclusive: stored.EndAt.Inclusive}
	}
	return query, nil
}

type storedTargetData struct {
	Query                        storedQuery   `json:"query"`
	TargetId                     int32         `json:"target_id"`
	Purpose                      int           `json:"purpose"`
	SequenceNumber               int64         `json:"sequence_number"`
	SnapshotVersion              storedVersion `json:"snapshot_version"`
	LastLimboFreeSnapshotVersion storedVersion `json:"last_limbo_free_snapshot_version"`
	ResumeToken                  []byte        `json:"resume_token,omitempty"`
}

func targetDataToStored(targetData TargetData) storedTargetData {
	return storedTargetData{
		Query:                        queryToStored(targetData.Target),
		TargetId:                     targetData.TargetId,
		Purpose:                      int(targetData.Purpose),
		SequenceNumber:               targetData.SequenceNumber,
		SnapshotVersion:              versionToStored(targetData.SnapshotVersion),
		LastLimboFreeSnapshotVersion: versionToStored(targetData.LastLimboFreeSnapshotVersion),
		ResumeToken:                  targetData.ResumeToken,
	}
}

func targetDataFromStored(stored storedTargetData) (TargetData, error) {
	query, err := queryFromStored(stored.Query)
	if err != nil {
		return TargetData{}, err
	}
	return TargetData{
		Target:                       query,
		TargetId:                     stored.TargetId,
		Purpose:                      TargetPurpose(stored.Purpose),
		SequenceNumber:               stored.SequenceNumber,
		SnapshotVersion:              versionFromStored(stored.SnapshotVersion),
		LastLimboFreeSnapshotVersion: versionFromStored(stored.LastLimboFreeSnapshotVersion),
		ResumeToken:                  stored.ResumeToken,
	}, nil
}

// mutation queue

type sqliteMutationQueue struct {
	persistence *SqlitePersistence
	user        User
}

func (self *sqliteMutationQueue) AddBatch(txn Transaction, localWriteTime time.Time, baseMutations []Mutation, mutations []Mutation) (MutationBatch, error) {
	if err := requireWrite(txn); err != nil {
		return MutationBatch{}, err
	}
	if len(mutations) == 0 {
		return MutationBatch{}, fmt.Errorf("mutation batch must not be empty")
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return MutationBatch{}, err
	}

	var maxBatchId sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(batch_id) FROM mutation_batches WHERE user = ?`, string(self.user),
	).Scan(&maxBatchId); err != nil {
		return MutationBatch{}, err
	}
	batch := MutationBatch{
		BatchId:        maxBatchId.Int64 + 1,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}

	batchJson, err := json.Marshal(batchToStored(batch))
	if err != nil {
		return MutationBatch{}, err
	}
	if _, err := tx.Exec(
		`INSERT INTO mutation_batches (user, batch_id, batch_json) VALUES (?, ?, ?)`,
		string(self.user), batch.BatchId, string(batchJson),
	); err != nil {
		return MutationBatch{}, err
	}
	for key := range batch.Keys() {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO document_mutations (user, path, batch_id) VALUES (?, ?, ?)`,
			string(self.user), key.String(), batch.BatchId,
		); err != nil {
			return MutationBatch{}, err
		}
	}
	return batch, nil
}

func (self *sqliteMutationQueue) scanBatches(rows *sql.Rows) ([]MutationBatch, error) {
	defer rows.Close()

	batches := []MutationBatch{}
	for rows.Next() {
		var batchJson string
		if err := rows.Scan(&batchJson); err != nil {
			return nil, err
		}
		stored := storedBatch{}
		if err := json.Unmarshal([]byte(batchJson), &stored); err != nil {
			return nil, err
		}
		batch, err := batchFromStored(stored)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func (self *sqliteMutationQueue) queryOneBatch(tx *sql.Tx, query string, args ...any) (*MutationBatch, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	batches, err := self.scanBatches(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return &batches[0], nil
}

func (self *sqliteMutationQueue) LookupBatch(txn Transaction, batchId int64) (*MutationBatch, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	return self.queryOneBatch(tx,
		`SELECT batch_json FROM mutation_batches WHERE user = ? AND batch_id = ?`,
		string(self.user), batchId,
	)
}

func (self *sqliteMutationQueue) NextBatchAfter(txn Transaction, batchId int64) (*MutationBatch, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	return self.queryOneBatch(tx,
		`SELECT batch_json FROM mutation_batches WHERE user = ? AND batch_id > ? ORDER BY batch_id ASC LIMIT 1`,
		string(self.user), batchId,
	)
}

func (self *sqliteMutationQueue) HighestUnacknowledgedBatchId(txn Transaction) (int64, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return -1, err
	}
	var maxBatchId sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(batch_id) FROM mutation_batches WHERE user = ?`, string(self.user),
	).Scan(&maxBatchId); err != nil {
		return -1, err
	}
	if !maxBatchId.Valid {
		return -1, nil
	}
	return maxBatchId.Int64, nil
}

func (self *sqliteMutationQueue) AllBatches(txn Transaction) ([]MutationBatch, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(
		`SELECT batch_json FROM mutation_batches WHERE user = ? ORDER BY batch_id ASC`,
		string(self.user),
	)
	if err != nil {
		return nil, err
	}
	return self.scanBatches(rows)
}

func (self *sqliteMutationQueue) BatchesAffectingKey(txn Transaction, key DocumentKey) ([]MutationBatch, error) {
	return self.BatchesAffectingKeys(txn, NewDocumentKeySet(key))
}

func (self *sqliteMutationQueue) BatchesAffectingKeys(txn Transaction, keys DocumentKeySet) ([]MutationBatch, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}

	batchIds := map[int64]bool{}
	for key := range keys {
		rows, err := tx.Query(
			`SELECT batch_id FROM document_mutations WHERE user = ? AND path = ?`,
			string(self.user), key.String(),
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var batchId int64
			if err := rows.Scan(&batchId); err != nil {
				rows.Close()
				return nil, err
			}
			batchIds[batchId] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	batches := []MutationBatch{}
	all, err := self.AllBatches(txn)
	if err != nil {
		return nil, err
	}
	for _, batch := range all {
		if batchIds[batch.BatchId] {
			batches = append(batches, batch)
		}
	}
	return batches, nil
}

func (self *sqliteMutationQueue) BatchesAffectingQuery(txn Transaction, query Query) ([]MutationBatch, error) {
	all, err := self.AllBatches(txn)
	if err != nil {
		return nil, err
	}
	affecting := []MutationBatch{}
	for _, batch := range all {
		for _, m := range batch.Mutations {
			if query.IsCollectionGroupQuery() {
				if m.Key.HasCollectionId(query.CollectionGroup) {
					affecting = append(affecting, batch)
					break
				}
			} else if CompareResourcePaths(m.Key.CollectionPath(), query.Path) == 0 {
				affecting = append(affecting, batch)
				break
			}
		}
	}
	return affecting, nil
}

func (self *sqliteMutationQueue) RemoveBatch(txn Transaction, batch MutationBatch) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}

	var oldestBatchId sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MIN(batch_id) FROM mutation_batches WHERE user = ?`, string(self.user),
	).Scan(&oldestBatchId); err != nil {
		return err
	}
	if !oldestBatchId.Valid || oldestBatchId.Int64 != batch.BatchId {
		return fmt.Errorf("can only remove the oldest mutation batch (oldest=%d, removing=%d)",
			oldestBatchId.Int64, batch.BatchId)
	}

	if _, err := tx.Exec(
		`DELETE FROM mutation_batches WHERE user = ? AND batch_id = ?`,
		string(self.user), batch.BatchId,
	); err != nil {
		return err
	}
	_, err = tx.Exec(
		`DELETE FROM document_mutations WHERE user = ? AND batch_id = ?`,
		string(self.user), batch.BatchId,
	)
	return err
}

func (self *sqliteMutationQueue) IsEmpty(txn Transaction) (bool, error) {
	highest, err := self.HighestUnacknowledgedBatchId(txn)
	if err != nil {
		return false, err
	}
	return highest < 0, nil
}

// remote document cache

type sqliteRemoteDocumentCache struct {
	persistence *SqlitePersistence
}

func (self *sqliteRemoteDocumentCache) Add(txn Transaction, doc Document, readTime SnapshotVersion) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	docJson, err := json.Marshal(documentToStored(doc.WithReadTime(readTime)))
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO remote_documents (path, collection_path, collection_id, doc_json) VALUES (?, ?, ?, ?)
			ON CONFLICT (path) DO UPDATE SET collection_path = ?, collection_id = ?, doc_json = ?`,
		doc.Key.String(), doc.Key.CollectionPath().String(), doc.Key.CollectionId(), string(docJson),
		doc.Key.CollectionPath().String(), doc.Key.CollectionId(), string(docJson),
	)
	return err
}

func (self *sqliteRemoteDocumentCache) Remove(txn Transaction, key DocumentKey) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`DELETE FROM remote_documents WHERE path = ?`, key.String())
	return err
}

func (self *sqliteRemoteDocumentCache) Get(txn Transaction, key DocumentKey) (Document, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return Document{}, err
	}
	var docJson string
	err = tx.QueryRow(`SELECT doc_json FROM remote_documents WHERE path = ?`, key.String()).Scan(&docJson)
	if err == sql.ErrNoRows {
		return InvalidDocument(key), nil
	}
	if err != nil {
		return Document{}, err
	}
	return decodeStoredDocument(docJson)
}

func decodeStoredDocument(docJson string) (Document, error) {
	stored := storedDocument{}
	if err := json.Unmarshal([]byte(docJson), &stored); err != nil {
		return Document{}, err
	}
	return documentFromStored(stored)
}

func (self *sqliteRemoteDocumentCache) GetAll(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Document, error) {
	docs := make(map[DocumentKey]Document, len(keys))
	for key := range keys {
		doc, err := self.Get(txn, key)
		if err != nil {
			return nil, err
		}
		docs[key] = doc
	}
	return docs, nil
}

func (self *sqliteRemoteDocumentCache) scanDocuments(rows *sql.Rows, offset IndexOffset) (map[DocumentKey]Document, error) {
	defer rows.Close()

	docs := map[DocumentKey]Document{}
	for rows.Next() {
		var docJson string
		if err := rows.Scan(&docJson); err != nil {
			return nil, err
		}
		doc, err := decodeStoredDocument(docJson)
		if err != nil {
			return nil, err
		}
		if !offset.comesBefore(doc) {
			continue
		}
		docs[doc.Key] = doc
	}
	return docs, rows.Err()
}

func (self *sqliteRemoteDocumentCache) GetAllFromCollection(txn Transaction, collection ResourcePath, offset IndexOffset) (map[DocumentKey]Document, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(
		`SELECT doc_json FROM remote_documents WHERE collection_path = ?`, collection.String(),
	)
	if err != nil {
		return nil, err
	}
	return self.scanDocuments(rows, offset)
}

func (self *sqliteRemoteDocumentCache) GetAllFromCollectionGroup(txn Transaction, collectionGroup string, offset IndexOffset) (map[DocumentKey]Document, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(
		`SELECT doc_json FROM remote_documents WHERE collection_id = ?`, collectionGroup,
	)
	if err != nil {
		return nil, err
	}
	return self.scanDocuments(rows, offset)
}

// document overlay cache

type sqliteDocumentOverlayCache struct {
	persistence *SqlitePersistence
	user        User
}

func (self *sqliteDocumentOverlayCache) GetOverlay(txn Transaction, key DocumentKey) (*Overlay, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	var largestBatchId int64
	var mutationJson string
	err = tx.QueryRow(
		`SELECT largest_batch_id, mutation_json FROM document_overlays WHERE user = ? AND path = ?`,
		string(self.user), key.String(),
	).Scan(&largestBatchId, &mutationJson)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeStoredOverlay(largestBatchId, mutationJson)
}

func decodeStoredOverlay(largestBatchId int64, mutationJson string) (*Overlay, error) {
	stored := storedMutation{}
	if err := json.Unmarshal([]byte(mutationJson), &stored); err != nil {
		return nil, err
	}
	m, err := mutationFromStored(stored)
	if err != nil {
		return nil, err
	}
	return &Overlay{LargestBatchId: largestBatchId, Mutation: m}, nil
}

func (self *sqliteDocumentOverlayCache) GetOverlays(txn Transaction, keys DocumentKeySet) (map[DocumentKey]Overlay, error) {
	overlays := map[DocumentKey]Overlay{}
	for key := range keys {
		overlay, err := self.GetOverlay(txn, key)
		if err != nil {
			return nil, err
		}
		if overlay != nil {
			overlays[key] = *overlay
		}
	}
	return overlays, nil
}

func (self *sqliteDocumentOverlayCache) SaveOverlays(txn Transaction, largestBatchId int64, overlays map[DocumentKey]*Mutation) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	for key, mutation := range overlays {
		if mutation == nil {
			if _, err := tx.Exec(
				`DELETE FROM document_overlays WHERE user = ? AND path = ?`,
				string(self.user), key.String(),
			); err != nil {
				return err
			}
			continue
		}
		mutationJson, err := json.Marshal(mutationToStored(*mutation))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO document_overlays (user, path, collection_path, collection_id, largest_batch_id, mutation_json)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (user, path) DO UPDATE SET largest_batch_id = ?, mutation_json = ?`,
			string(self.user), key.String(), key.CollectionPath().String(), key.CollectionId(),
			largestBatchId, string(mutationJson),
			largestBatchId, string(mutationJson),
		); err != nil {
			return err
		}
	}
	return nil
}

func (self *sqliteDocumentOverlayCache) RemoveOverlaysForBatchId(txn Transaction, batchId int64) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`DELETE FROM document_overlays WHERE user = ? AND largest_batch_id = ?`,
		string(self.user), batchId,
	)
	return err
}

func (self *sqliteDocumentOverlayCache) scanOverlays(rows *sql.Rows) (map[DocumentKey]Overlay, error) {
	defer rows.Close()

	overlays := map[DocumentKey]Overlay{}
	for rows.Next() {
		var path string
		var largestBatchId int64
		var mutationJson string
		if err := rows.Scan(&path, &largestBatchId, &mutationJson); err != nil {
			return nil, err
		}
		key, err := ParseDocumentKey(path)
		if err != nil {
			return nil, err
		}
		overlay, err := decodeStoredOverlay(largestBatchId, mutationJson)
		if err != nil {
			return nil, err
		}
		overlays[key] = *overlay
	}
	return overlays, rows.Err()
}

func (self *sqliteDocumentOverlayCache) GetOverlaysForCollection(txn Transaction, collection ResourcePath, sinceBatchId int64) (map[DocumentKey]Overlay, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(
		`SELECT path, largest_batch_id, mutation_json FROM document_overlays
			WHERE user = ? AND collection_path = ? AND largest_batch_id > ?`,
		string(self.user), collection.String(), sinceBatchId,
	)
	if err != nil {
		return nil, err
	}
	return self.scanOverlays(rows)
}

func (self *sqliteDocumentOverlayCache) GetOverlaysForCollectionGroup(txn Transaction, collectionGroup string, sinceBatchId int64) (map[DocumentKey]Overlay, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(
		`SELECT path, largest_batch_id, mutation_json FROM document_overlays
			WHERE user = ? AND collection_id = ? AND largest_batch_id > ?`,
		string(self.user), collectionGroup, sinceBatchId,
	)
	if err != nil {
		return nil, err
	}
	return self.scanOverlays(rows)
}

// target cache

type sqliteTargetCache struct {
	persistence *SqlitePersistence
}

func (self *sqliteTargetCache) AllocateTargetId(txn Transaction) (int32, error) {
	if err := requireWrite(txn); err != nil {
		return 0, err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return 0, err
	}
	var highestTargetId int32
	if err := tx.QueryRow(`SELECT highest_target_id FROM target_globals WHERE id = 0`).Scan(&highestTargetId); err != nil {
		return 0, err
	}
	targetId := newListenTargetIdGenerator(highestTargetId).Next()
	if _, err := tx.Exec(`UPDATE target_globals SET highest_target_id = ? WHERE id = 0`, targetId); err != nil {
		return 0, err
	}
	return targetId, nil
}

func (self *sqliteTargetCache) AddTargetData(txn Transaction, targetData TargetData) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	targetJson, err := json.Marshal(targetDataToStored(targetData))
	if err != nil {
		return err
	}
	canonicalId := targetData.Target.CanonicalId()
	if _, err := tx.Exec(
		`INSERT INTO targets (canonical_id, target_id, target_json) VALUES (?, ?, ?)
			ON CONFLICT (canonical_id) DO UPDATE SET target_id = ?, target_json = ?`,
		canonicalId, targetData.TargetId, string(targetJson),
		targetData.TargetId, string(targetJson),
	); err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE target_globals SET
			highest_target_id = MAX(highest_target_id, ?),
			highest_sequence_number = MAX(highest_sequence_number, ?)
			WHERE id = 0`,
		targetData.TargetId, targetData.SequenceNumber,
	)
	return err
}

func (self *sqliteTargetCache) UpdateTargetData(txn Transaction, targetData TargetData) error {
	return self.AddTargetData(txn, targetData)
}

func (self *sqliteTargetCache) RemoveTargetData(txn Transaction, targetData TargetData) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM targets WHERE canonical_id = ?`, targetData.Target.CanonicalId()); err != nil {
		return err
	}
	_, err = tx.Exec(`DELETE FROM target_documents WHERE target_id = ?`, targetData.TargetId)
	return err
}

func (self *sqliteTargetCache) GetTargetData(txn Transaction, target Query) (*TargetData, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	var targetJson string
	err = tx.QueryRow(
		`SELECT target_json FROM targets WHERE canonical_id = ?`, target.CanonicalId(),
	).Scan(&targetJson)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stored := storedTargetData{}
	if err := json.Unmarshal([]byte(targetJson), &stored); err != nil {
		return nil, err
	}
	targetData, err := targetDataFromStored(stored)
	if err != nil {
		return nil, err
	}
	return &targetData, nil
}

func (self *sqliteTargetCache) TargetCount(txn Transaction) (int, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.QueryRow(`SELECT COUNT(*) FROM targets`).Scan(&count)
	return count, err
}

func (self *sqliteTargetCache) ForEachTarget(txn Transaction, fn func(targetData TargetData)) error {
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	rows, err := tx.Query(`SELECT target_json FROM targets`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var targetJson string
		if err := rows.Scan(&targetJson); err != nil {
			return err
		}
		stored := storedTargetData{}
		if err := json.Unmarshal([]byte(targetJson), &stored); err != nil {
			return err
		}
		targetData, err := targetDataFromStored(stored)
		if err != nil {
			return err
		}
		fn(targetData)
	}
	return rows.Err()
}

func (self *sqliteTargetCache) AddMatchingKeys(txn Transaction, keys DocumentKeySet, targetId int32) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	for key := range keys {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO target_documents (target_id, path) VALUES (?, ?)`,
			targetId, key.String(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (self *sqliteTargetCache) RemoveMatchingKeys(txn Transaction, keys DocumentKeySet, targetId int32) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	for key := range keys {
		if _, err := tx.Exec(
			`DELETE FROM target_documents WHERE target_id = ? AND path = ?`,
			targetId, key.String(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (self *sqliteTargetCache) RemoveMatchingKeysForTargetId(txn Transaction, targetId int32) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`DELETE FROM target_documents WHERE target_id = ?`, targetId)
	return err
}

func (self *sqliteTargetCache) GetMatchingKeys(txn Transaction, targetId int32) (DocumentKeySet, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(`SELECT path FROM target_documents WHERE target_id = ?`, targetId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := NewDocumentKeySet()
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		key, err := ParseDocumentKey(path)
		if err != nil {
			return nil, err
		}
		keys.Add(key)
	}
	return keys, rows.Err()
}

func (self *sqliteTargetCache) ContainsKey(txn Transaction, key DocumentKey) (bool, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return false, err
	}
	var count int
	err = tx.QueryRow(`SELECT COUNT(*) FROM target_documents WHERE path = ?`, key.String()).Scan(&count)
	return 0 < count, err
}

func (self *sqliteTargetCache) HighestTargetId(txn Transaction) (int32, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return 0, err
	}
	var highestTargetId int32
	err = tx.QueryRow(`SELECT highest_target_id FROM target_globals WHERE id = 0`).Scan(&highestTargetId)
	return highestTargetId, err
}

func (self *sqliteTargetCache) HighestSequenceNumber(txn Transaction) (int64, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return 0, err
	}
	var highestSequenceNumber int64
	err = tx.QueryRow(`SELECT highest_sequence_number FROM target_globals WHERE id = 0`).Scan(&highestSequenceNumber)
	return highestSequenceNumber, err
}

func (self *sqliteTargetCache) GetLastRemoteSnapshotVersion(txn Transaction) (SnapshotVersion, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return SnapshotVersion{}, err
	}
	var seconds int64
	var nanos int32
	err = tx.QueryRow(`SELECT last_snapshot_seconds, last_snapshot_nanos FROM target_globals WHERE id = 0`).Scan(&seconds, &nanos)
	return SnapshotVersion{Seconds: seconds, Nanos: nanos}, err
}

func (self *sqliteTargetCache) SetTargetsMetadata(txn Transaction, highestSequenceNumber int64, lastRemoteSnapshotVersion SnapshotVersion) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE target_globals SET
			highest_sequence_number = MAX(highest_sequence_number, ?),
			last_snapshot_seconds = ?,
			last_snapshot_nanos = ?
			WHERE id = 0`,
		highestSequenceNumber, lastRemoteSnapshotVersion.Seconds, lastRemoteSnapshotVersion.Nanos,
	)
	return err
}

// index manager

type sqliteIndexManager struct {
	persistence *SqlitePersistence
	fields      *memoryIndexManager
}

func (self *sqliteIndexManager) AddToCollectionParentIndex(txn Transaction, collectionPath ResourcePath) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT OR IGNORE INTO collection_parents (collection_id, parent) VALUES (?, ?)`,
		collectionPath.Last(), collectionPath.PopLast().String(),
	)
	return err
}

func (self *sqliteIndexManager) GetCollectionParents(txn Transaction, collectionId string) ([]ResourcePath, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(
		`SELECT parent FROM collection_parents WHERE collection_id = ? ORDER BY parent ASC`,
		collectionId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parents := []ResourcePath{}
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, err
		}
		path, err := ParseResourcePath(parent)
		if err != nil {
			return nil, err
		}
		parents = append(parents, path)
	}
	return parents, rows.Err()
}

func (self *sqliteIndexManager) CreateFieldIndex(txn Transaction, collectionGroup string, field FieldPath) error {
	return self.fields.CreateFieldIndex(txn, collectionGroup, field)
}

func (self *sqliteIndexManager) IndexTypeForQuery(txn Transaction, query Query) (IndexType, error) {
	return self.fields.IndexTypeForQuery(txn, query)
}

func (self *sqliteIndexManager) GetDocumentsMatchingQuery(txn Transaction, query Query) (DocumentKeySet, error) {
	return self.fields.GetDocumentsMatchingQuery(txn, query)
}

func (self *sqliteIndexManager) UpdateIndexEntries(txn Transaction, docs map[DocumentKey]Document) error {
	return self.fields.UpdateIndexEntries(txn, docs)
}

// bundle cache

type sqliteBundleCache struct {
	persistence *SqlitePersistence
}

type storedBundleMetadata struct {
	BundleId   string        `json:"bundle_id"`
	CreateTime storedVersion `json:"create_time"`
	Version    int32         `json:"version"`
	TotalDocs  int32         `json:"total_docs"`
	TotalBytes int64         `json:"total_bytes"`
}

func (self *sqliteBundleCache) GetBundleMetadata(txn Transaction, bundleId string) (*BundleMetadata, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	var metadataJson string
	err = tx.QueryRow(`SELECT metadata_json FROM bundles WHERE bundle_id = ?`, bundleId).Scan(&metadataJson)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stored := storedBundleMetadata{}
	if err := json.Unmarshal([]byte(metadataJson), &stored); err != nil {
		return nil, err
	}
	return &BundleMetadata{
		BundleId:   stored.BundleId,
		CreateTime: versionFromStored(stored.CreateTime),
		Version:    stored.Version,
		TotalDocs:  stored.TotalDocs,
		TotalBytes: stored.TotalBytes,
	}, nil
}

func (self *sqliteBundleCache) SaveBundleMetadata(txn Transaction, metadata BundleMetadata) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	metadataJson, err := json.Marshal(storedBundleMetadata{
		BundleId:   metadata.BundleId,
		CreateTime: versionToStored(metadata.CreateTime),
		Version:    metadata.Version,
		TotalDocs:  metadata.TotalDocs,
		TotalBytes: metadata.TotalBytes,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO bundles (bundle_id, metadata_json) VALUES (?, ?)
			ON CONFLICT (bundle_id) DO UPDATE SET metadata_json = ?`,
		metadata.BundleId, string(metadataJson), string(metadataJson),
	)
	return err
}

type storedNamedQuery struct {
	Name     string        `json:"name"`
	Query    storedQuery   `json:"query"`
	ReadTime storedVersion `json:"read_time"`
}

func (self *sqliteBundleCache) GetNamedQuery(txn Transaction, name string) (*NamedQuery, error) {
	tx, err := sqliteTx(txn)
	if err != nil {
		return nil, err
	}
	var queryJson string
	err = tx.QueryRow(`SELECT query_json FROM named_queries WHERE name = ?`, name).Scan(&queryJson)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stored := storedNamedQuery{}
	if err := json.Unmarshal([]byte(queryJson), &stored); err != nil {
		return nil, err
	}
	query, err := queryFromStored(stored.Query)
	if err != nil {
		return nil, err
	}
	return &NamedQuery{
		Name:     stored.Name,
		Query:    query,
		ReadTime: versionFromStored(stored.ReadTime),
	}, nil
}

func (self *sqliteBundleCache) SaveNamedQuery(txn Transaction, namedQuery NamedQuery) error {
	if err := requireWrite(txn); err != nil {
		return err
	}
	tx, err := sqliteTx(txn)
	if err != nil {
		return err
	}
	queryJson, err := json.Marshal(storedNamedQuery{
		Name:     namedQuery.Name,
		Query:    queryToStored(namedQuery.Query),
		ReadTime: versionToStored(namedQuery.ReadTime),
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO named_queries (name, query_json) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET query_json = ?`,
		namedQuery.Name, string(queryJson), string(queryJson),
	)
	return err
}

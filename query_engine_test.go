package docsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIndexedQueryStrategies(t *testing.T) {
	ctx := context.Background()
	persistence := NewMemoryPersistence()
	localStore := NewLocalStoreWithDefaults(persistence, AnonymousUser)

	err := persistence.RunTransaction(ctx, "Seed index", TransactionModeReadwrite, func(txn Transaction) error {
		if err := localStore.indexManager.CreateFieldIndex(txn, "rooms", RequireFieldPath("size")); err != nil {
			return err
		}
		docs := map[DocumentKey]Document{}
		for i, name := range []string{"eros", "firm", "tide"} {
			key := RequireDocumentKey("rooms/" + name)
			doc := FoundDocument(key, SnapshotVersion{Seconds: int64(i + 1)}, MapValue(map[string]Value{
				"size": IntegerValue(int64(i + 1)),
				"name": StringValue(name),
			}))
			if err := persistence.RemoteDocumentCache().Add(txn, doc, doc.Version); err != nil {
				return err
			}
			docs[key] = doc
		}
		return localStore.indexManager.UpdateIndexEntries(txn, docs)
	})
	assert.Equal(t, err, nil)

	rooms, _ := ParseResourcePath("rooms")
	indexed := NewQuery(rooms).
		WithFilter(NewFieldFilter(RequireFieldPath("size"), OperatorGreaterThan, IntegerValue(1)))
	partial := indexed.WithOrderBy(RequireFieldPath("name"), false)

	err = persistence.RunTransaction(ctx, "Query", TransactionModeReadonly, func(txn Transaction) error {
		indexType, err := localStore.indexManager.IndexTypeForQuery(txn, partial)
		assert.Equal(t, err, nil)
		assert.Equal(t, indexType, IndexTypePartial)

		// a partial index serves an unlimited query
		docs, ok, err := localStore.queryEngine.performQueryUsingIndex(txn, partial)
		assert.Equal(t, err, nil)
		assert.Equal(t, ok, true)
		assert.Equal(t, len(docs), 2)

		// with a limit it cannot: the missing sort decides which documents
		// survive the cut
		_, ok, err = localStore.queryEngine.performQueryUsingIndex(txn, partial.WithLimit(1, LimitTypeFirst))
		assert.Equal(t, err, nil)
		assert.Equal(t, ok, false)

		// a full index still serves the limit query
		docs, ok, err = localStore.queryEngine.performQueryUsingIndex(txn, indexed.WithLimit(1, LimitTypeFirst))
		assert.Equal(t, err, nil)
		assert.Equal(t, ok, true)
		assert.Equal(t, len(docs), 2)
		return nil
	})
	assert.Equal(t, err, nil)
}

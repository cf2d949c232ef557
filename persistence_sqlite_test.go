package docsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestSqlitePersistence(t *testing.T, path string) *SqlitePersistence {
	t.Helper()
	persistence, err := NewSqlitePersistence(DefaultSqlitePersistenceSettings(path))
	assert.Equal(t, err, nil)
	return persistence
}

func TestSqliteLocalWriteAckRoundTrip(t *testing.T) {
	ctx := context.Background()
	persistence := newTestSqlitePersistence(t, filepath.Join(t.TempDir(), "docsync.db"))
	defer persistence.Close()
	localStore := NewLocalStoreWithDefaults(persistence, AnonymousUser)
	key := RequireDocumentKey("rooms/eros")

	result, err := localStore.LocalWrite(ctx, []Mutation{
		SetMutation(key, MapValue(map[string]Value{"name": StringValue("eros")})),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.BatchId, int64(1))

	doc, err := localStore.GetDocument(ctx, key)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.HasLocalMutations(), true)

	commitVersion := SnapshotVersion{Seconds: 7}
	changes := ackBatch(t, localStore, result.BatchId, commitVersion)
	assert.Equal(t, changes[key].HasCommittedMutations(), true)
	assert.Equal(t, changes[key].Version, commitVersion)

	highest, err := localStore.HighestUnacknowledgedBatchId(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, highest, int64(-1))
}

func TestSqliteSetUserIsolatesPendingWrites(t *testing.T) {
	ctx := context.Background()
	persistence := newTestSqlitePersistence(t, filepath.Join(t.TempDir(), "docsync.db"))
	defer persistence.Close()
	localStore := NewLocalStoreWithDefaults(persistence, AnonymousUser)
	key := RequireDocumentKey("rooms/eros")

	_, err := localStore.LocalWrite(ctx, []Mutation{
		SetMutation(key, MapValue(map[string]Value{"name": StringValue("eros")})),
	})
	assert.Equal(t, err, nil)

	// another user does not see the anonymous pending write
	changes, err := localStore.SetUser(ctx, User("alice"))
	assert.Equal(t, err, nil)
	assert.Equal(t, changes[key].IsFoundDocument(), false)

	changes, err = localStore.SetUser(ctx, AnonymousUser)
	assert.Equal(t, err, nil)
	assert.Equal(t, changes[key].HasLocalMutations(), true)
}

func TestSqliteStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docsync.db")
	rooms, _ := ParseResourcePath("rooms")
	key := RequireDocumentKey("rooms/eros")
	version := SnapshotVersion{Seconds: 3}

	persistence := newTestSqlitePersistence(t, path)
	localStore := NewLocalStoreWithDefaults(persistence, AnonymousUser)

	targetData, err := localStore.AllocateTarget(ctx, NewQuery(rooms))
	assert.Equal(t, err, nil)
	assert.Equal(t, targetData.TargetId, int32(2))

	change := newTargetChangeSet()
	change.ResumeToken = []byte("resume-1")
	change.Current = true
	change.AddedDocuments.Add(key)
	_, err = localStore.ApplyRemoteEvent(ctx, RemoteEvent{
		SnapshotVersion: version,
		TargetChanges:   map[int32]TargetChangeSet{targetData.TargetId: change},
		DocumentUpdates: map[DocumentKey]Document{
			key: FoundDocument(key, version, MapValue(map[string]Value{"name": StringValue("eros")})),
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, persistence.Close(), nil)

	// a new instance on the same file resumes where the first left off
	persistence = newTestSqlitePersistence(t, path)
	defer persistence.Close()
	localStore = NewLocalStoreWithDefaults(persistence, AnonymousUser)

	restored, err := localStore.AllocateTarget(ctx, NewQuery(rooms))
	assert.Equal(t, err, nil)
	assert.Equal(t, restored.TargetId, targetData.TargetId)
	assert.Equal(t, restored.ResumeToken, []byte("resume-1"))
	assert.Equal(t, restored.SnapshotVersion, version)
	assert.Equal(t, localStore.RemoteKeysForTarget(ctx, restored.TargetId).Contains(key), true)

	doc, err := localStore.GetDocument(ctx, key)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.IsFoundDocument(), true)
	assert.Equal(t, doc.HasPendingWrites(), false)

	users, _ := ParseResourcePath("users")
	next, err := localStore.AllocateTarget(ctx, NewQuery(users))
	assert.Equal(t, err, nil)
	assert.Equal(t, next.TargetId, int32(4))
}

func TestSqliteLeaseExclusion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docsync.db")
	noop := func(txn Transaction) error { return nil }

	settingsA := DefaultSqlitePersistenceSettings(path)
	settingsA.LeaseDuration = 100 * time.Millisecond
	instanceA, err := NewSqlitePersistence(settingsA)
	assert.Equal(t, err, nil)
	defer instanceA.Close()

	settingsB := DefaultSqlitePersistenceSettings(path)
	settingsB.LeaseDuration = 100 * time.Millisecond
	instanceB, err := NewSqlitePersistence(settingsB)
	assert.Equal(t, err, nil)
	defer instanceB.Close()

	// the first primary commit takes the lease
	err = instanceA.RunTransaction(ctx, "A primary", TransactionModeReadwritePrimary, noop)
	assert.Equal(t, err, nil)

	// a second instance cannot commit against a live lease
	err = instanceB.RunTransaction(ctx, "B primary", TransactionModeReadwritePrimary, noop)
	assert.Equal(t, err, ErrPrimaryLeaseLost)

	// reads never need the lease
	err = instanceB.RunTransaction(ctx, "B read", TransactionModeReadonly, noop)
	assert.Equal(t, err, nil)

	// an expired lease is up for grabs, and taking it locks the first
	// instance out
	time.Sleep(150 * time.Millisecond)
	err = instanceB.RunTransaction(ctx, "B primary", TransactionModeReadwritePrimary, noop)
	assert.Equal(t, err, nil)
	err = instanceA.RunTransaction(ctx, "A primary", TransactionModeReadwritePrimary, noop)
	assert.Equal(t, err, ErrPrimaryLeaseLost)
}

func TestSqliteRemoveBatchEnforcesOrder(t *testing.T) {
	ctx := context.Background()
	persistence := newTestSqlitePersistence(t, filepath.Join(t.TempDir(), "docsync.db"))
	defer persistence.Close()
	localStore := NewLocalStoreWithDefaults(persistence, AnonymousUser)
	key := RequireDocumentKey("rooms/eros")

	_, err := localStore.LocalWrite(ctx, []Mutation{
		SetMutation(key, MapValue(map[string]Value{"count": IntegerValue(1)})),
	})
	assert.Equal(t, err, nil)
	second, err := localStore.LocalWrite(ctx, []Mutation{
		SetMutation(key, MapValue(map[string]Value{"count": IntegerValue(2)})),
	})
	assert.Equal(t, err, nil)

	// only the oldest batch may leave the queue
	_, err = localStore.RejectBatch(ctx, second.BatchId)
	assert.NotEqual(t, err, nil)
	_, err = localStore.RejectBatch(ctx, second.BatchId-1)
	assert.Equal(t, err, nil)
}

package docsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTargetIdGenerators(t *testing.T) {
	listen := newListenTargetIdGenerator(0)
	assert.Equal(t, listen.Next(), int32(2))
	assert.Equal(t, listen.Next(), int32(4))

	// seeding past persisted metadata skips every id up to it
	assert.Equal(t, newListenTargetIdGenerator(4).Next(), int32(6))
	// an odd seed still lands on the even sequence
	assert.Equal(t, newListenTargetIdGenerator(5).Next(), int32(6))

	limbo := newLimboTargetIdGenerator()
	assert.Equal(t, limbo.Next(), int32(1))
	assert.Equal(t, limbo.Next(), int32(3))
}

func TestAllocateTargetIdResumesAfterRestoredTarget(t *testing.T) {
	ctx := context.Background()
	persistence := NewMemoryPersistence()

	err := persistence.RunTransaction(ctx, "Allocate", TransactionModeReadwrite, func(txn Transaction) error {
		cache := persistence.TargetCache()
		rooms, _ := ParseResourcePath("rooms")
		if err := cache.AddTargetData(txn, NewTargetData(NewQuery(rooms), 8, TargetPurposeListen, 1)); err != nil {
			return err
		}
		targetId, err := cache.AllocateTargetId(txn)
		if err != nil {
			return err
		}
		assert.Equal(t, targetId, int32(10))
		return nil
	})
	assert.Equal(t, err, nil)
}

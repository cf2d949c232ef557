package docsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStoreLookupInsideTransaction(t *testing.T) {
	persistence := NewMemoryPersistence()

	done := make(chan error, 1)
	go func() {
		done <- persistence.RunTransaction(context.Background(), "Switch user", TransactionModeReadwrite, func(txn Transaction) error {
			// user scoped stores are created lazily, sometimes from inside a
			// running transaction the way SetUser does
			queue := persistence.MutationQueue(User("alice"))
			persistence.DocumentOverlayCache(User("alice"))
			persistence.IndexManager(User("alice"))
			empty, err := queue.IsEmpty(txn)
			if err != nil {
				return err
			}
			assert.Equal(t, empty, true)
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("store lookup blocked inside the transaction")
	}
}

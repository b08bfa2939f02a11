package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, k.held())

	unlockA()
	unlockA() // idempotent
	assert.Equal(t, 1, k.held())
	unlockB()
	assert.Equal(t, 0, k.held())

	// The key is reusable after a double unlock.
	unlock, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	unlock()
	assert.Equal(t, 0, k.held())
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	// GIVEN: A held key
	// WHEN: A second caller gives up waiting
	// THEN: UnavailableError, and its waiter reference is dropped

	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	var uErr *UnavailableError
	require.ErrorAs(t, err, &uErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, k.held())

	unlock()
	assert.Equal(t, 0, k.held())
}

func TestKeyedMutex_HandsOffToWaiter(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		next, err := k.Lock(context.Background(), "a")
		if err == nil {
			acquired <- next
		}
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Equal(t, 0, k.held())
}

func TestAcquire_Timeout(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	_, err = acquire(context.Background(), k, 10*time.Millisecond, "a")
	assert.ErrorIs(t, err, ErrUnavailable)
}

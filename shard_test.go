package keylock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShard() *LockShard {
	return newLockShard(4, UpgradeStrict, discardLogger)
}

func TestShardSharedLocksAreCompatible(t *testing.T) {
	s := newTestShard()
	a := NewLocker(nil)
	b := NewLocker(nil)

	res, l, waiter := s.tryAcquire(a, ModeShared, 1, []byte("k"), hashKey(1, []byte("k")))
	require.Nil(t, waiter)
	assert.Equal(t, Acquired, res)

	res2, l2, waiter2 := s.tryAcquire(b, ModeShared, 1, []byte("k"), hashKey(1, []byte("k")))
	require.Nil(t, waiter2)
	assert.Equal(t, Acquired, res2)
	assert.Same(t, l, l2)

	s.unlock(l, a)
	s.unlock(l, b)
}

func TestShardExclusiveExcludesEverything(t *testing.T) {
	s := newTestShard()
	a := NewLocker(nil)
	b := NewLocker(nil)
	hash := hashKey(1, []byte("k"))

	res, l, waiter := s.tryAcquire(a, ModeExclusive, 1, []byte("k"), hash)
	require.Nil(t, waiter)
	assert.Equal(t, Acquired, res)

	_, _, waiter2 := s.tryAcquire(b, ModeShared, 1, []byte("k"), hash)
	require.NotNil(t, waiter2)

	result := s.wait(context.Background(), l, waiter2, 20*time.Millisecond)
	assert.Equal(t, TimedOut, result)

	s.unlock(l, a)
}

func TestShardUpgradableDoesNotBlockShared(t *testing.T) {
	s := newTestShard()
	a := NewLocker(nil)
	b := NewLocker(nil)
	hash := hashKey(2, []byte("k"))

	res, l, waiter := s.tryAcquire(a, ModeUpgradable, 2, []byte("k"), hash)
	require.Nil(t, waiter)
	assert.Equal(t, Acquired, res)

	res2, _, waiter2 := s.tryAcquire(b, ModeShared, 2, []byte("k"), hash)
	require.Nil(t, waiter2)
	assert.Equal(t, Acquired, res2)

	s.unlock(l, a)
	s.unlock(l, b)
}

func TestShardUpgradeStrictForbidsSharedToUpgradable(t *testing.T) {
	s := newTestShard()
	a := NewLocker(nil)
	hash := hashKey(3, []byte("k"))

	res, l, waiter := s.tryAcquire(a, ModeShared, 3, []byte("k"), hash)
	require.Nil(t, waiter)
	assert.Equal(t, Acquired, res)

	res2, _, waiter2 := s.tryAcquire(a, ModeUpgradable, 3, []byte("k"), hash)
	require.Nil(t, waiter2)
	assert.Equal(t, Illegal, res2)

	s.unlock(l, a)
}

func TestShardUpgradeLenientAllowsSoleReader(t *testing.T) {
	s := newLockShard(4, UpgradeLenient, discardLogger)
	a := NewLocker(nil)
	hash := hashKey(3, []byte("k"))

	res, l, waiter := s.tryAcquire(a, ModeShared, 3, []byte("k"), hash)
	require.Nil(t, waiter)
	assert.Equal(t, Acquired, res)

	res2, _, waiter2 := s.tryAcquire(a, ModeUpgradable, 3, []byte("k"), hash)
	require.Nil(t, waiter2)
	assert.Equal(t, Acquired, res2)

	s.unlock(l, a)
}

func TestShardExclusiveWaitersGrantedBeforeLaterShared(t *testing.T) {
	s := newTestShard()
	holder := NewLocker(nil)
	writer := NewLocker(nil)
	reader := NewLocker(nil)
	hash := hashKey(4, []byte("k"))

	_, l, waiter := s.tryAcquire(holder, ModeShared, 4, []byte("k"), hash)
	require.Nil(t, waiter)

	_, _, wwaiter := s.tryAcquire(writer, ModeExclusive, 4, []byte("k"), hash)
	require.NotNil(t, wwaiter)

	_, _, rwaiter := s.tryAcquire(reader, ModeShared, 4, []byte("k"), hash)
	require.NotNil(t, rwaiter)

	s.unlock(l, holder)

	select {
	case r := <-wwaiter.ready:
		assert.Equal(t, Acquired, r)
	case <-time.After(time.Second):
		t.Fatal("queued exclusive waiter was never granted")
	}

	select {
	case r := <-rwaiter.ready:
		t.Fatalf("reader granted before the exclusive waiter released, got %v", r)
	case <-time.After(20 * time.Millisecond):
	}

	s.unlock(l, writer)
	select {
	case r := <-rwaiter.ready:
		assert.Equal(t, Acquired, r)
	case <-time.After(time.Second):
		t.Fatal("reader never granted after writer released")
	}
	s.unlock(l, reader)
}

func TestShardResizeGrowsBucketArray(t *testing.T) {
	s := newLockShard(2, UpgradeStrict, discardLogger)
	for i := 0; i < 10; i++ {
		key := []byte{byte(i)}
		hash := hashKey(1, key)
		locker := NewLocker(nil)
		_, l, waiter := s.tryAcquire(locker, ModeShared, 1, key, hash)
		require.Nil(t, waiter)
		_ = l
	}
	assert.Greater(t, len(s.buckets), 2)
}

func TestShardCheckReportsOwnedMode(t *testing.T) {
	s := newTestShard()
	a := NewLocker(nil)
	hash := hashKey(5, []byte("k"))

	assert.Equal(t, Unowned, s.check(a, 5, []byte("k"), hash))

	_, l, waiter := s.tryAcquire(a, ModeExclusive, 5, []byte("k"), hash)
	require.Nil(t, waiter)
	assert.Equal(t, OwnedExclusive, s.check(a, 5, []byte("k"), hash))
	s.unlock(l, a)
	assert.Equal(t, Unowned, s.check(a, 5, []byte("k"), hash))
}

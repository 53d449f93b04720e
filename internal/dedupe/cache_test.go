// ABOUTME: Tests for the update dedup cache
// ABOUTME: Validates TTL expiration, size-limited eviction, cleanup, and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_FirstSighting(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("update-1"), "first sighting should not be a duplicate")
	assert.True(t, cache.Seen("update-1"), "second sighting should be a duplicate")
}

func TestCache_Seen_DistinctKeys(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("update-1"))
	assert.False(t, cache.Seen("update-2"))
	assert.False(t, cache.Seen("update-3"))

	assert.True(t, cache.Seen("update-2"))
}

func TestCache_Seen_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("update-1"))
	assert.True(t, cache.Seen("update-1"), "should be a duplicate before expiry")

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Seen("update-1"), "expired key should count as a first sighting")
}

func TestCache_Seen_RefreshesUnderRedelivery(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("update-1"))

	// Keep redelivering within the TTL; the entry should stay suppressed
	// past the original expiry because each sighting refreshes it.
	time.Sleep(30 * time.Millisecond)
	assert.True(t, cache.Seen("update-1"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cache.Seen("update-1"), "refreshed key should still be suppressed")
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	assert.False(t, cache.Seen("first"))
	assert.False(t, cache.Seen("second"))
	assert.False(t, cache.Seen("third"))

	// Fourth key evicts the oldest entry.
	assert.False(t, cache.Seen("fourth"))
	assert.False(t, cache.Seen("first"), "oldest key should have been evicted")

	// Re-marking "first" just evicted "second".
	assert.False(t, cache.Seen("second"), "second-oldest should be evicted next")
	assert.True(t, cache.Seen("fourth"))
}

func TestCache_Cleanup(t *testing.T) {
	// Cleanup wakes every minute in production; trigger it directly and
	// verify expired entries leave the map.
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Seen("a")
	cache.Seen("b")
	cache.Seen("c")
	assert.Equal(t, 3, cache.Len())

	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	assert.Equal(t, 0, cache.Len(), "cleanup should remove expired entries")
}

func TestCache_Seen_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var firstSightings int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.Seen("contested-update") {
				atomic.AddInt32(&firstSightings, 1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), firstSightings,
		"exactly one goroutine should observe the first sighting")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	const numGoroutines = 100
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				cache.Seen(fmt.Sprintf("update-%d-%d", id%10, j%10))
			}
		}(i)
	}

	wg.Wait()

	// Still functional after the stampede.
	assert.False(t, cache.Seen("final-update"))
	assert.True(t, cache.Seen("final-update"))
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)

	assert.False(t, cache.Seen("before-close"))

	cache.Close()
	cache.Close() // multiple closes must not panic
}

package cache

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

func hashOf(i int) common.Hash {
	var h common.Hash
	binary.BigEndian.PutUint64(h[24:], uint64(i))
	return h
}

func TestInsertDoesNotGrowOnReinsert(t *testing.T) {
	c := NewHashCache("t", 10, time.Hour, nil, nil)
	h := hashOf(1)
	c.InsertHash(h)
	c.InsertHash(h)
	require.Equal(t, 1, c.Len())
	require.True(t, c.Contains(h))
}

func TestOldestInsertionEvictedAtCapacity(t *testing.T) {
	c := NewHashCache("t", 3, time.Hour, nil, nil)
	h0, h1, h2 := hashOf(0), hashOf(1), hashOf(2)
	c.InsertHash(h0)
	time.Sleep(time.Millisecond)
	c.InsertHash(h1)
	time.Sleep(time.Millisecond)
	c.InsertHash(h2)
	time.Sleep(time.Millisecond)

	h3 := hashOf(3)
	c.InsertHash(h3)

	require.Equal(t, 3, c.Len())
	require.False(t, c.Contains(h0), "oldest entry must be evicted")
	require.True(t, c.Contains(h1))
	require.True(t, c.Contains(h2))
	require.True(t, c.Contains(h3))
}

func TestCapScenarioEvictsOldestAndWarns(t *testing.T) {
	sizeGauge := metrics.NewGauge()
	warnCounter := metrics.NewCounter()
	c := NewHashCache("verified_hashes", 100_000, time.Hour, sizeGauge, warnCounter)

	for i := 0; i < 100_001; i++ {
		c.InsertHash(hashOf(i))
	}

	require.Equal(t, 100_000, c.Len())
	require.False(t, c.Contains(hashOf(0)), "oldest of 100,001 insertions must have been evicted")
	require.True(t, c.Contains(hashOf(100_000)))
	require.Greater(t, warnCounter.Snapshot().Count(), int64(0), "crossing 80% must increment the warn counter")
}

func TestTTLExpiry(t *testing.T) {
	c := NewHashCache("t", 100, 10*time.Millisecond, nil, nil)
	h := hashOf(1)
	c.InsertHash(h)
	require.True(t, c.Contains(h))

	time.Sleep(20 * time.Millisecond)

	require.False(t, c.Contains(h))
	require.Equal(t, 0, c.Len())
}

func TestTakeAllDrainsMapCache(t *testing.T) {
	c := New[int]("retry", 10, time.Hour, nil, nil)
	c.Insert(hashOf(1), 11)
	c.Insert(hashOf(2), 22)

	drained := c.TakeAll()
	require.Len(t, drained, 2)
	require.Equal(t, 11, drained[hashOf(1)])
	require.Equal(t, 0, c.Len())
}

func TestTakeAllMatchesExpectedSnapshot(t *testing.T) {
	c := New[int]("retry", 10, time.Hour, nil, nil)
	c.Insert(hashOf(1), 11)
	c.Insert(hashOf(2), 22)

	drained := c.TakeAll()
	expected := map[common.Hash]int{hashOf(1): 11, hashOf(2): 22}
	if diff := pretty.Compare(expected, drained); diff != "" {
		t.Fatalf("drained map diverged from expected:\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	c := NewHashCache("t", 10, time.Hour, nil, nil)
	c.InsertHash(hashOf(1))
	c.InsertHash(hashOf(2))
	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestReapRemovesExpiredEagerly(t *testing.T) {
	c := New[int]("retry", 10, 10*time.Millisecond, nil, nil)
	c.Insert(hashOf(1), 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, c.Reap())
	require.Equal(t, 0, c.Len())
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package region_test

import (
	"testing"

	"code.hybscloud.com/pq/internal/fblk"
	"code.hybscloud.com/pq/internal/region"
)

func newRL(t *testing.T, nalloc int, dataBytes uint64) *region.RL {
	t.Helper()
	fbBuf := make([]byte, fblk.HeaderBytes(nalloc)+4*fblk.WordsNeeded(nalloc))
	arena := fblk.Open(fbBuf, nalloc, true)
	nbuckets := region.LargestPrimeAtMost(nalloc/4 + 1)
	rlBuf := make([]byte, region.Bytes(nalloc, nbuckets))
	return region.Open(rlBuf, nalloc, nbuckets, arena, true, dataBytes)
}

func TestAllocSplitsRemainder(t *testing.T) {
	rl := newRL(t, 64, 1<<20)
	ref, err := rl.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if rl.Offset(ref) != 0 {
		t.Fatalf("Offset = %d, want 0", rl.Offset(ref))
	}
	if rl.Extent(ref) != 4096 {
		t.Fatalf("Extent = %d, want 4096", rl.Extent(ref))
	}
	if rl.StateOf(ref) != region.InUse {
		t.Fatalf("StateOf = %v, want InUse", rl.StateOf(ref))
	}
	if rl.MaxFreeExtent() != (1<<20)-4096 {
		t.Fatalf("MaxFreeExtent = %d, want %d", rl.MaxFreeExtent(), (1<<20)-4096)
	}
}

func TestAllocTooBig(t *testing.T) {
	rl := newRL(t, 16, 1024)
	if _, err := rl.Alloc(2048); err != region.ErrNoRoom {
		t.Fatalf("Alloc(2048) = %v, want ErrNoRoom", err)
	}
}

func TestFreeCoalescesAdjacentRegions(t *testing.T) {
	rl := newRL(t, 64, 1<<16)
	a, err := rl.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	b, err := rl.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}
	if rl.Offset(b) != 1024 {
		t.Fatalf("Offset(b) = %d, want 1024 (adjacent to a)", rl.Offset(b))
	}
	rl.Free(a)
	extent := rl.Free(b)
	if extent != (1<<16) {
		t.Fatalf("coalesced extent = %d, want %d (whole region reunited)", extent, uint64(1<<16))
	}
	if rl.MaxFreeExtent() != 1<<16 {
		t.Fatalf("MaxFreeExtent after coalesce = %d, want %d", rl.MaxFreeExtent(), uint64(1<<16))
	}
}

func TestFindInUse(t *testing.T) {
	rl := newRL(t, 16, 8192)
	ref, _ := rl.Alloc(512)
	got, ok := rl.FindInUse(rl.Offset(ref))
	if !ok || got != ref {
		t.Fatalf("FindInUse(%d) = (%v,%v), want (%v,true)", rl.Offset(ref), got, ok, ref)
	}
	if _, ok := rl.FindInUse(99999); ok {
		t.Fatal("FindInUse found a region at an offset never allocated")
	}
}

func TestStatsTrackHighWaterMarks(t *testing.T) {
	rl := newRL(t, 16, 8192)
	a, _ := rl.Alloc(1024)
	_, _ = rl.Alloc(1024)
	rl.Free(a)
	stats := rl.Stats()
	if stats.MaxInUse < 2 {
		t.Fatalf("Stats().MaxInUse = %d, want >= 2", stats.MaxInUse)
	}
}

func TestLargestPrimeAtMost(t *testing.T) {
	cases := map[int]int{2: 2, 3: 3, 4: 3, 10: 7, 100: 97}
	for n, want := range cases {
		if got := region.LargestPrimeAtMost(n); got != want {
			t.Errorf("LargestPrimeAtMost(%d) = %d, want %d", n, got, want)
		}
	}
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fblk_test

import (
	"testing"

	"code.hybscloud.com/pq/internal/fblk"
)

func newArena(t *testing.T, nproducts int) *fblk.Arena {
	t.Helper()
	bytes := fblk.HeaderBytes(nproducts) + 4*fblk.WordsNeeded(nproducts)
	buf := make([]byte, bytes)
	return fblk.Open(buf, nproducts, true)
}

func TestGetReleaseRoundTrip(t *testing.T) {
	a := newArena(t, 256)
	cell, err := a.Get(3)
	if err != nil {
		t.Fatalf("Get(3) error: %v", err)
	}
	if len(cell.Words) != 3 {
		t.Fatalf("len(Words) = %d, want 3", len(cell.Words))
	}
	cell.Words[0] = 42
	a.Release(cell)

	again, err := a.Get(3)
	if err != nil {
		t.Fatalf("Get(3) after release error: %v", err)
	}
	if again.Base() != cell.Base() {
		t.Fatalf("Get after Release returned a different cell: base=%d want=%d", again.Base(), cell.Base())
	}
}

func TestGetBorrowsFromHigherLevel(t *testing.T) {
	// 16 products give maxLevel 3, so level-2 cells exist outside the reserve.
	a := newArena(t, 16)
	_, counts, _ := fblk.Capacity(16)
	// Exhaust level 1 so the next Get(1) must borrow and split a level-2 cell.
	for i := 0; i < counts[1]; i++ {
		if _, err := a.Get(1); err != nil {
			t.Fatalf("Get(1) #%d while draining level 1: %v", i, err)
		}
	}
	c, err := a.Get(1)
	if err != nil {
		t.Fatalf("Get(1) after exhausting level 1 (should borrow): %v", err)
	}
	if len(c.Words) != 1 {
		t.Fatalf("borrowed cell has %d words, want 1", len(c.Words))
	}
}

func TestOutOfSlots(t *testing.T) {
	maxLevel, _, reserve := fblk.Capacity(1)
	buf := make([]byte, fblk.HeaderBytes(1)+4*fblk.WordsNeeded(1))
	a := fblk.Open(buf, 1, true)
	for i := 0; i < reserve; i++ {
		if _, err := a.Get(maxLevel); err != nil {
			t.Fatalf("Get(%d) #%d: %v", maxLevel, i, err)
		}
	}
	if _, err := a.Get(maxLevel); err != fblk.ErrOutOfSlots {
		t.Fatalf("Get(%d) after exhausting reserve = %v, want ErrOutOfSlots", maxLevel, err)
	}
}

func TestRandomLevelBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		lvl := fblk.RandomLevel(6, 2)
		if lvl < 1 || lvl > 3 {
			t.Fatalf("RandomLevel(6,2) = %d, want in [1,3]", lvl)
		}
	}
}

func TestReserveBaseIsOrderedAndStable(t *testing.T) {
	a := newArena(t, 64)
	first, err := a.Get(a.MaxLevel())
	if err != nil {
		t.Fatalf("Get(maxLevel) #1: %v", err)
	}
	second, err := a.Get(a.MaxLevel())
	if err != nil {
		t.Fatalf("Get(maxLevel) #2: %v", err)
	}
	base := a.ReserveBase()
	if first.Base() != base {
		t.Fatalf("first reserve cell base = %d, want ReserveBase() = %d", first.Base(), base)
	}
	if second.Base() != base+uint32(a.MaxLevel()) {
		t.Fatalf("second reserve cell base = %d, want %d", second.Base(), base+uint32(a.MaxLevel()))
	}
}

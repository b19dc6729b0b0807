// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tindex_test

import (
	"testing"

	"code.hybscloud.com/pq/internal/fblk"
	"code.hybscloud.com/pq/internal/header"
	"code.hybscloud.com/pq/internal/tindex"
)

func newTQ(t *testing.T, nalloc int) (*tindex.TQ, *fblk.Arena) {
	t.Helper()
	fbBuf := make([]byte, fblk.HeaderBytes(nalloc)+4*fblk.WordsNeeded(nalloc))
	arena := fblk.Open(fbBuf, nalloc, true)
	tqBuf := make([]byte, tindex.Bytes(nalloc))
	tq := tindex.Open(tqBuf, nalloc, arena, true)
	return tq, arena
}

func TestAddFindOrdering(t *testing.T) {
	tq, _ := newTQ(t, 64)
	ts := []header.Timestamp{{Sec: 100}, {Sec: 50}, {Sec: 200}, {Sec: 150}}
	for i, x := range ts {
		if _, _, err := tq.Add(x, uint64(i*100)); err != nil {
			t.Fatalf("Add(%v): %v", x, err)
		}
	}
	if tq.Len() != len(ts) {
		t.Fatalf("Len() = %d, want %d", tq.Len(), len(ts))
	}

	first, ok := tq.First()
	if !ok || tq.Timestamp(first) != (header.Timestamp{Sec: 50}) {
		t.Fatalf("First() = %+v, want ts=50", tq.Timestamp(first))
	}
	last, ok := tq.Last()
	if !ok || tq.Timestamp(last) != (header.Timestamp{Sec: 200}) {
		t.Fatalf("Last() = %+v, want ts=200", tq.Timestamp(last))
	}

	cur := first
	var order []int64
	for {
		order = append(order, tq.Timestamp(cur).Sec)
		next, ok := tq.Next(cur)
		if !ok {
			break
		}
		cur = next
	}
	want := []int64{50, 100, 150, 200}
	if len(order) != len(want) {
		t.Fatalf("traversal order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("traversal order = %v, want %v", order, want)
		}
	}
}

func TestAddCollisionAdvancesTick(t *testing.T) {
	tq, _ := newTQ(t, 16)
	ts := header.Timestamp{Sec: 1, Usec: 0}
	_, first, err := tq.Add(ts, 0)
	if err != nil {
		t.Fatalf("Add #1: %v", err)
	}
	_, second, err := tq.Add(ts, 8)
	if err != nil {
		t.Fatalf("Add #2: %v", err)
	}
	if !first.Before(second) {
		t.Fatalf("colliding insert did not advance: first=%v second=%v", first, second)
	}
	if second.Sub(first) != 1 {
		t.Fatalf("collision advanced by %d usec, want 1", second.Sub(first))
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	tq, _ := newTQ(t, 16)
	r1, _, _ := tq.Add(header.Timestamp{Sec: 1}, 0)
	r2, _, _ := tq.Add(header.Timestamp{Sec: 2}, 8)
	tq.Delete(r1)
	if tq.Len() != 1 {
		t.Fatalf("Len() after delete = %d, want 1", tq.Len())
	}
	if _, ok := tq.Find(header.Timestamp{Sec: 1}, tindex.Equal); ok {
		t.Fatal("deleted entry still findable")
	}
	first, ok := tq.First()
	if !ok || first != r2 {
		t.Fatalf("First() after delete = %v, want %v", first, r2)
	}
}

func TestOutOfSlots(t *testing.T) {
	tq, _ := newTQ(t, 2)
	if _, _, err := tq.Add(header.Timestamp{Sec: 1}, 0); err != nil {
		t.Fatalf("Add #1: %v", err)
	}
	if _, _, err := tq.Add(header.Timestamp{Sec: 2}, 1); err != nil {
		t.Fatalf("Add #2: %v", err)
	}
	if _, _, err := tq.Add(header.Timestamp{Sec: 3}, 2); err != tindex.ErrOutOfSlots {
		t.Fatalf("Add #3 = %v, want ErrOutOfSlots", err)
	}
}

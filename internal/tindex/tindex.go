// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tindex implements the time index (TQ): a skip list of products
// ordered by strictly increasing insertion timestamp. Forward-pointer
// blocks for both the header sentinel and every entry are drawn from a
// shared [code.hybscloud.com/pq/internal/fblk] arena, so the skip list's
// "pointers" are FB cell word-slices, not Go pointers — the whole
// structure lives in the mapped index segment and survives process
// restarts.
package tindex

import (
	"errors"
	"unsafe"

	"code.hybscloud.com/pq/internal/fblk"
	"code.hybscloud.com/pq/internal/header"
)

// Magic is an implementation-internal integrity marker for the TQ region.
// The bytewise layout in the governing design note does not assign TQ a
// magic of its own (unlike RL, FB, and SX); this one exists purely for
// pq's own corruption checks and carries no external compatibility
// requirement.
const Magic uint32 = 0x54514944 // "TQID"

const nilRef uint32 = 0

// ErrOutOfSlots is returned by Add when every TQ slot is occupied.
var ErrOutOfSlots = errors.New("tindex: out of slots")

// Relation selects which neighbor Find returns relative to a key.
type Relation int

const (
	Less Relation = iota
	Equal
	Greater
)

// Ref identifies a live time entry by its 1-based slot index. The zero
// value means "no entry".
type Ref uint32

func (r Ref) Valid() bool { return r != 0 }

type slot struct {
	ts       header.Timestamp
	offset   uint64
	level    uint32
	cellBase uint32 // FB pool base word of this slot's forward-pointer cell
	inUse    uint32
	next     uint32 // free-list link when inUse==0
}

// TQ is a skip list of time entries overlaid on a byte buffer.
type TQ struct {
	maxLevel int
	level    int // current list level (0-based: head.forward has `level+1` live entries)
	length   int
	nalloc   int

	arena *fblk.Arena

	magic    *uint32
	curLevel *uint32
	lengthP  *uint32
	freeHead *uint32
	headCell fblk.Cell // head sentinel's forward pointers (maxLevel words)

	slots []slot
}

// ControlWords is the number of uint32 words TQ's fixed control header
// occupies ahead of the slot array (magic, level, length, free head).
const ControlWords = 4

// Bytes returns the total byte size a TQ region needs for nalloc slots,
// for callers planning the on-disk index-segment layout.
func Bytes(nalloc int) int {
	return ControlWords*4 + nalloc*int(unsafe.Sizeof(slot{}))
}

// Open overlays a TQ onto buf for nalloc product slots, sharing arena for
// forward-pointer storage. If fresh, the TQ and its head sentinel are
// initialized empty.
func Open(buf []byte, nalloc int, arena *fblk.Arena, fresh bool) *TQ {
	ctrl := unsafe.Slice((*uint32)(unsafe.Pointer(&buf[0])), ControlWords)
	t := &TQ{
		maxLevel: arena.MaxLevel(),
		nalloc:   nalloc,
		arena:    arena,
		magic:    &ctrl[0],
		curLevel: &ctrl[1],
		lengthP:  &ctrl[2],
		freeHead: &ctrl[3],
	}
	slotsOff := ControlWords * 4
	t.slots = unsafe.Slice((*slot)(unsafe.Pointer(&buf[slotsOff])), nalloc)

	if fresh {
		*t.magic = Magic
		*t.curLevel = 0
		*t.lengthP = 0
		cell, err := arena.Get(arena.MaxLevel())
		if err != nil {
			panic("tindex: arena too small for head sentinel: " + err.Error())
		}
		for i := range cell.Words {
			cell.Words[i] = nilRef
		}
		t.headCell = cell
		*t.freeHead = 1
		for i := 0; i < nalloc; i++ {
			t.slots[i] = slot{}
			if i+1 < nalloc {
				t.slots[i].next = uint32(i + 2)
			} else {
				t.slots[i].next = nilRef
			}
		}
	} else {
		// headCell's base is always the arena's very first reserve-sized
		// allocation performed on fresh init, i.e. word 0 of the reserve
		// region; recompute deterministically rather than persisting it.
		t.headCell = fblk.Cell{} // reconstructed lazily by caller via Reopen
	}
	t.level = int(*t.curLevel)
	t.length = int(*t.lengthP)
	return t
}

// ReopenHead restores the head sentinel's forward-pointer cell after a
// fresh=false Open. Callers that reopen an existing file must call this
// once, passing the same base word offset the original Open's fresh pass
// allocated (offset 0 of the reserve pool, by construction — the head is
// always the first cell the arena ever hands out).
func (t *TQ) ReopenHead(headWords []uint32) {
	t.headCell = fblk.Cell{Level: t.maxLevel, Words: headWords}
}

func forwardAt(words []uint32, i int) Ref { return Ref(words[i]) }

func (t *TQ) forwardOf(r Ref, i int) Ref {
	if !r.Valid() {
		return forwardAt(t.headCell.Words, i)
	}
	s := &t.slots[r-1]
	words := t.arena.CellWords(s.cellBase, int(s.level))
	return forwardAt(words, i)
}

func (t *TQ) setForward(r Ref, i int, v Ref) {
	if !r.Valid() {
		t.headCell.Words[i] = uint32(v)
		return
	}
	s := &t.slots[r-1]
	words := t.arena.CellWords(s.cellBase, int(s.level))
	words[i] = uint32(v)
}

func cmpTS(a, b header.Timestamp) int {
	if a.Sec != b.Sec {
		if a.Sec < b.Sec {
			return -1
		}
		return 1
	}
	if a.Usec != b.Usec {
		if a.Usec < b.Usec {
			return -1
		}
		return 1
	}
	return 0
}

// search returns, for each level, the last node whose key is < ts
// (update[i]), and the first node whose key is >= ts (candidate).
func (t *TQ) search(ts header.Timestamp) (update []Ref, candidate Ref) {
	update = make([]Ref, t.maxLevel)
	var cur Ref // zero value = head
	for i := t.level; i >= 0; i-- {
		for {
			next := t.forwardOf(cur, i)
			if !next.Valid() {
				break
			}
			if cmpTS(t.slots[next-1].ts, ts) >= 0 {
				break
			}
			cur = next
		}
		update[i] = cur
	}
	candidate = t.forwardOf(cur, 0)
	return update, candidate
}

// Find returns the entry related to ts per rel, or false if none exists.
func (t *TQ) Find(ts header.Timestamp, rel Relation) (Ref, bool) {
	_, cand := t.search(ts)
	switch rel {
	case Equal:
		if cand.Valid() && cmpTS(t.slots[cand-1].ts, ts) == 0 {
			return cand, true
		}
		return 0, false
	case Greater:
		if cand.Valid() && cmpTS(t.slots[cand-1].ts, ts) == 0 {
			return t.Next(cand)
		}
		if cand.Valid() {
			return cand, true
		}
		return 0, false
	case Less:
		update, _ := t.search(ts)
		pred := update[0]
		if !pred.Valid() {
			return 0, false
		}
		return pred, true
	}
	return 0, false
}

// First returns the entry with the smallest timestamp.
func (t *TQ) First() (Ref, bool) {
	r := t.forwardOf(0, 0)
	return r, r.Valid()
}

// Last returns the entry with the largest timestamp.
func (t *TQ) Last() (Ref, bool) {
	var cur Ref
	for i := t.level; i >= 0; i-- {
		for {
			next := t.forwardOf(cur, i)
			if !next.Valid() {
				break
			}
			cur = next
		}
	}
	return cur, cur.Valid()
}

// Next returns the successor of r in timestamp order.
func (t *TQ) Next(r Ref) (Ref, bool) {
	n := t.forwardOf(r, 0)
	return n, n.Valid()
}

// Timestamp returns r's timestamp.
func (t *TQ) Timestamp(r Ref) header.Timestamp { return t.slots[r-1].ts }

// Offset returns r's data-region offset.
func (t *TQ) Offset(r Ref) uint64 { return t.slots[r-1].offset }

// Len returns the number of entries currently present.
func (t *TQ) Len() int { return t.length }

// Add inserts a new entry for offset stamped with now. If now collides
// with an existing timestamp, it is advanced by the smallest representable
// tick and the search restarts from the last level-`level` predecessor
// found, preserving logarithmic insertion time as specified.
func (t *TQ) Add(now header.Timestamp, offset uint64) (Ref, header.Timestamp, error) {
	if t.freeSlot() == nilRef {
		return 0, now, ErrOutOfSlots
	}
	level := fblk.RandomLevel(t.maxLevel, t.level)
	cell, err := t.arena.Get(level)
	if err != nil {
		return 0, now, err
	}

	ts := now
	update, cand := t.search(ts)
	for cand.Valid() && cmpTS(t.slots[cand-1].ts, ts) == 0 {
		ts = ts.AddTick()
		// Restart from the highest predecessor already found, descending
		// only as far as needed — avoids a full O(log n) re-search.
		for i := 0; i <= t.level; i++ {
			for {
				next := t.forwardOf(update[i], i)
				if !next.Valid() || cmpTS(t.slots[next-1].ts, ts) >= 0 {
					break
				}
				update[i] = next
			}
		}
		cand = t.forwardOf(update[0], 0)
	}

	if level-1 > t.level {
		for i := t.level + 1; i <= level-1; i++ {
			update[i] = 0
		}
		t.level = level - 1
		*t.curLevel = uint32(t.level)
	}

	ref := t.popFree()
	s := &t.slots[ref-1]
	s.ts = ts
	s.offset = offset
	s.level = uint32(level)
	s.cellBase = cell.Base()
	s.inUse = 1

	for i := 0; i < level; i++ {
		cell.Words[i] = uint32(t.forwardOf(update[i], i))
		t.setForward(update[i], i, ref)
	}

	t.length++
	*t.lengthP = uint32(t.length)
	return ref, ts, nil
}

// Delete removes r from the skip list and releases its forward-pointer
// cell back to the arena.
func (t *TQ) Delete(r Ref) {
	s := &t.slots[r-1]
	ts := s.ts
	update, _ := t.search(ts)
	// search() stops at the first candidate with ts >= target; because
	// timestamps are unique that candidate is exactly r (if present at a
	// given level). Unlink r from every level it participates in.
	level := int(s.level)
	for i := 0; i < level; i++ {
		pred := update[i]
		if t.forwardOf(pred, i) == r {
			t.setForward(pred, i, t.forwardOf(r, i))
		}
	}
	for t.level > 0 {
		if t.forwardOf(0, t.level) != 0 {
			break
		}
		t.level--
	}
	*t.curLevel = uint32(t.level)

	cellWords := t.arena.CellWords(s.cellBase, level)
	t.arena.Release(fblk.Cell{Level: level, Words: cellWords})

	s.inUse = 0
	t.pushFree(r)
	t.length--
	*t.lengthP = uint32(t.length)
}

func (t *TQ) freeSlot() uint32 { return *t.freeHead }

func (t *TQ) popFree() Ref {
	idx := *t.freeHead
	s := &t.slots[idx-1]
	*t.freeHead = s.next
	return Ref(idx)
}

func (t *TQ) pushFree(r Ref) {
	t.slots[r-1].next = *t.freeHead
	*t.freeHead = uint32(r)
}

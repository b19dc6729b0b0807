// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package region implements the region table (RL): the flat array of
// data-segment extents threaded by four structures — an Empty free-slot
// list, an in-use hash keyed by offset, and two free-region skip lists
// (by offset, for O(1) coalescing; by (extent, offset), for best-fit
// allocation). See spec §4.3.
//
// Every region-table slot reuses its `next`/`prev` fields for a different
// purpose depending on state (Empty/Free/InUse); the state tag is always
// explicit, never inferred from which fields happen to be populated.
package region

import (
	"errors"
	"unsafe"

	"code.hybscloud.com/pq/internal/fblk"
)

// Magic identifies an RL region in the index segment (spec §6).
const Magic uint32 = 0x524c4841

const nilRef uint32 = 0

// State is a region-table slot's lifecycle state.
type State uint32

const (
	Empty State = iota
	Free
	InUse
)

var (
	// ErrNoRoom is returned when no free region is large enough, but the
	// arena/table otherwise has capacity (caller should evict and retry).
	ErrNoRoom = errors.New("region: no free region large enough")
	// ErrOutOfMemory is returned when an Empty slot is needed (to hold a
	// split remainder) and none exists.
	ErrOutOfMemory = errors.New("region: out of region-table slots")
)

// Ref identifies a region-table slot by its 1-based index. Zero means "no
// region".
type Ref uint32

func (r Ref) Valid() bool { return r != 0 }

type rslot struct {
	offset uint64
	extent uint64
	state  uint32
	next   uint32 // InUse: hash-chain next; Free: by-offset cell base; Empty: next empty
	prev   uint32 // InUse: hash-chain prev; Free: by-extent cell base
	lvlOff uint32 // Free only: by-offset skip-list level
	lvlExt uint32 // Free only: by-extent skip-list level
}

// Stats are the running maxima/minima RL maintains (spec §4.3).
type Stats struct {
	MaxInUse      uint32
	MaxFree       uint32
	MaxBytesInUse uint64
	MinEmpty      uint32
}

// ControlWords is the fixed control-header word count ahead of the hash
// bucket table and slot array: magic, nalloc, nbuckets, emptyHead,
// maxFreeExtent(lo,hi), inUseCount, freeCount, maxInUse, maxFree,
// maxBytesInUse(lo,hi), minEmpty, byOffLevel, byExtLevel,
// bytesInUse(lo,hi).
const ControlWords = 17

// Bytes returns the total byte size an RL region needs for nalloc slots
// and nbuckets hash buckets, for callers planning the on-disk
// index-segment layout.
func Bytes(nalloc, nbuckets int) int {
	return ControlWords*4 + nbuckets*4 + nalloc*int(unsafe.Sizeof(rslot{}))
}

// RL is the region table overlaid on a byte buffer.
type RL struct {
	nalloc   int
	nbuckets int
	maxLevel int
	arena    *fblk.Arena

	magic          *uint32
	naAllocP       *uint32
	nbucketsP      *uint32
	emptyHead      *uint32
	maxFreeLo      *uint32
	maxFreeHi      *uint32
	inUseCountP    *uint32
	freeCountP     *uint32
	statMaxInUse   *uint32
	statMaxFree    *uint32
	statMaxBytesLo *uint32
	statMaxBytesHi *uint32
	statMinEmpty   *uint32

	byOffLevel *uint32
	byExtLevel *uint32

	bytesInUseLo *uint32
	bytesInUseHi *uint32

	buckets []uint32
	slots   []rslot

	byOffHead fblk.Cell
	byExtHead fblk.Cell
}

// Open overlays an RL onto buf for nalloc slots with nbuckets hash
// buckets (the largest prime <= nalloc/4, computed by the caller via
// [LargestPrimeAtMost]). If fresh, the table is initialized to one
// maximum-extent free region covering [0, dataBytes).
func Open(buf []byte, nalloc, nbuckets int, arena *fblk.Arena, fresh bool, dataBytes uint64) *RL {
	ctrl := unsafe.Slice((*uint32)(unsafe.Pointer(&buf[0])), ControlWords)
	r := &RL{
		nalloc:       nalloc,
		nbuckets:     nbuckets,
		maxLevel:     arena.MaxLevel(),
		arena:        arena,
		magic:        &ctrl[0],
		naAllocP:     &ctrl[1],
		nbucketsP:    &ctrl[2],
		emptyHead:    &ctrl[3],
		maxFreeLo:    &ctrl[4],
		maxFreeHi:    &ctrl[5],
		inUseCountP:  &ctrl[6],
		freeCountP:   &ctrl[7],
		statMaxInUse:   &ctrl[8],
		statMaxFree:    &ctrl[9],
		statMaxBytesLo: &ctrl[10],
		statMaxBytesHi: &ctrl[11],
		statMinEmpty:   &ctrl[12],
		byOffLevel:     &ctrl[13],
		byExtLevel:     &ctrl[14],
		bytesInUseLo:   &ctrl[15],
		bytesInUseHi:   &ctrl[16],
	}
	bucketsOff := ControlWords * 4
	r.buckets = unsafe.Slice((*uint32)(unsafe.Pointer(&buf[bucketsOff])), nbuckets)
	slotsOff := bucketsOff + nbuckets*4
	r.slots = unsafe.Slice((*rslot)(unsafe.Pointer(&buf[slotsOff])), nalloc)

	if fresh {
		*r.magic = Magic
		*r.naAllocP = uint32(nalloc)
		*r.nbucketsP = uint32(nbuckets)
		for i := range r.buckets {
			r.buckets[i] = nilRef
		}
		*r.emptyHead = 1
		for i := 0; i < nalloc; i++ {
			r.slots[i] = rslot{}
			if i+1 < nalloc {
				r.slots[i].next = uint32(i + 2)
			} else {
				r.slots[i].next = nilRef
			}
		}
		*r.byOffLevel = 0
		*r.byExtLevel = 0
		off, err := arena.Get(arena.MaxLevel())
		if err != nil {
			panic("region: arena too small for by-offset head: " + err.Error())
		}
		for i := range off.Words {
			off.Words[i] = nilRef
		}
		r.byOffHead = off
		ext, err := arena.Get(arena.MaxLevel())
		if err != nil {
			panic("region: arena too small for by-extent head: " + err.Error())
		}
		for i := range ext.Words {
			ext.Words[i] = nilRef
		}
		r.byExtHead = ext

		*r.inUseCountP = 0
		*r.freeCountP = 0
		*r.statMinEmpty = uint32(nalloc)
		*r.bytesInUseLo = 0
		*r.bytesInUseHi = 0

		ref := r.popEmpty()
		s := &r.slots[ref-1]
		s.offset, s.extent, s.state = 0, dataBytes, uint32(Free)
		r.freeInsert(ref)
		*r.freeCountP = 1
		r.setMaxFreeExtent(dataBytes)
	}
	return r
}

// ReopenHeads restores the two free-list sentinel cells after a fresh=false
// Open, mirroring [tindex.TQ.ReopenHead]: a fresh Open takes the by-offset
// head as its first reserve-sized allocation from the arena and the
// by-extent head as its second, so both sit at fixed reserve offsets.
func (r *RL) ReopenHeads(byOffsetWords, byExtentWords []uint32) {
	r.byOffHead = fblk.Cell{Level: r.maxLevel, Words: byOffsetWords}
	r.byExtHead = fblk.Cell{Level: r.maxLevel, Words: byExtentWords}
}

// --- Empty list -------------------------------------------------------

func (r *RL) popEmpty() Ref {
	idx := *r.emptyHead
	s := &r.slots[idx-1]
	*r.emptyHead = s.next
	return Ref(idx)
}

func (r *RL) pushEmpty(ref Ref) {
	s := &r.slots[ref-1]
	*s = rslot{next: *r.emptyHead}
	*r.emptyHead = uint32(ref)
	nEmpty := r.countEmptyApprox()
	if nEmpty < *r.statMinEmpty {
		*r.statMinEmpty = nEmpty
	}
}

func (r *RL) countEmptyApprox() uint32 {
	return uint32(r.nalloc) - *r.inUseCountP - *r.freeCountP
}

// --- In-use hash --------------------------------------------------------

func bucketOf(offset uint64, nbuckets int) int {
	return int(offset % uint64(nbuckets))
}

func (r *RL) hashInsert(ref Ref) {
	s := &r.slots[ref-1]
	b := bucketOf(s.offset, r.nbuckets)
	head := r.buckets[b]
	s.next = head
	s.prev = nilRef
	if head != nilRef {
		r.slots[head-1].prev = uint32(ref)
	}
	r.buckets[b] = uint32(ref)
}

func (r *RL) hashRemove(ref Ref) {
	s := &r.slots[ref-1]
	b := bucketOf(s.offset, r.nbuckets)
	if s.prev != nilRef {
		r.slots[s.prev-1].next = s.next
	} else {
		r.buckets[b] = s.next
	}
	if s.next != nilRef {
		r.slots[s.next-1].prev = s.prev
	}
}

// FindInUse looks up the in-use region at offset.
func (r *RL) FindInUse(offset uint64) (Ref, bool) {
	b := bucketOf(offset, r.nbuckets)
	cur := r.buckets[b]
	for cur != nilRef {
		s := &r.slots[cur-1]
		if s.offset == offset {
			return Ref(cur), true
		}
		cur = s.next
	}
	return 0, false
}

// --- Free skip lists ------------------------------------------------

// byOffset orders purely on offset; byExtent orders on (extent, offset).
func (r *RL) cmpOffset(a, b Ref) int { return cmpU64(r.slots[a-1].offset, r.slots[b-1].offset) }

func (r *RL) cmpExtent(a, b Ref) int {
	sa, sb := &r.slots[a-1], &r.slots[b-1]
	if c := cmpU64(sa.extent, sb.extent); c != 0 {
		return c
	}
	return cmpU64(sa.offset, sb.offset)
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (r *RL) byOffForward(ref Ref, i int) Ref {
	if !ref.Valid() {
		return Ref(r.byOffHead.Words[i])
	}
	s := &r.slots[ref-1]
	return Ref(r.arena.CellWords(s.next, int(s.lvlOff))[i])
}

func (r *RL) setByOffForward(ref Ref, i int, v Ref) {
	if !ref.Valid() {
		r.byOffHead.Words[i] = uint32(v)
		return
	}
	s := &r.slots[ref-1]
	r.arena.CellWords(s.next, int(s.lvlOff))[i] = uint32(v)
}

func (r *RL) byExtForward(ref Ref, i int) Ref {
	if !ref.Valid() {
		return Ref(r.byExtHead.Words[i])
	}
	s := &r.slots[ref-1]
	return Ref(r.arena.CellWords(s.prev, int(s.lvlExt))[i])
}

func (r *RL) setByExtForward(ref Ref, i int, v Ref) {
	if !ref.Valid() {
		r.byExtHead.Words[i] = uint32(v)
		return
	}
	s := &r.slots[ref-1]
	r.arena.CellWords(s.prev, int(s.lvlExt))[i] = uint32(v)
}

// searchByOffset returns the update vector and first candidate >= offset.
func (r *RL) searchByOffset(offset uint64) (update []Ref, cand Ref) {
	update = make([]Ref, r.maxLevel)
	var cur Ref
	lvl := int(*r.byOffLevel)
	for i := lvl; i >= 0; i-- {
		for {
			next := r.byOffForward(cur, i)
			if !next.Valid() || r.slots[next-1].offset >= offset {
				break
			}
			cur = next
		}
		update[i] = cur
	}
	cand = r.byOffForward(cur, 0)
	return update, cand
}

func (r *RL) searchByExtent(extent, offset uint64) (update []Ref, cand Ref) {
	update = make([]Ref, r.maxLevel)
	var cur Ref
	lvl := int(*r.byExtLevel)
	for i := lvl; i >= 0; i-- {
		for {
			next := r.byExtForward(cur, i)
			if !next.Valid() {
				break
			}
			ns := &r.slots[next-1]
			if ns.extent > extent || (ns.extent == extent && ns.offset >= offset) {
				break
			}
			cur = next
		}
		update[i] = cur
	}
	cand = r.byExtForward(cur, 0)
	return update, cand
}

func (r *RL) freeInsert(ref Ref) {
	s := &r.slots[ref-1]

	// by-offset
	update, _ := r.searchByOffset(s.offset)
	level := fblk.RandomLevel(r.maxLevel, int(*r.byOffLevel))
	cell, err := r.arena.Get(level)
	if err != nil {
		panic("region: arena exhausted inserting free-by-offset: " + err.Error())
	}
	if level-1 > int(*r.byOffLevel) {
		for i := int(*r.byOffLevel) + 1; i <= level-1; i++ {
			update[i] = 0
		}
		*r.byOffLevel = uint32(level - 1)
	}
	s.next = cell.Base()
	s.lvlOff = uint32(level)
	for i := 0; i < level; i++ {
		cell.Words[i] = uint32(r.byOffForward(update[i], i))
		r.setByOffForward(update[i], i, ref)
	}

	// by-extent
	updateE, _ := r.searchByExtent(s.extent, s.offset)
	levelE := fblk.RandomLevel(r.maxLevel, int(*r.byExtLevel))
	cellE, err := r.arena.Get(levelE)
	if err != nil {
		panic("region: arena exhausted inserting free-by-extent: " + err.Error())
	}
	if levelE-1 > int(*r.byExtLevel) {
		for i := int(*r.byExtLevel) + 1; i <= levelE-1; i++ {
			updateE[i] = 0
		}
		*r.byExtLevel = uint32(levelE - 1)
	}
	s.prev = cellE.Base()
	s.lvlExt = uint32(levelE)
	for i := 0; i < levelE; i++ {
		cellE.Words[i] = uint32(r.byExtForward(updateE[i], i))
		r.setByExtForward(updateE[i], i, ref)
	}

	s.state = uint32(Free)
}

// freeRemove removes ref from both free skip lists without changing its
// state or extent; the caller is responsible for those.
func (r *RL) freeRemove(ref Ref) {
	s := &r.slots[ref-1]

	update, _ := r.searchByOffset(s.offset)
	levelOff := int(s.lvlOff)
	for i := 0; i < levelOff; i++ {
		if r.byOffForward(update[i], i) == ref {
			r.setByOffForward(update[i], i, r.byOffForward(ref, i))
		}
	}
	for *r.byOffLevel > 0 && r.byOffForward(0, int(*r.byOffLevel)) == 0 {
		*r.byOffLevel--
	}
	r.arena.Release(fblk.Cell{Level: levelOff, Words: r.arena.CellWords(s.next, levelOff)})

	updateE, _ := r.searchByExtent(s.extent, s.offset)
	levelExt := int(s.lvlExt)
	for i := 0; i < levelExt; i++ {
		if r.byExtForward(updateE[i], i) == ref {
			r.setByExtForward(updateE[i], i, r.byExtForward(ref, i))
		}
	}
	for *r.byExtLevel > 0 && r.byExtForward(0, int(*r.byExtLevel)) == 0 {
		*r.byExtLevel--
	}
	r.arena.Release(fblk.Cell{Level: levelExt, Words: r.arena.CellWords(s.prev, levelExt)})
}

// byOffsetNeighbors returns the immediate predecessor and successor of ref
// in the by-offset free list (used for coalescing).
func (r *RL) byOffsetNeighbors(ref Ref) (prev, next Ref) {
	s := &r.slots[ref-1]
	update, _ := r.searchByOffset(s.offset)
	prev = update[0]
	next = r.byOffForward(ref, 0)
	return prev, next
}

func (r *RL) setMaxFreeExtent(extent uint64) {
	*r.maxFreeLo = uint32(extent)
	*r.maxFreeHi = uint32(extent >> 32)
}

// MaxFreeExtent returns the cached largest free-region extent, or 0.
func (r *RL) MaxFreeExtent() uint64 {
	return uint64(*r.maxFreeLo) | uint64(*r.maxFreeHi)<<32
}

func (r *RL) recomputeMaxFreeExtent() {
	head := r.byExtForward(0, 0)
	for {
		next := r.byExtForward(head, 0)
		if !next.Valid() {
			break
		}
		head = next
	}
	if head.Valid() {
		r.setMaxFreeExtent(r.slots[head-1].extent)
	} else {
		r.setMaxFreeExtent(0)
	}
}

// --- Allocation & free (spec §4.3) -----------------------------------

// SmallestExtentEverSeen bounds the split threshold: a remainder smaller
// than requested+this+64 is not worth splitting off.
const SmallestExtentEverSeen = 0

// Alloc performs best-fit allocation of `extent` bytes, splitting the
// remainder into a new Free region when it is worth keeping. Returns the
// newly InUse region.
func (r *RL) Alloc(extent uint64) (Ref, error) {
	if extent > r.MaxFreeExtent() {
		return 0, ErrNoRoom
	}
	_, cand := r.searchByExtent(extent, 0)
	if !cand.Valid() {
		return 0, ErrNoRoom
	}

	ref := cand
	s := &r.slots[ref-1]
	r.freeRemove(ref)
	*r.freeCountP--

	remainder := s.extent - extent
	if remainder > extent+SmallestExtentEverSeen+64 {
		if *r.emptyHead == nilRef {
			// Put ref back exactly as found; allocation fails cleanly.
			r.freeInsert(ref)
			*r.freeCountP++
			return 0, ErrOutOfMemory
		}
		newRef := r.popEmpty()
		ns := &r.slots[newRef-1]
		ns.offset = s.offset + extent
		ns.extent = remainder
		ns.state = uint32(Free)
		r.freeInsert(newRef)
		*r.freeCountP++
		s.extent = extent
	}

	s.state = uint32(InUse)
	r.hashInsert(ref)
	*r.inUseCountP++
	if *r.inUseCountP > *r.statMaxInUse {
		*r.statMaxInUse = *r.inUseCountP
	}
	r.addBytesInUse(int64(s.extent))
	r.recomputeMaxFreeExtent()
	return ref, nil
}

// Free marks ref Free, reinserts it into both free skip lists, and merges
// it with any offset-adjacent free neighbors (spec §4.3 "Free &
// coalesce"). Returns the (possibly merged) free region's final extent.
func (r *RL) Free(ref Ref) uint64 {
	s := &r.slots[ref-1]
	r.hashRemove(ref)
	*r.inUseCountP--
	r.addBytesInUse(-int64(s.extent))
	s.next, s.prev = 0, 0
	s.state = uint32(Free)
	r.freeInsert(ref)
	*r.freeCountP++
	if *r.freeCountP > *r.statMaxFree {
		*r.statMaxFree = *r.freeCountP
	}

	ref = r.coalesce(ref)
	r.recomputeMaxFreeExtent()
	return r.slots[ref-1].extent
}

// coalesce merges ref with its offset-adjacent free neighbors and returns
// the (possibly different) ref that ends up holding the merged region —
// the original ref may be pushed back to Empty if it gets absorbed into
// its predecessor, so callers must use the returned ref, not their own.
func (r *RL) coalesce(ref Ref) Ref {
	for {
		prev, next := r.byOffsetNeighbors(ref)
		s := &r.slots[ref-1]
		merged := false

		if next.Valid() {
			ns := &r.slots[next-1]
			if s.offset+s.extent == ns.offset {
				r.freeRemove(next)
				*r.freeCountP--
				r.freeRemove(ref)
				*r.freeCountP--
				s.extent += ns.extent
				r.freeInsert(ref)
				*r.freeCountP++
				r.pushEmpty(next)
				merged = true
			}
		}
		if !merged && prev.Valid() {
			ps := &r.slots[prev-1]
			if ps.offset+ps.extent == s.offset {
				r.freeRemove(prev)
				*r.freeCountP--
				r.freeRemove(ref)
				*r.freeCountP--
				ps.extent += s.extent
				r.freeInsert(prev)
				*r.freeCountP++
				r.pushEmpty(ref)
				ref = prev
				merged = true
			}
		}
		if !merged {
			return ref
		}
	}
}

// Offset, Extent, StateOf return a region's attributes.
func (r *RL) Offset(ref Ref) uint64   { return r.slots[ref-1].offset }
func (r *RL) Extent(ref Ref) uint64   { return r.slots[ref-1].extent }
func (r *RL) StateOf(ref Ref) State   { return State(r.slots[ref-1].state) }
func (r *RL) InUseCount() uint32      { return *r.inUseCountP }
func (r *RL) FreeCount() uint32       { return *r.freeCountP }
func (r *RL) EmptyCount() uint32      { return uint32(r.nalloc) - *r.inUseCountP - *r.freeCountP }
func (r *RL) Stats() Stats {
	return Stats{
		MaxInUse:      *r.statMaxInUse,
		MaxFree:       *r.statMaxFree,
		MaxBytesInUse: uint64(*r.statMaxBytesLo) | uint64(*r.statMaxBytesHi)<<32,
		MinEmpty:      *r.statMinEmpty,
	}
}

// BytesInUse returns the current total size of every InUse region.
func (r *RL) BytesInUse() uint64 {
	return uint64(*r.bytesInUseLo) | uint64(*r.bytesInUseHi)<<32
}

// addBytesInUse adjusts the running total of in-use bytes by delta
// (positive on alloc, negative on free) and, if the new total is a new
// high, updates the max-bytes-in-use stat (spec §4.3 "running maxima of
// ... bytes used" — the cumulative total, not any single region's extent).
func (r *RL) addBytesInUse(delta int64) {
	total := int64(r.BytesInUse()) + delta
	if total < 0 {
		total = 0
	}
	u := uint64(total)
	*r.bytesInUseLo = uint32(u)
	*r.bytesInUseHi = uint32(u >> 32)
	if u > (uint64(*r.statMaxBytesLo) | uint64(*r.statMaxBytesHi)<<32) {
		*r.statMaxBytesLo = uint32(u)
		*r.statMaxBytesHi = uint32(u >> 32)
	}
}

// LargestPrimeAtMost returns the largest prime <= n (n >= 2), used to size
// the in-use hash's bucket count from nalloc/4 as specified.
func LargestPrimeAtMost(n int) int {
	if n < 2 {
		return 2
	}
	for c := n; c >= 2; c-- {
		if isPrime(c) {
			return c
		}
	}
	return 2
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

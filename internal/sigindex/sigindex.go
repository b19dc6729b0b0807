// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sigindex implements the signature index (SX): a chained hash
// map from a 16-byte content signature (expected to be the MD5 of a
// product's payload) to its data-region offset, bucketed by the
// signature's leading 4 bytes (spec §4.4).
package sigindex

import (
	"encoding/binary"
	"unsafe"
)

// Magic identifies an SX region in the index segment (spec §6).
const Magic uint32 = 0x53584841

const nilRef uint32 = 0

// Signature is the 16-byte content fingerprint.
type Signature [16]byte

// Ref identifies a live signature-table slot by 1-based index.
type Ref uint32

func (r Ref) Valid() bool { return r != 0 }

type sslot struct {
	sig    Signature
	offset uint64
	next   uint32 // hash-chain next (occupied) or free-list next (free)
	inUse  uint32
}

// ControlWords is the fixed control header: magic, nalloc, nbuckets, freeHead.
const ControlWords = 4

// Bytes returns the total byte size an SX region needs for nalloc slots
// and nbuckets hash buckets, for callers planning the on-disk
// index-segment layout.
func Bytes(nalloc, nbuckets int) int {
	return ControlWords*4 + nbuckets*4 + nalloc*int(unsafe.Sizeof(sslot{}))
}

// SX is the signature index overlaid on a byte buffer.
type SX struct {
	nalloc   int
	nbuckets int

	magic     *uint32
	naAllocP  *uint32
	nbucketsP *uint32
	freeHead  *uint32

	buckets []uint32
	slots   []sslot
}

// Open overlays an SX onto buf for nalloc slots with nbuckets hash
// buckets. If fresh, every slot starts on the free list.
func Open(buf []byte, nalloc, nbuckets int, fresh bool) *SX {
	ctrl := unsafe.Slice((*uint32)(unsafe.Pointer(&buf[0])), ControlWords)
	x := &SX{
		nalloc:    nalloc,
		nbuckets:  nbuckets,
		magic:     &ctrl[0],
		naAllocP:  &ctrl[1],
		nbucketsP: &ctrl[2],
		freeHead:  &ctrl[3],
	}
	bucketsOff := ControlWords * 4
	x.buckets = unsafe.Slice((*uint32)(unsafe.Pointer(&buf[bucketsOff])), nbuckets)
	slotsOff := bucketsOff + nbuckets*4
	x.slots = unsafe.Slice((*sslot)(unsafe.Pointer(&buf[slotsOff])), nalloc)

	if fresh {
		*x.magic = Magic
		*x.naAllocP = uint32(nalloc)
		*x.nbucketsP = uint32(nbuckets)
		for i := range x.buckets {
			x.buckets[i] = nilRef
		}
		*x.freeHead = 1
		for i := 0; i < nalloc; i++ {
			x.slots[i] = sslot{}
			if i+1 < nalloc {
				x.slots[i].next = uint32(i + 2)
			} else {
				x.slots[i].next = nilRef
			}
		}
	}
	return x
}

func bucketOf(sig Signature, nbuckets int) int {
	prefix := binary.BigEndian.Uint32(sig[:4])
	return int(prefix % uint32(nbuckets))
}

// Find returns the offset stored for sig, if present.
func (x *SX) Find(sig Signature) (uint64, bool) {
	b := bucketOf(sig, x.nbuckets)
	cur := x.buckets[b]
	for cur != nilRef {
		s := &x.slots[cur-1]
		if s.sig == sig {
			return s.offset, true
		}
		cur = s.next
	}
	return 0, false
}

// Add inserts sig -> offset. The caller must ensure sig is not already
// present (duplicate detection happens one level up, in the allocator,
// since it must also surface the existing product rather than erroring
// blindly).
func (x *SX) Add(sig Signature, offset uint64) (Ref, bool) {
	if *x.freeHead == nilRef {
		return 0, false
	}
	idx := *x.freeHead
	s := &x.slots[idx-1]
	*x.freeHead = s.next

	b := bucketOf(sig, x.nbuckets)
	s.sig = sig
	s.offset = offset
	s.inUse = 1
	s.next = x.buckets[b]
	x.buckets[b] = idx
	return Ref(idx), true
}

// FindAndDelete removes and returns the entry for sig, if present. Per
// spec §4.4, failing to find the signature of a product known to be
// in-use indicates queue corruption; callers must treat a false return in
// that context as fatal.
func (x *SX) FindAndDelete(sig Signature) (uint64, bool) {
	b := bucketOf(sig, x.nbuckets)
	var prev uint32
	cur := x.buckets[b]
	for cur != nilRef {
		s := &x.slots[cur-1]
		if s.sig == sig {
			if prev == nilRef {
				x.buckets[b] = s.next
			} else {
				x.slots[prev-1].next = s.next
			}
			offset := s.offset
			*s = sslot{next: *x.freeHead}
			*x.freeHead = cur
			return offset, true
		}
		prev = cur
		cur = s.next
	}
	return 0, false
}

// Delete removes sig without returning its offset (convenience wrapper).
func (x *SX) Delete(sig Signature) bool {
	_, ok := x.FindAndDelete(sig)
	return ok
}

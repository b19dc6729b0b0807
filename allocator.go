// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"encoding/binary"
	"time"

	"code.hybscloud.com/pq/internal/header"
	"code.hybscloud.com/pq/internal/mapping"
	"code.hybscloud.com/pq/internal/region"
	"code.hybscloud.com/pq/internal/tindex"
)

// productHeaderSize is the fixed-size prefix stored ahead of a product's
// variable-length origin/ident strings and its payload, inside every
// allocated data region.
const productHeaderSize = 16 + 8 + 4 + 4 + 4 + 4 + 2 + 2

type productHeader struct {
	sig       Signature
	sec       int64
	usec      int32
	size      uint32
	feedtype  uint32
	ptype     uint32
	originLen uint16
	identLen  uint16
}

func encodeProductHeader(buf []byte, h productHeader) {
	o := binary.NativeEndian
	copy(buf[0:16], h.sig[:])
	o.PutUint64(buf[16:24], uint64(h.sec))
	o.PutUint32(buf[24:28], uint32(h.usec))
	o.PutUint32(buf[28:32], h.size)
	o.PutUint32(buf[32:36], h.feedtype)
	o.PutUint32(buf[36:40], h.ptype)
	o.PutUint16(buf[40:42], h.originLen)
	o.PutUint16(buf[42:44], h.identLen)
}

func decodeProductHeader(buf []byte) productHeader {
	o := binary.NativeEndian
	var h productHeader
	copy(h.sig[:], buf[0:16])
	h.sec = int64(o.Uint64(buf[16:24]))
	h.usec = int32(o.Uint32(buf[24:28]))
	h.size = o.Uint32(buf[28:32])
	h.feedtype = o.Uint32(buf[32:36])
	h.ptype = o.Uint32(buf[36:40])
	h.originLen = o.Uint16(buf[40:42])
	h.identLen = o.Uint16(buf[42:44])
	return h
}

func alignUp32(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	return uint32(header.AlignUp(uint64(n), uint64(align)))
}

// Reservation is an in-progress allocation returned by Reserve. Exactly
// one of Commit, CommitWithSignature or Discard must be called on it
// (spec §4.10 "every reservation is terminated by exactly one outcome").
type Reservation struct {
	ref     region.Ref
	offset  uint64
	extent  uint64
	payload []byte // zero-copy window for [hdrLen, hdrLen+payloadSize), hdrLen = productHeaderSize+origin+ident rounded up to the alignment
}

// Payload returns the reservation's writable payload window.
func (r *Reservation) Payload() []byte { return r.payload }

// dataWindow fetches a zero-copy (or, for NoMap, private-copy) window of
// the data segment at the given data-relative offset.
func (q *Queue) dataWindow(offset, extent uint64, rw mapping.RWFlag) ([]byte, error) {
	return q.mf.Fetch(int64(q.dataOffset+offset), int64(extent), rw)
}

func (q *Queue) storeDataWindow(offset uint64, buf []byte) error {
	return q.mf.Store(int64(q.dataOffset+offset), buf)
}

func (q *Queue) dataLock(offset, extent uint64, write, nowait bool) error {
	if q.flags.has(NoLock) {
		return nil
	}
	return mapping.LockRange(q.file, int64(q.dataOffset+offset), int64(extent), write, nowait)
}

func (q *Queue) dataTryLock(offset, extent uint64, write bool) (bool, error) {
	if q.flags.has(NoLock) {
		return true, nil
	}
	return mapping.TryLockRange(q.file, int64(q.dataOffset+offset), int64(extent), write)
}

func (q *Queue) dataUnlock(offset, extent uint64) error {
	if q.flags.has(NoLock) {
		return nil
	}
	return mapping.UnlockRange(q.file, int64(q.dataOffset+offset), int64(extent))
}

// reserveExtent allocates extent bytes from the region table, evicting
// the oldest unlocked product and retrying as long as eviction makes
// progress (spec §4.5 "rpqe_new": allocate, and on ErrNoRoom evict the
// oldest product and retry until either allocation succeeds or eviction
// itself reports there is nothing left to evict). now is the wall-clock
// instant to charge any eviction's MVRT sample against (spec §4.7). The
// returned bool reports whether this call had to evict at all, for the
// header's IsFull flag.
func (q *Queue) reserveExtent(extent uint64, now header.Timestamp) (region.Ref, bool, error) {
	evictedAny := false
	for {
		ref, err := q.rl.Alloc(extent)
		if err == nil {
			return ref, evictedAny, nil
		}
		if err != region.ErrNoRoom && err != region.ErrOutOfMemory {
			return 0, evictedAny, err
		}
		evicted, everr := q.evictOldest(now)
		if everr != nil {
			if everr == ErrNotFound {
				return 0, evictedAny, ErrOutOfMemory
			}
			return 0, evictedAny, everr
		}
		if !evicted {
			return 0, evictedAny, ErrAllLocked
		}
		evictedAny = true
	}
}

// wallClockNow converts the real current time to a header.Timestamp, used
// as the eviction-time "now" by Reserve, which (unlike Insert) has no
// caller-supplied timestamp of its own yet at allocation time.
func wallClockNow() header.Timestamp {
	t := time.Now()
	return header.Timestamp{Sec: t.Unix(), Usec: int32(t.Nanosecond() / 1000)}
}

// Reserve allocates room for a payload of exactly payloadSize bytes plus
// metadata, without yet assigning a signature or timestamp. The caller
// must write into Reservation.Payload() and call Commit or
// CommitWithSignature to finish, or Discard to abandon it.
func (q *Queue) Reserve(payloadSize uint32, origin, ident string) (*Reservation, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	q.lockAll()
	defer q.unlockAll()
	return q.reserve(payloadSize, origin, ident, wallClockNow())
}

// reserve allocates and writes a product's header/origin/ident, charging
// any eviction it triggers against evictionNow (spec §4.7).
func (q *Queue) reserve(payloadSize uint32, origin, ident string, evictionNow header.Timestamp) (*Reservation, error) {
	if payloadSize == 0 {
		return nil, ErrEmpty
	}
	if uint64(productHeaderSize)+uint64(len(origin))+uint64(len(ident))+uint64(payloadSize) > q.dataBytes {
		return nil, ErrTooBig
	}
	align := q.header().Align
	hdrLen := alignUp32(uint32(productHeaderSize+len(origin)+len(ident)), align)
	extent := uint64(hdrLen) + uint64(header.AlignUp(uint64(payloadSize), uint64(nonZeroAlign(align))))

	if err := q.lockControl(true, false); err != nil {
		return nil, err
	}
	defer q.unlockControl()

	ref, evicted, err := q.reserveExtent(extent, evictionNow)
	if err != nil {
		return nil, err
	}
	// IsFull reflects whether this, the most recent reservation attempt,
	// had to evict to make room (spec §6 "IsFull"; scenarios 3/4).
	h := q.header()
	if evicted {
		h.IsFull = 1
	} else {
		h.IsFull = 0
	}
	q.setHeader(h)
	offset := q.rl.Offset(ref)
	actualExtent := q.rl.Extent(ref)

	buf, err := q.dataWindow(offset, actualExtent, mapping.WRLock)
	if err != nil {
		q.rl.Free(ref)
		return nil, err
	}
	ph := productHeader{size: payloadSize, originLen: uint16(len(origin)), identLen: uint16(len(ident))}
	encodeProductHeader(buf, ph)
	copy(buf[productHeaderSize:], origin)
	copy(buf[productHeaderSize+len(origin):], ident)

	return &Reservation{
		ref: ref, offset: offset, extent: actualExtent,
		payload: buf[hdrLen : uint64(hdrLen)+uint64(payloadSize)],
	}, nil
}

// CommitWithSignature finalizes res under sig, stamping it with now
// advanced past any timestamp collision, and links it into the time and
// signature indexes. Rejects the product if sig already exists, unwinding
// the reservation entirely (spec §4.5, explicit permission to fully
// unwind on failure rather than leaking the region as the original
// implementation did).
func (q *Queue) CommitWithSignature(res *Reservation, sig Signature, feedtype, ptype uint32, now header.Timestamp) error {
	q.lockAll()
	defer q.unlockAll()
	return q.commitWithSignature(res, sig, feedtype, ptype, now)
}

// commitWithSignature is CommitWithSignature for callers that already
// hold q.mu.
func (q *Queue) commitWithSignature(res *Reservation, sig Signature, feedtype, ptype uint32, now header.Timestamp) error {
	if err := q.lockControl(true, false); err != nil {
		return err
	}
	defer q.unlockControl()

	if _, dup := q.sx.Find(sig); dup {
		q.rl.Free(res.ref)
		return ErrDuplicate
	}

	buf, err := q.dataWindow(res.offset, res.extent, mapping.WRLock)
	if err != nil {
		q.rl.Free(res.ref)
		return err
	}
	ph := decodeProductHeader(buf)
	ph.sig = sig
	ph.feedtype, ph.ptype = feedtype, ptype

	tqRef, ts, err := q.tq.Add(now, res.offset)
	if err != nil {
		q.rl.Free(res.ref)
		return wrapf(ErrOutOfMemory, "time index: %v", err)
	}
	ph.sec, ph.usec = ts.Sec, ts.Usec
	encodeProductHeader(buf, ph)
	if err := q.storeDataWindow(res.offset, buf); err != nil {
		q.tq.Delete(tqRef)
		q.rl.Free(res.ref)
		return err
	}

	if _, ok := q.sx.Add(sig, res.offset); !ok {
		q.tq.Delete(tqRef)
		q.rl.Free(res.ref)
		return wrapf(ErrOutOfMemory, "signature index exhausted")
	}

	h := q.header()
	h.MostRecent = ts
	if h.HighWaterProducts < q.rl.InUseCount() {
		h.HighWaterProducts = q.rl.InUseCount()
	}
	// region.RL tracks cumulative in-use bytes (not this one product's
	// extent) and its own running maximum as regions are allocated and
	// freed; HighWaterBytes just mirrors that maximum (spec §4.3).
	if maxBytes := q.rl.Stats().MaxBytesInUse; uint64(h.HighWaterBytes) < maxBytes {
		h.HighWaterBytes = uint32(maxBytes)
	}
	q.setHeader(h)
	if err := q.persistHeader(); err != nil {
		return err
	}
	return q.persistIndex()
}

// Commit finalizes res under the MD5 signature of its already-written
// payload, a convenience for the common case where the caller does not
// want to compute the signature itself.
func (q *Queue) Commit(res *Reservation, feedtype, ptype uint32, now header.Timestamp) error {
	sig := SignatureOf(res.Payload())
	return q.CommitWithSignature(res, sig, feedtype, ptype, now)
}

// Discard abandons res, releasing its region without ever making it
// visible through the time or signature indexes.
func (q *Queue) Discard(res *Reservation) error {
	q.lockAll()
	defer q.unlockAll()
	if err := q.lockControl(true, false); err != nil {
		return err
	}
	defer q.unlockControl()
	q.rl.Free(res.ref)
	return q.persistIndex()
}

// Insert is the one-shot convenience path: reserve, write payload, and
// commit under sig in a single call.
func (q *Queue) Insert(payload []byte, sig Signature, origin, ident string, feedtype, ptype uint32, now header.Timestamp) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	q.lockAll()
	defer q.unlockAll()

	if _, dup := q.sx.Find(sig); dup {
		return ErrDuplicate
	}
	res, err := q.reserve(uint32(len(payload)), origin, ident, now)
	if err != nil {
		return err
	}
	copy(res.payload, payload)
	return q.commitWithSignature(res, sig, feedtype, ptype, now)
}

// evictOldest removes the single oldest product, per spec §4.6
// "del_oldest": walk the time index from the front, skip any product
// whose data region cannot be locked exclusively without blocking, and
// delete the first one that can. Returns (false, nil) if the queue has
// entries but every one of them is locked, and (false, ErrNotFound) if
// the queue is empty. now is charged as the eviction instant for the
// evicted product's MVRT sample (spec §4.7).
func (q *Queue) evictOldest(now header.Timestamp) (bool, error) {
	ref, ok := q.tq.First()
	if !ok {
		return false, ErrNotFound
	}
	q.log.Debug("pq: evicting oldest product", "path", q.path)
	for ok {
		offset := q.tq.Offset(ref)
		rref, found := q.rl.FindInUse(offset)
		if !found {
			return false, wrapf(ErrCorrupt, "time index points at offset %d with no in-use region", offset)
		}
		extent := q.rl.Extent(rref)
		locked, err := q.dataTryLock(offset, extent, true)
		if err != nil {
			return false, err
		}
		if !locked {
			ref, ok = q.tq.Next(ref)
			continue
		}
		err = q.deleteRef(ref, rref, offset, extent, now)
		q.dataUnlock(offset, extent)
		return err == nil, err
	}
	return false, nil
}

func (q *Queue) deleteRef(tqRef tindex.Ref, rref region.Ref, offset, extent uint64, now header.Timestamp) error {
	buf, err := q.dataWindow(offset, extent, mapping.RDLock)
	if err != nil {
		return err
	}
	ph := decodeProductHeader(buf)
	q.sx.Delete(ph.sig)
	q.tq.Delete(tqRef)
	// virtRes = now - max(creationTime, insertionTime) (spec §4.7). This
	// queue stamps a product's insertion timestamp at commit time and
	// does not separately retain the caller's original creation
	// timestamp once the two converge (they differ only by whatever
	// collision-tick advance tq.Add applied), so insertionTime serves as
	// both terms here; a negative result (a product stamped later than
	// "now") clamps to zero rather than recording a nonsensical negative
	// residence.
	insertionTime := header.Timestamp{Sec: ph.sec, Usec: ph.usec}
	residence := now.Sub(insertionTime)
	if residence < 0 {
		residence = 0
	}
	q.rl.Free(rref)
	q.noteVirtResTime(residence)
	return nil
}

// noteVirtResTime records a new MVRT sample when residenceUsec is the
// smallest observed since the last clear, snapshotting the queue's
// current in-use bytes and slot count alongside it, not an accumulation
// across evictions (spec §4.7: "record virtRes, the current
// data-bytes-in-use, and the current slot-in-use count").
func (q *Queue) noteVirtResTime(residenceUsec int64) {
	h := q.header()
	if h.MVRTSlots == 0 || residenceUsec < h.MinVirtResTime.Sub(header.Timestamp{}) {
		h.MinVirtResTime = header.Timestamp{Sec: residenceUsec / 1_000_000, Usec: int32(residenceUsec % 1_000_000)}
		h.MVRTBytes = uint32(q.rl.BytesInUse())
		h.MVRTSlots = q.rl.InUseCount()
	}
	q.setHeader(h)
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"code.hybscloud.com/pq/internal/header"
	"code.hybscloud.com/pq/internal/mapping"
	"code.hybscloud.com/pq/internal/tindex"
)

// Sequence iterates products in ascending insertion-time order starting
// from an internal cursor, applying an optional ClassFilter (spec §4.8).
// A Sequence is not safe for concurrent use; serialize calls externally
// or open the Queue with ThreadSafe and call through its methods only.
type Sequence struct {
	q      *Queue
	cur    tindex.Ref
	filter ClassFilter
	locked bool // whether the last-returned product's data region is still locked
	loff   uint64
	lext   uint64
}

// Sequence starts a new cursor over q, positioned before the first
// product. A nil filter matches every product.
func (q *Queue) Sequence(filter ClassFilter) *Sequence {
	if filter == nil {
		filter = MatchAll
	}
	return &Sequence{q: q, filter: filter}
}

// releaseLock drops any lock held from a prior Sequence (spec §4.8's
// "locked" variant, ProcessProduct).
func (s *Sequence) releaseLock() {
	if s.locked {
		s.q.dataUnlock(s.loff, s.lext)
		s.locked = false
	}
}

// Next advances the cursor to the next product matching the filter and
// returns its metadata and payload. Returns ErrQueueEnd once the cursor
// reaches the tail.
func (s *Sequence) Next() (Info, []byte, error) {
	return s.advance(false)
}

// NextLocked behaves like Next but also takes a non-blocking exclusive
// lock on the returned product's data region, held until the next call
// to Next/NextLocked/Release (spec §4.8's locked sequence variant, used
// by callers that must guarantee the product is not concurrently
// evicted while they process it).
func (s *Sequence) NextLocked() (Info, []byte, error) {
	return s.advance(true)
}

// Release drops any lock held by the most recent NextLocked call without
// advancing the cursor.
func (s *Sequence) Release() {
	s.q.lockAll()
	defer s.q.unlockAll()
	s.releaseLock()
}

func (s *Sequence) advance(withLock bool) (Info, []byte, error) {
	q := s.q
	if err := q.checkOpen(); err != nil {
		return Info{}, nil, err
	}
	q.lockAll()
	defer q.unlockAll()
	s.releaseLock()

	if err := q.lockControl(false, false); err != nil {
		return Info{}, nil, err
	}
	cur := s.cur
	for {
		var next tindex.Ref
		var ok bool
		if cur.Valid() {
			next, ok = q.tq.Next(cur)
		} else {
			next, ok = q.tq.First()
		}
		if !ok {
			q.unlockControl()
			s.cur = cur
			return Info{}, nil, ErrQueueEnd
		}
		cur = next
		info, payload, err := q.readAt(q.tq.Offset(cur))
		if err != nil {
			q.unlockControl()
			return Info{}, nil, err
		}
		if !s.filter(info) {
			continue
		}
		q.unlockControl()
		s.cur = cur

		if withLock {
			rref, found := q.rl.FindInUse(info.Offset)
			if !found {
				return Info{}, nil, wrapf(ErrCorrupt, "sequence: offset %d not in-use", info.Offset)
			}
			extent := q.rl.Extent(rref)
			locked, err := q.dataTryLock(info.Offset, extent, true)
			if err != nil {
				return Info{}, nil, err
			}
			if !locked {
				return info, payload, ErrLocked
			}
			s.locked, s.loff, s.lext = true, info.Offset, extent
		}
		return info, payload, nil
	}
}

// readAt decodes the product stored at data-relative offset.
func (q *Queue) readAt(offset uint64) (Info, []byte, error) {
	rref, found := q.rl.FindInUse(offset)
	if !found {
		return Info{}, nil, wrapf(ErrCorrupt, "offset %d has no in-use region", offset)
	}
	extent := q.rl.Extent(rref)
	buf, err := q.dataWindow(offset, extent, mapping.RDLock)
	if err != nil {
		return Info{}, nil, err
	}
	ph := decodeProductHeader(buf)
	align := q.header().Align
	hdrLen := alignUp32(uint32(productHeaderSize+int(ph.originLen)+int(ph.identLen)), align)
	origin := string(buf[productHeaderSize : productHeaderSize+int(ph.originLen)])
	ident := string(buf[productHeaderSize+int(ph.originLen) : productHeaderSize+int(ph.originLen)+int(ph.identLen)])
	payload := buf[hdrLen : uint64(hdrLen)+uint64(ph.size)]
	info := Info{
		Origin: origin, Ident: ident, Signature: ph.sig,
		Created:     header.Timestamp{Sec: ph.sec, Usec: ph.usec},
		Size:        ph.size,
		Feedtype:    ph.feedtype,
		ProductType: ph.ptype,
		Offset:      offset,
	}
	return info, payload, nil
}

// SetCursorFromSignature repositions the cursor at the product
// identified by sig, so the next Next/NextLocked call returns its
// successor (spec §4.8 "pq_cset", used to resume a previously
// persisted cursor by signature rather than by timestamp).
func (s *Sequence) SetCursorFromSignature(sig Signature) error {
	q := s.q
	q.lockAll()
	defer q.unlockAll()
	if err := q.lockControl(false, false); err != nil {
		return err
	}
	defer q.unlockControl()

	offset, ok := q.sx.Find(sig)
	if !ok {
		return ErrNotFound
	}
	info, _, err := q.readAt(offset)
	if err != nil {
		return err
	}
	ref, ok := q.tq.Find(info.Created, tindex.Equal)
	if !ok {
		return wrapf(ErrCorrupt, "signature index points at a time not present in the time index")
	}
	s.cur = ref
	return nil
}

// SetCursor repositions the cursor to just before t, the way a persisted
// CursorToken (spec "Supplemented features") is restored across process
// restarts.
func (s *Sequence) SetCursor(t header.Timestamp) {
	q := s.q
	q.lockAll()
	defer q.unlockAll()
	if ref, ok := q.tq.Find(t, tindex.Less); ok {
		s.cur = ref
	} else {
		s.cur = 0
	}
}

// Token returns a CursorToken capturing the Sequence's current position,
// safe to persist and later restore via Sequence.SetCursor.
func (s *Sequence) Token() CursorToken {
	q := s.q
	q.lockAll()
	defer q.unlockAll()
	if !s.cur.Valid() {
		return CursorToken{}
	}
	return CursorToken{Time: q.tq.Timestamp(s.cur)}
}

// ProcessProduct locates the product identified by sig, holds its data
// region locked for shared (read) access, and invokes fn with the
// decoded metadata and payload — the point-lookup counterpart to
// Sequence, used directly by round-trip and duplicate-rejection checks
// rather than by filtering a full forward sequence (spec §6
// "processProduct", §8 I7, round-trip law). Returns ErrNotFound if no
// product with that signature currently exists in the queue, without
// calling fn. The control-region lock is released as soon as the data
// lock is held and the offset resolved, mirroring the ordering rule
// Sequence.advance follows (spec §5).
func (q *Queue) ProcessProduct(sig Signature, fn func(Info, []byte) error) error {
	q.lockAll()
	defer q.unlockAll()
	if err := q.lockControl(false, false); err != nil {
		return err
	}

	offset, ok := q.sx.Find(sig)
	if !ok {
		q.unlockControl()
		return ErrNotFound
	}
	rref, found := q.rl.FindInUse(offset)
	if !found {
		q.unlockControl()
		return wrapf(ErrCorrupt, "signature index points at offset %d with no in-use region", offset)
	}
	extent := q.rl.Extent(rref)
	if err := q.dataLock(offset, extent, false, false); err != nil {
		q.unlockControl()
		return err
	}
	q.unlockControl()
	defer q.dataUnlock(offset, extent)

	info, payload, err := q.readAt(offset)
	if err != nil {
		return err
	}
	return fn(info, payload)
}

// DeleteBySignature removes the product identified by sig, regardless of
// its position in time order. Fails with ErrLocked if another process
// currently holds the region's lock (spec §4.8 "pq_delete_signature").
func (q *Queue) DeleteBySignature(sig Signature) error {
	q.lockAll()
	defer q.unlockAll()
	if err := q.lockControl(true, false); err != nil {
		return err
	}
	defer q.unlockControl()

	offset, ok := q.sx.Find(sig)
	if !ok {
		return ErrNotFound
	}
	rref, found := q.rl.FindInUse(offset)
	if !found {
		return wrapf(ErrCorrupt, "signature index points at offset %d with no in-use region", offset)
	}
	extent := q.rl.Extent(rref)
	locked, err := q.dataTryLock(offset, extent, true)
	if err != nil {
		return err
	}
	if !locked {
		return ErrLocked
	}
	defer q.dataUnlock(offset, extent)

	buf, err := q.dataWindow(offset, extent, mapping.RDLock)
	if err != nil {
		return err
	}
	ph := decodeProductHeader(buf)
	tqRef, ok := q.tq.Find(header.Timestamp{Sec: ph.sec, Usec: ph.usec}, tindex.Equal)
	if !ok {
		return wrapf(ErrCorrupt, "signature index points at a time not present in the time index")
	}
	q.sx.Delete(sig)
	q.tq.Delete(tqRef)
	q.rl.Free(rref)
	return q.persistIndex()
}

// Last returns the product with the latest timestamp in the time index
// (which need not be the product of the latest Insert call, since the
// timestamp is caller-supplied), or ErrNotFound if the queue is empty.
func (q *Queue) Last() (Info, []byte, error) {
	q.lockAll()
	defer q.unlockAll()
	if err := q.lockControl(false, false); err != nil {
		return Info{}, nil, err
	}
	defer q.unlockControl()

	ref, ok := q.tq.Last()
	if !ok {
		return Info{}, nil, ErrNotFound
	}
	return q.readAt(q.tq.Offset(ref))
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/pq/internal/fblk"
	"code.hybscloud.com/pq/internal/header"
	"code.hybscloud.com/pq/internal/mapping"
	"code.hybscloud.com/pq/internal/region"
	"code.hybscloud.com/pq/internal/sigindex"
	"code.hybscloud.com/pq/internal/tindex"
)

// Queue is an open persistent product queue: a single file holding a
// fixed-capacity circular store of data products, safe for concurrent
// access from multiple processes via advisory byte-range locks (spec §5).
//
// A Queue's exported methods are safe for concurrent goroutine use within
// one process only when opened with the ThreadSafe flag; otherwise the
// caller must serialize its own access, matching the underlying
// multi-process model where coordination is always external.
type Queue struct {
	mu         sync.Mutex
	threadSafe bool

	path  string
	file  *os.File
	mf    *mapping.File
	flags Flag
	log   *slog.Logger

	hdrBuf []byte // fetched window [0, header.Size)
	idxBuf []byte // fetched window [indexOffset, indexOffset+indexSize)

	dataOffset  uint64
	indexOffset uint64
	indexSize   uint64
	dataBytes   uint64

	nalloc   int
	nbuckets int

	arena *fblk.Arena
	tq    *tindex.TQ
	rl    *region.RL
	sx    *sigindex.SX

	isWriter bool // true once this Queue has incremented the writer counter
	closed   atomix.Bool
}

// checkOpen reports ErrClosed without taking q.mu, so goroutines racing a
// concurrent Close under ThreadSafe fail fast on the hot path instead of
// contending for the mutex just to discover the queue is gone.
func (q *Queue) checkOpen() error {
	if q.closed.Load() {
		return mapping.ErrClosed
	}
	return nil
}

const controlLockOffset, controlLockLen = 0, int64(header.Size)

// layout describes the byte offsets and sizes pq derives from nproducts,
// dataBytes and align, shared by create and open.
type layout struct {
	dataOffset  uint64
	indexOffset uint64
	indexSize   uint64
	dataBytes   uint64
	nbuckets    int

	fbBytes, tqBytes, rlBytes, sxBytes int
}

func planLayout(nproducts int, dataBytes uint64, align uint32) layout {
	if align == 0 {
		align = 8
	}
	nbuckets := region.LargestPrimeAtMost(nproducts/4 + 1)
	fbBytes := fblk.HeaderBytes(nproducts) + 4*fblk.WordsNeeded(nproducts)
	tqBytes := tindex.Bytes(nproducts)
	rlBytes := region.Bytes(nproducts, nbuckets)
	sxBytes := sigindex.Bytes(nproducts, nbuckets)

	dataBytes = header.AlignUp(dataBytes, uint64(align))
	dataOffset := header.AlignUp(uint64(header.Size), uint64(align))
	indexOffset := dataOffset + dataBytes
	indexSize := uint64(fbBytes + tqBytes + rlBytes + sxBytes)

	return layout{
		dataOffset: dataOffset, indexOffset: indexOffset, indexSize: indexSize,
		dataBytes: dataBytes, nbuckets: nbuckets,
		fbBytes: fbBytes, tqBytes: tqBytes, rlBytes: rlBytes, sxBytes: sxBytes,
	}
}

// create lays out a brand-new queue file per opts and opens it.
func create(path string, opts Options) (*Queue, error) {
	if opts.nproducts < 1 {
		return nil, fmt.Errorf("pq: create %s: nproducts must be >= 1", path)
	}
	l := planLayout(opts.nproducts, opts.dataBytes, opts.align)
	total := l.indexOffset + l.indexSize

	openFlags := os.O_RDWR | os.O_CREATE
	if opts.flags.has(NoClobber) {
		openFlags |= os.O_EXCL
	} else {
		openFlags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, openFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("pq: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("pq: create %s: truncate: %w", path, err)
	}

	mf, err := mapping.Open(f, int64(total), opts.flags.mapping(), true)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pq: create %s: %w", path, err)
	}

	q := &Queue{
		path: path, file: f, mf: mf, flags: opts.flags,
		log:         loggerOrDefault(opts.log),
		threadSafe:  opts.flags.has(ThreadSafe),
		dataOffset:  l.dataOffset,
		indexOffset: l.indexOffset,
		indexSize:   l.indexSize,
		dataBytes:   l.dataBytes,
		nalloc:      opts.nproducts,
		nbuckets:    l.nbuckets,
	}

	hdrBuf, err := mf.Fetch(0, int64(header.Size), mapping.WRLock)
	if err != nil {
		mf.Close()
		f.Close()
		return nil, err
	}
	q.hdrBuf = hdrBuf
	hdr := header.Header{
		Magic: header.Magic, Version: header.Version,
		DataOffset: l.dataOffset, IndexOffset: l.indexOffset, IndexSize: l.indexSize,
		Nalloc: uint32(opts.nproducts), Align: nonZeroAlign(opts.align),
		MaxProducts:     uint32(opts.nproducts),
		WriteCountMagic: header.WriteCountMagic,
		MetricsMagic:    header.MetricsMagic,
		MetricsMagic2:   header.MetricsMagic2,
	}
	hdr.Encode(q.hdrBuf)
	if err := mf.Store(0, q.hdrBuf); err != nil {
		mf.Close()
		f.Close()
		return nil, err
	}

	idxBuf, err := mf.Fetch(int64(l.indexOffset), int64(l.indexSize), mapping.WRLock)
	if err != nil {
		mf.Close()
		f.Close()
		return nil, err
	}
	q.idxBuf = idxBuf
	q.buildIndexes(idxBuf, l, true)
	if err := mf.Store(int64(l.indexOffset), idxBuf); err != nil {
		mf.Close()
		f.Close()
		return nil, err
	}

	if err := q.registerWriter(); err != nil {
		mf.Close()
		f.Close()
		return nil, err
	}
	return q, nil
}

// open maps an existing queue file per opts.flags (the other Options
// fields only apply to create).
func open(path string, opts Options) (*Queue, error) {
	flags := opts.flags
	openFlags := os.O_RDWR
	if flags.has(ReadOnly) {
		openFlags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, openFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("pq: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pq: open %s: %w", path, err)
	}

	writable := !flags.has(ReadOnly)
	mf, err := mapping.Open(f, fi.Size(), flags.mapping(), writable)
	if err != nil {
		f.Close()
		return nil, err
	}

	hdrBuf, err := mf.Fetch(0, int64(header.Size), mapping.WRLock)
	if err != nil {
		mf.Close()
		f.Close()
		return nil, err
	}
	var hdr header.Header
	hdr.Decode(hdrBuf)
	if err := hdr.Valid(); err != nil {
		loggerOrDefault(opts.log).Error("pq: header validation failed", "path", path, "err", err)
		mf.Close()
		f.Close()
		return nil, wrapf(ErrCorrupt, "%s: %v", path, err)
	}

	q := &Queue{
		path: path, file: f, mf: mf, flags: flags,
		log:         loggerOrDefault(opts.log),
		threadSafe:  flags.has(ThreadSafe),
		hdrBuf:      hdrBuf,
		dataOffset:  hdr.DataOffset,
		indexOffset: hdr.IndexOffset,
		indexSize:   hdr.IndexSize,
		dataBytes:   hdr.IndexOffset - hdr.DataOffset,
		nalloc:      int(hdr.Nalloc),
	}
	q.nbuckets = region.LargestPrimeAtMost(q.nalloc/4 + 1)

	idxBuf, err := mf.Fetch(int64(hdr.IndexOffset), int64(hdr.IndexSize), mapping.WRLock)
	if err != nil {
		mf.Close()
		f.Close()
		return nil, err
	}
	l := planLayout(q.nalloc, q.dataBytes, hdr.Align)
	q.idxBuf = idxBuf
	q.buildIndexes(idxBuf, l, false)

	if writable {
		if err := q.registerWriter(); err != nil {
			mf.Close()
			f.Close()
			return nil, err
		}
	}
	return q, nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func nonZeroAlign(a uint32) uint32 {
	if a == 0 {
		return 8
	}
	return a
}

// buildIndexes overlays the four index structures onto idxBuf in the
// fixed order FB, TQ, RL, SX (spec §6's index segment layout).
func (q *Queue) buildIndexes(idxBuf []byte, l layout, fresh bool) {
	fbBuf := idxBuf[0:l.fbBytes]
	tqBuf := idxBuf[l.fbBytes : l.fbBytes+l.tqBytes]
	rlBuf := idxBuf[l.fbBytes+l.tqBytes : l.fbBytes+l.tqBytes+l.rlBytes]
	sxBuf := idxBuf[l.fbBytes+l.tqBytes+l.rlBytes : l.fbBytes+l.tqBytes+l.rlBytes+l.sxBytes]

	if fresh {
		binary.NativeEndian.PutUint32(fbBuf[0:4], fblk.Magic)
	}
	q.arena = fblk.Open(fbBuf, q.nalloc, fresh)
	q.tq = tindex.Open(tqBuf, q.nalloc, q.arena, fresh)
	q.rl = region.Open(rlBuf, q.nalloc, l.nbuckets, q.arena, fresh, l.dataBytes)
	q.sx = sigindex.Open(sxBuf, q.nalloc, l.nbuckets, fresh)

	if !fresh {
		base := q.arena.ReserveBase()
		maxLevel := uint32(q.arena.MaxLevel())
		q.tq.ReopenHead(q.arena.CellWords(base, q.arena.MaxLevel()))
		q.rl.ReopenHeads(
			q.arena.CellWords(base+maxLevel, q.arena.MaxLevel()),
			q.arena.CellWords(base+2*maxLevel, q.arena.MaxLevel()),
		)
	}
}

func (q *Queue) lockAll() {
	if q.threadSafe {
		q.mu.Lock()
	}
}

func (q *Queue) unlockAll() {
	if q.threadSafe {
		q.mu.Unlock()
	}
}

// controlLockSpins bounds how many non-blocking lock attempts lockControl
// makes before falling back to a blocking acquisition. Most control-lock
// hold times are a handful of index-structure mutations, so a brief spin
// avoids the syscall and scheduling cost of parking on contention that
// will clear in microseconds, without risking an unbounded busy loop.
const controlLockSpins = 16

// lockControl acquires (or, with nowait true, attempts) the advisory lock
// guarding the header and the four index structures. Non-blocking callers
// get exactly one attempt; blocking callers spin a bounded number of
// non-blocking attempts first and only fall back to the blocking
// F_SETLKW path if the lock is still held.
func (q *Queue) lockControl(write, nowait bool) error {
	if q.flags.has(NoLock) {
		return nil
	}
	if nowait {
		return mapping.LockRange(q.file, controlLockOffset, controlLockLen, write, true)
	}
	var sw spin.Wait
	for i := 0; i < controlLockSpins; i++ {
		ok, err := mapping.TryLockRange(q.file, controlLockOffset, controlLockLen, write)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		sw.Once()
	}
	return mapping.LockRange(q.file, controlLockOffset, controlLockLen, write, false)
}

func (q *Queue) unlockControl() error {
	if q.flags.has(NoLock) {
		return nil
	}
	return mapping.UnlockRange(q.file, controlLockOffset, controlLockLen)
}

func (q *Queue) persistIndex() error {
	return q.mf.Store(int64(q.indexOffset), q.idxBuf)
}

func (q *Queue) persistHeader() error {
	return q.mf.Store(0, q.hdrBuf)
}

func (q *Queue) header() header.Header {
	var h header.Header
	h.Decode(q.hdrBuf)
	return h
}

func (q *Queue) setHeader(h header.Header) {
	h.Encode(q.hdrBuf)
}

// Close flushes and releases the queue, decrementing the process-wide
// writer counter if this Queue held a writable slot (spec §4.11, §9).
func (q *Queue) Close() error {
	if q.closed.Load() {
		return mapping.ErrClosed
	}
	q.lockAll()
	defer q.unlockAll()
	if q.closed.Load() {
		return mapping.ErrClosed
	}
	q.closed.Store(true)

	var ferr error
	if q.isWriter {
		ferr = q.unregisterWriter()
	}
	if err := q.mf.Close(); err != nil && ferr == nil {
		ferr = err
	}
	if err := q.file.Close(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// Path returns the queue's backing file path.
func (q *Queue) Path() string { return q.path }

// MaxProducts returns the queue's configured product-slot capacity.
func (q *Queue) MaxProducts() int { return q.nalloc }

// IsFull reports whether the most recent insertion attempt found the
// queue at capacity and had to evict.
func (q *Queue) IsFull() bool {
	q.lockAll()
	defer q.unlockAll()
	return q.header().IsFull != 0
}

// Stats is a snapshot of the queue's running high-water marks and region
// occupancy, modeled on the original implementation's pqmon report
// (spec "Supplemented features").
type Stats struct {
	Nproducts       int
	HighWaterProducts uint32
	HighWaterBytes    uint32
	MostInUseRegions uint32
	MostFreeRegions  uint32
	MostBytesInUse   uint64
	LeastEmptyRegions uint32
	MostRecent       header.Timestamp
	MinVirtResTime   header.Timestamp
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"pq stats: products=%d highwater(products=%d bytes=%d) regions(maxInUse=%d maxFree=%d maxBytesInUse=%d minEmpty=%d) mostRecent=%s minVirtResTime=%s",
		s.Nproducts, s.HighWaterProducts, s.HighWaterBytes,
		s.MostInUseRegions, s.MostFreeRegions, s.MostBytesInUse, s.LeastEmptyRegions,
		s.MostRecent, s.MinVirtResTime,
	)
}

// Stats returns a snapshot of the queue's metrics.
func (q *Queue) Stats() Stats {
	q.lockAll()
	defer q.unlockAll()
	h := q.header()
	rs := q.rl.Stats()
	return Stats{
		Nproducts:         int(q.rl.InUseCount()),
		HighWaterProducts: h.HighWaterProducts,
		HighWaterBytes:    h.HighWaterBytes,
		MostInUseRegions:  rs.MaxInUse,
		MostFreeRegions:   rs.MaxFree,
		MostBytesInUse:    rs.MaxBytesInUse,
		LeastEmptyRegions: rs.MinEmpty,
		MostRecent:        h.MostRecent,
		MinVirtResTime:    h.MinVirtResTime,
	}
}

// GetMostRecent returns the timestamp of the most recently inserted
// product.
func (q *Queue) GetMostRecent() header.Timestamp {
	q.lockAll()
	defer q.unlockAll()
	return q.header().MostRecent
}

// GetMinVirtResTimeMetrics returns the minimum virtual residence time
// observed since the last clear, and the number of product slots and
// bytes that contributed to it (spec §4.7).
func (q *Queue) GetMinVirtResTimeMetrics() (mvrt header.Timestamp, slots, bytes uint32) {
	q.lockAll()
	defer q.unlockAll()
	h := q.header()
	return h.MinVirtResTime, h.MVRTSlots, h.MVRTBytes
}

// ClearMinVirtResTimeMetrics resets the minimum-virtual-residence-time
// tracking so the next eviction starts a fresh measurement window.
func (q *Queue) ClearMinVirtResTimeMetrics() error {
	q.lockAll()
	defer q.unlockAll()
	if err := q.lockControl(true, false); err != nil {
		return err
	}
	defer q.unlockControl()
	h := q.header()
	h.MinVirtResTime = header.Timestamp{}
	h.MVRTSlots, h.MVRTBytes = 0, 0
	q.setHeader(h)
	return q.persistHeader()
}

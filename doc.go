// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pq implements a persistent product queue: a single memory-mapped
// file holding a fixed-capacity circular store of data products, safe for
// concurrent access from multiple processes via advisory byte-range
// locks.
//
// A product is an opaque payload plus metadata: an origin and identifier
// string, a 16-byte content signature, a creation timestamp, and
// feedtype/product-type tags. The queue indexes products by insertion
// time (for ordered consumption) and by signature (for duplicate
// detection and direct lookup), and evicts the oldest product when full.
//
// # Quick Start
//
//	q, err := pq.NewCreate("/var/lib/feed/queue.pq", 64<<20, 4096).
//	    Align(4096).
//	    ThreadSafe().
//	    Create()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
//
//	sig := pq.SignatureOf(payload)
//	now := header.Timestamp{Sec: time.Now().Unix()}
//	if err := q.Insert(payload, sig, "NOAAPORT", "KOKX/2026073012", 0, 0, now); err != nil {
//	    if errors.Is(err, pq.ErrDuplicate) {
//	        // already have it
//	    }
//	}
//
// Consuming in insertion order:
//
//	seq := q.Sequence(nil) // nil ClassFilter matches everything
//	for {
//	    info, payload, err := seq.Next()
//	    if errors.Is(err, pq.ErrQueueEnd) {
//	        pq.Suspend(30) // wait for more, or for Broadcast from a writer
//	        continue
//	    }
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    process(info, payload)
//	}
//
// Reopening an existing queue for read-only inspection:
//
//	q, err := pq.NewOpen("/var/lib/feed/queue.pq").ReadOnly().Open()
//
// # On-disk layout
//
// A queue file is a fixed-size control header, a data segment holding
// product bytes, and an index segment holding four structures: a
// free-block arena (forward-pointer storage shared by the two skip
// lists), a time index (skip list ordered by insertion timestamp), a
// region table (best-fit allocator over the data segment, with two more
// skip lists threaded through it for O(1) coalescing and best-fit
// search), and a signature index (chained hash map from signature to
// data offset). Every structure is a zero-copy overlay on the mapped
// file via [unsafe.Slice] — mutations through these overlays are visible
// to every process with the file mapped, and survive process restarts
// without any serialization step.
//
// # Concurrency and locking
//
// Mutating operations acquire an advisory byte-range lock over the
// control header, which serializes every access to the index segment,
// before touching any index structure,
// and a second byte-range lock over a product's specific data region
// before reading, evicting, or deleting it. This lets one writer insert
// a new product while readers elsewhere in the file continue unaffected,
// and lets eviction skip over (rather than block on) a product another
// process is actively reading. Opening with the NoLock flag disables all
// of this for single-process use.
//
// Within one process, a Queue's methods are safe for concurrent goroutine
// use only when opened with the ThreadSafe flag.
//
// # Error handling
//
// Operations return sentinel errors from this package's error taxonomy —
// [ErrDuplicate], [ErrTooBig], [ErrOutOfMemory], [ErrAllLocked],
// [ErrNotFound], [ErrLocked], [ErrQueueEnd], [ErrCorrupt],
// [ErrWriterLimit] — wrapped with additional context via %w, so
// [errors.Is] against the sentinel still works. [ErrWouldBlock] is
// reused from [code.hybscloud.com/iox] for ecosystem consistency with
// this module's other packages.
//
// # Dependencies
//
// This package uses [golang.org/x/sys/unix] for mmap and fcntl
// byte-range locks, [code.hybscloud.com/iox] for its semantic
// ErrWouldBlock, and [log/slog] for structured diagnostic logging.
package pq

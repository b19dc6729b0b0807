// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// Sentinel errors surfaced by the public API (spec §7). Wrap with %w when
// adding context so callers can still errors.Is against the sentinel.
var (
	// ErrDuplicate: the signature already exists in the queue.
	ErrDuplicate = errors.New("pq: duplicate signature")
	// ErrTooBig: requested size exceeds the data segment's total size.
	ErrTooBig = errors.New("pq: product larger than data segment")
	// ErrEmpty: a zero-byte payload was rejected (spec §8 boundary case).
	ErrEmpty = errors.New("pq: zero-byte product rejected")
	// ErrOutOfMemory: the queue was fully evicted and still has no room.
	ErrOutOfMemory = errors.New("pq: out of memory after evicting everything")
	// ErrAllLocked: every eviction candidate is locked by another process.
	ErrAllLocked = errors.New("pq: all eviction candidates locked")
	// ErrNotFound: signature, cursor target, or offset does not exist.
	ErrNotFound = errors.New("pq: not found")
	// ErrLocked: an exclusive operation is blocked by another process.
	ErrLocked = errors.New("pq: region locked by another process")
	// ErrQueueEnd: Sequence reached the end in the requested direction.
	ErrQueueEnd = errors.New("pq: end of queue")
	// ErrCorrupt: an integrity check failed; state was left untouched.
	ErrCorrupt = errors.New("pq: corrupt queue")
	// ErrWriterLimit: the writer counter is saturated.
	ErrWriterLimit = errors.New("pq: writer count limit reached")

	// ErrWouldBlock is reused from iox for NOWAIT lock contention, for
	// ecosystem consistency with code.hybscloud.com/lfq's error surface.
	ErrWouldBlock = iox.ErrWouldBlock
)

// wrapf wraps a sentinel with additional context while preserving
// errors.Is compatibility.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}

// IsWouldBlock reports whether err indicates a non-blocking lock
// acquisition would have blocked. Delegates to [iox.IsWouldBlock] for
// wrapped error support.
func IsWouldBlock(err error) bool { return iox.IsWouldBlock(err) }

// IsCorrupt reports whether err (or anything it wraps) is ErrCorrupt.
func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }

// IsNonFailure reports whether err represents a non-failure control-flow
// signal: nil, ErrWouldBlock, or ErrQueueEnd.
func IsNonFailure(err error) bool {
	return err == nil || errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrQueueEnd)
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"log/slog"

	"code.hybscloud.com/pq/internal/mapping"
)

// Flag bits select open/create behavior (spec §6). Flags combine with
// bitwise OR.
type Flag uint32

const (
	// ReadOnly opens the queue for read-only access; writable operations
	// (Reserve, Insert, eviction) are refused.
	ReadOnly Flag = 1 << iota
	// NoClobber refuses Create if the file already exists.
	NoClobber
	// NoLock disables advisory byte-range locking entirely. Only safe for
	// single-process use; multi-process coordination requires locking.
	NoLock
	// NoMap uses positioned read/write instead of mmap.
	NoMap
	// MapRgns maps region-by-region instead of the whole file at once.
	MapRgns
	// Private requests a private (copy-on-write) mapping instead of
	// MAP_SHARED. Mutations made under Private are never visible to
	// other processes or persisted — use only for read-only exploration.
	Private
	// ThreadSafe enables an internal mutex so a single process may call
	// the queue concurrently from multiple goroutines without external
	// serialization. The mutex is not recursive: it is held while a
	// ClassFilter or a ProcessProduct callback runs, so such a function
	// that calls back into the same Queue deadlocks. Without ThreadSafe,
	// the caller must serialize its own access per spec §5.
	ThreadSafe
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

func (f Flag) mapping() mapping.Flag {
	var m mapping.Flag
	if f.has(ReadOnly) {
		m |= mapping.FlagReadOnly
	}
	if f.has(NoLock) {
		m |= mapping.FlagNoLock
	}
	if f.has(NoMap) {
		m |= mapping.FlagNoMap
	}
	if f.has(MapRgns) {
		m |= mapping.FlagMapRgns
	}
	if f.has(Private) {
		m |= mapping.FlagPrivate
	}
	return m
}

// Options configures queue creation. Builder is sugar over these fields,
// modeled on code.hybscloud.com/lfq's fluent New(capacity)...Build()
// chain: a Builder collects intent, and Create/Open interpret it.
type Options struct {
	flags     Flag
	align     uint32
	dataBytes uint64
	nproducts int
	log       *slog.Logger
}

// Builder creates or opens queues with fluent configuration.
//
// Example:
//
//	q, err := pq.NewCreate("/tmp/feed.pq", 64<<20, 4096).
//	    Align(4096).
//	    ThreadSafe().
//	    Create()
//
//	q, err := pq.NewOpen("/tmp/feed.pq").ReadOnly().Open()
type Builder struct {
	path string
	opts Options
}

// NewCreate starts a builder for Create, sized for nproducts products over
// dataBytes of data segment.
func NewCreate(path string, dataBytes uint64, nproducts int) *Builder {
	if nproducts < 1 {
		panic("pq: nproducts must be >= 1")
	}
	return &Builder{path: path, opts: Options{dataBytes: dataBytes, nproducts: nproducts, align: 8}}
}

// NewOpen starts a builder for Open.
func NewOpen(path string) *Builder {
	return &Builder{path: path}
}

// Align sets the data-region alignment (spec invariant 7). Must be a
// power of 2; defaults to 8.
func (b *Builder) Align(align uint32) *Builder {
	b.opts.align = align
	return b
}

func (b *Builder) ReadOnly() *Builder   { b.opts.flags |= ReadOnly; return b }
func (b *Builder) NoClobber() *Builder  { b.opts.flags |= NoClobber; return b }
func (b *Builder) NoLock() *Builder     { b.opts.flags |= NoLock; return b }
func (b *Builder) NoMap() *Builder      { b.opts.flags |= NoMap; return b }
func (b *Builder) MapRgns() *Builder    { b.opts.flags |= MapRgns; return b }
func (b *Builder) Private() *Builder    { b.opts.flags |= Private; return b }
func (b *Builder) ThreadSafe() *Builder { b.opts.flags |= ThreadSafe; return b }

// Logger sets the structured logger used for diagnostic events (region
// corruption, eviction under contention). Defaults to slog.Default().
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.opts.log = l
	return b
}

// Create builds a new queue file per the builder's configuration.
func (b *Builder) Create() (*Queue, error) {
	return create(b.path, b.opts)
}

// Open opens an existing queue file per the builder's configuration.
func (b *Builder) Open() (*Queue, error) {
	return open(b.path, b.opts)
}

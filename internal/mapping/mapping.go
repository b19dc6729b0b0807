// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mapping abstracts the pq file's I/O strategy behind a two-method
// interface — fetch(offset, extent) -> []byte and store(offset) — and the
// byte-range advisory locks that serialize multi-process access to the
// control region and to individual data regions (spec §4.9, §5, §9
// "Dynamic dispatch").
//
// Three concrete strategies are selectable at open time:
//
//   - whole-file mmap (default): the entire file is mapped once; Fetch is
//     a zero-copy slice, Store is a no-op (writes are already visible
//     through the mapping; msync happens on Close/Unmap).
//   - per-region mmap (Flag MapRgns): each Fetch mmaps just that window
//     and Store munmaps it, trading syscall overhead for a bounded
//     address-space footprint. Forced automatically when the whole file
//     would exceed the platform's practical single-mapping size.
//   - read/write fallback (Flag NoMap): Fetch does a positioned read into
//     a freshly allocated buffer, Store does a positioned write-back —
//     used on platforms without mmap or when the caller opts out.
package mapping

import (
	"errors"
	"os"
)

// Flag bits mirror the queue's public open flags that affect mapping
// strategy (spec §6).
type Flag uint32

const (
	FlagReadOnly Flag = 1 << iota
	FlagNoLock
	FlagNoMap
	FlagMapRgns
	FlagPrivate
)

// maxSingleMapping is the size above which whole-file mapping is refused
// in favor of per-region mapping, matching spec §6's "If the total size
// would exceed the address-size limit, region-by-region mapping is
// forced." 1<<40 comfortably fits in a 64-bit address space many times
// over while still catching pathological configurations.
const maxSingleMapping = 1 << 40

// ErrClosed is returned by operations on a File after Close.
var ErrClosed = errors.New("mapping: file is closed")

// RWFlag selects shared vs exclusive intent for both Fetch and locking.
type RWFlag int

const (
	RDLock RWFlag = iota
	WRLock
)

// Strategy is the dynamic-dispatch interface every backing implements.
type Strategy interface {
	// Fetch returns a byte slice covering [offset, offset+extent) of the
	// file. For mmap strategies the slice aliases the mapping directly;
	// for NoMap it is a private copy that Store writes back.
	Fetch(offset, extent int64, rw RWFlag) ([]byte, error)
	// Store flushes or releases a previously fetched window. For
	// per-region mmap this unmaps it; for NoMap it writes the buffer
	// back; for whole-file mmap it is a no-op (the mapping stays live).
	Store(offset int64, buf []byte) error
	// Sync flushes all dirty pages to the backing file (used by Close and
	// by callers that want a durability checkpoint).
	Sync() error
	// Close releases the strategy's resources. It does not close the
	// underlying *os.File.
	Close() error
}

// File wraps an *os.File with the selected Strategy and exposes the
// byte-range locking helpers shared by every strategy.
type File struct {
	f        *os.File
	strategy Strategy
	size     int64
	writable bool
}

// ChooseStrategy opens the appropriate Strategy for f given size and
// flags, forcing per-region mapping when size exceeds maxSingleMapping.
func ChooseStrategy(f *os.File, size int64, flags Flag, writable bool) (Strategy, error) {
	if flags&FlagNoMap != 0 {
		return newReadWriteStrategy(f, writable), nil
	}
	if flags&FlagMapRgns != 0 || size > maxSingleMapping {
		return newRegionMapStrategy(f, flags, writable), nil
	}
	return newWholeFileStrategy(f, size, flags, writable)
}

// Open creates a File for f with the given total size and flags.
func Open(f *os.File, size int64, flags Flag, writable bool) (*File, error) {
	strat, err := ChooseStrategy(f, size, flags, writable)
	if err != nil {
		return nil, err
	}
	return &File{f: f, strategy: strat, size: size, writable: writable}, nil
}

func (mf *File) Fetch(offset, extent int64, rw RWFlag) ([]byte, error) {
	if mf.strategy == nil {
		return nil, ErrClosed
	}
	return mf.strategy.Fetch(offset, extent, rw)
}

func (mf *File) Store(offset int64, buf []byte) error {
	if mf.strategy == nil {
		return ErrClosed
	}
	return mf.strategy.Store(offset, buf)
}

func (mf *File) Sync() error {
	if mf.strategy == nil {
		return ErrClosed
	}
	return mf.strategy.Sync()
}

func (mf *File) Close() error {
	if mf.strategy == nil {
		return nil
	}
	err := mf.strategy.Sync()
	cerr := mf.strategy.Close()
	mf.strategy = nil
	if err != nil {
		return err
	}
	return cerr
}

// Size returns the file's fixed total size.
func (mf *File) Size() int64 { return mf.size }

// OSFile exposes the underlying *os.File for locking helpers.
func (mf *File) OSFile() *os.File { return mf.f }

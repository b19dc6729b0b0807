// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package mapping

import (
	"fmt"
	"os"
	"sync"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// errWouldBlockLock is returned internally when a non-blocking lock
// acquisition would block; TryLockRange turns it into (false, nil) and
// LockRange propagates it as [iox.ErrWouldBlock] for ecosystem
// consistency with the rest of pq's error surface.
var errWouldBlockLock = iox.ErrWouldBlock

// --- whole-file mmap ----------------------------------------------------

type wholeFileStrategy struct {
	mu   sync.Mutex
	data []byte
}

func newWholeFileStrategy(f *os.File, size int64, flags Flag, writable bool) (Strategy, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mapFlags := unix.MAP_SHARED
	if flags&FlagPrivate != 0 {
		mapFlags = unix.MAP_PRIVATE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, mapFlags)
	if err != nil {
		return nil, fmt.Errorf("mapping: mmap whole file: %w", err)
	}
	return &wholeFileStrategy{data: data}, nil
}

func (s *wholeFileStrategy) Fetch(offset, extent int64, _ RWFlag) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrClosed
	}
	return s.data[offset : offset+extent], nil
}

func (s *wholeFileStrategy) Store(int64, []byte) error { return nil }

func (s *wholeFileStrategy) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	return unix.Msync(s.data, unix.MS_SYNC)
}

func (s *wholeFileStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// --- per-region mmap ------------------------------------------------

type regionMapStrategy struct {
	f        *os.File
	flags    Flag
	writable bool

	mu      sync.Mutex
	pending map[int64][]byte // original Fetch offset -> full page-aligned mmap
}

func newRegionMapStrategy(f *os.File, flags Flag, writable bool) Strategy {
	return &regionMapStrategy{f: f, flags: flags, writable: writable, pending: map[int64][]byte{}}
}

func (s *regionMapStrategy) Fetch(offset, extent int64, _ RWFlag) ([]byte, error) {
	prot := unix.PROT_READ
	if s.writable {
		prot |= unix.PROT_WRITE
	}
	mapFlags := unix.MAP_SHARED
	if s.flags&FlagPrivate != 0 {
		mapFlags = unix.MAP_PRIVATE
	}
	// mmap requires a page-aligned offset; align down and adjust the
	// returned window to the caller's actual request.
	pageSize := int64(os.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	delta := offset - aligned
	full, err := unix.Mmap(int(s.f.Fd()), aligned, int(extent+delta), prot, mapFlags)
	if err != nil {
		return nil, fmt.Errorf("mapping: mmap region at %d: %w", offset, err)
	}
	s.mu.Lock()
	s.pending[offset] = full
	s.mu.Unlock()
	return full[delta : delta+extent], nil
}

func (s *regionMapStrategy) Store(offset int64, _ []byte) error {
	s.mu.Lock()
	full, ok := s.pending[offset]
	delete(s.pending, offset)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.Msync(full, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mapping: msync region at %d: %w", offset, err)
	}
	return unix.Munmap(full)
}

func (s *regionMapStrategy) Sync() error { return nil }
func (s *regionMapStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for off, full := range s.pending {
		unix.Munmap(full)
		delete(s.pending, off)
	}
	return nil
}

// --- read/write fallback (NoMap) --------------------------------------

type readWriteStrategy struct {
	f        *os.File
	writable bool
}

func newReadWriteStrategy(f *os.File, writable bool) Strategy {
	return &readWriteStrategy{f: f, writable: writable}
}

func (s *readWriteStrategy) Fetch(offset, extent int64, _ RWFlag) ([]byte, error) {
	buf := make([]byte, extent)
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("mapping: pread at %d: %w", offset, err)
	}
	return buf, nil
}

func (s *readWriteStrategy) Store(offset int64, buf []byte) error {
	if !s.writable || buf == nil {
		return nil
	}
	if _, err := s.f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("mapping: pwrite at %d: %w", offset, err)
	}
	return nil
}

func (s *readWriteStrategy) Sync() error  { return s.f.Sync() }
func (s *readWriteStrategy) Close() error { return nil }

// --- byte-range advisory locks -------------------------------------

// LockRange acquires an advisory fcntl byte-range lock on f covering
// [offset, offset+extent); [UnlockRange] releases it. write selects exclusive vs
// shared; nowait requests F_SETLK semantics (fails fast) instead of the
// blocking F_SETLKW.
func LockRange(f *os.File, offset, extent int64, write, nowait bool) error {
	lk := unix.Flock_t{
		Type:   int16(unix.F_RDLCK),
		Whence: int16(unix.SEEK_SET),
		Start:  offset,
		Len:    extent,
	}
	if write {
		lk.Type = int16(unix.F_WRLCK)
	}
	cmd := unix.F_SETLKW
	if nowait {
		cmd = unix.F_SETLK
	}
	if err := unix.FcntlFlock(f.Fd(), cmd, &lk); err != nil {
		if nowait && (err == unix.EAGAIN || err == unix.EACCES) {
			return errWouldBlockLock
		}
		return fmt.Errorf("mapping: lock [%d,%d): %w", offset, offset+extent, err)
	}
	return nil
}

// UnlockRange releases a previously acquired byte-range lock.
func UnlockRange(f *os.File, offset, extent int64) error {
	lk := unix.Flock_t{
		Type:   int16(unix.F_UNLCK),
		Whence: int16(unix.SEEK_SET),
		Start:  offset,
		Len:    extent,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk); err != nil {
		return fmt.Errorf("mapping: unlock [%d,%d): %w", offset, offset+extent, err)
	}
	return nil
}

// TryLockRange attempts a non-blocking lock and reports whether it was
// acquired without blocking (false, nil means someone else holds it).
func TryLockRange(f *os.File, offset, extent int64, write bool) (bool, error) {
	err := LockRange(f, offset, extent, write, true)
	if err == errWouldBlockLock {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Broadcast sends SIGCONT to the caller's process group, waking any
// process blocked in Suspend (spec §4.9).
func Broadcast() error {
	return unix.Kill(0, unix.SIGCONT)
}

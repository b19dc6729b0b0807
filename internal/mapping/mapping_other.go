// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !unix

package mapping

import (
	"errors"
	"os"
)

// ErrUnsupportedPlatform is returned by every mmap/lock entry point on
// platforms without POSIX mmap and fcntl byte-range locks. pq's locking
// and crash-recovery model (spec §5, §9) is inherently POSIX; there is no
// portable substitute worth half-implementing.
var ErrUnsupportedPlatform = errors.New("mapping: unsupported platform (pq requires unix mmap/fcntl locks)")

func newWholeFileStrategy(*os.File, int64, Flag, bool) (Strategy, error) {
	return nil, ErrUnsupportedPlatform
}

func newRegionMapStrategy(*os.File, Flag, bool) Strategy {
	return unsupportedStrategy{}
}

func newReadWriteStrategy(f *os.File, writable bool) Strategy {
	return &readWriteStrategy{f: f, writable: writable}
}

type unsupportedStrategy struct{}

func (unsupportedStrategy) Fetch(int64, int64, RWFlag) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}
func (unsupportedStrategy) Store(int64, []byte) error { return ErrUnsupportedPlatform }
func (unsupportedStrategy) Sync() error                { return ErrUnsupportedPlatform }
func (unsupportedStrategy) Close() error               { return nil }

type readWriteStrategy struct {
	f        *os.File
	writable bool
}

func (s *readWriteStrategy) Fetch(offset, extent int64, _ RWFlag) ([]byte, error) {
	buf := make([]byte, extent)
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *readWriteStrategy) Store(offset int64, buf []byte) error {
	if !s.writable || buf == nil {
		return nil
	}
	_, err := s.f.WriteAt(buf, offset)
	return err
}

func (s *readWriteStrategy) Sync() error  { return s.f.Sync() }
func (s *readWriteStrategy) Close() error { return nil }

func LockRange(*os.File, int64, int64, bool, bool) error { return ErrUnsupportedPlatform }
func UnlockRange(*os.File, int64, int64) error           { return ErrUnsupportedPlatform }
func TryLockRange(*os.File, int64, int64, bool) (bool, error) {
	return false, ErrUnsupportedPlatform
}
func Broadcast() error { return ErrUnsupportedPlatform }

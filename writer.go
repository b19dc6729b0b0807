// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"fmt"
	"os"

	"code.hybscloud.com/pq/internal/header"
	"code.hybscloud.com/pq/internal/mapping"
)

// writerLimit bounds the process-wide writer counter (spec §4.11): a
// saturated counter most likely indicates a leaked writer slot from a
// process that exited without closing its Queue (e.g. killed by SIGKILL),
// not genuine concurrency, since file-level writer serialization is
// already enforced by the control lock.
const writerLimit = 1 << 16

// registerWriter increments the on-disk writer counter under the control
// lock. Refuses to exceed writerLimit.
func (q *Queue) registerWriter() error {
	if q.flags.has(ReadOnly) {
		return nil
	}
	if err := q.lockControl(true, false); err != nil {
		return err
	}
	defer q.unlockControl()

	h := q.header()
	if h.WriteCountMagic != header.WriteCountMagic {
		h.WriteCountMagic = header.WriteCountMagic
		h.WriteCount = 0
	}
	if h.WriteCount >= writerLimit {
		return ErrWriterLimit
	}
	h.WriteCount++
	q.setHeader(h)
	q.isWriter = true
	return q.persistHeader()
}

func (q *Queue) unregisterWriter() error {
	if err := q.lockControl(true, false); err != nil {
		return err
	}
	defer q.unlockControl()

	h := q.header()
	if h.WriteCount > 0 {
		h.WriteCount--
	}
	q.setHeader(h)
	q.isWriter = false
	return q.persistHeader()
}

// GetWriteCount returns the number of processes currently holding a
// writable handle on the queue file at path, without opening it for
// sustained use.
func GetWriteCount(path string) (uint32, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("pq: write count %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, header.Size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("pq: write count %s: %w", path, err)
	}
	var h header.Header
	h.Decode(buf)
	if err := h.Valid(); err != nil {
		return 0, wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	return h.WriteCount, nil
}

// ClearWriteCount forcibly resets path's writer counter to zero. Intended
// for operator recovery after a writer process crashed without closing
// its handle; calling it while a writer is legitimately still open will
// cause that writer's own decrement-on-close to underflow harmlessly
// back to zero, not go negative (registerWriter/unregisterWriter clamp).
func ClearWriteCount(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("pq: clear write count %s: %w", path, err)
	}
	defer f.Close()

	if err := mapping.LockRange(f, controlLockOffset, controlLockLen, true, false); err != nil {
		return err
	}
	defer mapping.UnlockRange(f, controlLockOffset, controlLockLen)

	buf := make([]byte, header.Size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("pq: clear write count %s: %w", path, err)
	}
	var h header.Header
	h.Decode(buf)
	if err := h.Valid(); err != nil {
		return wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	h.WriteCount = 0
	h.Encode(buf)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("pq: clear write count %s: %w", path, err)
	}
	return nil
}

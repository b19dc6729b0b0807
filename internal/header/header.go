// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package header lays out and accesses the control header that prefixes
// every pq file: magic, version, segment offsets, the writer counter, and
// the queue-wide metrics (high water marks, most-recent-insertion time,
// minimum virtual residence time).
//
// The header is encoded in the host's native byte order via
// [encoding/binary.NativeEndian]. This is deliberate and matches the
// original LDM pq format: the file is not portable across machines of
// different endianness. Do not "fix" this to a fixed-endian encoding —
// doing so would silently change the on-disk format for every existing
// queue file.
package header

import (
	"encoding/binary"
	"fmt"
)

// Magic and version constants from the on-disk layout (spec §6).
const (
	Magic          uint32 = 0x50515545
	Version        uint32 = 7
	WriteCountMagic uint32 = 0x57524954 // "WRIT"
	MetricsMagic   uint32 = 0x4d455431 // "MET1"
	MetricsMagic2  uint32 = 0x4d455432 // "MET2"
)

// Size is the encoded size of Header in bytes. Callers must align the
// region actually reserved on disk up to the page size / caller-supplied
// alignment; Size is only the minimum.
const Size = 4 + 4 + 8 + 8 + 8 + 4 + 4 +
	4 + 4 + 4 +
	4 + 4 +
	4 + 12 + 12 +
	4 +
	4 + 4 + 4

// Timestamp is a (seconds, microseconds) wall-clock pair, matching the
// original pq's timestamp resolution.
type Timestamp struct {
	Sec  int64
	Usec int32
}

// Before reports whether t is strictly earlier than o.
func (t Timestamp) Before(o Timestamp) bool {
	if t.Sec != o.Sec {
		return t.Sec < o.Sec
	}
	return t.Usec < o.Usec
}

// Sub returns t-o as a duration in microseconds. Negative if t is before o.
func (t Timestamp) Sub(o Timestamp) int64 {
	return (t.Sec-o.Sec)*1_000_000 + int64(t.Usec-o.Usec)
}

// AddTick returns t advanced by the smallest representable unit (one
// microsecond), used to break timestamp collisions in the time index.
func (t Timestamp) AddTick() Timestamp {
	t.Usec++
	if t.Usec >= 1_000_000 {
		t.Usec = 0
		t.Sec++
	}
	return t
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%06d", t.Sec, t.Usec)
}

// Header is the in-memory view of the on-disk control header.
type Header struct {
	Magic       uint32
	Version     uint32
	DataOffset  uint64
	IndexOffset uint64
	IndexSize   uint64
	Nalloc      uint32
	Align       uint32

	HighWaterProducts uint32
	HighWaterBytes    uint32
	MaxProducts       uint32

	WriteCountMagic uint32
	WriteCount      uint32

	MetricsMagic   uint32
	MostRecent     Timestamp
	MinVirtResTime Timestamp
	IsFull         uint32

	MetricsMagic2 uint32
	MVRTBytes     uint32
	MVRTSlots     uint32
}

// Encode writes h into buf in native byte order. buf must be at least Size
// bytes long.
func (h *Header) Encode(buf []byte) {
	o := binary.NativeEndian
	o.PutUint32(buf[0:4], h.Magic)
	o.PutUint32(buf[4:8], h.Version)
	o.PutUint64(buf[8:16], h.DataOffset)
	o.PutUint64(buf[16:24], h.IndexOffset)
	o.PutUint64(buf[24:32], h.IndexSize)
	o.PutUint32(buf[32:36], h.Nalloc)
	o.PutUint32(buf[36:40], h.Align)
	o.PutUint32(buf[40:44], h.HighWaterProducts)
	o.PutUint32(buf[44:48], h.HighWaterBytes)
	o.PutUint32(buf[48:52], h.MaxProducts)
	o.PutUint32(buf[52:56], h.WriteCountMagic)
	o.PutUint32(buf[56:60], h.WriteCount)
	o.PutUint32(buf[60:64], h.MetricsMagic)
	o.PutUint64(buf[64:72], uint64(h.MostRecent.Sec))
	o.PutUint32(buf[72:76], uint32(h.MostRecent.Usec))
	o.PutUint64(buf[76:84], uint64(h.MinVirtResTime.Sec))
	o.PutUint32(buf[84:88], uint32(h.MinVirtResTime.Usec))
	o.PutUint32(buf[88:92], h.IsFull)
	o.PutUint32(buf[92:96], h.MetricsMagic2)
	o.PutUint32(buf[96:100], h.MVRTBytes)
	o.PutUint32(buf[100:104], h.MVRTSlots)
}

// Decode reads h from buf, which must be at least Size bytes long.
func (h *Header) Decode(buf []byte) {
	o := binary.NativeEndian
	h.Magic = o.Uint32(buf[0:4])
	h.Version = o.Uint32(buf[4:8])
	h.DataOffset = o.Uint64(buf[8:16])
	h.IndexOffset = o.Uint64(buf[16:24])
	h.IndexSize = o.Uint64(buf[24:32])
	h.Nalloc = o.Uint32(buf[32:36])
	h.Align = o.Uint32(buf[36:40])
	h.HighWaterProducts = o.Uint32(buf[40:44])
	h.HighWaterBytes = o.Uint32(buf[44:48])
	h.MaxProducts = o.Uint32(buf[48:52])
	h.WriteCountMagic = o.Uint32(buf[52:56])
	h.WriteCount = o.Uint32(buf[56:60])
	h.MetricsMagic = o.Uint32(buf[60:64])
	h.MostRecent.Sec = int64(o.Uint64(buf[64:72]))
	h.MostRecent.Usec = int32(o.Uint32(buf[72:76]))
	h.MinVirtResTime.Sec = int64(o.Uint64(buf[76:84]))
	h.MinVirtResTime.Usec = int32(o.Uint32(buf[84:88]))
	h.IsFull = o.Uint32(buf[88:92])
	h.MetricsMagic2 = o.Uint32(buf[92:96])
	h.MVRTBytes = o.Uint32(buf[96:100])
	h.MVRTSlots = o.Uint32(buf[100:104])
}

// Valid checks the magic and version fields. It does not check offsets
// against the actual file size; callers must do that separately.
func (h *Header) Valid() error {
	if h.Magic != Magic {
		return fmt.Errorf("header: bad magic %#x, want %#x", h.Magic, Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("header: unsupported version %d, want %d", h.Version, Version)
	}
	return nil
}

// AlignUp rounds n up to the nearest multiple of align. align must be a
// power of 2.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

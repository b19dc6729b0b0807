// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"code.hybscloud.com/pq/internal/header"
)

// CursorToken is an opaque, persistable snapshot of a Sequence's
// position, modeled on the original implementation's cset state file
// (spec "Supplemented features"): a consumer that exits can save a
// Sequence's Token() and later resume via Sequence.SetCursor after
// parsing the token back with ParseCursorToken. SetCursor positions just
// before the token's timestamp, so the first Next after resuming returns
// the product the token was taken at once more.
type CursorToken struct {
	Time header.Timestamp
}

// String encodes the token as a compact, URL-safe, self-describing
// string.
func (c CursorToken) String() string {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.Time.Sec))
	binary.BigEndian.PutUint32(buf[8:12], uint32(c.Time.Usec))
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// ParseCursorToken decodes a token produced by CursorToken.String.
func ParseCursorToken(s string) (CursorToken, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(buf) != 12 {
		return CursorToken{}, fmt.Errorf("pq: malformed cursor token %q", s)
	}
	return CursorToken{Time: header.Timestamp{
		Sec:  int64(binary.BigEndian.Uint64(buf[0:8])),
		Usec: int32(binary.BigEndian.Uint32(buf[8:12])),
	}}, nil
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import (
	"crypto/md5"
	"encoding/hex"

	"code.hybscloud.com/pq/internal/header"
	"code.hybscloud.com/pq/internal/sigindex"
)

// Signature is a product's 16-byte content fingerprint, conventionally
// the MD5 digest of its payload.
type Signature = sigindex.Signature

// SignatureString formats sig as lowercase hex, matching the original
// implementation's signature pretty-printer (spec "Supplemented
// features").
func SignatureString(sig Signature) string {
	return hex.EncodeToString(sig[:])
}

// SignatureOf computes the content signature of payload.
func SignatureOf(payload []byte) Signature {
	return Signature(md5.Sum(payload))
}

// Info is a product's metadata, returned alongside its payload by
// Sequence and lookups (spec §3-4: "Product" and "Product info").
type Info struct {
	Origin     string
	Ident      string
	Signature  Signature
	Created    header.Timestamp
	Size       uint32
	Feedtype   uint32
	ProductType uint32
	Offset     uint64 // data-segment offset; valid only within the current open Queue
}

// ClassFilter selects which products a Sequence should visit. A nil
// ClassFilter matches every product.
type ClassFilter func(Info) bool

// MatchAll is the sentinel ClassFilter that accepts every product.
func MatchAll(Info) bool { return true }

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !unix

package pq

import "time"

// waitForContOrTimeout has no SIGCONT equivalent to wait on outside of
// unix; it simply sleeps for timeout. [Broadcast] returns
// mapping.ErrUnsupportedPlatform on this platform rather than doing
// anything with it.
func waitForContOrTimeout(timeout time.Duration) {
	time.Sleep(timeout)
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package pq

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

// waitForContOrTimeout blocks until SIGCONT arrives (see [Broadcast]) or
// timeout elapses, whichever comes first.
func waitForContOrTimeout(timeout time.Duration) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGCONT)
	defer signal.Stop(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	}
}

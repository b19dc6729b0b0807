// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import "time"

// Suspend blocks the calling goroutine until either maxSeconds elapse or
// another process calls Broadcast (which sends SIGCONT, spec §4.9), and
// returns the number of whole seconds left unslept. A consumer loop calls
// Suspend between Sequence passes instead of busy-polling the queue file
// for new products.
//
// The original implementation masks every signal except SIGCONT/SIGALRM
// and blocks in sigsuspend. Go's signal handling already runs on its own
// goroutine behind the runtime's own mask, so reaching for raw
// sigprocmask/sigsuspend here would fight the runtime rather than
// cooperate with it; Suspend instead registers interest in SIGCONT (on
// unix) via signal.Notify and races it against a timer, delivering the
// same wake-on-timeout-or-broadcast behavior without touching
// process-wide signal state. SIGABRT/SIGFPE/SIGILL/SIGSEGV/SIGBUS are
// never touched by this package, so Go's crash reporting for them is
// unaffected (spec §5 "Signal discipline").
func Suspend(maxSeconds int) int {
	if maxSeconds <= 0 {
		return 0
	}
	start := time.Now()
	waitForContOrTimeout(time.Duration(maxSeconds) * time.Second)
	remaining := maxSeconds - int(time.Since(start)/time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

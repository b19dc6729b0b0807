// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package pq

// RaceEnabled is true when the race detector is active.
// Tests can consult it to skip multi-process lock-contention stress tests,
// which fork subprocesses and cannot be meaningfully instrumented by the
// race detector; none of this module's current tests reads it.
const RaceEnabled = true

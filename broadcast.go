// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pq

import "code.hybscloud.com/pq/internal/mapping"

// Broadcast wakes every process in the caller's process group currently
// blocked in Suspend, by sending SIGCONT (spec §4.9). A writer calls this
// after inserting a product so consumers waiting in Suspend notice
// promptly instead of waiting out their full timeout.
func Broadcast() error {
	return mapping.Broadcast()
}

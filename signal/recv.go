/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import "errors"

var (
	// ErrRecvHungUp is returned when all senders on the receive channel are
	// gone.
	ErrRecvHungUp = errors.New("queue senders have all disconnected")

	// ErrRecvCancelled is returned when the receive was cancelled by a bit
	// in the wait mask.
	ErrRecvCancelled = errors.New("receive operation was cancelled")
)

// RecvWithCancel blocks on recv until a value arrives, the channel is
// closed, or any bit in mask is asserted. Cancellation is data-driven: the
// generic wake path closes a zero-capacity cancel channel that the receive
// races against, so no second cancellation mechanism exists.
func RecvWithCancel[T any](c *Channel, mask uint64, recv <-chan T) (T, error) {
	var (
		val T
		err error
	)

	cancel := make(chan struct{})
	ran := c.WaitOnCallback(mask,
		func() { close(cancel) },
		func() {
			select {
			case v, ok := <-recv:
				if !ok {
					err = ErrRecvHungUp
					return
				}
				val = v
			case <-cancel:
				err = ErrRecvCancelled
			}
		})
	if !ran {
		var zero T
		return zero, ErrRecvCancelled
	}
	return val, err
}

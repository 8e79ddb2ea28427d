/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRecvChannel() *Channel {
	return NewChannel(NewWakerSet(NewCallbackWaker()))
}

func TestRecvDeliversValue(t *testing.T) {
	c := newRecvChannel()

	boot := make(chan uint64, 1)
	boot <- 0x8000_0000
	v, err := RecvWithCancel(c, 1, boot)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8000_0000), v)
}

func TestRecvHungUp(t *testing.T) {
	c := newRecvChannel()

	boot := make(chan uint64)
	close(boot)
	_, err := RecvWithCancel(c, 1, boot)
	require.ErrorIs(t, err, ErrRecvHungUp)
}

func TestRecvCancelledBeforeWait(t *testing.T) {
	c := newRecvChannel()
	c.Assert(1)

	boot := make(chan uint64, 1)
	boot <- 7
	_, err := RecvWithCancel(c, 1, boot)
	require.ErrorIs(t, err, ErrRecvCancelled)

	// The pending value stays for a later, uncancelled receive.
	c.Take(1)
	v, err := RecvWithCancel(c, 1, boot)
	require.NoError(t, err)
	require.Equal(t, uint64(7), v)
}

func TestRecvCancelledWhileBlocked(t *testing.T) {
	c := newRecvChannel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Assert(1)
	}()

	boot := make(chan uint64)
	_, err := RecvWithCancel(c, 1, boot)
	require.ErrorIs(t, err, ErrRecvCancelled)
	require.True(t, c.CouldTake(1))
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

//go:build !windows

package wakefd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelvm/kestrel/signal"
)

// The Poller doubles as a channel wake handle: Assert from another thread
// interrupts a blocking poll-based wait.
func TestChannelWaitOnPoll(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	pw := signal.NewPollWaker(nil)
	ch := signal.NewChannel(signal.NewWakerSet(pw))
	pw.Set(p)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.Assert(1)
	}()

	for !ch.CouldTake(1) {
		require.NoError(t, ch.WaitOnPoll(1, p, -1))
	}
	require.Equal(t, uint64(1), ch.Take(1))
}

func TestChannelWaitOnPollSkipsWhenPending(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	pw := signal.NewPollWaker(nil)
	ch := signal.NewChannel(signal.NewWakerSet(pw))
	pw.Set(p)

	ch.Assert(1)
	start := time.Now()
	require.NoError(t, ch.WaitOnPoll(1, p, -1))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestPollWakerSetTwicePanics(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	pw := signal.NewPollWaker(nil)
	pw.Set(p)
	require.Panics(t, func() { pw.Set(p) })
}

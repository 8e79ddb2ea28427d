/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

// Package signal implements the cross-thread notification core of the
// hypervisor: a 64-bit condition bitmask with a single registered listener
// and a fixed set of pluggable wake strategies per channel, plus the startup
// and shutdown barriers built on top of it.
package signal

import (
	"fmt"
	"sync/atomic"
	"time"
)

// A Channel multiplexes up to 64 caller-defined conditions, one per bit, in
// front of a single waiting thread. Any number of threads may Assert and
// Take concurrently without coordination; at most one thread may be inside a
// wait at a time.
//
// The wait protocol registers the waker, then re-checks the bitmask before
// blocking. Go's sync/atomic operations are sequentially consistent, so a
// concurrent Assert either observes the registered listener or its bits are
// observed by the re-check. Either way no wakeup is lost.
//
// A waker is called at most once per wait. A wait may be both skipped and
// woken when an Assert lands between registration and the re-check; park
// based waits absorb the stale ticket by looping until the bits are really
// present.
type Channel struct {
	asserted atomic.Uint64
	waitMask atomic.Uint64
	active   atomic.Uint32
	wakers   *WakerSet
}

func NewChannel(wakers *WakerSet) *Channel {
	c := &Channel{wakers: wakers}
	c.active.Store(noWaker)
	return c
}

func (c *Channel) Wakers() *WakerSet {
	return c.wakers
}

// Assert ORs mask into the bitmask and, if a listener is registered and does
// not already owe itself a wake for these bits, dispatches its waker.
func (c *Channel) Assert(mask uint64) {
	old := c.asserted.Or(mask)

	// The listener's waker is called at most once per wait: if an earlier
	// Assert already set bits inside the live wait mask, that Assert (or the
	// wait's own re-check) has the wakeup covered.
	if old&c.waitMask.Load() != 0 {
		return
	}

	if w := c.active.Load(); w != noWaker {
		c.wakers.wake(w)
	}
}

// Take atomically clears the requested bits and returns which of them were
// set. Each asserted bit is returned by exactly one Take call.
func (c *Channel) Take(mask uint64) uint64 {
	return c.asserted.And(^mask) & mask
}

// CouldTake reports whether any of the requested bits are currently set.
func (c *Channel) CouldTake(mask uint64) bool {
	return c.asserted.Load()&mask != 0
}

// WaitManual registers waker as the channel's listener and re-checks the
// bitmask. If any bit in abortMask is already set, the listener is
// deregistered again and proceed is false: the answer is already known and
// the caller must not block. Otherwise the caller runs its blocking
// operation and must call EndWait on every exit path.
//
// Registering while another listener is active is a usage error.
func (c *Channel) WaitManual(wakeMask, abortMask uint64, waker uint32) (observed uint64, proceed bool) {
	if !c.active.CompareAndSwap(noWaker, waker) {
		panic("signal: wait on a channel that already has an active listener")
	}
	c.waitMask.Store(wakeMask)

	observed = c.asserted.Load()
	if observed&abortMask != 0 {
		c.EndWait()
		return observed, false
	}
	return observed, true
}

// EndWait deregisters the active listener.
func (c *Channel) EndWait() {
	c.active.Store(noWaker)
}

// Wait blocks in worker until the waker at the given index is dispatched.
// If any bit in mask is already set, worker is not run and Wait returns
// false; the caller re-evaluates and usually loops.
func (c *Channel) Wait(mask uint64, waker uint32, worker func()) bool {
	if _, proceed := c.WaitManual(mask, mask, waker); !proceed {
		return false
	}
	defer c.EndWait()
	worker()
	return true
}

// WaitOnPark blocks the calling thread until at least one bit in mask is
// present. The channel's waker set must contain a ParkWaker.
func (c *Channel) WaitOnPark(mask uint64) {
	w := c.wakers.park
	if w == nil {
		panic("signal: channel has no park waker")
	}

	// A wait may be skipped and woken at the same time, leaving a stale
	// unpark ticket behind. Loop until the bits are confirmed present so a
	// later spurious unpark cannot be mistaken for this condition.
	for !c.CouldTake(mask) {
		c.Wait(mask, c.wakers.parkIdx, w.parker.Park)
	}
}

// WaitOnParkTimeout is a single bounded park attempt; it does not retry and
// does not promise that any bit in mask is present on return.
func (c *Channel) WaitOnParkTimeout(mask uint64, timeout time.Duration) {
	w := c.wakers.park
	if w == nil {
		panic("signal: channel has no park waker")
	}
	c.Wait(mask, c.wakers.parkIdx, func() {
		w.parker.ParkTimeout(timeout)
	})
}

// WaitOnCallback binds the one-shot wake closure to the channel's
// CallbackWaker for the duration of worker. The closure is invoked at most
// once, and is unbound on every exit path.
func (c *Channel) WaitOnCallback(mask uint64, wake func(), worker func()) bool {
	cb := c.wakers.cb
	if cb == nil {
		panic("signal: channel has no callback waker")
	}

	fired := false
	cb.bind(func() {
		if !fired {
			fired = true
			wake()
		}
	})
	defer cb.clear()

	return c.Wait(mask, c.wakers.cbIdx, worker)
}

// A Poller is an external I/O multiplexer wait driven by WaitOnPoll. Poll
// blocks until an event, the wake handle fires, or the timeout elapses.
// A negative timeout blocks indefinitely.
type Poller interface {
	Poll(timeout time.Duration) error
}

// WaitOnPoll drives poller.Poll as the blocking operation. The channel's
// PollWaker handle must have been set beforehand; the poller must be the one
// that handle interrupts.
func (c *Channel) WaitOnPoll(mask uint64, poller Poller, timeout time.Duration) error {
	w := c.wakers.poll
	if w == nil {
		panic("signal: channel has no poll waker")
	}
	if w.get() == nil {
		panic("signal: WaitOnPoll before the poll waker handle was set")
	}

	var err error
	if !c.Wait(mask, c.wakers.pollIdx, func() {
		err = poller.Poll(timeout)
	}) {
		return nil
	}
	return err
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(asserted=%064b, active=%s)",
		c.asserted.Load(), c.wakers.name(c.active.Load()))
}

// A Bound is an opaque (channel, mask) capability handed to unrelated
// components so they can raise a fixed subset of bits without depending on
// the channel owner's types.
type Bound struct {
	C    *Channel
	Mask uint64
}

func (b Bound) Assert() {
	b.C.Assert(b.Mask)
}

func (b Bound) Take() uint64 {
	return b.C.Take(b.Mask)
}

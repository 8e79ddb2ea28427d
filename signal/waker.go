/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import (
	"fmt"
	"sync"
)

// A Waker is a single wake strategy attached to a channel. Wake must be safe
// to call from any thread at any time, including before a listener registers
// and after it deregisters; in that case it is a no-op.
type Waker interface {
	Wake()
}

// noWaker marks the active-waker slot as unoccupied.
const noWaker = ^uint32(0)

// A WakerSet is the fixed, ordered bundle of wake strategies owned by one
// channel. A waker's index is its position in the NewWakerSet argument list
// and never changes for the lifetime of the channel.
//
// The set resolves the standard wakers (ParkWaker, CallbackWaker, PollWaker)
// by type once at construction, so that the channel's helper waits do not
// scan on every call. Only the first waker of each standard type is resolved.
type WakerSet struct {
	wakers []Waker

	park     *ParkWaker
	parkIdx  uint32
	cb       *CallbackWaker
	cbIdx    uint32
	poll     *PollWaker
	pollIdx  uint32
}

func NewWakerSet(wakers ...Waker) *WakerSet {
	s := &WakerSet{
		wakers:  wakers,
		parkIdx: noWaker,
		cbIdx:   noWaker,
		pollIdx: noWaker,
	}
	for i, w := range wakers {
		switch w := w.(type) {
		case *ParkWaker:
			if s.park == nil {
				s.park, s.parkIdx = w, uint32(i)
			}
		case *CallbackWaker:
			if s.cb == nil {
				s.cb, s.cbIdx = w, uint32(i)
			}
		case *PollWaker:
			if s.poll == nil {
				s.poll, s.pollIdx = w, uint32(i)
			}
		}
	}
	return s
}

// Len returns the number of wakers in the set.
func (s *WakerSet) Len() int {
	return len(s.wakers)
}

// wake dispatches to the waker at index. An index with no match is a no-op.
func (s *WakerSet) wake(index uint32) {
	if index < uint32(len(s.wakers)) {
		s.wakers[index].Wake()
	}
}

func (s *WakerSet) name(index uint32) string {
	if index >= uint32(len(s.wakers)) {
		return "<none>"
	}
	return fmt.Sprintf("%T", s.wakers[index])
}

// A ParkWaker unblocks a thread parked on the channel's Parker.
type ParkWaker struct {
	parker *Parker
}

func NewParkWaker() *ParkWaker {
	return &ParkWaker{parker: NewParker()}
}

func (w *ParkWaker) Wake() {
	w.parker.Unpark()
}

// A CallbackWaker holds an optional closure bound for the duration of a
// single scoped wait. Wake invokes the currently bound closure, if any.
// One-shot delivery is the binder's responsibility; WaitOnCallback wraps the
// caller's closure accordingly.
type CallbackWaker struct {
	mu sync.Mutex
	fn func()
}

func NewCallbackWaker() *CallbackWaker {
	return new(CallbackWaker)
}

func (w *CallbackWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fn != nil {
		w.fn()
	}
}

// bind installs fn. Binding over an existing closure is a usage error.
func (w *CallbackWaker) bind(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fn != nil {
		panic("signal: callback waker is already bound")
	}
	w.fn = fn
}

func (w *CallbackWaker) clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn = nil
}

// A WakeHandle is an external wake mechanism forwarded to by a PollWaker,
// typically the write end of an I/O multiplexer's interrupt pipe.
type WakeHandle interface {
	Wake() error
}

// A PollWaker forwards wake calls to an external handle that interrupts a
// blocking poll. The handle is set exactly once for the lifetime of the
// channel. Wake failures are logged and otherwise ignored: the waiter
// re-checks the condition around its blocking call regardless, so liveness
// does not depend on the wake call succeeding.
type PollWaker struct {
	log *Logger

	mu     sync.Mutex
	handle WakeHandle
}

func NewPollWaker(logger *Logger) *PollWaker {
	if logger == nil {
		logger = &Logger{DiscardLogf, DiscardLogf}
	}
	return &PollWaker{log: logger}
}

// Set installs the external wake handle. Setting it more than once is a
// usage error.
func (w *PollWaker) Set(handle WakeHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		panic("signal: poll waker handle set more than once")
	}
	w.handle = handle
}

func (w *PollWaker) get() WakeHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

func (w *PollWaker) Wake() {
	handle := w.get()
	if handle == nil {
		panic("signal: poll waker used before its handle was set")
	}
	if err := handle.Wake(); err != nil {
		w.log.Errorf("Failed to dispatch poll waker: %v", err)
	}
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStartupAborted is returned by StartupSignal.Wait when any reporter
// disappeared without reporting success.
var ErrStartupAborted = errors.New("startup aborted")

// startupState moves Pending(n) -> Pending(n-1) on each Success, ending at
// Done(0); any task released without Success forces Aborted, irreversibly.
type startupState struct {
	mu       sync.Mutex
	resolved sync.Cond

	pending int
	aborted bool
}

func (st *startupState) abort() {
	st.mu.Lock()
	if st.pending == 0 || st.aborted {
		st.mu.Unlock()
		return
	}
	st.aborted = true
	st.mu.Unlock()
	st.resolved.Broadcast()
}

// A StartupSignal is a one-shot barrier over N required reporters: the
// mirror image of the shutdown barrier. Shutdown waits for N parties to
// finish; startup waits for N parties to report in, and any one party
// disappearing without reporting poisons the whole barrier.
type StartupSignal struct {
	state *startupState
}

// A StartupTask is one required reporter's handle. Exactly one of Success
// or Abort must be called before the handle is discarded; holders usually
// defer Abort, which is a no-op after Success.
type StartupTask struct {
	state    *startupState
	released atomic.Bool
}

// NewStartup creates the barrier with a single required reporter.
func NewStartup() (*StartupSignal, *StartupTask) {
	st := &startupState{pending: 1}
	st.resolved.L = &st.mu
	return &StartupSignal{state: st}, &StartupTask{state: st}
}

// Wait blocks until every reporter has succeeded or any reporter aborted.
func (s *StartupSignal) Wait() error {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	for st.pending != 0 && !st.aborted {
		st.resolved.Wait()
	}
	if st.aborted {
		return ErrStartupAborted
	}
	return nil
}

// Abort poisons the barrier from outside, without consuming any task.
func (s *StartupSignal) Abort() {
	s.state.abort()
}

// Success reports this task in. The barrier resolves once the last
// outstanding task succeeds.
func (t *StartupTask) Success() {
	if t.released.Swap(true) {
		return
	}
	st := t.state

	st.mu.Lock()
	if !st.aborted {
		st.pending--
	}
	notify := st.pending == 0 && !st.aborted
	st.mu.Unlock()

	if notify {
		st.resolved.Broadcast()
	}
}

// Abort releases the task without success, poisoning the barrier. It is a
// no-op after Success.
func (t *StartupTask) Abort() {
	if t.released.Swap(true) {
		return
	}
	t.state.abort()
}

// Clone registers an additional required reporter. Once the barrier is
// aborted the registration saturates and has no effect.
func (t *StartupTask) Clone() *StartupTask {
	st := t.state
	st.mu.Lock()
	if !st.aborted {
		st.pending++
	}
	st.mu.Unlock()
	return &StartupTask{state: st}
}

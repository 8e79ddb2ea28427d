/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import (
	"sync"
	"sync/atomic"
)

// An AlreadyRequestedError is returned by Spawn once shutdown has begun. It
// carries the unconsumed kick callback back to the caller, who runs it
// inline instead of registering; this closes the race where a registration
// could otherwise miss a required cleanup.
type AlreadyRequestedError struct {
	Kick func()
}

func (e *AlreadyRequestedError) Error() string {
	return "failed to spawn new task: shutdown already requested"
}

// taskArena is an index-addressed slot vector with a free list and
// generation counters, so a released task handle can never remove a slot
// that has been reused.
type taskArena struct {
	slots []taskSlot
	free  []int
	live  int
}

type taskSlot struct {
	kick func()
	gen  uint32
	used bool
}

type taskIndex struct {
	slot int
	gen  uint32
}

func (a *taskArena) insert(kick func()) taskIndex {
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		i = len(a.slots)
		a.slots = append(a.slots, taskSlot{})
	}
	a.slots[i].kick = kick
	a.slots[i].used = true
	a.live++
	return taskIndex{slot: i, gen: a.slots[i].gen}
}

func (a *taskArena) remove(idx taskIndex) bool {
	s := &a.slots[idx.slot]
	if !s.used || s.gen != idx.gen {
		return false
	}
	s.kick = nil
	s.used = false
	s.gen++
	a.free = append(a.free, idx.slot)
	a.live--
	return true
}

func (a *taskArena) empty() bool {
	return a.live == 0
}

func (a *taskArena) kicks() []func() {
	out := make([]func(), 0, a.live)
	for i := range a.slots {
		if a.slots[i].used {
			out = append(out, a.slots[i].kick)
		}
	}
	return out
}

// A ShutdownSignal is a join barrier over an arena of cleanup tasks.
// Participants register a kick callback and hold the returned task until
// their cleanup is finished; Shutdown runs every kick and then blocks until
// the last task has been released.
type ShutdownSignal struct {
	mu      sync.Mutex
	drained sync.Cond

	shuttingDown bool
	tasks        taskArena
}

func NewShutdownSignal() *ShutdownSignal {
	s := new(ShutdownSignal)
	s.drained.L = &s.mu
	return s
}

// Spawn registers kick and returns the task that owns its arena slot. Once
// shutdown has begun it returns an *AlreadyRequestedError carrying kick
// back, without inserting anything.
func (s *ShutdownSignal) Spawn(kick func()) (*ShutdownTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return nil, &AlreadyRequestedError{Kick: kick}
	}
	return &ShutdownTask{signal: s, index: s.tasks.insert(kick)}, nil
}

// SpawnOrRun registers kick, or runs it inline when shutdown has already
// been requested. The returned task is nil in the inline case; a nil task's
// methods are no-ops, so callers need not distinguish.
func (s *ShutdownSignal) SpawnOrRun(kick func()) *ShutdownTask {
	task, err := s.Spawn(kick)
	if err != nil {
		kick()
		return nil
	}
	return task
}

// SpawnAssert registers a kick that asserts the bound channel. This is the
// usual shape: the kick hands control to the remote worker thread, which
// performs its cleanup and then releases the task.
func (s *ShutdownSignal) SpawnAssert(bound Bound) (*ShutdownTask, error) {
	return s.Spawn(bound.Assert)
}

// Shutdown runs every registered kick and blocks until the task arena
// drains. It is idempotent: only the first caller runs the kicks, but every
// caller waits for the drain.
//
// Kicks run outside the lock. They may block, and they may themselves
// release tasks; a kick can also race a concurrent Done and fire for a task
// that is already gone, so kicks must tolerate running as their task is
// released.
func (s *ShutdownSignal) Shutdown() {
	s.mu.Lock()
	var kicks []func()
	if !s.shuttingDown {
		s.shuttingDown = true
		kicks = s.tasks.kicks()
	}
	s.mu.Unlock()

	for _, kick := range kicks {
		kick()
	}

	s.mu.Lock()
	for !s.tasks.empty() {
		s.drained.Wait()
	}
	s.mu.Unlock()
}

// A ShutdownTask is the sole owner of one arena slot.
type ShutdownTask struct {
	signal *ShutdownSignal
	index  taskIndex
}

// Done releases the task's slot. It is idempotent and safe on a nil task.
// If shutdown is draining and this was the last slot, the waiters in
// Shutdown are released.
func (t *ShutdownTask) Done() {
	if t == nil {
		return
	}
	s := t.signal

	s.mu.Lock()
	removed := s.tasks.remove(t.index)
	notify := removed && s.shuttingDown && s.tasks.empty()
	s.mu.Unlock()

	if notify {
		s.drained.Broadcast()
	}
}

// A MultiShutdownSignal is an ordered barrier of barriers: one
// ShutdownSignal per declared phase, fired strictly in declared order. The
// ordering is load-bearing; device workers must stop touching guest memory
// before the hypervisor handle backing that memory is destroyed.
type MultiShutdownSignal struct {
	condemned atomic.Bool
	phases    []*ShutdownSignal
}

func NewMultiShutdownSignal(numPhases int) *MultiShutdownSignal {
	m := &MultiShutdownSignal{phases: make([]*ShutdownSignal, numPhases)}
	for i := range m.phases {
		m.phases[i] = NewShutdownSignal()
	}
	return m
}

// Phase returns the signal for one declared phase.
func (m *MultiShutdownSignal) Phase(phase int) *ShutdownSignal {
	return m.phases[phase]
}

func (m *MultiShutdownSignal) Spawn(phase int, kick func()) (*ShutdownTask, error) {
	return m.phases[phase].Spawn(kick)
}

func (m *MultiShutdownSignal) SpawnOrRun(phase int, kick func()) *ShutdownTask {
	return m.phases[phase].SpawnOrRun(kick)
}

func (m *MultiShutdownSignal) SpawnAssert(phase int, bound Bound) (*ShutdownTask, error) {
	return m.phases[phase].SpawnAssert(bound)
}

// Shutdown fires each phase in declared order, advancing only once the
// previous phase has fully drained. The whole sequence fires at most once;
// later calls return immediately.
func (m *MultiShutdownSignal) Shutdown() {
	if m.condemned.Swap(true) {
		return
	}
	for _, s := range m.phases {
		s.Shutdown()
	}
}

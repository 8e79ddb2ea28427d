/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package vm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelvm/kestrel/signal"
	"github.com/kestrelvm/kestrel/virtio"
)

// stubVCPU scripts hypervisor exits through a channel and honors kicks.
type stubVCPU struct {
	exits     chan Exit
	kicked    chan struct{}
	runs      atomic.Int32
	destroyed atomic.Bool
}

func newStubVCPU() *stubVCPU {
	return &stubVCPU{
		exits:  make(chan Exit, 16),
		kicked: make(chan struct{}, 1),
	}
}

func (v *stubVCPU) Run() (Exit, error) {
	v.runs.Add(1)
	select {
	case e := <-v.exits:
		return e, nil
	case <-v.kicked:
		return ExitHandled, nil
	}
}

func (v *stubVCPU) Kick() error {
	select {
	case v.kicked <- struct{}{}:
	default:
	}
	return nil
}

func (v *stubVCPU) Destroy() {
	v.destroyed.Store(true)
}

type stubQueue struct {
	mu      sync.Mutex
	pending []virtio.DescriptorChain
	used    int
}

func (q *stubQueue) push(chain virtio.DescriptorChain) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, chain)
}

func (q *stubQueue) Pop() (virtio.DescriptorChain, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return virtio.DescriptorChain{}, false
	}
	chain := q.pending[0]
	q.pending = q.pending[1:]
	return chain, true
}

func (q *stubQueue) AddUsed(index uint16, len uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used++
}

func (q *stubQueue) NeedsNotification() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used > 0
}

func (q *stubQueue) EnableNotification() bool { return false }
func (q *stubQueue) DisableNotification()     {}

type stubIntc struct {
	raised atomic.Int32
}

func (c *stubIntc) SetIRQ(line uint32) {
	c.raised.Add(1)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not happen", what)
	}
}

func TestMachineLifecycle(t *testing.T) {
	var (
		mu    sync.Mutex
		stubs = make(map[int]*stubVCPU)
	)
	newVCPU := func(id int) (VCPU, error) {
		v := newStubVCPU()
		mu.Lock()
		stubs[id] = v
		mu.Unlock()
		return v, nil
	}

	q := &stubQueue{}
	intc := &stubIntc{}
	handler := func(queue int, chain virtio.DescriptorChain) (uint32, error) {
		return 0, nil
	}
	dev := virtio.NewDevice("blk0", []virtio.Queue{q}, handler, intc, 33, nil)

	var instanceDestroyed atomic.Bool
	cfg := &Config{VCPUs: 2}
	m := NewMachine(cfg, newVCPU, []*virtio.Device{dev},
		func() { instanceDestroyed.Store(true) }, nil)

	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrMachineStarted)
	require.True(t, dev.IsRunning())

	m.Boot(0xffff_0000)

	// The guest-facing side still works while the machine runs.
	q.push(virtio.DescriptorChain{Index: 1})
	dev.KickFor(0).Assert()
	require.Eventually(t, func() bool { return intc.raised.Load() > 0 },
		5*time.Second, time.Millisecond)

	mu.Lock()
	v0, v1 := stubs[0], stubs[1]
	mu.Unlock()

	// An interrupt forces a vm-exit and the loop runs the vCPU again.
	before := v0.runs.Load()
	require.True(t, m.InterruptVCPU(0))
	require.Eventually(t, func() bool { return v0.runs.Load() > before },
		5*time.Second, time.Millisecond)
	require.False(t, m.InterruptVCPU(99))

	// A halted guest ends the run loop and asks the owner to tear down.
	v0.exits <- ExitStopped
	waitClosed(t, m.Wait(), "exit request")

	m.Close()
	m.Close()

	require.True(t, v0.destroyed.Load())
	require.True(t, v1.destroyed.Load())
	require.True(t, instanceDestroyed.Load())
	require.False(t, dev.IsRunning())
}

func TestMachineWaitForEventPark(t *testing.T) {
	var (
		mu   sync.Mutex
		stub *stubVCPU
	)
	newVCPU := func(id int) (VCPU, error) {
		v := newStubVCPU()
		mu.Lock()
		stub = v
		mu.Unlock()
		return v, nil
	}

	cfg := &Config{VCPUs: 1}
	m := NewMachine(cfg, newVCPU, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	m.Boot(0)

	mu.Lock()
	v := stub
	mu.Unlock()

	// Park on a wait-for-event exit, then resume on an interrupt.
	v.exits <- ExitWaitForEvent
	time.Sleep(20 * time.Millisecond)
	resumed := v.runs.Load()
	require.True(t, m.InterruptVCPU(0))
	require.Eventually(t, func() bool { return v.runs.Load() > resumed },
		5*time.Second, time.Millisecond)

	m.Close()
	require.True(t, v.destroyed.Load())
}

func TestMachineShutdownBeforeBoot(t *testing.T) {
	var (
		mu    sync.Mutex
		stubs []*stubVCPU
	)
	newVCPU := func(id int) (VCPU, error) {
		v := newStubVCPU()
		mu.Lock()
		stubs = append(stubs, v)
		mu.Unlock()
		return v, nil
	}

	cfg := &Config{VCPUs: 2}
	m := NewMachine(cfg, newVCPU, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))

	// Never booted; close must cancel the boot waits and drain cleanly.
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stubs, 2)
	for _, v := range stubs {
		require.True(t, v.destroyed.Load())
	}
}

func TestMachineStartAfterCloseAbortsStartup(t *testing.T) {
	var (
		mu   sync.Mutex
		stub *stubVCPU
	)
	newVCPU := func(id int) (VCPU, error) {
		v := newStubVCPU()
		mu.Lock()
		stub = v
		mu.Unlock()
		return v, nil
	}

	cfg := &Config{VCPUs: 1}
	m := NewMachine(cfg, newVCPU, nil, nil, nil)
	m.Close()

	// Teardown already ran; the worker cannot register its phase tasks,
	// so bring-up must fail instead of producing an unstoppable thread.
	require.ErrorIs(t, m.Start(context.Background()), signal.ErrStartupAborted)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, stub)
	require.True(t, stub.destroyed.Load())
}

func TestMachineStartFailureDestroysCreatedVCPUs(t *testing.T) {
	var (
		mu      sync.Mutex
		created []*stubVCPU
	)
	bootErr := errors.New("no such vcpu")
	newVCPU := func(id int) (VCPU, error) {
		if id == 1 {
			return nil, bootErr
		}
		v := newStubVCPU()
		mu.Lock()
		created = append(created, v)
		mu.Unlock()
		return v, nil
	}

	cfg := &Config{VCPUs: 2}
	m := NewMachine(cfg, newVCPU, nil, nil, nil)
	require.ErrorIs(t, m.Start(context.Background()), bootErr)

	mu.Lock()
	defer mu.Unlock()
	for _, v := range created {
		require.True(t, v.destroyed.Load())
	}
}

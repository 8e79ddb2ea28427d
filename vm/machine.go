/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

// Package vm assembles the coordination core into a machine: vCPU worker
// threads, virtio device workers, a startup barrier gating bring-up, and
// the ordered multi-phase shutdown barrier gating teardown.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelvm/kestrel/signal"
	"github.com/kestrelvm/kestrel/virtio"
)

var ErrMachineStarted = errors.New("vm: machine already started")

// A Machine owns the worker threads of one virtual machine and the barriers
// that gate their lifecycle. Construction is cheap; Start spawns the
// threads; Shutdown fires the phase sequence and joins everything.
type Machine struct {
	log             *signal.Logger
	cfg             *Config
	newVCPU         func(id int) (VCPU, error)
	devices         []*virtio.Device
	destroyInstance func()

	shutdown *signal.MultiShutdownSignal
	handlers []signal.MuxHandler

	intc vcpuIntc

	boot     chan uint64
	stop     chan struct{}
	stopOnce sync.Once
	stopped  sync.WaitGroup

	state struct {
		sync.Mutex
		started bool
	}

	inst struct {
		sync.Mutex
		task      *signal.ShutdownTask
		destroyed bool
	}
}

// NewMachine builds a machine from its collaborators. newVCPU creates one
// hypervisor vCPU handle; destroyInstance, which may be nil, releases the
// hypervisor instance in the final shutdown phase.
func NewMachine(cfg *Config, newVCPU func(id int) (VCPU, error), devices []*virtio.Device, destroyInstance func(), logger *signal.Logger) *Machine {
	if logger == nil {
		logger = &signal.Logger{Verbosef: signal.DiscardLogf, Errorf: signal.DiscardLogf}
	}
	m := &Machine{
		log:             logger,
		cfg:             cfg,
		newVCPU:         newVCPU,
		devices:         devices,
		destroyInstance: destroyInstance,
		shutdown:        NewShutdownSignal(),
		boot:            make(chan uint64, cfg.VCPUs),
		stop:            make(chan struct{}),
	}
	m.intc.lines = make(map[int]signal.Bound)
	return m
}

// ShutdownSignal returns the machine's multi-phase shutdown barrier, so
// that collaborators outside this package can register cleanups in its
// phases.
func (m *Machine) ShutdownSignal() *signal.MultiShutdownSignal {
	return m.shutdown
}

// AddMuxHandler registers a slow-path handler serviced by the machine's
// multiplexed signal thread. Must be called before Start.
func (m *Machine) AddMuxHandler(h signal.MuxHandler) {
	m.handlers = append(m.handlers, h)
}

// Start brings the machine up: hypervisor vCPU handles are created in
// parallel, device workers are activated, the multiplexer thread starts,
// and the vCPU worker threads spawn. Start returns once every worker has
// reported in on the startup barrier, or with an error after tearing the
// machine down again if bring-up failed.
func (m *Machine) Start(ctx context.Context) error {
	m.state.Lock()
	if m.state.started {
		m.state.Unlock()
		return ErrMachineStarted
	}
	m.state.started = true
	m.state.Unlock()

	m.log.Verbosef("Machine starting: %d vCPUs, %d devices", m.cfg.VCPUs, len(m.devices))

	vcpus := make([]VCPU, m.cfg.VCPUs)
	g, _ := errgroup.WithContext(ctx)
	for i := range vcpus {
		g.Go(func() error {
			v, err := m.newVCPU(i)
			if err != nil {
				return fmt.Errorf("create vCPU %d: %w", i, err)
			}
			vcpus[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, v := range vcpus {
			if v != nil {
				v.Destroy()
			}
		}
		return err
	}

	for _, d := range m.devices {
		d.Activate(m.shutdown.Phase(int(PhaseDeviceWorkers)))
	}

	if len(m.handlers) > 0 {
		m.stopped.Add(1)
		go func() {
			defer m.stopped.Done()
			signal.ProcessMultiplexed(m.shutdown.Phase(int(PhaseConsole)), m.log, m.handlers...)
		}()
	}

	startup, reported := signal.NewStartup()
	for i, v := range vcpus {
		m.stopped.Add(1)
		go m.routineVCPU(i, v, m.boot, reported.Clone())
	}

	m.registerInstanceTask()

	reported.Success()
	if err := startup.Wait(); err != nil {
		m.Close()
		return err
	}

	m.log.Verbosef("Machine started")
	return nil
}

// Boot hands every vCPU the guest entry address, releasing the run loops.
func (m *Machine) Boot(entry uint64) {
	for i := 0; i < m.cfg.VCPUs; i++ {
		m.boot <- entry
	}
}

// InterruptVCPU asserts the interrupt bit on one vCPU's channel, waking it
// out of a wait-for-event park or forcing a vm-exit. Reports whether the
// vCPU is known.
func (m *Machine) InterruptVCPU(id int) bool {
	return m.intc.interrupt(id)
}

// Wait returns a channel closed when any vCPU leaves its run loop; the
// owner then calls Close to tear the machine down.
func (m *Machine) Wait() <-chan struct{} {
	return m.stop
}

func (m *Machine) requestExit() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// Close fires the multi-phase shutdown sequence and joins every worker
// thread. Safe to call more than once and from multiple threads.
func (m *Machine) Close() {
	m.log.Verbosef("Machine closing")
	m.requestExit()
	m.shutdown.Shutdown()
	m.stopped.Wait()
	m.log.Verbosef("Machine closed")
}

// registerInstanceTask parks the hypervisor-instance release in the final
// shutdown phase.
func (m *Machine) registerInstanceTask() {
	task, err := m.shutdown.Spawn(int(PhaseInstanceDestroy), m.destroyNow)
	if err != nil {
		m.destroyNow()
		return
	}

	m.inst.Lock()
	if m.inst.destroyed {
		// Torn down while we were registering.
		m.inst.Unlock()
		task.Done()
		return
	}
	m.inst.task = task
	m.inst.Unlock()
}

func (m *Machine) destroyNow() {
	m.inst.Lock()
	task := m.inst.task
	m.inst.task = nil
	destroyed := m.inst.destroyed
	m.inst.destroyed = true
	m.inst.Unlock()

	if !destroyed && m.destroyInstance != nil {
		m.destroyInstance()
	}
	task.Done()
}

// vcpuIntc fans guest interrupts out to the vCPU channels.
type vcpuIntc struct {
	mu    sync.Mutex
	lines map[int]signal.Bound
}

func (c *vcpuIntc) register(id int, b signal.Bound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[id] = b
}

func (c *vcpuIntc) interrupt(id int) bool {
	c.mu.Lock()
	b, ok := c.lines[id]
	c.mu.Unlock()
	if ok {
		b.Assert()
	}
	return ok
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package virtio

import (
	"sync"

	"github.com/kestrelvm/kestrel/signal"
)

// A Handler processes one descriptor chain popped from queue n and returns
// the number of bytes written back into the chain.
type Handler func(queue int, chain DescriptorChain) (uint32, error)

// A Device owns one worker thread and its signal channel. Lifecycle:
// Inactive -> Activated (running worker) -> stop bit asserted -> joined ->
// Inactive again. Queue producers and the shutdown phase wake the worker
// through Bound capabilities on the same channel; the worker never polls.
type Device struct {
	log     *signal.Logger
	name    string
	irqLine uint32
	intc    IntController
	handler Handler

	queues  []Queue
	signals *signal.Channel

	state struct {
		sync.Mutex
		running      bool
		shutdownTask *signal.ShutdownTask
	}

	stopped sync.WaitGroup
}

func NewDevice(name string, queues []Queue, handler Handler, intc IntController, irqLine uint32, logger *signal.Logger) *Device {
	if len(queues) > MaxQueues {
		panic("virtio: too many queues for one worker")
	}
	if logger == nil {
		logger = &signal.Logger{Verbosef: signal.DiscardLogf, Errorf: signal.DiscardLogf}
	}
	d := &Device{
		log:     logger,
		name:    name,
		irqLine: irqLine,
		intc:    intc,
		handler: handler,
		queues:  queues,
	}
	d.signals = signal.NewChannel(signal.NewWakerSet(
		signal.NewParkWaker(),
		signal.NewCallbackWaker(),
	))
	return d
}

func (d *Device) String() string {
	return "virtio device " + d.name
}

// Signals returns the device's channel, for tests and for multiplexing.
func (d *Device) Signals() *signal.Channel {
	return d.signals
}

// KickFor returns the capability the queue layer uses to announce work on
// queue n, without depending on the device's types.
func (d *Device) KickFor(n int) signal.Bound {
	return signal.Bound{C: d.signals, Mask: QueueBit(n)}
}

// handledMask is the set of bits the worker loop multiplexes.
func (d *Device) handledMask() uint64 {
	mask := SignalInterrupt | SignalStop
	for i := range d.queues {
		mask |= QueueBit(i)
	}
	return mask
}

// Activate spawns the worker thread and registers the device's cleanup with
// the device-workers shutdown phase. If shutdown has already been requested
// the device is torn down again immediately.
func (d *Device) Activate(phase *signal.ShutdownSignal) {
	d.state.Lock()
	if d.state.running {
		d.state.Unlock()
		return
	}
	d.log.Verbosef("%v - Activating", d)

	// previous incarnation fully joined
	d.stopped.Wait()
	d.stopped.Add(1)
	go d.routineWorker()
	d.state.running = true
	d.state.Unlock()

	task, err := phase.Spawn(d.Reset)
	if err != nil {
		d.Reset()
		return
	}

	d.state.Lock()
	if !d.state.running {
		// Torn down while we were registering; the kick already ran and
		// found no task, so release the slot ourselves.
		d.state.Unlock()
		task.Done()
		return
	}
	d.state.shutdownTask = task
	d.state.Unlock()
}

// Reset asserts the stop bit, joins the worker, and releases the shutdown
// task. The release happens only after the join, which is what lets the
// multi-phase barrier advance safely to the next phase. Idempotent.
func (d *Device) Reset() {
	d.state.Lock()
	if !d.state.running {
		d.state.Unlock()
		return
	}
	d.state.running = false
	task := d.state.shutdownTask
	d.state.shutdownTask = nil
	d.state.Unlock()

	d.log.Verbosef("%v - Stopping", d)
	d.signals.Assert(SignalStop)
	d.stopped.Wait()
	task.Done()
}

// IsRunning reports whether the worker thread is live.
func (d *Device) IsRunning() bool {
	d.state.Lock()
	defer d.state.Unlock()
	return d.state.running
}

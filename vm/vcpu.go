/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package vm

import (
	"github.com/kestrelvm/kestrel/signal"
)

// Exit is the reason a VCPU.Run call returned to the run loop.
type Exit int

const (
	// ExitHandled means the exit was serviced; run again.
	ExitHandled Exit = iota

	// ExitWaitForEvent means the guest executed a wait instruction; park
	// until an interrupt or shutdown bit arrives.
	ExitWaitForEvent

	// ExitStopped means the guest halted or rebooted; leave the run loop.
	ExitStopped
)

// A VCPU is one hypervisor virtual CPU. Run blocks inside the hypervisor
// until the next exit; Kick forces a blocked Run to return; Destroy releases
// the hypervisor handle and must only be called after the run loop has ended.
type VCPU interface {
	Run() (Exit, error)
	Kick() error
	Destroy()
}

// Signal bits of a vCPU worker channel.
const (
	vcpuSignalInterrupt uint64 = 1 << 0
	vcpuSignalExitLoop  uint64 = 1 << 1
	vcpuSignalDestroy   uint64 = 1 << 2

	// Bits handled inside the run loop. Destroy is deliberately absent:
	// nothing may destroy the vCPU while the loop still runs.
	vcpuSignalWait = vcpuSignalInterrupt | vcpuSignalExitLoop

	vcpuSignalAnyShutdown = vcpuSignalExitLoop | vcpuSignalDestroy
)

// Waker index of the kick waker in the vCPU channel's set.
const vcpuKickIndex = 2

// A kickWaker forces a vm-exit on a vCPU blocked inside the hypervisor.
// Kick failures are logged, not propagated; the run loop re-checks its bits
// around every Run call regardless.
type kickWaker struct {
	vcpu VCPU
	log  *signal.Logger
}

func (w *kickWaker) Wake() {
	if err := w.vcpu.Kick(); err != nil {
		w.log.Errorf("Failed to kick vCPU: %v", err)
	}
}

// routineVCPU is the per-vCPU worker thread, pairing a signal channel with
// the hypervisor handle. It registers its cleanup in the exit-loop and
// destroy phases, reports in on the startup barrier, waits for the boot
// address, and then alternates between claiming signal bits and running
// guest emulation inside a kick-waker wait.
//
// A refused phase registration means teardown already began; the thread
// bails out without reporting in, which aborts the startup barrier.
func (m *Machine) routineVCPU(id int, vcpu VCPU, boot <-chan uint64, started *signal.StartupTask) {
	defer m.stopped.Done()
	defer started.Abort() // no-op once reported in

	ch := signal.NewChannel(signal.NewWakerSet(
		signal.NewParkWaker(),
		signal.NewCallbackWaker(),
		&kickWaker{vcpu: vcpu, log: m.log},
	))

	exitTask, err := m.shutdown.Spawn(int(PhaseVcpuExitLoop),
		signal.Bound{C: ch, Mask: vcpuSignalExitLoop}.Assert)
	if err != nil {
		m.log.Verbosef("vCPU %d refused to start: %v", id, err)
		vcpu.Destroy()
		return
	}
	destroyTask, err := m.shutdown.Spawn(int(PhaseVcpuDestroy),
		signal.Bound{C: ch, Mask: vcpuSignalDestroy}.Assert)
	if err != nil {
		m.log.Verbosef("vCPU %d refused to start: %v", id, err)
		exitTask.Done()
		vcpu.Destroy()
		return
	}

	m.intc.register(id, signal.Bound{C: ch, Mask: vcpuSignalInterrupt})

	// Everything is registered; report in.
	started.Success()

	// Wait for the boot address, bailing out if a shutdown is requested
	// before the guest ever starts.
	if _, err := signal.RecvWithCancel(ch, vcpuSignalAnyShutdown, boot); err != nil {
		m.log.Verbosef("vCPU %d shut down before boot", id)
		vcpu.Destroy()
		exitTask.Done()
		destroyTask.Done()
		return
	}

	m.log.Verbosef("vCPU %d entering guest", id)

run:
	for {
		taken := ch.Take(vcpuSignalWait)
		if taken&vcpuSignalExitLoop != 0 {
			break
		}

		var (
			exit Exit
			err  error
		)
		if !ch.Wait(vcpuSignalWait, vcpuKickIndex, func() {
			exit, err = vcpu.Run()
		}) {
			// A bit is pending; the exit was forced and has no side effects.
			continue
		}
		if err != nil {
			m.log.Errorf("vCPU %d emulation error: %v", id, err)
			break
		}

		switch exit {
		case ExitHandled:
		case ExitWaitForEvent:
			ch.WaitOnPark(vcpuSignalWait)
		case ExitStopped:
			m.log.Verbosef("vCPU %d stopped", id)
			break run
		}
	}

	// The guest is no longer producing exits on this thread. Ask the owner
	// to begin full teardown, and let the exit-loop phase drain.
	m.requestExit()
	exitTask.Done()

	// Hold the handle until the destroy phase grants permission; only the
	// destroy bit may wake us here.
	ch.WaitOnPark(vcpuSignalDestroy)
	vcpu.Destroy()
	destroyTask.Done()
}

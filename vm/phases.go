/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package vm

import "github.com/kestrelvm/kestrel/signal"

// ShutdownPhase enumerates the machine teardown stages, fired strictly in
// declared order. Device workers must stop touching guest memory before the
// hypervisor instance backing that memory is destroyed, so the order below
// is load-bearing.
type ShutdownPhase int

const (
	// PhaseVcpuExitLoop stops the vCPU run loops, ending the production of
	// new hypervisor exits.
	PhaseVcpuExitLoop ShutdownPhase = iota

	// PhaseConsole stops the multiplexed slow-path servicing thread.
	PhaseConsole

	// PhaseDeviceWorkers stops and joins every virtio device worker.
	PhaseDeviceWorkers

	// PhaseVcpuDestroy destroys the hypervisor vCPU handles.
	PhaseVcpuDestroy

	// PhaseInstanceDestroy destroys the hypervisor instance itself.
	PhaseInstanceDestroy

	numShutdownPhases
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseVcpuExitLoop:
		return "vcpu-exit-loop"
	case PhaseConsole:
		return "console"
	case PhaseDeviceWorkers:
		return "device-workers"
	case PhaseVcpuDestroy:
		return "vcpu-destroy"
	case PhaseInstanceDestroy:
		return "instance-destroy"
	}
	return "unknown"
}

// NewShutdownSignal creates the machine's multi-phase shutdown barrier with
// the declared phase list.
func NewShutdownSignal() *signal.MultiShutdownSignal {
	return signal.NewMultiShutdownSignal(int(numShutdownPhases))
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

// Package virtio implements the device-worker consumer pattern: one thread
// per device, multiplexing "queue N has work" and "shut down" conditions on
// a signal channel, draining virtqueues and raising guest interrupts.
//
// The virtqueue wire format and the interrupt controller are external
// collaborators; this package consumes them through the interfaces below.
package virtio

// A DescriptorChain is one unit of guest work popped from a queue. The
// worker treats it as opaque; Index identifies the chain when marking it
// used.
type DescriptorChain struct {
	Index uint16
	Data  []byte
}

// A Queue is the hypervisor-exposed producer/consumer ring of one virtqueue.
// The worker only needs "is there work" and "should I notify the guest";
// the descriptor layout is the implementation's business.
type Queue interface {
	// Pop returns the next available descriptor chain, if any.
	Pop() (DescriptorChain, bool)

	// AddUsed returns a chain to the guest with the number of bytes written.
	AddUsed(index uint16, len uint32)

	// NeedsNotification reports whether the queue protocol requires a guest
	// notification for the work completed since the last notification.
	NeedsNotification() bool

	// EnableNotification re-enables guest kicks and reports whether more
	// work arrived in the meantime, in which case the worker must drain
	// again before parking.
	EnableNotification() bool

	// DisableNotification suppresses guest kicks while the worker drains.
	DisableNotification()
}

// An IntController raises interrupts visible to the guest. SetIRQ is called
// at most once per drained batch, not once per descriptor.
type IntController interface {
	SetIRQ(line uint32)
}

// Signal-bit layout of a device worker channel: one bit per queue from bit
// zero, one bit to request an interrupt, one bit to stop the worker.
const (
	// MaxQueues bounds the number of queues one worker can service.
	MaxQueues = 32

	// SignalInterrupt asks the worker to raise the device's interrupt line.
	SignalInterrupt uint64 = 1 << 62

	// SignalStop ends the worker thread.
	SignalStop uint64 = 1 << 63
)

// QueueBit returns the signal bit for queue n.
func QueueBit(n int) uint64 {
	if n < 0 || n >= MaxQueues {
		panic("virtio: queue index out of range")
	}
	return 1 << uint(n)
}

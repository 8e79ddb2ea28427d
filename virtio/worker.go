/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package virtio

// routineWorker is the device's worker loop. It blocks on the signal
// channel until woken, claims its bits, drains every signalled queue, and
// exits when the stop bit is taken. Everything the loop touches beyond the
// channel bitmask is owned by this thread for the duration of an iteration.
func (d *Device) routineWorker() {
	defer d.stopped.Done()

	mask := d.handledMask()
	for {
		d.signals.WaitOnPark(mask)
		taken := d.signals.Take(mask)

		for i, q := range d.queues {
			if taken&QueueBit(i) != 0 {
				d.processQueue(i, q)
			}
		}

		if taken&SignalInterrupt != 0 {
			d.intc.SetIRQ(d.irqLine)
		}

		if taken&SignalStop != 0 {
			d.log.Verbosef("%v - Worker stopped", d)
			return
		}
	}
}

// processQueue drains queue n: suppress guest kicks, pop and handle every
// available chain, re-enable kicks, and repeat if work raced in. The guest
// interrupt is raised at most once per drained batch.
func (d *Device) processQueue(n int, q Queue) {
	for {
		q.DisableNotification()

		for {
			chain, ok := q.Pop()
			if !ok {
				break
			}
			used, err := d.handler(n, chain)
			if err != nil {
				d.log.Errorf("%v - Failed descriptor chain on queue %d: %v", d, n, err)
			}
			q.AddUsed(chain.Index, used)
		}

		if !q.EnableNotification() {
			break
		}
	}

	if q.NeedsNotification() {
		d.intc.SetIRQ(d.irqLine)
	}
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import (
	"math/bits"
	"sync/atomic"
)

// A MuxHandler is one participant in a multiplexed signal loop. Process
// drains the handler's own channels; Channels lists the channels whose
// assertions mark the handler dirty. Every listed channel must carry a
// CallbackWaker.
type MuxHandler interface {
	Process()
	Channels() []*Channel
}

// ProcessMultiplexed services many low-rate signal channels from a single
// thread. It registers a shutdown kick that stops the loop, binds a wake
// closure on every handler channel that marks the handler dirty and unparks
// the loop, and then drains dirty handlers until shutdown.
func ProcessMultiplexed(shutdown *ShutdownSignal, logger *Logger, handlers ...MuxHandler) {
	var stop atomic.Bool
	parker := NewParker()

	task := shutdown.SpawnOrRun(func() {
		stop.Store(true)
		parker.Unpark()
	})
	defer task.Done()

	processMultiplexed(handlers, &stop, parker, logger)
}

func processMultiplexed(handlers []MuxHandler, stop *atomic.Bool, parker *Parker, logger *Logger) {
	if logger == nil {
		logger = &Logger{DiscardLogf, DiscardLogf}
	}

	dirty := make([]atomic.Uint64, (len(handlers)+63)/64)

	type binding struct {
		ch *Channel
		cb *CallbackWaker
	}
	var bound []binding
	defer func() {
		for _, b := range bound {
			b.ch.EndWait()
			b.cb.clear()
		}
	}()

	for i, handler := range handlers {
		slot := &dirty[i/64]
		bit := uint64(1) << (i % 64)

		for _, ch := range handler.Channels() {
			cb := ch.Wakers().cb
			if cb == nil {
				panic("signal: only channels with a callback waker can be multiplexed")
			}

			cb.bind(func() {
				slot.Or(bit)
				parker.Unpark()
			})

			// Stay registered for the whole loop; the closure, not a
			// one-shot wait, carries every subsequent wakeup.
			observed, _ := ch.WaitManual(^uint64(0), 0, ch.Wakers().cbIdx)
			if observed != 0 {
				slot.Or(bit)
			}
			bound = append(bound, binding{ch, cb})
		}
	}

	for !stop.Load() {
		for cell := range dirty {
			flags := dirty[cell].Swap(0)
			for flags != 0 {
				low := bits.TrailingZeros64(flags)
				flags &^= 1 << low
				handler := handlers[cell*64+low]

				handler.Process()

				for _, ch := range handler.Channels() {
					if ch.CouldTake(^uint64(0)) {
						logger.Verbosef("Multiplexed handler %T left signals untaken", handler)
					}
				}
			}
		}

		// The parker holds an unpark ticket, so events raised between the
		// drain above and this park are not missed.
		parker.Park()
	}
}

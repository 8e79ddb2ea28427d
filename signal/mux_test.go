/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type muxTestHandler struct {
	ch        *Channel
	processed chan uint64
}

func newMuxTestHandler() *muxTestHandler {
	return &muxTestHandler{
		ch:        NewChannel(NewWakerSet(NewCallbackWaker())),
		processed: make(chan uint64, 64),
	}
}

func (h *muxTestHandler) Process() {
	h.processed <- h.ch.Take(^uint64(0))
}

func (h *muxTestHandler) Channels() []*Channel {
	return []*Channel{h.ch}
}

func (h *muxTestHandler) expect(t *testing.T, want uint64) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var got uint64
	for {
		select {
		case bits := <-h.processed:
			got |= bits
			if got&want == want {
				return
			}
		case <-deadline:
			t.Fatalf("handler never processed bits %b, got %b", want, got)
		}
	}
}

func TestMuxDispatchesAssertedHandlers(t *testing.T) {
	a := newMuxTestHandler()
	b := newMuxTestHandler()

	s := NewShutdownSignal()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ProcessMultiplexed(s, nil, a, b)
	}()

	Bound{C: a.ch, Mask: 0b01}.Assert()
	a.expect(t, 0b01)

	Bound{C: b.ch, Mask: 0b10}.Assert()
	b.expect(t, 0b10)

	s.Shutdown()
	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("multiplexer did not stop")
	}
}

func TestMuxPicksUpPreAssertedSignals(t *testing.T) {
	h := newMuxTestHandler()
	h.ch.Assert(0b100)

	s := NewShutdownSignal()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ProcessMultiplexed(s, nil, h)
	}()

	h.expect(t, 0b100)
	s.Shutdown()
	<-loopDone
}

func TestMuxStopsWhenShutdownAlreadyRequested(t *testing.T) {
	h := newMuxTestHandler()
	s := NewShutdownSignal()
	s.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ProcessMultiplexed(s, nil, h)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("multiplexer did not observe the requested shutdown")
	}
}

func TestMuxRequiresCallbackWaker(t *testing.T) {
	h := &muxTestHandler{
		ch:        NewChannel(NewWakerSet(NewParkWaker())),
		processed: make(chan uint64, 1),
	}
	s := NewShutdownSignal()
	require.Panics(t, func() { ProcessMultiplexed(s, nil, h) })
}

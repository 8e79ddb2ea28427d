/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

//go:build !windows

// Package wakefd provides a pipe-based poll interrupter: a Poller that
// blocks in poll(2) on a set of watched descriptors and a wake pipe, and a
// Wake call that makes the poll return from any other thread. It backs the
// once-bound external wake handle of a signal channel.
package wakefd

import (
	"os"
	"time"

	"fortio.org/safecast"
	"golang.org/x/sys/unix"
)

// A Poller owns a nonblocking wake pipe plus a fixed set of watched file
// descriptors. Wake is safe from any thread; Poll belongs to the single
// waiter thread.
type Poller struct {
	wakeReader *os.File
	wakeWriter *os.File
	fds        []unix.PollFd
}

// NewPoller creates a Poller watching the given descriptors for readability.
// The set is fixed for the Poller's lifetime.
func NewPoller(watch ...int) (*Poller, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}

	p := &Poller{wakeReader: r, wakeWriter: w}
	p.fds = make([]unix.PollFd, 0, len(watch)+1)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(r.Fd()), Events: unix.POLLIN})
	for _, fd := range watch {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return p, nil
}

// Wake interrupts a concurrent or future Poll. The pipe is nonblocking, so
// a full pipe already holds a pending wake and the write may be dropped.
func (p *Poller) Wake() error {
	buf := []byte{0}
	_, err := p.wakeWriter.Write(buf)
	if err == nil || isEAGAIN(err) {
		return nil
	}
	return err
}

// Poll blocks until a watched descriptor is readable, a wake arrives, or
// the timeout elapses. A negative timeout blocks indefinitely. Pending
// wakes are drained before returning.
func (p *Poller) Poll(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		var err error
		ms, err = safecast.Conv[int](timeout.Milliseconds())
		if err != nil {
			ms = int(^uint(0) >> 1)
		}
		if ms == 0 && timeout > 0 {
			// Sub-millisecond timeouts stay a bounded wait, not a busy probe.
			ms = 1
		}
	}

	for i := range p.fds {
		p.fds[i].Revents = 0
	}

	_, err := unix.Poll(p.fds, ms)
	if err != nil && err != unix.EINTR {
		return err
	}

	if p.fds[0].Revents&unix.POLLIN != 0 {
		p.drain()
	}
	return nil
}

// Ready reports whether the i'th watched descriptor (in NewPoller order)
// was readable when the last Poll returned.
func (p *Poller) Ready(i int) bool {
	return p.fds[i+1].Revents&unix.POLLIN != 0
}

func (p *Poller) drain() {
	buf := make([]byte, 16)
	for {
		if _, err := p.wakeReader.Read(buf); err != nil {
			return
		}
	}
}

func (p *Poller) Close() error {
	err1 := p.wakeWriter.Close()
	err2 := p.wakeReader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func isEAGAIN(err error) bool {
	for {
		switch e := err.(type) {
		case *os.PathError:
			err = e.Err
		case *os.SyscallError:
			err = e.Err
		case unix.Errno:
			return e == unix.EAGAIN
		default:
			return false
		}
	}
}

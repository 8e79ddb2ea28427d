/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023-2026 Kestrel Authors. All Rights Reserved.
 */

package signal

import "time"

// A Parker blocks the calling thread until another thread posts a wake
// ticket. The ticket persists: an Unpark delivered while nobody is parked
// causes the next Park to return immediately. At most one ticket is held.
type Parker struct {
	c chan struct{}
}

func NewParker() *Parker {
	return &Parker{c: make(chan struct{}, 1)}
}

func (p *Parker) Park() {
	<-p.c
}

// ParkTimeout parks for at most timeout. A ticket delivered during the wait
// is consumed; a ticket delivered after the timeout is kept for the next Park.
func (p *Parker) ParkTimeout(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.c:
	case <-timer.C:
	}
}

func (p *Parker) Unpark() {
	select {
	case p.c <- struct{}{}:
	default:
	}
}

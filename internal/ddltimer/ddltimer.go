// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ddltimer provides the resettable deadline timer behind the tunnel
// stream's SetReadDeadline and SetWriteDeadline. A stream read parks on
// Timeout() while another goroutine may move or clear the deadline, which is
// exactly the contract net.Conn requires and plain time.Timer does not give.
package ddltimer

import (
	"sync"
	"time"
)

// DeadlineTimer tracks one movable deadline and exposes it as a channel that
// closes when the deadline passes. Unlike time.Timer it can be re-armed
// freely, and unlike time.After the channel can be received from by any
// number of waiters.
//
// DeadlineTimer is safe for concurrent use by multiple goroutines.
type DeadlineTimer struct {
	mu sync.Mutex

	ddl time.Time
	t   *time.Timer
	c   chan struct{}
}

// New returns a DeadlineTimer with no deadline set. Call Stop when done with
// it to release the underlying timer.
func New() *DeadlineTimer {
	return &DeadlineTimer{
		c: make(chan struct{}),
	}
}

// Timeout returns a channel that is closed once the current deadline passes.
// With no deadline set the channel never closes. Every pending Read and Write
// of a stream may select on this channel at the same time.
func (d *DeadlineTimer) Timeout() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

// SetDeadline moves the deadline to t, unblocking Timeout subscribers when it
// passes. A deadline in the past fires immediately, matching net.Conn
// semantics. The zero time clears the deadline.
func (d *DeadlineTimer) SetDeadline(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// If the armed timer already fired, its channel is closed for good and a
	// fresh one is needed for the new deadline.
	if d.t != nil && !d.t.Stop() {
		d.c = make(chan struct{})
	}

	// Stop reports false on every call after the first, which would keep
	// replacing the channel above and strand earlier subscribers.
	d.t = nil

	// A past deadline closes d.c without arming a timer, so moving the
	// deadline back to the future must start from an open channel again.
	select {
	case <-d.c:
		d.c = make(chan struct{})
	default:
	}

	d.ddl = t

	if t.IsZero() {
		return
	}

	timeout := time.Until(t)
	if timeout <= 0 {
		close(d.c)
		return
	}

	// The AfterFunc callback may run concurrently with a later SetDeadline
	// that replaces d.c, so it must close the channel captured here.
	ch := d.c
	d.t = time.AfterFunc(timeout, func() {
		close(ch)
	})
}

// Stop clears the deadline. It is equivalent to SetDeadline(time.Time{}).
func (d *DeadlineTimer) Stop() {
	d.SetDeadline(time.Time{})
}

// Deadline returns the current deadline, or the zero time if none is set.
func (d *DeadlineTimer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ddl
}

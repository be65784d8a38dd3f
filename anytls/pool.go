// Copyright 2025 The AnyTLS Authors
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

package anytls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultPoolCheckInterval = 30 * time.Second
	defaultPoolIdleTimeout   = 60 * time.Second
	defaultPoolMinIdle       = 1
)

// ErrPoolClosed is returned by Acquire on a closed [SessionPool].
var ErrPoolClosed = errors.New("session pool closed")

// SessionFactory dials and authenticates a fresh session. The pool calls it
// when no idle session is available.
type SessionFactory func(ctx context.Context) (*Session, error)

// PoolConfig tunes a [SessionPool]. Zero fields select the defaults of a 30s
// check interval, a 60s idle timeout and one retained idle session.
type PoolConfig struct {
	Logger        *slog.Logger
	CheckInterval time.Duration
	IdleTimeout   time.Duration
	MinIdle       int
}

type idleEntry struct {
	sess  *Session
	seq   uint64
	since time.Time
}

// SessionPool reuses idle client sessions. Acquire hands out the most
// recently released session first, so a small working set stays warm while
// older sessions age toward expiry. A background sweeper closes sessions that
// have been idle past the timeout, oldest first, always retaining the
// configured minimum.
//
// The server can tune the pool remotely: wire [SessionPool.AbsorbServerSettings]
// into the factory's session config as OnServerSettings.
type SessionPool struct {
	factory SessionFactory
	logger  *slog.Logger

	mu            sync.Mutex
	idle          []idleEntry // oldest first; Acquire pops from the tail
	seq           uint64
	checkInterval time.Duration
	idleTimeout   time.Duration
	minIdle       int
	closed        bool

	done chan struct{}
}

// NewSessionPool creates a pool and starts its sweeper goroutine. Callers own
// the pool's lifecycle and must Close it to release retained sessions.
func NewSessionPool(factory SessionFactory, cfg *PoolConfig) *SessionPool {
	if cfg == nil {
		cfg = &PoolConfig{}
	}
	p := &SessionPool{
		factory:       factory,
		logger:        cfg.Logger,
		checkInterval: cfg.CheckInterval,
		idleTimeout:   cfg.IdleTimeout,
		minIdle:       cfg.MinIdle,
		done:          make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.checkInterval <= 0 {
		p.checkInterval = defaultPoolCheckInterval
	}
	if p.idleTimeout <= 0 {
		p.idleTimeout = defaultPoolIdleTimeout
	}
	if p.minIdle <= 0 {
		p.minIdle = defaultPoolMinIdle
	}
	go p.sweepLoop()
	return p
}

// Acquire returns an idle session, newest first, skipping any that died while
// parked. With no usable idle session it dials a fresh one via the factory.
func (p *SessionPool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for n := len(p.idle); n > 0; n = len(p.idle) {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if !e.sess.IsClosed() {
			p.mu.Unlock()
			return e.sess, nil
		}
	}
	p.mu.Unlock()
	return p.factory(ctx)
}

// Release parks a session for reuse. Closed sessions are discarded; releases
// after pool close shut the session down instead of leaking it.
func (p *SessionPool) Release(s *Session) {
	if s == nil || s.IsClosed() {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close()
		return
	}
	p.seq++
	p.idle = append(p.idle, idleEntry{sess: s, seq: p.seq, since: time.Now()})
	p.mu.Unlock()
}

// IdleCount reports how many sessions are currently parked.
func (p *SessionPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// AbsorbServerSettings applies the pool tuning advice a server sends in
// SERVER_SETTINGS. Interval values are whole seconds; absent or malformed
// keys leave the current setting untouched.
func (p *SessionPool) AbsorbServerSettings(m map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v := settingsInt(m, settingIdleCheckInterval, 0); v > 0 {
		p.checkInterval = time.Duration(v) * time.Second
	}
	if v := settingsInt(m, settingIdleTimeout, 0); v > 0 {
		p.idleTimeout = time.Duration(v) * time.Second
	}
	if v := settingsInt(m, settingMinIdleSession, 0); v > 0 {
		p.minIdle = v
	}
}

// Close shuts the sweeper down and closes every parked session.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	close(p.done)
	for _, e := range idle {
		e.sess.Close()
	}
	return nil
}

func (p *SessionPool) sweepLoop() {
	for {
		p.mu.Lock()
		d := p.checkInterval
		p.mu.Unlock()
		t := time.NewTimer(d)
		select {
		case <-p.done:
			t.Stop()
			return
		case <-t.C:
		}
		p.sweep(time.Now())
	}
}

// sweep drops dead sessions and expires the oldest idle ones past the
// timeout, keeping at least minIdle parked.
func (p *SessionPool) sweep(now time.Time) {
	var expired []*Session
	p.mu.Lock()
	live := p.idle[:0]
	for _, e := range p.idle {
		if !e.sess.IsClosed() {
			live = append(live, e)
		}
	}
	kept := make([]idleEntry, 0, len(live))
	excess := len(live) - p.minIdle
	for _, e := range live {
		if excess > 0 && now.Sub(e.since) >= p.idleTimeout {
			expired = append(expired, e.sess)
			excess--
			continue
		}
		kept = append(kept, e)
	}
	p.idle = kept
	p.mu.Unlock()
	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		p.logger.Debug("expired idle sessions", "count", len(expired))
	}
}

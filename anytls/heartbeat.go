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

import "time"

// Sessions always answer HEART_REQUEST with HEART_RESPONSE; that passive half
// lives in the frame dispatcher. StartHeartbeat adds the active half: a probe
// loop that declares the session dead when the peer stops answering.

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 10 * time.Second
)

// StartHeartbeat launches a goroutine that sends HEART_REQUEST every interval
// and closes the session with [ErrHeartbeatTimeout] if no HEART_RESPONSE
// arrives within timeout. Non-positive arguments select the defaults of 30s
// and 10s. Call at most once per session, after the peer has negotiated
// version 2; version 1 peers never answer probes.
func (s *Session) StartHeartbeat(interval, timeout time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	go s.heartbeatLoop(interval, timeout)
}

func (s *Session) heartbeatLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.die:
			return
		case <-ticker.C:
		}
		// Drop a stale response left over from a previous round so the wait
		// below only accepts an answer to this probe.
		select {
		case <-s.hbCh:
		default:
		}
		if err := s.enqueueControl(controlFrame(cmdHeartRequest, 0)); err != nil {
			return
		}
		deadline := time.NewTimer(timeout)
		select {
		case <-s.hbCh:
			deadline.Stop()
		case <-s.die:
			deadline.Stop()
			return
		case <-deadline.C:
			s.logger.Warn("peer stopped answering heartbeats", "timeout", timeout)
			s.closeWithError(ErrHeartbeatTimeout)
			return
		}
	}
}

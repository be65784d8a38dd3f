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
	"errors"
	"fmt"
)

// Sentinel errors returned by sessions and streams. Use [errors.Is] to test
// for them, since they may be wrapped with additional context.
var (
	// ErrSessionClosed is returned by operations on a closed [Session].
	ErrSessionClosed = errors.New("session closed")
	// ErrStreamClosed is returned by operations on a closed [Stream].
	ErrStreamClosed = errors.New("stream closed")
	// ErrAuthenticationFailed indicates the peer did not present the expected credential.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSynAckTimeout indicates the peer did not confirm a stream open in time.
	ErrSynAckTimeout = errors.New("timeout waiting for stream confirmation")
	// ErrHeartbeatTimeout indicates the peer stopped answering heartbeats.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// ProtocolError indicates the peer violated the wire protocol. It is fatal to
// the session that observed it.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// InvalidFrameError indicates a frame that cannot be encoded or decoded.
type InvalidFrameError struct {
	Detail string
}

func (e *InvalidFrameError) Error() string {
	return "invalid frame: " + e.Detail
}

// InvalidPaddingError indicates a malformed padding scheme.
type InvalidPaddingError struct {
	Detail string
}

func (e *InvalidPaddingError) Error() string {
	return "invalid padding scheme: " + e.Detail
}

// RemoteError carries an error message reported by the peer, for example the
// text payload of a SYN_ACK rejecting a stream open.
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Text
}

// StreamNotFoundError indicates a frame referenced a stream id that is not in
// the session registry.
type StreamNotFoundError struct {
	ID uint32
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream %d not found", e.ID)
}

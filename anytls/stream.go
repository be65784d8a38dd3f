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
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anytls/anytls-go/internal/ddltimer"
	"github.com/anytls/anytls-go/transport"
)

// streamAddr is the placeholder address reported by Stream, which has no
// network identity of its own.
type streamAddr struct{}

func (streamAddr) Network() string { return "anytls" }
func (streamAddr) String() string  { return "anytls:stream" }

// Stream is one logical byte stream multiplexed over a [Session]. It
// implements [transport.StreamConn]: reads and writes are independent and each
// side can be closed on its own.
//
// Writes never block on the underlying connection; they enqueue data for the
// session's writer goroutine. Reads block until the peer pushes data, the
// stream or session closes, or a read deadline expires.
type Stream struct {
	id   uint32
	sess *Session

	reader *streamReader
	readMu sync.Mutex

	readTimer  *ddltimer.DeadlineTimer
	writeTimer *ddltimer.DeadlineTimer

	synackOnce sync.Once
	synackCh   chan error

	writeClosed atomic.Bool
	finOnce     sync.Once

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
	done      chan struct{}
}

var _ transport.StreamConn = (*Stream)(nil)

func newStream(id uint32, sess *Session) *Stream {
	return &Stream{
		id:         id,
		sess:       sess,
		reader:     newStreamReader(),
		readTimer:  ddltimer.New(),
		writeTimer: ddltimer.New(),
		synackCh:   make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the stream's identifier within its session.
func (s *Stream) ID() uint32 {
	return s.id
}

// Read copies inbound payload bytes into b. It returns io.EOF once the peer
// has sent FIN and all queued data has been drained, and
// os.ErrDeadlineExceeded if a read deadline set via SetReadDeadline expires.
func (s *Stream) Read(b []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.reader.Read(b, s.readTimer.Timeout())
}

// Write enqueues b for transmission. The bytes are copied, so the caller may
// reuse b immediately. Write never blocks on the network; it fails once the
// write side or the session is closed.
func (s *Stream) Write(b []byte) (int, error) {
	if s.closed.Load() || s.writeClosed.Load() {
		return 0, ErrStreamClosed
	}
	select {
	case <-s.writeTimer.Timeout():
		// Enqueueing never blocks, so a write deadline only matters when it
		// already expired before the call.
		return 0, os.ErrDeadlineExceeded
	default:
	}
	if len(b) == 0 {
		return 0, nil
	}
	data := make([]byte, len(b))
	copy(data, b)
	if err := s.sess.enqueueData(s.id, data); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite half-closes the stream: a FIN frame is queued and further Writes
// fail, while the read side stays open until the peer finishes.
func (s *Stream) CloseWrite() error {
	s.writeClosed.Store(true)
	var err error
	s.finOnce.Do(func() {
		// FIN rides the data queue so it cannot overtake this stream's
		// already-queued data, which the control queue would.
		err = s.sess.dataQ.push(writeItem{frame: controlFrame(cmdFIN, s.id), isCtrl: true})
	})
	if err == ErrSessionClosed {
		// The peer learns about the stream's end from the session teardown.
		return nil
	}
	return err
}

// CloseRead stops the read side. Subsequent Reads drain already-queued data
// and then report EOF; later pushes from the peer are discarded.
func (s *Stream) CloseRead() error {
	s.reader.closeQueue()
	return nil
}

// Close closes both directions. A FIN is sent so the peer observes an orderly
// end of stream, and the stream is removed from its session's registry. Close
// is idempotent.
func (s *Stream) Close() error {
	werr := s.CloseWrite()
	s.closeWithError(nil)
	s.sess.unregisterStream(s.id)
	return werr
}

// closeWithError tears the stream down without sending FIN. Only the first
// call has an effect: its error (ErrStreamClosed when nil) is delivered to a
// pending WaitSynAck, and Reads return io.EOF once queued data drains. Used for
// session teardown, stream rejection and local aborts.
func (s *Stream) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.closed.Store(true)
		s.writeClosed.Store(true)
		s.reader.closeQueue()
		cause := err
		if cause == nil {
			cause = ErrStreamClosed
		}
		s.notifySynAck(cause)
		close(s.done)
	})
}

// notifySynAck delivers the stream-establishment outcome to a waiting
// OpenStream. Only the first notification counts.
func (s *Stream) notifySynAck(err error) {
	s.synackOnce.Do(func() {
		s.synackCh <- err
	})
}

// WaitSynAck blocks until the server confirms or rejects the stream open,
// using the session's configured timeout. With a version 1 peer it returns
// immediately, since such servers never send SYNACK. On timeout, rejection or
// cancellation the stream is closed; the session stays usable.
//
// Callers typically write their first bytes before waiting, so the server can
// act on them and answer in one round trip.
func (s *Stream) WaitSynAck(ctx context.Context) error {
	if s.sess.peerVersion.Load() < 2 {
		return nil
	}
	t := time.NewTimer(s.sess.synackTimeout)
	defer t.Stop()
	var err error
	select {
	case err = <-s.synackCh:
	case <-t.C:
		err = ErrSynAckTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.closeWithError(err)
		s.sess.unregisterStream(s.id)
	}
	return err
}

// HandshakeSuccess confirms a peer-opened stream. Server handlers call it
// once the destination is reachable; on a version 1 peer it is a no-op.
func (s *Stream) HandshakeSuccess() error {
	return s.sess.sendSynAck(s.id, "")
}

// HandshakeFailure rejects a peer-opened stream with a reason the opener
// receives as a [RemoteError], then closes the stream.
func (s *Stream) HandshakeFailure(err error) error {
	text := "handshake failed"
	if err != nil {
		text = err.Error()
	}
	werr := s.sess.sendSynAck(s.id, text)
	s.closeWithError(ErrStreamClosed)
	s.sess.unregisterStream(s.id)
	return werr
}

// LocalAddr returns a placeholder address; streams have no network identity.
func (s *Stream) LocalAddr() net.Addr { return streamAddr{} }

// RemoteAddr returns a placeholder address; streams have no network identity.
func (s *Stream) RemoteAddr() net.Addr { return streamAddr{} }

// SetDeadline sets both the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	s.readTimer.SetDeadline(t)
	s.writeTimer.SetDeadline(t)
	return nil
}

// SetReadDeadline sets the deadline for future and pending Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readTimer.SetDeadline(t)
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls. Writes are
// buffered and never block, so the deadline only rejects calls made after it
// has already expired.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeTimer.SetDeadline(t)
	return nil
}

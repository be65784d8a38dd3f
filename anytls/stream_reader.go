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
	"io"
	"os"
	"sync"
)

// streamReader is the inbound half of a stream: a queue of payload chunks
// pushed by the session's receive loop, drained by the stream owner.
//
// push never blocks; Read blocks until data arrives, the queue is closed
// (EOF), or the supplied cancel channel fires. Only one goroutine may call
// Read at a time; the owning Stream enforces that with its read mutex.
type streamReader struct {
	mu     sync.Mutex
	chunks [][]byte
	off    int  // consumed bytes of chunks[0]
	eof    bool // no more pushes will arrive
	ready  chan struct{}
}

func newStreamReader() *streamReader {
	return &streamReader{ready: make(chan struct{}, 1)}
}

// push enqueues one inbound payload chunk. The caller must not reuse b.
// Zero-length chunks are queued too: they complete a pending Read with n=0,
// which is how zero-length PSH frames surface without signaling EOF.
func (r *streamReader) push(b []byte) {
	r.mu.Lock()
	if r.eof {
		r.mu.Unlock()
		return
	}
	r.chunks = append(r.chunks, b)
	r.mu.Unlock()
	r.signal()
}

// closeQueue marks the end of the inbound byte stream. Queued chunks remain
// readable; once drained, Read returns io.EOF.
func (r *streamReader) closeQueue() {
	r.mu.Lock()
	r.eof = true
	r.mu.Unlock()
	r.signal()
}

func (r *streamReader) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Read copies queued bytes into b. cancel aborts the wait with
// os.ErrDeadlineExceeded; pass nil to wait indefinitely.
func (r *streamReader) Read(b []byte, cancel <-chan struct{}) (int, error) {
	for {
		r.mu.Lock()
		if len(r.chunks) > 0 {
			head := r.chunks[0][r.off:]
			if len(head) == 0 && r.off == 0 {
				// Zero-length chunk: complete the read without consuming data.
				r.chunks = r.chunks[1:]
				r.mu.Unlock()
				return 0, nil
			}
			n := copy(b, head)
			if n == len(head) {
				r.chunks = r.chunks[1:]
				r.off = 0
			} else {
				r.off += n
			}
			r.mu.Unlock()
			return n, nil
		}
		if r.eof {
			r.mu.Unlock()
			return 0, io.EOF
		}
		r.mu.Unlock()

		select {
		case <-r.ready:
		case <-cancel:
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// ReadFull reads exactly len(b) bytes, failing with io.ErrUnexpectedEOF if the
// queue closes first.
func (r *streamReader) ReadFull(b []byte, cancel <-chan struct{}) error {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:], cancel)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		total += n
	}
	return nil
}

// buffered reports queued-but-unread bytes, for diagnostics.
func (r *streamReader) buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := -r.off
	for _, c := range r.chunks {
		n += len(c)
	}
	return n
}

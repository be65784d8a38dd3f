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
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
)

// authPaddingMaxLen caps how many prelude padding bytes the server will scan
// before giving up on a connection.
const authPaddingMaxLen = 1024

// HashPassword derives the 32-byte credential digest sent in the
// authentication prelude.
func HashPassword(password string) [sha256.Size]byte {
	return sha256.Sum256([]byte(password))
}

// SendAuthentication writes the client authentication prelude: the password
// digest followed by random padding whose length is sampled from row 0 of the
// padding scheme. The prelude goes out as a single write so it occupies one
// TLS record.
func SendAuthentication(w io.Writer, digest [sha256.Size]byte, scheme *PaddingScheme) error {
	padLen := scheme.authPaddingLen()
	buf := make([]byte, sha256.Size+padLen)
	copy(buf, digest[:])
	if padLen > 0 {
		if _, err := rand.Read(buf[sha256.Size:]); err != nil {
			return fmt.Errorf("failed to generate auth padding: %w", err)
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write auth prelude: %w", err)
	}
	return nil
}

// settingsHeaderPrefix is the first five header bytes of the SETTINGS frame
// (cmd=4, stream id=0) that every client sends immediately after the prelude.
var settingsHeaderPrefix = []byte{cmdSettings, 0, 0, 0, 0}

// AuthenticateClient verifies the client prelude on a fresh server connection.
// It reads the 32-byte digest, compares it in constant time against expected,
// and then skips the variable-length padding by scanning for the header of the
// first frame. Any bytes read past the padding are returned as leftover and
// must be fed to the session's decoder.
//
// On credential mismatch it returns [ErrAuthenticationFailed] without reading
// further; the caller must close the connection without sending any frame.
func AuthenticateClient(r io.Reader, expected [sha256.Size]byte) (leftover []byte, err error) {
	var digest [sha256.Size]byte
	if _, err := io.ReadFull(r, digest[:]); err != nil {
		return nil, fmt.Errorf("failed to read auth digest: %w", err)
	}
	if subtle.ConstantTimeCompare(digest[:], expected[:]) != 1 {
		return nil, ErrAuthenticationFailed
	}

	// The padding length is implied by the client's scheme, which the server
	// does not know yet. Scan for the start of the first frame instead,
	// with a sanity cap on how much padding we are willing to swallow.
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		if i := bytes.Index(buf, settingsHeaderPrefix); i >= 0 {
			if i > authPaddingMaxLen {
				return nil, &ProtocolError{Detail: fmt.Sprintf("auth padding exceeds %d bytes", authPaddingMaxLen)}
			}
			return buf[i:], nil
		}
		if len(buf) > authPaddingMaxLen+frameHeaderLen {
			return nil, &ProtocolError{Detail: fmt.Sprintf("auth padding exceeds %d bytes", authPaddingMaxLen)}
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read past auth padding: %w", err)
		}
	}
}

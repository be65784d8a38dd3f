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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settingsFrameBytes(t *testing.T) []byte {
	t.Helper()
	b, err := appendFrame(nil, frame{Cmd: cmdSettings, Payload: []byte("v=2")})
	require.NoError(t, err)
	return b
}

func TestAuthenticateRoundTrip(t *testing.T) {
	digest := HashPassword("correct horse battery staple")
	scheme := DefaultPaddingScheme()

	var wire bytes.Buffer
	require.NoError(t, SendAuthentication(&wire, digest, scheme))
	// Default row 0 pads with exactly 30 bytes.
	require.Equal(t, 32+30, wire.Len())
	settings := settingsFrameBytes(t)
	wire.Write(settings)

	leftover, err := AuthenticateClient(&wire, digest)
	require.NoError(t, err)
	require.Equal(t, settings, leftover)
}

func TestAuthenticateLeftoverIncludesTrailingBytes(t *testing.T) {
	digest := HashPassword("pw")
	var wire bytes.Buffer
	wire.Write(digest[:])
	wire.Write(bytes.Repeat([]byte{0xFF}, 11))
	settings := settingsFrameBytes(t)
	wire.Write(settings)
	trailing, err := appendFrame(nil, controlFrame(cmdSYN, 1))
	require.NoError(t, err)
	wire.Write(trailing)

	leftover, err := AuthenticateClient(&wire, digest)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), settings...), trailing...), leftover)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	digest := HashPassword("right")
	wrong := HashPassword("wrong")
	var wire bytes.Buffer
	require.NoError(t, SendAuthentication(&wire, wrong, DefaultPaddingScheme()))

	_, err := AuthenticateClient(&wire, digest)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticatePaddingCap(t *testing.T) {
	digest := HashPassword("pw")
	var wire bytes.Buffer
	wire.Write(digest[:])
	// Padding past the cap with no frame header in sight.
	wire.Write(bytes.Repeat([]byte{0xFF}, authPaddingMaxLen+64))
	wire.Write(settingsFrameBytes(t))

	_, err := AuthenticateClient(&wire, digest)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestAuthenticateTruncatedPrelude(t *testing.T) {
	digest := HashPassword("pw")
	_, err := AuthenticateClient(bytes.NewReader(digest[:16]), digest)
	require.Error(t, err)

	// Full digest but the stream ends before any frame appears.
	var wire bytes.Buffer
	wire.Write(digest[:])
	wire.Write(bytes.Repeat([]byte{0xFF}, 8))
	_, err = AuthenticateClient(&wire, digest)
	require.Error(t, err)
}

func TestHashPasswordStable(t *testing.T) {
	assert.Equal(t, HashPassword("a"), HashPassword("a"))
	assert.NotEqual(t, HashPassword("a"), HashPassword("b"))
}

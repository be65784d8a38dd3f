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
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSessionPair wires a client and a server session over an in-memory pipe,
// running the real authentication prelude in between.
func newSessionPair(t *testing.T, clientCfg, serverCfg *Config) (*Session, *Session) {
	t.Helper()
	cConn, sConn := net.Pipe()
	digest := HashPassword("test-password")

	srvCh := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		leftover, err := AuthenticateClient(sConn, digest)
		if err != nil {
			errCh <- err
			return
		}
		srvCh <- NewServerSession(sConn, leftover, serverCfg)
	}()

	client, err := NewClientSession(cConn, digest, clientCfg)
	require.NoError(t, err)

	var server *Session
	select {
	case server = <-srvCh:
	case err := <-errCh:
		t.Fatalf("Server-side authentication failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the server session")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func echoHandler(st *Stream) {
	io.Copy(st, st)
	st.Close()
}

func TestSessionEcho(t *testing.T) {
	client, _ := newSessionPair(t, nil, &Config{OnNewStream: echoHandler})

	st, err := client.OpenStream(context.Background())
	require.NoError(t, err)

	_, err = st.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, st.CloseWrite())

	got, err := io.ReadAll(st)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
	require.NoError(t, st.Close())
}

func TestSessionConcurrentStreams(t *testing.T) {
	client, server := newSessionPair(t, nil, &Config{OnNewStream: echoHandler})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := client.OpenStream(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer st.Close()
			msg := fmt.Sprintf("stream-%d-payload", i)
			if _, err := st.Write([]byte(msg)); !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, st.CloseWrite())
			got, err := io.ReadAll(st)
			assert.NoError(t, err)
			assert.Equal(t, msg, string(got))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return client.ActiveStreams() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return server.ActiveStreams() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSessionNegotiatesVersion2(t *testing.T) {
	client, server := newSessionPair(t, nil, &Config{})
	require.Eventually(t, func() bool { return client.PeerVersion() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return server.PeerVersion() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSessionServerSettingsAdvisory(t *testing.T) {
	got := make(chan map[string]string, 1)
	newSessionPair(t,
		&Config{OnServerSettings: func(m map[string]string) { got <- m }},
		&Config{
			IdleCheckInterval: 20 * time.Second,
			IdleTimeout:       45 * time.Second,
			MinIdleSession:    3,
		})

	select {
	case m := <-got:
		assert.Equal(t, "2", m[settingVersion])
		assert.Equal(t, "20", m[settingIdleCheckInterval])
		assert.Equal(t, "45", m[settingIdleTimeout])
		assert.Equal(t, "3", m[settingMinIdleSession])
	case <-time.After(2 * time.Second):
		t.Fatal("SERVER_SETTINGS never arrived")
	}
}

func TestSessionSynAck(t *testing.T) {
	handler := func(st *Stream) {
		verdict := make([]byte, 1)
		if _, err := io.ReadFull(st, verdict); err != nil {
			st.HandshakeFailure(err)
			return
		}
		if verdict[0] == 'n' {
			st.HandshakeFailure(errors.New("refused"))
			return
		}
		st.HandshakeSuccess()
		echoHandler(st)
	}
	client, _ := newSessionPair(t, nil, &Config{OnNewStream: handler})
	require.Eventually(t, func() bool { return client.PeerVersion() == 2 }, time.Second, 5*time.Millisecond)

	// Rejection closes only the stream that was refused.
	st, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = st.Write([]byte("n"))
	require.NoError(t, err)
	err = st.WaitSynAck(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "refused", remote.Text)
	require.False(t, client.IsClosed())

	// The session keeps serving new streams after a rejection.
	st2, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = st2.Write([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, st2.WaitSynAck(context.Background()))

	_, err = st2.Write([]byte("more"))
	require.NoError(t, err)
	require.NoError(t, st2.CloseWrite())
	got, err := io.ReadAll(st2)
	require.NoError(t, err)
	require.Equal(t, "more", string(got))
	st2.Close()
}

func TestSessionWaitSynAckContextCancel(t *testing.T) {
	// A server that never answers the handshake.
	client, _ := newSessionPair(t, nil, &Config{OnNewStream: func(st *Stream) {}})
	require.Eventually(t, func() bool { return client.PeerVersion() == 2 }, time.Second, 5*time.Millisecond)

	st, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, st.WaitSynAck(ctx), context.DeadlineExceeded)
	require.Equal(t, 0, client.ActiveStreams())
	require.False(t, client.IsClosed())
}

func TestSessionPaddingUpdate(t *testing.T) {
	serverScheme, err := NewPaddingScheme([]byte("stop=3\n0=20-20\n1=50-100"))
	require.NoError(t, err)

	client, _ := newSessionPair(t, nil, &Config{
		PaddingScheme: serverScheme,
		OnNewStream:   echoHandler,
	})

	// The client advertised the built-in scheme; the server pushes its own.
	require.Eventually(t, func() bool {
		return client.PaddingScheme().MD5() == serverScheme.MD5()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionLargeTransfer(t *testing.T) {
	client, _ := newSessionPair(t, nil, &Config{OnNewStream: echoHandler})

	st, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	defer st.Close()

	// Larger than one frame's payload, so the writer must split it.
	payload := make([]byte, 3*maxFramePayloadLen+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	done := make(chan error, 1)
	go func() {
		if _, err := st.Write(payload); err != nil {
			done <- err
			return
		}
		done <- st.CloseWrite()
	}()

	got, err := io.ReadAll(st)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, payload, got)
}

func TestSessionCloseFailsStreams(t *testing.T) {
	client, server := newSessionPair(t, &Config{CloseGrace: 50 * time.Millisecond}, &Config{OnNewStream: echoHandler})

	st, err := client.OpenStream(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.True(t, client.IsClosed())
	require.ErrorIs(t, client.Err(), ErrSessionClosed)

	_, err = st.Write([]byte("x"))
	require.ErrorIs(t, err, ErrStreamClosed)
	_, err = io.ReadAll(st)
	require.NoError(t, err)

	_, err = client.OpenStream(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)

	select {
	case <-client.Done():
	default:
		t.Fatal("Done channel still open after Close")
	}

	// The peer notices the teardown once the connection drops.
	require.Eventually(t, func() bool { return server.IsClosed() }, 2*time.Second, 10*time.Millisecond)
}

func TestServerSessionCannotOpenStreams(t *testing.T) {
	_, server := newSessionPair(t, nil, &Config{})
	_, err := server.OpenStream(context.Background())
	require.Error(t, err)
}

func TestSessionAlertClosesPeer(t *testing.T) {
	client, server := newSessionPair(t, nil, &Config{})

	// Only clients may open streams; a SYN from the server is a protocol
	// violation that the client reports with ALERT before tearing down.
	require.NoError(t, server.enqueueControl(controlFrame(cmdSYN, 5)))

	require.Eventually(t, func() bool { return client.IsClosed() }, 2*time.Second, 10*time.Millisecond)
	var pe *ProtocolError
	require.ErrorAs(t, client.Err(), &pe)

	require.Eventually(t, func() bool { return server.IsClosed() }, 2*time.Second, 10*time.Millisecond)
	var remote *RemoteError
	require.ErrorAs(t, server.Err(), &remote)
}

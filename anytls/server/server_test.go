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

package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/anytls/anytls-go/anytls"
)

const testPassword = "server-test-password"

// The server takes any listener, so the tests run over plain TCP and leave
// TLS to the caller, same as production.
func startServer(t *testing.T, cfg *Config) net.Addr {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go New(cfg).Serve(ln)
	return ln.Addr()
}

func dialSession(t *testing.T, addr net.Addr) *anytls.Session {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	sess, err := anytls.NewClientSession(conn, anytls.HashPassword(testPassword), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	require.Eventually(t, func() bool { return sess.PeerVersion() == 2 }, 2*time.Second, 5*time.Millisecond)
	return sess
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func openRelayStream(t *testing.T, sess *anytls.Session, dest string) *anytls.Stream {
	t.Helper()
	st, err := sess.OpenStream(context.Background())
	require.NoError(t, err)
	addr := socks.ParseAddr(dest)
	require.NotNil(t, addr)
	_, err = st.Write(addr)
	require.NoError(t, err)
	return st
}

func TestServerRelaysTCP(t *testing.T) {
	echoAddr := startEchoServer(t)
	addr := startServer(t, &Config{Password: testPassword})
	sess := dialSession(t, addr)

	st := openRelayStream(t, sess, echoAddr)
	require.NoError(t, st.WaitSynAck(context.Background()))

	_, err := st.Write([]byte("through the tunnel"))
	require.NoError(t, err)
	require.NoError(t, st.CloseWrite())
	got, err := io.ReadAll(st)
	require.NoError(t, err)
	require.Equal(t, "through the tunnel", string(got))
	require.NoError(t, st.Close())
}

func TestServerRejectsUnreachableDestination(t *testing.T) {
	// Grab a port and close it, so the upstream dial is refused.
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	ln.Close()

	addr := startServer(t, &Config{Password: testPassword, DialTimeout: 2 * time.Second})
	sess := dialSession(t, addr)

	st := openRelayStream(t, sess, deadAddr)
	err = st.WaitSynAck(context.Background())
	var remote *anytls.RemoteError
	require.ErrorAs(t, err, &remote)

	// One refused stream does not take the session down.
	require.False(t, sess.IsClosed())
}

func TestServerClosesOnBadPassword(t *testing.T) {
	addr := startServer(t, &Config{Password: testPassword})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	wrong := anytls.HashPassword("not the password")
	_, err = conn.Write(wrong[:])
	require.NoError(t, err)

	// The server hangs up without sending a single byte.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestServerRelaysUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], from)
		}
	}()

	addr := startServer(t, &Config{Password: testPassword})
	sess := dialSession(t, addr)

	st := openRelayStream(t, sess, udpMagicHost+":443")
	target := socks.ParseAddr(pc.LocalAddr().String())
	require.NotNil(t, target)
	req := append([]byte{1}, target...)
	_, err = st.Write(req)
	require.NoError(t, err)
	require.NoError(t, st.WaitSynAck(context.Background()))

	datagram := []byte("udp over tcp")
	framed := make([]byte, 2+len(datagram))
	binary.BigEndian.PutUint16(framed, uint16(len(datagram)))
	copy(framed[2:], datagram)
	_, err = st.Write(framed)
	require.NoError(t, err)

	st.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hdr [2]byte
	_, err = io.ReadFull(st, hdr[:])
	require.NoError(t, err)
	size := int(binary.BigEndian.Uint16(hdr[:]))
	reply := make([]byte, size)
	_, err = io.ReadFull(st, reply)
	require.NoError(t, err)
	require.Equal(t, datagram, reply)
	st.Close()
}

func TestServerRejectsBadUDPMode(t *testing.T) {
	addr := startServer(t, &Config{Password: testPassword})
	sess := dialSession(t, addr)

	st := openRelayStream(t, sess, udpMagicHost+":443")
	_, err := st.Write([]byte{0xFF})
	require.NoError(t, err)
	err = st.WaitSynAck(context.Background())
	var remote *anytls.RemoteError
	require.ErrorAs(t, err, &remote)
}

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

package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"

	"github.com/anytls/anytls-go/transport"
)

// UDPMagicHost is the reserved destination hostname that switches a stream
// into UDP relay mode on the server.
const UDPMagicHost = "sp.v2.udp-over-tcp.arpa"

const udpMagicDestination = UDPMagicHost + ":443"

// maxUDPPayload is the largest datagram the length-prefixed framing carries.
const maxUDPPayload = 65535

// DialPacket opens a UDP relay to raddr ("host:port") through the AnyTLS
// server. Datagrams ride the stream with a 2-byte big-endian length prefix in
// both directions; the returned conn is message-oriented, one Write per
// datagram and one datagram per Read.
func (d *StreamDialer) DialPacket(ctx context.Context, raddr string) (net.Conn, error) {
	target := socks.ParseAddr(raddr)
	if target == nil {
		return nil, fmt.Errorf("invalid destination address %q", raddr)
	}
	st, sess, err := d.openStream(ctx)
	if err != nil {
		return nil, err
	}
	// The server reads the magic destination header and the Connect-form
	// request (one flag byte, then the UDP target address) before it answers.
	req := append(socks.ParseAddr(udpMagicDestination), 1)
	if _, err := st.Write(append(req, target...)); err != nil {
		st.Close()
		d.pool.Release(sess)
		return nil, fmt.Errorf("could not send UDP request: %w", err)
	}
	if err := st.WaitSynAck(ctx); err != nil {
		d.pool.Release(sess)
		return nil, fmt.Errorf("server refused stream: %w", err)
	}
	return &packetConn{stream: &pooledStream{Stream: st, pool: d.pool, sess: sess}}, nil
}

// packetConn adapts a length-prefixed byte stream to datagram semantics.
type packetConn struct {
	stream transport.StreamConn

	readMu  sync.Mutex
	writeMu sync.Mutex
}

var _ net.Conn = (*packetConn)(nil)

// Read returns the next datagram. If b is too small the datagram is
// truncated and the excess discarded, matching UDP socket behavior.
func (c *packetConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	var hdr [2]byte
	if _, err := io.ReadFull(c.stream, hdr[:]); err != nil {
		return 0, err
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size <= len(b) {
		if _, err := io.ReadFull(c.stream, b[:size]); err != nil {
			return 0, err
		}
		return size, nil
	}
	if _, err := io.ReadFull(c.stream, b); err != nil {
		return 0, err
	}
	if _, err := io.CopyN(io.Discard, c.stream, int64(size-len(b))); err != nil {
		return len(b), err
	}
	return len(b), nil
}

// Write sends b as one datagram.
func (c *packetConn) Write(b []byte) (int, error) {
	if len(b) > maxUDPPayload {
		return 0, fmt.Errorf("datagram of %d bytes exceeds %d", len(b), maxUDPPayload)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(buf, uint16(len(b)))
	copy(buf[2:], b)
	if _, err := c.stream.Write(buf); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *packetConn) Close() error                       { return c.stream.Close() }
func (c *packetConn) LocalAddr() net.Addr                { return c.stream.LocalAddr() }
func (c *packetConn) RemoteAddr() net.Addr               { return c.stream.RemoteAddr() }
func (c *packetConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *packetConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *packetConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

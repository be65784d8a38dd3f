// Copyright 2019 Jigsaw Operations LLC
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

// Package transport defines the stream abstractions the tunnel is built from.
// The client dialer, the server's upstream dials and the multiplexed streams
// themselves all speak these interfaces, so a relay never needs to know
// whether the bytes ride a raw TCP connection or a tunnel stream.
package transport

import (
	"context"
	"io"
	"net"
)

// StreamConn is a net.Conn with independently closable read and write halves.
// Half-open support matters to a relay: when one leg of a copy finishes, only
// that direction is shut down and the opposite direction keeps flowing.
type StreamConn interface {
	net.Conn
	// CloseRead closes the read half. Subsequent reads fail and buffered
	// inbound data may be discarded.
	CloseRead() error
	// CloseWrite closes the write half, signaling EOF to the peer. The read
	// half stays usable.
	CloseWrite() error
}

// StreamDialer establishes stream connections to arbitrary destinations.
// raddr is "host:port"; host may be a domain name or an IP literal.
type StreamDialer interface {
	Dial(ctx context.Context, raddr string) (StreamConn, error)
}

// StreamEndpoint establishes stream connections to one fixed destination,
// such as the tunnel server a client is configured with.
type StreamEndpoint interface {
	Connect(ctx context.Context) (StreamConn, error)
}

// TCPDialer is a StreamDialer that connects over plain TCP.
type TCPDialer struct {
	// Dialer configures the underlying connections, for example timeouts or
	// a local bind address.
	Dialer net.Dialer
}

func (d *TCPDialer) Dial(ctx context.Context, raddr string) (StreamConn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", raddr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// TCPEndpoint is a StreamEndpoint that connects to RemoteAddr over TCP.
type TCPEndpoint struct {
	Dialer     net.Dialer
	RemoteAddr net.TCPAddr
}

func (e TCPEndpoint) Connect(ctx context.Context) (StreamConn, error) {
	conn, err := e.Dialer.DialContext(ctx, "tcp", e.RemoteAddr.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// StreamDialerEndpoint pins a StreamDialer to one address, turning any dialer
// into a StreamEndpoint.
type StreamDialerEndpoint struct {
	Dialer  StreamDialer
	Address string
}

func (e *StreamDialerEndpoint) Connect(ctx context.Context) (StreamConn, error) {
	return e.Dialer.Dial(ctx, e.Address)
}

// wrappedStreamConn substitutes the data path of a StreamConn while keeping
// the original connection's half-close and deadline behavior. It forwards
// WriteTo and ReadFrom so io.Copy through a wrapped connection still avoids
// intermediate buffers.
type wrappedStreamConn struct {
	StreamConn
	r io.Reader
	w io.Writer
}

func (c *wrappedStreamConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *wrappedStreamConn) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, c.r)
}

func (c *wrappedStreamConn) Write(b []byte) (int, error) {
	return c.w.Write(b)
}

func (c *wrappedStreamConn) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(c.w, r)
}

func (c *wrappedStreamConn) CloseRead() error {
	return c.StreamConn.CloseRead()
}

func (c *wrappedStreamConn) CloseWrite() error {
	return c.StreamConn.CloseWrite()
}

// WrapConn replaces the Reader and Writer of c while preserving its CloseRead
// and CloseWrite. Wrapping an already wrapped connection rebinds the original
// connection instead of stacking wrappers.
func WrapConn(c StreamConn, r io.Reader, w io.Writer) StreamConn {
	conn := c
	if prev, ok := c.(*wrappedStreamConn); ok {
		conn = prev.StreamConn
	}
	return &wrappedStreamConn{StreamConn: conn, r: r, w: w}
}

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
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"

	"github.com/anytls/anytls-go/anytls"
	"github.com/anytls/anytls-go/transport"
)

// udpMagicHost is the reserved destination hostname that switches a stream
// into UDP relay mode. It mirrors client.UDPMagicHost.
const udpMagicHost = "sp.v2.udp-over-tcp.arpa"

const headerTimeout = 30 * time.Second

// handleStream serves one peer-opened stream: parse the destination header,
// dial, confirm with SYNACK and relay. It runs in its own goroutine per
// stream; errors affect only that stream.
func (s *Server) handleStream(st *anytls.Stream) {
	defer st.Close()

	// Bound the header read so an idle opener cannot hold the goroutine.
	st.SetReadDeadline(time.Now().Add(headerTimeout))
	addr, err := socks.ReadAddr(st)
	if err != nil {
		s.logger.Debug("bad destination header", "stream", st.ID(), "error", err)
		st.HandshakeFailure(fmt.Errorf("bad destination header: %w", err))
		return
	}
	st.SetReadDeadline(time.Time{})

	dest := addr.String()
	host, _, err := net.SplitHostPort(dest)
	if err != nil {
		st.HandshakeFailure(fmt.Errorf("bad destination %q: %w", dest, err))
		return
	}
	if host == udpMagicHost {
		s.handleUDPStream(st)
		return
	}

	upstream, err := s.dialUpstream(dest)
	if err != nil {
		s.logger.Debug("upstream dial failed", "stream", st.ID(), "destination", dest, "error", err)
		st.HandshakeFailure(err)
		return
	}
	defer upstream.Close()
	if err := st.HandshakeSuccess(); err != nil {
		return
	}
	s.logger.Debug("relaying stream", "stream", st.ID(), "destination", dest)
	relay(st, upstream)
}

// relay copies bytes in both directions until each side hits EOF,
// propagating half-closes so protocols that shut down one direction first
// keep working.
func relay(a, b transport.StreamConn) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		a.CloseWrite()
		b.CloseRead()
	}()
	io.Copy(b, a)
	b.CloseWrite()
	a.CloseRead()
	wg.Wait()
}

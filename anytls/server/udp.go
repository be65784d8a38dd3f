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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"

	"github.com/anytls/anytls-go/anytls"
)

const udpIdleTimeout = 60 * time.Second

// handleUDPStream relays datagrams between the stream and a UDP socket. The
// request is the Connect form: one flag byte, the target address, then
// datagrams framed with a 2-byte big-endian length prefix in both directions.
func (s *Server) handleUDPStream(st *anytls.Stream) {
	st.SetReadDeadline(time.Now().Add(headerTimeout))
	var flag [1]byte
	if _, err := io.ReadFull(st, flag[:]); err != nil {
		st.HandshakeFailure(fmt.Errorf("bad UDP request: %w", err))
		return
	}
	if flag[0] != 1 {
		st.HandshakeFailure(errors.New("unsupported UDP request mode"))
		return
	}
	target, err := socks.ReadAddr(st)
	if err != nil {
		st.HandshakeFailure(fmt.Errorf("bad UDP target: %w", err))
		return
	}
	st.SetReadDeadline(time.Time{})

	udpConn, err := net.Dial("udp", target.String())
	if err != nil {
		s.logger.Debug("UDP dial failed", "stream", st.ID(), "target", target.String(), "error", err)
		st.HandshakeFailure(err)
		return
	}
	defer udpConn.Close()
	if err := st.HandshakeSuccess(); err != nil {
		return
	}
	s.logger.Debug("relaying UDP", "stream", st.ID(), "target", target.String())

	// Downlink: datagrams from the target, framed onto the stream.
	go func() {
		defer st.Close()
		buf := make([]byte, 2+65535)
		for {
			udpConn.SetReadDeadline(time.Now().Add(udpIdleTimeout))
			n, err := udpConn.Read(buf[2:])
			if err != nil {
				return
			}
			binary.BigEndian.PutUint16(buf, uint16(n))
			if _, err := st.Write(buf[:2+n]); err != nil {
				return
			}
		}
	}()

	// Uplink: framed datagrams from the stream to the target. Returning
	// closes udpConn, which unblocks the downlink.
	var hdr [2]byte
	buf := make([]byte, 65535)
	for {
		if _, err := io.ReadFull(st, hdr[:]); err != nil {
			return
		}
		size := int(binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(st, buf[:size]); err != nil {
			return
		}
		if _, err := udpConn.Write(buf[:size]); err != nil {
			return
		}
	}
}

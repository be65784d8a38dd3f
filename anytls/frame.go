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
	"encoding/binary"
	"fmt"
)

// Frame commands. The command occupies the first byte of the frame header.
const (
	cmdWaste               = byte(0)  // padding, payload is discarded
	cmdSYN                 = byte(1)  // stream open
	cmdPSH                 = byte(2)  // data push
	cmdFIN                 = byte(3)  // stream close (EOF mark)
	cmdSettings            = byte(4)  // client settings
	cmdAlert               = byte(5)  // fatal error report
	cmdUpdatePaddingScheme = byte(6)  // padding scheme replacement
	cmdSYNACK              = byte(7)  // stream open confirmation (since v2)
	cmdHeartRequest        = byte(8)  // keepalive probe (since v2)
	cmdHeartResponse       = byte(9)  // keepalive answer (since v2)
	cmdServerSettings      = byte(10) // server settings (since v2)
)

const (
	// frameHeaderLen is the fixed frame header size:
	// cmd (1 byte) + stream id (4 bytes BE) + payload length (2 bytes BE).
	frameHeaderLen = 7

	// maxFramePayloadLen is the largest payload a single frame can carry.
	// Larger payloads must be split across multiple frames.
	maxFramePayloadLen = 65535
)

// frame is the unit of transmission on the wire: a 7-byte header followed by
// up to 65535 payload bytes. StreamID is 0 for control frames.
type frame struct {
	Cmd      byte
	StreamID uint32
	Payload  []byte
}

func controlFrame(cmd byte, streamID uint32) frame {
	return frame{Cmd: cmd, StreamID: streamID}
}

func dataFrame(streamID uint32, payload []byte) frame {
	return frame{Cmd: cmdPSH, StreamID: streamID, Payload: payload}
}

func cmdName(cmd byte) string {
	switch cmd {
	case cmdWaste:
		return "WASTE"
	case cmdSYN:
		return "SYN"
	case cmdPSH:
		return "PSH"
	case cmdFIN:
		return "FIN"
	case cmdSettings:
		return "SETTINGS"
	case cmdAlert:
		return "ALERT"
	case cmdUpdatePaddingScheme:
		return "UPDATE_PADDING_SCHEME"
	case cmdSYNACK:
		return "SYNACK"
	case cmdHeartRequest:
		return "HEART_REQUEST"
	case cmdHeartResponse:
		return "HEART_RESPONSE"
	case cmdServerSettings:
		return "SERVER_SETTINGS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", cmd)
	}
}

// appendFrame appends the encoded frame to b and returns the extended slice.
// It fails if the payload exceeds maxFramePayloadLen; callers that carry more
// data must split it across frames first.
func appendFrame(b []byte, f frame) ([]byte, error) {
	if len(f.Payload) > maxFramePayloadLen {
		return b, &InvalidFrameError{Detail: fmt.Sprintf("payload length %d exceeds %d", len(f.Payload), maxFramePayloadLen)}
	}
	var hdr [frameHeaderLen]byte
	hdr[0] = f.Cmd
	binary.BigEndian.PutUint32(hdr[1:5], f.StreamID)
	binary.BigEndian.PutUint16(hdr[5:7], uint16(len(f.Payload)))
	b = append(b, hdr[:]...)
	b = append(b, f.Payload...)
	return b, nil
}

// frameDecoder incrementally decodes frames from a byte stream. Feed bytes
// with Feed and drain completed frames with Next. The decoder never fails on
// unknown commands; command dispatch is the session's concern.
type frameDecoder struct {
	buf []byte
}

// Feed appends raw bytes from the transport to the decode accumulator.
func (d *frameDecoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next complete frame, or ok=false if more bytes are needed.
// The returned payload aliases the accumulator only until the next Feed, so it
// is copied out.
func (d *frameDecoder) Next() (frame, bool) {
	if len(d.buf) < frameHeaderLen {
		return frame{}, false
	}
	payloadLen := int(binary.BigEndian.Uint16(d.buf[5:7]))
	total := frameHeaderLen + payloadLen
	if len(d.buf) < total {
		return frame{}, false
	}
	f := frame{
		Cmd:      d.buf[0],
		StreamID: binary.BigEndian.Uint32(d.buf[1:5]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, d.buf[frameHeaderLen:total])
	}
	// Shift the accumulator down instead of re-slicing so the backing array
	// does not grow without bound on long sessions.
	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]
	return f, true
}

// Buffered reports how many undecoded bytes are pending.
func (d *frameDecoder) Buffered() int {
	return len(d.buf)
}

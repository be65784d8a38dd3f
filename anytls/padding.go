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
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
)

// DefaultPaddingSchemeText is the built-in padding scheme. Servers may replace
// it through configuration; clients adopt the server's scheme on
// UPDATE_PADDING_SCHEME.
const DefaultPaddingSchemeText = `stop=8
0=30-30
1=100-400
2=400-500,c,500-1000,c,500-1000,c,500-1000,c,500-1000
3=9-9,500-1000
4=500-1000
5=500-1000
6=500-1000
7=500-1000`

// ChunkKind tells whether a sized chunk carries payload bytes or padding.
type ChunkKind int

const (
	// ChunkData carries payload bytes in a PSH frame.
	ChunkData ChunkKind = iota
	// ChunkWaste carries random filler bytes in a WASTE frame.
	ChunkWaste
)

// SizedChunk is one element of a flush plan produced by
// [PaddingScheme.GenerateSizes].
type SizedChunk struct {
	Kind ChunkKind
	Size int
}

// paddingEntry is one element of a scheme row: either a size range to sample
// from, or a check mark ("c") that stops the row when the source has drained.
type paddingEntry struct {
	check    bool
	min, max int
}

// PaddingScheme holds the declarative sizing rules that shape outbound TLS
// records. A scheme is identified by the lower-hex MD5 of its canonical text,
// which lets peers negotiate a replacement without shipping the full text on
// every connection.
//
// A PaddingScheme is immutable after construction and safe for concurrent use.
type PaddingScheme struct {
	raw  []byte
	md5  string
	stop uint32
	rows map[uint32][]paddingEntry
}

// NewPaddingScheme parses the canonical textual form of a padding scheme:
// a "stop=N" line plus "k=s1,s2,..." rows where each entry is either an
// inclusive "min-max" range or the literal "c".
func NewPaddingScheme(raw []byte) (*PaddingScheme, error) {
	raw = bytes.TrimRight(raw, " \t\r\n")
	sum := md5.Sum(raw)
	p := &PaddingScheme{
		raw:  append([]byte(nil), raw...),
		md5:  hex.EncodeToString(sum[:]),
		rows: make(map[uint32][]paddingEntry),
	}

	sawStop := false
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &InvalidPaddingError{Detail: fmt.Sprintf("line %q has no '='", line)}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "stop" {
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, &InvalidPaddingError{Detail: fmt.Sprintf("bad stop value %q", value)}
			}
			p.stop = uint32(n)
			sawStop = true
			continue
		}
		idx, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, &InvalidPaddingError{Detail: fmt.Sprintf("bad row key %q", key)}
		}
		row, err := parsePaddingRow(value)
		if err != nil {
			return nil, err
		}
		p.rows[uint32(idx)] = row
	}
	if !sawStop {
		return nil, &InvalidPaddingError{Detail: "missing stop line"}
	}
	return p, nil
}

func parsePaddingRow(value string) ([]paddingEntry, error) {
	parts := strings.Split(value, ",")
	row := make([]paddingEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "c" {
			row = append(row, paddingEntry{check: true})
			continue
		}
		minStr, maxStr, ok := strings.Cut(part, "-")
		if !ok {
			return nil, &InvalidPaddingError{Detail: fmt.Sprintf("bad range %q", part)}
		}
		minVal, err1 := strconv.Atoi(strings.TrimSpace(minStr))
		maxVal, err2 := strconv.Atoi(strings.TrimSpace(maxStr))
		if err1 != nil || err2 != nil || minVal <= 0 || maxVal <= 0 {
			return nil, &InvalidPaddingError{Detail: fmt.Sprintf("bad range %q", part)}
		}
		if minVal > maxVal {
			minVal, maxVal = maxVal, minVal
		}
		row = append(row, paddingEntry{min: minVal, max: maxVal})
	}
	return row, nil
}

// MD5 returns the lower-hex MD5 identity of the canonical scheme text.
func (p *PaddingScheme) MD5() string {
	return p.md5
}

// Raw returns the canonical scheme text as transmitted in
// UPDATE_PADDING_SCHEME payloads.
func (p *PaddingScheme) Raw() []byte {
	return p.raw
}

// Stop returns the packet index after which padding is disabled.
func (p *PaddingScheme) Stop() uint32 {
	return p.stop
}

func (e paddingEntry) sample() int {
	if e.min == e.max {
		return e.min
	}
	return e.min + rand.Intn(e.max-e.min+1)
}

// GenerateSizes plans one outbound flush. It splits sourceRemaining payload
// bytes into ChunkData entries shaped by row packetIndex of the scheme, and
// appends a ChunkWaste entry sized so the record stream matches the row even
// when the payload runs short. The ChunkData sizes always sum to
// sourceRemaining. At or past the stop index the payload passes through as a
// single ChunkData with no waste.
func (p *PaddingScheme) GenerateSizes(packetIndex uint32, sourceRemaining int) []SizedChunk {
	if packetIndex >= p.stop {
		return []SizedChunk{{Kind: ChunkData, Size: sourceRemaining}}
	}
	row := p.rows[packetIndex]
	if len(row) == 0 {
		return []SizedChunk{{Kind: ChunkData, Size: sourceRemaining}}
	}

	remaining := sourceRemaining
	var out []SizedChunk
	waste := 0
	inTail := false
	for _, e := range row {
		if e.check {
			// A check mark stops the row once the source has drained.
			if remaining == 0 {
				break
			}
			continue
		}
		s := e.sample()
		if !inTail && s <= remaining {
			out = append(out, SizedChunk{Kind: ChunkData, Size: s})
			remaining -= s
			continue
		}
		// The sampled size exceeds what is left to send; the rest of the
		// row prescribes the shape of the padding tail.
		inTail = true
		waste += s
	}
	if remaining > 0 {
		// The leftover payload occupies part of the prescribed tail.
		if waste >= remaining {
			waste -= remaining
		}
		out = append(out, SizedChunk{Kind: ChunkData, Size: remaining})
	}
	if waste > 0 {
		out = append(out, SizedChunk{Kind: ChunkWaste, Size: waste})
	}
	if len(out) == 0 {
		out = append(out, SizedChunk{Kind: ChunkData, Size: sourceRemaining})
	}
	return out
}

// authPaddingLen samples the length of the authentication prelude padding from
// row 0 of the scheme ("padding0").
func (p *PaddingScheme) authPaddingLen() int {
	for _, e := range p.rows[0] {
		if !e.check {
			return e.sample()
		}
	}
	return 0
}

var defaultPaddingScheme atomic.Pointer[PaddingScheme]

func init() {
	p, err := NewPaddingScheme([]byte(DefaultPaddingSchemeText))
	if err != nil {
		panic("anytls: built-in padding scheme is invalid: " + err.Error())
	}
	defaultPaddingScheme.Store(p)
}

// DefaultPaddingScheme returns the process-wide padding scheme used by newly
// created sessions that were not given an explicit scheme.
func DefaultPaddingScheme() *PaddingScheme {
	return defaultPaddingScheme.Load()
}

// SetDefaultPaddingScheme atomically replaces the process-wide padding scheme.
// It does not affect the active scheme of sessions that already exist.
func SetDefaultPaddingScheme(p *PaddingScheme) {
	defaultPaddingScheme.Store(p)
}

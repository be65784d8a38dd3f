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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchemeParses(t *testing.T) {
	p, err := NewPaddingScheme([]byte(DefaultPaddingSchemeText))
	require.NoError(t, err)
	assert.Equal(t, uint32(8), p.Stop())
	assert.Len(t, p.MD5(), 32)
}

func TestSchemeMD5IgnoresTrailingWhitespace(t *testing.T) {
	a, err := NewPaddingScheme([]byte("stop=2\n0=10-20"))
	require.NoError(t, err)
	b, err := NewPaddingScheme([]byte("stop=2\n0=10-20\n\n  \n"))
	require.NoError(t, err)
	require.Equal(t, a.MD5(), b.MD5())
}

func TestSchemeMD5RoundTrip(t *testing.T) {
	orig := DefaultPaddingScheme()
	again, err := NewPaddingScheme(orig.Raw())
	require.NoError(t, err)
	require.Equal(t, orig.MD5(), again.MD5())
}

func TestSchemeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"missing stop", "0=10-20"},
		{"bad stop", "stop=many\n0=10-20"},
		{"no equals", "stop=2\njunk"},
		{"bad row key", "stop=2\nx=10-20"},
		{"bad range", "stop=2\n0=10"},
		{"negative range", "stop=2\n0=-5-10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPaddingScheme([]byte(tc.text))
			var invalid *InvalidPaddingError
			require.ErrorAs(t, err, &invalid)
		})
	}
}

func TestGenerateSizesDataSumsToSource(t *testing.T) {
	p := DefaultPaddingScheme()
	for _, remaining := range []int{0, 1, 9, 100, 333, 1000, 5000, 70000} {
		for idx := uint32(0); idx < p.Stop()+2; idx++ {
			chunks := p.GenerateSizes(idx, remaining)
			sum := 0
			for _, c := range chunks {
				require.GreaterOrEqual(t, c.Size, 0)
				if c.Kind == ChunkData {
					sum += c.Size
				}
			}
			require.Equal(t, remaining, sum, "packet %d remaining %d", idx, remaining)
		}
	}
}

func TestGenerateSizesNoWastePastStop(t *testing.T) {
	p := DefaultPaddingScheme()
	for _, idx := range []uint32{p.Stop(), p.Stop() + 1, p.Stop() + 100} {
		chunks := p.GenerateSizes(idx, 1234)
		require.Len(t, chunks, 1)
		require.Equal(t, ChunkData, chunks[0].Kind)
		require.Equal(t, 1234, chunks[0].Size)
	}
}

func TestGenerateSizesFixedRow(t *testing.T) {
	p, err := NewPaddingScheme([]byte("stop=2\n1=100-100,200-200"))
	require.NoError(t, err)

	// Payload fills the first slot exactly; the second slot becomes waste.
	chunks := p.GenerateSizes(1, 100)
	require.Equal(t, []SizedChunk{{ChunkData, 100}, {ChunkWaste, 200}}, chunks)

	// Payload shorter than the first slot occupies part of the row's tail.
	chunks = p.GenerateSizes(1, 50)
	require.Equal(t, []SizedChunk{{ChunkData, 50}, {ChunkWaste, 250}}, chunks)

	// Payload spills past the whole row and passes through.
	chunks = p.GenerateSizes(1, 400)
	require.Equal(t, []SizedChunk{{ChunkData, 100}, {ChunkData, 200}, {ChunkData, 100}}, chunks)
}

func TestGenerateSizesCheckMarkStopsWhenDrained(t *testing.T) {
	p, err := NewPaddingScheme([]byte("stop=2\n1=100-100,c,200-200"))
	require.NoError(t, err)

	// Drained at the check mark: the rest of the row is skipped.
	chunks := p.GenerateSizes(1, 100)
	require.Equal(t, []SizedChunk{{ChunkData, 100}}, chunks)

	// Still data left at the check mark: the row continues.
	chunks = p.GenerateSizes(1, 150)
	require.Equal(t, []SizedChunk{{ChunkData, 100}, {ChunkData, 50}, {ChunkWaste, 150}}, chunks)
}

func TestGenerateSizesMissingRowPassesThrough(t *testing.T) {
	p, err := NewPaddingScheme([]byte("stop=5\n0=30-30"))
	require.NoError(t, err)
	chunks := p.GenerateSizes(3, 77)
	require.Equal(t, []SizedChunk{{ChunkData, 77}}, chunks)
}

func TestAuthPaddingLenSamplesRowZero(t *testing.T) {
	p := DefaultPaddingScheme()
	require.Equal(t, 30, p.authPaddingLen())

	ranged, err := NewPaddingScheme([]byte("stop=2\n0=10-20"))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		n := ranged.authPaddingLen()
		require.GreaterOrEqual(t, n, 10)
		require.LessOrEqual(t, n, 20)
	}

	none, err := NewPaddingScheme([]byte("stop=2\n1=10-20"))
	require.NoError(t, err)
	require.Equal(t, 0, none.authPaddingLen())
}

func TestSetDefaultPaddingScheme(t *testing.T) {
	orig := DefaultPaddingScheme()
	defer SetDefaultPaddingScheme(orig)

	p, err := NewPaddingScheme([]byte("stop=1\n0=40-40"))
	require.NoError(t, err)
	SetDefaultPaddingScheme(p)
	require.Equal(t, p.MD5(), DefaultPaddingScheme().MD5())
}

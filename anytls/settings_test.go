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

func TestMarshalSettingsDeterministic(t *testing.T) {
	m := map[string]string{"v": "2", "client": "test", "padding-md5": "abc"}
	got := marshalSettings(m)
	require.Equal(t, "client=test\npadding-md5=abc\nv=2", string(got))
	require.Equal(t, got, marshalSettings(m))
}

func TestParseSettings(t *testing.T) {
	m := parseSettings([]byte("v=2\nclient=anytls-go/0.1.0\n\nnot a pair\n padded = value "))
	assert.Equal(t, "2", m["v"])
	assert.Equal(t, "anytls-go/0.1.0", m["client"])
	assert.Equal(t, "value", m["padded"])
	_, ok := m["not a pair"]
	assert.False(t, ok)
}

func TestSettingsRoundTrip(t *testing.T) {
	in := map[string]string{"v": "2", "idle-session-timeout": "60"}
	require.Equal(t, in, parseSettings(marshalSettings(in)))
}

func TestSettingsInt(t *testing.T) {
	m := map[string]string{"n": "30", "bad": "x"}
	assert.Equal(t, 30, settingsInt(m, "n", 5))
	assert.Equal(t, 5, settingsInt(m, "bad", 5))
	assert.Equal(t, 5, settingsInt(m, "missing", 5))
}

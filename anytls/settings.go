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
	"sort"
	"strconv"
	"strings"
)

// Keys of the SETTINGS and SERVER_SETTINGS payloads.
const (
	settingVersion    = "v"
	settingClient     = "client"
	settingPaddingMD5 = "padding-md5"

	settingIdleCheckInterval = "idle-session-check-interval"
	settingIdleTimeout       = "idle-session-timeout"
	settingMinIdleSession    = "min-idle-session"
)

// marshalSettings encodes a key/value map as the LF-separated "key=value"
// payload used by SETTINGS and SERVER_SETTINGS frames. Keys are emitted in
// sorted order so the encoding is deterministic.
func marshalSettings(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m[k])
	}
	return []byte(sb.String())
}

// parseSettings decodes an LF-separated "key=value" payload. Lines without a
// '=' are ignored; keys and values are trimmed of surrounding whitespace.
func parseSettings(b []byte) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m
}

// settingsInt returns the integer value of key, or def if absent or malformed.
func settingsInt(m map[string]string, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

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

/*
Package anytls implements the AnyTLS multiplexing protocol: many logical byte
streams carried over one reliable connection, with the client's outbound
records reshaped by a negotiable padding scheme so their length distribution
does not betray the traffic inside.

A connection starts with an authentication prelude (SHA-256 credential digest
plus random padding), after which both sides exchange length-prefixed frames.
[NewClientSession] and [NewServerSession] wrap the two ends; [Session.OpenStream]
yields a [Stream], a [transport.StreamConn] whose writes are buffered through
the session's writer goroutine. [SessionPool] keeps idle client sessions warm
for reuse, and [PaddingScheme] holds the record-sizing rules the peers agree
on by MD5 identity.

This package deliberately knows nothing about TLS or proxying; callers supply
an established connection and interpret stream payloads themselves. The
anytls/client and anytls/server packages build a proxy on top.
*/
package anytls

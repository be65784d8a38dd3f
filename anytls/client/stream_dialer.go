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

// Package client turns a pool of AnyTLS sessions into a
// [transport.StreamDialer]: every Dial opens a multiplexed stream to the
// server, writes the destination header, and hands back a net.Conn whose
// Close parks the session for reuse.
package client

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"

	"github.com/anytls/anytls-go/anytls"
	"github.com/anytls/anytls-go/transport"
)

// Config configures a [StreamDialer].
type Config struct {
	// TLSConfig is used for the client handshake with the server. It must
	// carry the ServerName (or InsecureSkipVerify for testing).
	TLSConfig *tls.Config

	// Password is the shared credential; its SHA-256 digest authenticates
	// every connection.
	Password string

	// Logger receives debug and warning events. Nil means slog.Default().
	Logger *slog.Logger

	// PaddingScheme overrides the process-wide default scheme.
	PaddingScheme *anytls.PaddingScheme

	// HeartbeatInterval and HeartbeatTimeout enable the active liveness
	// probe on each session. Zero interval disables it.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Pool tunes session reuse; nil selects the defaults.
	Pool *anytls.PoolConfig

	// SessionConfig applies extra session knobs (SynAckTimeout, CloseGrace,
	// ClientName). Padding, logging and settings wiring are overridden by
	// the dialer.
	SessionConfig *anytls.Config
}

// StreamDialer dials destinations through an AnyTLS server, multiplexing
// streams over pooled TLS sessions.
type StreamDialer struct {
	endpoint transport.StreamEndpoint
	tlsConf  *tls.Config
	digest   [sha256.Size]byte
	logger   *slog.Logger
	scheme   *anytls.PaddingScheme
	hbEvery  time.Duration
	hbWait   time.Duration
	sessConf anytls.Config

	pool *anytls.SessionPool
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// NewStreamDialer creates a dialer that reaches the AnyTLS server at the
// given endpoint. The endpoint provides the raw transport; the dialer layers
// TLS and the AnyTLS handshake on top.
func NewStreamDialer(endpoint transport.StreamEndpoint, cfg *Config) (*StreamDialer, error) {
	if endpoint == nil {
		return nil, errors.New("argument endpoint must not be nil")
	}
	if cfg == nil || cfg.TLSConfig == nil {
		return nil, errors.New("config with TLSConfig is required")
	}
	d := &StreamDialer{
		endpoint: endpoint,
		tlsConf:  cfg.TLSConfig,
		digest:   anytls.HashPassword(cfg.Password),
		logger:   cfg.Logger,
		scheme:   cfg.PaddingScheme,
		hbEvery:  cfg.HeartbeatInterval,
		hbWait:   cfg.HeartbeatTimeout,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if cfg.SessionConfig != nil {
		d.sessConf = *cfg.SessionConfig
	}
	d.pool = anytls.NewSessionPool(d.newSession, cfg.Pool)
	return d, nil
}

// newSession dials the server, performs the TLS and AnyTLS handshakes and
// starts the session. It is the pool's factory.
func (d *StreamDialer) newSession(ctx context.Context) (*anytls.Session, error) {
	raw, err := d.endpoint.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not connect to server: %w", err)
	}
	tlsConn := tls.Client(raw, d.tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	sessConf := d.sessConf
	sessConf.Logger = d.logger
	sessConf.PaddingScheme = d.scheme
	sessConf.OnServerSettings = d.pool.AbsorbServerSettings
	sess, err := anytls.NewClientSession(tlsConn, d.digest, &sessConf)
	if err != nil {
		return nil, err
	}
	if d.hbEvery > 0 {
		sess.StartHeartbeat(d.hbEvery, d.hbWait)
	}
	return sess, nil
}

// Dial opens a stream to raddr ("host:port") through the AnyTLS server. The
// destination header goes out with the stream's first flush; Dial then waits
// for the server's confirmation. Closing the returned connection releases the
// underlying session back to the pool.
func (d *StreamDialer) Dial(ctx context.Context, raddr string) (transport.StreamConn, error) {
	addr := socks.ParseAddr(raddr)
	if addr == nil {
		return nil, fmt.Errorf("invalid destination address %q", raddr)
	}
	st, sess, err := d.openStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := st.Write(addr); err != nil {
		st.Close()
		d.pool.Release(sess)
		return nil, fmt.Errorf("could not send destination header: %w", err)
	}
	if err := st.WaitSynAck(ctx); err != nil {
		d.pool.Release(sess)
		return nil, fmt.Errorf("server refused stream: %w", err)
	}
	return &pooledStream{Stream: st, pool: d.pool, sess: sess}, nil
}

// openStream acquires a session and opens a stream on it, falling back to one
// freshly dialed session when a pooled one turns out to be dead.
func (d *StreamDialer) openStream(ctx context.Context) (*anytls.Stream, *anytls.Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := d.pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		st, err := sess.OpenStream(ctx)
		if err == nil {
			return st, sess, nil
		}
		if errors.Is(err, anytls.ErrSessionClosed) {
			sess.Close()
			continue
		}
		d.pool.Release(sess)
		return nil, nil, err
	}
	return nil, nil, anytls.ErrSessionClosed
}

// Close shuts the pool down, closing all idle sessions. Streams already
// handed out keep working until their own sessions close.
func (d *StreamDialer) Close() error {
	return d.pool.Close()
}

// pooledStream returns its session to the pool when closed.
type pooledStream struct {
	*anytls.Stream
	pool *anytls.SessionPool
	sess *anytls.Session
	once sync.Once
}

func (p *pooledStream) Close() error {
	var err error
	p.once.Do(func() {
		err = p.Stream.Close()
		p.pool.Release(p.sess)
	})
	return err
}

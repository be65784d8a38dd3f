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

// Package server accepts AnyTLS connections, authenticates them and relays
// each multiplexed stream to the destination named in its header.
package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/anytls/anytls-go/anytls"
	"github.com/anytls/anytls-go/transport"
)

const defaultDialTimeout = 15 * time.Second

// Config configures a [Server].
type Config struct {
	// Password is the shared credential clients must present.
	Password string

	// Logger receives connection-level events. Nil means slog.Default().
	Logger *slog.Logger

	// PaddingScheme is the scheme this server enforces. Clients advertising
	// a different scheme receive an UPDATE_PADDING_SCHEME with this one.
	// Nil means the process-wide default.
	PaddingScheme *anytls.PaddingScheme

	// Dialer reaches stream destinations. Nil means direct TCP.
	Dialer transport.StreamDialer

	// DialTimeout bounds each upstream dial. Zero means 15 seconds.
	DialTimeout time.Duration

	// IdleCheckInterval, IdleTimeout and MinIdleSession are advertised to
	// version 2 clients as pool tuning advice. Zero values are omitted.
	IdleCheckInterval time.Duration
	IdleTimeout       time.Duration
	MinIdleSession    int
}

// Server terminates AnyTLS sessions. The caller supplies the listener,
// typically a tls.Listener, so certificate handling stays outside the
// protocol engine.
type Server struct {
	digest      [sha256.Size]byte
	logger      *slog.Logger
	scheme      *anytls.PaddingScheme
	dialer      transport.StreamDialer
	dialTimeout time.Duration
	sessConf    anytls.Config
}

// New creates a server from cfg.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Server{
		digest:      anytls.HashPassword(cfg.Password),
		logger:      cfg.Logger,
		scheme:      cfg.PaddingScheme,
		dialer:      cfg.Dialer,
		dialTimeout: cfg.DialTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.scheme == nil {
		s.scheme = anytls.DefaultPaddingScheme()
	}
	if s.dialer == nil {
		s.dialer = &transport.TCPDialer{}
	}
	if s.dialTimeout <= 0 {
		s.dialTimeout = defaultDialTimeout
	}
	s.sessConf = anytls.Config{
		Logger:            s.logger,
		PaddingScheme:     s.scheme,
		OnNewStream:       s.handleStream,
		IdleCheckInterval: cfg.IdleCheckInterval,
		IdleTimeout:       cfg.IdleTimeout,
		MinIdleSession:    cfg.MinIdleSession,
	}
	return s
}

// Serve accepts connections from ln until it fails. Each connection is
// authenticated and served in its own goroutines; Serve itself only accepts.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn verifies the authentication prelude and hands the connection to
// a session. Failed credentials close the connection without a single frame
// sent, so probes learn nothing about what is listening.
func (s *Server) handleConn(conn net.Conn) {
	leftover, err := anytls.AuthenticateClient(conn, s.digest)
	if err != nil {
		if !errors.Is(err, anytls.ErrAuthenticationFailed) {
			s.logger.Debug("rejecting connection", "remote", conn.RemoteAddr(), "error", err)
		} else {
			s.logger.Warn("authentication failed", "remote", conn.RemoteAddr())
		}
		conn.Close()
		return
	}
	s.logger.Debug("session established", "remote", conn.RemoteAddr())
	anytls.NewServerSession(conn, leftover, &s.sessConf)
}

func (s *Server) dialUpstream(dest string) (transport.StreamConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	defer cancel()
	return s.dialer.Dial(ctx, dest)
}

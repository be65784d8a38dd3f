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
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ProtocolVersion is the highest protocol revision this implementation
	// speaks. Version 2 adds SYNACK, heartbeats and SERVER_SETTINGS.
	ProtocolVersion = 2

	// DefaultClientName identifies this implementation in the SETTINGS frame.
	DefaultClientName = "anytls-go/0.1.0"

	defaultSynAckTimeout = 30 * time.Second
	defaultCloseGrace    = time.Second
)

// Config carries the optional knobs of a [Session]. The zero value is usable;
// unset fields fall back to the defaults documented per field.
type Config struct {
	// Logger receives debug and warning events. Nil means slog.Default().
	Logger *slog.Logger

	// PaddingScheme shapes outbound records on the client side and is
	// advertised by its MD5 in SETTINGS. Nil means DefaultPaddingScheme().
	PaddingScheme *PaddingScheme

	// ClientName is the implementation identity sent in SETTINGS.
	// Empty means DefaultClientName. Client sessions only.
	ClientName string

	// SynAckTimeout bounds Stream.WaitSynAck's wait for the peer's
	// confirmation once version 2 has been negotiated. Zero means 30 seconds.
	SynAckTimeout time.Duration

	// CloseGrace bounds how long a closing session waits for the writer to
	// drain before the connection is torn down. Zero means one second.
	CloseGrace time.Duration

	// OnNewStream is invoked in its own goroutine for every stream the peer
	// opens. Server sessions only; a server session without a handler
	// rejects all streams.
	OnNewStream func(*Stream)

	// OnServerSettings receives the parsed SERVER_SETTINGS payload.
	// Client sessions only.
	OnServerSettings func(map[string]string)

	// IdleCheckInterval, IdleTimeout and MinIdleSession are advertised to
	// version 2 clients in SERVER_SETTINGS as pool tuning advice. Zero
	// values are omitted. Server sessions only.
	IdleCheckInterval time.Duration
	IdleTimeout       time.Duration
	MinIdleSession    int
}

// Session multiplexes streams over a single reliable connection, typically a
// TLS client or server side. All frame writes funnel through one writer
// goroutine; a receive goroutine decodes inbound frames and dispatches them to
// streams and the control plane.
//
// Only the client side opens streams and only the client side emits padding.
type Session struct {
	conn     net.Conn
	isClient bool
	logger   *slog.Logger

	padding    atomic.Pointer[PaddingScheme]
	pktCounter atomic.Uint32

	ctrlQ *sendQueue
	dataQ *sendQueue

	mu      sync.RWMutex
	streams map[uint32]*Stream
	nextID  atomic.Uint32

	// peerVersion starts at 1 and is raised by SETTINGS (server side) or
	// SERVER_SETTINGS (client side).
	peerVersion atomic.Uint32

	onNewStream      func(*Stream)
	onServerSettings func(map[string]string)
	serverAdvisory   map[string]string
	settingsOnce     sync.Once

	synackTimeout time.Duration
	closeGrace    time.Duration

	hbCh chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
	die       chan struct{}
}

func newSession(conn net.Conn, isClient bool, cfg *Config) *Session {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Session{
		conn:             conn,
		isClient:         isClient,
		logger:           cfg.Logger,
		ctrlQ:            newSendQueue(),
		dataQ:            newSendQueue(),
		streams:          make(map[uint32]*Stream),
		onNewStream:      cfg.OnNewStream,
		onServerSettings: cfg.OnServerSettings,
		synackTimeout:    cfg.SynAckTimeout,
		closeGrace:       cfg.CloseGrace,
		hbCh:             make(chan struct{}, 1),
		die:              make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	scheme := cfg.PaddingScheme
	if scheme == nil {
		scheme = DefaultPaddingScheme()
	}
	s.padding.Store(scheme)
	s.peerVersion.Store(1)
	if s.synackTimeout <= 0 {
		s.synackTimeout = defaultSynAckTimeout
	}
	if s.closeGrace <= 0 {
		s.closeGrace = defaultCloseGrace
	}
	if !isClient {
		adv := map[string]string{settingVersion: strconv.Itoa(ProtocolVersion)}
		if cfg.IdleCheckInterval > 0 {
			adv[settingIdleCheckInterval] = strconv.Itoa(int(cfg.IdleCheckInterval / time.Second))
		}
		if cfg.IdleTimeout > 0 {
			adv[settingIdleTimeout] = strconv.Itoa(int(cfg.IdleTimeout / time.Second))
		}
		if cfg.MinIdleSession > 0 {
			adv[settingMinIdleSession] = strconv.Itoa(cfg.MinIdleSession)
		}
		s.serverAdvisory = adv
	}
	return s
}

// NewClientSession authenticates on conn and starts the client side of a
// session. The authentication prelude is written before NewClientSession
// returns; the initial SETTINGS frame is queued ahead of any stream traffic
// and sent by the writer goroutine.
func NewClientSession(conn net.Conn, digest [sha256.Size]byte, cfg *Config) (*Session, error) {
	s := newSession(conn, true, cfg)
	scheme := s.padding.Load()
	if err := SendAuthentication(conn, digest, scheme); err != nil {
		conn.Close()
		return nil, err
	}
	name := DefaultClientName
	if cfg != nil && cfg.ClientName != "" {
		name = cfg.ClientName
	}
	settings := map[string]string{
		settingVersion:    strconv.Itoa(ProtocolVersion),
		settingClient:     name,
		settingPaddingMD5: scheme.MD5(),
	}
	if err := s.enqueueControl(frame{Cmd: cmdSettings, Payload: marshalSettings(settings)}); err != nil {
		conn.Close()
		return nil, err
	}
	go s.recvLoop(nil)
	go s.writeLoop()
	return s, nil
}

// NewServerSession starts the server side of a session on a connection whose
// authentication prelude has already been verified by [AuthenticateClient].
// leftover is whatever that verification read past the padding; it is fed to
// the frame decoder before any bytes from conn.
func NewServerSession(conn net.Conn, leftover []byte, cfg *Config) *Session {
	s := newSession(conn, false, cfg)
	go s.recvLoop(leftover)
	go s.writeLoop()
	return s
}

// OpenStream opens a stream to the peer. The stream is registered before the
// SYN frame is queued, so the peer's first frames can never outrun the
// registry. OpenStream does not wait for the server's confirmation; write the
// stream's opening bytes and then call [Stream.WaitSynAck], which fails with
// [ErrSynAckTimeout] or the peer's reported error and closes only that
// stream, never the session.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	if !s.isClient {
		return nil, errors.New("server sessions cannot open streams")
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := s.nextID.Add(1)
	st := newStream(id, s)
	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()
	if err := s.enqueueControl(controlFrame(cmdSYN, id)); err != nil {
		s.unregisterStream(id)
		return nil, err
	}
	return st, nil
}

// PeerVersion reports the protocol version negotiated with the peer.
func (s *Session) PeerVersion() uint32 {
	return s.peerVersion.Load()
}

// ActiveStreams reports how many streams are currently registered.
func (s *Session) ActiveStreams() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// PaddingScheme returns the scheme currently shaping this session's records.
// It may change when the server pushes UPDATE_PADDING_SCHEME.
func (s *Session) PaddingScheme() *PaddingScheme {
	return s.padding.Load()
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Done returns a channel closed when the session dies.
func (s *Session) Done() <-chan struct{} {
	return s.die
}

// Err returns the error that closed the session, nil while it is alive, or
// [ErrSessionClosed] after an orderly local close.
func (s *Session) Err() error {
	select {
	case <-s.die:
	default:
		return nil
	}
	if s.closeErr == nil {
		return ErrSessionClosed
	}
	return s.closeErr
}

// Close shuts the session down: queued frames get a bounded grace period to
// drain, every stream fails with [ErrSessionClosed], and the connection is
// closed. Close is idempotent.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = err

		// Report protocol violations to the peer before the writer drains.
		var pe *ProtocolError
		var fe *InvalidFrameError
		if errors.As(err, &pe) || errors.As(err, &fe) {
			s.ctrlQ.push(writeItem{frame: frame{Cmd: cmdAlert, Payload: []byte(err.Error())}, isCtrl: true})
		}
		s.ctrlQ.close()
		s.dataQ.close()
		close(s.die)

		s.mu.Lock()
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.streams = make(map[uint32]*Stream)
		s.mu.Unlock()
		for _, st := range streams {
			st.closeWithError(ErrSessionClosed)
		}

		// The writer closes the connection once the queues drain; this
		// bounds the drain in case the peer has stopped reading.
		time.AfterFunc(s.closeGrace, func() { s.conn.Close() })
	})
}

func (s *Session) enqueueData(id uint32, data []byte) error {
	return s.dataQ.push(writeItem{streamID: id, data: data})
}

func (s *Session) enqueueControl(f frame) error {
	return s.ctrlQ.push(writeItem{frame: f, isCtrl: true})
}

// sendSynAck confirms or rejects a peer-opened stream. Empty text means
// success. Version 1 peers do not understand SYNACK, so it is suppressed.
func (s *Session) sendSynAck(id uint32, text string) error {
	if s.peerVersion.Load() < 2 {
		return nil
	}
	f := frame{Cmd: cmdSYNACK, StreamID: id}
	if text != "" {
		f.Payload = []byte(text)
	}
	return s.enqueueControl(f)
}

func (s *Session) unregisterStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) lookupStream(id uint32) *Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[id]
}

// recvLoop reads the connection, decodes frames and dispatches them until the
// connection fails or a fatal protocol error occurs.
func (s *Session) recvLoop(initial []byte) {
	var dec frameDecoder
	if len(initial) > 0 {
		dec.Feed(initial)
	}
	buf := make([]byte, 16*1024)
	for {
		for {
			f, ok := dec.Next()
			if !ok {
				break
			}
			if err := s.handleFrame(f); err != nil {
				s.closeWithError(err)
				return
			}
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			s.closeWithError(err)
			return
		}
	}
}

func (s *Session) handleFrame(f frame) error {
	switch f.Cmd {
	case cmdWaste:
		// Padding. Payload is discarded.

	case cmdPSH:
		if st := s.lookupStream(f.StreamID); st != nil {
			st.reader.push(f.Payload)
		} else {
			// Frames racing a local close are expected; drop them.
			s.logger.Debug("dropping PSH", "error", &StreamNotFoundError{ID: f.StreamID}, "len", len(f.Payload))
		}

	case cmdSYN:
		if s.isClient {
			return &ProtocolError{Detail: "server attempted to open a stream"}
		}
		s.mu.Lock()
		if _, dup := s.streams[f.StreamID]; dup {
			s.mu.Unlock()
			return &ProtocolError{Detail: fmt.Sprintf("duplicate SYN for stream %d", f.StreamID)}
		}
		st := newStream(f.StreamID, s)
		s.streams[f.StreamID] = st
		s.mu.Unlock()
		if s.onNewStream == nil {
			st.HandshakeFailure(errors.New("no stream handler"))
			return nil
		}
		go s.onNewStream(st)

	case cmdSYNACK:
		st := s.lookupStream(f.StreamID)
		if st == nil {
			s.logger.Debug("dropping SYNACK", "error", &StreamNotFoundError{ID: f.StreamID})
			return nil
		}
		if len(f.Payload) > 0 {
			st.notifySynAck(&RemoteError{Text: string(f.Payload)})
		} else {
			st.notifySynAck(nil)
		}

	case cmdFIN:
		if st := s.lookupStream(f.StreamID); st != nil {
			st.reader.closeQueue()
		}

	case cmdSettings:
		if s.isClient {
			s.logger.Debug("ignoring SETTINGS on client session")
			return nil
		}
		m := parseSettings(f.Payload)
		v := settingsInt(m, settingVersion, 1)
		s.peerVersion.Store(uint32(v))
		s.logger.Debug("client settings received",
			"version", v, "client", m[settingClient], "padding-md5", m[settingPaddingMD5])
		if md5 := m[settingPaddingMD5]; md5 != "" && md5 != s.padding.Load().MD5() {
			if err := s.enqueueControl(frame{Cmd: cmdUpdatePaddingScheme, Payload: s.padding.Load().Raw()}); err != nil {
				return err
			}
		}
		if v >= 2 {
			var err error
			s.settingsOnce.Do(func() {
				err = s.enqueueControl(frame{Cmd: cmdServerSettings, Payload: marshalSettings(s.serverAdvisory)})
			})
			if err != nil {
				return err
			}
		}

	case cmdServerSettings:
		if !s.isClient {
			s.logger.Debug("ignoring SERVER_SETTINGS on server session")
			return nil
		}
		m := parseSettings(f.Payload)
		s.peerVersion.Store(uint32(settingsInt(m, settingVersion, ProtocolVersion)))
		if s.onServerSettings != nil {
			s.onServerSettings(m)
		}

	case cmdAlert:
		return &RemoteError{Text: string(f.Payload)}

	case cmdUpdatePaddingScheme:
		p, err := NewPaddingScheme(f.Payload)
		if err != nil {
			// Keep the current scheme rather than killing the session.
			s.logger.Warn("rejecting padding scheme update", "error", err)
			return nil
		}
		s.padding.Store(p)
		s.logger.Debug("padding scheme updated", "md5", p.MD5())

	case cmdHeartRequest:
		return s.enqueueControl(controlFrame(cmdHeartResponse, 0))

	case cmdHeartResponse:
		select {
		case s.hbCh <- struct{}{}:
		default:
		}

	default:
		s.logger.Debug("ignoring unknown frame", "cmd", f.Cmd, "stream", f.StreamID, "len", len(f.Payload))
	}
	return nil
}

// popItem takes the next outbound item, control frames first.
func (s *Session) popItem() (writeItem, bool) {
	if it, ok := s.ctrlQ.pop(); ok {
		return it, true
	}
	return s.dataQ.pop()
}

// writeLoop is the session's single writer. Each popped item becomes one
// flush; on the client side a flush is shaped by the padding scheme while the
// packet counter is below the scheme's stop index.
func (s *Session) writeLoop() {
	defer s.conn.Close()
	buf := make([]byte, 0, 4*1024)
	for {
		it, ok := s.popItem()
		if !ok {
			select {
			case <-s.ctrlQ.ready:
				continue
			case <-s.dataQ.ready:
				continue
			case <-s.die:
				// Drain what producers managed to queue before close.
				if it, ok = s.popItem(); !ok {
					return
				}
			}
		}
		var err error
		buf, err = appendItemFrames(buf[:0], it)
		if err == nil && len(buf) > 0 {
			err = s.flush(buf)
		}
		if err != nil {
			s.closeWithError(fmt.Errorf("session write failed: %w", err))
			return
		}
	}
}

// appendItemFrames encodes one write item. Data larger than a frame's payload
// capacity is split across consecutive PSH frames.
func appendItemFrames(b []byte, it writeItem) ([]byte, error) {
	if it.isCtrl {
		return appendFrame(b, it.frame)
	}
	data := it.data
	for len(data) > maxFramePayloadLen {
		var err error
		b, err = appendFrame(b, dataFrame(it.streamID, data[:maxFramePayloadLen]))
		if err != nil {
			return b, err
		}
		data = data[maxFramePayloadLen:]
	}
	return appendFrame(b, dataFrame(it.streamID, data))
}

func (s *Session) flush(b []byte) error {
	if s.isClient {
		scheme := s.padding.Load()
		if idx := s.pktCounter.Add(1); idx < scheme.Stop() {
			return s.flushPadded(scheme, idx, b)
		}
	}
	_, err := s.conn.Write(b)
	return err
}

// flushPadded writes b sliced into the record sizes the scheme prescribes,
// interleaving WASTE frames. Each chunk is a separate Write so it occupies its
// own TLS record.
func (s *Session) flushPadded(scheme *PaddingScheme, idx uint32, b []byte) error {
	for _, c := range scheme.GenerateSizes(idx, len(b)) {
		switch c.Kind {
		case ChunkData:
			n := min(c.Size, len(b))
			if n == 0 {
				continue
			}
			if _, err := s.conn.Write(b[:n]); err != nil {
				return err
			}
			b = b[n:]
		case ChunkWaste:
			if err := s.writeWaste(c.Size); err != nil {
				return err
			}
		}
	}
	if len(b) > 0 {
		if _, err := s.conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// writeWaste emits size bytes of random filler wrapped in WASTE frames.
func (s *Session) writeWaste(size int) error {
	for size > 0 {
		n := min(size, maxFramePayloadLen)
		buf := make([]byte, frameHeaderLen+n)
		buf[0] = cmdWaste
		binary.BigEndian.PutUint16(buf[5:7], uint16(n))
		if _, err := rand.Read(buf[frameHeaderLen:]); err != nil {
			return fmt.Errorf("failed to generate waste payload: %w", err)
		}
		if _, err := s.conn.Write(buf); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

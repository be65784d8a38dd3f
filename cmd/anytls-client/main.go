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

// anytls-client runs local SOCKS5 and HTTP CONNECT proxies whose outbound
// traffic rides multiplexed AnyTLS sessions to a remote server.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/lmittmann/tint"
	socks5 "github.com/things-go/go-socks5"
	"golang.org/x/term"

	"github.com/anytls/anytls-go/anytls"
	"github.com/anytls/anytls-go/anytls/client"
	"github.com/anytls/anytls-go/transport"
)

type clientConfig struct {
	ListenSOCKS       string `yaml:"listen_socks"`
	ListenHTTP        string `yaml:"listen_http"`
	Server            string `yaml:"server"`
	SNI               string `yaml:"sni"`
	Insecure          bool   `yaml:"insecure"`
	Password          string `yaml:"password"`
	PaddingSchemeFile string `yaml:"padding_scheme_file"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"` // seconds, 0 disables
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout"`  // seconds
	IdleCheckInterval int    `yaml:"idle_check_interval"` // seconds
	IdleTimeout       int    `yaml:"idle_timeout"`        // seconds
	MinIdleSession    int    `yaml:"min_idle_session"`
}

func main() {
	var logLevel slog.LevelVar
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: &logLevel})))

	configFlag := flag.String("config", "", "Path to a YAML config file")
	listenFlag := flag.String("listen", "localhost:1080", "Local SOCKS5 address to listen on")
	httpListenFlag := flag.String("http-listen", "", "Local HTTP CONNECT address to listen on (empty disables)")
	serverFlag := flag.String("server", "", "AnyTLS server address (host:port)")
	sniFlag := flag.String("sni", "", "TLS server name (defaults to the server host)")
	insecureFlag := flag.Bool("insecure", false, "Skip TLS certificate verification")
	passwordFlag := flag.String("password", "", "Shared password")
	paddingFlag := flag.String("padding-file", "", "Padding scheme file (empty uses the built-in scheme)")
	heartbeatFlag := flag.Int("heartbeat-interval", 0, "Heartbeat interval in seconds (0 disables)")
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *verboseFlag {
		logLevel.Set(slog.LevelDebug)
	}

	cfg := clientConfig{
		ListenSOCKS:       *listenFlag,
		ListenHTTP:        *httpListenFlag,
		Server:            *serverFlag,
		SNI:               *sniFlag,
		Insecure:          *insecureFlag,
		Password:          *passwordFlag,
		PaddingSchemeFile: *paddingFlag,
		HeartbeatInterval: *heartbeatFlag,
	}
	if *configFlag != "" {
		data, err := os.ReadFile(*configFlag)
		if err != nil {
			log.Fatalf("Could not read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Could not parse config file: %v", err)
		}
	}
	if cfg.Server == "" {
		log.Fatal("Must specify the server address (-server or config)")
	}
	if cfg.Password == "" {
		log.Fatal("Must specify the password (-password or config)")
	}
	if cfg.SNI == "" {
		host, _, err := net.SplitHostPort(cfg.Server)
		if err != nil {
			log.Fatalf("Invalid server address %q: %v", cfg.Server, err)
		}
		cfg.SNI = host
	}

	var scheme *anytls.PaddingScheme
	if cfg.PaddingSchemeFile != "" {
		data, err := os.ReadFile(cfg.PaddingSchemeFile)
		if err != nil {
			log.Fatalf("Could not read padding scheme file: %v", err)
		}
		scheme, err = anytls.NewPaddingScheme(data)
		if err != nil {
			log.Fatalf("Invalid padding scheme: %v", err)
		}
	}

	endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: cfg.Server}
	dialer, err := client.NewStreamDialer(endpoint, &client.Config{
		TLSConfig:         &tls.Config{ServerName: cfg.SNI, InsecureSkipVerify: cfg.Insecure},
		Password:          cfg.Password,
		PaddingScheme:     scheme,
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeout) * time.Second,
		Pool: &anytls.PoolConfig{
			CheckInterval: time.Duration(cfg.IdleCheckInterval) * time.Second,
			IdleTimeout:   time.Duration(cfg.IdleTimeout) * time.Second,
			MinIdle:       cfg.MinIdleSession,
		},
	})
	if err != nil {
		log.Fatalf("Could not create AnyTLS dialer: %v", err)
	}
	defer dialer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	socksServer := socks5.NewServer(
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			if strings.HasPrefix(network, "udp") {
				return dialer.DialPacket(ctx, addr)
			}
			return dialer.Dial(ctx, addr)
		}),
		socks5.WithLogger(socks5.NewLogger(log.New(io.Discard, "", 0))),
	)
	socksListener, err := net.Listen("tcp", cfg.ListenSOCKS)
	if err != nil {
		log.Fatalf("Could not listen on %v: %v", cfg.ListenSOCKS, err)
	}
	defer socksListener.Close()
	slog.Info("SOCKS5 proxy listening", "address", socksListener.Addr().String())
	go func() {
		if err := socksServer.Serve(socksListener); err != nil && ctx.Err() == nil {
			slog.Error("SOCKS5 server failed", "error", err)
			stop()
		}
	}()

	if cfg.ListenHTTP != "" {
		httpServer := &http.Server{Handler: connectHandler{dialer: dialer}}
		httpListener, err := net.Listen("tcp", cfg.ListenHTTP)
		if err != nil {
			log.Fatalf("Could not listen on %v: %v", cfg.ListenHTTP, err)
		}
		defer httpListener.Close()
		slog.Info("HTTP CONNECT proxy listening", "address", httpListener.Addr().String())
		go func() {
			if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				slog.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
		defer httpServer.Close()
	}

	<-ctx.Done()
	slog.Info("Shutting down")
}

// connectHandler serves HTTP CONNECT by hijacking the client connection and
// relaying it through the AnyTLS dialer. Non-CONNECT methods are rejected.
type connectHandler struct {
	dialer *client.StreamDialer
}

func (h connectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "Only CONNECT is supported", http.StatusMethodNotAllowed)
		return
	}
	targetConn, err := h.dialer.Dial(r.Context(), r.Host)
	if err != nil {
		slog.Debug("CONNECT dial failed", "host", r.Host, "error", err)
		http.Error(w, "Failed to connect to destination", http.StatusBadGateway)
		return
	}
	defer targetConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientRW, err := hijacker.Hijack()
	if err != nil {
		slog.Debug("hijack failed", "error", err)
		return
	}
	defer clientConn.Close()
	if _, err := clientRW.WriteString("HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return
	}
	if err := clientRW.Flush(); err != nil {
		return
	}

	go func() {
		io.Copy(targetConn, clientRW)
		targetConn.CloseWrite()
	}()
	io.Copy(clientConn, targetConn)
}

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

// anytls-server terminates AnyTLS sessions behind a TLS listener and relays
// each stream to its requested destination.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/anytls/anytls-go/anytls"
	"github.com/anytls/anytls-go/anytls/server"
)

type serverConfig struct {
	Listen            string `yaml:"listen"`
	CertFile          string `yaml:"cert"`
	KeyFile           string `yaml:"key"`
	Password          string `yaml:"password"`
	PaddingSchemeFile string `yaml:"padding_scheme_file"`
	IdleCheckInterval int    `yaml:"idle_check_interval"` // seconds, advertised to clients
	IdleTimeout       int    `yaml:"idle_timeout"`        // seconds, advertised to clients
	MinIdleSession    int    `yaml:"min_idle_session"`
}

func main() {
	var logLevel slog.LevelVar
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: &logLevel})))

	configFlag := flag.String("config", "", "Path to a YAML config file")
	listenFlag := flag.String("listen", ":8443", "Address to listen on")
	certFlag := flag.String("cert", "", "TLS certificate file (PEM)")
	keyFlag := flag.String("key", "", "TLS key file (PEM)")
	passwordFlag := flag.String("password", "", "Shared password")
	paddingFlag := flag.String("padding-file", "", "Padding scheme file (empty uses the built-in scheme)")
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *verboseFlag {
		logLevel.Set(slog.LevelDebug)
	}

	cfg := serverConfig{
		Listen:            *listenFlag,
		CertFile:          *certFlag,
		KeyFile:           *keyFlag,
		Password:          *passwordFlag,
		PaddingSchemeFile: *paddingFlag,
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
	if cfg.Password == "" {
		log.Fatal("Must specify the password (-password or config)")
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		log.Fatal("Must specify the TLS certificate and key (-cert/-key or config)")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		log.Fatalf("Could not load TLS certificate: %v", err)
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

	tcpListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("Could not listen on %v: %v", cfg.Listen, err)
	}
	listener := tls.NewListener(tcpListener, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	defer listener.Close()
	slog.Info("AnyTLS server listening", "address", tcpListener.Addr().String())

	srv := server.New(&server.Config{
		Password:          cfg.Password,
		PaddingScheme:     scheme,
		IdleCheckInterval: time.Duration(cfg.IdleCheckInterval) * time.Second,
		IdleTimeout:       time.Duration(cfg.IdleTimeout) * time.Second,
		MinIdleSession:    cfg.MinIdleSession,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := srv.Serve(listener); err != nil && ctx.Err() == nil {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
}

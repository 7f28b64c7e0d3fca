package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"resourcelink/internal/crypto"
	"resourcelink/resource"
	"resourcelink/transport/quiclink"
)

// receiveDir holds the configured --out-dir so resourceConcluded (one
// package-level callback shared by every link this listener accepts) can
// find it without threading extra state through quiclink's callback
// signature.
var receiveDir atomic.Value

func main() {
	listen := flag.String("listen", "127.0.0.1:4433", "QUIC listen address")
	privkeyFile := flag.String("privkey-file", "", "Ed25519 private key file")
	pubkeyFile := flag.String("pubkey-file", "", "Public key output file (with --gen-key)")
	genKey := flag.Bool("gen-key", false, "Generate keys and exit")
	outDir := flag.String("out-dir", ".", "Directory received resources are written to")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch *logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Fatal().Str("level", *logLevel).Msg("Invalid log level")
	}

	if *genKey {
		if *privkeyFile == "" || *pubkeyFile == "" {
			log.Fatal().Msg("--privkey-file and --pubkey-file are required with --gen-key")
		}
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate key pair")
		}
		if err := kp.SavePrivate(*privkeyFile); err != nil {
			log.Fatal().Err(err).Msg("Failed to save private key")
		}
		if err := kp.SavePublic(*pubkeyFile); err != nil {
			log.Fatal().Err(err).Msg("Failed to save public key")
		}
		log.Info().Str("fingerprint", crypto.Fingerprint(kp.Public)).Msg("Key pair generated")
		os.Exit(0)
	}

	if *privkeyFile == "" {
		log.Fatal().Msg("--privkey-file is required")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", *outDir).Msg("Failed to create --out-dir")
	}
	receiveDir.Store(*outDir)

	kp, err := crypto.LoadKeyPair(*privkeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load private key")
	}

	ln, err := quiclink.Listen(*listen, kp,
		quiclink.WithCallbacks(resourceConcluded, resourceProgress),
		quiclink.WithAcceptPolicy(func([]byte) bool { return true }),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start quiclink listener")
	}
	defer ln.Close()
	log.Info().Str("addr", *listen).Msg("resourcelink server listening")

	for {
		if _, err := ln.Accept(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to accept connection")
			continue
		}
		log.Info().Msg("accepted new link")
		// The returned *quiclink.Link needs no further driving here: its
		// own readLoop dispatches every inbound resource into the
		// callbacks registered above for as long as the process runs.
	}
}

func resourceConcluded(r *resource.Resource) {
	if r.Status() != resource.StatusComplete {
		log.Warn().Str("status", r.Status().String()).Msg("resource finished without completing")
		return
	}
	if r.IsInitiator() {
		log.Info().Msg("outgoing resource delivered")
		return
	}

	dir, _ := receiveDir.Load().(string)
	if dir == "" {
		dir = "."
	}
	name := filepath.Join(dir, "resource-"+hex.EncodeToString(r.Hash()))
	if err := os.WriteFile(name, r.Data(), 0o644); err != nil {
		log.Error().Err(err).Str("path", name).Msg("failed to write received resource")
		return
	}
	log.Info().Str("path", name).Int("bytes", len(r.Data())).Msg("resource received")
}

func resourceProgress(r *resource.Resource) {
	log.Debug().Float64("progress", r.Progress()).Msg("resource progress")
}

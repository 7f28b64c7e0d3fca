package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"resourcelink/internal/crypto"
	"resourcelink/resource"
	"resourcelink/transport/quiclink"
)

func main() {
	server := flag.String("server", "", "resourcelink server address (required)")
	pubkeyFile := flag.String("pubkey-file", "", "Server public key for pinning (required)")
	sendFile := flag.String("send", "", "Path of a file to send as a resource (required)")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")
	dialTimeout := flag.Duration("dial-timeout", 10*time.Second, "QUIC dial timeout")

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

	if *server == "" {
		log.Fatal().Msg("--server is required")
	}
	if *pubkeyFile == "" {
		log.Fatal().Msg("--pubkey-file is required")
	}
	if *sendFile == "" {
		log.Fatal().Msg("--send is required")
	}

	pubKey, err := crypto.LoadPublicKey(*pubkeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load server public key")
	}
	fingerprint := crypto.Fingerprint(pubKey)
	log.Info().Str("fingerprint", fingerprint).Msg("Pinning server public key")

	data, err := os.ReadFile(*sendFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", *sendFile).Msg("Failed to read file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *dialTimeout)
	defer cancel()

	link, err := quiclink.Dial(ctx, *server, fingerprint,
		quiclink.WithCallbacks(onConclude, onProgress),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to dial resourcelink server")
	}
	log.Info().Str("server", *server).Msg("link established")

	res, err := resource.New(data, link,
		resource.WithCallback(onConclude),
		resource.WithProgressCallback(onProgress),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to construct outgoing resource")
	}
	log.Info().
		Str("hash", res.String()).
		Int("bytes", len(data)).
		Int("parts", res.Parts()).
		Msg("sending resource")

	waitForConclusion(res)
}

func waitForConclusion(r *resource.Resource) {
	for {
		switch r.Status() {
		case resource.StatusComplete:
			log.Info().Msg("transfer complete")
			return
		case resource.StatusFailed, resource.StatusRejected:
			log.Fatal().Str("status", r.Status().String()).Msg("transfer did not complete")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func onConclude(r *resource.Resource) {
	log.Debug().Str("status", r.Status().String()).Msg("resource concluded")
}

func onProgress(r *resource.Resource) {
	log.Debug().Float64("progress", r.Progress()).Msg("resource progress")
}

package quiclink

import (
	"context"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"resourcelink/internal/crypto"
)

// quicConfig mirrors the teacher's tuned QUIC settings (cmd/server/main.go),
// dropping only the packet-size randomization that exists there to evade
// DNS-resolver MTU heuristics — irrelevant once QUIC is the transport
// itself rather than a payload smuggled inside DNS.
var quicConfig = &quic.Config{
	KeepAlivePeriod:            35 * time.Second,
	MaxIdleTimeout:             5 * time.Minute,
	MaxIncomingStreams:         16,
	MaxStreamReceiveWindow:     6 * 1024 * 1024,
	MaxConnectionReceiveWindow: 15 * 1024 * 1024,
}

// Listener accepts incoming QUIC connections, each carrying exactly one
// resource-protocol stream, and wraps each as a Link.
type Listener struct {
	ql   *quic.Listener
	opts []Option
}

// Listen starts a QUIC listener on addr using a self-signed Ed25519
// certificate, per internal/crypto's pinning scheme.
func Listen(addr string, kp crypto.KeyPair, opts ...Option) (*Listener, error) {
	tlsConfig, err := crypto.DefaultCertPolicy().ServerTLSConfig(kp)
	if err != nil {
		return nil, fmt.Errorf("quiclink: tls config: %w", err)
	}
	ql, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quiclink: listen: %w", err)
	}
	return &Listener{ql: ql, opts: opts}, nil
}

// Accept blocks for the next incoming connection and returns its Link.
func (ln *Listener) Accept(ctx context.Context) (*Link, error) {
	conn, err := ln.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return New(stream, ln.opts...), nil
}

func (ln *Listener) Close() error { return ln.ql.Close() }

// Dial connects to addr, pinning the peer certificate to
// expectedFingerprint (from crypto.Fingerprint), and returns the resulting
// Link.
func Dial(ctx context.Context, addr, expectedFingerprint string, opts ...Option) (*Link, error) {
	tlsConfig := crypto.DefaultCertPolicy().ClientTLSConfig(expectedFingerprint)
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quiclink: dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quiclink: open stream: %w", err)
	}
	return New(stream, opts...), nil
}

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// KeyPair is the Ed25519 identity one resourcelink endpoint authenticates
// with. Loading, persisting, and deriving a pinned TLS identity from a key
// are grouped as methods on this type rather than free functions juggling
// keys and file paths separately.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// SavePrivate writes the private half to a PEM file, PKCS8-encoded.
func (kp KeyPair) SavePrivate(path string) error {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return writePEM(path, "PRIVATE KEY", pkcs8, 0o600)
}

// SavePublic writes the public half to a PEM file, PKIX-encoded.
func (kp KeyPair) SavePublic(path string) error {
	pkix, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	return writePEM(path, "PUBLIC KEY", pkix, 0o644)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// LoadKeyPair loads a private key PEM file and derives the matching public
// key from it, so callers that only have a private-key file on disk (the
// common case for a resourcelink server) don't separately need the public
// half.
func LoadKeyPair(privkeyPath string) (KeyPair, error) {
	priv, err := LoadPrivateKey(privkeyPath)
	if err != nil {
		return KeyPair{}, err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return KeyPair{}, errors.New("private key is not Ed25519")
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// LoadPrivateKey loads an Ed25519 private key from a PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	privKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}

	return privKey, nil
}

// LoadPublicKey loads an Ed25519 public key from a PEM file, used by a
// client to load the server's pinned public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	pubKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an Ed25519 public key")
	}

	return pubKey, nil
}

// Fingerprint returns the SHA256 fingerprint of pub, base64-encoded, used
// as the out-of-band pinning token a client dials with.
func Fingerprint(pub ed25519.PublicKey) string {
	hash := sha256.Sum256(pub)
	return base64.StdEncoding.EncodeToString(hash[:])
}

// CertPolicy configures the self-signed certificate a resourcelink
// listener presents: its ALPN identifier (which also doubles as the QUIC
// application protocol both sides negotiate), the organization name
// embedded in the certificate subject, and how long the certificate
// remains valid before a restart must mint a new one.
type CertPolicy struct {
	ALPN     string
	Org      string
	Validity time.Duration
}

// DefaultCertPolicy is the policy resourcelink's transports use unless a
// caller overrides it.
func DefaultCertPolicy() CertPolicy {
	return CertPolicy{
		ALPN:     "resourcelink",
		Org:      "resourcelink transfer engine",
		Validity: 365 * 24 * time.Hour,
	}
}

// generateCertificate mints a self-signed certificate over kp, valid under
// p's policy. The certificate carries no CA chain: the client never
// validates it against a trust store, only pins its fingerprint.
func (p CertPolicy) generateCertificate(kp KeyPair) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{p.Org},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(p.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, kp.Public, kp.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  kp.Private,
		Leaf:        &template,
	}, nil
}

// pinningVerifier rejects any peer certificate whose public key doesn't
// fingerprint to expectedFingerprint, standing in for a trust store: there
// is no CA here, only a pinned identity exchanged out of band.
func pinningVerifier(expectedFingerprint string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no certificates provided")
		}

		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}

		pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.New("certificate does not contain Ed25519 public key")
		}

		fingerprint := Fingerprint(pubKey)
		if fingerprint != expectedFingerprint {
			return fmt.Errorf("certificate fingerprint mismatch: got %s, expected %s", fingerprint, expectedFingerprint)
		}

		return nil
	}
}

// ServerTLSConfig builds the TLS config a listener presents, self-signing
// a certificate over kp under p's policy.
func (p CertPolicy) ServerTLSConfig(kp KeyPair) (*tls.Config, error) {
	cert, err := p.generateCertificate(kp)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{p.ALPN},
	}, nil
}

// ClientTLSConfig builds the TLS config a dialer uses to connect, pinning
// the peer to expectedFingerprint instead of validating against a CA.
func (p CertPolicy) ClientTLSConfig(expectedFingerprint string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinningVerifier(expectedFingerprint),
		NextProtos:            []string{p.ALPN},
	}
}

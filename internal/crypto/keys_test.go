package crypto

import (
	"path/filepath"
	"testing"
)

func TestKeyPairRoundTripsThroughDisk(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")

	if err := kp.SavePrivate(privPath); err != nil {
		t.Fatalf("SavePrivate: %v", err)
	}
	if err := kp.SavePublic(pubPath); err != nil {
		t.Fatalf("SavePublic: %v", err)
	}

	loaded, err := LoadKeyPair(privPath)
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if !loaded.Public.Equal(kp.Public) {
		t.Fatalf("loaded public key does not match generated key")
	}

	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Fatalf("public key loaded from its own PEM file does not match")
	}
}

func TestClientTLSConfigPinsServerFingerprint(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	policy := DefaultCertPolicy()

	cert, err := policy.generateCertificate(kp)
	if err != nil {
		t.Fatalf("generateCertificate: %v", err)
	}

	good := Fingerprint(kp.Public)
	clientConfig := policy.ClientTLSConfig(good)
	if err := clientConfig.VerifyPeerCertificate(cert.Certificate, nil); err != nil {
		t.Fatalf("expected matching fingerprint to verify, got %v", err)
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	mismatched := policy.ClientTLSConfig(Fingerprint(other.Public))
	if err := mismatched.VerifyPeerCertificate(cert.Certificate, nil); err == nil {
		t.Fatalf("expected fingerprint mismatch to fail verification")
	}
}

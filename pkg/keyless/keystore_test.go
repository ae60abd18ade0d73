package keyless

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func writeRSAKeyFile(t *testing.T, dir, name string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func writeECKeyFile(t *testing.T, dir, name string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal ec key: %v", err)
	}
	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestLoadKeystoreDirMixedKeys(t *testing.T) {
	dir := t.TempDir()
	writeRSAKeyFile(t, dir, "a.key")
	writeECKeyFile(t, dir, "b.key")
	// Non-.key files must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	ks, err := LoadKeystoreDir(dir)
	if err != nil {
		t.Fatalf("LoadKeystoreDir: %v", err)
	}
	if ks.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ks.Len())
	}

	var sawRSA, sawECDSA bool
	for _, rec := range ks.Records() {
		if rec.IsRSA() {
			sawRSA = true
		}
		if rec.IsECDSA() {
			sawECDSA = true
		}
		if _, ok := ks.Lookup(rec.Digest); !ok {
			t.Fatalf("Lookup(%s) failed for a loaded record", rec.Digest)
		}
	}
	if !sawRSA || !sawECDSA {
		t.Fatalf("expected both an RSA and an ECDSA record, got sawRSA=%v sawECDSA=%v", sawRSA, sawECDSA)
	}
}

func TestLoadKeystoreDirEmpty(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadKeystoreDir(dir); err == nil {
		t.Fatalf("expected error loading an empty keystore directory")
	}
}

func TestLoadKeystoreDirDuplicateDigest(t *testing.T) {
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(dir, "a.key"), data, 0o600); err != nil {
		t.Fatalf("write a.key: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.key"), data, 0o600); err != nil {
		t.Fatalf("write b.key: %v", err)
	}

	if _, err := LoadKeystoreDir(dir); err == nil {
		t.Fatalf("expected duplicate-digest error")
	}
}

func TestKeyIDStringIsHex(t *testing.T) {
	var id KeyID
	id[0] = 0xab
	id[31] = 0xcd
	s := id.String()
	if len(s) != 64 {
		t.Fatalf("String() length = %d, want 64", len(s))
	}
	if s[:2] != "ab" || s[len(s)-2:] != "cd" {
		t.Fatalf("String() = %q, want to start with ab and end with cd", s)
	}
}

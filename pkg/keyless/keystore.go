package keyless

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/keylesshq/keyless-go/pkg/keyless/curve"
)

// KeyID is the SHA-256 digest that identifies a key on the wire.
type KeyID [sha256.Size]byte

func (id KeyID) String() string {
	return hex.EncodeToString(id[:])
}

// KeyRecord binds a loaded private key to the digest clients use to address
// it. Exactly one of RSA or ECDSA is non-nil.
type KeyRecord struct {
	Digest KeyID
	Path   string
	RSA    *rsa.PrivateKey
	ECDSA  *ecdsa.PrivateKey
}

// IsRSA reports whether the record holds an RSA key.
func (r *KeyRecord) IsRSA() bool { return r.RSA != nil }

// IsECDSA reports whether the record holds an ECDSA key.
func (r *KeyRecord) IsECDSA() bool { return r.ECDSA != nil }

// Keystore resolves a KeyID to the private key that backs it. It is built
// once at startup from a directory of PEM-encoded *.key files and is
// immutable and safe for concurrent read access from every worker
// thereafter (spec invariant I4): there is no mutator.
type Keystore struct {
	byDigest map[KeyID]*KeyRecord
	records  []*KeyRecord
}

// Lookup resolves digest to a key record. The zero value, false is returned
// when no loaded key matches (wire error KEY_NOT_FOUND).
func (k *Keystore) Lookup(digest KeyID) (*KeyRecord, bool) {
	r, ok := k.byDigest[digest]
	return r, ok
}

// Len reports how many keys are loaded.
func (k *Keystore) Len() int { return len(k.records) }

// Records returns the loaded key records in a stable (file-path-sorted) order,
// primarily for diagnostics and tests.
func (k *Keystore) Records() []*KeyRecord {
	out := make([]*KeyRecord, len(k.records))
	copy(out, k.records)
	return out
}

// LoadKeystoreDir loads every *.key file in dir into a Keystore. Files
// without that extension are ignored. A directory yielding zero usable keys
// is a fatal startup error, per spec.
func LoadKeystoreDir(dir string) (*Keystore, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.key"))
	if err != nil {
		return nil, fmt.Errorf("keyless: glob %s: %w", dir, err)
	}
	sort.Strings(matches)

	ks := &Keystore{byDigest: make(map[KeyID]*KeyRecord)}
	for _, path := range matches {
		rec, err := loadKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("keyless: load key %s: %w", path, err)
		}
		if _, exists := ks.byDigest[rec.Digest]; exists {
			return nil, fmt.Errorf("keyless: duplicate key digest %s (from %s)", rec.Digest, path)
		}
		ks.byDigest[rec.Digest] = rec
		ks.records = append(ks.records, rec)
	}
	if len(ks.records) == 0 {
		return nil, fmt.Errorf("keyless: no usable keys found in %s", dir)
	}
	return ks, nil
}

func loadKeyFile(path string) (*KeyRecord, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path enumerated from an operator-provided directory
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	rsaKey, ecKey, err := parsePrivateKey(block)
	if err != nil {
		return nil, err
	}

	digest, err := digestOf(rsaKey, ecKey)
	if err != nil {
		return nil, err
	}

	return &KeyRecord{Digest: digest, Path: path, RSA: rsaKey, ECDSA: ecKey}, nil
}

func parsePrivateKey(block *pem.Block) (*rsa.PrivateKey, *ecdsa.PrivateKey, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, err
		}
		return k, nil, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err == nil {
			return nil, k, nil
		}
		// crypto/x509 only recognizes the NIST curves; fall back to a
		// secp256k1-aware SEC1 decode before giving up.
		k2, secpErr := curve.ParseSecp256k1PrivateKey(block.Bytes)
		if secpErr != nil {
			return nil, nil, fmt.Errorf("parse EC key: %w", err)
		}
		return nil, k2, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, err
		}
		switch key := k.(type) {
		case *rsa.PrivateKey:
			return key, nil, nil
		case *ecdsa.PrivateKey:
			return nil, key, nil
		default:
			return nil, nil, fmt.Errorf("unsupported PKCS8 key type %T", k)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// digestOf computes the SHA-256 over the DER encoding of the key's public
// material: the PKCS#1 RSAPublicKey (modulus+exponent) for RSA, or the
// uncompressed elliptic-curve point encoding for ECDSA. This mirrors the
// source protocol's "digest over the public modulus/point" rule using the
// closest standard Go encodings of each.
func digestOf(rsaKey *rsa.PrivateKey, ecKey *ecdsa.PrivateKey) (KeyID, error) {
	switch {
	case rsaKey != nil:
		der := x509.MarshalPKCS1PublicKey(&rsaKey.PublicKey)
		return sha256.Sum256(der), nil
	case ecKey != nil:
		point := elliptic.Marshal(ecKey.Curve, ecKey.X, ecKey.Y) //nolint:staticcheck // uncompressed point encoding is the wire-documented digest input
		return sha256.Sum256(point), nil
	default:
		return KeyID{}, fmt.Errorf("no key material to digest")
	}
}

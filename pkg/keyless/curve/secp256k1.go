// Package curve extends the elliptic curves the keystore can load EC private
// keys from. Go's crypto/x509 only recognizes the NIST curves (P-224, P-256,
// P-384, P-521); it rejects a SEC1-encoded key on secp256k1 with "unknown
// elliptic curve". Operators that provision keyless-go with secp256k1
// certificates (common outside the Web PKI) need that curve supported too.
package curve

import (
	"crypto/ecdsa"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// secp256k1OID is the named-curve OID from SEC 2, section A.2.1.
var secp256k1OID = asn1.ObjectIdentifier{1, 3, 132, 0, 10}

// IsSecp256k1OID reports whether oid identifies the secp256k1 curve.
func IsSecp256k1OID(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(secp256k1OID)
}

// sec1ECPrivateKey mirrors the ASN.1 structure from RFC 5915 / SEC1, section
// C.4. crypto/x509 parses the same shape but rejects curves it doesn't name;
// decoding it ourselves lets us hand the raw scalar to btcec instead.
type sec1ECPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// ParseSecp256k1PrivateKey decodes a SEC1 ("EC PRIVATE KEY") DER blob whose
// named curve is secp256k1 into a standard library *ecdsa.PrivateKey. The
// returned key's Curve is btcec.S256(), which satisfies elliptic.Curve, so
// every stdlib crypto/ecdsa function (Sign, the public key's DER point
// encoding, etc.) works on it unmodified.
func ParseSecp256k1PrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	var key sec1ECPrivateKey
	rest, err := asn1.Unmarshal(der, &key)
	if err != nil {
		return nil, fmt.Errorf("curve: parse SEC1 key: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("curve: trailing garbage after SEC1 key")
	}
	if key.Version != 1 {
		return nil, fmt.Errorf("curve: unsupported SEC1 version %d", key.Version)
	}
	if len(key.NamedCurveOID) != 0 && !IsSecp256k1OID(key.NamedCurveOID) {
		return nil, fmt.Errorf("curve: not a secp256k1 key (oid %v)", key.NamedCurveOID)
	}

	priv, _ := btcec.PrivKeyFromBytes(key.PrivateKey)
	if priv == nil {
		return nil, errors.New("curve: invalid secp256k1 scalar")
	}
	ecdsaKey := priv.ToECDSA()
	return ecdsaKey, nil
}

// Name identifies a curve supported by the keystore, independent of the
// stdlib elliptic.Curve identity comparison, which doesn't recognize
// btcec.S256() as equal to any crypto/elliptic curve.
type Name string

const (
	P256       Name = "P-256"
	P384       Name = "P-384"
	P521       Name = "P-521"
	Secp256k1  Name = "secp256k1"
	UnknownEC  Name = "unknown"
)

// NameOf identifies the curve backing an ECDSA public key.
func NameOf(pub *ecdsa.PublicKey) Name {
	switch pub.Curve.Params().Name {
	case "P-256":
		return P256
	case "P-384":
		return P384
	case "P-521":
		return P521
	}
	if pub.Curve == btcec.S256() {
		return Secp256k1
	}
	return UnknownEC
}

package keyless

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"

	"github.com/keylesshq/keyless-go/pkg/keyless/zeroize"
)

// hashForSignOpcode maps a RSA_SIGN_*/ECDSA_SIGN_* opcode to the digest
// algorithm whose pre-computed hash the client supplies as PAYLOAD.
var hashForSignOpcode = map[Opcode]crypto.Hash{
	OpRSASignMD5SHA1: crypto.MD5SHA1,
	OpRSASignSHA1:    crypto.SHA1,
	OpRSASignSHA224:  crypto.SHA224,
	OpRSASignSHA256:  crypto.SHA256,
	OpRSASignSHA384:  crypto.SHA384,
	OpRSASignSHA512:  crypto.SHA512,

	OpECDSASignMD5SHA1: crypto.MD5SHA1,
	OpECDSASignSHA1:    crypto.SHA1,
	OpECDSASignSHA224:  crypto.SHA224,
	OpECDSASignSHA256:  crypto.SHA256,
	OpECDSASignSHA384:  crypto.SHA384,
	OpECDSASignSHA512:  crypto.SHA512,
}

// Dispatcher executes a requested crypto operation against a key resolved
// from a Keystore. It is pure with respect to the keystore: no mutation, no
// I/O beyond the crypto primitives themselves, so a single Dispatcher is
// shared (read-only) across every worker and connection.
type Dispatcher struct {
	keystore *Keystore
}

// NewDispatcher returns a Dispatcher backed by ks.
func NewDispatcher(ks *Keystore) *Dispatcher {
	return &Dispatcher{keystore: ks}
}

// Dispatch executes op against the key identified by keyID (ignored for
// PING) with the given payload, returning the result bytes and the opcode
// that should label a successful response. Any returned error is a
// *WireError suitable for translation into an ERROR frame by the caller,
// except when AsWireError(err) == ErrInternal, which the caller must treat
// as fatal to the connection rather than answerable on the wire.
func (d *Dispatcher) Dispatch(op Opcode, keyID, payload []byte) (result []byte, respOp Opcode, err error) {
	if op == OpPing {
		return payload, OpPong, nil
	}
	if op.responseOnly() {
		return nil, 0, NewWireError(ErrUnexpectedOpcode, "opcode %s is response-only", op)
	}

	rec, err := d.resolveKey(keyID)
	if err != nil {
		return nil, 0, err
	}

	switch {
	case op.isRSA():
		if !rec.IsRSA() {
			return nil, 0, NewWireError(ErrBadOpcode, "opcode %s requires an RSA key", op)
		}
		result, err = d.dispatchRSA(rec.RSA, op, payload)
	case op.isECDSA():
		if !rec.IsECDSA() {
			return nil, 0, NewWireError(ErrBadOpcode, "opcode %s requires an ECDSA key", op)
		}
		result, err = d.dispatchECDSA(rec.ECDSA, op, payload)
	default:
		return nil, 0, NewWireError(ErrBadOpcode, "unknown opcode %s", op)
	}
	if err != nil {
		return nil, 0, err
	}
	return result, OpResponse, nil
}

func (d *Dispatcher) resolveKey(keyID []byte) (*KeyRecord, error) {
	if len(keyID) != sha256.Size {
		return nil, NewWireError(ErrKeyNotFound, "key id must be %d bytes, got %d", sha256.Size, len(keyID))
	}
	var id KeyID
	copy(id[:], keyID)
	rec, ok := d.keystore.Lookup(id)
	if !ok {
		return nil, NewWireError(ErrKeyNotFound, "no key for digest %s", id)
	}
	return rec, nil
}

func (d *Dispatcher) dispatchRSA(key *rsa.PrivateKey, op Opcode, payload []byte) ([]byte, error) {
	switch op {
	case OpRSADecrypt:
		out, err := rsa.DecryptPKCS1v15(rand.Reader, key, payload)
		if err != nil {
			return nil, NewWireError(ErrCryptoFailed, "pkcs1v15 decrypt: %v", err)
		}
		return out, nil
	case OpRSADecryptRaw:
		return rsaDecryptRaw(key, payload)
	default:
		hash, ok := hashForSignOpcode[op]
		if !ok {
			return nil, NewWireError(ErrBadOpcode, "opcode %s is not an RSA sign opcode", op)
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, hash, payload)
		if err != nil {
			return nil, NewWireError(ErrCryptoFailed, "pkcs1v15 sign: %v", err)
		}
		return sig, nil
	}
}

// rsaDecryptRaw performs raw RSA modular exponentiation (no PKCS#1
// unpadding): m = c^d mod n. Used by RSA_DECRYPT_RAW, whose caller is
// responsible for any padding scheme of its own choosing.
func rsaDecryptRaw(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(key.N) >= 0 {
		return nil, NewWireError(ErrCryptoFailed, "ciphertext out of range")
	}
	m := new(big.Int).Exp(c, key.D, key.N)
	out := make([]byte, (key.N.BitLen()+7)/8)
	m.FillBytes(out)
	zeroize.Bytes(c.Bytes()) //nolint:staticcheck // best-effort scrub of the scratch encoding, not the big.Int itself
	return out, nil
}

func (d *Dispatcher) dispatchECDSA(key *ecdsa.PrivateKey, op Opcode, digest []byte) ([]byte, error) {
	hash, ok := hashForSignOpcode[op]
	if !ok {
		return nil, NewWireError(ErrBadOpcode, "opcode %s is not an ECDSA sign opcode", op)
	}
	if want := hash.Size(); len(digest) != want {
		return nil, NewWireError(ErrCryptoFailed, "digest length %d does not match %v (%d)", len(digest), hash, want)
	}
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
	if err != nil {
		return nil, NewWireError(ErrCryptoFailed, "ecdsa sign: %v", err)
	}
	return sig, nil
}

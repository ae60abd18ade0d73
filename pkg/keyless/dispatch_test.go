package keyless

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKeystore(t *testing.T) (*Keystore, *rsa.PrivateKey, *ecdsa.PrivateKey) {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rsaDigest := sha256.Sum256(x509.MarshalPKCS1PublicKey(&rsaKey.PublicKey))
	ecDigest := sha256.Sum256(elliptic.Marshal(ecKey.Curve, ecKey.X, ecKey.Y)) //nolint:staticcheck

	ks := &Keystore{byDigest: map[KeyID]*KeyRecord{
		rsaDigest: {Digest: rsaDigest, RSA: rsaKey},
		ecDigest:  {Digest: ecDigest, ECDSA: ecKey},
	}}
	ks.records = []*KeyRecord{ks.byDigest[rsaDigest], ks.byDigest[ecDigest]}
	return ks, rsaKey, ecKey
}

func TestDispatchPing(t *testing.T) {
	ks, _, _ := newTestKeystore(t)
	d := NewDispatcher(ks)

	result, op, err := d.Dispatch(OpPing, nil, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, OpPong, op)
	require.Equal(t, []byte("hello"), result)
}

func TestDispatchRSASignAndVerify(t *testing.T) {
	ks, rsaKey, _ := newTestKeystore(t)
	d := NewDispatcher(ks)

	digest := sha256.Sum256([]byte("message to sign"))
	rsaDigest := sha256.Sum256(x509.MarshalPKCS1PublicKey(&rsaKey.PublicKey))

	sig, op, err := d.Dispatch(OpRSASignSHA256, rsaDigest[:], digest[:])
	require.NoError(t, err)
	require.Equal(t, OpResponse, op)
	require.NoError(t, rsa.VerifyPKCS1v15(&rsaKey.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestDispatchRSADecryptPKCS1v15(t *testing.T) {
	ks, rsaKey, _ := newTestKeystore(t)
	d := NewDispatcher(ks)
	rsaDigest := sha256.Sum256(x509.MarshalPKCS1PublicKey(&rsaKey.PublicKey))

	plaintext := []byte("super secret")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &rsaKey.PublicKey, plaintext)
	require.NoError(t, err)

	result, op, err := d.Dispatch(OpRSADecrypt, rsaDigest[:], ciphertext)
	require.NoError(t, err)
	require.Equal(t, OpResponse, op)
	require.Equal(t, plaintext, result)
}

func TestDispatchECDSASign(t *testing.T) {
	ks, _, ecKey := newTestKeystore(t)
	d := NewDispatcher(ks)
	ecDigest := sha256.Sum256(elliptic.Marshal(ecKey.Curve, ecKey.X, ecKey.Y)) //nolint:staticcheck

	digest := sha256.Sum256([]byte("message"))
	sig, op, err := d.Dispatch(OpECDSASignSHA256, ecDigest[:], digest[:])
	require.NoError(t, err)
	require.Equal(t, OpResponse, op)
	require.True(t, ecdsa.VerifyASN1(&ecKey.PublicKey, digest[:], sig))
}

func TestDispatchWrongKeyType(t *testing.T) {
	ks, rsaKey, _ := newTestKeystore(t)
	d := NewDispatcher(ks)
	rsaDigest := sha256.Sum256(x509.MarshalPKCS1PublicKey(&rsaKey.PublicKey))

	digest := sha256.Sum256([]byte("message"))
	_, _, err := d.Dispatch(OpECDSASignSHA256, rsaDigest[:], digest[:])
	require.Error(t, err)
	require.Equal(t, ErrBadOpcode, AsWireError(err))
}

func TestDispatchUnknownKey(t *testing.T) {
	ks, _, _ := newTestKeystore(t)
	d := NewDispatcher(ks)

	random := make([]byte, 32)
	_, err := rand.Read(random)
	require.NoError(t, err)

	_, _, err = d.Dispatch(OpRSASignSHA256, random, []byte{})
	require.Error(t, err)
	require.Equal(t, ErrKeyNotFound, AsWireError(err))
}

func TestDispatchResponseOnlyOpcodeRejected(t *testing.T) {
	ks, _, _ := newTestKeystore(t)
	d := NewDispatcher(ks)

	_, _, err := d.Dispatch(OpResponse, make([]byte, 32), nil)
	require.Error(t, err)
	require.Equal(t, ErrUnexpectedOpcode, AsWireError(err))
}

package keyless_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/keylesshq/keyless-go/pkg/keyless"
	"github.com/keylesshq/keyless-go/pkg/keyless/keylesstest"
)

func TestServerPingPong(t *testing.T) {
	h := keylesstest.Start(t, nil)

	conn, err := h.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, err := keyless.EncodeRequest(1, keyless.OpPing, nil, []byte("ping payload"))
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, conn)
	op, _ := resp.items.Opcode()
	if op != keyless.OpPong {
		t.Fatalf("opcode = %v, want OpPong", op)
	}
	payload, _ := resp.items.Payload()
	if string(payload) != "ping payload" {
		t.Fatalf("payload = %q, want %q", payload, "ping payload")
	}
}

func TestServerRejectsUnknownKey(t *testing.T) {
	h := keylesstest.Start(t, nil)
	conn, err := h.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	randomKeyID := make([]byte, 32)
	if _, err := rand.Read(randomKeyID); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	frame, err := keyless.EncodeRequest(2, keyless.OpRSASignSHA256, randomKeyID, make([]byte, 32))
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, conn)
	op, _ := resp.items.Opcode()
	if op != keyless.OpError {
		t.Fatalf("opcode = %v, want OpError", op)
	}
	code, ok := resp.items.Error()
	if !ok || code != keyless.ErrKeyNotFound {
		t.Fatalf("error = %v, %v, want ErrKeyNotFound, true", code, ok)
	}
}

func TestServerSignsWithLoadedKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	digest := sha256.Sum256(x509.MarshalPKCS1PublicKey(&key.PublicKey))

	h := keylesstest.Start(t, map[string][]byte{"signer.key": keyPEM})
	conn, err := h.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msgDigest := sha256.Sum256([]byte("message to sign"))
	frame, err := keyless.EncodeRequest(3, keyless.OpRSASignSHA256, digest[:], msgDigest[:])
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, conn)
	op, _ := resp.items.Opcode()
	if op != keyless.OpResponse {
		t.Fatalf("opcode = %v, want OpResponse, error code %v", op, resp.errorCode())
	}
	sig, _ := resp.items.Payload()
	if len(sig) != 256 {
		t.Fatalf("signature length = %d, want 256", len(sig))
	}
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, msgDigest[:], sig); err != nil {
		t.Fatalf("VerifyPKCS1v15: %v", err)
	}
}

func TestServerVersionMismatchThenRecovery(t *testing.T) {
	h := keylesstest.Start(t, nil)
	conn, err := h.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bad := keyless.EncodeHeader(keyless.Header{VersionMajor: 9, VersionMinor: 0, Length: 0, ID: 10})
	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write bad header: %v", err)
	}
	resp := readResponse(t, conn)
	code, ok := resp.items.Error()
	if !ok || code != keyless.ErrVersionMismatch {
		t.Fatalf("error = %v, %v, want ErrVersionMismatch, true", code, ok)
	}

	ping, err := keyless.EncodeRequest(11, keyless.OpPing, nil, []byte("back to normal"))
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := conn.Write(ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	resp = readResponse(t, conn)
	op, _ := resp.items.Opcode()
	if op != keyless.OpPong || resp.header.ID != 11 {
		t.Fatalf("recovery response = opcode %v id %d, want OpPong id 11", op, resp.header.ID)
	}
}

type decodedResponse struct {
	header keyless.Header
	items  keyless.Items
}

func (r decodedResponse) errorCode() keyless.ErrorCode {
	c, _ := r.items.Error()
	return c
}

func readResponse(t *testing.T, conn interface {
	Read([]byte) (int, error)
}) decodedResponse {
	t.Helper()
	header := make([]byte, keyless.HeaderSize)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := keyless.DecodeHeader(header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	payload := make([]byte, h.Length)
	if _, err := readFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	items, err := keyless.DecodeItems(payload)
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	return decodedResponse{header: h, items: items}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

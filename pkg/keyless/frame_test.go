package keyless

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := Header{VersionMajor: 1, VersionMinor: 0, Length: 42, ID: 0xdeadbeef}
	buf := EncodeHeader(h)
	if len(buf) != HeaderSize {
		t.Fatalf("encoded header length = %d, want %d", len(buf), HeaderSize)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("DecodeHeader(EncodeHeader(h)) = %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	if AsWireError(err) != ErrFormat {
		t.Fatalf("short header error = %v, want ErrFormat", err)
	}
}

func TestDecodeItemsLastTagWins(t *testing.T) {
	var payload []byte
	payload, _ = encodeItem(payload, TagOpcode, []byte{byte(OpPing)})
	payload, _ = encodeItem(payload, TagOpcode, []byte{byte(OpPong)})

	items, err := DecodeItems(payload)
	if err != nil {
		t.Fatalf("DecodeItems: %v", err)
	}
	op, ok := items.Opcode()
	if !ok || op != OpPong {
		t.Fatalf("duplicate OPCODE item resolved to %v, %v; want OpPong, true", op, ok)
	}
}

func TestDecodeItemsTruncated(t *testing.T) {
	_, err := DecodeItems([]byte{byte(TagOpcode), 0x00})
	if AsWireError(err) != ErrFormat {
		t.Fatalf("truncated item error = %v, want ErrFormat", err)
	}
}

func TestDecodeItemsOverlength(t *testing.T) {
	payload := []byte{byte(TagPayload), 0x00, 0x10} // declares 16 bytes, provides 0
	_, err := DecodeItems(payload)
	if AsWireError(err) != ErrFormat {
		t.Fatalf("overlength item error = %v, want ErrFormat", err)
	}
}

func TestEncodeRequestAndDecodeResponseRoundTrip(t *testing.T) {
	keyID := bytes.Repeat([]byte{0xab}, 32)
	payload := []byte("some digest bytes")

	frame, err := EncodeRequest(7, OpECDSASignSHA256, keyID, payload)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	h, items, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if h.ID != 7 {
		t.Fatalf("decoded id = %d, want 7", h.ID)
	}
	op, ok := items.Opcode()
	if !ok || op != OpECDSASignSHA256 {
		t.Fatalf("decoded opcode = %v, %v", op, ok)
	}
	gotKeyID, ok := items.KeyID()
	if !ok || !bytes.Equal(gotKeyID, keyID) {
		t.Fatalf("decoded key id mismatch")
	}
	gotPayload, ok := items.Payload()
	if !ok || !bytes.Equal(gotPayload, payload) {
		t.Fatalf("decoded payload mismatch")
	}
}

func TestEncodeErrorFrame(t *testing.T) {
	frame, err := EncodeError(99, ErrKeyNotFound)
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}
	h, items, err := DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if h.ID != 99 {
		t.Fatalf("id = %d, want 99", h.ID)
	}
	op, _ := items.Opcode()
	if op != OpError {
		t.Fatalf("opcode = %v, want OpError", op)
	}
	code, ok := items.Error()
	if !ok || code != ErrKeyNotFound {
		t.Fatalf("error code = %v, %v, want ErrKeyNotFound, true", code, ok)
	}
}

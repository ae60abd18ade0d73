package keyless

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed length, in bytes, of a frame header.
const HeaderSize = 8

// ProtocolVersionMajor is the single major version this server implements.
// Requests carrying a different major version receive ERROR(VERSION_MISMATCH).
const ProtocolVersionMajor = 1

// ProtocolVersionMinor is advertised on responses this server produces.
const ProtocolVersionMinor = 0

// maxItemLen is the largest length a TLV item may declare (16-bit field).
const maxItemLen = 0xffff

// RequestID is the opaque correlation id chosen by the client and echoed on
// every response derived from its request.
type RequestID uint32

// Header is the fixed 8-byte preamble of every frame.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	Length       uint16 // payload byte count
	ID           RequestID
}

// DecodeHeader parses the first HeaderSize bytes of buf into a Header. It
// fails with ErrFormat if buf is shorter than HeaderSize. The version is not
// validated here; spec.md assigns that check to the connection state
// machine, which needs the request id (already decoded at this point) to
// build a VERSION_MISMATCH response.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, NewWireError(ErrFormat, "short header: %d bytes", len(buf))
	}
	return Header{
		VersionMajor: buf[0],
		VersionMinor: buf[1],
		Length:       binary.BigEndian.Uint16(buf[2:4]),
		ID:           RequestID(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}

// EncodeHeader writes h into an 8-byte buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.VersionMajor
	buf[1] = h.VersionMinor
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.ID))
	return buf
}

// Items holds the decoded TLV items of a frame's payload, keyed by tag. Per
// spec.md §9, a duplicate tag is resolved last-occurrence-wins: DecodeItems
// walks the payload in order and simply overwrites any earlier value.
type Items map[ItemTag][]byte

// Opcode returns the decoded OPCODE item, if present.
func (it Items) Opcode() (Opcode, bool) {
	b, ok := it[TagOpcode]
	if !ok || len(b) != 1 {
		return 0, false
	}
	return Opcode(b[0]), true
}

// Payload returns the decoded PAYLOAD item, if present.
func (it Items) Payload() ([]byte, bool) {
	b, ok := it[TagPayload]
	return b, ok
}

// KeyID returns the decoded KEY_ID item, if present.
func (it Items) KeyID() ([]byte, bool) {
	b, ok := it[TagKeyID]
	return b, ok
}

// Error returns the decoded ERROR item's code, if present.
func (it Items) Error() (ErrorCode, bool) {
	b, ok := it[TagError]
	if !ok || len(b) != 1 {
		return 0, false
	}
	return ErrorCode(b[0]), true
}

// DecodeItems parses a payload into its TLV items. Each item's declared
// length must not exceed the remaining bytes, and there must be no trailing
// partial item; either violation is ErrFormat.
func DecodeItems(payload []byte) (Items, error) {
	items := make(Items)
	pos := 0
	for pos < len(payload) {
		if len(payload)-pos < 3 {
			return nil, NewWireError(ErrFormat, "truncated item header at offset %d", pos)
		}
		tag := ItemTag(payload[pos])
		length := binary.BigEndian.Uint16(payload[pos+1 : pos+3])
		pos += 3
		if int(length) > len(payload)-pos {
			return nil, NewWireError(ErrFormat, "item tag %#02x declares %d bytes, only %d remain", tag, length, len(payload)-pos)
		}
		items[tag] = payload[pos : pos+int(length)]
		pos += int(length)
	}
	return items, nil
}

// encodeItem appends a single encoded TLV item to buf.
func encodeItem(buf []byte, tag ItemTag, data []byte) ([]byte, error) {
	if len(data) > maxItemLen {
		return nil, fmt.Errorf("keyless: item %#02x too large (%d bytes)", tag, len(data))
	}
	buf = append(buf, byte(tag))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, data...)
	return buf, nil
}

// EncodeRequest builds a request frame carrying an OPCODE item and,
// optionally, PAYLOAD and KEY_ID items. It is the client-side counterpart to
// EncodeResponse/EncodeError.
func EncodeRequest(id RequestID, op Opcode, keyID, payload []byte) ([]byte, error) {
	var body []byte
	var err error
	body, err = encodeItem(body, TagOpcode, []byte{byte(op)})
	if err != nil {
		return nil, err
	}
	if keyID != nil {
		if body, err = encodeItem(body, TagKeyID, keyID); err != nil {
			return nil, err
		}
	}
	if payload != nil {
		if body, err = encodeItem(body, TagPayload, payload); err != nil {
			return nil, err
		}
	}
	return assembleFrame(id, body)
}

// EncodeResponse builds a successful response frame: an OPCODE item (the
// opcode describing the kind of result — typically RESPONSE or PONG) plus a
// PAYLOAD item carrying the result bytes.
func EncodeResponse(id RequestID, op Opcode, payload []byte) ([]byte, error) {
	var body []byte
	var err error
	if body, err = encodeItem(body, TagOpcode, []byte{byte(op)}); err != nil {
		return nil, err
	}
	if body, err = encodeItem(body, TagPayload, payload); err != nil {
		return nil, err
	}
	return assembleFrame(id, body)
}

// EncodeError builds an ERROR response frame carrying the 1-byte error code.
func EncodeError(id RequestID, code ErrorCode) ([]byte, error) {
	var body []byte
	var err error
	if body, err = encodeItem(body, TagOpcode, []byte{byte(OpError)}); err != nil {
		return nil, err
	}
	if body, err = encodeItem(body, TagError, []byte{byte(code)}); err != nil {
		return nil, err
	}
	return assembleFrame(id, body)
}

func assembleFrame(id RequestID, body []byte) ([]byte, error) {
	if len(body) > maxItemLen {
		return nil, fmt.Errorf("keyless: frame payload too large (%d bytes)", len(body))
	}
	h := Header{
		VersionMajor: ProtocolVersionMajor,
		VersionMinor: ProtocolVersionMinor,
		Length:       uint16(len(body)),
		ID:           id,
	}
	return append(EncodeHeader(h), body...), nil
}

// DecodeResponse decodes a full response frame's body into its header and
// items, a thin convenience wrapper used by client code.
func DecodeResponse(frame []byte) (Header, Items, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	if len(frame) < HeaderSize+int(h.Length) {
		return Header{}, nil, NewWireError(ErrFormat, "frame shorter than declared length")
	}
	items, err := DecodeItems(frame[HeaderSize : HeaderSize+int(h.Length)])
	if err != nil {
		return Header{}, nil, err
	}
	return h, items, nil
}

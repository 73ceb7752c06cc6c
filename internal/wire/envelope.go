// Package wire implements the framed message envelope and payload codec
// shared by every request/response and broadcast message on the
// overlay. The codec is a self-describing, length-prefixed binary
// encoding: every integer is big-endian and every byte array is
// length-prefixed with a 32-bit count, so an unknown-but-versioned
// payload round-trips without silent truncation.
//
// The envelope itself is a from/payload/timestamp shape with an added
// signature and a typed MessageType, given an explicit binary codec
// instead of JSON so an unknown-but-versioned payload round-trips
// without silent truncation.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// MessageType enumerates the wire protocol's message kinds.
type MessageType uint16

const (
	MsgPreviewRequest MessageType = iota + 1
	MsgPreviewResponse
	MsgQueryRequest
	MsgQueryResponse
	MsgQueryError
	MsgSearch
	MsgSearchResponse
	MsgVersionRequest
	MsgVersionResponse
	MsgChannelOpen
	MsgChannelAccept
	MsgChannelClose
	MsgChannelCloseAck
	MsgAnnounce
	MsgAnnounceUpdate
	MsgSettleConfirm
)

// ProtocolVersion is the current wire version. Envelopes from a newer
// major version are rejected; this implementation has only ever shipped
// version 1.
const ProtocolVersion uint8 = 1

// ErrTruncated is returned by Decode when the buffer ends before a
// length-prefixed field is fully readable.
var ErrTruncated = errors.New("wire: truncated payload")

// Envelope is the framed header+payload+signature shared by all messages.
type Envelope struct {
	Version     uint8
	Type        MessageType
	Sender      protocolcrypto.PeerID
	Timestamp   protocolcrypto.Timestamp
	Payload     []byte
	Signature   protocolcrypto.Signature
}

// SignedBytes returns the serialized header+payload that the signature
// is computed over (everything except the signature itself).
func (e *Envelope) SignedBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(e.Version)
	putUint16(&buf, uint16(e.Type))
	buf.Write(e.Sender[:])
	putUint64(&buf, uint64(e.Timestamp))
	putBytes(&buf, e.Payload)
	return buf.Bytes()
}

// Encode serializes the full envelope including its signature.
func (e *Envelope) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(e.SignedBytes())
	buf.Write(e.Signature[:])
	return buf.Bytes()
}

// Sign computes and stores the envelope's signature using signFn, which
// should wrap the node identity's Ed25519 private key.
func (e *Envelope) Sign(signFn func([]byte) protocolcrypto.Signature) {
	e.Signature = signFn(e.SignedBytes())
}

// Verify checks the envelope's signature against pub. It does not look
// up keys or apply any bootstrap policy; the ops handlers do not call it.
func (e *Envelope) Verify(pub protocolcrypto.PublicKey) bool {
	return protocolcrypto.Verify(pub, e.SignedBytes(), e.Signature)
}

// DecodeEnvelope parses a framed envelope previously produced by Encode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	r := bytes.NewReader(data)
	var e Envelope

	v, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	e.Version = v
	if e.Version > ProtocolVersion {
		return nil, fmt.Errorf("wire: unsupported protocol version %d", e.Version)
	}

	t, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	e.Type = MessageType(t)

	if _, err := readFull(r, e.Sender[:]); err != nil {
		return nil, err
	}

	ts, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	e.Timestamp = protocolcrypto.Timestamp(ts)

	payload, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	e.Payload = payload

	if _, err := readFull(r, e.Signature[:]); err != nil {
		return nil, err
	}

	return &e, nil
}

// --- low-level codec helpers -------------------------------------------------

func putUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, v []byte) {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(v)))
	buf.Write(lb[:])
	buf.Write(v)
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil || n != len(dst) {
		return n, ErrTruncated
	}
	return n, nil
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

package wire

import (
	"testing"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := protocolcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	payload, err := Marshal(PreviewRequestPayload{Hash: protocolcrypto.ContentHash([]byte("hello"))})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      MsgPreviewRequest,
		Sender:    protocolcrypto.DerivePeerID(pub),
		Timestamp: 1700000000000,
		Payload:   payload,
	}
	env.Sign(func(msg []byte) protocolcrypto.Signature {
		sig, _ := protocolcrypto.Sign(priv, msg)
		return sig
	})

	encoded := env.Encode()
	decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Type != env.Type || decoded.Sender != env.Sender || decoded.Timestamp != env.Timestamp {
		t.Fatalf("decoded envelope fields mismatch: %+v vs %+v", decoded, env)
	}
	if !decoded.Verify(pub) {
		t.Fatalf("decoded envelope failed signature verification")
	}

	var req PreviewRequestPayload
	if err := Unmarshal(decoded.Payload, &req); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	if _, err := DecodeEnvelope([]byte{1, 0}); err == nil {
		t.Fatalf("expected error decoding truncated envelope")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, _ := protocolcrypto.GenerateKeyPair()
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      MsgPreviewRequest,
		Sender:    protocolcrypto.DerivePeerID(pub),
		Timestamp: 1,
		Payload:   []byte("payload-a"),
	}
	env.Sign(func(msg []byte) protocolcrypto.Signature {
		sig, _ := protocolcrypto.Sign(priv, msg)
		return sig
	})
	env.Payload = []byte("payload-b")
	if env.Verify(pub) {
		t.Fatalf("expected verification failure after payload tamper")
	}
}

package protocolcrypto

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	msg := []byte("pay 100 to owner")
	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(pub, msg, sig) {
		t.Fatalf("verify: signature did not validate against matching key")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, _ := GenerateKeyPair()
	otherPub, _, _ := GenerateKeyPair()
	msg := []byte("hello")
	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if Verify(otherPub, msg, sig) {
		t.Fatalf("verify: signature validated against the wrong key")
	}
}

func TestContentHashRoundTrip(t *testing.T) {
	data := []byte("hello world")
	h := ContentHash(data)
	if !VerifyContentHash(data, h) {
		t.Fatalf("verify content hash: want true for matching bytes")
	}
	if VerifyContentHash(append(append([]byte{}, data...), 'x'), h) {
		t.Fatalf("verify content hash: want false for mutated bytes")
	}
}

func TestDerivePeerIDDeterministic(t *testing.T) {
	pub, _, _ := GenerateKeyPair()
	a := DerivePeerID(pub)
	b := DerivePeerID(pub)
	if a != b {
		t.Fatalf("derive peer id: expected deterministic output")
	}
	if a.IsZero() {
		t.Fatalf("derive peer id: unexpected zero id")
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	h := ContentHash([]byte("round trip me"))
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("parse hash: %v", err)
	}
	if parsed != h {
		t.Fatalf("parse hash: got %s want %s", parsed, h)
	}
	if _, err := ParseHash("deadbeef"); err == nil {
		t.Fatalf("parse hash: expected error for short input")
	}
}

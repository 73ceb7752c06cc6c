package ratelimit

import (
	"testing"
	"time"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

func TestPerPeerAllowsUpToBurst(t *testing.T) {
	rl := New(3, time.Second)
	peer := protocolcrypto.PeerID{1}

	for i := 0; i < 3; i++ {
		if !rl.Allow(peer) {
			t.Fatalf("expected message %d to be allowed", i)
		}
	}
	if rl.Allow(peer) {
		t.Fatalf("expected burst to be exhausted")
	}
}

func TestPerPeerIsolatesPeers(t *testing.T) {
	rl := New(1, time.Second)
	a := protocolcrypto.PeerID{1}
	b := protocolcrypto.PeerID{2}

	if !rl.Allow(a) {
		t.Fatalf("expected a's first message to be allowed")
	}
	if rl.Allow(a) {
		t.Fatalf("expected a's second message to be throttled")
	}
	if !rl.Allow(b) {
		t.Fatalf("expected b's first message to be allowed independent of a")
	}
}

func TestPerPeerRefillsOverTime(t *testing.T) {
	rl := New(1, 20*time.Millisecond)
	peer := protocolcrypto.PeerID{7}

	if !rl.Allow(peer) {
		t.Fatalf("expected first message to be allowed")
	}
	time.Sleep(40 * time.Millisecond)
	if !rl.Allow(peer) {
		t.Fatalf("expected bucket to refill after window elapses")
	}
}

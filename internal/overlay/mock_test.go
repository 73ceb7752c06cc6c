package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/wire"
)

func TestMockSendReceivesReply(t *testing.T) {
	net := NewNetwork()
	a := NewMock(net, "peer-a")
	b := NewMock(net, "peer-b")
	defer a.Close()
	defer b.Close()

	if _, err := a.Dial(context.Background(), "peer-b"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	go func() {
		delivery := <-b.Inbox()
		resp := &wire.Envelope{Type: wire.MsgPreviewResponse, Sender: protocolcrypto.PeerID{9}}
		if err := delivery.Reply(resp); err != nil {
			t.Errorf("Reply: %v", err)
		}
	}()

	req := &wire.Envelope{Type: wire.MsgPreviewRequest, Sender: protocolcrypto.PeerID{1}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.Send(ctx, "peer-b", req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Type != wire.MsgPreviewResponse {
		t.Fatalf("unexpected response type: %v", resp.Type)
	}
}

func TestMockSendUnknownPeer(t *testing.T) {
	net := NewNetwork()
	a := NewMock(net, "peer-a")
	defer a.Close()

	_, err := a.Send(context.Background(), "ghost", &wire.Envelope{})
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestMockBroadcastFansOut(t *testing.T) {
	net := NewNetwork()
	a := NewMock(net, "peer-a")
	b := NewMock(net, "peer-b")
	c := NewMock(net, "peer-c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	env := &wire.Envelope{Type: wire.MsgAnnounce}
	if err := a.Broadcast(context.Background(), "announce", env); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case d := <-b.Inbox():
		if d.Envelope.Type != wire.MsgAnnounce {
			t.Fatalf("unexpected envelope on b: %v", d.Envelope.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast on b")
	}
	select {
	case d := <-c.Inbox():
		if d.Envelope.Type != wire.MsgAnnounce {
			t.Fatalf("unexpected envelope on c: %v", d.Envelope.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast on c")
	}
}

package ops

import (
	"sync"
	"sync/atomic"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// peerMapState is an immutable snapshot swapped atomically on write, so
// reads never take a lock: writes go through a short lock, copy on
// write.
type peerMapState struct {
	overlayToNodalync map[string]protocolcrypto.PeerID
	nodalyncToOverlay map[protocolcrypto.PeerID]string
	keys              map[protocolcrypto.PeerID]protocolcrypto.PublicKey
}

// PeerMap bridges a node's overlay-transport identity (a libp2p peer id
// string) to its protocol-level PeerID (a keyed hash of its Ed25519
// public key) in both directions.
type PeerMap struct {
	writeMu sync.Mutex // serializes writers; copy-on-write under this lock
	state   atomic.Pointer[peerMapState]
}

// NewPeerMap returns an empty mapper.
func NewPeerMap() *PeerMap {
	pm := &PeerMap{}
	pm.state.Store(&peerMapState{
		overlayToNodalync: map[string]protocolcrypto.PeerID{},
		nodalyncToOverlay: map[protocolcrypto.PeerID]string{},
		keys:              map[protocolcrypto.PeerID]protocolcrypto.PublicKey{},
	})
	return pm
}

// Register associates an overlay peer id with its protocol peer id,
// derived here from the given public key, and remembers the key for
// later signature verification. It returns the derived protocol PeerID.
func (pm *PeerMap) Register(overlayID string, pub protocolcrypto.PublicKey) protocolcrypto.PeerID {
	nodalyncID := protocolcrypto.DerivePeerID(pub)

	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()
	old := pm.state.Load()
	next := &peerMapState{
		overlayToNodalync: copyOverlayMap(old.overlayToNodalync),
		nodalyncToOverlay: copyNodalyncMap(old.nodalyncToOverlay),
		keys:              copyKeyMap(old.keys),
	}
	next.overlayToNodalync[overlayID] = nodalyncID
	next.nodalyncToOverlay[nodalyncID] = overlayID
	next.keys[nodalyncID] = pub
	pm.state.Store(next)
	return nodalyncID
}

// Bind records an overlay id ↔ protocol id mapping learned from a signed
// envelope's Sender field, without yet knowing the peer's public key
// (e.g. a consumer that has only ever received signed responses from a
// producer, never a handshake bundling their key). Key remains unknown
// until a later Register call supplies it.
func (pm *PeerMap) Bind(overlayID string, id protocolcrypto.PeerID) {
	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()
	old := pm.state.Load()
	if old.overlayToNodalync[overlayID] == id {
		return
	}
	next := &peerMapState{
		overlayToNodalync: copyOverlayMap(old.overlayToNodalync),
		nodalyncToOverlay: copyNodalyncMap(old.nodalyncToOverlay),
		keys:              copyKeyMap(old.keys),
	}
	next.overlayToNodalync[overlayID] = id
	next.nodalyncToOverlay[id] = overlayID
	pm.state.Store(next)
}

// LibP2PPeerID resolves a protocol PeerID to its overlay-transport id.
func (pm *PeerMap) LibP2PPeerID(id protocolcrypto.PeerID) (string, bool) {
	s := pm.state.Load()
	v, ok := s.nodalyncToOverlay[id]
	return v, ok
}

// NodalyncPeerID resolves an overlay-transport id to its protocol
// PeerID.
func (pm *PeerMap) NodalyncPeerID(overlayID string) (protocolcrypto.PeerID, bool) {
	s := pm.state.Load()
	v, ok := s.overlayToNodalync[overlayID]
	return v, ok
}

// Key resolves a protocol PeerID to its known Ed25519 public key. This
// satisfies channel.PeerKeyResolver.
func (pm *PeerMap) Key(id protocolcrypto.PeerID) (protocolcrypto.PublicKey, bool, error) {
	s := pm.state.Load()
	v, ok := s.keys[id]
	return v, ok, nil
}

func copyOverlayMap(m map[string]protocolcrypto.PeerID) map[string]protocolcrypto.PeerID {
	out := make(map[string]protocolcrypto.PeerID, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyNodalyncMap(m map[protocolcrypto.PeerID]string) map[protocolcrypto.PeerID]string {
	out := make(map[protocolcrypto.PeerID]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyKeyMap(m map[protocolcrypto.PeerID]protocolcrypto.PublicKey) map[protocolcrypto.PeerID]protocolcrypto.PublicKey {
	out := make(map[protocolcrypto.PeerID]protocolcrypto.PublicKey, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

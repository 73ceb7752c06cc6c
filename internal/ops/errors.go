package ops

import (
	"fmt"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// ErrChannelRequired is returned by a paid query/retrieval attempt with
// no open channel to the content's owner. It carries both peer-id forms
// (overlay transport id and protocol peer id) so a consumer can dial and
// open a channel before retrying once.
type ErrChannelRequired struct {
	OverlayPeer  string
	NodalyncPeer protocolcrypto.PeerID
}

func (e *ErrChannelRequired) Error() string {
	return fmt.Sprintf("ops: channel required with peer %s (overlay %s)", e.NodalyncPeer, e.OverlayPeer)
}

package ops

import (
	"context"
	"errors"
	"time"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/store"
	"github.com/nodalync/nodalync/internal/wire"
)

// Retrieve drives the consumer side of a query end-to-end: preview the
// hash at providerOverlayID to learn its price and provenance, open a
// channel if none exists and the content is priced, build and send a
// signed payment, and verify the delivered content hashes to what was
// requested before committing the payer-side debit. A ChannelRequired
// reply from the provider is retried exactly once, opening a channel
// with the peer-id hints the reply carries before replaying the query.
func (h *Handlers) Retrieve(ctx context.Context, hash protocolcrypto.Hash, providerOverlayID string) (*QueryResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	preview, providerID, err := h.requestPreview(ctx, hash, providerOverlayID)
	if err != nil {
		return nil, err
	}
	h.peers.Bind(providerOverlayID, providerID)

	qr, payment, err := h.attemptQuery(ctx, hash, providerOverlayID, providerID, preview)
	var chReq *ErrChannelRequired
	if errors.As(err, &chReq) {
		if _, oerr := h.openChannelWith(ctx, chReq.OverlayPeer, chReq.NodalyncPeer, preview.Price); oerr != nil {
			return nil, oerr
		}
		qr, payment, err = h.attemptQuery(ctx, hash, providerOverlayID, providerID, preview)
	}
	if err != nil {
		return nil, err
	}

	if !protocolcrypto.VerifyContentHash(qr.Content, hash) {
		return nil, nlerr.New(nlerr.CodeContentHashMismatch, "delivered content does not hash to %s", hash)
	}

	if payment != nil {
		if err := h.chans.CommitPayment(*payment); err != nil {
			return nil, err
		}
	}

	if _, err := h.store.PutBlob(qr.Content); err != nil {
		h.log.WithError(err).Warn("ops: cache retrieved blob failed")
	}

	manifest := store.Manifest{
		Hash: hash, Owner: providerID, Kind: store.Kind(preview.Kind),
		Metadata:  store.Metadata{Title: preview.Title},
		Economics: store.Economics{Price: preview.Price},
	}
	receipt := Receipt{
		PaymentID: qr.ReceiptID, Amount: qr.Amount, Timestamp: qr.Timestamp,
		ChannelNonce: qr.ChannelNonce, Distributor: providerID, Signature: qr.DistributorSignature,
	}
	return &QueryResult{Content: qr.Content, Manifest: manifest, Receipt: receipt}, nil
}

// attemptQuery opens a channel and builds a payment if the content is
// priced and no channel to providerID exists yet, then sends one query
// request and decodes its response. A ChannelRequired error from the
// provider is returned as *ErrChannelRequired for the caller to act on.
func (h *Handlers) attemptQuery(ctx context.Context, hash protocolcrypto.Hash, providerOverlayID string, providerID protocolcrypto.PeerID, preview *wire.PreviewResponsePayload) (*wire.QueryResponsePayload, *store.Payment, error) {
	var payment *store.Payment
	var paymentNonce uint64
	if preview.Price > 0 {
		c, err := h.store.GetChannelByPeer(providerID)
		if err != nil {
			if !nlerr.Is(err, nlerr.CodeChannelNotFound) {
				return nil, nil, err
			}
			c, err = h.openChannelWith(ctx, providerOverlayID, providerID, preview.Price)
			if err != nil {
				return nil, nil, err
			}
		}

		edges := make([]store.ProvenanceEdge, 0, len(preview.Provenance))
		for _, e := range preview.Provenance {
			edges = append(edges, store.ProvenanceEdge{SourceHash: e.SourceHash, Contributor: e.Contributor, Visibility: store.Visibility(e.Visibility)})
		}
		p, err := h.chans.Pay(c.ChannelID, providerID, preview.Price, hash, edges)
		if err != nil {
			return nil, nil, err
		}
		payment = p
		paymentNonce = p.Nonce
	}

	queryPayload := wire.QueryRequestPayload{Hash: hash, PaymentNonce: paymentNonce}
	if payment != nil {
		queryPayload.Payment = paymentToWire(payment)
	}
	qEnv := h.signedEnvelope(wire.MsgQueryRequest, queryPayload)

	qResp, err := h.overlay.Send(ctx, providerOverlayID, qEnv)
	if err != nil {
		return nil, payment, nlerr.New(nlerr.CodeDialError, "query request to %s: %v", providerOverlayID, err)
	}
	if qResp.Type == wire.MsgQueryError {
		return nil, payment, decodeWireError(qResp)
	}
	if qResp.Type != wire.MsgQueryResponse {
		return nil, payment, nlerr.New(nlerr.CodeNetworkGeneric, "unexpected query response type %d", qResp.Type)
	}
	var qr wire.QueryResponsePayload
	if err := wire.Unmarshal(qResp.Payload, &qr); err != nil {
		return nil, payment, nlerr.New(nlerr.CodeEncodingError, "decode query response: %v", err)
	}
	return &qr, payment, nil
}

func (h *Handlers) requestPreview(ctx context.Context, hash protocolcrypto.Hash, providerOverlayID string) (*wire.PreviewResponsePayload, protocolcrypto.PeerID, error) {
	env := h.signedEnvelope(wire.MsgPreviewRequest, wire.PreviewRequestPayload{Hash: hash})
	resp, err := h.overlay.Send(ctx, providerOverlayID, env)
	if err != nil {
		return nil, protocolcrypto.PeerID{}, nlerr.New(nlerr.CodeDialError, "preview request to %s: %v", providerOverlayID, err)
	}
	if resp.Type == wire.MsgQueryError {
		return nil, protocolcrypto.PeerID{}, decodeWireError(resp)
	}
	if resp.Type != wire.MsgPreviewResponse {
		return nil, protocolcrypto.PeerID{}, nlerr.New(nlerr.CodeNetworkGeneric, "unexpected preview response type %d", resp.Type)
	}
	var preview wire.PreviewResponsePayload
	if err := wire.Unmarshal(resp.Payload, &preview); err != nil {
		return nil, protocolcrypto.PeerID{}, nlerr.New(nlerr.CodeEncodingError, "decode preview response: %v", err)
	}
	return &preview, resp.Sender, nil
}

// openChannelWith performs the initiator side of channel Open against a
// newly-discovered provider, sized at max(price*multiplier, minDeposit).
func (h *Handlers) openChannelWith(ctx context.Context, overlayID string, providerID protocolcrypto.PeerID, price protocolcrypto.Amount) (*store.Channel, error) {
	deposit := protocolcrypto.Amount(h.cfg.MinDeposit)
	if scaled := protocolcrypto.Amount(uint64(price) * h.cfg.ChannelDepositMultiplier); scaled > deposit {
		deposit = scaled
	}

	c, payload, err := h.chans.Open(ctx, providerID, deposit)
	if err != nil {
		return nil, err
	}

	env := h.signedEnvelope(wire.MsgChannelOpen, *payload)
	resp, err := h.overlay.Send(ctx, overlayID, env)
	if err != nil {
		return nil, nlerr.New(nlerr.CodeDialError, "channel open to %s: %v", overlayID, err)
	}
	if resp.Type == wire.MsgQueryError {
		return nil, decodeWireError(resp)
	}
	if resp.Type != wire.MsgChannelAccept {
		return nil, nlerr.New(nlerr.CodeNetworkGeneric, "unexpected channel-open response type %d", resp.Type)
	}
	var accept wire.ChannelAcceptPayload
	if err := wire.Unmarshal(resp.Payload, &accept); err != nil {
		return nil, nlerr.New(nlerr.CodeEncodingError, "decode channel accept: %v", err)
	}
	return h.chans.FinalizeOpen(c.ChannelID, accept.OurDeposit)
}

func (h *Handlers) signedEnvelope(t wire.MessageType, payload interface{}) *wire.Envelope {
	body, _ := wire.Marshal(payload)
	env := &wire.Envelope{
		Type: t, Payload: body, Sender: h.self,
		Timestamp: protocolcrypto.Timestamp(time.Now().UnixMilli()),
	}
	env.Sign(h.signFn)
	return env
}

func decodeWireError(env *wire.Envelope) error {
	var e wire.QueryErrorPayload
	if err := wire.Unmarshal(env.Payload, &e); err != nil {
		return nlerr.New(nlerr.CodeNetworkGeneric, "peer returned an unparseable error")
	}
	if nlerr.Code(e.Code) == nlerr.CodeChannelRequired && e.OverlayPeerHint != "" {
		return &ErrChannelRequired{OverlayPeer: e.OverlayPeerHint, NodalyncPeer: e.NodalyncPeerHint}
	}
	return nlerr.New(nlerr.Code(e.Code), "%s", e.Message)
}

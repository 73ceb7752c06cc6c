package ops

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/settlement"
	"github.com/nodalync/nodalync/internal/store"
	"github.com/nodalync/nodalync/internal/wire"
)

// Receipt is the producer's signed acknowledgment of a delivered, paid
// query.
type Receipt struct {
	PaymentID    protocolcrypto.Hash
	Amount       protocolcrypto.Amount
	Timestamp    protocolcrypto.Timestamp
	ChannelNonce uint64
	Distributor  protocolcrypto.PeerID
	Signature    protocolcrypto.Signature
}

// QueryResult is the delivered content plus its receipt. Receipt is the
// zero value for free (price-0) artifacts, which settle nothing.
type QueryResult struct {
	Content  []byte
	Manifest store.Manifest
	Receipt  Receipt
}

// HandleQuery serves a query for hash from requester, optionally backed
// by payment. The channel credit and nonce advance are applied before
// the settlement attempt even though settlement may then fail: this is
// a deliberate replay-safety rule, not a bug — a consumer who retries
// after a settlement timeout is paying into an already-advanced nonce,
// never double-spending the old one.
func (h *Handlers) HandleQuery(ctx context.Context, hash protocolcrypto.Hash, payment *store.Payment, paymentNonce uint64, requester protocolcrypto.PeerID) (*QueryResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handleQueryLocked(ctx, hash, payment, paymentNonce, requester)
}

func (h *Handlers) handleQueryLocked(ctx context.Context, hash protocolcrypto.Hash, payment *store.Payment, paymentNonce uint64, requester protocolcrypto.PeerID) (*QueryResult, error) {
	m, err := h.store.GetManifest(hash)
	if err != nil {
		return nil, err
	}
	if m.Visibility == store.VisibilityOffline {
		return nil, nlerr.New(nlerr.CodeAccessDenied, "manifest %s is offline", hash)
	}
	if m.Visibility == store.VisibilityPrivate && requester != m.Owner {
		return nil, nlerr.New(nlerr.CodeAccessDenied, "manifest %s is private", hash)
	}

	var paid protocolcrypto.Amount
	if payment != nil {
		paid = payment.Amount
	}
	if paid < m.Economics.Price {
		return nil, nlerr.New(nlerr.CodeInsufficientPayment, "payment %d below price %d", paid, m.Economics.Price)
	}

	var receipt Receipt
	if m.Economics.Price > 0 {
		receipt, err = h.settlePayment(ctx, m, payment, paymentNonce, requester)
		if err != nil {
			return nil, err
		}
	}

	m.Economics.QueryCount++
	m.Economics.CumulativeRevenue += paid
	if err := h.store.UpdateManifest(*m); err != nil {
		return nil, err
	}

	content, err := h.store.GetBlob(hash)
	if err != nil {
		return nil, err
	}

	return &QueryResult{Content: content, Manifest: *m, Receipt: receipt}, nil
}

// settlePayment validates the inbound payment, applies the channel
// credit, and settles the distribution — in that order.
func (h *Handlers) settlePayment(ctx context.Context, m *store.Manifest, payment *store.Payment, paymentNonce uint64, requester protocolcrypto.PeerID) (Receipt, error) {
	if payment == nil {
		return Receipt{}, nlerr.New(nlerr.CodeInsufficientPayment, "manifest %s requires payment", m.Hash)
	}

	overlayHint, _ := h.peers.LibP2PPeerID(requester)
	c, err := h.store.GetChannelByPeer(requester)
	if err != nil {
		if nlerr.Is(err, nlerr.CodeChannelNotFound) {
			return Receipt{}, &ErrChannelRequired{OverlayPeer: overlayHint, NodalyncPeer: requester}
		}
		return Receipt{}, err
	}
	if c.State != store.ChannelOpen {
		return Receipt{}, nlerr.New(nlerr.CodeChannelNotOpen, "channel %s is not open", c.ChannelID)
	}
	if paymentNonce <= c.Nonce {
		return Receipt{}, nlerr.New(nlerr.CodeNonceTooLow, "payment nonce %d does not exceed channel nonce %d", paymentNonce, c.Nonce)
	}
	if payment.Recipient != h.self {
		return Receipt{}, nlerr.New(nlerr.CodeAccessDenied, "payment recipient is not us")
	}
	if !provenanceMatches(payment.Provenance, m.Provenance.RootL0L1) {
		return Receipt{}, nlerr.New(nlerr.CodeProvenanceMismatch, "payment provenance does not match manifest %s", m.Hash)
	}

	if err := h.verifyPaymentSignature(requester, payment); err != nil {
		return Receipt{}, err
	}

	c.OurBalance += payment.Amount
	c.Nonce = paymentNonce
	c.LastUpdate = payment.Timestamp
	if err := h.store.PutPayment(*payment); err != nil {
		return Receipt{}, err
	}
	if err := h.store.UpdateChannel(*c); err != nil {
		return Receipt{}, err
	}

	if err := h.settleBatch(ctx, m, *payment); err != nil {
		return Receipt{}, err
	}

	msg := receiptMessage(payment.PaymentID, payment.Amount, payment.Timestamp, c.Nonce)
	return Receipt{
		PaymentID: payment.PaymentID, Amount: payment.Amount, Timestamp: payment.Timestamp,
		ChannelNonce: c.Nonce, Distributor: h.self, Signature: h.signFn(msg),
	}, nil
}

func (h *Handlers) verifyPaymentSignature(payer protocolcrypto.PeerID, payment *store.Payment) error {
	pub, ok, err := h.peers.Key(payer)
	if err != nil {
		return err
	}
	if !ok {
		if h.cfg.StrictSignatureVerification {
			return nlerr.New(nlerr.CodePeerKeyNotFound, "no known public key for peer %s", payer)
		}
		h.log.WithField("peer", payer).Warn("ops: soft-skipping payment signature, unknown sender key")
		return nil
	}
	provDigest := protocolcrypto.KeyedHash("nodalync/provenance-digest/v1", provenanceDigestParts(payment.Provenance)...)
	msg := paymentMessage(payment.ChannelID, payment.Amount, payment.Recipient, payment.QueryHash, provDigest, payment.Timestamp, payment.Nonce)
	if !protocolcrypto.Verify(pub, msg, payment.Signature) {
		return nlerr.New(nlerr.CodeSignatureInvalid, "payment signature invalid")
	}
	return nil
}

// provenanceDigestParts and paymentMessage mirror the private helpers in
// internal/channel/channel.go exactly: the consumer signs with that
// package's Engine.Pay, so the producer must reconstruct the identical
// byte layout to verify it.
func provenanceDigestParts(edges []store.ProvenanceEdge) [][]byte {
	parts := make([][]byte, 0, len(edges))
	for _, e := range edges {
		h := e.SourceHash
		parts = append(parts, h[:])
	}
	return parts
}

func paymentMessage(channelID protocolcrypto.Hash, amount protocolcrypto.Amount, recipient protocolcrypto.PeerID, queryHash, provDigest protocolcrypto.Hash, ts protocolcrypto.Timestamp, nonce uint64) []byte {
	msg := make([]byte, 0, 32+8+20+32+32+8+8)
	msg = append(msg, channelID[:]...)
	msg = append(msg, be64(uint64(amount))...)
	msg = append(msg, recipient[:]...)
	msg = append(msg, queryHash[:]...)
	msg = append(msg, provDigest[:]...)
	msg = append(msg, be64(uint64(ts))...)
	msg = append(msg, be64(nonce)...)
	return msg
}

func receiptMessage(paymentID protocolcrypto.Hash, amount protocolcrypto.Amount, ts protocolcrypto.Timestamp, nonce uint64) []byte {
	msg := make([]byte, 0, 32+8+8+8)
	msg = append(msg, paymentID[:]...)
	msg = append(msg, be64(uint64(amount))...)
	msg = append(msg, be64(uint64(ts))...)
	msg = append(msg, be64(nonce)...)
	return msg
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func provenanceMatches(a []store.ProvenanceEdge, b []store.ProvenanceEdge) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[protocolcrypto.Hash]bool, len(b))
	for _, e := range b {
		set[e.SourceHash] = true
	}
	for _, e := range a {
		if !set[e.SourceHash] {
			return false
		}
	}
	return true
}

// settleBatch computes the 95/5 distribution for payment and submits it
// as a single settlement batch, retrying transient adapter failures.
func (h *Handlers) settleBatch(ctx context.Context, m *store.Manifest, payment store.Payment) error {
	if h.settle == nil {
		return nlerr.New(nlerr.CodeSettlementRequired, "no settlement adapter configured")
	}

	contributors := make([]protocolcrypto.PeerID, 0, len(m.Provenance.RootL0L1))
	for _, e := range m.Provenance.RootL0L1 {
		contributors = append(contributors, e.Contributor)
	}
	dist := settlement.Distribute(payment.Amount, m.Owner, contributors)

	entries := make([]settlement.BatchEntry, 0, len(dist))
	hashes := make([]protocolcrypto.Hash, 0, len(m.Provenance.RootL0L1))
	for _, e := range m.Provenance.RootL0L1 {
		hashes = append(hashes, e.SourceHash)
	}
	leaves := make([][]byte, 0, len(dist))
	for _, d := range dist {
		account, ok, err := h.settle.GetAccountForPeer(ctx, d.Recipient)
		if err != nil {
			return nlerr.New(nlerr.CodeSettlementFailed, "resolve account for %s: %v", d.Recipient, err)
		}
		if !ok {
			return nlerr.New(nlerr.CodeSettlementFailed, "no settlement account registered for %s", d.Recipient)
		}
		entries = append(entries, settlement.BatchEntry{RecipientAccount: account, Amount: d.Amount, ProvenanceHashes: hashes})
		leaves = append(leaves, append([]byte(account), be64(uint64(d.Amount))...))
	}

	batch := settlement.Batch{
		BatchID:    uuid.NewString(),
		MerkleRoot: protocolcrypto.KeyedHash("nodalync/settlement-batch/v1", leaves...),
		Entries:    entries,
	}

	if err := h.enqueueThenSettle(ctx, payment, batch); err != nil {
		return err
	}
	return nil
}

func (h *Handlers) enqueueThenSettle(ctx context.Context, payment store.Payment, batch settlement.Batch) error {
	entry := store.SettlementQueueEntry{
		PaymentID: payment.PaymentID, Recipient: payment.Recipient, Amount: payment.Amount,
		SourceHash: payment.QueryHash, EnqueuedAt: protocolcrypto.Timestamp(time.Now().UnixMilli()),
	}
	if err := h.store.EnqueueSettlement(entry); err != nil {
		return err
	}

	_, err := h.withRetry(ctx, func(ctx context.Context) (string, error) {
		return h.settle.SettleBatch(ctx, batch)
	})
	if err != nil {
		return nlerr.New(nlerr.CodeSettlementFailed, "settle batch: %v", err)
	}
	return h.store.DequeueSettlement(payment.PaymentID)
}

// withRetry retries a settlement-adapter call classified as transient
// with bounded exponential backoff, mirroring channel.Engine's own
// withRetry.
func (h *Handlers) withRetry(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	attempts := 3
	backoff := 200 * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if h.cfg.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		}
		txID, err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return txID, nil
		}
		lastErr = err
		if !settlement.Transient(err) {
			return "", err
		}
		h.log.WithError(err).WithField("attempt", i+1).Warn("ops: settlement call failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}
	return "", nlerr.New(nlerr.CodeMaxRetriesExceeded, "settlement call failed after %d attempts: %v", attempts, lastErr)
}

func (h *Handlers) dispatchQuery(ctx context.Context, env *wire.Envelope, from string) *wire.Envelope {
	var req wire.QueryRequestPayload
	if err := wire.Unmarshal(env.Payload, &req); err != nil {
		return nil
	}
	requester, _ := h.peers.NodalyncPeerID(from)

	var payment *store.Payment
	if req.Payment != nil {
		payment = paymentFromWire(req.Payment)
	}

	res, err := h.HandleQuery(ctx, req.Hash, payment, req.PaymentNonce, requester)
	if err != nil {
		code, msg := classify(err)
		var hint *ErrChannelRequired
		if cr, ok := err.(*ErrChannelRequired); ok {
			hint = cr
		}
		return errorEnvelope(code, msg, hint)
	}

	resp := wire.QueryResponsePayload{
		Hash: req.Hash, Content: res.Content, ReceiptID: res.Receipt.PaymentID,
		Amount: res.Receipt.Amount, ChannelNonce: res.Receipt.ChannelNonce,
		Timestamp: res.Receipt.Timestamp, DistributorSignature: res.Receipt.Signature,
	}
	body, _ := wire.Marshal(resp)
	return &wire.Envelope{Type: wire.MsgQueryResponse, Payload: body}
}

func paymentFromWire(p *wire.PaymentWire) *store.Payment {
	edges := make([]store.ProvenanceEdge, 0, len(p.Provenance))
	for _, e := range p.Provenance {
		edges = append(edges, store.ProvenanceEdge{SourceHash: e.SourceHash, Contributor: e.Contributor, Visibility: store.Visibility(e.Visibility)})
	}
	return &store.Payment{
		PaymentID: p.PaymentID, ChannelID: p.ChannelID, Amount: p.Amount, Recipient: p.Recipient,
		QueryHash: p.QueryHash, Provenance: edges, Timestamp: p.Timestamp, Nonce: p.Nonce, Signature: p.Signature,
	}
}

func paymentToWire(p *store.Payment) *wire.PaymentWire {
	edges := make([]wire.ProvenanceEdgeWire, 0, len(p.Provenance))
	for _, e := range p.Provenance {
		edges = append(edges, wire.ProvenanceEdgeWire{SourceHash: e.SourceHash, Contributor: e.Contributor, Visibility: string(e.Visibility)})
	}
	return &wire.PaymentWire{
		PaymentID: p.PaymentID, ChannelID: p.ChannelID, Amount: p.Amount, Recipient: p.Recipient,
		QueryHash: p.QueryHash, Provenance: edges, Timestamp: p.Timestamp, Nonce: p.Nonce, Signature: p.Signature,
	}
}

func (h *Handlers) dispatchChannelOpen(env *wire.Envelope, from string) *wire.Envelope {
	var req wire.ChannelOpenPayload
	if err := wire.Unmarshal(env.Payload, &req); err != nil {
		return nil
	}
	// Symmetric deposit policy: match the initiator's requested deposit as
	// our own contribution, subject to Accept's own max-accept-deposit cap
	// on their side.
	ourDeposit := req.Deposit
	c, err := h.chans.Accept(req, ourDeposit)
	if err != nil {
		code, msg := classify(err)
		return errorEnvelope(code, msg, nil)
	}
	resp := wire.ChannelAcceptPayload{ChannelID: c.ChannelID, TheirDeposit: c.TheirBalance, OurDeposit: c.OurBalance}
	body, _ := wire.Marshal(resp)
	return &wire.Envelope{Type: wire.MsgChannelAccept, Payload: body}
}

func (h *Handlers) dispatchChannelClose(env *wire.Envelope, from string) *wire.Envelope {
	var req wire.ChannelClosePayload
	if err := wire.Unmarshal(env.Payload, &req); err != nil {
		return nil
	}
	initiator, _ := h.peers.NodalyncPeerID(from)
	ack, err := h.chans.AcceptClose(req, initiator)
	if err != nil {
		code, msg := classify(err)
		return errorEnvelope(code, msg, nil)
	}
	body, _ := wire.Marshal(*ack)
	return &wire.Envelope{Type: wire.MsgChannelCloseAck, Payload: body}
}

func (h *Handlers) dispatchChannelCloseAck(ctx context.Context, env *wire.Envelope, from string) {
	var ack wire.ChannelCloseAckPayload
	if err := wire.Unmarshal(env.Payload, &ack); err != nil {
		return
	}
	responder, _ := h.peers.NodalyncPeerID(from)
	if err := h.chans.CompleteClose(ctx, ack, responder); err != nil {
		h.log.WithError(err).Warn("ops: complete close failed")
	}
}

func (h *Handlers) handleAnnounce(env *wire.Envelope) {
	var a wire.AnnouncePayload
	if err := wire.Unmarshal(env.Payload, &a); err != nil {
		return
	}
	ann := store.Announcement{
		Hash: a.Hash, Kind: store.Kind(a.Kind), Title: a.Title, Price: a.Price,
		MentionCount: a.MentionCount, Topics: a.Topics, PreviewMentions: a.PreviewMentions,
		Summary: a.Summary, Publisher: a.Publisher, ListenAddrs: a.ListenAddrs,
		CachedAt: protocolcrypto.Timestamp(time.Now().UnixMilli()),
	}
	if err := h.store.PutAnnouncement(ann); err != nil {
		h.log.WithError(err).Warn("ops: cache announcement failed")
	}
}

// Package channel implements the bilateral off-chain payment-channel
// finite-state machine: Opening, Open, Closing, Disputed and Closed,
// plus the nonce-monotonic payment ledger layered on top of it.
//
// A small engine type guards access to persisted channel state under a
// lock, a cooperative-close tuple carries dual Ed25519 signatures, and
// a dispute/resolve path escapes to an external settlement adapter when
// the counterparty stops cooperating.
package channel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/settlement"
	"github.com/nodalync/nodalync/internal/store"
	"github.com/nodalync/nodalync/internal/wire"
)

// PeerKeyResolver looks up a peer's long-term Ed25519 public key, needed
// to verify signatures on inbound channel and payment messages.
type PeerKeyResolver func(protocolcrypto.PeerID) (protocolcrypto.PublicKey, bool, error)

// Config holds the deposit and auto-deposit policy knobs.
type Config struct {
	MinDeposit             protocolcrypto.Amount
	DepositMultiplier      uint64
	MaxAcceptDeposit       protocolcrypto.Amount
	AutoDepositEnabled     bool
	AutoDepositMinBalance  protocolcrypto.Amount
	AutoDepositAmount      protocolcrypto.Amount
	AutoDepositCooldown    time.Duration
	SettlementTimeout      time.Duration
	MaxSettlementAttempts  int
	SettlementBackoffBase  time.Duration
}

// Engine is the payment-channel FSM bound to one local identity.
type Engine struct {
	store  *store.Store
	settle settlement.Settlement
	cfg    Config
	log    *logrus.Logger

	self   protocolcrypto.PeerID
	signFn func([]byte) protocolcrypto.Signature

	resolveKey PeerKeyResolver

	lastAutoDeposit time.Time
}

// New constructs a channel engine. settle may be nil (no on-chain
// backing, channels are purely off-chain bookkeeping).
func New(st *store.Store, settle settlement.Settlement, cfg Config, self protocolcrypto.PeerID, signFn func([]byte) protocolcrypto.Signature, resolveKey PeerKeyResolver, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{store: st, settle: settle, cfg: cfg, log: log, self: self, signFn: signFn, resolveKey: resolveKey}
}

func randomNonce() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func closeTupleMessage(channelID protocolcrypto.Hash, nonce uint64, initiatorBalance, responderBalance protocolcrypto.Amount) []byte {
	msg := make([]byte, 0, 32+8+8+8)
	msg = append(msg, channelID[:]...)
	msg = append(msg, be64(nonce)...)
	msg = append(msg, be64(uint64(initiatorBalance))...)
	msg = append(msg, be64(uint64(responderBalance))...)
	return msg
}

// Open begins opening a channel to peer with the given deposit. It
// fails if a channel with peer already exists, or if deposit is below
// the configured minimum.
func (e *Engine) Open(ctx context.Context, peer protocolcrypto.PeerID, deposit protocolcrypto.Amount) (*store.Channel, *wire.ChannelOpenPayload, error) {
	if existing, err := e.store.GetChannelByPeer(peer); err != nil {
		if !nlerr.Is(err, nlerr.CodeChannelNotFound) {
			return nil, nil, err
		}
	} else if existing != nil {
		return nil, nil, nlerr.New(nlerr.CodeChannelAlreadyExists, "channel with peer %s already exists", peer)
	}
	if deposit < e.cfg.MinDeposit {
		return nil, nil, nlerr.New(nlerr.CodeDepositBelowMinimum, "deposit %d below minimum %d", deposit, e.cfg.MinDeposit)
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("channel: random nonce: %w", err)
	}
	channelID := protocolcrypto.KeyedHash("nodalync/channel/v1", e.self[:], peer[:], nonce)

	var fundingTxID string
	if e.settle != nil {
		txID, err := e.withRetry(ctx, func(ctx context.Context) (string, error) {
			return e.settle.OpenChannel(ctx, peer, deposit)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("channel: open_channel settlement call: %w", err)
		}
		fundingTxID = txID
	}

	now := protocolcrypto.Timestamp(time.Now().UnixMilli())
	c := store.Channel{
		ChannelID:   channelID,
		PeerID:      peer,
		State:       store.ChannelOpening,
		OurBalance:  deposit,
		Nonce:       0,
		LastUpdate:  now,
		FundingTxID: fundingTxID,
	}
	if err := e.store.PutChannel(c); err != nil {
		return nil, nil, err
	}

	payload := &wire.ChannelOpenPayload{ChannelID: channelID, Deposit: deposit, Initiator: e.self}
	return &c, payload, nil
}

// Accept creates a channel in the Open state in response to a received
// ChannelOpen, capping the initiator's deposit at the max-accept-deposit
// limit and rejecting it if the capped value is below the minimum. It
// does not run the auto-deposit policy (see MaybeAutoDeposit).
func (e *Engine) Accept(payload wire.ChannelOpenPayload, ourDeposit protocolcrypto.Amount) (*store.Channel, error) {
	if existing, err := e.store.GetChannelByPeer(payload.Initiator); err != nil {
		if !nlerr.Is(err, nlerr.CodeChannelNotFound) {
			return nil, err
		}
	} else if existing != nil {
		return nil, nlerr.New(nlerr.CodeChannelAlreadyExists, "channel with peer %s already exists", payload.Initiator)
	}

	theirDeposit := payload.Deposit
	if e.cfg.MaxAcceptDeposit > 0 && theirDeposit > e.cfg.MaxAcceptDeposit {
		theirDeposit = e.cfg.MaxAcceptDeposit
	}
	if theirDeposit < e.cfg.MinDeposit {
		return nil, nlerr.New(nlerr.CodeDepositBelowMinimum, "capped deposit %d below minimum %d", theirDeposit, e.cfg.MinDeposit)
	}

	c := store.Channel{
		ChannelID:  payload.ChannelID,
		PeerID:     payload.Initiator,
		State:      store.ChannelOpen,
		OurBalance: ourDeposit,
		TheirBalance: theirDeposit,
		Nonce:      0,
		LastUpdate: protocolcrypto.Timestamp(time.Now().UnixMilli()),
	}
	if err := e.store.PutChannel(c); err != nil {
		return nil, err
	}
	return &c, nil
}

// FinalizeOpen completes the initiator side of Open once the
// counterparty's ChannelAccept arrives: records their deposit and
// transitions Opening → Open.
func (e *Engine) FinalizeOpen(channelID protocolcrypto.Hash, theirDeposit protocolcrypto.Amount) (*store.Channel, error) {
	c, err := e.store.GetChannel(channelID)
	if err != nil {
		return nil, err
	}
	if c.State != store.ChannelOpening {
		return nil, nlerr.New(nlerr.CodeChannelNotOpen, "channel %s is not opening", channelID)
	}
	c.TheirBalance = theirDeposit
	c.State = store.ChannelOpen
	c.LastUpdate = protocolcrypto.Timestamp(time.Now().UnixMilli())
	if err := e.store.UpdateChannel(*c); err != nil {
		return nil, err
	}
	return c, nil
}

// MaybeAutoDeposit applies the auto-deposit policy: if enabled and the
// settlement balance is below the configured minimum,
// and the cooldown since the last auto-deposit has elapsed, deposits
// exactly AutoDepositAmount and resets the cooldown clock.
func (e *Engine) MaybeAutoDeposit(ctx context.Context) error {
	if !e.cfg.AutoDepositEnabled || e.settle == nil {
		return nil
	}
	if !e.lastAutoDeposit.IsZero() && time.Since(e.lastAutoDeposit) < e.cfg.AutoDepositCooldown {
		return nil
	}
	bal, err := e.settle.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("channel: get_balance for auto-deposit: %w", err)
	}
	if bal >= e.cfg.AutoDepositMinBalance {
		return nil
	}
	if _, err := e.withRetry(ctx, func(ctx context.Context) (string, error) {
		return e.settle.Deposit(ctx, e.cfg.AutoDepositAmount)
	}); err != nil {
		return fmt.Errorf("channel: auto-deposit: %w", err)
	}
	e.lastAutoDeposit = time.Now()
	return nil
}

// Pay builds and signs a payment on the payer side. It does not debit
// the channel or persist the payment: the authoritative debit happens
// via CommitPayment once the producer acknowledges delivery.
func (e *Engine) Pay(channelID protocolcrypto.Hash, recipient protocolcrypto.PeerID, amount protocolcrypto.Amount, queryHash protocolcrypto.Hash, provenance []store.ProvenanceEdge) (*store.Payment, error) {
	c, err := e.store.GetChannel(channelID)
	if err != nil {
		return nil, err
	}
	if c.State != store.ChannelOpen {
		return nil, nlerr.New(nlerr.CodeChannelNotOpen, "channel %s is not open", channelID)
	}
	if amount > c.OurBalance {
		return nil, nlerr.New(nlerr.CodeInsufficientBalance, "amount %d exceeds balance %d", amount, c.OurBalance)
	}

	nextNonce := c.Nonce + 1
	now := protocolcrypto.Timestamp(time.Now().UnixMilli())
	provDigest := provenanceDigest(provenance)

	msg := paymentMessage(channelID, amount, recipient, queryHash, provDigest, now, nextNonce)
	sig := e.signFn(msg)

	paymentID := protocolcrypto.KeyedHash("nodalync/payment/v1", queryHash[:], be64(uint64(now)), be64(nextNonce))

	return &store.Payment{
		PaymentID:  paymentID,
		ChannelID:  channelID,
		Amount:     amount,
		Recipient:  recipient,
		QueryHash:  queryHash,
		Provenance: provenance,
		Timestamp:  now,
		Nonce:      nextNonce,
		Signature:  sig,
	}, nil
}

func provenanceDigest(provenance []store.ProvenanceEdge) protocolcrypto.Hash {
	parts := make([][]byte, 0, len(provenance))
	for _, e := range provenance {
		h := e.SourceHash
		parts = append(parts, h[:])
	}
	return protocolcrypto.KeyedHash("nodalync/provenance-digest/v1", parts...)
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

// CommitPayment performs the authoritative payer-side debit once
// delivery has been confirmed: decrements our balance, advances the
// channel nonce, and persists the payment.
func (e *Engine) CommitPayment(p store.Payment) error {
	c, err := e.store.GetChannel(p.ChannelID)
	if err != nil {
		return err
	}
	if c.State != store.ChannelOpen {
		return nlerr.New(nlerr.CodeChannelNotOpen, "channel %s is not open", p.ChannelID)
	}
	if p.Nonce != c.Nonce+1 {
		return nlerr.New(nlerr.CodeNonceTooLow, "payment nonce %d does not follow channel nonce %d", p.Nonce, c.Nonce)
	}
	if p.Amount > c.OurBalance {
		return nlerr.New(nlerr.CodeInsufficientBalance, "amount %d exceeds balance %d", p.Amount, c.OurBalance)
	}

	c.OurBalance -= p.Amount
	c.TheirBalance += p.Amount
	c.Nonce = p.Nonce
	c.LastUpdate = p.Timestamp

	if err := e.store.PutPayment(p); err != nil {
		return err
	}
	return e.store.UpdateChannel(*c)
}

// Receive verifies and applies an inbound payment on the payee side: the
// signature must verify against the payer's known public key, the nonce
// must strictly advance, and we must be the named recipient.
func (e *Engine) Receive(p store.Payment, payer protocolcrypto.PeerID) error {
	if p.Recipient != e.self {
		return nlerr.New(nlerr.CodeAccessDenied, "payment recipient is not us")
	}
	pub, ok, err := e.resolveKey(payer)
	if err != nil {
		return err
	}
	if !ok {
		return nlerr.New(nlerr.CodePeerKeyNotFound, "no known public key for peer %s", payer)
	}

	c, err := e.store.GetChannel(p.ChannelID)
	if err != nil {
		return err
	}
	if c.State != store.ChannelOpen {
		return nlerr.New(nlerr.CodeChannelNotOpen, "channel %s is not open", p.ChannelID)
	}
	if p.Nonce <= c.Nonce {
		return nlerr.New(nlerr.CodeNonceTooLow, "payment nonce %d does not exceed channel nonce %d", p.Nonce, c.Nonce)
	}

	provDigest := provenanceDigest(p.Provenance)
	msg := paymentMessage(p.ChannelID, p.Amount, p.Recipient, p.QueryHash, provDigest, p.Timestamp, p.Nonce)
	if !protocolcrypto.Verify(pub, msg, p.Signature) {
		return nlerr.New(nlerr.CodeSignatureInvalid, "payment signature invalid")
	}

	c.OurBalance += p.Amount
	c.Nonce = p.Nonce
	c.LastUpdate = p.Timestamp

	if err := e.store.PutPayment(p); err != nil {
		return err
	}
	return e.store.UpdateChannel(*c)
}

// InitiateClose starts a cooperative close from the local side: it
// signs the close tuple over our view of the final balances and
// transitions Open → Closing.
func (e *Engine) InitiateClose(channelID protocolcrypto.Hash) (*wire.ChannelClosePayload, error) {
	c, err := e.store.GetChannel(channelID)
	if err != nil {
		return nil, err
	}
	if c.State != store.ChannelOpen {
		return nil, nlerr.New(nlerr.CodeChannelNotOpen, "channel %s is not open", channelID)
	}

	msg := closeTupleMessage(channelID, c.Nonce, c.OurBalance, c.TheirBalance)
	sig := e.signFn(msg)

	c.State = store.ChannelClosing
	c.PendingClose = &store.PendingClose{
		Nonce:            c.Nonce,
		InitiatorBalance: c.OurBalance,
		ResponderBalance: c.TheirBalance,
		InitiatorSig:     sig,
	}
	if err := e.store.UpdateChannel(*c); err != nil {
		return nil, err
	}

	return &wire.ChannelClosePayload{
		ChannelID:        channelID,
		Nonce:            c.Nonce,
		InitiatorBalance: c.OurBalance,
		ResponderBalance: c.TheirBalance,
		Signature:        sig,
	}, nil
}

// AcceptClose handles an inbound ChannelClose on the responder side,
// applying the tie-break rule: a higher remote nonce than ours is
// accepted (the initiator has a payment we never stored); a lower one
// is rejected.
func (e *Engine) AcceptClose(payload wire.ChannelClosePayload, initiator protocolcrypto.PeerID) (*wire.ChannelCloseAckPayload, error) {
	c, err := e.store.GetChannel(payload.ChannelID)
	if err != nil {
		return nil, err
	}
	if payload.Nonce < c.Nonce {
		return nil, nlerr.New(nlerr.CodeNonceTooLow, "close nonce %d below channel nonce %d", payload.Nonce, c.Nonce)
	}

	pub, ok, err := e.resolveKey(initiator)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nlerr.New(nlerr.CodePeerKeyNotFound, "no known public key for peer %s", initiator)
	}
	msg := closeTupleMessage(payload.ChannelID, payload.Nonce, payload.InitiatorBalance, payload.ResponderBalance)
	if !protocolcrypto.Verify(pub, msg, payload.Signature) {
		return nil, nlerr.New(nlerr.CodeSignatureInvalid, "close signature invalid")
	}

	ourSig := e.signFn(msg)
	c.State = store.ChannelClosing
	c.Nonce = payload.Nonce
	c.OurBalance = payload.ResponderBalance
	c.TheirBalance = payload.InitiatorBalance
	c.PendingClose = &store.PendingClose{
		Nonce:            payload.Nonce,
		InitiatorBalance: payload.InitiatorBalance,
		ResponderBalance: payload.ResponderBalance,
		InitiatorSig:     payload.Signature,
		ResponderSig:     &ourSig,
	}
	if err := e.store.UpdateChannel(*c); err != nil {
		return nil, err
	}

	return &wire.ChannelCloseAckPayload{ChannelID: payload.ChannelID, Nonce: payload.Nonce, Signature: ourSig}, nil
}

// CompleteClose finalizes a cooperative close on the initiator side once
// the counterparty's ack arrives: it verifies their signature over the
// same tuple, settles on-chain if the channel was funded, and
// transitions Closing → Closed.
func (e *Engine) CompleteClose(ctx context.Context, ack wire.ChannelCloseAckPayload, responder protocolcrypto.PeerID) error {
	c, err := e.store.GetChannel(ack.ChannelID)
	if err != nil {
		return err
	}
	if c.State != store.ChannelClosing || c.PendingClose == nil {
		return nlerr.New(nlerr.CodeChannelNotOpen, "channel %s has no pending close", ack.ChannelID)
	}
	if ack.Nonce != c.PendingClose.Nonce {
		return nlerr.New(nlerr.CodeNonceTooLow, "ack nonce %d does not match pending close nonce %d", ack.Nonce, c.PendingClose.Nonce)
	}

	pub, ok, err := e.resolveKey(responder)
	if err != nil {
		return err
	}
	if !ok {
		return nlerr.New(nlerr.CodePeerKeyNotFound, "no known public key for peer %s", responder)
	}
	msg := closeTupleMessage(ack.ChannelID, ack.Nonce, c.PendingClose.InitiatorBalance, c.PendingClose.ResponderBalance)
	if !protocolcrypto.Verify(pub, msg, ack.Signature) {
		return nlerr.New(nlerr.CodeSignatureInvalid, "close ack signature invalid")
	}

	if e.settle != nil && c.FundingTxID != "" {
		if _, err := e.withRetry(ctx, func(ctx context.Context) (string, error) {
			return e.settle.CloseChannel(ctx, ack.ChannelID, c.PendingClose.InitiatorBalance, c.PendingClose.ResponderBalance, c.PendingClose.InitiatorSig, ack.Signature)
		}); err != nil {
			return nlerr.New(nlerr.CodeSettlementFailed, "close_channel settlement failed: %v", err)
		}
	}

	c.PendingClose.ResponderSig = &ack.Signature
	c.State = store.ChannelClosed
	return e.store.UpdateChannel(*c)
}

// Dispute submits the last known channel state to the ledger and
// transitions Open/Closing → Disputed.
func (e *Engine) Dispute(ctx context.Context, channelID protocolcrypto.Hash) error {
	c, err := e.store.GetChannel(channelID)
	if err != nil {
		return err
	}
	if c.State != store.ChannelOpen && c.State != store.ChannelClosing {
		return nlerr.New(nlerr.CodeChannelNotOpen, "channel %s cannot be disputed from state %s", channelID, c.State)
	}
	if e.settle == nil {
		return nlerr.New(nlerr.CodeSettlementRequired, "no settlement adapter configured for dispute")
	}

	msg := closeTupleMessage(channelID, c.Nonce, c.OurBalance, c.TheirBalance)
	sig := e.signFn(msg)

	txID, err := e.withRetry(ctx, func(ctx context.Context) (string, error) {
		return e.settle.DisputeChannel(ctx, channelID, c.Nonce, sig)
	})
	if err != nil {
		return nlerr.New(nlerr.CodeSettlementFailed, "dispute_channel failed: %v", err)
	}

	now := protocolcrypto.Timestamp(time.Now().UnixMilli())
	c.State = store.ChannelDisputed
	c.PendingDispute = &store.PendingDispute{Nonce: c.Nonce, SubmittedAt: now, TxID: txID}
	return e.store.UpdateChannel(*c)
}

// Resolve confirms a dispute's on-chain resolution and transitions
// Disputed → Closed.
func (e *Engine) Resolve(ctx context.Context, channelID protocolcrypto.Hash) error {
	c, err := e.store.GetChannel(channelID)
	if err != nil {
		return err
	}
	if c.State != store.ChannelDisputed {
		return nlerr.New(nlerr.CodeChannelNotOpen, "channel %s is not disputed", channelID)
	}
	if e.settle != nil {
		if _, err := e.withRetry(ctx, func(ctx context.Context) (string, error) {
			return e.settle.ResolveDispute(ctx, channelID)
		}); err != nil {
			return nlerr.New(nlerr.CodeSettlementFailed, "resolve_dispute failed: %v", err)
		}
	}
	c.State = store.ChannelClosed
	c.PendingDispute = nil
	return e.store.UpdateChannel(*c)
}

// withRetry calls fn, retrying settlement.Error values classified as
// transient with bounded exponential backoff.
func (e *Engine) withRetry(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	attempts := e.cfg.MaxSettlementAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := e.cfg.SettlementBackoffBase
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.SettlementTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.SettlementTimeout)
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
		e.log.WithError(err).WithField("attempt", i+1).Warn("settlement call failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}
	return "", nlerr.New(nlerr.CodeMaxRetriesExceeded, "settlement call failed after %d attempts: %v", attempts, lastErr)
}

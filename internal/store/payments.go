package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// PutPayment records a settled-or-pending payment against a channel.
// Insert-only: payment ids are derived deterministically from content
// hash, timestamp and nonce, so a duplicate insert indicates a replay
// and is rejected rather than silently overwritten.
func (s *Store) PutPayment(p Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var provRows []provenanceEdgeRow
	for _, e := range p.Provenance {
		provRows = append(provRows, edgeToRow(e))
	}
	provJSON, err := json.Marshal(provRows)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO payments
		(payment_id, channel_id, amount, recipient, query_hash, provenance_json, timestamp, nonce, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PaymentID.String(), p.ChannelID.String(), uint64(p.Amount), p.Recipient.String(),
		p.QueryHash.String(), string(provJSON), int64(p.Timestamp), p.Nonce, hexSignature(p.Signature))
	if err != nil {
		if isUniqueViolation(err) {
			return nlerr.New(nlerr.CodeNonceTooLow, "payment %s already recorded", p.PaymentID)
		}
		return fmt.Errorf("store: put payment: %w", err)
	}
	return nil
}

func hexSignature(sig protocolcrypto.Signature) string {
	return hex.EncodeToString(sig[:])
}

// PaymentsForChannel returns every payment recorded against channelID,
// oldest first.
func (s *Store) PaymentsForChannel(channelID protocolcrypto.Hash) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT payment_id, channel_id, amount, recipient, query_hash, provenance_json,
		timestamp, nonce, signature FROM payments WHERE channel_id=? ORDER BY nonce ASC`, channelID.String())
	if err != nil {
		return nil, fmt.Errorf("store: payments for channel: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		paymentIDStr, channelIDStr, recipientStr, queryHashStr, provJSON, sigStr string
		amount                                                                  uint64
		timestamp                                                               int64
		nonce                                                                   uint64
	)
	if err := row.Scan(&paymentIDStr, &channelIDStr, &amount, &recipientStr, &queryHashStr, &provJSON, &timestamp, &nonce, &sigStr); err != nil {
		return nil, err
	}

	paymentID, err := protocolcrypto.ParseHash(paymentIDStr)
	if err != nil {
		return nil, err
	}
	channelID, err := protocolcrypto.ParseHash(channelIDStr)
	if err != nil {
		return nil, err
	}
	recipient, err := protocolcrypto.ParsePeerID(recipientStr)
	if err != nil {
		return nil, err
	}
	queryHash, err := protocolcrypto.ParseHash(queryHashStr)
	if err != nil {
		return nil, err
	}
	var provRows []provenanceEdgeRow
	if err := json.Unmarshal([]byte(provJSON), &provRows); err != nil {
		return nil, err
	}
	var prov []ProvenanceEdge
	for _, r := range provRows {
		e, err := rowToEdge(r)
		if err != nil {
			return nil, err
		}
		prov = append(prov, e)
	}

	sigBytes, err := hex.DecodeString(sigStr)
	if err != nil {
		return nil, fmt.Errorf("store: bad signature encoding: %w", err)
	}
	var sig protocolcrypto.Signature
	copy(sig[:], sigBytes)

	return &Payment{
		PaymentID:  paymentID,
		ChannelID:  channelID,
		Amount:     protocolcrypto.Amount(amount),
		Recipient:  recipient,
		QueryHash:  queryHash,
		Provenance: prov,
		Timestamp:  protocolcrypto.Timestamp(timestamp),
		Nonce:      nonce,
		Signature:  sig,
	}, nil
}

package store

import (
	"fmt"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// EnqueueSettlement persists a pending settlement so it survives a crash
// between debiting a channel and confirming the off-channel transfer: a
// crash after settlement succeeds but before bookkeeping completes must
// not lose the transfer.
func (s *Store) EnqueueSettlement(e SettlementQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO settlement_queue (payment_id, recipient, amount, source_hash, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.PaymentID.String(), e.Recipient.String(), uint64(e.Amount), e.SourceHash.String(), int64(e.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("store: enqueue settlement: %w", err)
	}
	return nil
}

// DequeueSettlement removes a settled entry from the queue.
func (s *Store) DequeueSettlement(paymentID protocolcrypto.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM settlement_queue WHERE payment_id=?`, paymentID.String())
	if err != nil {
		return fmt.Errorf("store: dequeue settlement: %w", err)
	}
	return nil
}

// ListSettlementQueue returns every pending entry, oldest first, so a
// restarted node can resume delivering stalled settlements in order.
func (s *Store) ListSettlementQueue() ([]SettlementQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT payment_id, recipient, amount, source_hash, enqueued_at
		FROM settlement_queue ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list settlement queue: %w", err)
	}
	defer rows.Close()

	var out []SettlementQueueEntry
	for rows.Next() {
		var paymentIDStr, recipientStr, sourceHashStr string
		var amount uint64
		var enqueuedAt int64
		if err := rows.Scan(&paymentIDStr, &recipientStr, &amount, &sourceHashStr, &enqueuedAt); err != nil {
			return nil, err
		}
		paymentID, err := protocolcrypto.ParseHash(paymentIDStr)
		if err != nil {
			return nil, err
		}
		recipient, err := protocolcrypto.ParsePeerID(recipientStr)
		if err != nil {
			return nil, err
		}
		sourceHash, err := protocolcrypto.ParseHash(sourceHashStr)
		if err != nil {
			return nil, err
		}
		out = append(out, SettlementQueueEntry{
			PaymentID:  paymentID,
			Recipient:  recipient,
			Amount:     protocolcrypto.Amount(amount),
			SourceHash: sourceHash,
			EnqueuedAt: protocolcrypto.Timestamp(enqueuedAt),
		})
	}
	return out, rows.Err()
}

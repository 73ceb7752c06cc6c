package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

type pendingCloseRow struct {
	Nonce             uint64                  `json:"nonce"`
	InitiatorBalance  uint64                  `json:"initiator_balance"`
	ResponderBalance  uint64                  `json:"responder_balance"`
	InitiatorSig      protocolcrypto.Signature `json:"initiator_sig"`
	ResponderSig      *protocolcrypto.Signature `json:"responder_sig,omitempty"`
}

type pendingDisputeRow struct {
	Nonce       uint64                   `json:"nonce"`
	SubmittedAt protocolcrypto.Timestamp `json:"submitted_at"`
	TxID        string                   `json:"tx_id"`
}

// PutChannel inserts a new channel row. Fails if one already exists for
// the given ChannelID or PeerID (a peer may have at most one channel).
func (s *Store) PutChannel(c Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pendingCloseJSON, pendingDisputeJSON, err := encodeChannelPending(c)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO channels
		(channel_id, peer_id, state, our_balance, their_balance, nonce, last_update, funding_tx_id, pending_close_json, pending_dispute_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChannelID.String(), c.PeerID.String(), string(c.State), uint64(c.OurBalance), uint64(c.TheirBalance),
		c.Nonce, int64(c.LastUpdate), c.FundingTxID, pendingCloseJSON, pendingDisputeJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return nlerr.New(nlerr.CodeChannelAlreadyExists, "channel for peer %s already exists", c.PeerID)
		}
		return fmt.Errorf("store: put channel: %w", err)
	}
	return nil
}

func encodeChannelPending(c Channel) (pendingClose, pendingDispute interface{}, err error) {
	if c.PendingClose != nil {
		row := pendingCloseRow{
			Nonce:            c.PendingClose.Nonce,
			InitiatorBalance: uint64(c.PendingClose.InitiatorBalance),
			ResponderBalance: uint64(c.PendingClose.ResponderBalance),
			InitiatorSig:     c.PendingClose.InitiatorSig,
			ResponderSig:     c.PendingClose.ResponderSig,
		}
		b, e := json.Marshal(row)
		if e != nil {
			return nil, nil, e
		}
		pendingClose = string(b)
	}
	if c.PendingDispute != nil {
		row := pendingDisputeRow{Nonce: c.PendingDispute.Nonce, SubmittedAt: c.PendingDispute.SubmittedAt, TxID: c.PendingDispute.TxID}
		b, e := json.Marshal(row)
		if e != nil {
			return nil, nil, e
		}
		pendingDispute = string(b)
	}
	return pendingClose, pendingDispute, nil
}

// UpdateChannel overwrites the mutable fields of an existing channel row
// identified by ChannelID. Fails with ChannelNotFound if absent.
func (s *Store) UpdateChannel(c Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pendingCloseJSON, pendingDisputeJSON, err := encodeChannelPending(c)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE channels SET state=?, our_balance=?, their_balance=?, nonce=?, last_update=?,
		funding_tx_id=?, pending_close_json=?, pending_dispute_json=? WHERE channel_id=?`,
		string(c.State), uint64(c.OurBalance), uint64(c.TheirBalance), c.Nonce, int64(c.LastUpdate),
		c.FundingTxID, pendingCloseJSON, pendingDisputeJSON, c.ChannelID.String())
	if err != nil {
		return fmt.Errorf("store: update channel: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nlerr.New(nlerr.CodeChannelNotFound, "channel %s not found", c.ChannelID)
	}
	return nil
}

// GetChannel returns a channel by id.
func (s *Store) GetChannel(id protocolcrypto.Hash) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT channel_id, peer_id, state, our_balance, their_balance, nonce, last_update,
		funding_tx_id, pending_close_json, pending_dispute_json FROM channels WHERE channel_id=?`, id.String())
	return scanChannel(row)
}

// GetChannelByPeer returns the (at most one) channel open with peer.
func (s *Store) GetChannelByPeer(peer protocolcrypto.PeerID) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT channel_id, peer_id, state, our_balance, their_balance, nonce, last_update,
		funding_tx_id, pending_close_json, pending_dispute_json FROM channels WHERE peer_id=?`, peer.String())
	return scanChannel(row)
}

func scanChannel(row rowScanner) (*Channel, error) {
	var (
		idStr, peerStr, stateStr, fundingTxID string
		ourBalance, theirBalance               uint64
		nonce                                  uint64
		lastUpdate                             int64
		pendingCloseJSON, pendingDisputeJSON   sql.NullString
	)
	if err := row.Scan(&idStr, &peerStr, &stateStr, &ourBalance, &theirBalance, &nonce, &lastUpdate,
		&fundingTxID, &pendingCloseJSON, &pendingDisputeJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nlerr.New(nlerr.CodeChannelNotFound, "channel not found")
		}
		return nil, err
	}

	id, err := protocolcrypto.ParseHash(idStr)
	if err != nil {
		return nil, err
	}
	peer, err := protocolcrypto.ParsePeerID(peerStr)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		ChannelID:   id,
		PeerID:      peer,
		State:       ChannelState(stateStr),
		OurBalance:  protocolcrypto.Amount(ourBalance),
		TheirBalance: protocolcrypto.Amount(theirBalance),
		Nonce:       nonce,
		LastUpdate:  protocolcrypto.Timestamp(lastUpdate),
		FundingTxID: fundingTxID,
	}

	if pendingCloseJSON.Valid && pendingCloseJSON.String != "" {
		var pc pendingCloseRow
		if err := json.Unmarshal([]byte(pendingCloseJSON.String), &pc); err != nil {
			return nil, err
		}
		c.PendingClose = &PendingClose{
			Nonce:            pc.Nonce,
			InitiatorBalance: protocolcrypto.Amount(pc.InitiatorBalance),
			ResponderBalance: protocolcrypto.Amount(pc.ResponderBalance),
			InitiatorSig:     pc.InitiatorSig,
			ResponderSig:     pc.ResponderSig,
		}
	}
	if pendingDisputeJSON.Valid && pendingDisputeJSON.String != "" {
		var pd pendingDisputeRow
		if err := json.Unmarshal([]byte(pendingDisputeJSON.String), &pd); err != nil {
			return nil, err
		}
		c.PendingDispute = &PendingDispute{Nonce: pd.Nonce, SubmittedAt: pd.SubmittedAt, TxID: pd.TxID}
	}

	return c, nil
}

// ListChannels returns every channel, for status/ops listing.
func (s *Store) ListChannels() ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT channel_id, peer_id, state, our_balance, their_balance, nonce, last_update,
		funding_tx_id, pending_close_json, pending_dispute_json FROM channels ORDER BY last_update DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

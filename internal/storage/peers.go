package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// PeerRecord represents a known peer in the database.
type PeerRecord struct {
	PeerID          string    `json:"peer_id"`
	Addresses       []string  `json:"addresses"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	LastConnected   time.Time `json:"last_connected"`
	ConnectionCount int       `json:"connection_count"`
	IsBootstrap     bool      `json:"is_bootstrap"`
}

const peerColumns = "peer_id, addresses, first_seen, last_seen, last_connected, connection_count, is_bootstrap"

// SavePeer saves or updates a peer record.
func (s *SQLStore) SavePeer(peer *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrsJSON, err := json.Marshal(peer.Addresses)
	if err != nil {
		return err
	}

	query := s.rebind(`
		INSERT INTO peers (` + peerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			last_connected = CASE WHEN excluded.last_connected > 0 THEN excluded.last_connected ELSE peers.last_connected END,
			connection_count = peers.connection_count + 1,
			is_bootstrap = CASE WHEN excluded.is_bootstrap = 1 THEN 1 ELSE peers.is_bootstrap END
	`)

	_, err = s.db.Exec(query,
		peer.PeerID,
		string(addrsJSON),
		peer.FirstSeen.Unix(),
		peer.LastSeen.Unix(),
		timeToUnixOrZero(peer.LastConnected),
		peer.ConnectionCount,
		boolToInt(peer.IsBootstrap),
	)
	return err
}

// GetPeer retrieves a peer record by ID. It returns nil when unknown.
func (s *SQLStore) GetPeer(peerID string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(s.rebind("SELECT "+peerColumns+" FROM peers WHERE peer_id = ?"), peerID)
	peer, err := scanPeerRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return peer, err
}

// ListPeers returns peers ordered by last seen (most recent first).
func (s *SQLStore) ListPeers(limit int) ([]*PeerRecord, error) {
	return s.queryPeers("SELECT "+peerColumns+" FROM peers ORDER BY last_seen DESC", limit)
}

// ListRecentPeers returns peers seen within the given duration.
func (s *SQLStore) ListRecentPeers(since time.Duration, limit int) ([]*PeerRecord, error) {
	cutoff := time.Now().Add(-since).Unix()
	return s.queryPeers(
		"SELECT "+peerColumns+" FROM peers WHERE last_seen > ? ORDER BY connection_count DESC, last_seen DESC",
		limit, cutoff,
	)
}

func (s *SQLStore) queryPeers(query string, limit int, args ...interface{}) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		peer, err := scanPeerRecord(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	return peers, rows.Err()
}

// UpdatePeerConnected updates the last_connected time and increments connection count.
func (s *SQLStore) UpdatePeerConnected(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(
		s.rebind("UPDATE peers SET last_connected = ?, last_seen = ?, connection_count = connection_count + 1 WHERE peer_id = ?"),
		now, now, peerID,
	)
	return err
}

// UpdatePeerSeen updates the last_seen time.
func (s *SQLStore) UpdatePeerSeen(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.rebind("UPDATE peers SET last_seen = ? WHERE peer_id = ?"), time.Now().Unix(), peerID)
	return err
}

// DeletePeer removes a peer from the database.
func (s *SQLStore) DeletePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.rebind("DELETE FROM peers WHERE peer_id = ?"), peerID)
	return err
}

// PeerCount returns the total number of known peers.
func (s *SQLStore) PeerCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM peers").Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeerRecord(row rowScanner) (*PeerRecord, error) {
	var peer PeerRecord
	var addrsJSON sql.NullString
	var firstSeen, lastSeen, lastConnected int64
	var isBootstrap int

	err := row.Scan(
		&peer.PeerID,
		&addrsJSON,
		&firstSeen,
		&lastSeen,
		&lastConnected,
		&peer.ConnectionCount,
		&isBootstrap,
	)
	if err != nil {
		return nil, err
	}

	if addrsJSON.String != "" {
		json.Unmarshal([]byte(addrsJSON.String), &peer.Addresses)
	}

	peer.FirstSeen = time.Unix(firstSeen, 0)
	peer.LastSeen = time.Unix(lastSeen, 0)
	if lastConnected > 0 {
		peer.LastConnected = time.Unix(lastConnected, 0)
	}
	peer.IsBootstrap = isBootstrap == 1

	return &peer, nil
}

// Package storage - Per-chain event cursor persistence.
package storage

import (
	"database/sql"
	"errors"
	"time"
)

// GetCursor returns the last processed event offset for a chain, or 0 if
// the chain has never been observed.
func (s *Storage) GetCursor(chain string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq uint64
	err := s.db.QueryRow(`SELECT last_seq FROM chain_cursors WHERE chain = ?`, chain).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SaveCursor advances the cursor for a chain. Cursors never move backwards;
// a stale save is ignored so duplicate event delivery stays harmless.
func (s *Storage) SaveCursor(chain string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chain_cursors (chain, last_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chain) DO UPDATE SET
			last_seq = MAX(last_seq, excluded.last_seq),
			updated_at = excluded.updated_at
	`, chain, seq, time.Now().Unix())
	return err
}

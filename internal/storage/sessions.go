// Package storage - Swap session persistence.
// Sessions carry the orchestrator's protocol-level state per swap; status
// changes go through a conditional update so two orchestrator instances can
// never race the same swap past each other.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Session persistence errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStatusConflict  = errors.New("session status changed concurrently")
)

// Status is the protocol-level state of a swap session. It is distinct
// from each escrow's own lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSrcEscrowCreated Status = "src_escrow_created"
	StatusDstEscrowCreated Status = "dst_escrow_created"
	StatusSecretRevealed   Status = "secret_revealed"
	StatusCompleted        Status = "completed"
	StatusRefundPending    Status = "refund_pending"
	StatusRefunded         Status = "refunded"
	StatusFailed           Status = "failed"
)

// IsTerminal reports whether the session has reached a final status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// SessionRecord is one persisted swap session. Terms carries the frozen
// swap parameters as JSON so both escrow legs can be rebuilt on recovery.
type SessionRecord struct {
	SwapID    string `json:"swap_id"`
	Direction string `json:"direction"`
	Status    Status `json:"status"`

	Hashlock string `json:"hashlock"`
	Preimage string `json:"preimage,omitempty"`

	SrcContractID string `json:"src_contract_id,omitempty"`
	DstContractID string `json:"dst_contract_id,omitempty"`

	Terms json.RawMessage `json:"terms"`

	SrcCancellation int64 `json:"src_cancellation"`
	DstCancellation int64 `json:"dst_cancellation"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

const sessionColumns = `swap_id, direction, status, hashlock, preimage,
	src_contract_id, dst_contract_id, terms,
	src_cancellation, dst_cancellation, failure_reason,
	created_at, updated_at, completed_at`

// SaveSession inserts or updates a session record.
func (s *Storage) SaveSession(rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO swap_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(swap_id) DO UPDATE SET
			status = excluded.status,
			preimage = excluded.preimage,
			src_contract_id = excluded.src_contract_id,
			dst_contract_id = excluded.dst_contract_id,
			terms = excluded.terms,
			src_cancellation = excluded.src_cancellation,
			dst_cancellation = excluded.dst_cancellation,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		rec.SwapID,
		rec.Direction,
		string(rec.Status),
		rec.Hashlock,
		rec.Preimage,
		rec.SrcContractID,
		rec.DstContractID,
		string(rec.Terms),
		rec.SrcCancellation,
		rec.DstCancellation,
		rec.FailureReason,
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
		timeToUnixOrZero(rec.CompletedAt),
	)
	return err
}

// GetSession retrieves a session by swap id.
func (s *Storage) GetSession(swapID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM swap_sessions WHERE swap_id = ?`, swapID)
	return scanSession(row.Scan)
}

// GetPendingSessions returns all sessions not in a terminal status, oldest
// first. These are the swaps the recovery service resumes on startup.
func (s *Storage) GetPendingSessions() ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT ` + sessionColumns + ` FROM swap_sessions
		WHERE status NOT IN ('completed', 'refunded', 'failed')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListSessions returns sessions ordered by last update, newest first.
func (s *Storage) ListSessions(limit int) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + sessionColumns + ` FROM swap_sessions ORDER BY updated_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateSessionStatus transitions a session from one status to another
// atomically. Returns ErrStatusConflict when the stored status is no
// longer `from`, which means another writer got there first.
func (s *Storage) UpdateSessionStatus(swapID string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	var completedAt int64
	if to.IsTerminal() {
		completedAt = now
	}

	res, err := s.db.Exec(`
		UPDATE swap_sessions
		SET status = ?, updated_at = ?,
			completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE swap_id = ? AND status = ?
	`, string(to), now, completedAt, completedAt, swapID, string(from))
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM swap_sessions WHERE swap_id = ?`, swapID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrSessionNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// SetSessionPreimage records the verified preimage for a session. Only
// called after the hashlock has been independently recomputed and checked.
func (s *Storage) SetSessionPreimage(swapID, preimage string) error {
	return s.updateField(`UPDATE swap_sessions SET preimage = ?, updated_at = ? WHERE swap_id = ?`, preimage, swapID)
}

// SetSessionContract records a created escrow's contract id on the session.
func (s *Storage) SetSessionContract(swapID string, isSource bool, contractID string) error {
	if isSource {
		return s.updateField(`UPDATE swap_sessions SET src_contract_id = ?, updated_at = ? WHERE swap_id = ?`, contractID, swapID)
	}
	return s.updateField(`UPDATE swap_sessions SET dst_contract_id = ?, updated_at = ? WHERE swap_id = ?`, contractID, swapID)
}

// SetSessionFailure records why a session failed.
func (s *Storage) SetSessionFailure(swapID, reason string) error {
	return s.updateField(`UPDATE swap_sessions SET failure_reason = ?, updated_at = ? WHERE swap_id = ?`, reason, swapID)
}

func (s *Storage) updateField(query, value, swapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, value, time.Now().Unix(), swapID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SessionCount returns counts of active and finished sessions.
func (s *Storage) SessionCount() (active, finished int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM swap_sessions WHERE status NOT IN ('completed', 'refunded', 'failed')`,
	).Scan(&active)
	if err != nil {
		return
	}
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM swap_sessions WHERE status IN ('completed', 'refunded', 'failed')`,
	).Scan(&finished)
	return
}

// scanSession reads one session row through the given scan function.
func scanSession(scan func(dest ...any) error) (*SessionRecord, error) {
	var rec SessionRecord
	var preimage, srcID, dstID, terms, failureReason sql.NullString
	var createdAt, updatedAt, completedAt int64

	err := scan(
		&rec.SwapID,
		&rec.Direction,
		&rec.Status,
		&rec.Hashlock,
		&preimage,
		&srcID,
		&dstID,
		&terms,
		&rec.SrcCancellation,
		&rec.DstCancellation,
		&failureReason,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	rec.Preimage = preimage.String
	rec.SrcContractID = srcID.String
	rec.DstContractID = dstID.String
	if terms.Valid {
		rec.Terms = json.RawMessage(terms.String)
	}
	rec.FailureReason = failureReason.String

	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt > 0 {
		rec.CompletedAt = time.Unix(completedAt, 0)
	}
	return &rec, nil
}

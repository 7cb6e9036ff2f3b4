// Package storage - Swap record persistence.
// This file provides CRUD operations for persisting swap state to SQLite,
// enabling recovery after a restart. The storage layer treats the swap
// payload as an opaque versioned JSON envelope; interpreting it is the swap
// package's job.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Swap persistence errors
var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrSwapExists   = errors.New("swap already exists")
)

// SwapKind distinguishes the two swap protocols in swap_records.
type SwapKind string

const (
	SwapKindEscrow SwapKind = "escrow"
	SwapKindVault  SwapKind = "vault"
)

// SwapRecord is a persisted swap. Flat columns exist for indexing and
// recovery queries; Data holds the complete swap state.
type SwapRecord struct {
	ID   string   `json:"id"`
	Kind SwapKind `json:"kind"`

	State string `json:"state"`

	// ClaimHash identifies escrow swaps (hex), empty for vault swaps.
	ClaimHash string `json:"claim_hash,omitempty"`

	// BtcTxID identifies vault withdrawals once signed (big-endian hex).
	BtcTxID string `json:"btc_txid,omitempty"`

	// Initiated is set once funds were put at risk. Swaps that never got
	// that far are not worth recovering.
	Initiated bool `json:"initiated"`

	// Active is cleared when the swap reaches a terminal state.
	Active bool `json:"active"`

	// Version of the Data envelope format.
	Version int `json:"version"`

	// Data is the full swap state, owned by the swap package.
	Data json.RawMessage `json:"data"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveSwap saves or updates a swap record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveSwap(rec *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO swap_records (
			id, kind, state, claim_hash, btc_txid,
			initiated, active, version, data,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			claim_hash = excluded.claim_hash,
			btc_txid = excluded.btc_txid,
			initiated = excluded.initiated,
			active = excluded.active,
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		rec.ID,
		string(rec.Kind),
		rec.State,
		rec.ClaimHash,
		rec.BtcTxID,
		boolToInt(rec.Initiated),
		boolToInt(rec.Active),
		rec.Version,
		string(rec.Data),
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
	)
	return err
}

const swapColumns = `id, kind, state, claim_hash, btc_txid,
		initiated, active, version, data, created_at, updated_at`

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(id string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+swapColumns+" FROM swap_records WHERE id = ?", id)
	return scanSwapRecord(row)
}

// GetSwapByClaimHash retrieves an escrow swap by its hex claim hash.
func (s *Storage) GetSwapByClaimHash(claimHash string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+swapColumns+" FROM swap_records WHERE claim_hash = ? AND claim_hash != ''",
		claimHash)
	return scanSwapRecord(row)
}

// GetSwapByBtcTxID retrieves a vault swap by its withdrawal txid.
func (s *Storage) GetSwapByBtcTxID(btcTxID string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+swapColumns+" FROM swap_records WHERE btc_txid = ? AND btc_txid != ''",
		btcTxID)
	return scanSwapRecord(row)
}

// GetActiveSwaps returns all initiated swaps that are not in a terminal
// state. These are the swaps recovered on startup.
func (s *Storage) GetActiveSwaps() ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT " + swapColumns + ` FROM swap_records
		WHERE active = 1 AND initiated = 1
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSwapRecords(rows)
}

// ListSwaps returns swaps ordered by last update, newest first.
func (s *Storage) ListSwaps(limit int, includeInactive bool) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + swapColumns + " FROM swap_records"
	if !includeInactive {
		query += " WHERE active = 1"
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSwapRecords(rows)
}

// DeleteSwap removes a swap from the database.
// Only use for swaps that never initiated, or cleanup.
func (s *Storage) DeleteSwap(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM swap_records WHERE id = ?", id)
	return err
}

// PruneUninitiated removes swaps that never put funds at risk and have not
// been touched since the cutoff.
func (s *Storage) PruneUninitiated(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"DELETE FROM swap_records WHERE initiated = 0 AND updated_at < ?",
		cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SwapCount returns counts of active and settled swaps.
func (s *Storage) SwapCount() (active, settled int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow("SELECT COUNT(*) FROM swap_records WHERE active = 1").Scan(&active)
	if err != nil {
		return
	}

	err = s.db.QueryRow("SELECT COUNT(*) FROM swap_records WHERE active = 0").Scan(&settled)
	return
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapRecord(row rowScanner) (*SwapRecord, error) {
	var rec SwapRecord
	var kind string
	var initiated, active int
	var data string
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID,
		&kind,
		&rec.State,
		&rec.ClaimHash,
		&rec.BtcTxID,
		&initiated,
		&active,
		&rec.Version,
		&data,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSwapNotFound
		}
		return nil, err
	}

	rec.Kind = SwapKind(kind)
	rec.Initiated = initiated == 1
	rec.Active = active == 1
	rec.Data = json.RawMessage(data)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)

	return &rec, nil
}

func collectSwapRecords(rows *sql.Rows) ([]*SwapRecord, error) {
	var records []*SwapRecord
	for rows.Next() {
		rec, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package storage - Secret storage operations for escrow swaps.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Secret errors
var (
	ErrSecretNotFound      = errors.New("secret not found")
	ErrSecretAlreadyExists = errors.New("secret already exists for this claim hash")
)

// Secret is an escrow preimage. The claim hash is the SHA-256 of the secret
// and doubles as the escrow identifier on the destination chain. Secrets are
// written before any transaction is broadcast: losing the preimage after the
// counterparty funds the escrow means losing the swap.
type Secret struct {
	// ClaimHash, hex-encoded, 32 bytes.
	ClaimHash string

	// SwapID links back to swap_records.
	SwapID string

	// Secret preimage, hex-encoded, 32 bytes.
	Secret string

	CreatedAt  time.Time
	RevealedAt *time.Time
}

// CreateSecret stores a new preimage. Fails if a secret already exists for
// the claim hash; preimages are never overwritten.
func (s *Storage) CreateSecret(secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = time.Now()
	}

	var revealedAt *int64
	if secret.RevealedAt != nil {
		ts := secret.RevealedAt.Unix()
		revealedAt = &ts
	}

	_, err := s.db.Exec(`
		INSERT INTO swap_secrets (claim_hash, swap_id, secret, created_at, revealed_at)
		VALUES (?, ?, ?, ?, ?)
	`, secret.ClaimHash, secret.SwapID, secret.Secret, secret.CreatedAt.Unix(), revealedAt)

	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSecretAlreadyExists
		}
		return fmt.Errorf("failed to create secret: %w", err)
	}

	return nil
}

// GetSecret retrieves a preimage by claim hash.
func (s *Storage) GetSecret(claimHash string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var secret Secret
	var createdAt int64
	var revealedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT claim_hash, swap_id, secret, created_at, revealed_at
		FROM swap_secrets WHERE claim_hash = ?
	`, claimHash).Scan(
		&secret.ClaimHash, &secret.SwapID, &secret.Secret,
		&createdAt, &revealedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	secret.CreatedAt = time.Unix(createdAt, 0)
	if revealedAt.Valid {
		t := time.Unix(revealedAt.Int64, 0)
		secret.RevealedAt = &t
	}

	return &secret, nil
}

// MarkSecretRevealed records when the preimage went public on chain.
func (s *Storage) MarkSecretRevealed(claimHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE swap_secrets SET revealed_at = ? WHERE claim_hash = ? AND revealed_at IS NULL
	`, time.Now().Unix(), claimHash)
	if err != nil {
		return fmt.Errorf("failed to mark secret revealed: %w", err)
	}

	// Already-revealed is not an error; the caller may observe the same
	// claim event more than once.
	_, err = result.RowsAffected()
	return err
}

// DeleteSecret removes a preimage. Only safe once the swap is settled.
func (s *Storage) DeleteSecret(claimHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM swap_secrets WHERE claim_hash = ?", claimHash)
	return err
}

package storage

import (
	"errors"
	"testing"
)

func TestCreateAndGetSecret(t *testing.T) {
	s := newTestStorage(t)

	secret := &Secret{
		ClaimHash: "aabb",
		SwapID:    "swap-1",
		Secret:    "deadbeef",
	}
	if err := s.CreateSecret(secret); err != nil {
		t.Fatalf("CreateSecret failed: %v", err)
	}

	got, err := s.GetSecret("aabb")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got.Secret != "deadbeef" {
		t.Errorf("secret = %q, want deadbeef", got.Secret)
	}
	if got.RevealedAt != nil {
		t.Error("new secret should not be revealed")
	}
}

func TestCreateSecretDuplicate(t *testing.T) {
	s := newTestStorage(t)

	secret := &Secret{ClaimHash: "aabb", SwapID: "swap-1", Secret: "deadbeef"}
	if err := s.CreateSecret(secret); err != nil {
		t.Fatalf("CreateSecret failed: %v", err)
	}

	dup := &Secret{ClaimHash: "aabb", SwapID: "swap-2", Secret: "cafef00d"}
	if err := s.CreateSecret(dup); !errors.Is(err, ErrSecretAlreadyExists) {
		t.Errorf("expected ErrSecretAlreadyExists, got %v", err)
	}

	// Original preimage must be untouched.
	got, err := s.GetSecret("aabb")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got.Secret != "deadbeef" {
		t.Errorf("secret = %q, want deadbeef", got.Secret)
	}
}

func TestMarkSecretRevealed(t *testing.T) {
	s := newTestStorage(t)

	secret := &Secret{ClaimHash: "aabb", SwapID: "swap-1", Secret: "deadbeef"}
	if err := s.CreateSecret(secret); err != nil {
		t.Fatalf("CreateSecret failed: %v", err)
	}

	if err := s.MarkSecretRevealed("aabb"); err != nil {
		t.Fatalf("MarkSecretRevealed failed: %v", err)
	}

	got, err := s.GetSecret("aabb")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got.RevealedAt == nil {
		t.Fatal("expected revealed timestamp")
	}
	first := *got.RevealedAt

	// Observing the claim twice is fine and keeps the first timestamp.
	if err := s.MarkSecretRevealed("aabb"); err != nil {
		t.Fatalf("repeat MarkSecretRevealed failed: %v", err)
	}
	got, err = s.GetSecret("aabb")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if !got.RevealedAt.Equal(first) {
		t.Errorf("revealed_at changed on repeat: %v != %v", got.RevealedAt, first)
	}
}

func TestGetSecretNotFound(t *testing.T) {
	s := newTestStorage(t)

	if _, err := s.GetSecret("missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

package wallet

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlasswap/atlas/internal/chain"
)

// Standard BIP39 test mnemonic (all "abandon" + "about").
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic failed: %v", err)
	}

	words := strings.Fields(mnemonic)
	if len(words) != 24 {
		t.Errorf("got %d words, want 24", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic failed validation")
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	_, err := NewFromMnemonic("not a real mnemonic", "", chain.Mainnet)
	if err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	w1, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic failed: %v", err)
	}
	w2, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic failed: %v", err)
	}

	k1, err := w1.BitcoinPrivateKey(0, 0)
	if err != nil {
		t.Fatalf("BitcoinPrivateKey failed: %v", err)
	}
	k2, err := w2.BitcoinPrivateKey(0, 0)
	if err != nil {
		t.Fatalf("BitcoinPrivateKey failed: %v", err)
	}

	if !k1.Key.Equals(&k2.Key) {
		t.Error("same mnemonic derived different keys")
	}

	// A different index must derive a different key.
	k3, err := w1.BitcoinPrivateKey(0, 1)
	if err != nil {
		t.Fatalf("BitcoinPrivateKey failed: %v", err)
	}
	if k1.Key.Equals(&k3.Key) {
		t.Error("different indices derived the same key")
	}
}

func TestBitcoinAddress(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic failed: %v", err)
	}

	addr, err := w.BitcoinAddress(0, 0)
	if err != nil {
		t.Fatalf("BitcoinAddress failed: %v", err)
	}

	// BIP84 test vector for the standard mnemonic, m/84'/0'/0'/0/0.
	want := "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"
	if addr != want {
		t.Errorf("address = %s, want %s", addr, want)
	}

	if !w.ValidateBitcoinAddress(addr) {
		t.Error("derived address failed validation")
	}
}

func TestEVMAddress(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic failed: %v", err)
	}

	addr, err := w.EVMAddress(0, 0)
	if err != nil {
		t.Fatalf("EVMAddress failed: %v", err)
	}

	// Standard m/44'/60'/0'/0/0 address for the test mnemonic.
	want := "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	if addr != want {
		t.Errorf("address = %s, want %s", addr, want)
	}
}

func TestAddressToScript(t *testing.T) {
	script, err := AddressToScript("bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", chain.Mainnet)
	if err != nil {
		t.Fatalf("AddressToScript failed: %v", err)
	}

	// P2WPKH: OP_0 <20-byte hash>
	if len(script) != 22 || script[0] != 0x00 || script[1] != 0x14 {
		t.Errorf("unexpected script %x", script)
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	password := "Str0ng-pass!"

	encrypted, err := EncryptMnemonic(testMnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic failed: %v", err)
	}

	decrypted, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		t.Fatalf("DecryptMnemonic failed: %v", err)
	}
	if decrypted != testMnemonic {
		t.Error("roundtrip mnemonic mismatch")
	}

	if _, err := DecryptMnemonic(encrypted, "Wrong-pass1!"); err == nil {
		t.Error("expected error with wrong password")
	}
}

func TestSaveLoadEncryptedSeed(t *testing.T) {
	password := "Str0ng-pass!"
	path := filepath.Join(t.TempDir(), "seed.json")

	encrypted, err := EncryptMnemonic(testMnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic failed: %v", err)
	}

	if err := SaveEncryptedSeed(encrypted, path); err != nil {
		t.Fatalf("SaveEncryptedSeed failed: %v", err)
	}

	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed failed: %v", err)
	}

	decrypted, err := DecryptMnemonic(loaded, password)
	if err != nil {
		t.Fatalf("DecryptMnemonic failed: %v", err)
	}
	if decrypted != testMnemonic {
		t.Error("roundtrip mnemonic mismatch after save/load")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"strong", "Str0ng-pass!", false},
		{"three classes", "Password1", false},
		{"too short", "Ab1!", true},
		{"too simple", "alllowercase", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
			}
		})
	}
}

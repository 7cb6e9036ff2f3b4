package helpers

import (
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex converts bytes to a hex string without prefix.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToBigInt converts a hex string (with or without 0x prefix) to *big.Int.
// Invalid input yields zero.
func HexToBigInt(s string) *big.Int {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0)
	}
	val, ok := new(big.Int).SetString(s, 16)
	if !ok || val == nil {
		return big.NewInt(0)
	}
	return val
}

// BigIntToDecimal renders a big.Int as a decimal string; nil becomes "0".
// Persisted bigints always use this form.
func BigIntToDecimal(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// DecimalToBigInt parses a decimal string into a big.Int; empty becomes 0.
func DecimalToBigInt(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	return new(big.Int).SetString(s, 10)
}

// PadLeft left-pads a byte slice with zeros to the given length.
func PadLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result[length-len(b):], b)
	return result
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZeroBytes reports whether every byte in the slice is zero.
func IsZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

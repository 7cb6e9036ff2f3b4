// Package helpers provides small utilities shared across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// FeeShareBase is the denominator for proportional fee shares. A share of
// 1000 means 1% (1000 / 100000).
const FeeShareBase = 100_000

// ApplyFeeShare returns the fee owed on amount for the given share, rounding
// up so the payer never underpays by a fractional unit.
func ApplyFeeShare(amount uint64, share uint64) uint64 {
	a := new(big.Int).SetUint64(amount)
	a.Mul(a, new(big.Int).SetUint64(share))
	a.Add(a, big.NewInt(FeeShareBase-1))
	a.Div(a, big.NewInt(FeeShareBase))
	return a.Uint64()
}

// FormatAmount formats an amount in smallest units as a decimal string.
// FormatAmount(100000000, 8) returns "1".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string into smallest units.
// ParseAmount("1", 8) returns 100000000.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" {
		wholeStr = s
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(wholeStr+fracStr, 10); !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return amount.Uint64(), nil
}

// SatoshisToBTC converts satoshis to a BTC decimal string.
func SatoshisToBTC(satoshis uint64) string {
	return FormatAmount(satoshis, 8)
}

// BTCToSatoshis converts a BTC decimal string to satoshis.
func BTCToSatoshis(btc string) (uint64, error) {
	return ParseAmount(btc, 8)
}

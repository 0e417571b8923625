package id

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

func decimalToBaseUnits(decimal string, decimals int) (string, error) {
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}

	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := intPart + fracPart
	combined = strings.TrimLeft(combined, "0")
	if combined == "" {
		return "0", nil
	}
	if _, ok := new(big.Int).SetString(combined, 10); !ok {
		return "", clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return combined, nil
}

// FormatUnits converts a base-unit integer string into the decimal amount a
// user would say, trimming trailing zeros.
func FormatUnits(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(baseUnits, 10)
	if !ok {
		return baseUnits
	}
	digits := n.String()
	if decimals <= 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole, frac := digits[:len(digits)-decimals], strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ToBaseUnits converts a UI amount (as the assistant speaks it) into integer
// base units for the token. Zero and negative amounts are rejected.
func ToBaseUnits(amount float64, decimals int) (uint64, error) {
	if amount <= 0 {
		return 0, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	if decimals < 0 {
		return 0, clierr.New(clierr.CodeUsage, "token decimals are unknown")
	}
	text := strconv.FormatFloat(amount, 'f', -1, 64)
	if idx := strings.Index(text, "."); idx >= 0 && len(text)-idx-1 > decimals {
		text = text[:idx+1+decimals]
	}
	base, err := decimalToBaseUnits(text, decimals)
	if err != nil {
		return 0, err
	}
	n, ok := new(big.Int).SetString(base, 10)
	if !ok || !n.IsUint64() {
		return 0, clierr.New(clierr.CodeUsage, "amount out of range")
	}
	if n.Sign() == 0 {
		return 0, clierr.New(clierr.CodeUsage, "amount is below the token's smallest unit")
	}
	return n.Uint64(), nil
}

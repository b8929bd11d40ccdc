package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
)

// ToBaseUnits converts a display amount ("1.5", "1,000.25") into an integer
// amount of the token's smallest unit. Digits beyond the token's precision are
// truncated: the result is floor(amount * 10^decimals) and never rounds up.
func ToBaseUnits(display string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 255 {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token decimals %d", decimals))
	}
	amount, err := ParseDisplayAmount(display)
	if err != nil {
		return nil, err
	}
	return amount.Shift(int32(decimals)).Floor().BigInt(), nil
}

// Plain digits with an optional fraction. Exponent forms such as "1e400000000"
// are rejected before they reach the decimal shift.
var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDisplayAmount parses a human amount, tolerating thousands separators.
func ParseDisplayAmount(display string) (decimal.Decimal, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(display), ",", "")
	if clean == "" {
		return decimal.Zero, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if !decimalPattern.MatchString(clean) {
		return decimal.Zero, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be a plain decimal number", display))
	}
	amount, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUsage, "amount must be numeric", err)
	}
	return amount, nil
}

// FormatBaseUnits renders a base-unit integer string as a decimal string with
// trailing zeros removed.
func FormatBaseUnits(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return baseUnits
	}
	return decimal.NewFromBigInt(n, -int32(decimals)).String()
}

// ParseBaseUnits parses a positive base-unit integer string.
func ParseBaseUnits(v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", v)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be greater than zero", v)
	}
	return n, nil
}

package escrow

import (
	"math/big"
)

// ParseAmount parses a decimal integer string in the token's smallest unit.
// Amounts travel as strings end to end; JSON numbers are never used for
// money. Negative values, signs, whitespace and non-digits are rejected.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, NewValidationError("amount is required")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, NewValidationError("invalid amount: %q", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewValidationError("invalid amount: %q", s)
	}
	return v, nil
}

// FormatAmount renders an amount as a decimal integer string. A nil amount
// formats as "0".
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

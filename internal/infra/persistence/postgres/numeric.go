package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromString converts a decimal string into a pgtype.Numeric value.
func numericFromString(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("numeric value required")
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericFromDecimal converts a money value into a pgtype.Numeric.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	return numericFromString(value.String())
}

// numericFromUnits converts an energy quantity or nonce into a pgtype.Numeric.
// Quantities are unsigned 64-bit and do not fit BIGINT.
func numericFromUnits(value uint64) (pgtype.Numeric, error) {
	return numericFromString(strconv.FormatUint(value, 10))
}

// decimalFromNumeric converts a scanned numeric back into a decimal.
func decimalFromNumeric(value pgtype.Numeric) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, nil
	}
	if value.NaN || value.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("numeric value is not finite")
	}
	return decimal.NewFromBigInt(value.Int, value.Exp), nil
}

// unitsFromNumeric converts a scanned numeric back into an unsigned quantity.
func unitsFromNumeric(value pgtype.Numeric) (uint64, error) {
	d, err := decimalFromNumeric(value)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("numeric %s is not a whole quantity", d)
	}
	parsed, err := strconv.ParseUint(d.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("numeric %s out of range: %w", d, err)
	}
	return parsed, nil
}

package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
)

// RatePrecision is the number of fractional digits kept on exchange rates,
// including derived reciprocals.
const RatePrecision = 6

// scales lists currencies whose minor unit is not the usual 2 decimal places.
var scales = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Scale returns the number of minor-unit decimal places for a currency.
func Scale(currency string) int32 {
	if s, ok := scales[currency]; ok {
		return s
	}
	return 2
}

// ParseMinor converts a decimal string like "12.50" into minor units of the
// given currency. "12.50" in USD is 1250; "1250" in JPY is 1250.
func ParseMinor(input, currency string) (int64, error) {
	scale := int(Scale(currency))
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	sign := int64(1)
	switch trimmed[0] {
	case '-':
		sign = -1
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	parts := strings.SplitN(trimmed, ".", 2)
	wholePart := parts[0]
	if wholePart == "" {
		wholePart = "0"
	}
	if !isDigits(wholePart) {
		return 0, ErrInvalidAmount
	}
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > scale {
		return 0, ErrTooManyDecimals
	}
	if fracPart != "" && !isDigits(fracPart) {
		return 0, ErrInvalidAmount
	}
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	minor := whole
	for i := 0; i < scale; i++ {
		minor *= 10
	}
	if fracPart != "" {
		for len(fracPart) < scale {
			fracPart += "0"
		}
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
		minor += frac
	}
	return sign * minor, nil
}

// FormatMinor renders minor units as a decimal string at the currency's scale.
func FormatMinor(value int64, currency string) string {
	scale := int(Scale(currency))
	negative := value < 0
	if negative {
		value = -value
	}
	if scale == 0 {
		if negative {
			return fmt.Sprintf("-%d", value)
		}
		return strconv.FormatInt(value, 10)
	}
	unit := int64(1)
	for i := 0; i < scale; i++ {
		unit *= 10
	}
	formatted := fmt.Sprintf("%d.%0*d", value/unit, scale, value%unit)
	if negative {
		return "-" + formatted
	}
	return formatted
}

// Convert applies an exchange rate to an amount expressed in minor units of
// the source currency and returns minor units of the destination currency.
// Rounding is half-even at the destination currency's scale; the remainder is
// absorbed on the credited side.
func Convert(amountMinor int64, rate decimal.Decimal, fromCurrency, toCurrency string) int64 {
	amount := decimal.New(amountMinor, -Scale(fromCurrency))
	return amount.Mul(rate).Shift(Scale(toCurrency)).RoundBank(0).IntPart()
}

// Reciprocal derives the opposite-direction rate with banker's rounding at
// the standard rate precision.
func Reciprocal(rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Div(rate).RoundBank(RatePrecision)
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

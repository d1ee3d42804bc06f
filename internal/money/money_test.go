package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseMinor(t *testing.T) {
	cases := []struct {
		input    string
		currency string
		want     int64
		wantErr  error
	}{
		{"12.50", "USD", 1250, nil},
		{"12.5", "USD", 1250, nil},
		{"12", "USD", 1200, nil},
		{".75", "USD", 75, nil},
		{"-3.01", "USD", -301, nil},
		{"+100", "USD", 10000, nil},
		{"1250", "JPY", 1250, nil},
		{"1.250", "BHD", 1250, nil},
		{"12.505", "USD", 0, ErrTooManyDecimals},
		{"12.5", "JPY", 0, ErrTooManyDecimals},
		{"", "USD", 0, ErrInvalidAmount},
		{"abc", "USD", 0, ErrInvalidAmount},
		{"1.2a", "USD", 0, ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := ParseMinor(tc.input, tc.currency)
		if err != tc.wantErr {
			t.Fatalf("ParseMinor(%q, %s) error = %v, want %v", tc.input, tc.currency, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseMinor(%q, %s) = %d, want %d", tc.input, tc.currency, got, tc.want)
		}
	}
}

func TestFormatMinor(t *testing.T) {
	if got := FormatMinor(1250, "USD"); got != "12.50" {
		t.Fatalf("got %q", got)
	}
	if got := FormatMinor(-301, "USD"); got != "-3.01" {
		t.Fatalf("got %q", got)
	}
	if got := FormatMinor(1250, "JPY"); got != "1250" {
		t.Fatalf("got %q", got)
	}
	if got := FormatMinor(1250, "BHD"); got != "1.250" {
		t.Fatalf("got %q", got)
	}
}

func TestConvertRoundsHalfEven(t *testing.T) {
	rate := decimal.RequireFromString("0.5")
	// 0.15 USD * 0.5 = 0.075 EUR: the tie rounds to the even cent, 0.08.
	if got := Convert(15, rate, "USD", "EUR"); got != 8 {
		t.Fatalf("Convert(15, 0.5) = %d, want 8", got)
	}
	// 0.05 USD * 0.5 = 0.025 EUR: tie rounds down to the even cent, 0.02.
	if got := Convert(5, rate, "USD", "EUR"); got != 2 {
		t.Fatalf("Convert(5, 0.5) = %d, want 2", got)
	}
}

func TestConvertAcrossScales(t *testing.T) {
	rate := decimal.RequireFromString("147.61")
	// 10.00 USD -> JPY at 147.61 = 1476.1, rounds to 1476 yen.
	if got := Convert(1000, rate, "USD", "JPY"); got != 1476 {
		t.Fatalf("USD->JPY = %d, want 1476", got)
	}
	back := Reciprocal(rate)
	// 1476 JPY back to USD should land within one cent of 10.00.
	got := Convert(1476, back, "JPY", "USD")
	if got < 999 || got > 1001 {
		t.Fatalf("JPY->USD round trip = %d, want within one cent of 1000", got)
	}
}

func TestReciprocalRoundTripWithinOneMinorUnit(t *testing.T) {
	pairs := []string{"0.27", "3.70", "1.08", "0.92", "0.25", "4.00"}
	for _, raw := range pairs {
		rate := decimal.RequireFromString(raw)
		inverse := Reciprocal(rate)
		const amount = int64(123456) // 1234.56
		out := Convert(amount, rate, "USD", "EUR")
		rt := Convert(out, inverse, "EUR", "USD")
		diff := rt - amount
		if diff < 0 {
			diff = -diff
		}
		if diff > 1 {
			t.Fatalf("rate %s: round trip drifted %d minor units", raw, diff)
		}
	}
}

package currency

import (
	"errors"
	"strings"
)

var ErrUnknownCurrency = errors.New("unknown_currency")

// minorUnits maps ISO 4217 codes to their minor-unit exponent.
// Only currencies the platform settles in are listed; unknown codes
// are rejected rather than defaulted so amounts never silently use
// the wrong scale.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"NZD": 2,
	"SGD": 2,
	"CHF": 2,
	"SEK": 2,
	"NOK": 2,
	"DKK": 2,
	"IDR": 2,
	"INR": 2,
	"BRL": 2,
	"MXN": 2,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// Normalize uppercases and trims a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// MinorUnits returns the minor-unit exponent for a currency code.
func MinorUnits(code string) (int32, error) {
	exponent, ok := minorUnits[Normalize(code)]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	return exponent, nil
}

// Valid reports whether the code is a supported settlement currency.
func Valid(code string) bool {
	_, ok := minorUnits[Normalize(code)]
	return ok
}

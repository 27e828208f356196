// Package iban validates and generates ISO 13616 account numbers.
package iban

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// DefaultBBANLength is used for countries missing from bbanLengths.
const DefaultBBANLength = 16

// bbanLengths lists countries whose BBAN is purely numeric.
var bbanLengths = map[string]int{
	"LT": 16,
	"EE": 16,
	"DE": 18,
	"FI": 14,
	"PL": 24,
	"BE": 12,
	"DK": 14,
}

var (
	ErrCountry = errors.New("iban: country code must be two letters")
	ErrBBAN    = errors.New("iban: bban must be alphanumeric")
)

// Normalize strips spaces and upper-cases s.
func Normalize(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}

// Valid reports whether s carries correct mod-97 check digits.
func Valid(s string) bool {
	s = Normalize(s)
	if len(s) < 5 || len(s) > 34 {
		return false
	}
	if !isLetter(s[0]) || !isLetter(s[1]) || !isDigit(s[2]) || !isDigit(s[3]) {
		return false
	}
	rem, ok := mod97(s[4:] + s[:4])
	return ok && rem == 1
}

// Generate returns the IBAN for country and bban with computed check digits.
func Generate(country, bban string) (string, error) {
	country = strings.ToUpper(country)
	if len(country) != 2 || !isLetter(country[0]) || !isLetter(country[1]) {
		return "", ErrCountry
	}
	bban = Normalize(bban)
	if bban == "" {
		return "", ErrBBAN
	}
	rem, ok := mod97(bban + country + "00")
	if !ok {
		return "", ErrBBAN
	}
	return fmt.Sprintf("%s%02d%s", country, 98-rem, bban), nil
}

// Random returns a valid IBAN for country with a random numeric BBAN.
func Random(country string) (string, error) {
	n, ok := bbanLengths[strings.ToUpper(country)]
	if !ok {
		n = DefaultBBANLength
	}
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return Generate(country, b.String())
}

// mod97 computes the remainder of the digit expansion of s (A=10 ... Z=35)
// without building the full number.
func mod97(s string) (int, bool) {
	rem := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isDigit(c):
			rem = (rem*10 + int(c-'0')) % 97
		case isLetter(c):
			v := int(c-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return 0, false
		}
	}
	return rem, true
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'A' && c <= 'Z' }

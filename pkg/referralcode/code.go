// Package referralcode generates and validates user referral codes.
//
// A code is Length symbols from a 32-symbol alphabet that leaves out the
// look-alike characters 0/O and 1/I. The final symbol is a weighted checksum
// of the others, so a single mistyped symbol is always rejected before any
// database lookup. Codes compare case-insensitively.
package referralcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

const (
	// Alphabet is the symbol set codes are drawn from.
	Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	// Length is the full code length including the checksum symbol.
	Length = 8

	payloadLength = Length - 1
)

var (
	// ErrMalformed is returned for codes of the wrong length or with foreign symbols.
	ErrMalformed = errors.New("referralcode: malformed code")
	// ErrChecksum is returned when the checksum symbol does not match.
	ErrChecksum = errors.New("referralcode: checksum mismatch")
)

var symbolIndex = func() map[byte]int {
	m := make(map[byte]int, len(Alphabet))
	for i := 0; i < len(Alphabet); i++ {
		m[Alphabet[i]] = i
	}
	return m
}()

// Generate returns a new random code with a valid checksum.
func Generate() (string, error) {
	buf := make([]byte, payloadLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("referralcode: read random: %w", err)
	}

	code := make([]byte, Length)
	for i, b := range buf {
		// 256 is a multiple of 32 so masking keeps the distribution uniform
		code[i] = Alphabet[int(b)&(len(Alphabet)-1)]
	}
	code[payloadLength] = checksum(code[:payloadLength])
	return string(code), nil
}

// Normalize trims whitespace and upper-cases a user supplied code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks the shape and checksum of a normalised code.
func Validate(code string) error {
	if len(code) != Length {
		return ErrMalformed
	}
	for i := 0; i < Length; i++ {
		if _, ok := symbolIndex[code[i]]; !ok {
			return ErrMalformed
		}
	}
	if checksum([]byte(code[:payloadLength])) != code[payloadLength] {
		return ErrChecksum
	}
	return nil
}

// IsValid reports whether a raw user supplied code passes validation.
func IsValid(code string) bool {
	return Validate(Normalize(code)) == nil
}

// checksum weights every symbol with an odd factor. Odd weights are units
// modulo 32, so any single substitution changes the sum.
func checksum(payload []byte) byte {
	sum := 0
	for i, c := range payload {
		sum += (2*i + 1) * symbolIndex[c]
	}
	return Alphabet[sum%len(Alphabet)]
}

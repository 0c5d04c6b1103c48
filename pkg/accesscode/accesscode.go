// Package accesscode generates candidate access codes.
package accesscode

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is base32 without the confusable characters O, 0, I, and 1.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// New returns a code of n characters (8 <= n <= 16) drawn from Alphabet using
// a cryptographically secure RNG.
func New(n int) (string, error) {
	if n < 8 || n > 16 {
		return "", fmt.Errorf("op=accesscode.New: length %d out of range [8,16]", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("op=accesscode.New: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(out), nil
}

// Valid reports whether s could have been produced by New.
func Valid(s string) bool {
	if len(s) < 8 || len(s) > 16 {
		return false
	}
	for _, r := range s {
		found := false
		for _, a := range Alphabet {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

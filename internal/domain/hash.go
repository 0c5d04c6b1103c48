package domain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/veriskill/veriskill/pkg/textx"
)

// Fingerprint returns the prompt fingerprint SHA-256(skill || type || difficulty)
// used as the cache key for generated questions.
func Fingerprint(skill string, qt QuestionType, diff Difficulty) string {
	h := sha256.Sum256([]byte(textx.Slug(skill) + "|" + string(qt) + "|" + string(diff)))
	return hex.EncodeToString(h[:])
}

// ContentHash returns SHA-256 of the normalized prompt text, used for
// exact-text deduplication.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(textx.Normalize(text)))
	return hex.EncodeToString(h[:])
}

// CodeHash returns SHA-256 of submitted source, used to key execution logs.
func CodeHash(source string) string {
	h := sha256.Sum256([]byte(source))
	return hex.EncodeToString(h[:])
}

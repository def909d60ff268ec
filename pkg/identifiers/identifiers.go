// Package identifiers generates transaction ids and validates document keys
// (spec §2 "Identifiers": "Transaction IDs (UUID), key-safety checks").
package identifiers

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	docerrors "github.com/bobboyms/docstore/pkg/errors"
)

// NewTransactionID returns a new UUIDv7 transaction id: time-ordered, so
// WAL entries and transaction ids sort roughly together, the same choice
// the teacher repo makes for its own generated keys.
func NewTransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the runtime's entropy source is broken;
		// there is no sane fallback for a transaction id generator.
		panic(err)
	}
	return id.String()
}

// ValidateKey enforces spec §3's key-safety rule: non-empty, and free of
// '/', '\', and a ".." substring. Keys are NFC-normalized first so two
// byte-distinct but visually identical strings can't be used to alias the
// same on-disk file under two different names.
func ValidateKey(key string) error {
	if key == "" {
		return &docerrors.InvalidKeyError{Key: key, Reason: "key must not be empty"}
	}

	normalized := norm.NFC.String(key)

	if strings.ContainsRune(normalized, '/') {
		return &docerrors.InvalidKeyError{Key: key, Reason: "key must not contain '/'"}
	}
	if strings.ContainsRune(normalized, '\\') {
		return &docerrors.InvalidKeyError{Key: key, Reason: `key must not contain '\'`}
	}
	if strings.Contains(normalized, "..") {
		return &docerrors.InvalidKeyError{Key: key, Reason: `key must not contain ".."`}
	}
	return nil
}

// NormalizeKey returns key's NFC-normalized form, the form callers must
// use consistently for file paths and WAL records so that two byte-
// distinct but visually identical keys never alias the same document.
func NormalizeKey(key string) string {
	return norm.NFC.String(key)
}

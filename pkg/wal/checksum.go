package wal

import (
	"crypto/sha256"
	"encoding/hex"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// checksumBasis mirrors Entry minus its Checksum field, in fixed struct
// order, so bson.Marshal gives a deterministic byte sequence to hash — a
// cryptographic digest over every other field.
type checksumBasis struct {
	LSN           uint64
	TransactionID string
	Operation     Operation
	Key           string `bson:",omitempty"`
	BeforeImage   []byte `bson:",omitempty"`
	AfterImage    []byte `bson:",omitempty"`
	Timestamp     int64
}

// computeChecksum returns the lowercase-hex SHA-256 digest of the BSON
// encoding of e's non-checksum fields.
func computeChecksum(e *Entry) (string, error) {
	basis := checksumBasis{
		LSN:           e.LSN,
		TransactionID: e.TransactionID,
		Operation:     e.Operation,
		Key:           e.Key,
		BeforeImage:   []byte(e.BeforeImage),
		AfterImage:    []byte(e.AfterImage),
		Timestamp:     e.Timestamp,
	}
	data, err := bson.Marshal(basis)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// verifyChecksum reports whether e's checksum matches its own content. A
// mismatch means the entry is treated as absent.
func verifyChecksum(e *Entry) bool {
	want, err := computeChecksum(e)
	if err != nil {
		return false
	}
	return want == e.Checksum
}

// seal assigns e's checksum in place, over its current field values.
func seal(e *Entry) error {
	sum, err := computeChecksum(e)
	if err != nil {
		return err
	}
	e.Checksum = sum
	return nil
}

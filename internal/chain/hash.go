// Package chain implements the hash chain: canonical serialization of an
// entry, its SHA-256 digest, the append-only Appender and the Verifier.
//
// The chain state is never cached in memory. Every append re-reads the
// tail from the store under lock.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"seclog.io/chain/internal/domain"
)

// TimestampLayout is the ISO-8601 form of the capture timestamp in the hash input.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// HashLength is the length of a hex-encoded SHA-256 digest.
const HashLength = sha256.Size * 2

// Input is every field folded into an entry's hash.
type Input struct {
	EventType      domain.EventType
	UserID         *string
	IPAddress      *string
	UserAgent      *string
	Metadata       json.RawMessage
	SequenceNumber int64
	PreviousHash   *string
	Timestamp      time.Time
}

// canonicalRecord fixes the field order of the serialized hash input.
// Do not reorder: existing hashes depend on it.
type canonicalRecord struct {
	EventType      string          `json:"eventType"`
	UserID         *string         `json:"userId"`
	IPAddress      *string         `json:"ipAddress"`
	UserAgent      *string         `json:"userAgent"`
	Metadata       json.RawMessage `json:"metadata"`
	SequenceNumber string          `json:"sequenceNumber"`
	PreviousHash   *string         `json:"previousHash"`
	Timestamp      string          `json:"timestamp"`
}

// CaptureTime normalizes t to the precision stored and hashed.
func CaptureTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// CanonicalMetadata re-encodes a metadata object with sorted keys at every
// level. Absent and null metadata both canonicalize to nil.
func CanonicalMetadata(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if err := domain.ValidateMetadata(trimmed); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("metadata: trailing data after object")
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}

// Canonical returns the byte-exact hash input for in.
func Canonical(in Input) ([]byte, error) {
	meta, err := CanonicalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}
	rec := canonicalRecord{
		EventType:      string(in.EventType),
		UserID:         in.UserID,
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		Metadata:       meta,
		SequenceNumber: strconv.FormatInt(in.SequenceNumber, 10),
		PreviousHash:   in.PreviousHash,
		Timestamp:      CaptureTime(in.Timestamp).Format(TimestampLayout),
	}
	return json.Marshal(rec)
}

// ComputeHash returns the hex SHA-256 digest of the canonical form of in.
func ComputeHash(in Input) (string, error) {
	data, err := Canonical(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// InputFromEntry rebuilds the hash input from a stored entry.
func InputFromEntry(e *domain.SecurityLogEntry) Input {
	return Input{
		EventType:      e.EventType,
		UserID:         e.UserID,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		Metadata:       e.Metadata,
		SequenceNumber: e.SequenceNumber,
		PreviousHash:   e.PreviousHash,
		Timestamp:      e.HashedAt,
	}
}

// VerifyEntryHash recomputes e's digest and compares it to CurrentHash.
func VerifyEntryHash(e *domain.SecurityLogEntry) (bool, error) {
	if e.HashAlgorithm != domain.HashAlgorithmSHA256 {
		return false, fmt.Errorf("unsupported hash algorithm %q", e.HashAlgorithm)
	}
	got, err := ComputeHash(InputFromEntry(e))
	if err != nil {
		return false, err
	}
	return got == e.CurrentHash, nil
}

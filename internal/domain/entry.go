// Package domain holds the security log entities shared across packages.
package domain

import (
	"encoding/json"
	"time"
)

// HashAlgorithmSHA256 is the only algorithm the appender writes.
const HashAlgorithmSHA256 = "SHA256"

// SecurityLogEntry is one persisted link of the hash chain.
//
// Entries are never updated. PreviousHash is nil only for sequence 1.
// HashedAt is the timestamp folded into CurrentHash; CreatedAt is the
// store's persistence time and is what retention compares against.
type SecurityLogEntry struct {
	ID             string          `json:"id"`
	EventID        string          `json:"eventId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	PreviousHash   *string         `json:"previousHash"`
	CurrentHash    string          `json:"currentHash"`
	HashAlgorithm  string          `json:"hashAlgorithm"`
	EventType      EventType       `json:"eventType"`
	UserID         *string         `json:"userId,omitempty"`
	IPAddress      *string         `json:"ipAddress,omitempty"`
	UserAgent      *string         `json:"userAgent,omitempty"`
	SessionID      *string         `json:"sessionId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Severity       Severity        `json:"severity,omitempty"`
	HashedAt       time.Time       `json:"hashedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ChainTail is the locked head of the chain read by the appender.
type ChainTail struct {
	SequenceNumber int64
	CurrentHash    string
}

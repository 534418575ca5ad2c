// Package store contains the GORM models persisted by the coordinator.
//
// Database structure (database file: frostd.db):
//
//	frostd.db
//	├── signing_sessions   one row per session, maps stored as JSON
//	└── nonce_commitments  one row per reserved commitment, kept past
//	                       its session for cross-session reuse checks
package store

import (
	"time"
)

// SessionRecord is the persisted form of a signing session. Version is
// bumped on every write and guards optimistic updates.
type SessionRecord struct {
	ID                uint       `gorm:"primaryKey"`
	SessionID         string     `gorm:"uniqueIndex;not null"`
	RequestKey        *string    `gorm:"uniqueIndex"` // NULL when the caller sent none
	KeyID             string     `gorm:"index;not null"`
	Initiator         string     `gorm:"not null"`
	MessageDigest     []byte     `gorm:"not null"`
	Participants      []byte     `gorm:"not null"` // JSON array
	Threshold         int        `gorm:"not null"`
	QuorumPolicy      string     `gorm:"not null"`
	Status            string     `gorm:"index;not null"`
	NonceCommitments  []byte     // JSON object: participant -> commitment
	PartialSignatures []byte     // JSON object: participant -> share
	FinalSignature    []byte
	ErrorMsg          string     `gorm:"type:text"`
	Version           int64      `gorm:"not null"`
	CreatedAt         time.Time  `gorm:"not null"`
	ExpiresAt         time.Time  `gorm:"index;not null"`
	CompletedAt       *time.Time
	FailedAt          *time.Time
	FinishedAt        *time.Time `gorm:"index"` // set on entering any terminal state
}

// TableName specifies the table name for SessionRecord.
func (SessionRecord) TableName() string {
	return "signing_sessions"
}

// NonceRecord is one reserved nonce commitment. CommitmentValue is unique
// across every session ever created.
type NonceRecord struct {
	ID              uint       `gorm:"primaryKey"`
	SessionID       string     `gorm:"uniqueIndex:idx_nonce_session_participant;not null"`
	ParticipantID   string     `gorm:"uniqueIndex:idx_nonce_session_participant;not null"`
	CommitmentValue []byte     `gorm:"uniqueIndex;not null"`
	Used            bool       `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"index;not null"`
	UsedAt          *time.Time
}

// TableName specifies the table name for NonceRecord.
func (NonceRecord) TableName() string {
	return "nonce_commitments"
}

// Models lists every model to auto-migrate.
func Models() []any {
	return []any{
		&SessionRecord{},
		&NonceRecord{},
	}
}

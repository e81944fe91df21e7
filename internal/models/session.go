package models

import "time"

// SessionRecord archives one room session from creation to termination.
// Rows are written best-effort; the live registry never reads them back.
type SessionRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	RoomID        string `gorm:"size:128;not null;index"`
	ParticipantID string `gorm:"size:64;not null;uniqueIndex"`
	Status        string `gorm:"size:32;default:initializing"`
	Processes     string `gorm:"type:json"` // JSON array of {role, pid, host}
	EndReason     string `gorm:"size:32"`   // "cleanup", "sweep", "replaced", "shutdown"
	CreatedAt     time.Time
	EndedAt       *time.Time `gorm:"index"`
}

// StatusEntry archives a single status log line for a participant.
type StatusEntry struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	ParticipantID string `gorm:"size:64;not null;index:idx_participant_seq"`
	Sequence      int    `gorm:"not null;index:idx_participant_seq"`
	Content       string `gorm:"type:text;not null"`
	CreatedAt     time.Time
}

package db

import (
	"fmt"
	"time"

	"github.com/zulandar/cinechat/internal/models"
	"gorm.io/gorm"
)

// Archive writes session and status history. It is write-only: nothing in the
// live path reads from it.
type Archive struct {
	db *gorm.DB
}

// NewArchive wraps an open, migrated connection.
func NewArchive(db *gorm.DB) *Archive {
	return &Archive{db: db}
}

// SessionStarted inserts a record for a newly created session.
func (a *Archive) SessionStarted(roomID, participantID string) error {
	rec := models.SessionRecord{
		RoomID:        roomID,
		ParticipantID: participantID,
		Status:        "initializing",
		Processes:     "[]",
	}
	if err := a.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("db: archive session %s: %w", participantID, err)
	}
	return nil
}

// SessionStatus records the latest coarse status of a session.
func (a *Archive) SessionStatus(participantID, status string) error {
	res := a.db.Model(&models.SessionRecord{}).
		Where("participant_id = ?", participantID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("db: archive status %s: %w", participantID, res.Error)
	}
	return nil
}

// SessionEnded stamps the end time, reason and the processes that were
// terminated. processes is stored as JSON.
func (a *Archive) SessionEnded(participantID, reason string, processes interface{}) error {
	procs, err := marshalJSON(processes)
	if err != nil {
		return fmt.Errorf("db: marshal processes for %s: %w", participantID, err)
	}
	if procs == "" {
		procs = "[]"
	}
	now := time.Now()
	res := a.db.Model(&models.SessionRecord{}).
		Where("participant_id = ?", participantID).
		Updates(map[string]interface{}{
			"end_reason": reason,
			"processes":  procs,
			"ended_at":   &now,
		})
	if res.Error != nil {
		return fmt.Errorf("db: archive end %s: %w", participantID, res.Error)
	}
	return nil
}

// StatusAppended archives one status log entry.
func (a *Archive) StatusAppended(participantID string, seq int, content string) error {
	entry := models.StatusEntry{
		ParticipantID: participantID,
		Sequence:      seq,
		Content:       content,
	}
	if err := a.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("db: archive status entry %s/%d: %w", participantID, seq, err)
	}
	return nil
}

// History returns archived status entries for a participant in order.
// Used by the CLI for sessions that are no longer live.
func (a *Archive) History(participantID string) ([]models.StatusEntry, error) {
	var entries []models.StatusEntry
	err := a.db.Where("participant_id = ?", participantID).
		Order("sequence asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("db: history %s: %w", participantID, err)
	}
	return entries, nil
}

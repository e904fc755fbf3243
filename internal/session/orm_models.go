package session

import (
	"encoding/json"
	"fmt"
	"time"

	"crabstack.local/projects/crab-care/internal/chat"
)

type sessionRow struct {
	SessionID           string    `gorm:"primaryKey;size:128"`
	PatientID           string    `gorm:"size:64"`
	FailedVerifications int       `gorm:"not null;default:0"`
	MessagesJSON        string    `gorm:"type:text;not null"`
	CreatedAt           time.Time `gorm:"not null"`
	LastActiveAt        time.Time `gorm:"not null;index"`
}

func (sessionRow) TableName() string {
	return "care_sessions"
}

func (r sessionRow) toRecord() (Record, error) {
	messages := []chat.Message{}
	if r.MessagesJSON != "" {
		if err := json.Unmarshal([]byte(r.MessagesJSON), &messages); err != nil {
			return Record{}, fmt.Errorf("decode session %s messages: %w", r.SessionID, err)
		}
	}
	return Record{
		ID:                  r.SessionID,
		PatientID:           r.PatientID,
		FailedVerifications: r.FailedVerifications,
		Messages:            messages,
		CreatedAt:           r.CreatedAt.UTC(),
		LastActiveAt:        r.LastActiveAt.UTC(),
	}, nil
}

func sessionRowFromRecord(rec Record) (sessionRow, error) {
	messages := rec.Messages
	if messages == nil {
		messages = []chat.Message{}
	}
	encoded, err := json.Marshal(messages)
	if err != nil {
		return sessionRow{}, fmt.Errorf("encode session %s messages: %w", rec.ID, err)
	}
	return sessionRow{
		SessionID:           rec.ID,
		PatientID:           rec.PatientID,
		FailedVerifications: rec.FailedVerifications,
		MessagesJSON:        string(encoded),
		CreatedAt:           rec.CreatedAt,
		LastActiveAt:        rec.LastActiveAt,
	}, nil
}

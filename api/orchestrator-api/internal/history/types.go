// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_history

import "time"

// Session statuses. Rows are never deleted mid-session — async writes can
// land after the websocket has closed, so the row only moves through
// statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// SessionRecord is one voice session row.
type SessionRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"column:session_id;uniqueIndex;size:64" json:"sessionId"`
	Fingerprint string    `gorm:"column:fingerprint;index;size:128" json:"fingerprint"`
	UserAgent   string    `gorm:"column:user_agent;size:512" json:"userAgent"`
	VoiceMode   string    `gorm:"column:voice_mode;size:32" json:"voiceMode"`
	Status      string    `gorm:"column:status;size:16" json:"status"`
	CreatedDate time.Time `gorm:"column:created_date" json:"createdDate"`
	UpdatedDate time.Time `gorm:"column:updated_date" json:"updatedDate"`
}

func (SessionRecord) TableName() string { return "voice_sessions" }

// TranscriptRecord is one final transcript segment, PII-redacted before it
// ever reaches the store.
type TranscriptRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"column:session_id;index;size:64" json:"sessionId"`
	Role        string    `gorm:"column:role;size:16" json:"role"`
	Text        string    `gorm:"column:text" json:"text"`
	Confidence  float64   `gorm:"column:confidence" json:"confidence"`
	CreatedDate time.Time `gorm:"column:created_date" json:"createdDate"`
}

func (TranscriptRecord) TableName() string { return "voice_transcripts" }

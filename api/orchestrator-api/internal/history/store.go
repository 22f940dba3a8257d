// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// Store persists session rows and transcripts. All writes are best-effort
// from the caller's perspective: the session loop fires them on background
// goroutines and never blocks arbitration on the database.
type Store interface {
	// SaveSession inserts the session row in "active" status.
	SaveSession(ctx context.Context, record *SessionRecord) error

	// CompleteSession marks the session row completed. The row remains so
	// late async writes can still resolve it.
	CompleteSession(ctx context.Context, sessionID string) error

	// SaveTranscript appends one final transcript segment.
	SaveTranscript(ctx context.Context, record *TranscriptRecord) error

	// CountByFingerprint returns how many completed sessions exist for a
	// client fingerprint. Used for the returning-user greeting.
	CountByFingerprint(ctx context.Context, fingerprint string) (int64, error)
}

type postgresStore struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewStore opens the postgres-backed history store and migrates its
// tables.
func NewStore(dsn string, logger commons.Logger) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &TranscriptRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history tables: %w", err)
	}
	return &postgresStore{db: db, logger: logger}, nil
}

// NewStoreWithDB wraps an existing gorm handle. Used by tests with sqlmock.
func NewStoreWithDB(db *gorm.DB, logger commons.Logger) Store {
	return &postgresStore{db: db, logger: logger}
}

func (s *postgresStore) SaveSession(ctx context.Context, record *SessionRecord) error {
	if record.Status == "" {
		record.Status = StatusActive
	}
	now := time.Now()
	if record.CreatedDate.IsZero() {
		record.CreatedDate = now
	}
	record.UpdatedDate = now

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to save session %s: %w", record.SessionID, err)
	}
	s.logger.Debugf("saved session row: sessionId=%s, fingerprint=%s", record.SessionID, record.Fingerprint)
	return nil
}

func (s *postgresStore) CompleteSession(ctx context.Context, sessionID string) error {
	result := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"updated_date": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete session %s: %w", sessionID, result.Error)
	}
	s.logger.Debugf("completed session row: sessionId=%s", sessionID)
	return nil
}

func (s *postgresStore) SaveTranscript(ctx context.Context, record *TranscriptRecord) error {
	if record.CreatedDate.IsZero() {
		record.CreatedDate = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to save transcript for %s: %w", record.SessionID, err)
	}
	return nil
}

func (s *postgresStore) CountByFingerprint(ctx context.Context, fingerprint string) (int64, error) {
	if fingerprint == "" {
		return 0, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("fingerprint = ? AND status = ?", fingerprint, StatusCompleted).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions for fingerprint: %w", err)
	}
	return count, nil
}

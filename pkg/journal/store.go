// Package journal keeps a local durable record of sessions and accepted items
// in SQLite, so a kiosk can account for what it collected even when the
// accounting service was unreachable.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("journal: not found")

// Store is the journal database. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the journal at path and runs migrations. Use
// ":memory:" for a throwaway journal.
func Open(path string) (*Store, error) {
	dsn := path + "?_foreign_keys=ON&_busy_timeout=5000"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenSession inserts sess. An empty ID is filled with a new UUID, which is
// returned.
func (s *Store) OpenSession(ctx context.Context, sess Session) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	sess.Items = nil

	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return "", fmt.Errorf("journal: open session: %w", err)
	}

	return sess.ID, nil
}

// AddItem appends an item to its session.
func (s *Store) AddItem(ctx context.Context, item Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return fmt.Errorf("journal: add item: %w", err)
	}

	return nil
}

// CloseSession records how session id ended.
func (s *Store) CloseSession(ctx context.Context, id string, c Closing) error {
	endedAt := c.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"ended_at":        endedAt,
		"items_processed": c.ItemsProcessed,
		"total_weight":    c.TotalWeight,
		"total_points":    c.TotalPoints,
		"end_reason":      c.Reason,
		"backend_synced":  c.BackendSynced,
	})
	if res.Error != nil {
		return fmt.Errorf("journal: close session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("journal: close session %s: %w", id, ErrNotFound)
	}

	return nil
}

// Session returns session id with its items in sequence order.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	var sess Session

	err := s.db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("seq ASC") }).
		First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("journal: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("journal: session: %w", err)
	}

	return sess, nil
}

// RecentSessions returns up to limit sessions, newest first, without items.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}

	var out []Session
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: recent sessions: %w", err)
	}

	return out, nil
}

// UnsyncedItems returns items the accounting service never acknowledged.
func (s *Store) UnsyncedItems(ctx context.Context) ([]Item, error) {
	var out []Item
	if err := s.db.WithContext(ctx).Where("synced = ?", false).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: unsynced items: %w", err)
	}

	return out, nil
}

package indexstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/results"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Filter narrows ListSessions. Zero values match everything.
type Filter struct {
	Status     session.Status
	Label      string
	PublicOnly bool
	Limit      int
}

// Store provides persistence for the session index.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertSession(ctx context.Context, rec *SessionRecord, labels []string) error
	GetSession(ctx context.Context, token string) (*SessionRecord, []string, error)
	ListSessions(ctx context.Context, filter Filter) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, token string) error
	// IndexedTokens maps every indexed token to when it was last indexed.
	IndexedTokens(ctx context.Context) (map[string]time.Time, error)
}

// Compile-time interface checks.
var (
	_ Store           = (*store)(nil)
	_ results.Indexer = (*Indexer)(nil)
)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new index Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "indexstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}

	s.db = db

	// Every connection to ":memory:" opens its own database.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&SessionRecord{},
		&SessionLabel{},
	); err != nil {
		return fmt.Errorf("running index migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Index database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertSession inserts or updates a session keyed by token and replaces
// its labels.
func (s *store) UpsertSession(ctx context.Context, rec *SessionRecord, labels []string) error {
	rec.IndexedAt = time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SessionRecord

		found := tx.Where("token = ?", rec.Token).Limit(1).Find(&existing)
		if found.Error != nil {
			return fmt.Errorf("looking up session: %w", found.Error)
		}

		if found.RowsAffected > 0 {
			rec.ID = existing.ID
		}

		// Save writes zero values too, so flags and dates can be cleared.
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("upserting session: %w", err)
		}

		if err := tx.
			Where("token = ?", rec.Token).
			Delete(&SessionLabel{}).Error; err != nil {
			return fmt.Errorf("clearing session labels: %w", err)
		}

		seen := make(map[string]struct{}, len(labels))
		rows := make([]SessionLabel, 0, len(labels))

		for _, label := range labels {
			if _, ok := seen[label]; ok || label == "" {
				continue
			}

			seen[label] = struct{}{}
			rows = append(rows, SessionLabel{Token: rec.Token, Label: label})
		}

		if len(rows) == 0 {
			return nil
		}

		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("inserting session labels: %w", err)
		}

		return nil
	})
}

// GetSession returns the indexed session and its labels.
func (s *store) GetSession(ctx context.Context, token string) (*SessionRecord, []string, error) {
	var rec SessionRecord

	result := s.db.WithContext(ctx).
		Where("token = ?", token).
		Limit(1).
		Find(&rec)
	if result.Error != nil {
		return nil, nil, fmt.Errorf("getting session: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return nil, nil, fmt.Errorf("indexed session %s: %w", token, session.ErrNotFound)
	}

	var labels []string
	if err := s.db.WithContext(ctx).
		Model(&SessionLabel{}).
		Where("token = ?", token).
		Order("label").
		Pluck("label", &labels).Error; err != nil {
		return nil, nil, fmt.Errorf("listing session labels: %w", err)
	}

	return &rec, labels, nil
}

// ListSessions returns indexed sessions, newest first.
func (s *store) ListSessions(ctx context.Context, filter Filter) ([]SessionRecord, error) {
	q := s.db.WithContext(ctx).Model(&SessionRecord{})

	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	if filter.PublicOnly {
		q = q.Where("is_public = ?", true)
	}

	if filter.Label != "" {
		q = q.Where("token IN (?)", s.db.
			Model(&SessionLabel{}).
			Select("token").
			Where("label = ?", filter.Label))
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []SessionRecord
	if err := q.Order("date_created DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return recs, nil
}

// DeleteSession removes a session and its labels from the index.
func (s *store) DeleteSession(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("token = ?", token).
			Delete(&SessionLabel{}).Error; err != nil {
			return fmt.Errorf("deleting session labels: %w", err)
		}

		if err := tx.
			Where("token = ?", token).
			Delete(&SessionRecord{}).Error; err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}

		return nil
	})
}

func (s *store) IndexedTokens(ctx context.Context) (map[string]time.Time, error) {
	var rows []struct {
		Token     string
		IndexedAt time.Time
	}

	if err := s.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Select("token", "indexed_at").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing indexed tokens: %w", err)
	}

	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Token] = r.IndexedAt
	}

	return out, nil
}

// Indexer adapts a Store to the results manager's index hook.
type Indexer struct {
	store Store
}

// NewIndexer wraps s.
func NewIndexer(s Store) *Indexer {
	return &Indexer{store: s}
}

// IndexSession upserts the session summary and labels.
func (ix *Indexer) IndexSession(ctx context.Context, info *session.Session) error {
	return ix.store.UpsertSession(ctx, RecordFromSession(info), info.Labels)
}

// RemoveSession drops the session from the index.
func (ix *Indexer) RemoveSession(ctx context.Context, token string) error {
	return ix.store.DeleteSession(ctx, token)
}

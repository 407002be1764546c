package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type document struct {
	Namespace string `gorm:"primaryKey;size:64"`
	DocKey    string `gorm:"primaryKey;size:160"`
	Body      []byte
	UpdatedAt time.Time
}

func (document) TableName() string { return "documents" }

// SQLBackend keeps documents in a single table keyed by (namespace, key).
type SQLBackend struct {
	db        *gorm.DB
	namespace string
	owned     bool
}

// OpenSQLite opens (or creates) a pure-Go sqlite database.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// NewSQLBackend migrates the documents table and scopes the backend to
// namespace. Several backends may share one *gorm.DB.
func NewSQLBackend(db *gorm.DB, namespace string) (*SQLBackend, error) {
	if err := db.AutoMigrate(&document{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	return &SQLBackend{db: db, namespace: namespace}, nil
}

// OpenSQLBackend opens the sqlite database at path and returns a backend
// that closes it on Close. Share it with DB and NewSQLBackend.
func OpenSQLBackend(path, namespace string) (*SQLBackend, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLBackend(db, namespace)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	b.owned = true
	return b, nil
}

func (s *SQLBackend) DB() *gorm.DB { return s.db }

func (s *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND doc_key = ?", s.namespace, SafeKey(key)).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", s.namespace, key, err)
	}
	return doc.Body, nil
}

func (s *SQLBackend) Put(ctx context.Context, key string, data []byte) error {
	doc := document{
		Namespace: s.namespace,
		DocKey:    SafeKey(key),
		Body:      data,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&doc).Error
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// Close releases the database when this backend opened it. Backends built
// with NewSQLBackend leave the *gorm.DB to its owner.
func (s *SQLBackend) Close() error {
	if !s.owned {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

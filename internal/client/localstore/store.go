// Package localstore keeps the client's outbox and its mirror of tenant
// products and stock movements in SQLite.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erauner12/stockbridge/internal/client/retry"
	"github.com/erauner12/stockbridge/internal/syncx"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a tenant-scoped lookup matches no local row
	ErrNotFound = errors.New("local record not found")
	// ErrDeleted is returned when mutating a product that was deleted locally
	ErrDeleted = errors.New("product is deleted")
	// ErrTxRequired is returned when Enqueue is called outside a transaction
	ErrTxRequired = errors.New("transaction required")
)

// Store is the client's durable state. All methods are safe for concurrent use;
// SQLite serializes writers on the single open connection.
type Store struct {
	db     *gorm.DB
	policy retry.Policy
	now    func() time.Time
}

// Option customizes a Store
type Option func(*Store)

// WithPolicy sets the retry policy used for eligibility and permanent failures
func WithPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the SQLite database at path and migrates it
func Open(path string, opts ...Option) (*Store, error) {
	conn, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s, err := New(conn, opts...)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open gorm connection and migrates the local schema
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, policy: retry.DefaultPolicy, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&OutboxOperation{}, &LocalProduct{}, &LocalMovement{}, &SyncMeta{}); err != nil {
		return nil, fmt.Errorf("migrating local store: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Policy returns the retry policy the store applies
func (s *Store) Policy() retry.Policy {
	return s.policy
}

// WithTx runs fn in one transaction; an error or panic rolls everything back
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) clock() time.Time {
	return syncx.TruncateMs(s.now())
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Package store provides unified database storage layer
// All database operations should go through this package
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ladderbot/logger"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// DBType database backend
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// DBConfig database connection settings
type DBConfig struct {
	Type DBType
	Path string // sqlite file path
	DSN  string // postgres connection string
}

// Store unified data storage
type Store struct {
	db     *gorm.DB
	dbType DBType

	// Sub-stores (lazy initialization)
	strategy *StrategyStore
	order    *OrderStore
	locker   Locker

	mu sync.RWMutex
}

// New opens the database described by cfg and migrates all tables
func New(cfg DBConfig) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbType: cfg.Type}
	if err := s.initTables(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("✅ Database initialized (type: %s)", cfg.Type)
	return s, nil
}

func open(cfg DBConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:  logger.NewGormLogger(),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch cfg.Type {
	case DBTypePostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres requires DB_DSN")
		}
		return gorm.Open(postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN}), gormCfg)
	case DBTypeSQLite, "":
		path := cfg.Path
		if path == "" {
			path = "data/ladderbot.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
		db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), gormCfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite 单写者，串行化连接避免 SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// initTables initializes all database tables
func (s *Store) initTables() error {
	if err := s.Strategy().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize strategy tables: %w", err)
	}
	if err := s.Order().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize order tables: %w", err)
	}
	return nil
}

// Strategy gets strategy storage
func (s *Store) Strategy() *StrategyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == nil {
		s.strategy = &StrategyStore{db: s.db}
	}
	return s.strategy
}

// Order gets order ledger storage
func (s *Store) Order() *OrderStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		s.order = &OrderStore{db: s.db}
	}
	return s.order
}

// Locker per-(strategy, ticker) tick lock matching the backend
func (s *Store) Locker() Locker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locker == nil {
		local := NewKeyedMutex()
		if s.dbType == DBTypePostgres {
			s.locker = &chainLocker{first: local, second: &AdvisoryLocker{db: s.db}}
		} else {
			s.locker = local
		}
	}
	return s.locker
}

// DBType returns current database type
func (s *Store) DBType() DBType {
	return s.dbType
}

// Close closes database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction.
// The *Store handed to fn is bound to the transaction; using the outer store
// inside fn would deadlock on sqlite's single connection.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx, dbType: s.dbType})
	})
}

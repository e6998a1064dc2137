// Package postgres implements the store.Store interface backed by PostgreSQL,
// with one JSONB document table per entity kind.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 2
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) List(ctx context.Context, table string, opts store.ListOptions) ([]*model.Row, error) {
	return queryList(ctx, s.db, table, opts)
}

func (s *PostgresStore) ListBefore(ctx context.Context, table string, cursor int64, limit int) ([]*model.Row, error) {
	return queryListBefore(ctx, s.db, table, cursor, limit)
}

func (s *PostgresStore) Get(ctx context.Context, table string, id int64) (*model.Row, error) {
	return queryGet(ctx, s.db, table, id)
}

func (s *PostgresStore) Query(ctx context.Context, table string, filter *model.Filter, opts store.ListOptions) ([]*model.Row, error) {
	return queryFilter(ctx, s.db, table, filter, opts)
}

func (s *PostgresStore) Search(ctx context.Context, table, term string, filters map[string]string, limit int) ([]*model.Row, error) {
	return querySearch(ctx, s.db, table, term, filters, limit)
}

func (s *PostgresStore) Create(ctx context.Context, table string, data map[string]any, createdBy string) (*model.Row, error) {
	return queryCreate(ctx, s.db, table, data, createdBy)
}

// CreateBatch inserts all items in a single transaction. Any failure rolls
// the whole batch back.
func (s *PostgresStore) CreateBatch(ctx context.Context, table string, items []map[string]any, defaultCreatedBy string) ([]*model.Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	rows, err := queryCreateBatch(ctx, tx, table, items, defaultCreatedBy)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) Update(ctx context.Context, table string, id int64, data map[string]any) (*model.Row, error) {
	return queryUpdate(ctx, s.db, table, id, data)
}

func (s *PostgresStore) Delete(ctx context.Context, table string, id int64) error {
	return queryDelete(ctx, s.db, table, id)
}

func (s *PostgresStore) PurgeActivityLogs(ctx context.Context, days int) (int64, error) {
	return queryPurgeActivityLogs(ctx, s.db, days)
}

func (s *PostgresStore) DataModel(ctx context.Context) (*store.DataModel, error) {
	return queryDataModel(ctx, s.db)
}

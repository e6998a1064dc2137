// Package store defines the persistence interface for the entity tables.
package store

import (
	"context"
	"errors"

	"github.com/dataflowhq/dataflow/internal/model"
)

// ErrNoTable reports a query against an entity table that has not been
// created yet. The list endpoints treat this as "no data", not as a client
// mistake; the entity name itself is validated before any query runs.
var ErrNoTable = errors.New("entity table does not exist")

// ListOptions controls offset-mode listing.
type ListOptions struct {
	Sort  string // "" = created_date descending; leading "-" = descending
	Limit int
	Skip  int
}

// ColumnInfo describes one column of an entity table.
type ColumnInfo struct {
	Name     string `json:"column_name"`
	DataType string `json:"data_type"`
	Nullable string `json:"is_nullable"`
}

// TableInfo describes one entity table.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// IndexInfo describes one index on an entity table.
type IndexInfo struct {
	Table      string `json:"tablename"`
	Name       string `json:"indexname"`
	Definition string `json:"indexdef"`
}

// DataModel is the introspected schema of the entity tables.
type DataModel struct {
	Tables  []TableInfo `json:"tables"`
	Indexes []IndexInfo `json:"indexes"`
}

// Store is the persistence interface for entity records. Table names passed
// in must come from model.TableForEntity or model.EntityTables; the store
// interpolates them as trusted identifiers.
type Store interface {
	// List returns rows in sort order with offset pagination.
	List(ctx context.Context, table string, opts ListOptions) ([]*model.Row, error)
	// ListBefore returns up to limit rows with id strictly below cursor,
	// ordered by id descending. A cursor <= 0 means "from the top".
	ListBefore(ctx context.Context, table string, cursor int64, limit int) ([]*model.Row, error)
	// Get returns a single row or sql.ErrNoRows.
	Get(ctx context.Context, table string, id int64) (*model.Row, error)
	// Query returns rows matching a parsed filter, sorted and paginated.
	// A Limit <= 0 returns every match.
	Query(ctx context.Context, table string, filter *model.Filter, opts ListOptions) ([]*model.Row, error)
	// Search returns rows matching flat equality filters and an optional
	// full-text term, newest first, capped at limit.
	Search(ctx context.Context, table, term string, filters map[string]string, limit int) ([]*model.Row, error)

	// Create inserts a document and returns the stored row.
	Create(ctx context.Context, table string, data map[string]any, createdBy string) (*model.Row, error)
	// CreateBatch inserts all items in one transaction; any failure leaves
	// zero rows behind. Items may carry their own created_by.
	CreateBatch(ctx context.Context, table string, items []map[string]any, defaultCreatedBy string) ([]*model.Row, error)
	// Update shallow-merges data into the stored document and refreshes
	// updated_date. Returns sql.ErrNoRows when the id is absent.
	Update(ctx context.Context, table string, id int64, data map[string]any) (*model.Row, error)
	// Delete removes a row. Returns sql.ErrNoRows when the id is absent.
	Delete(ctx context.Context, table string, id int64) error

	// PurgeActivityLogs deletes activity_log rows older than the given number
	// of days and reports how many were removed.
	PurgeActivityLogs(ctx context.Context, days int) (int64, error)
	// DataModel introspects columns and indexes of the entity tables.
	DataModel(ctx context.Context) (*DataModel, error)

	Ping(ctx context.Context) error
	Close() error
}

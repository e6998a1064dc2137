package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

// rowColumns is the column list used for SELECT statements on entity tables.
const rowColumns = `id, data, created_date, updated_date, created_by`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgUndefinedTable is the Postgres error code for a missing relation.
const pgUndefinedTable = "42P01"

// mapTableError converts "relation does not exist" driver errors into
// store.ErrNoTable so callers can degrade to an empty result.
func mapTableError(table string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUndefinedTable {
		return fmt.Errorf("%s: %w", table, store.ErrNoTable)
	}
	return err
}

func queryList(ctx context.Context, db executor, table string, opts store.ListOptions) ([]*model.Row, error) {
	sortClause, err := buildSortClause(opts.Sort)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + rowColumns + ` FROM ` + quoteTable(table) + ` ` + sortClause + ` LIMIT $1 OFFSET $2`
	rows, err := db.QueryContext(ctx, query, opts.Limit, opts.Skip)
	if err != nil {
		return nil, mapTableError(table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func queryListBefore(ctx context.Context, db executor, table string, cursor int64, limit int) ([]*model.Row, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor > 0 {
		rows, err = db.QueryContext(ctx,
			`SELECT `+rowColumns+` FROM `+quoteTable(table)+` WHERE id < $1 ORDER BY id DESC LIMIT $2`,
			cursor, limit)
	} else {
		rows, err = db.QueryContext(ctx,
			`SELECT `+rowColumns+` FROM `+quoteTable(table)+` ORDER BY id DESC LIMIT $1`,
			limit)
	}
	if err != nil {
		return nil, mapTableError(table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func queryGet(ctx context.Context, db executor, table string, id int64) (*model.Row, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM `+quoteTable(table)+` WHERE id = $1`, id)
	return scanRow(row)
}

func queryFilter(ctx context.Context, db executor, table string, filter *model.Filter, opts store.ListOptions) ([]*model.Row, error) {
	sortClause, err := buildSortClause(opts.Sort)
	if err != nil {
		return nil, err
	}

	where, params := buildFilterClause(filter, nil)
	query := `SELECT ` + rowColumns + ` FROM ` + quoteTable(table)
	if where != "" {
		query += ` ` + where
	}
	query += ` ` + sortClause

	if opts.Limit > 0 {
		params = append(params, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(params))
	}
	params = append(params, opts.Skip)
	query += ` OFFSET $` + strconv.Itoa(len(params))

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, mapTableError(table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func querySearch(ctx context.Context, db executor, table, term string, filters map[string]string, limit int) ([]*model.Row, error) {
	where, params, err := buildSearchClause(table, term, filters, nil)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + rowColumns + ` FROM ` + quoteTable(table)
	if where != "" {
		query += ` ` + where
	}
	params = append(params, limit)
	query += ` ORDER BY created_date DESC LIMIT $` + strconv.Itoa(len(params))

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, mapTableError(table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func queryCreate(ctx context.Context, db executor, table string, data map[string]any, createdBy string) (*model.Row, error) {
	doc, err := marshalDocument(data)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`INSERT INTO `+quoteTable(table)+` (data, created_by) VALUES ($1, $2) RETURNING `+rowColumns,
		doc, createdBy)
	return scanRow(row)
}

// queryCreateBatch inserts all items with a single multi-row INSERT. The
// caller wraps it in a transaction so a failure leaves no partial rows.
func queryCreateBatch(ctx context.Context, db executor, table string, items []map[string]any, defaultCreatedBy string) ([]*model.Row, error) {
	placeholders := make([]string, 0, len(items))
	values := make([]any, 0, 2*len(items))

	for _, item := range items {
		data := make(map[string]any, len(item))
		for k, v := range item {
			data[k] = v
		}
		createdBy := defaultCreatedBy
		if by, ok := data["created_by"].(string); ok && by != "" {
			createdBy = by
		}
		delete(data, "created_by")

		doc, err := marshalDocument(data)
		if err != nil {
			return nil, err
		}
		values = append(values, doc, createdBy)
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d)", len(values)-1, len(values)))
	}

	query := `INSERT INTO ` + quoteTable(table) + ` (data, created_by) VALUES `
	for i, p := range placeholders {
		if i > 0 {
			query += ", "
		}
		query += p
	}
	query += ` RETURNING ` + rowColumns

	rows, err := db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func queryUpdate(ctx context.Context, db executor, table string, id int64, data map[string]any) (*model.Row, error) {
	doc, err := marshalDocument(data)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`UPDATE `+quoteTable(table)+` SET data = data || $1, updated_date = NOW() WHERE id = $2 RETURNING `+rowColumns,
		doc, id)
	return scanRow(row)
}

func queryDelete(ctx context.Context, db executor, table string, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM `+quoteTable(table)+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func queryPurgeActivityLogs(ctx context.Context, db executor, days int) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM "activity_log" WHERE created_date < NOW() - INTERVAL '1 day' * $1`, days)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryDataModel(ctx context.Context, db executor) (*store.DataModel, error) {
	tables := pq.Array(model.EntityTables)

	colRows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = ANY($1)
		ORDER BY table_name, ordinal_position`, tables)
	if err != nil {
		return nil, fmt.Errorf("data model columns: %w", err)
	}
	defer colRows.Close()

	byName := make(map[string]*store.TableInfo)
	var order []string
	for colRows.Next() {
		var tableName string
		var col store.ColumnInfo
		if err := colRows.Scan(&tableName, &col.Name, &col.DataType, &col.Nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		info, ok := byName[tableName]
		if !ok {
			info = &store.TableInfo{Name: tableName}
			byName[tableName] = info
			order = append(order, tableName)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := colRows.Err(); err != nil {
		return nil, fmt.Errorf("column rows: %w", err)
	}

	idxRows, err := db.QueryContext(ctx, `
		SELECT tablename, indexname, indexdef
		FROM pg_indexes
		WHERE tablename = ANY($1)
		ORDER BY tablename, indexname`, tables)
	if err != nil {
		return nil, fmt.Errorf("data model indexes: %w", err)
	}
	defer idxRows.Close()

	dm := &store.DataModel{}
	for _, name := range order {
		dm.Tables = append(dm.Tables, *byName[name])
	}
	for idxRows.Next() {
		var idx store.IndexInfo
		if err := idxRows.Scan(&idx.Table, &idx.Name, &idx.Definition); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		dm.Indexes = append(dm.Indexes, idx)
	}
	if err := idxRows.Err(); err != nil {
		return nil, fmt.Errorf("index rows: %w", err)
	}
	return dm, nil
}

// marshalDocument serializes a document for a JSONB parameter. A nil map
// stores as an empty object, never null.
func marshalDocument(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	doc, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return doc, nil
}

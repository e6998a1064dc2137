// Package backup exports the entity tables as JSONL and ships the snapshot
// to S3-compatible or git destinations on a schedule.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

// exportPageSize bounds one cursor page during export.
const exportPageSize = 500

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version     string         `json:"version"`
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	RecordCount int            `json:"record_count"`
	Tables      map[string]int `json:"tables"`
}

// record wraps a single exported row with its table name. Rows are written
// raw, secrets included; exports are an operator backup, not an API surface.
type record struct {
	Type        string         `json:"type"`
	Table       string         `json:"table"`
	ID          int64          `json:"id"`
	Data        map[string]any `json:"data"`
	CreatedDate time.Time      `json:"created_date"`
	UpdatedDate time.Time      `json:"updated_date"`
	CreatedBy   string         `json:"created_by"`
}

// ExportJSONL writes every entity table from the store as JSONL to w. Rows
// within a table are ordered by id descending. Tables that do not exist yet
// are skipped.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	counts := make(map[string]int, len(model.EntityTables))
	total := 0
	var rows []record

	for _, table := range model.EntityTables {
		cursor := int64(0)
		for {
			page, err := s.ListBefore(ctx, table, cursor, exportPageSize)
			if err != nil {
				if errors.Is(err, store.ErrNoTable) {
					break
				}
				return fmt.Errorf("export %s: %w", table, err)
			}
			for _, row := range page {
				rows = append(rows, record{
					Type:        "record",
					Table:       table,
					ID:          row.ID,
					Data:        row.Data,
					CreatedDate: row.CreatedDate,
					UpdatedDate: row.UpdatedDate,
					CreatedBy:   row.CreatedBy,
				})
				cursor = row.ID
			}
			counts[table] += len(page)
			total += len(page)
			if len(page) < exportPageSize {
				break
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:     "1",
		Type:        "header",
		Timestamp:   time.Now().UTC(),
		RecordCount: total,
		Tables:      counts,
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode %s/%d: %w", r.Table, r.ID, err)
		}
	}
	return nil
}

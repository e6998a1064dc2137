package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dataflowhq/dataflow/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanRow scans one entity row in rowColumns order.
func scanRow(row scannable) (*model.Row, error) {
	var r model.Row
	var (
		data      []byte
		createdBy sql.NullString
	)

	err := row.Scan(&r.ID, &data, &r.CreatedDate, &r.UpdatedDate, &createdBy)
	if err != nil {
		return nil, err
	}

	r.CreatedBy = createdBy.String
	r.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal document: %w", err)
		}
	}
	return &r, nil
}

func scanRows(rows *sql.Rows) ([]*model.Row, error) {
	var result []*model.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

package server

import (
	"context"
	"database/sql"
	"sort"

	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

// mockStore is an in-memory store.Store for handler tests. Rows are kept per
// table, keyed by id.
type mockStore struct {
	tables map[string]map[int64]*model.Row
	nextID int64

	// Error injection.
	listErr   error
	createErr error
	pingErr   error

	// Captured inputs.
	lastFilter *model.Filter
	lastOpts   store.ListOptions
	lastSearch struct {
		Table   string
		Term    string
		Filters map[string]string
		Limit   int
	}
	lastUpdate map[string]any
	purgedDays int
}

func newMockStore() *mockStore {
	return &mockStore{tables: make(map[string]map[int64]*model.Row)}
}

func (m *mockStore) add(table string, data map[string]any) *model.Row {
	m.nextID++
	row := &model.Row{ID: m.nextID, Data: data, CreatedBy: "seed@local"}
	if m.tables[table] == nil {
		m.tables[table] = make(map[int64]*model.Row)
	}
	m.tables[table][row.ID] = row
	return row
}

// sorted returns a table's rows by id descending.
func (m *mockStore) sorted(table string) []*model.Row {
	var rows []*model.Row
	for _, row := range m.tables[table] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	return rows
}

func (m *mockStore) List(_ context.Context, table string, opts store.ListOptions) ([]*model.Row, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.lastOpts = opts
	rows := m.sorted(table)
	if opts.Skip < len(rows) {
		rows = rows[opts.Skip:]
	} else {
		rows = nil
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

func (m *mockStore) ListBefore(_ context.Context, table string, cursor int64, limit int) ([]*model.Row, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var rows []*model.Row
	for _, row := range m.sorted(table) {
		if cursor > 0 && row.ID >= cursor {
			continue
		}
		rows = append(rows, row)
		if len(rows) == limit {
			break
		}
	}
	return rows, nil
}

func (m *mockStore) Get(_ context.Context, table string, id int64) (*model.Row, error) {
	row, ok := m.tables[table][id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return row, nil
}

func (m *mockStore) Query(_ context.Context, table string, filter *model.Filter, opts store.ListOptions) ([]*model.Row, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.lastFilter = filter
	m.lastOpts = opts
	return m.sorted(table), nil
}

func (m *mockStore) Search(_ context.Context, table, term string, filters map[string]string, limit int) ([]*model.Row, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.lastSearch.Table = table
	m.lastSearch.Term = term
	m.lastSearch.Filters = filters
	m.lastSearch.Limit = limit
	return m.sorted(table), nil
}

func (m *mockStore) Create(_ context.Context, table string, data map[string]any, createdBy string) (*model.Row, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	row := m.add(table, data)
	row.CreatedBy = createdBy
	return row, nil
}

func (m *mockStore) CreateBatch(_ context.Context, table string, items []map[string]any, defaultCreatedBy string) ([]*model.Row, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	rows := make([]*model.Row, 0, len(items))
	for _, item := range items {
		row := m.add(table, item)
		row.CreatedBy = defaultCreatedBy
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *mockStore) Update(_ context.Context, table string, id int64, data map[string]any) (*model.Row, error) {
	row, ok := m.tables[table][id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	m.lastUpdate = data
	for k, v := range data {
		row.Data[k] = v
	}
	return row, nil
}

func (m *mockStore) Delete(_ context.Context, table string, id int64) error {
	if _, ok := m.tables[table][id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.tables[table], id)
	return nil
}

func (m *mockStore) PurgeActivityLogs(_ context.Context, days int) (int64, error) {
	m.purgedDays = days
	return 7, nil
}

func (m *mockStore) DataModel(_ context.Context) (*store.DataModel, error) {
	return &store.DataModel{}, nil
}

func (m *mockStore) Ping(_ context.Context) error { return m.pingErr }
func (m *mockStore) Close() error                 { return nil }

// recordingPublisher captures published events.
type recordingPublisher struct {
	topics  []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event any) error {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dataflowhq/dataflow/internal/events"
	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

// maxBatchItems bounds one batch insert.
const maxBatchItems = 100

// handleListEntities handles GET /api/entities/{entity}. The presence of the
// cursor query key selects cursor mode; an empty cursor value starts from the
// top. Offset mode honors sort/limit/skip.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	table, err := model.TableForEntity(r.PathValue("entity"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	q := r.URL.Query()
	limit := s.clampPageSize(q.Get("limit"))

	if q.Has("cursor") {
		var cursor int64
		if raw := q.Get("cursor"); raw != "" {
			cursor, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid cursor")
				return
			}
		}

		rows, err := s.store.ListBefore(r.Context(), table, cursor, limit)
		if errors.Is(err, store.ErrNoTable) {
			rows = nil
		} else if err != nil {
			writeStoreError(w, err)
			return
		}

		resp := map[string]any{
			"items":      formatRecords(rows, table),
			"nextCursor": nil,
			"hasMore":    len(rows) == limit,
		}
		if len(rows) > 0 {
			// Rows are id-descending; the last one is the lowest id. The
			// cursor crosses the wire as a string, like record ids do.
			resp["nextCursor"] = strconv.FormatInt(rows[len(rows)-1].ID, 10)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	opts := store.ListOptions{
		Sort:  q.Get("sort"),
		Limit: limit,
	}
	if v := q.Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Skip = n
		}
	}

	rows, err := s.store.List(r.Context(), table, opts)
	if errors.Is(err, store.ErrNoTable) {
		rows = nil
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatRecords(rows, table))
}

// filterInput is the body of POST /api/entities/{entity}/filter.
type filterInput struct {
	Query map[string]any `json:"query"`
	Sort  string         `json:"sort"`
	Limit *int           `json:"limit"`
	Skip  int            `json:"skip"`
}

// handleFilterEntities handles POST /api/entities/{entity}/filter.
func (s *Server) handleFilterEntities(w http.ResponseWriter, r *http.Request) {
	table, err := model.TableForEntity(r.PathValue("entity"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var in filterInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	filter, err := model.ParseFilter(in.Query)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	opts := store.ListOptions{
		Sort:  in.Sort,
		Limit: s.clampPageSizeInt(in.Limit),
	}
	if in.Skip > 0 {
		opts.Skip = in.Skip
	}

	rows, err := s.store.Query(r.Context(), table, filter, opts)
	if errors.Is(err, store.ErrNoTable) {
		rows = nil
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatRecords(rows, table))
}

// handleBatchCreate handles POST /api/entities/{entity}/batch. The batch is
// one transaction; any failure inserts nothing.
func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	table, err := model.TableForEntity(r.PathValue("entity"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var in struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(in.Items) == 0 {
		writeError(w, http.StatusBadRequest, "Request body must contain a non-empty items array")
		return
	}
	if len(in.Items) > maxBatchItems {
		writeError(w, http.StatusBadRequest, "Batch size limited to 100 items")
		return
	}

	rows, err := s.store.CreateBatch(r.Context(), table, in.Items, s.cfg.User.Email)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	records := formatRecords(rows, table)
	for _, record := range records {
		s.publish(r.Context(), events.TopicEntityCreated, events.EntityCreated{
			Entity: table,
			Record: record,
		})
	}
	writeJSON(w, http.StatusCreated, records)
}

// handleGetEntity handles GET /api/entities/{entity}/{id}.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	table, id, ok := s.entityTarget(w, r)
	if !ok {
		return
	}

	row, err := s.store.Get(r.Context(), table, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.FormatRecord(row, table))
}

// handleCreateEntity handles POST /api/entities/{entity}. created_by defaults
// to the configured user when the document does not carry one.
func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	table, err := model.TableForEntity(r.PathValue("entity"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	createdBy := s.cfg.User.Email
	if v, ok := data["created_by"].(string); ok && v != "" {
		createdBy = v
	}
	delete(data, "created_by")

	row, err := s.store.Create(r.Context(), table, data, createdBy)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	record := model.FormatRecord(row, table)
	s.publish(r.Context(), events.TopicEntityCreated, events.EntityCreated{
		Entity: table,
		Record: record,
	})
	writeJSON(w, http.StatusCreated, record)
}

// handleUpdateEntity handles PUT /api/entities/{entity}/{id}. System fields
// and redaction-marker values are stripped before the shallow merge.
func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	table, id, ok := s.entityTarget(w, r)
	if !ok {
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	model.StripUpdate(data, table)

	row, err := s.store.Update(r.Context(), table, id, data)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.publish(r.Context(), events.TopicEntityUpdated, events.EntityUpdated{
		Entity:  table,
		ID:      strconv.FormatInt(id, 10),
		Changes: data,
	})
	writeJSON(w, http.StatusOK, model.FormatRecord(row, table))
}

// handleDeleteEntity handles DELETE /api/entities/{entity}/{id}.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	table, id, ok := s.entityTarget(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), table, id); err != nil {
		writeStoreError(w, err)
		return
	}

	s.publish(r.Context(), events.TopicEntityDeleted, events.EntityDeleted{
		Entity: table,
		ID:     strconv.FormatInt(id, 10),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// entityTarget resolves the {entity} and {id} path values, writing a 400 and
// returning ok=false when either is invalid.
func (s *Server) entityTarget(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	table, err := model.TableForEntity(r.PathValue("entity"))
	if err != nil {
		writeStoreError(w, err)
		return "", 0, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return "", 0, false
	}
	return table, id, true
}

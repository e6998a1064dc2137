package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

// searchDefaultLimit caps search results when the caller supplies no usable
// limit.
const searchDefaultLimit = 50

// functionInput is the body of POST /api/functions/{name}.
type functionInput struct {
	SearchTerm string         `json:"searchTerm"`
	Filters    map[string]any `json:"filters"`
	Limit      any            `json:"limit"`
}

// limitOrDefault coerces the limit field (number or numeric string) to an
// integer, falling back to the search default.
func (in functionInput) limitOrDefault() int {
	switch v := in.Limit.(type) {
	case float64:
		if n := int(v); n > 0 {
			return n
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return searchDefaultLimit
}

// searchFilters flattens the filters map to string values, skipping empties.
func (in functionInput) searchFilters() map[string]string {
	filters := make(map[string]string, len(in.Filters))
	for field, value := range in.Filters {
		s := model.Stringify(value)
		if s == "" || value == nil {
			continue
		}
		filters[field] = s
	}
	return filters
}

// handleFunction handles POST /api/functions/{name}: the search functions
// plus the stubs kept for client compatibility.
func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	switch name {
	case "searchPipelines":
		s.handleSearch(w, r, model.TablePipeline, false)
	case "searchConnections":
		s.handleSearch(w, r, model.TableConnection, false)
	case "searchActivityLogs":
		s.handleSearch(w, r, model.TableActivityLog, true)
	case "triggerDependentPipelines":
		writeJSON(w, http.StatusOK, map[string]any{"triggered": []any{}})
	case "syncAirflowDagsAsync":
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "sync_not_available",
			"message": "Airflow sync not configured in local environment",
		})
	case "generateLineage":
		writeJSON(w, http.StatusOK, map[string]string{
			"error": "Lineage feature has been removed",
		})
	default:
		writeError(w, http.StatusNotFound, "unknown function: "+name)
	}
}

// handleSearch runs the full-text search for one entity table. The activity
// log response is wrapped in the cursor-list envelope its client expects.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, table string, wrapped bool) {
	var in functionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rows, err := s.store.Search(r.Context(), table, in.SearchTerm, in.searchFilters(), in.limitOrDefault())
	if errors.Is(err, store.ErrNoTable) {
		rows = nil
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	records := formatRecords(rows, table)
	if wrapped {
		writeJSON(w, http.StatusOK, map[string]any{
			"items":      records,
			"nextCursor": nil,
			"hasMore":    false,
		})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

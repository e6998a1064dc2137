// Package server exposes the DataFlow REST API: generic entity CRUD over the
// store, search functions, the Airflow proxy, the GitLab deployment flow, and
// the admin surface.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dataflowhq/dataflow/internal/airflow"
	"github.com/dataflowhq/dataflow/internal/config"
	"github.com/dataflowhq/dataflow/internal/events"
	"github.com/dataflowhq/dataflow/internal/gitlab"
	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

// Server handles the REST API backed by the given store and publisher.
type Server struct {
	store     store.Store
	publisher events.Publisher
	cfg       *config.Config
	airflow   *airflow.Client
	gitlab    *gitlab.Client
	started   time.Time
}

// New returns a Server backed by the given store and publisher.
func New(s store.Store, p events.Publisher, cfg *config.Config) *Server {
	return &Server{
		store:     s,
		publisher: p,
		cfg:       cfg,
		airflow:   airflow.NewClient(),
		gitlab: gitlab.NewClient(gitlab.Config{
			BaseURL:   cfg.GitLab.BaseURL,
			ProjectID: cfg.GitLab.ProjectID,
			Branch:    cfg.GitLab.Branch,
		}),
		started: time.Now(),
	}
}

// publish emits an event. Best-effort; failures are logged, never surfaced.
func (s *Server) publish(ctx context.Context, topic string, event any) {
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// inputError indicates invalid user input. The transport maps it to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps an error from the model or store layers to a response.
// Input-shaped errors (unknown entity, bad field, bad filter) are the
// client's fault; a missing row is 404; everything else is 500 with the
// message only.
func writeStoreError(w http.ResponseWriter, err error) {
	var ie inputError
	switch {
	case errors.As(err, &ie):
		writeError(w, http.StatusBadRequest, ie.Error())
	case errors.Is(err, model.ErrUnknownEntity),
		errors.Is(err, model.ErrInvalidField),
		errors.Is(err, model.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "record not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// clampPageSize parses a limit string: absent or unparsable falls back to the
// configured default, then the result is clamped to [1, max].
func (s *Server) clampPageSize(raw string) int {
	size := s.cfg.DefaultPageSize
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			size = n
		}
	}
	if size < 1 {
		size = 1
	}
	if size > s.cfg.MaxPageSize {
		size = s.cfg.MaxPageSize
	}
	return size
}

// clampPageSizeInt applies the same bounds to an already-parsed limit, with
// nil meaning "use the default".
func (s *Server) clampPageSizeInt(limit *int) int {
	size := s.cfg.DefaultPageSize
	if limit != nil {
		size = *limit
	}
	if size < 1 {
		size = 1
	}
	if size > s.cfg.MaxPageSize {
		size = s.cfg.MaxPageSize
	}
	return size
}

// formatRecords renders rows as external records for one entity table.
func formatRecords(rows []*model.Row, table string) []map[string]any {
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		records = append(records, model.FormatRecord(row, table))
	}
	return records
}

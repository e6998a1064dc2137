package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dataflowhq/dataflow/internal/airflow"
	"github.com/dataflowhq/dataflow/internal/events"
	"github.com/dataflowhq/dataflow/internal/model"
	"github.com/dataflowhq/dataflow/internal/store"
)

// airflowSecretFields never leave the server through the proxy endpoints.
var airflowSecretFields = []string{"password", "api_token", "airflow_password", "connection_string"}

// stripAirflowSecrets removes credential fields from an outgoing record.
func stripAirflowSecrets(record map[string]any) map[string]any {
	for _, field := range airflowSecretFields {
		delete(record, field)
	}
	return record
}

// writeUpstreamError maps an Airflow client error: host validation failures
// are the caller's fault, everything else is an upstream failure.
func writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, airflow.ErrBadHost) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

// airflowConnection loads the stored connection named by {connId} and
// extracts its credentials. Writes the error response itself on failure.
func (s *Server) airflowConnection(w http.ResponseWriter, r *http.Request) (airflow.Connection, bool) {
	id, err := strconv.ParseInt(r.PathValue("connId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return airflow.Connection{}, false
	}

	row, err := s.store.Get(r.Context(), model.TableConnection, id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "airflow connection not found")
		return airflow.Connection{}, false
	}
	if err != nil {
		writeStoreError(w, err)
		return airflow.Connection{}, false
	}

	return airflow.ConnectionFromRecord(row.Data), true
}

// handleAirflowListConnections handles GET /api/airflow/connections.
func (s *Server) handleAirflowListConnections(w http.ResponseWriter, r *http.Request) {
	filter, err := model.ParseFilter(map[string]any{"platform": "airflow"})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// The connection picker needs every airflow connection, not a page.
	rows, err := s.store.Query(r.Context(), model.TableConnection, filter, store.ListOptions{})
	if errors.Is(err, store.ErrNoTable) {
		rows = nil
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		records = append(records, stripAirflowSecrets(model.FormatRecord(row, model.TableConnection)))
	}
	writeJSON(w, http.StatusOK, records)
}

// handleAirflowCreateConnection handles POST /api/airflow/connections. The
// upstream host is validated before anything is stored.
func (s *Server) handleAirflowCreateConnection(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	host, _ := data["host"].(string)
	if _, err := airflow.ValidateHost(host); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data["platform"] = "airflow"

	row, err := s.store.Create(r.Context(), model.TableConnection, data, s.cfg.User.Email)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	record := model.FormatRecord(row, model.TableConnection)
	s.publish(r.Context(), events.TopicEntityCreated, events.EntityCreated{
		Entity: model.TableConnection,
		Record: record,
	})
	writeJSON(w, http.StatusCreated, stripAirflowSecrets(record))
}

// handleAirflowDeleteConnection handles DELETE /api/airflow/connections/{id}.
func (s *Server) handleAirflowDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	if err := s.store.Delete(r.Context(), model.TableConnection, id); err != nil {
		writeStoreError(w, err)
		return
	}

	s.publish(r.Context(), events.TopicEntityDeleted, events.EntityDeleted{
		Entity: model.TableConnection,
		ID:     strconv.FormatInt(id, 10),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// testConnection pings the upstream health endpoint and reports latency.
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request, conn airflow.Connection) {
	start := time.Now()
	health, err := s.airflow.Health(r.Context(), conn)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":  true,
		"latency_ms": time.Since(start).Milliseconds(),
		"health":     health,
	})
}

// handleAirflowTestPayload handles POST /api/airflow/connections/test with
// inline credentials, nothing stored.
func (s *Server) handleAirflowTestPayload(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.testConnection(w, r, airflow.ConnectionFromRecord(data))
}

// handleAirflowTestStored handles POST /api/airflow/connections/{id}/test.
func (s *Server) handleAirflowTestStored(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	row, err := s.store.Get(r.Context(), model.TableConnection, id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "airflow connection not found")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.testConnection(w, r, airflow.ConnectionFromRecord(row.Data))
}

// handleAirflowListDags handles GET /api/airflow/{connId}/dags.
func (s *Server) handleAirflowListDags(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := airflow.ListDagsOptions{
		OnlyActive: q.Get("only_active") == "true",
		Search:     q.Get("search"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = n
	}

	dags, err := s.airflow.ListDags(r.Context(), conn, opts)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dags)
}

// handleAirflowGetDag handles GET /api/airflow/{connId}/dags/{dagId}.
func (s *Server) handleAirflowGetDag(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	dag, err := s.airflow.GetDag(r.Context(), conn, r.PathValue("dagId"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dag)
}

// handleAirflowSetPaused handles PATCH /api/airflow/{connId}/dags/{dagId}.
func (s *Server) handleAirflowSetPaused(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	var in struct {
		IsPaused bool `json:"is_paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	state, err := s.airflow.SetDagPaused(r.Context(), conn, r.PathValue("dagId"), in.IsPaused)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleAirflowListTasks handles GET /api/airflow/{connId}/dags/{dagId}/tasks.
func (s *Server) handleAirflowListTasks(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	tasks, err := s.airflow.ListTasks(r.Context(), conn, r.PathValue("dagId"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleAirflowListDagRuns handles GET /api/airflow/{connId}/dags/{dagId}/dagRuns.
func (s *Server) handleAirflowListDagRuns(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	runs, err := s.airflow.ListDagRuns(r.Context(), conn, r.PathValue("dagId"), limit, offset)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleAirflowTriggerRun handles POST /api/airflow/{connId}/dags/{dagId}/dagRuns.
func (s *Server) handleAirflowTriggerRun(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	var in struct {
		Conf map[string]any `json:"conf"`
	}
	// An empty body triggers with empty conf.
	_ = json.NewDecoder(r.Body).Decode(&in)

	run, err := s.airflow.TriggerDagRun(r.Context(), conn, r.PathValue("dagId"), in.Conf)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleAirflowListTaskInstances handles
// GET /api/airflow/{connId}/dags/{dagId}/dagRuns/{runId}/taskInstances.
func (s *Server) handleAirflowListTaskInstances(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	instances, err := s.airflow.ListTaskInstances(r.Context(), conn, r.PathValue("dagId"), r.PathValue("runId"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// handleAirflowTaskLogs handles
// GET /api/airflow/{connId}/dags/{dagId}/dagRuns/{runId}/taskInstances/{taskId}/logs/{tryNumber}.
func (s *Server) handleAirflowTaskLogs(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.airflowConnection(w, r)
	if !ok {
		return
	}

	logs, err := s.airflow.TaskLogs(r.Context(), conn,
		r.PathValue("dagId"), r.PathValue("runId"), r.PathValue("taskId"), r.PathValue("tryNumber"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(logs))
}

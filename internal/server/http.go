package server

import "net/http"

// NewHTTPHandler returns an http.Handler with all routes registered, wrapped
// in the recovery, logging, and CORS middleware. When the config carries an
// admin token, /api/admin/ routes additionally require it as a bearer token.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/auth/me", s.handleAuthMe)
	mux.HandleFunc("POST /api/auth/logout", s.handleAuthLogout)
	mux.HandleFunc("GET /api/apps/public/prod/public-settings/by-id/{appId}", s.handleAppSettings)

	mux.HandleFunc("GET /api/entities/{entity}", s.handleListEntities)
	mux.HandleFunc("POST /api/entities/{entity}", s.handleCreateEntity)
	mux.HandleFunc("POST /api/entities/{entity}/filter", s.handleFilterEntities)
	mux.HandleFunc("POST /api/entities/{entity}/batch", s.handleBatchCreate)
	mux.HandleFunc("GET /api/entities/{entity}/{id}", s.handleGetEntity)
	mux.HandleFunc("PUT /api/entities/{entity}/{id}", s.handleUpdateEntity)
	mux.HandleFunc("DELETE /api/entities/{entity}/{id}", s.handleDeleteEntity)

	mux.HandleFunc("POST /api/functions/{name}", s.handleFunction)

	mux.HandleFunc("GET /api/airflow/connections", s.handleAirflowListConnections)
	mux.HandleFunc("POST /api/airflow/connections", s.handleAirflowCreateConnection)
	mux.HandleFunc("DELETE /api/airflow/connections/{id}", s.handleAirflowDeleteConnection)
	mux.HandleFunc("POST /api/airflow/connections/test", s.handleAirflowTestPayload)
	mux.HandleFunc("POST /api/airflow/connections/{id}/test", s.handleAirflowTestStored)
	mux.HandleFunc("GET /api/airflow/{connId}/dags", s.handleAirflowListDags)
	mux.HandleFunc("GET /api/airflow/{connId}/dags/{dagId}", s.handleAirflowGetDag)
	mux.HandleFunc("PATCH /api/airflow/{connId}/dags/{dagId}", s.handleAirflowSetPaused)
	mux.HandleFunc("GET /api/airflow/{connId}/dags/{dagId}/tasks", s.handleAirflowListTasks)
	mux.HandleFunc("GET /api/airflow/{connId}/dags/{dagId}/dagRuns", s.handleAirflowListDagRuns)
	mux.HandleFunc("POST /api/airflow/{connId}/dags/{dagId}/dagRuns", s.handleAirflowTriggerRun)
	mux.HandleFunc("GET /api/airflow/{connId}/dags/{dagId}/dagRuns/{runId}/taskInstances", s.handleAirflowListTaskInstances)
	mux.HandleFunc("GET /api/airflow/{connId}/dags/{dagId}/dagRuns/{runId}/taskInstances/{taskId}/logs/{tryNumber}", s.handleAirflowTaskLogs)

	mux.HandleFunc("GET /api/gitlab/config", s.handleGitLabConfig)
	mux.HandleFunc("POST /api/gitlab/status", s.handleGitLabStatus)
	mux.HandleFunc("POST /api/gitlab/commit", s.handleGitLabCommit)

	mux.HandleFunc("POST /api/admin/purge-logs", s.handlePurgeLogs)
	mux.HandleFunc("GET /api/admin/data-model", s.handleDataModel)

	var handler http.Handler = mux
	handler = AdminAuthMiddleware(s.cfg.AdminToken, handler)
	handler = CORSMiddleware(s.cfg.CORSOrigin, handler)
	if s.cfg.LogRequests {
		handler = LoggingMiddleware(handler)
	}
	handler = RecoveryMiddleware(handler)
	return handler
}

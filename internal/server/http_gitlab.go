package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dataflowhq/dataflow/internal/events"
	"github.com/dataflowhq/dataflow/internal/gitlab"
)

// handleGitLabConfig handles GET /api/gitlab/config. Credentials are never
// part of the config; callers supply them per request.
func (s *Server) handleGitLabConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": s.gitlab.Configured(),
		"base_url":   s.cfg.GitLab.BaseURL,
		"project_id": s.cfg.GitLab.ProjectID,
		"branch":     s.gitlab.Branch(),
	})
}

// gitlabCredentials is the credential pair accepted by the deployment
// endpoints (LDAP basic auth against GitLab).
type gitlabCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleGitLabStatus handles POST /api/gitlab/status.
func (s *Server) handleGitLabStatus(w http.ResponseWriter, r *http.Request) {
	var in gitlabCredentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status, err := s.gitlab.Status(r.Context(), in.Username, in.Password)
	if err != nil {
		writeGitLabError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// commitInput is the body of POST /api/gitlab/commit.
type commitInput struct {
	gitlabCredentials
	Branch  string        `json:"branch"`
	Message string        `json:"message"`
	Files   []gitlab.File `json:"files"`
}

// handleGitLabCommit handles POST /api/gitlab/commit: one commit covering all
// submitted pipeline definition files.
func (s *Server) handleGitLabCommit(w http.ResponseWriter, r *http.Request) {
	var in commitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(in.Files) == 0 {
		writeError(w, http.StatusBadRequest, "no files to commit")
		return
	}

	result, err := s.gitlab.CommitFiles(r.Context(), in.Username, in.Password, in.Branch, in.Message, in.Files)
	if err != nil {
		writeGitLabError(w, err)
		return
	}

	paths := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		paths = append(paths, f.Path)
	}
	s.publish(r.Context(), events.TopicDeployCommitted, events.DeployCommitted{
		Branch:   result.Branch,
		CommitID: result.CommitID,
		Files:    paths,
	})
	writeJSON(w, http.StatusCreated, result)
}

// writeGitLabError maps a gitlab client error: bad paths are the caller's
// fault, a missing configuration is a server-side setup problem, everything
// else is an upstream failure.
func writeGitLabError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gitlab.ErrBadPath):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gitlab.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// Package gitlab commits pipeline specification files into a GitLab
// repository through the v4 REST API.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const requestTimeout = 15 * time.Second

// DefaultCommitMessage is used when a commit request carries no message.
const DefaultCommitMessage = "DataFlow pipeline deployment"

// maxCommitMessageLen caps operator-supplied commit messages.
const maxCommitMessageLen = 500

// ErrNotConfigured indicates the GitLab integration has no base URL or
// project configured.
var ErrNotConfigured = errors.New("gitlab integration is not configured")

// ErrBadPath indicates a file path outside the allowed specs tree.
var ErrBadPath = errors.New("invalid deployment file path")

// branchSanitizer collapses characters GitLab refuses in ref names.
var branchSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-/.]`)

// Config locates the target project.
type Config struct {
	BaseURL   string // e.g. https://gitlab.example.com
	ProjectID string // numeric id or url-encoded path
	Branch    string // default target branch
}

// File is one file to commit.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CommitResult describes a created commit.
type CommitResult struct {
	CommitID string `json:"commit_id"`
	ShortID  string `json:"short_id"`
	Branch   string `json:"branch"`
	WebURL   string `json:"web_url"`
}

// ProjectStatus reports whether the configured project is reachable with the
// supplied credentials.
type ProjectStatus struct {
	Connected     bool   `json:"connected"`
	ProjectName   string `json:"project_name,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
	WebURL        string `json:"web_url,omitempty"`
}

// Client talks to one GitLab instance.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: requestTimeout}}
}

// Configured reports whether the client can issue requests.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.ProjectID != ""
}

// Branch returns the configured default branch, or "main".
func (c *Client) Branch() string {
	if c.cfg.Branch != "" {
		return c.cfg.Branch
	}
	return "main"
}

// SanitizeBranch replaces characters not allowed in a ref name.
func SanitizeBranch(branch string) string {
	return branchSanitizer.ReplaceAllString(branch, "_")
}

// ValidateFilePath requires paths under specs/ with no traversal segments.
func ValidateFilePath(path string) error {
	if !strings.HasPrefix(path, "specs/") {
		return fmt.Errorf("%w: %q must be under specs/", ErrBadPath, path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: %q contains a traversal segment", ErrBadPath, path)
	}
	return nil
}

func (c *Client) projectURL() string {
	return c.cfg.BaseURL + "/api/v4/projects/" + url.PathEscape(c.cfg.ProjectID)
}

func (c *Client) do(ctx context.Context, username, password, method, rawURL string, body, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("gitlab API returned %d: %s", resp.StatusCode, string(text))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gitlab response: %w", err)
	}
	return nil
}

// Status verifies project access with the given credentials.
func (c *Client) Status(ctx context.Context, username, password string) (*ProjectStatus, error) {
	var project struct {
		Name          string `json:"name"`
		DefaultBranch string `json:"default_branch"`
		WebURL        string `json:"web_url"`
	}
	if err := c.do(ctx, username, password, http.MethodGet, c.projectURL(), nil, &project); err != nil {
		return nil, err
	}
	return &ProjectStatus{
		Connected:     true,
		ProjectName:   project.Name,
		DefaultBranch: project.DefaultBranch,
		WebURL:        project.WebURL,
	}, nil
}

// fileExists checks whether a path already exists on the branch, deciding
// between create and update actions.
func (c *Client) fileExists(ctx context.Context, username, password, path, branch string) (bool, error) {
	rawURL := c.projectURL() + "/repository/files/" + url.PathEscape(path) + "?ref=" + url.QueryEscape(branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("gitlab request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("gitlab API returned %d checking %s", resp.StatusCode, path)
	}
}

// CommitFiles commits the given files to a branch in one commit. Existing
// files are updated, new ones created.
func (c *Client) CommitFiles(ctx context.Context, username, password, branch, message string, files []File) (*CommitResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if len(files) == 0 {
		return nil, errors.New("no files to commit")
	}
	for _, f := range files {
		if err := ValidateFilePath(f.Path); err != nil {
			return nil, err
		}
	}

	if branch == "" {
		branch = c.Branch()
	}
	branch = SanitizeBranch(branch)

	if message == "" {
		message = DefaultCommitMessage
	}
	if len(message) > maxCommitMessageLen {
		message = message[:maxCommitMessageLen]
	}

	actions := make([]map[string]any, 0, len(files))
	for _, f := range files {
		exists, err := c.fileExists(ctx, username, password, f.Path, branch)
		if err != nil {
			return nil, err
		}
		action := "create"
		if exists {
			action = "update"
		}
		actions = append(actions, map[string]any{
			"action":    action,
			"file_path": f.Path,
			"content":   f.Content,
		})
	}

	body := map[string]any{
		"branch":         branch,
		"commit_message": message,
		"actions":        actions,
	}

	var commit struct {
		ID      string `json:"id"`
		ShortID string `json:"short_id"`
		WebURL  string `json:"web_url"`
	}
	if err := c.do(ctx, username, password, http.MethodPost, c.projectURL()+"/repository/commits", body, &commit); err != nil {
		return nil, err
	}

	return &CommitResult{
		CommitID: commit.ID,
		ShortID:  commit.ShortID,
		Branch:   branch,
		WebURL:   commit.WebURL,
	}, nil
}

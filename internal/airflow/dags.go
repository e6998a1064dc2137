package airflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Dag is the trimmed DAG shape returned by the proxy.
type Dag struct {
	DagID                    string   `json:"dag_id"`
	Description              string   `json:"description"`
	FileToken                string   `json:"file_token"`
	IsPaused                 bool     `json:"is_paused"`
	IsActive                 bool     `json:"is_active"`
	Owners                   []string `json:"owners"`
	ScheduleInterval         *string  `json:"schedule_interval"`
	Tags                     []string `json:"tags"`
	LastParsedTime           string   `json:"last_parsed_time"`
	NextDagrun               string   `json:"next_dagrun"`
	HasTaskConcurrencyLimits bool     `json:"has_task_concurrency_limits"`
}

// DagList is a page of DAGs.
type DagList struct {
	Dags         []Dag `json:"dags"`
	TotalEntries int   `json:"total_entries"`
}

// DagRun is the trimmed DAG-run shape returned by the proxy.
type DagRun struct {
	DagRunID        string `json:"dag_run_id"`
	DagID           string `json:"dag_id"`
	State           string `json:"state"`
	ExecutionDate   string `json:"execution_date"`
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
	ExternalTrigger bool   `json:"external_trigger"`
	Conf            any    `json:"conf"`
}

// DagRunList is a page of DAG runs.
type DagRunList struct {
	DagRuns      []DagRun `json:"dag_runs"`
	TotalEntries int      `json:"total_entries"`
}

// Task is the trimmed task shape returned by the proxy.
type Task struct {
	TaskID            string   `json:"task_id"`
	OperatorName      string   `json:"operator_name"`
	DownstreamTaskIDs []string `json:"downstream_task_ids"`
	Pool              string   `json:"pool"`
	Retries           float64  `json:"retries"`
}

// TaskList holds the tasks of one DAG.
type TaskList struct {
	Tasks []Task `json:"tasks"`
}

// TaskInstance is the trimmed task-instance shape returned by the proxy.
type TaskInstance struct {
	TaskID    string   `json:"task_id"`
	State     string   `json:"state"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Duration  *float64 `json:"duration"`
	TryNumber int      `json:"try_number"`
	Operator  string   `json:"operator"`
}

// TaskInstanceList holds the task instances of one DAG run.
type TaskInstanceList struct {
	TaskInstances []TaskInstance `json:"task_instances"`
}

// TriggeredRun is the response to triggering a DAG run.
type TriggeredRun struct {
	DagRunID      string `json:"dag_run_id"`
	State         string `json:"state"`
	ExecutionDate string `json:"execution_date"`
}

// PauseState reports a DAG's pause flag after patching.
type PauseState struct {
	DagID    string `json:"dag_id"`
	IsPaused bool   `json:"is_paused"`
}

// Wire shapes as Airflow returns them; trimmed before leaving the proxy.
type apiDag struct {
	DagID       string   `json:"dag_id"`
	Description string   `json:"description"`
	FileToken   string   `json:"file_token"`
	IsPaused    bool     `json:"is_paused"`
	IsActive    bool     `json:"is_active"`
	Owners      []string `json:"owners"`
	ScheduleInterval *struct {
		Value string `json:"value"`
	} `json:"schedule_interval"`
	TimetableDescription string `json:"timetable_description"`
	Tags                 []struct {
		Name string `json:"name"`
	} `json:"tags"`
	LastParsedTime           string `json:"last_parsed_time"`
	NextDagrun               string `json:"next_dagrun"`
	HasTaskConcurrencyLimits bool   `json:"has_task_concurrency_limits"`
}

func (d apiDag) trim() Dag {
	out := Dag{
		DagID:                    d.DagID,
		Description:              d.Description,
		FileToken:                d.FileToken,
		IsPaused:                 d.IsPaused,
		IsActive:                 d.IsActive,
		Owners:                   d.Owners,
		LastParsedTime:           d.LastParsedTime,
		NextDagrun:               d.NextDagrun,
		HasTaskConcurrencyLimits: d.HasTaskConcurrencyLimits,
		Tags:                     []string{},
	}
	if d.ScheduleInterval != nil && d.ScheduleInterval.Value != "" {
		v := d.ScheduleInterval.Value
		out.ScheduleInterval = &v
	} else if d.TimetableDescription != "" {
		v := d.TimetableDescription
		out.ScheduleInterval = &v
	}
	for _, t := range d.Tags {
		out.Tags = append(out.Tags, t.Name)
	}
	return out
}

// ListDagsOptions narrows the DAG listing.
type ListDagsOptions struct {
	Limit      int
	Offset     int
	OnlyActive bool
	Search     string // dag_id substring pattern
}

// ListDags fetches DAGs ordered by last parse time, newest first.
func (c *Client) ListDags(ctx context.Context, conn Connection, opts ListDagsOptions) (*DagList, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}

	path := "/dags?limit=" + strconv.Itoa(opts.Limit) +
		"&offset=" + strconv.Itoa(opts.Offset) +
		"&order_by=-last_parsed_time"
	if opts.OnlyActive {
		path += "&only_active=true"
	}
	if opts.Search != "" {
		path += "&dag_id_pattern=" + url.QueryEscape(opts.Search)
	}

	var wire struct {
		Dags         []apiDag `json:"dags"`
		TotalEntries int      `json:"total_entries"`
	}
	if err := c.do(ctx, conn, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	list := &DagList{Dags: make([]Dag, 0, len(wire.Dags)), TotalEntries: wire.TotalEntries}
	for _, d := range wire.Dags {
		list.Dags = append(list.Dags, d.trim())
	}
	return list, nil
}

// GetDag fetches one DAG untrimmed.
func (c *Client) GetDag(ctx context.Context, conn Connection, dagID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, conn, http.MethodGet, "/dags/"+url.PathEscape(dagID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDagRuns fetches runs of one DAG, most recent execution first.
func (c *Client) ListDagRuns(ctx context.Context, conn Connection, dagID string, limit, offset int) (*DagRunList, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	path := "/dags/" + url.PathEscape(dagID) + "/dagRuns?limit=" + strconv.Itoa(limit) +
		"&offset=" + strconv.Itoa(offset) + "&order_by=-execution_date"

	var out DagRunList
	if err := c.do(ctx, conn, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.DagRuns == nil {
		out.DagRuns = []DagRun{}
	}
	return &out, nil
}

// ListTasks fetches the task definitions of one DAG.
func (c *Client) ListTasks(ctx context.Context, conn Connection, dagID string) (*TaskList, error) {
	var out TaskList
	if err := c.do(ctx, conn, http.MethodGet, "/dags/"+url.PathEscape(dagID)+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	if out.Tasks == nil {
		out.Tasks = []Task{}
	}
	return &out, nil
}

// ListTaskInstances fetches the task instances of one DAG run.
func (c *Client) ListTaskInstances(ctx context.Context, conn Connection, dagID, runID string) (*TaskInstanceList, error) {
	path := "/dags/" + url.PathEscape(dagID) + "/dagRuns/" + url.PathEscape(runID) + "/taskInstances"
	var out TaskInstanceList
	if err := c.do(ctx, conn, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.TaskInstances == nil {
		out.TaskInstances = []TaskInstance{}
	}
	return &out, nil
}

// TaskLogs fetches the plain-text log of one task try.
func (c *Client) TaskLogs(ctx context.Context, conn Connection, dagID, runID, taskID, tryNumber string) (string, error) {
	origin, err := ValidateHost(conn.Host)
	if err != nil {
		return "", err
	}

	path := origin + "/api/v1/dags/" + url.PathEscape(dagID) +
		"/dagRuns/" + url.PathEscape(runID) +
		"/taskInstances/" + url.PathEscape(taskID) +
		"/logs/" + url.PathEscape(tryNumber)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	conn.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("airflow request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return string(text), nil
}

// TriggerDagRun starts a new run of a DAG with the given conf.
func (c *Client) TriggerDagRun(ctx context.Context, conn Connection, dagID string, conf map[string]any) (*TriggeredRun, error) {
	if conf == nil {
		conf = map[string]any{}
	}
	body := map[string]any{"conf": conf}

	var out TriggeredRun
	if err := c.do(ctx, conn, http.MethodPost, "/dags/"+url.PathEscape(dagID)+"/dagRuns", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetDagPaused pauses or unpauses a DAG.
func (c *Client) SetDagPaused(ctx context.Context, conn Connection, dagID string, paused bool) (*PauseState, error) {
	body := map[string]any{"is_paused": paused}
	var out PauseState
	if err := c.do(ctx, conn, http.MethodPatch, "/dags/"+url.PathEscape(dagID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

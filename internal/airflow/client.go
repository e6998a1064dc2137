// Package airflow is a thin client for the Airflow 2.x stable REST API,
// consumed by the proxy endpoints. It validates upstream hosts against
// private-network ranges, attaches bearer or basic credentials from a stored
// connection record, and enforces a fixed request timeout.
package airflow

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

// requestTimeout bounds every upstream attempt.
const requestTimeout = 15 * time.Second

// ErrBadHost indicates an upstream URL that failed validation.
var ErrBadHost = errors.New("invalid airflow host")

// blockedHostPatterns rejects loopback, RFC1918, link-local, and IPv6
// private hostnames so a stored connection cannot be used to reach the
// server's own network.
var blockedHostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^127\.`),
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2\d|3[01])\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^169\.254\.`),
	regexp.MustCompile(`^0\.`),
	regexp.MustCompile(`(?i)^fc00:`),
	regexp.MustCompile(`(?i)^fe80:`),
	regexp.MustCompile(`^::1$`),
	regexp.MustCompile(`(?i)^localhost$`),
}

// ValidateHost parses an upstream URL, requires http/https, rejects
// restricted addresses, and returns the normalized origin.
func ValidateHost(host string) (string, error) {
	if strings.TrimSpace(host) == "" {
		return "", fmt.Errorf("%w: airflow URL is required", ErrBadHost)
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: malformed URL", ErrBadHost)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: URL must use http or https", ErrBadHost)
	}
	hostname := u.Hostname()
	for _, pattern := range blockedHostPatterns {
		if pattern.MatchString(hostname) {
			return "", fmt.Errorf("%w: URL points to a restricted network address", ErrBadHost)
		}
	}
	return u.Scheme + "://" + u.Host, nil
}

// Connection carries the credentials of a stored orchestrator connection.
// Fields mirror the connection document; older records keep host credentials
// in username/password, newer ones in the airflow_-prefixed fields.
type Connection struct {
	Host            string
	AuthMethod      string // "bearer" (default) or "basic"
	Username        string
	Password        string
	APIToken        string
	AirflowUsername string
	AirflowPassword string
}

// ConnectionFromRecord extracts credentials from a connection document.
func ConnectionFromRecord(data map[string]any) Connection {
	get := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	return Connection{
		Host:            get("host"),
		AuthMethod:      get("auth_method"),
		Username:        get("username"),
		Password:        get("password"),
		APIToken:        get("api_token"),
		AirflowUsername: get("airflow_username"),
		AirflowPassword: get("airflow_password"),
	}
}

func (c Connection) bearerToken() string {
	for _, t := range []string{c.APIToken, c.Password, c.Username} {
		if t != "" {
			return t
		}
	}
	return ""
}

func (c Connection) basicCredentials() (string, string) {
	user := c.AirflowUsername
	if user == "" {
		user = c.Username
	}
	pass := c.AirflowPassword
	if pass == "" {
		pass = c.Password
	}
	return user, pass
}

// authorize sets the Authorization header per the connection's auth method.
func (c Connection) authorize(req *http.Request) {
	if c.AuthMethod == "basic" {
		if user, pass := c.basicCredentials(); user != "" && pass != "" {
			req.SetBasicAuth(user, pass)
			return
		}
	}
	if token := c.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Client talks to an Airflow deployment.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: requestTimeout}}
}

// do issues one request against the stable API and decodes the JSON response
// into out (when non-nil). Non-2xx statuses are shaped into operator-facing
// messages.
func (c *Client) do(ctx context.Context, conn Connection, method, apiPath string, body, out any) error {
	origin, err := ValidateHost(conn.Host)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, origin+"/api/v1"+apiPath, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	conn.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("airflow request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode airflow response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errors.New("authentication failed (401): verify your username/password or API token are correct")
	case http.StatusForbidden:
		return errors.New("access denied (403): the credentials are valid but lack permission; check the user role in Airflow")
	case http.StatusNotFound:
		return errors.New("airflow API endpoint not found (404): verify the URL includes the correct base path (e.g. https://airflow.example.com)")
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return fmt.Errorf("airflow API returned %d: %s", resp.StatusCode, string(text))
}

// Health checks the /health endpoint and returns its payload.
func (c *Client) Health(ctx context.Context, conn Connection) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, conn, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

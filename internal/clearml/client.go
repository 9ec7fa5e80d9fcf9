package clearml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "trackbot/pkg/logx"
)

// ErrUpstreamUnavailable wraps every failure to reach or authenticate with
// the tracking server. The empty experiment list is NOT an error.
var ErrUpstreamUnavailable = errors.New("tracking server unavailable")

type Credentials struct {
	Host      string
	AccessKey string
	SecretKey string
}

// Snapshot is one poll's view of a running experiment. It lives for a single
// reconciliation pass and is never persisted as-is.
type Snapshot struct {
	ID        string
	Name      string
	Iteration int64
	Elapsed   time.Duration
	Metrics   []Metric
}

// Client is a minimal read-only client for the ClearML REST API: it logs in
// with the user's key pair and lists running tasks with their latest metric
// snapshots.
type Client struct {
	creds Credentials
	http  *http.Client
	log   logx.Logger
	now   func() time.Time

	mu    sync.Mutex
	token string
}

func New(creds Credentials, timeout time.Duration, log logx.Logger) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(creds.Host), "/")
	u, err := url.Parse(host)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid api host %q", creds.Host)
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return nil, errors.New("access key and secret key are required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	creds.Host = host
	return &Client{
		creds: creds,
		http:  &http.Client{Timeout: timeout},
		log:   log,
		now:   time.Now,
	}, nil
}

func upstreamErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, fmt.Sprintf(format, args...))
}

// CheckAuth verifies the stored credentials against the server by forcing a
// fresh login. Used at subscribe time so bad credentials surface immediately.
func (c *Client) CheckAuth(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	_, err := c.bearer(ctx)
	return err
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.Host+"/auth.login", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.creds.AccessKey, c.creds.SecretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", upstreamErr("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", upstreamErr("login rejected: %s", resp.Status)
	}

	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", upstreamErr("login response: %v", err)
	}
	if body.Data.Token == "" {
		return "", upstreamErr("login returned no token")
	}

	c.mu.Lock()
	c.token = body.Data.Token
	c.mu.Unlock()
	return body.Data.Token, nil
}

type taskPayload struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	LastIteration int64                 `json:"last_iteration"`
	Started       string                `json:"started"`
	LastMetrics   map[string]metricNode `json:"last_metrics"`
}

// ListRunning queries the server for tasks currently in progress and returns
// one Snapshot per task, with the metric tree flattened and monitoring-only
// leaves dropped. No running tasks yields an empty slice, not an error.
func (c *Client) ListRunning(ctx context.Context) ([]Snapshot, error) {
	payload, err := json.Marshal(map[string]any{
		"status":      []string{"in_progress"},
		"only_fields": []string{"id", "name", "last_iteration", "last_metrics", "started"},
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, "/tasks.get_all", payload, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamErr("tasks.get_all: %s", resp.Status)
	}

	var body struct {
		Data struct {
			Tasks []taskPayload `json:"tasks"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, upstreamErr("tasks.get_all response: %v", err)
	}

	snaps := make([]Snapshot, 0, len(body.Data.Tasks))
	for _, t := range body.Data.Tasks {
		snaps = append(snaps, Snapshot{
			ID:        t.ID,
			Name:      t.Name,
			Iteration: t.LastIteration,
			Elapsed:   c.elapsedSince(t.Started),
			Metrics:   flattenMetrics(t.LastMetrics, t.LastIteration),
		})
	}
	return snaps, nil
}

// post sends an authenticated API call, retrying once on 401 with a fresh
// login (tokens expire server-side).
func (c *Client) post(ctx context.Context, endpoint string, payload []byte, retryAuth bool) (*http.Response, error) {
	tok, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.Host+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstreamErr("%s: %v", endpoint, err)
	}
	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		resp.Body.Close()
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return c.post(ctx, endpoint, payload, false)
	}
	return resp, nil
}

func (c *Client) elapsedSince(started string) time.Duration {
	if started == "" {
		return 0
	}
	ts, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return 0
	}
	d := c.now().Sub(ts)
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}

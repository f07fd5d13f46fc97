// Package track reports experiment runs to a remote tracking server: run
// metadata and config at start, scalar metrics during training, artifacts
// (checkpoints, videos) as they are produced.
//
// The server side is a plain JSON-over-HTTP endpoint; this client is
// deliberately small. A nil or disabled client is a no-op, so callers never
// need to branch on whether tracking is on.
package track

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// EnvAPIKey is the environment variable holding the tracking API key.
	EnvAPIKey = "TRACK_API_KEY"

	// EnvBaseURL overrides the tracking server address.
	EnvBaseURL = "TRACK_BASE_URL"

	defaultBaseURL = "https://track.probcircuits.dev/api/v1"
)

// Client talks to the tracking server. The zero value is a disabled client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Login reads the API key from the environment (a .env file in the working
// directory is honored) and returns a ready Client. It fails if no key is set.
func Login() (*Client, error) {
	// Ignore a missing .env file; the variable may be set directly.
	_ = godotenv.Load()
	apiKey := os.Getenv(EnvAPIKey)
	if apiKey == "" {
		return nil, errors.Errorf("experiment tracking requires %s to be set (or use --no_track)", EnvAPIKey)
	}
	baseURL := os.Getenv(EnvBaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Disabled returns a client whose every method is a no-op.
func Disabled() *Client { return nil }

// Enabled reports whether this client actually talks to a server.
func (c *Client) Enabled() bool { return c != nil && c.apiKey != "" }

// Run is one tracked training run.
type Run struct {
	client *Client

	// ID assigned by the server.
	ID string

	Project string
	Name    string
	Group   string
}

type startRunRequest struct {
	Project  string         `json:"project"`
	Name     string         `json:"name"`
	Group    string         `json:"group,omitempty"`
	Hostname string         `json:"hostname"`
	Config   map[string]any `json:"config"`
}

type startRunResponse struct {
	ID string `json:"id"`
}

// StartRun registers a new run with the server. Config is the full experiment
// configuration, reported once.
func (c *Client) StartRun(project, name, group string, config map[string]any) (*Run, error) {
	if !c.Enabled() {
		return &Run{Project: project, Name: name, Group: group}, nil
	}
	hostname, _ := os.Hostname()
	req := startRunRequest{
		Project:  project,
		Name:     name,
		Group:    group,
		Hostname: hostname,
		Config:   config,
	}
	var resp startRunResponse
	if err := c.post("/runs", req, &resp); err != nil {
		return nil, errors.WithMessagef(err, "failed to start tracked run %s/%s", project, name)
	}
	klog.Infof("Tracking run %s/%s as %s", project, name, resp.ID)
	return &Run{client: c, ID: resp.ID, Project: project, Name: name, Group: group}, nil
}

type logMetricsRequest struct {
	Step    int                `json:"step"`
	Metrics map[string]float64 `json:"metrics"`
}

// LogMetrics reports a round of scalar metrics at the given step.
// Failures are logged and swallowed: a flaky tracking server must not kill training.
func (r *Run) LogMetrics(step int, metrics map[string]float64) {
	if r == nil || r.client == nil {
		return
	}
	req := logMetricsRequest{Step: step, Metrics: metrics}
	if err := r.client.post(fmt.Sprintf("/runs/%s/metrics", r.ID), req, nil); err != nil {
		klog.Errorf("Failed to report metrics at step %d: %v", step, err)
	}
}

type logArtifactRequest struct {
	Name string `json:"name"`
	Step int    `json:"step"`
	Size int64  `json:"size"`
}

// LogArtifact registers a produced file (checkpoint, video) with the run.
// Only metadata is sent; artifact payloads stay on the local filesystem.
func (r *Run) LogArtifact(step int, path string) {
	if r == nil || r.client == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		klog.Errorf("Failed to stat artifact %q: %v", path, err)
		return
	}
	req := logArtifactRequest{Name: filepath.Base(path), Step: step, Size: info.Size()}
	if err := r.client.post(fmt.Sprintf("/runs/%s/artifacts", r.ID), req, nil); err != nil {
		klog.Errorf("Failed to report artifact %q: %v", path, err)
	}
}

// Finish marks the run as completed.
func (r *Run) Finish() {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.post(fmt.Sprintf("/runs/%s/finish", r.ID), struct{}{}, nil); err != nil {
		klog.Errorf("Failed to finish tracked run %s: %v", r.ID, err)
	}
}

func (c *Client) post(path string, body, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", path)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("request to %s failed with status %s", path, resp.Status)
	}
	if out != nil {
		decoder := sonic.ConfigDefault.NewDecoder(resp.Body)
		if err = decoder.Decode(out); err != nil {
			return errors.Wrapf(err, "failed to decode response from %s", path)
		}
	}
	return nil
}

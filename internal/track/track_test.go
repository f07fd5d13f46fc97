package track

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *[]string) {
	t.Helper()
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		paths = append(paths, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/runs" {
			var req map[string]any
			require.NoError(t, sonic.Unmarshal(body, &req))
			require.Equal(t, "test_proj", req["project"])
			_, _ = w.Write([]byte(`{"id": "run-123"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	t.Setenv(EnvAPIKey, "test-key")
	t.Setenv(EnvBaseURL, server.URL)
	client, err := Login()
	require.NoError(t, err)
	return client, &paths
}

func TestRunLifecycle(t *testing.T) {
	client, paths := newTestClient(t)
	require.True(t, client.Enabled())

	run, err := client.StartRun("test_proj", "test_run_s1", "test_run", map[string]any{"lr": 3e-4})
	require.NoError(t, err)
	require.Equal(t, "run-123", run.ID)

	run.LogMetrics(100, map[string]float64{"reward": -150})

	artifact := t.TempDir() + "/model.bin"
	require.NoError(t, os.WriteFile(artifact, []byte("weights"), 0o644))
	run.LogArtifact(100, artifact)

	run.Finish()

	require.Equal(t, []string{
		"/runs",
		"/runs/run-123/metrics",
		"/runs/run-123/artifacts",
		"/runs/run-123/finish",
	}, *paths)
}

func TestLoginRequiresKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	_, err := Login()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), EnvAPIKey))
}

func TestDisabledClientIsNoOp(t *testing.T) {
	client := Disabled()
	require.False(t, client.Enabled())

	run, err := client.StartRun("p", "n", "g", nil)
	require.NoError(t, err)

	// All no-ops, must not panic or hit the network.
	run.LogMetrics(1, map[string]float64{"x": 1})
	run.LogArtifact(1, "/does/not/exist")
	run.Finish()
}

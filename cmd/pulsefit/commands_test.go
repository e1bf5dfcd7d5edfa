package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulsefit/internal/config"
	"github.com/rcourtman/pulsefit/internal/metrics"
)

// setupEnv points configuration at a temp data dir and, when storeURL is
// set, at a record store.
func setupEnv(t *testing.T, storeURL string) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("PULSEFIT_DATA_DIR", t.TempDir())
	t.Setenv("PULSEFIT_LOG_LEVEL", "error")
	t.Setenv("PULSEFIT_LOG_FORMAT", "json")
	if storeURL != "" {
		t.Setenv("PULSEFIT_RECORD_STORE_URL", storeURL)
		t.Setenv("PULSEFIT_STRIPE_API_KEY", "sk_test_dummy")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		statusRefresh = false
		debugUser = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func recordStoreServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions/u1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subscription_id":"sub_1","customer_id":"cus_1","status":"active","free_use_limit":3}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Pulsefit 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Pulsefit 1.2.3")
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestStatusRequiresBackends(t *testing.T) {
	setupEnv(t, "")
	_, err := execute(t, "status", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PULSEFIT_RECORD_STORE_URL")
}

func TestStatusReadsAuthoritativeStore(t *testing.T) {
	srv := recordStoreServer(t)
	setupEnv(t, srv.URL)

	out, err := execute(t, "status", "u1")
	require.NoError(t, err)

	var state struct {
		UserID    string `json:"user_id"`
		Source    string `json:"source"`
		Confirmed bool   `json:"confirmed"`
		Record    struct {
			SubscriptionID string `json:"subscription_id"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, "u1", state.UserID)
	assert.Equal(t, "authoritative_store", state.Source)
	assert.True(t, state.Confirmed)
	assert.Equal(t, "sub_1", state.Record.SubscriptionID)
}

func TestDebugListsAndDispatches(t *testing.T) {
	setupEnv(t, "")

	out, err := execute(t, "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "check-version")
	assert.Contains(t, out, "workers")
	assert.NotContains(t, out, "cache-stats", "service commands need --user")

	out, err = execute(t, "debug", "stamp")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)

	_, err = execute(t, "debug", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown debug command")
}

func TestCheckVersionFirstRun(t *testing.T) {
	setupEnv(t, "")

	out, err := execute(t, "check-version")
	require.NoError(t, err)
	assert.JSONEq(t, `{"purged":false}`, out)
}

func TestRunDaemonStartsSweeperAndStopsOnCancel(t *testing.T) {
	srv := recordStoreServer(t)
	setupEnv(t, srv.URL)

	cfg, err := config.Load()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, "")
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, a, nil) }()

	require.Eventually(t, func() bool {
		names := a.platform.WorkerNames()
		return len(names) == 1 && names[0] == "cache-sweeper"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestMetricsServerServesRegistry(t *testing.T) {
	metrics.RecordVersionPurge()

	srv := httptest.NewServer(newMetricsServer("").Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pulsefit_version_purges_total")
}

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prashantv/gostub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardsort/internal/cluster"
	"github.com/dreamware/shardsort/internal/config"
	"github.com/dreamware/shardsort/internal/coordinator"
	"github.com/dreamware/shardsort/internal/dataset"
	"github.com/dreamware/shardsort/internal/driver"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{"environment variable set", "TEST_ENV_VAR", "test_value", "default", "test_value"},
		{"environment variable not set", "UNSET_ENV_VAR", "", "default_value", "default_value"},
		{"empty environment variable returns default", "EMPTY_ENV_VAR", "", "fallback", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
				defer os.Unsetenv(tt.key)
			}
			if got := getenv(tt.key, tt.def); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func testConfig(elements, workers int) config.Config {
	cfg := config.Default()
	cfg.Elements = elements
	cfg.Workers = workers
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) (*server, *httptest.Server) {
	t.Helper()
	srv, err := newServer(cfg, zap.NewNop())
	require.NoError(t, err)
	hs := httptest.NewServer(srv.routes())
	t.Cleanup(hs.Close)
	return srv, hs
}

// TestHandleRegister tests rank assignment over HTTP
func TestHandleRegister(t *testing.T) {
	srv, hs := newTestServer(t, testConfig(12, 3))
	ctx := context.Background()

	for i, id := range []string{"node-1", "node-2"} {
		var resp cluster.RegisterResponse
		require.NoError(t, cluster.PostJSON(ctx, hs.URL+"/register",
			cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: "http://127.0.0.1:900" + id[5:]}}, &resp))
		assert.Equal(t, i+1, resp.Rank)
		assert.Equal(t, 3, resp.Size)
		assert.Equal(t, 12, resp.Elements)
		assert.Equal(t, "reject", resp.Policy)
		assert.Equal(t, srv.runID, resp.RunID)
	}

	err := cluster.PostJSON(ctx, hs.URL+"/register",
		cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "node-3", Addr: "http://127.0.0.1:9003"}}, nil)
	var statusErr *cluster.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.Status)
}

// TestHandleRegisterAddrChange tests that a complete group refuses to move
// a worker it has already connected to
func TestHandleRegisterAddrChange(t *testing.T) {
	srv, hs := newTestServer(t, testConfig(8, 2))
	ctx := context.Background()
	req := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "node-1", Addr: "http://127.0.0.1:9001"}}

	var resp cluster.RegisterResponse
	require.NoError(t, cluster.PostJSON(ctx, hs.URL+"/register", req, &resp))
	require.NoError(t, cluster.PostJSON(ctx, hs.URL+"/register", req, &resp), "retry from the same address")
	assert.Equal(t, 1, resp.Rank)

	req.Node.Addr = "http://127.0.0.1:9999"
	err := cluster.PostJSON(ctx, hs.URL+"/register", req, nil)
	var statusErr *cluster.StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, statusErr.Status)

	n, ok := srv.registry.Node(1)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:9001", n.Addr)
}

func TestHandleRegisterRejects(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(8, 2))

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing id", http.MethodPost, `{"node":{"addr":"http://x"}}`, http.StatusBadRequest},
		{"missing addr", http.MethodPost, `{"node":{"id":"n"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.handleRegister(rec, httptest.NewRequest(tt.method, "/register", bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// TestHandleListNodes tests that workers are listed in rank order
func TestHandleListNodes(t *testing.T) {
	srv, hs := newTestServer(t, testConfig(8, 4))
	for _, id := range []string{"c", "a", "b"} {
		_, err := srv.registry.Register(cluster.NodeInfo{ID: id, Addr: "http://" + id})
		require.NoError(t, err)
	}

	var out struct {
		Nodes []nodeStatus `json:"nodes"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), hs.URL+"/nodes", &out))
	require.Len(t, out.Nodes, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{out.Nodes[0].ID, out.Nodes[1].ID, out.Nodes[2].ID})
	assert.Equal(t, "http://a", out.Nodes[1].Addr)
	assert.Equal(t, 2, out.Nodes[1].Rank)
	assert.Nil(t, out.Nodes[0].Health, "no probes before the run")

	rec := httptest.NewRecorder()
	srv.handleListNodes(rec, httptest.NewRequest(http.MethodPost, "/nodes", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, hs := newTestServer(t, testConfig(8, 2))

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// fakeNode is a worker process in miniature: it answers 503 on the group
// endpoints until it has joined, like cmd/node.
type fakeNode struct {
	transport atomic.Pointer[cluster.HTTPTransport]
	srv       *httptest.Server
	healthy   atomic.Bool
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{}
	n.healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/group/", func(w http.ResponseWriter, r *http.Request) {
		tr := n.transport.Load()
		if tr == nil {
			http.Error(w, "not joined", http.StatusServiceUnavailable)
			return
		}
		tr.Handler().ServeHTTP(w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !n.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) join(t *testing.T, coordURL, id string) cluster.RegisterResponse {
	var resp cluster.RegisterResponse
	require.NoError(t, cluster.PostJSON(context.Background(), coordURL+"/register",
		cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: n.srv.URL}}, &resp))
	tr, err := cluster.NewHTTPTransport(resp.Rank, resp.Size, resp.RunID, nil)
	require.NoError(t, err)
	require.NoError(t, tr.SetPeer(cluster.Root, coordURL))
	n.transport.Store(tr)
	return resp
}

// TestRunWithWorkers drives a complete run with two workers over HTTP
func TestRunWithWorkers(t *testing.T) {
	srv, hs := newTestServer(t, testConfig(30, 3))
	input := dataset.Random(30, 100, 5)

	type result struct {
		report *driver.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := srv.run(context.Background(), input)
		done <- result{rep, err}
	}()

	workerErrs := make(chan error, 2)
	for _, id := range []string{"node-1", "node-2"} {
		n := newFakeNode(t)
		resp := n.join(t, hs.URL, id)
		go func() {
			d := driver.New(driver.Params{Elements: resp.Elements, Policy: "reject"})
			_, err := d.Run(context.Background(), n.transport.Load(), nil)
			workerErrs <- err
		}()
	}

	select {
	case res := <-done:
		require.NoError(t, res.err)
		want := slices.Clone(input)
		slices.Sort(want)
		assert.Equal(t, want, res.report.Sorted)
		assert.Equal(t, input, res.report.Unsorted)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-workerErrs)
	}
	assert.Empty(t, srv.pending(), "every worker delivered its chunk")
}

// TestRunAbortsOnUnhealthyWorker has a worker join and then stop answering
// health checks without ever returning its chunk.
func TestRunAbortsOnUnhealthyWorker(t *testing.T) {
	stubs := gostub.Stub(&healthInterval, 10*time.Millisecond)
	defer stubs.Reset()

	srv, hs := newTestServer(t, testConfig(4, 2))
	n := newFakeNode(t)

	done := make(chan error, 1)
	go func() {
		_, err := srv.run(context.Background(), []int64{4, 3, 2, 1})
		done <- err
	}()
	n.join(t, hs.URL, "node-1")
	n.healthy.Store(false)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, cluster.ErrAborted), "got %v", err)
		assert.Contains(t, err.Error(), "failed health checks")
	case <-time.After(5 * time.Second):
		t.Fatal("run was not aborted")
	}
	// The abort reached the worker too.
	assert.Eventually(t, n.transport.Load().Aborted, time.Second, 10*time.Millisecond)

	var out struct {
		Nodes []nodeStatus `json:"nodes"`
	}
	require.NoError(t, cluster.GetJSON(context.Background(), hs.URL+"/nodes", &out))
	require.Len(t, out.Nodes, 1)
	require.NotNil(t, out.Nodes[0].Health)
	assert.Equal(t, coordinator.StatusUnhealthy, out.Nodes[0].Health.Status)
	assert.GreaterOrEqual(t, out.Nodes[0].Health.ConsecutiveFails, 3)
}

func TestRunGroupNeverFills(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(8, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := srv.run(ctx, make([]int64, 8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 of 1 registered")
}

func TestRunAlone(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(5, 1))
	rep, err := srv.run(context.Background(), []int64{5, 1, 4, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, rep.Sorted)
}

func TestPrintReport(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "report")
	require.NoError(t, err)
	defer f.Close()

	rep := &driver.Report{Role: driver.RoleCoordinator, Unsorted: []int64{2, 1}, Sorted: []int64{1, 2}}
	require.NoError(t, printReport(f, rep, true))
	require.NoError(t, printReport(f, rep, false))

	out, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "Execution Time: 0.000000 seconds\n"+
		"Unsorted array:\n2 1\nSorted array:\n1 2\nExecution Time: 0.000000 seconds\n", string(out))
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SORT_WORKERS", "2")
	t.Setenv("SORT_ELEMENTS", "6")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 6, cfg.Elements)

	t.Setenv("SORT_ELEMENTS", "7")
	_, err = loadConfig()
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestLogFatalIsStubbable(t *testing.T) {
	var got string
	stubs := gostub.Stub(&logFatal, func(_ *zap.Logger, msg string, _ ...zap.Field) { got = msg })
	defer stubs.Reset()

	logFatal(zap.NewNop(), "boom")
	assert.Equal(t, "boom", got)
}

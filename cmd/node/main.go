// Package main implements the shardsort node: one worker rank of a sort run
// coordinated over HTTP/JSON.
//
// The node:
//   - Registers with the coordinator and receives its rank, the group size
//     and the run parameters
//   - Receives its chunk, sorts it locally and sends it back
//   - Aborts the whole group if its local sort fails
//   - Exits once its chunk has been delivered
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health         - Health check       │
//	│    /info           - Rank and progress  │
//	│    /group/message  - Chunk delivery     │
//	│    /group/abort    - Group abort        │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Node            - Runtime state      │
//	│    HTTPTransport   - Mailbox + sends    │
//	│    Driver          - Worker phases      │
//	└─────────────────────────────────────────┘
//
// Until registration completes the group endpoints answer 503; the
// coordinator retries until the node has joined.
//
// Configuration (see internal/config for the full list):
//   - SORT_NODE_ID: Unique node identifier (required)
//   - SORT_LISTEN: Listen address (default ":8080", usually overridden)
//   - SORT_PUBLIC_ADDR: Address the coordinator reaches this node at
//   - SORT_COORDINATOR_ADDR: Coordinator URL
//   - SORT_ACCEL: Sort the chunk with the accelerated partition kernel
//
// Example usage:
//
//	SORT_NODE_ID=node-1 \
//	SORT_LISTEN=:8081 \
//	SORT_PUBLIC_ADDR=http://localhost:8081 \
//	SORT_COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/chunk"
	"github.com/dreamware/shardsort/internal/cluster"
	"github.com/dreamware/shardsort/internal/config"
	"github.com/dreamware/shardsort/internal/distribution"
	"github.com/dreamware/shardsort/internal/driver"
	"github.com/dreamware/shardsort/internal/storage"
)

// logFatal is a variable to allow intercepting fatal errors in tests.
var logFatal = func(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Fatal(msg, fields...)
}

// Registration retry schedule. The coordinator may still be starting.
var (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

// Node is the runtime state of a worker process.
//
// The transport is nil until the node has registered; after that it is
// never replaced. Progress is updated by the driver's phase observer and
// read by /info.
type Node struct {
	transport atomic.Pointer[cluster.HTTPTransport]
	logger    *zap.Logger
	// ID uniquely identifies this node in the group.
	ID string

	mu    sync.RWMutex
	phase string
	chunk *chunk.Info
}

// NewNode creates a node that has not joined a run yet.
func NewNode(id string, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{ID: id, logger: logger, phase: "registering"}
}

// Join creates the node's transport from the coordinator's registration
// response. From here on the group endpoints accept messages.
func (n *Node) Join(resp cluster.RegisterResponse, coord string) (*cluster.HTTPTransport, error) {
	t, err := cluster.NewHTTPTransport(resp.Rank, resp.Size, resp.RunID, n.logger)
	if err != nil {
		return nil, err
	}
	if err := t.SetPeer(cluster.Root, coord); err != nil {
		return nil, err
	}
	if !n.transport.CompareAndSwap(nil, t) {
		return nil, errors.New("node already joined a run")
	}
	n.setPhase("joined", nil)
	return t, nil
}

// Run sorts this node's share of the run described by resp.
func (n *Node) Run(ctx context.Context, resp cluster.RegisterResponse, cfg config.Config) (*driver.Report, error) {
	t := n.transport.Load()
	if t == nil {
		return nil, errors.New("node has not joined a run")
	}
	policy, err := distribution.ParsePolicy(resp.Policy)
	if err != nil {
		t.Abort(err)
		return nil, err
	}

	opts := []driver.Option{
		driver.WithLogger(n.logger),
		driver.WithObserver(func(ev driver.PhaseEvent) {
			n.setPhase(ev.Phase.String(), ev.Chunk)
		}),
	}
	if cfg.Accel.Enabled {
		opts = append(opts, driver.WithSorter(driver.AccelFactory(cfg.DeviceConfig())))
	}
	d := driver.New(driver.Params{Elements: resp.Elements, Policy: policy}, opts...)
	return d.Run(ctx, t, nil)
}

// setPhase records progress. The last chunk seen is kept through TEARDOWN.
func (n *Node) setPhase(phase string, info *chunk.Info) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.phase = phase
	if info != nil {
		n.chunk = info
	}
}

// Routes returns the node's HTTP API.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", n.handleInfo)
	mux.HandleFunc("/group/", n.handleGroup)
	return mux
}

func (n *Node) handleGroup(w http.ResponseWriter, r *http.Request) {
	t := n.transport.Load()
	if t == nil {
		http.Error(w, "node has not joined a run", http.StatusServiceUnavailable)
		return
	}
	t.Handler().ServeHTTP(w, r)
}

// nodeInfo is the /info response.
type nodeInfo struct {
	Chunk   *chunk.Info         `json:"chunk,omitempty"`
	Mailbox *storage.StoreStats `json:"mailbox,omitempty"`
	NodeID  string              `json:"node_id"`
	RunID   string              `json:"run_id,omitempty"`
	Phase   string              `json:"phase"`
	Rank    int                 `json:"rank"`
	Size    int                 `json:"size"`
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	n.mu.RLock()
	info := nodeInfo{NodeID: n.ID, Phase: n.phase, Chunk: n.chunk}
	n.mu.RUnlock()
	if t := n.transport.Load(); t != nil {
		info.RunID = t.RunID()
		info.Rank = t.Rank()
		info.Size = t.Size()
		stats := t.Mailbox().Stats()
		info.Mailbox = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// main reads the configuration, starts the HTTP API, registers, runs the
// worker path and exits.
//
// Exit codes:
//   - 0: Chunk sorted and delivered
//   - 1: Missing configuration, failed registration or failed run
func main() {
	cfg, err := config.Load(getenv("SORT_CONFIG", ""))
	if err == nil {
		err = cfg.ApplyEnv()
	}
	logger := newLogger(cfg.LogDev)
	defer logger.Sync() //nolint:errcheck
	if err != nil {
		logFatal(logger, "invalid configuration", zap.Error(err))
		return
	}
	if cfg.NodeID == "" {
		logFatal(logger, "missing env SORT_NODE_ID")
		return
	}
	logger = logger.With(zap.String("node", cfg.NodeID))

	node := NewNode(cfg.NodeID, logger)
	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           node.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("node listening", zap.String("addr", cfg.Listen), zap.String("public", cfg.PublicAddr))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal(logger, "listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp, err := register(ctx, cfg.CoordinatorAddr, cfg.NodeID, cfg.PublicAddr, logger)
	if err != nil {
		logFatal(logger, "failed to register with coordinator", zap.Error(err))
		return
	}
	if _, err := node.Join(resp, cfg.CoordinatorAddr); err != nil {
		logFatal(logger, "join run", zap.Error(err))
		return
	}

	report, runErr := node.Run(ctx, resp, cfg)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Shutdown(shutdownCtx)

	if runErr != nil {
		logFatal(logger, "sort run failed", zap.Error(runErr))
		return
	}
	logger.Info("chunk delivered",
		zap.Int("rank", report.Rank),
		zap.Int("elements", report.Chunk.Len),
		zap.String("sorter", report.Sorter),
		zap.Duration("sort", report.Chunk.SortDuration))
}

// register joins the coordinator's group, retrying while the coordinator
// starts up. A full group or an invalid request is not retried.
func register(ctx context.Context, coord, id, addr string, logger *zap.Logger) (cluster.RegisterResponse, error) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var resp cluster.RegisterResponse
	var lastErr error

	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, &resp)
		if lastErr == nil {
			logger.Info("registered with coordinator",
				zap.String("coordinator", coord),
				zap.Int("rank", resp.Rank),
				zap.Int("size", resp.Size),
				zap.String("run", resp.RunID))
			return resp, nil
		}
		var statusErr *cluster.StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Status < http.StatusInternalServerError {
			return resp, lastErr
		}
		logger.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-time.After(registerDelay):
		case <-ctx.Done():
			return resp, context.Cause(ctx)
		}
	}
	return resp, errors.Wrapf(lastErr, "%d attempts", registerAttempts)
}

func newLogger(dev bool) *zap.Logger {
	build := zap.NewProduction
	if dev {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

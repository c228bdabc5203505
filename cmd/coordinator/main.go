// Package main implements the shardsort coordinator: rank 0 of a sort run
// whose workers are separate node processes talking HTTP/JSON.
//
// The coordinator:
//   - Hands out worker ranks as nodes register
//   - Waits until all W-1 workers have joined
//   - Runs the sort as rank 0: scatter, local sort, gather, final pass
//   - Aborts the group when a worker stops answering health checks
//   - Prints the report and exits
//
// Endpoints:
//
//	POST /register       - node registration, returns rank and run parameters
//	GET  /nodes          - registered workers ordered by rank, with health
//	POST /group/message  - chunk delivery
//	POST /group/abort    - group abort
//	GET  /health         - liveness
//	GET  /metrics        - prometheus metrics
//
// Configuration comes from an optional TOML file named by SORT_CONFIG and
// SORT_* environment variables (see internal/config).
//
// Example usage:
//
//	SORT_WORKERS=3 SORT_ELEMENTS=1200 SORT_LISTEN=:8080 ./coordinator
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/cluster"
	"github.com/dreamware/shardsort/internal/config"
	"github.com/dreamware/shardsort/internal/coordinator"
	"github.com/dreamware/shardsort/internal/driver"
	"github.com/dreamware/shardsort/internal/metrics"
)

// logFatal is a variable so tests can intercept fatal errors without
// terminating the test process.
var logFatal = func(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Fatal(msg, fields...)
}

// healthInterval is how often workers are probed during a run.
var healthInterval = time.Second

func main() {
	cfg, err := loadConfig()
	logger := newLogger(cfg.LogDev)
	defer logger.Sync() //nolint:errcheck
	if err != nil {
		logFatal(logger, "invalid configuration", zap.Error(err))
		return
	}

	input, err := cfg.LoadInput()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logFatal(logger, "load input", zap.Error(err))
		return
	}

	srv, err := newServer(cfg, logger)
	if err != nil {
		logFatal(logger, "create server", zap.Error(err))
		return
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("coordinator listening",
			zap.String("addr", cfg.Listen),
			zap.String("run", srv.runID),
			zap.Int("workers", cfg.Workers),
			zap.Int("elements", cfg.Elements))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal(logger, "listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := srv.run(ctx, input)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		logFatal(logger, "sort run failed", zap.Error(runErr))
		return
	}
	if err := printReport(os.Stdout, report, cfg.Quiet); err != nil {
		logFatal(logger, "print report", zap.Error(err))
	}
}

type server struct {
	logger    *zap.Logger
	registry  *coordinator.RankRegistry
	monitor   *coordinator.HealthMonitor
	transport *cluster.HTTPTransport
	gathered  map[int]bool // Workers whose chunk came back
	runID     string
	cfg       config.Config
	mu        sync.Mutex
}

func newServer(cfg config.Config, logger *zap.Logger) (*server, error) {
	runID := uuid.NewString()
	transport, err := cluster.NewHTTPTransport(cluster.Root, cfg.Workers, runID, logger)
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:       cfg,
		logger:    logger.With(zap.String("run", runID)),
		runID:     runID,
		registry:  coordinator.NewRankRegistry(cfg.Workers),
		monitor:   coordinator.NewHealthMonitor(healthInterval, logger),
		transport: transport,
		gathered:  make(map[int]bool),
	}
	s.monitor.SetOnUnhealthy(func(n cluster.NodeInfo) {
		s.transport.Abort(errors.Newf("worker %s (rank %d) failed health checks", n.ID, n.Rank))
	})
	transport.OnDeliver(func(tag cluster.Tag, from int) {
		if tag != cluster.TagGather {
			return
		}
		s.mu.Lock()
		s.gathered[from] = true
		s.mu.Unlock()
		if n, ok := s.registry.Node(from); ok {
			s.logger.Debug("chunk gathered", zap.String("node", n.ID), zap.Int("rank", n.Rank))
		}
	})
	return s, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.Handle("/group/", s.transport.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	node, err := s.registry.Register(req.Node)
	switch {
	case errors.Is(err, coordinator.ErrInvalidNode):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, coordinator.ErrGroupFull), errors.Is(err, coordinator.ErrAddrChanged):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info("worker registered",
		zap.String("node", node.ID),
		zap.String("addr", node.Addr),
		zap.Int("rank", node.Rank),
		zap.Int("registered", s.registry.Registered()),
		zap.Int("size", s.registry.Size()))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cluster.RegisterResponse{
		RunID:    s.runID,
		Rank:     node.Rank,
		Size:     s.registry.Size(),
		Elements: s.cfg.Elements,
		Policy:   string(s.cfg.RemainderPolicy()),
	})
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := s.monitor.GetAllNodeHealth()
	nodes := lo.Map(s.registry.Nodes(), func(n cluster.NodeInfo, _ int) nodeStatus {
		return nodeStatus{NodeInfo: n, Health: health[n.ID]}
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Nodes []nodeStatus `json:"nodes"`
	}{Nodes: nodes})
}

// nodeStatus is a registered worker with its last probe record. Health is
// absent for workers that are not being probed.
type nodeStatus struct {
	Health *coordinator.NodeHealth `json:"health,omitempty"`
	cluster.NodeInfo
}

// pending returns the workers that still owe their sorted chunk. Workers
// that already delivered may exit and must not be probed.
func (s *server) pending() []cluster.NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cluster.NodeInfo
	for _, n := range s.registry.Nodes() {
		if !s.gathered[n.Rank] {
			out = append(out, n)
		}
	}
	return out
}

// run waits for the group to fill, then drives rank 0 through the sort.
func (s *server) run(ctx context.Context, input []int64) (*driver.Report, error) {
	s.logger.Info("waiting for workers", zap.Int("expected", s.cfg.Workers-1))
	waitErr := s.registry.WaitReady(ctx)
	for _, n := range s.registry.Nodes() {
		if err := s.transport.SetPeer(n.Rank, n.Addr); err != nil {
			return nil, err
		}
	}
	if waitErr != nil {
		// Release the workers that did join.
		s.transport.Abort(waitErr)
		return nil, waitErr
	}

	go s.monitor.Start(ctx, s.pending)
	defer s.monitor.Stop()

	opts := []driver.Option{driver.WithLogger(s.logger)}
	if s.cfg.Accel.Enabled {
		opts = append(opts, driver.WithSorter(driver.AccelFactory(s.cfg.DeviceConfig())))
	}
	d := driver.New(driver.Params{Elements: s.cfg.Elements, Policy: s.cfg.RemainderPolicy()}, opts...)
	return d.Run(ctx, s.transport, input)
}

func printReport(w io.Writer, report *driver.Report, quiet bool) error {
	if quiet {
		return report.PrintTime(w)
	}
	return report.Print(w)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(getenv("SORT_CONFIG", ""))
	if err != nil {
		return config.Default(), err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
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

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

package coordinator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/cluster"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health of a single worker.
// Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Timestamp of the last probe
	LastHealthy      time.Time `json:"last_healthy"` // Timestamp of the last successful probe
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"` // StatusUnknown, StatusHealthy or StatusUnhealthy
	Rank             int       `json:"rank"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor probes the /health endpoint of workers during a run.
//
// A worker that fails maxFailures probes in a row is declared unhealthy and
// the onUnhealthy callback fires once for it. The coordinator uses that to
// abort the group: a dead worker would otherwise leave the gather blocked
// forever.
//
// Thread-safe: all methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(node cluster.NodeInfo)
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that probes every interval and marks a
// worker unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(time.Second, logger)
//	monitor.SetOnUnhealthy(func(n cluster.NodeInfo) { transport.Abort(...) })
//	go monitor.Start(ctx, registry.Nodes)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when a
// worker becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(node cluster.NodeInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe, for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start probes the workers returned by nodeProvider until ctx is done or
// Stop is called. It blocks; run it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	h.mu.Lock()
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}
	h.mu.Unlock()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Debug("health monitor started", zap.Duration("interval", h.interval))

	h.checkAllNodes(ctx, nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels monitoring and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Rank:        node.Rank,
			Status:      StatusUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := check(probeCtx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("worker recovered", zap.String("node", node.ID), zap.Int("rank", node.Rank))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		zap.String("node", node.ID),
		zap.Int("rank", node.Rank),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max", h.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.logger.Error("worker unhealthy", zap.String("node", node.ID), zap.Int("rank", node.Rank))
	if h.onUnhealthy != nil {
		go h.onUnhealthy(node)
	}
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetAllNodeHealth returns copies of every health record keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}

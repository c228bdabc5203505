package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/shardsort/internal/storage"
)

const (
	// abortTimeout bounds the best-effort abort broadcast.
	abortTimeout = 3 * time.Second

	// A peer answers 503 until it has joined the run; Send retries that
	// for up to joinAttempts*joinRetryDelay.
	joinAttempts   = 50
	joinRetryDelay = 100 * time.Millisecond
)

// HTTPTransport is a participant of a process group whose members are
// separate processes talking HTTP/JSON. Incoming messages are delivered by
// Handler into the participant's mailbox; Send posts to the peer's
// /group/message endpoint.
//
// The group is a star: the coordinator knows every worker's address, a
// worker only knows the coordinator's. That is all scatter and gather need.
type HTTPTransport struct {
	box       storage.Store
	logger    *zap.Logger
	peers     map[int]string
	onDeliver func(tag Tag, from int)
	runID     string
	rank      int
	size      int
	mu        sync.RWMutex
	once      sync.Once
	closed    atomic.Bool
	aborted   atomic.Bool
}

// NewHTTPTransport creates the transport for rank in a group of size
// participants running runID.
func NewHTTPTransport(rank, size int, runID string, logger *zap.Logger) (*HTTPTransport, error) {
	if size <= 0 {
		return nil, errors.Newf("group size must be positive, got %d", size)
	}
	if err := checkRank(rank, size); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		rank:   rank,
		size:   size,
		runID:  runID,
		box:    storage.NewMemoryStore(),
		peers:  make(map[int]string),
		logger: logger.With(zap.Int("rank", rank), zap.String("run", runID)),
	}, nil
}

func (t *HTTPTransport) Rank() int { return t.rank }
func (t *HTTPTransport) Size() int { return t.size }

// RunID returns the run this transport belongs to.
func (t *HTTPTransport) RunID() string { return t.runID }

// Mailbox exposes the inbox for introspection.
func (t *HTTPTransport) Mailbox() storage.Store { return t.box }

// SetPeer records the base URL of rank.
func (t *HTTPTransport) SetPeer(rank int, addr string) error {
	if err := checkRank(rank, t.size); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[rank] = addr
	return nil
}

// OnDeliver registers fn to be called after a message from a peer has been
// stored in the mailbox.
func (t *HTTPTransport) OnDeliver(fn func(tag Tag, from int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDeliver = fn
}

func (t *HTTPTransport) peer(rank int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.peers[rank]
	return addr, ok
}

func (t *HTTPTransport) Send(ctx context.Context, to int, tag Tag, data []int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := checkRank(to, t.size); err != nil {
		return err
	}
	if to == t.rank {
		return t.box.Put(mailboxKey(tag, t.rank), data)
	}
	addr, ok := t.peer(to)
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "rank %d", to)
	}
	msg := MessageRequest{RunID: t.runID, Tag: tag, From: t.rank, To: to, Data: data}
	for attempt := 1; ; attempt++ {
		err := PostJSON(ctx, addr+"/group/message", msg, nil)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Status != http.StatusServiceUnavailable ||
			attempt == joinAttempts || t.aborted.Load() {
			return errors.Wrapf(err, "send %s to rank %d", tag, to)
		}
		t.logger.Debug("peer not joined yet", zap.Int("peer", to), zap.Int("attempt", attempt))
		select {
		case <-time.After(joinRetryDelay):
		case <-ctx.Done():
			return errors.Wrapf(context.Cause(ctx), "send %s to rank %d", tag, to)
		}
	}
}

func (t *HTTPTransport) Recv(ctx context.Context, from int, tag Tag) ([]int64, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRank(from, t.size); err != nil {
		return nil, err
	}
	return t.box.Take(ctx, mailboxKey(tag, from))
}

// Abort fails this participant's pending receives and tells every known
// peer to do the same.
func (t *HTTPTransport) Abort(reason error) {
	t.abort(abortError(t.rank, reason), -1)
}

// abort closes the mailbox and relays the abort to all peers except skip.
func (t *HTTPTransport) abort(reason error, skip int) {
	t.once.Do(func() {
		t.aborted.Store(true)
		t.box.Close(reason)
		t.logger.Warn("process group aborted", zap.Error(reason))

		t.mu.RLock()
		targets := make(map[int]string, len(t.peers))
		for rank, addr := range t.peers {
			if rank != skip && rank != t.rank {
				targets[rank] = addr
			}
		}
		t.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		var wg sync.WaitGroup
		for rank, addr := range targets {
			wg.Add(1)
			go func(rank int, addr string) {
				defer wg.Done()
				req := AbortRequest{RunID: t.runID, From: t.rank, Reason: reason.Error()}
				if err := PostJSON(ctx, addr+"/group/abort", req, nil); err != nil {
					t.logger.Debug("abort relay failed", zap.Int("peer", rank), zap.Error(err))
				}
			}(rank, addr)
		}
		wg.Wait()
	})
}

// Aborted reports whether the group was aborted.
func (t *HTTPTransport) Aborted() bool {
	return t.aborted.Load()
}

// Close leaves the group. Pending receives fail with ErrClosed.
func (t *HTTPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.box.Close(ErrClosed)
	return nil
}

// Handler serves /group/message and /group/abort.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/group/message", t.handleMessage)
	mux.HandleFunc("/group/abort", t.handleAbort)
	return mux
}

func (t *HTTPTransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if msg.RunID != t.runID {
		http.Error(w, "unknown run", http.StatusConflict)
		return
	}
	if msg.To != t.rank || checkRank(msg.From, t.size) != nil {
		http.Error(w, "misrouted message", http.StatusBadRequest)
		return
	}
	if msg.Tag != TagScatter && msg.Tag != TagGather {
		http.Error(w, "unknown tag", http.StatusBadRequest)
		return
	}

	err := t.box.Put(mailboxKey(msg.Tag, msg.From), msg.Data)
	switch {
	case err == nil:
		t.mu.RLock()
		hook := t.onDeliver
		t.mu.RUnlock()
		if hook != nil {
			hook(msg.Tag, msg.From)
		}
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrKeyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrMailboxClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (t *HTTPTransport) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.RunID != t.runID {
		http.Error(w, "unknown run", http.StatusConflict)
		return
	}
	reason := errors.Mark(errors.Newf("aborted by rank %d: %s", req.From, req.Reason), ErrAborted)
	// Relay in the background so the sender is not blocked on our peers.
	go t.abort(reason, req.From)
	w.WriteHeader(http.StatusNoContent)
}

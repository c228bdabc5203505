package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpPair struct {
	root, worker       *HTTPTransport
	rootSrv, workerSrv *httptest.Server
}

func newHTTPPair(t *testing.T) *httpPair {
	t.Helper()
	root, err := NewHTTPTransport(0, 2, "run-1", nil)
	require.NoError(t, err)
	worker, err := NewHTTPTransport(1, 2, "run-1", nil)
	require.NoError(t, err)

	p := &httpPair{
		root:      root,
		worker:    worker,
		rootSrv:   httptest.NewServer(root.Handler()),
		workerSrv: httptest.NewServer(worker.Handler()),
	}
	t.Cleanup(func() {
		p.rootSrv.Close()
		p.workerSrv.Close()
	})
	require.NoError(t, root.SetPeer(1, p.workerSrv.URL))
	require.NoError(t, worker.SetPeer(0, p.rootSrv.URL))
	return p
}

func TestNewHTTPTransport(t *testing.T) {
	_, err := NewHTTPTransport(0, 0, "r", nil)
	assert.Error(t, err)
	_, err = NewHTTPTransport(2, 2, "r", nil)
	assert.True(t, errors.Is(err, ErrInvalidRank))

	tr, err := NewHTTPTransport(1, 3, "r", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Rank())
	assert.Equal(t, 3, tr.Size())
	assert.Equal(t, "r", tr.RunID())
	assert.True(t, errors.Is(tr.SetPeer(3, "http://x"), ErrInvalidRank))
}

func TestHTTPSendRecv(t *testing.T) {
	p := newHTTPPair(t)
	ctx := context.Background()

	require.NoError(t, p.root.Send(ctx, 1, TagScatter, []int64{9, 2, 7, 4}))
	got, err := p.worker.Recv(ctx, 0, TagScatter)
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 2, 7, 4}, got)

	require.NoError(t, p.worker.Send(ctx, 0, TagGather, []int64{2, 4, 7, 9}))
	got, err = p.root.Recv(ctx, 1, TagGather)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 7, 9}, got)
}

func TestHTTPSendToSelf(t *testing.T) {
	p := newHTTPPair(t)
	ctx := context.Background()

	require.NoError(t, p.root.Send(ctx, 0, TagScatter, []int64{1}))
	got, err := p.root.Recv(ctx, 0, TagScatter)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got)
}

func TestHTTPUnknownPeer(t *testing.T) {
	tr, err := NewHTTPTransport(1, 3, "run-1", nil)
	require.NoError(t, err)

	err = tr.Send(context.Background(), 2, TagGather, nil)
	assert.True(t, errors.Is(err, ErrUnknownPeer))
}

func TestHTTPDuplicateDelivery(t *testing.T) {
	p := newHTTPPair(t)
	ctx := context.Background()

	require.NoError(t, p.worker.Send(ctx, 0, TagGather, []int64{1}))
	err := p.worker.Send(ctx, 0, TagGather, []int64{1})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.Status)
}

func TestHTTPHandleMessageRejects(t *testing.T) {
	tr, err := NewHTTPTransport(0, 2, "run-1", nil)
	require.NoError(t, err)
	h := tr.Handler()

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"other run", http.MethodPost, `{"run_id":"run-2","tag":"gather","from":1,"to":0}`, http.StatusConflict},
		{"misrouted", http.MethodPost, `{"run_id":"run-1","tag":"gather","from":1,"to":1}`, http.StatusBadRequest},
		{"sender out of range", http.MethodPost, `{"run_id":"run-1","tag":"gather","from":7,"to":0}`, http.StatusBadRequest},
		{"unknown tag", http.MethodPost, `{"run_id":"run-1","tag":"bcast","from":1,"to":0}`, http.StatusBadRequest},
		{"accepted", http.MethodPost, `{"run_id":"run-1","tag":"gather","from":1,"to":0,"data":[1,2]}`, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/group/message", bytes.NewBufferString(tt.body))
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// TestHTTPAbortPropagates has the worker abort while the root waits in a
// gather; the root's receive must fail with the worker's reason.
func TestHTTPAbortPropagates(t *testing.T) {
	p := newHTTPPair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := p.root.Recv(context.Background(), 1, TagGather)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.worker.Abort(errors.New("clBuildProgram failed"))
	assert.True(t, p.worker.Aborted())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrAborted))
		assert.Contains(t, err.Error(), "clBuildProgram failed")
	case <-time.After(5 * time.Second):
		t.Fatal("root receive was not released by the abort")
	}
	assert.Eventually(t, p.root.Aborted, time.Second, 10*time.Millisecond)
}

func TestHTTPAbortOtherRun(t *testing.T) {
	tr, err := NewHTTPTransport(1, 2, "run-1", nil)
	require.NoError(t, err)

	body, _ := json.Marshal(AbortRequest{RunID: "run-2", From: 0, Reason: "x"})
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/group/abort", bytes.NewReader(body)))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, tr.Aborted())
}

func TestHTTPClose(t *testing.T) {
	p := newHTTPPair(t)
	require.NoError(t, p.worker.Close())
	require.NoError(t, p.worker.Close())

	_, err := p.worker.Recv(context.Background(), 0, TagScatter)
	assert.True(t, errors.Is(err, ErrClosed))

	// Deliveries to a closed participant are refused.
	err = p.root.Send(context.Background(), 1, TagScatter, []int64{1})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusGone, statusErr.Status)
}

// TestHTTPSendWaitsForJoin has the worker answer 503 twice, as a node does
// before it has joined the run; the send must go through afterwards.
func TestHTTPSendWaitsForJoin(t *testing.T) {
	root, err := NewHTTPTransport(0, 2, "run-1", nil)
	require.NoError(t, err)
	worker, err := NewHTTPTransport(1, 2, "run-1", nil)
	require.NoError(t, err)

	var refused atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refused.Add(1) <= 2 {
			http.Error(w, "not joined", http.StatusServiceUnavailable)
			return
		}
		worker.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()
	require.NoError(t, root.SetPeer(1, srv.URL))

	require.NoError(t, root.Send(context.Background(), 1, TagScatter, []int64{3, 2, 1}))
	got, err := worker.Recv(context.Background(), 0, TagScatter)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, got)
	assert.Equal(t, int32(3), refused.Load())
}

func TestHTTPSendJoinCanceled(t *testing.T) {
	root, err := NewHTTPTransport(0, 2, "run-1", nil)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not joined", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	require.NoError(t, root.SetPeer(1, srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = root.Send(ctx, 1, TagScatter, []int64{1})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestHTTPOnDeliver(t *testing.T) {
	p := newHTTPPair(t)

	delivered := make(chan int, 1)
	p.root.OnDeliver(func(tag Tag, from int) {
		if tag == TagGather {
			delivered <- from
		}
	})
	require.NoError(t, p.worker.Send(context.Background(), 0, TagGather, []int64{1, 2}))

	select {
	case from := <-delivered:
		assert.Equal(t, 1, from)
	case <-time.After(time.Second):
		t.Fatal("delivery hook not called")
	}
}

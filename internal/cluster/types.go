package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NodeInfo describes one participant process of the HTTP group.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
	Rank int    `json:"rank"`
}

// RegisterRequest is sent by a node to join the coordinator's group.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// RegisterResponse carries everything a worker needs to compute the same
// layout as the coordinator.
type RegisterResponse struct {
	RunID    string `json:"run_id"`
	Policy   string `json:"policy"`
	Rank     int    `json:"rank"`
	Size     int    `json:"size"`
	Elements int    `json:"elements"`
}

// MessageRequest delivers one tagged chunk to its destination rank.
type MessageRequest struct {
	RunID string  `json:"run_id"`
	Tag   Tag     `json:"tag"`
	Data  []int64 `json:"data"`
	From  int     `json:"from"`
	To    int     `json:"to"`
}

// AbortRequest tells a participant that the run is over.
type AbortRequest struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
	From   int    `json:"from"`
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// StatusError is returned by PostJSON and GetJSON for non-2xx responses.
type StatusError struct {
	URL    string
	Body   string
	Status int
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Status)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Status, e.Body)
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(url, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(url string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		URL:    url,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(msg)),
	}
}

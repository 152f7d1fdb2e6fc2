// Package scoring attaches relevance scores to pending records. The scorer
// itself is a remote service; this package retries it, rate-limits it and
// writes results back under the record lock.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dhcgn/jobspool/model"
)

// Request is what a scorer sees of a record.
type Request struct {
	Key     string            `json:"key"`
	Subject string            `json:"subject"`
	Fields  map[string]string `json:"fields"`
	Profile string            `json:"profile,omitempty"`
}

type Response struct {
	Score     int    `json:"score"`
	Rationale string `json:"reason"`
}

type Scorer interface {
	Score(ctx context.Context, req Request) (Response, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req Request) (Response, error)

func (f ScorerFunc) Score(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// HTTPScorer posts requests as JSON to a scoring endpoint. Network errors,
// 429 and 5xx answers are transient; any other failure is permanent.
type HTTPScorer struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPScorer(url, token string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPScorer{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPScorer) Score(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			return Response{}, fmt.Errorf("%w: scorer unreachable: %v", model.ErrTransient, err)
		}
		return Response{}, fmt.Errorf("%w: scorer request: %v", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read scorer response: %v", model.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Response{}, fmt.Errorf("%w: scorer returned %s", model.ErrTransient, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return Response{}, fmt.Errorf("scorer returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, fmt.Errorf("decode scorer response: %w", err)
	}
	return out, nil
}

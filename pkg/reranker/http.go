// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEncoder calls an external cross-encoder scoring service.
//
// Request:  POST {"query": "...", "texts": ["...", ...]}
// Response: {"scores": [1.2, -3.4, ...]} in input order.
type HTTPEncoder struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

// HTTPEncoderConfig configures the HTTP cross-encoder adapter.
type HTTPEncoderConfig struct {
	// URL of the scoring endpoint.
	URL string

	// Model name reported by Model(); informational.
	Model string

	// APIKey sent as a bearer token when set.
	APIKey string

	// Timeout per scoring call (default: 30s).
	Timeout time.Duration
}

type scoreRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// NewHTTPEncoder creates an HTTP-backed cross-encoder.
func NewHTTPEncoder(cfg HTTPEncoderConfig) (*HTTPEncoder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("cross-encoder URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "cross-encoder"
	}
	return &HTTPEncoder{
		url:    cfg.URL,
		model:  model,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Score submits all texts in one call.
func (e *HTTPEncoder) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(scoreRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("scorer returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	if len(out.Scores) != len(texts) {
		return nil, fmt.Errorf("%w: got %d for %d texts", ErrScoreCountMismatch, len(out.Scores), len(texts))
	}
	return out.Scores, nil
}

// Model identifies the scoring model.
func (e *HTTPEncoder) Model() string {
	return e.model
}

// Close releases resources.
func (e *HTTPEncoder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

var _ CrossEncoder = (*HTTPEncoder)(nil)

// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package embed generates and stores code embeddings. A Provider turns
// text into a normalized vector; the Engine runs providers on a worker
// pool, rate-limits concurrent calls, and writes points into the
// vector store with project-scoped payloads.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"
)

// DefaultDimension is the embedding width of the default local provider
// and the common width of small embedding models.
const DefaultDimension = 384

// Provider generates embeddings for code text.
type Provider interface {
	// Embed generates an embedding vector for the given text.
	// Returns a normalized vector (L2 norm = 1.0) or error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the width of vectors this provider emits.
	Dimension() int
}

// LocalProvider generates deterministic embeddings from a text hash.
// Not semantically meaningful, but stable across runs, which is what
// offline deployments and the test suite need.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates the deterministic local provider.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &LocalProvider{dimension: dimension}
}

// Dimension implements Provider.
func (p *LocalProvider) Dimension() int { return p.dimension }

// Embed generates a deterministic embedding based on the text hash.
func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := hashString(text)

	embedding := make([]float32, p.dimension)
	for i := 0; i < p.dimension; i++ {
		val := float32((hash+uint64(i)*7919)%10000) / 10000.0
		embedding[i] = val*2.0 - 1.0 // Map to [-1, 1]
	}
	return normalizeEmbedding(embedding), nil
}

func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}

// OllamaProvider generates embeddings using a local Ollama server.
// Supports models like nomic-embed-text, mxbai-embed-large, all-minilm.
type OllamaProvider struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
	logger     *slog.Logger
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// isNomicModel checks if the model supports asymmetric search prefixes
// (search_document/search_query).
func isNomicModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "nomic")
}

// NewOllamaProvider creates an Ollama embedding provider.
func NewOllamaProvider(baseURL, model string, dimension int, logger *slog.Logger) *OllamaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if dimension <= 0 {
		dimension = 768 // nomic-embed-text default
	}
	return &OllamaProvider{
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Local models may be slower
		},
		logger: logger,
	}
}

// Dimension implements Provider.
func (o *OllamaProvider) Dimension() int { return o.dimension }

// Embed generates an embedding for the given text using local Ollama.
func (o *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	// Nomic models want the asymmetric document prefix; queries get
	// "search_query:" in QueryText.
	prompt := text
	if isNomicModel(o.model) && !strings.HasPrefix(text, "search_query: ") {
		prompt = "search_document: " + text
	}

	jsonBody, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := o.baseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request (is Ollama running at %s?): %w", o.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ollamaErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}

	embedding := make([]float32, len(embedResp.Embedding))
	for i, v := range embedResp.Embedding {
		embedding[i] = float32(v)
	}
	return normalizeEmbedding(embedding), nil
}

// QueryText formats a retrieval query for the provider. Nomic-family
// models use the asymmetric query prefix; everything else embeds the
// raw text.
func QueryText(p Provider, query string) string {
	if o, ok := p.(*OllamaProvider); ok && isNomicModel(o.model) {
		return "search_query: " + query
	}
	return query
}

// NewProvider creates an embedding provider by name.
// Supported providers:
//   - "local": deterministic hash embeddings, no external service
//   - "ollama": local Ollama server (default: http://localhost:11434)
func NewProvider(providerType string, logger *slog.Logger) (Provider, error) {
	switch providerType {
	case "", "local":
		return NewLocalProvider(DefaultDimension), nil

	case "ollama":
		baseURL := os.Getenv("OLLAMA_BASE_URL")
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := os.Getenv("OLLAMA_EMBED_MODEL")
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaProvider(baseURL, model, 0, logger), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: local, ollama)", providerType)
	}
}

// isRetryableError classifies provider errors: network/timeout and HTTP
// 5xx/429 are retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	retrySubstr := []string{"timeout", "temporarily unavailable", "connection refused", "connection reset", "deadline exceeded", "eof"}
	for _, s := range retrySubstr {
		if strings.Contains(msg, s) {
			return true
		}
	}
	httpRetry := []string{"status 429", "status 500", "status 502", "status 503", "status 504"}
	for _, s := range httpRetry {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// normalizeEmbedding normalizes a vector to unit length (L2 norm = 1).
func normalizeEmbedding(embedding []float32) []float32 {
	if len(embedding) == 0 {
		return embedding
	}
	var norm float64
	for _, v := range embedding {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return embedding
	}
	normf := float32(norm)
	for i := range embedding {
		embedding[i] /= normf
	}
	return embedding
}

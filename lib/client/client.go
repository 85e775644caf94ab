// Copyright 2025 Antfly, Inc.
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

// Package client is a small HTTP client for the captioner service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// CaptionResponse is the body of a successful POST /caption.
type CaptionResponse struct {
	ModelID string `json:"model_id"`
	Task    string `json:"task"`
	// Result is a JSON string for text tasks and an object otherwise.
	Result json.RawMessage `json:"result"`
}

// Text returns the result as a string. Structured results are returned as
// their compact JSON.
func (r *CaptionResponse) Text() string {
	var s string
	if err := sonic.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	ModelID string `json:"model_id"`
	Device  string `json:"device"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("captioner returned %d: %s", e.StatusCode, e.Detail)
}

// Client talks to one captioner service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for baseURL (e.g. http://localhost:8000).
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Caption uploads an image. Empty task uses the server default.
func (c *Client) Caption(ctx context.Context, filename string, image []byte, task, text string) (*CaptionResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, err
	}
	if task != "" {
		if err := mw.WriteField("task", task); err != nil {
			return nil, err
		}
	}
	if text != "" {
		if err := mw.WriteField("text", text); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/caption", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Request-ID", uuid.NewString())

	var resp CaptionResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	var resp HealthResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var detail struct {
			Detail string `json:"detail"`
		}
		if err := sonic.Unmarshal(data, &detail); err != nil || detail.Detail == "" {
			detail.Detail = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Detail: detail.Detail}
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

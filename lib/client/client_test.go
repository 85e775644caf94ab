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

package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Caption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/caption", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "img.png", hdr.Filename)
		assert.Equal(t, "PNGDATA", string(data))
		assert.Equal(t, "<OD>", r.FormValue("task"))
		assert.Equal(t, "", r.FormValue("text"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model_id":"m","task":"<OD>","result":{"bboxes":[[1,2,3,4]],"labels":["cat"]}}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL+"/", nil).Caption(context.Background(), "img.png", []byte("PNGDATA"), "<OD>", "")
	require.NoError(t, err)
	assert.Equal(t, "m", resp.ModelID)
	assert.Equal(t, "<OD>", resp.Task)
	assert.JSONEq(t, `{"bboxes":[[1,2,3,4]],"labels":["cat"]}`, resp.Text())
}

func TestClient_CaptionText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model_id":"m","task":"<CAPTION>","result":"A dog on grass."}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, nil).Caption(context.Background(), "a.jpg", []byte("x"), "", "")
	require.NoError(t, err)
	assert.Equal(t, "A dog on grass.", resp.Text())
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Invalid image: unsupported format"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Caption(context.Background(), "a.txt", []byte("hello"), "", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Invalid image: unsupported format", apiErr.Detail)
}

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","model_id":"m","device":"cpu"}`))
	}))
	defer srv.Close()

	h, err := New(srv.URL, nil).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "cpu", h.Device)
}

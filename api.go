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

package captioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/antflydb/captioner/lib/captioning"
	"github.com/antflydb/captioner/lib/florence"
	"github.com/antflydb/captioner/lib/imaging"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-ID"
	// multipart parts above this size spill to temp files
	maxFormMemory = 8 << 20
)

// CaptionResponse is the body of a successful POST /caption.
type CaptionResponse struct {
	ModelID string          `json:"model_id"`
	Task    string          `json:"task"`
	Result  json.RawMessage `json:"result"`
}

// ErrorResponse is the body of every non-2xx caption response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// TasksResponse is the body of GET /api/tasks.
type TasksResponse struct {
	DefaultTask string              `json:"default_task"`
	Strict      bool                `json:"strict"`
	Tasks       []florence.TaskSpec `json:"tasks"`
}

// CaptionerNode serves one resident model.
type CaptionerNode struct {
	logger *zap.Logger

	captioner      Captioner
	requestQueue   *RequestQueue
	captionCache   *CaptionCache
	strictTasks    bool
	maxUploadBytes int64
}

// NewCaptionerNode builds the request path around c: admission queue and,
// unless disabled, the caption cache.
func NewCaptionerNode(config Config, c Captioner, logger *zap.Logger) (*CaptionerNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	requestTimeout, err := parseDuration("request_timeout", config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	ttl, err := config.cacheTTL()
	if err != nil {
		return nil, err
	}

	n := &CaptionerNode{
		logger:         logger,
		captioner:      c,
		strictTasks:    config.StrictTasks,
		maxUploadBytes: config.MaxUploadBytes,
		requestQueue: NewRequestQueue(RequestQueueConfig{
			MaxConcurrentRequests: config.MaxConcurrentRequests,
			MaxQueueSize:          config.MaxQueueSize,
			RequestTimeout:        requestTimeout,
		}, logger.Named("queue")),
	}

	if ttl > 0 {
		n.captionCache = NewCaptionCache(ttl, logger.Named("caption-cache"))
		n.captioner = n.captionCache.Wrap(c)
		logger.Info("Caption cache enabled", zap.Duration("ttl", ttl))
	}
	return n, nil
}

// Close stops background work owned by the node. The captioner itself is
// closed by its owner.
func (n *CaptionerNode) Close() {
	if n.captionCache != nil {
		n.captionCache.Close()
	}
}

// NewCaptionerAPI returns the HTTP handler for the caption service.
func NewCaptionerAPI(logger *zap.Logger, node *CaptionerNode) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", node.handleHealth)
	mux.HandleFunc("POST /caption", node.handleCaption)
	mux.HandleFunc("GET /api/version", node.handleVersion)
	mux.HandleFunc("GET /api/tasks", node.handleTasks)
	mux.HandleFunc("GET /healthz", node.handleHealthz)
	mux.HandleFunc("GET /readyz", node.handleReadyz)
	return mux
}

func (n *CaptionerNode) handleCaption(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	logger := n.logger.With(zap.String("request_id", requestID))

	ctx, release, err := n.requestQueue.Acquire(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			RecordQueueRejection()
			WriteQueueFullResponse(w, 5*time.Second)
		case errors.Is(err, ErrRequestTimeout):
			RecordQueueTimeout()
			WriteTimeoutResponse(w)
		default:
			writeDetail(w, http.StatusRequestTimeout, "Request cancelled")
		}
		return
	}
	defer release()
	UpdateQueueMetrics(n.requestQueue.Stats())

	r.Body = http.MaxBytesReader(w, r.Body, n.maxUploadBytes)
	req, status, detail := n.readCaptionRequest(r)
	if status != http.StatusOK {
		logger.Debug("Rejected caption upload", zap.Int("status", status), zap.String("detail", detail))
		RecordCaptionRequest("none", strconv.Itoa(status))
		writeDetail(w, status, detail)
		return
	}

	resp, err := n.captioner.Caption(ctx, req)
	if err != nil {
		status, detail := classifyCaptionError(err)
		if status == http.StatusInternalServerError {
			logger.Error("Caption failed",
				zap.String("task", req.Task),
				zap.Int("image_bytes", len(req.Image)),
				zap.Error(err))
		} else {
			logger.Info("Caption rejected",
				zap.String("task", req.Task),
				zap.Int("status", status),
				zap.Error(err))
		}
		RecordCaptionRequest(taskLabel(req.Task), strconv.Itoa(status))
		RecordRequestDuration("caption", n.captioner.ModelID(), strconv.Itoa(status), time.Since(start).Seconds())
		writeDetail(w, status, detail)
		return
	}

	result, err := sonic.Marshal(resp.Result)
	if err != nil {
		logger.Error("Encoding caption result", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Caption failed: encoding result")
		return
	}

	RecordCaptionRequest(taskLabel(resp.Task), "200")
	RecordTokenGeneration(resp.ModelID, resp.Tokens)
	RecordRequestDuration("caption", resp.ModelID, "200", time.Since(start).Seconds())
	logger.Info("Caption served",
		zap.String("task", resp.Task),
		zap.String("kind", string(resp.Result.Kind)),
		zap.Int("width", resp.Width),
		zap.Int("height", resp.Height),
		zap.Duration("took", time.Since(start)))

	writeJSON(w, http.StatusOK, CaptionResponse{
		ModelID: resp.ModelID,
		Task:    resp.Task,
		Result:  result,
	})
}

// readCaptionRequest parses the multipart upload. On failure it returns the
// HTTP status and detail to send.
func (n *CaptionerNode) readCaptionRequest(r *http.Request) (captioning.Request, int, string) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return captioning.Request{}, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Invalid image: upload exceeds %d bytes", tooLarge.Limit)
		}
		return captioning.Request{}, http.StatusBadRequest, "Invalid image: " + err.Error()
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("file")
	if err != nil {
		return captioning.Request{}, http.StatusBadRequest, "Invalid image: missing file field"
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return captioning.Request{}, http.StatusBadRequest, "Invalid image: " + err.Error()
	}

	return captioning.Request{
		Image: data,
		Task:  r.FormValue("task"),
		Text:  r.FormValue("text"),
	}, http.StatusOK, ""
}

// taskLabel bounds metric cardinality when unknown tasks pass through.
func taskLabel(task string) string {
	token, _ := florence.SplitTask(task)
	if _, ok := florence.LookupTask(token); ok {
		return token
	}
	return "other"
}

// classifyCaptionError maps pipeline errors onto HTTP statuses.
func classifyCaptionError(err error) (int, string) {
	var invalid *imaging.InvalidImageError
	var unsupported *florence.UnsupportedTaskError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "Invalid image: " + invalid.Message
	case errors.As(err, &unsupported):
		return http.StatusBadRequest, unsupported.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Request timeout exceeded"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "Request cancelled"
	default:
		return http.StatusInternalServerError, "Caption failed: " + err.Error()
	}
}

func (n *CaptionerNode) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	})
}

func (n *CaptionerNode) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TasksResponse{
		DefaultTask: n.captioner.DefaultTask(),
		Strict:      n.strictTasks,
		Tasks:       florence.KnownTasks(),
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

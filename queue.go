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
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when every admission slot and queue slot is taken.
	ErrQueueFull = errors.New("request queue is full")

	// ErrRequestTimeout is returned when a request waits longer than the
	// configured timeout for admission.
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RequestQueue bounds how many caption requests are admitted at once and how
// many may wait. It sits in front of the model handle, which serializes
// generation on its own.
type RequestQueue struct {
	maxConcurrent int64
	maxQueueSize  int64
	timeout       time.Duration

	sem chan struct{}

	currentActive  atomic.Int64
	currentQueued  atomic.Int64
	totalProcessed atomic.Int64
	totalRejected  atomic.Int64
	totalTimedOut  atomic.Int64

	logger *zap.Logger
}

// RequestQueueConfig configures a RequestQueue. Zero values disable the
// corresponding limit.
type RequestQueueConfig struct {
	MaxConcurrentRequests int
	MaxQueueSize          int // only applies when MaxConcurrentRequests > 0
	RequestTimeout        time.Duration
}

func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &RequestQueue{
		maxConcurrent: int64(config.MaxConcurrentRequests),
		maxQueueSize:  int64(config.MaxQueueSize),
		timeout:       config.RequestTimeout,
		logger:        logger,
	}

	if config.MaxConcurrentRequests > 0 {
		q.sem = make(chan struct{}, config.MaxConcurrentRequests)
		logger.Info("Request queue initialized",
			zap.Int("max_concurrent", config.MaxConcurrentRequests),
			zap.Int("max_queue_size", config.MaxQueueSize),
			zap.Duration("timeout", config.RequestTimeout))
	} else {
		logger.Info("Request queue disabled (unlimited concurrency)")
	}

	return q
}

// Acquire waits for an admission slot. The returned context carries the
// request timeout, if any, and must be used for the admitted work; release
// must be called when the work is done.
func (q *RequestQueue) Acquire(ctx context.Context) (admitted context.Context, release func(), err error) {
	cancel := context.CancelFunc(func() {})
	if q.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
	}
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	if q.sem == nil {
		q.currentActive.Add(1)
		return ctx, func() {
			q.currentActive.Add(-1)
			q.totalProcessed.Add(1)
			cancel()
		}, nil
	}

	select {
	case q.sem <- struct{}{}:
		q.currentActive.Add(1)
		RecordQueueWaitTime(0)
		return ctx, q.makeRelease(cancel), nil
	default:
	}

	// Reserve a queue slot with CAS so concurrent callers cannot overshoot
	// the limit between the check and the increment.
	if q.maxQueueSize > 0 {
		for {
			queued := q.currentQueued.Load()
			if queued >= q.maxQueueSize {
				q.totalRejected.Add(1)
				q.logger.Warn("Request rejected: queue full",
					zap.Int64("queued", queued),
					zap.Int64("max_queue", q.maxQueueSize))
				return nil, nil, ErrQueueFull
			}
			if q.currentQueued.CompareAndSwap(queued, queued+1) {
				break
			}
		}
	} else {
		q.currentQueued.Add(1)
	}
	queueStart := time.Now()

	q.logger.Debug("Request queued",
		zap.Int64("queue_depth", q.currentQueued.Load()))

	select {
	case q.sem <- struct{}{}:
		q.currentQueued.Add(-1)
		q.currentActive.Add(1)
		wait := time.Since(queueStart)
		RecordQueueWaitTime(wait.Seconds())
		q.logger.Debug("Request dequeued", zap.Duration("wait_time", wait))
		return ctx, q.makeRelease(cancel), nil

	case <-ctx.Done():
		q.currentQueued.Add(-1)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			q.totalTimedOut.Add(1)
			q.logger.Warn("Request timed out in queue",
				zap.Duration("wait_time", time.Since(queueStart)),
				zap.Duration("timeout", q.timeout))
			return nil, nil, ErrRequestTimeout
		}
		return nil, nil, ctx.Err()
	}
}

func (q *RequestQueue) makeRelease(cancel context.CancelFunc) func() {
	return func() {
		q.currentActive.Add(-1)
		q.totalProcessed.Add(1)
		<-q.sem
		cancel()
	}
}

// Stats returns current queue statistics
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		Enabled:        q.IsEnabled(),
		CurrentActive:  q.currentActive.Load(),
		CurrentQueued:  q.currentQueued.Load(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalRejected:  q.totalRejected.Load(),
		TotalTimedOut:  q.totalTimedOut.Load(),
		MaxConcurrent:  q.maxConcurrent,
		MaxQueueSize:   q.maxQueueSize,
	}
}

// QueueStats holds queue statistics
type QueueStats struct {
	Enabled        bool  `json:"enabled"`
	CurrentActive  int64 `json:"current_active"`
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}

// IsEnabled reports whether admission is limited.
func (q *RequestQueue) IsEnabled() bool {
	return q.sem != nil
}

// WriteQueueFullResponse writes a 503 with Retry-After.
func WriteQueueFullResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	writeDetail(w, http.StatusServiceUnavailable, "Service overloaded, please retry later")
}

// WriteTimeoutResponse writes a 504.
func WriteTimeoutResponse(w http.ResponseWriter) {
	writeDetail(w, http.StatusGatewayTimeout, "Request timeout exceeded")
}

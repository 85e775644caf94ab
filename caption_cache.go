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
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antflydb/captioner/lib/captioning"
	"github.com/antflydb/captioner/lib/tensors"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Captioner is the request pipeline the HTTP front serves.
type Captioner interface {
	Caption(ctx context.Context, req captioning.Request) (*captioning.Response, error)
	ModelID() string
	Device() tensors.Device
	DefaultTask() string
	ResolveTask(task string) (string, error)
}

// CachedCaptioner memoizes caption results. Generation is deterministic, so
// identical (model, task, text, image) requests share one result, and
// concurrent identical requests share one generation.
type CachedCaptioner struct {
	Captioner

	cache   *ttlcache.Cache[string, *captioning.Response]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]*sharedCall

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedCaptioner wraps c with cache.
func NewCachedCaptioner(c Captioner, cache *ttlcache.Cache[string, *captioning.Response], logger *zap.Logger) *CachedCaptioner {
	return &CachedCaptioner{
		Captioner: c,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
		inflight:  make(map[string]*sharedCall),
	}
}

// sharedCall is the context one deduplicated generation runs on. It outlives
// any single caller and is cancelled when the last waiter leaves.
type sharedCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers a waiter on key, creating the shared context from ctx's
// values when no call is in flight.
func (c *CachedCaptioner) join(ctx context.Context, key string) *sharedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.inflight[key]
	if call == nil {
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		call = &sharedCall{ctx: sctx, cancel: cancel}
		c.inflight[key] = call
	}
	call.waiters++
	return call
}

// leave drops a waiter. The last one out cancels the generation and lets the
// next identical request start a fresh one.
func (c *CachedCaptioner) leave(key string, call *sharedCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call.waiters--
	if call.waiters > 0 {
		return
	}
	call.cancel()
	if c.inflight[key] == call {
		delete(c.inflight, key)
		c.sfGroup.Forget(key)
	}
}

// Caption serves req from the cache when possible.
func (c *CachedCaptioner) Caption(ctx context.Context, req captioning.Request) (*captioning.Response, error) {
	task, err := c.ResolveTask(req.Task)
	if err != nil {
		return nil, err
	}
	req.Task = task
	key := c.cacheKey(req)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("caption")
		c.logger.Debug("Caption cache hit",
			zap.String("model", c.ModelID()),
			zap.String("task", task))
		return item.Value(), nil
	}

	call := c.join(ctx, key)
	defer c.leave(key, call)

	ch := c.sfGroup.DoChan(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("caption")

		start := time.Now()
		resp, err := c.Captioner.Caption(call.ctx, req)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, resp, ttlcache.DefaultTTL)

		c.logger.Debug("Caption completed and cached",
			zap.String("model", c.ModelID()),
			zap.String("task", task),
			zap.Duration("duration", time.Since(start)))
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.sfHits.Add(1)
			c.logger.Debug("Singleflight hit for caption request",
				zap.String("model", c.ModelID()))
		}
		return res.Val.(*captioning.Response), nil
	}
}

// cacheKey hashes model, task, text and image bytes. Fields are length
// prefixed so no two distinct requests share a byte stream.
func (c *CachedCaptioner) cacheKey(req captioning.Request) string {
	h := xxhash.New()
	var lenBuf [8]byte
	for _, field := range [][]byte{[]byte(c.ModelID()), []byte(req.Task), []byte(req.Text), req.Image} {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(field)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Stats returns hit counters for this captioner.
func (c *CachedCaptioner) Stats() CaptionCacheStats {
	return CaptionCacheStats{
		Model:            c.ModelID(),
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// CaptionCacheStats holds cache statistics for a captioner
type CaptionCacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// CaptionCache owns the ttlcache backing CachedCaptioner.
type CaptionCache struct {
	cache  *ttlcache.Cache[string, *captioning.Response]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewCaptionCache starts a cache whose entries live for ttl.
func NewCaptionCache(ttl time.Duration, logger *zap.Logger) *CaptionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *captioning.Response](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cc := &CaptionCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}
	go cc.logStats(ctx)
	return cc
}

// Wrap returns c with caching.
func (cc *CaptionCache) Wrap(c Captioner) *CachedCaptioner {
	return NewCachedCaptioner(c, cc.cache, cc.logger)
}

// Close stops the cache
func (cc *CaptionCache) Close() {
	cc.cancel()
	cc.cache.Stop()
}

func (cc *CaptionCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := cc.cache.Metrics()
			if metrics.Hits == 0 && metrics.Misses == 0 {
				continue
			}
			total := metrics.Hits + metrics.Misses
			cc.logger.Info("Caption cache stats",
				zap.Uint64("hits", metrics.Hits),
				zap.Uint64("misses", metrics.Misses),
				zap.Float64("hit_rate_pct", float64(metrics.Hits)/float64(total)*100),
				zap.Int("items", cc.cache.Len()))
		}
	}
}

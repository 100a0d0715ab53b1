// Copyright 2025 Tom Barlow
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

package executor

import (
	"math"
	"sync"
	"time"

	"github.com/tombee/foreman/pkg/errors"
)

// TokenBucket is a lazily-refilled token bucket. Tokens accrue at refillRate
// per second between consumes, capped at capacity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket starting at full capacity.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Consume deducts n tokens and returns true iff enough tokens were available.
// Refill is computed lazily on each call.
func (b *TokenBucket) Consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// refill adds tokens for the elapsed time. Must be called with mu held.
func (b *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// Status returns the current token count and capacity.
func (b *TokenBucket) Status() (tokens, capacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens, b.capacity
}

// SlidingWindowRateLimiter tracks request timestamps per user and admits a
// request only when fewer than maxRequests fall inside the window.
type SlidingWindowRateLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	requests    map[string][]time.Time
}

// NewSlidingWindowRateLimiter creates a sliding window limiter.
func NewSlidingWindowRateLimiter(window time.Duration, maxRequests int) *SlidingWindowRateLimiter {
	return &SlidingWindowRateLimiter{
		window:      window,
		maxRequests: maxRequests,
		requests:    make(map[string][]time.Time),
	}
}

// IsAllowed prunes timestamps outside the window, then admits and records the
// request if the user is under the limit. Returns the count of requests in
// the window (including this one when admitted).
func (l *SlidingWindowRateLimiter) IsAllowed(userID string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	pruned := l.prune(userID, now)
	if len(pruned) < l.maxRequests {
		l.requests[userID] = append(pruned, now)
		return true, len(pruned) + 1
	}
	l.requests[userID] = pruned
	return false, len(pruned)
}

// prune drops timestamps at or before now-window. Must be called with mu held.
func (l *SlidingWindowRateLimiter) prune(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	entries := l.requests[userID]
	kept := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// windowReset returns the duration until the oldest in-window request expires.
// Must be called with mu held.
func (l *SlidingWindowRateLimiter) windowReset(userID string, now time.Time) time.Duration {
	entries := l.requests[userID]
	if len(entries) == 0 {
		return 0
	}
	return entries[0].Add(l.window).Sub(now)
}

// Status returns the current in-window count for a user without recording a
// request.
func (l *SlidingWindowRateLimiter) Status(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := l.prune(userID, time.Now())
	l.requests[userID] = pruned
	return len(pruned)
}

// SetLimits updates the window parameters in place.
func (l *SlidingWindowRateLimiter) SetLimits(window time.Duration, maxRequests int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = window
	l.maxRequests = maxRequests
}

// RateLimiter composes the sliding window and per-user token buckets into one
// admission check. The window is consulted first; only on success is the
// user's bucket charged.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	window  *SlidingWindowRateLimiter
	buckets map[string]*TokenBucket
}

// NewRateLimiter creates a limiter from configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		window:  NewSlidingWindowRateLimiter(time.Duration(config.WindowSeconds)*time.Second, config.RequestsPerMinute),
		buckets: make(map[string]*TokenBucket),
	}
}

// userBucket returns the user's bucket, creating it on first use.
func (r *RateLimiter) userBucket(userID string) *TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[userID]
	if !ok {
		bucket = NewTokenBucket(r.config.BurstSize, float64(r.config.RequestsPerMinute)/60.0)
		r.buckets[userID] = bucket
	}
	return bucket
}

// Check admits or rejects a request for userID. A rejection is returned as a
// *errors.RateLimitError carrying retry_after and a usage snapshot.
func (r *RateLimiter) Check(userID string) error {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()
	if !cfg.Enabled {
		return nil
	}

	allowed, inWindow := r.window.IsAllowed(userID)
	if !allowed {
		r.window.mu.Lock()
		reset := r.window.windowReset(userID, time.Now())
		r.window.mu.Unlock()
		retryAfter := time.Duration(math.Ceil(reset.Seconds())) * time.Second
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return &errors.RateLimitError{
			UserID:     userID,
			RetryAfter: retryAfter,
			Limits: map[string]interface{}{
				"requests_in_window":  inWindow,
				"requests_per_minute": cfg.RequestsPerMinute,
				"window_seconds":      cfg.WindowSeconds,
			},
		}
	}

	bucket := r.userBucket(userID)
	if !bucket.Consume(1) {
		tokens, capacity := bucket.Status()
		retrySecs := math.Ceil((1 - tokens) / bucket.refillRate)
		if retrySecs < 1 {
			retrySecs = 1
		}
		return &errors.RateLimitError{
			UserID:     userID,
			RetryAfter: time.Duration(retrySecs) * time.Second,
			Limits: map[string]interface{}{
				"burst_remaining":     tokens,
				"burst_size":          capacity,
				"requests_in_window":  inWindow,
				"requests_per_minute": cfg.RequestsPerMinute,
			},
		}
	}

	return nil
}

// RateLimitStatus is a point-in-time usage snapshot for one user.
type RateLimitStatus struct {
	RequestsInWindow  int     `json:"requests_in_window"`
	RequestsPerMinute int     `json:"requests_per_minute"`
	BurstRemaining    float64 `json:"burst_remaining"`
	BurstSize         int     `json:"burst_size"`
}

// Status reports current usage for a user without charging any limit.
func (r *RateLimiter) Status(userID string) RateLimitStatus {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()

	status := RateLimitStatus{
		RequestsInWindow:  r.window.Status(userID),
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.BurstSize,
		BurstRemaining:    float64(cfg.BurstSize),
	}
	r.mu.Lock()
	bucket, ok := r.buckets[userID]
	r.mu.Unlock()
	if ok {
		tokens, _ := bucket.Status()
		status.BurstRemaining = tokens
	}
	return status
}

// UpdateConfig replaces the configuration live. Existing buckets are
// discarded and rebuilt lazily with the new parameters; the sliding window is
// updated in place.
func (r *RateLimiter) UpdateConfig(config RateLimitConfig) {
	r.mu.Lock()
	r.config = config
	r.buckets = make(map[string]*TokenBucket)
	r.mu.Unlock()
	r.window.SetLimits(time.Duration(config.WindowSeconds)*time.Second, config.RequestsPerMinute)
}

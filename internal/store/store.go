// Package store provides the atomic counting backends the limiter runs on.
//
// A Store keeps, per key, a pair of adjacent fixed-window buckets (current and
// previous) plus the timestamp of the earliest attempt in the current bucket.
// Incr is the only mutation on the hot path and every implementation performs
// it atomically: concurrent callers always observe distinct post-increment
// counts, never a torn read. The decision math itself lives in the limiter so
// both backends share identical semantics.
package store

import (
	"context"
	"time"
)

// Sample is an atomic snapshot taken by Incr, after the increment.
type Sample struct {
	// Current is the attempt count in the current fixed bucket, including
	// the attempt Incr just recorded.
	Current int64
	// Previous is the attempt count of the immediately preceding bucket.
	Previous int64
	// First is when the earliest attempt of the current bucket was recorded.
	First time.Time
}

// Store is the per-key atomic counting contract.
type Store interface {
	// Incr records one attempt against key in the fixed bucket that contains
	// now, and returns the post-increment snapshot. window fixes the bucket
	// size; two callers using different windows for the same key would corrupt
	// each other, so keys embed the policy name upstream.
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (Sample, error)

	// Reset forgets all state for key.
	Reset(ctx context.Context, key string) error
}

// BucketEpoch numbers the fixed bucket containing now. Shared by every
// backend so keys derived in different processes land in the same bucket.
func BucketEpoch(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

// BucketStart is the wall time the bucket holding now began.
func BucketStart(now time.Time, window time.Duration) time.Time {
	return time.Unix(0, BucketEpoch(now, window)*int64(window))
}

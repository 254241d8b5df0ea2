// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"sync"
	"time"
)

const (
	// speedWindow is the sliding window the transfer rate is averaged over.
	speedWindow = 10 * time.Second

	// etaMinElapsed gates the ETA: early estimates swing wildly while the
	// connection ramps up, so nothing is reported before this much time.
	etaMinElapsed = 5 * time.Second

	// etaSanityBound discards estimates beyond a day as noise.
	etaSanityBound = 24 * time.Hour

	sampleCap      = 64
	sampleInterval = 100 * time.Millisecond
)

// ByteProgressSample is one point of the cumulative byte count over time.
type ByteProgressSample struct {
	Time       time.Time
	Cumulative int64
}

// Tracker accumulates downloaded bytes per file and overall.
//
// Overall progress uses cumulative-size weighting: a 4 GB shard contributes
// proportionally more than a 4 KB config file. The published progress is
// monotonically non-decreasing for the lifetime of the tracker even if a
// file has to restart from zero.
type Tracker struct {
	mu         sync.Mutex
	expected   []int64
	total      int64
	done       []int64
	downloaded int64
	published  float64
	samples    []ByteProgressSample
	start      time.Time

	now func() time.Time // test hook
}

// NewTracker creates a tracker weighted by the manifest's file sizes.
func NewTracker(m Manifest) *Tracker {
	t := &Tracker{
		expected: make([]int64, len(m.Files)),
		done:     make([]int64, len(m.Files)),
		now:      time.Now,
	}
	for i, f := range m.Files {
		t.expected[i] = f.Size
		t.total += f.Size
	}
	t.start = time.Now()
	return t
}

// SetFileBytes sets a file's byte count to an absolute value. Used to seed
// resume baselines before a run; baseline bytes do not feed the speed
// estimate.
func (t *Tracker) SetFileBytes(index int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.done) {
		return
	}
	t.downloaded += bytes - t.done[index]
	t.done[index] = bytes
}

// Record adds a byte delta for a file. Deltas may be negative when a
// transfer restarts from zero; the published overall progress still never
// regresses.
func (t *Tracker) Record(index int, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.done) {
		return
	}
	t.done[index] += delta
	t.downloaded += delta
	t.sample()
}

// sample appends to the ring buffer, coalescing bursts. Callers hold t.mu.
func (t *Tracker) sample() {
	now := t.now()
	if n := len(t.samples); n > 0 && now.Sub(t.samples[n-1].Time) < sampleInterval {
		t.samples[n-1].Cumulative = t.downloaded
		return
	}
	t.samples = append(t.samples, ByteProgressSample{Time: now, Cumulative: t.downloaded})
	if len(t.samples) > sampleCap {
		t.samples = t.samples[len(t.samples)-sampleCap:]
	}
}

// OverallProgress returns the byte-weighted completion ratio in [0,1].
func (t *Tracker) OverallProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total <= 0 {
		return 0
	}
	p := float64(t.downloaded) / float64(t.total)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if p < t.published {
		return t.published
	}
	t.published = p
	return p
}

// DownloadedBytes returns the current cumulative byte count.
func (t *Tracker) DownloadedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded
}

// TotalBytes returns the summed expected bytes across the manifest.
func (t *Tracker) TotalBytes() int64 {
	return t.total
}

// StartedAt returns when the tracker was created.
func (t *Tracker) StartedAt() time.Time {
	return t.start
}

// Speed returns the transfer rate in bytes/sec averaged over the sliding
// window, or 0 when there is not enough data yet.
func (t *Tracker) Speed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speedLocked()
}

func (t *Tracker) speedLocked() int64 {
	if len(t.samples) < 2 {
		return 0
	}
	now := t.now()
	first := t.samples[0]
	for _, s := range t.samples {
		if now.Sub(s.Time) <= speedWindow {
			first = s
			break
		}
	}
	last := t.samples[len(t.samples)-1]
	elapsed := last.Time.Sub(first.Time).Seconds()
	if elapsed <= 0 {
		return 0
	}
	bps := float64(last.Cumulative-first.Cumulative) / elapsed
	if bps < 0 {
		return 0
	}
	return int64(bps)
}

// ETA estimates the remaining transfer time. ok is false until a minimum
// elapsed time has passed and the estimate clears the sanity bound; callers
// typically render "Calculating..." in that case.
func (t *Tracker) ETA() (eta time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.now().Sub(t.start) < etaMinElapsed {
		return 0, false
	}
	speed := t.speedLocked()
	if speed <= 0 {
		return 0, false
	}
	remaining := t.total - t.downloaded
	if remaining <= 0 {
		return 0, true
	}
	// Bound in whole seconds first: converting a huge estimate to
	// nanoseconds overflows int64 and wraps negative.
	secs := remaining / speed
	if secs >= int64(etaSanityBound/time.Second) {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// RejectReason classifies why an admission attempt was rejected.
type RejectReason string

// Admission rejection reasons.
const (
	ReasonOverloaded  RejectReason = "overloaded"
	ReasonRateLimited RejectReason = "rate_limited"
	ReasonTimeout     RejectReason = "timeout"
	ReasonCanceled    RejectReason = "canceled"
)

// Snapshot is a point-in-time view of the admission statistics.
type Snapshot struct {
	ActiveCount         int     `json:"activeCount"`
	QueuedCount         int     `json:"queuedCount"`
	TotalCompleted      int64   `json:"totalCompleted"`
	AverageDurationMs   float64 `json:"averageDurationMs"`
	TotalRequests       int64   `json:"totalRequests"`
	TotalAdmitted       int64   `json:"totalAdmitted"`
	TotalRejected       int64   `json:"totalRejected"`
	RejectedOverloaded  int64   `json:"rejectedOverloaded"`
	RejectedRateLimited int64   `json:"rejectedRateLimited"`
	RejectedTimeout     int64   `json:"rejectedTimeout"`
	RejectedCanceled    int64   `json:"rejectedCanceled"`
	FailedCompleted     int64   `json:"failedCompleted"`
}

// Recorder accumulates aggregate statistics about admission attempts and completed requests.
// All updates are O(1); the average duration is maintained as an incremental mean
// to avoid unbounded summation. Recorder is safe for concurrent use.
type Recorder struct {
	totalRequests       atomic.Int64
	totalAdmitted       atomic.Int64
	rejectedOverloaded  atomic.Int64
	rejectedRateLimited atomic.Int64
	rejectedTimeout     atomic.Int64
	rejectedCanceled    atomic.Int64

	mu              sync.Mutex
	totalCompleted  int64
	failedCompleted int64
	avgDurationMs   float64
}

// NewRecorder creates a new Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// CountRequest counts one admission attempt.
func (r *Recorder) CountRequest() {
	r.totalRequests.Inc()
}

// CountAdmitted counts one successful admission.
func (r *Recorder) CountAdmitted() {
	r.totalAdmitted.Inc()
}

// CountRejected counts one rejected admission attempt with the given reason.
func (r *Recorder) CountRejected(reason RejectReason) {
	switch reason {
	case ReasonOverloaded:
		r.rejectedOverloaded.Inc()
	case ReasonRateLimited:
		r.rejectedRateLimited.Inc()
	case ReasonTimeout:
		r.rejectedTimeout.Inc()
	case ReasonCanceled:
		r.rejectedCanceled.Inc()
	}
}

// Record counts one completed request and folds its duration into the running average.
// Requests that failed downstream (success == false) are recorded as well.
func (r *Recorder) Record(duration time.Duration, success bool) {
	durMs := float64(duration) / float64(time.Millisecond)
	r.mu.Lock()
	r.totalCompleted++
	r.avgDurationMs += (durMs - r.avgDurationMs) / float64(r.totalCompleted)
	if !success {
		r.failedCompleted++
	}
	r.mu.Unlock()
}

// Snapshot returns a consistent point-in-time copy of the accumulated statistics.
// ActiveCount and QueuedCount are filled by the owning Manager.
func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests:       r.totalRequests.Load(),
		TotalAdmitted:       r.totalAdmitted.Load(),
		RejectedOverloaded:  r.rejectedOverloaded.Load(),
		RejectedRateLimited: r.rejectedRateLimited.Load(),
		RejectedTimeout:     r.rejectedTimeout.Load(),
		RejectedCanceled:    r.rejectedCanceled.Load(),
	}
	s.TotalRejected = s.RejectedOverloaded + s.RejectedRateLimited + s.RejectedTimeout + s.RejectedCanceled
	r.mu.Lock()
	s.TotalCompleted = r.totalCompleted
	s.FailedCompleted = r.failedCompleted
	s.AverageDurationMs = r.avgDurationMs
	r.mu.Unlock()
	return s
}

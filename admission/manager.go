/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-conngate/ratelimit"
)

// DefaultQueueWaitTimeout determines the default timeout for a queued admission attempt.
const DefaultQueueWaitTimeout = time.Second * 30

// QueueParams defines parameters of the overflow queue.
type QueueParams struct {
	// MaxSize limits how many admission attempts may wait for a free slot.
	// Zero disables queueing, overflow is rejected immediately.
	MaxSize int

	// WaitTimeout bounds how long an attempt may stay queued.
	// If zero, DefaultQueueWaitTimeout is used.
	WaitTimeout time.Duration
}

// Manager gates concurrent request processing to a configured ceiling,
// queues overflow in arrival order and releases capacity deterministically.
// All state is in-process and lost on restart.
type Manager struct {
	limit       int
	queueSize   int
	waitTimeout time.Duration
	limiter     ratelimit.Limiter
	recorder    *Recorder

	// Count mirrors are updated under mu and read lock-free by Snapshot.
	activeCount atomic.Int32
	queuedCount atomic.Int32

	mu     sync.Mutex
	active map[string]*Conn
	queue  *list.List // of *waiter, oldest in front
}

// waiter is a queued admission attempt. Its result channel is buffered so that
// the resolving side never blocks; the resolved flag is guarded by Manager.mu
// and arbitrates between promotion, timeout, cancellation and sweeping so that
// exactly one of them resolves the waiter.
type waiter struct {
	clientID   string
	enqueuedAt time.Time
	deadline   time.Time
	result     chan waiterResult
	resolved   bool
}

type waiterResult struct {
	conn *Conn
	err  error
}

// NewManager creates a new connection admission manager.
// The limiter may be nil, in which case no per-client budget is enforced.
func NewManager(limit int, queueParams QueueParams, limiter ratelimit.Limiter) (*Manager, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("connection limit should be positive, got %d", limit)
	}
	if queueParams.MaxSize < 0 {
		return nil, fmt.Errorf("queue size should not be negative, got %d", queueParams.MaxSize)
	}
	if queueParams.WaitTimeout < 0 {
		return nil, fmt.Errorf("queue wait timeout should not be negative, got %v", queueParams.WaitTimeout)
	}
	if queueParams.WaitTimeout == 0 {
		queueParams.WaitTimeout = DefaultQueueWaitTimeout
	}
	return &Manager{
		limit:       limit,
		queueSize:   queueParams.MaxSize,
		waitTimeout: queueParams.WaitTimeout,
		limiter:     limiter,
		recorder:    NewRecorder(),
		active:      make(map[string]*Conn),
		queue:       list.New(),
	}, nil
}

// Admit decides whether a request of the given client may be processed.
//
// If a connection slot is free, the client's rate-limit budget is consumed and
// a Conn is returned; a client with an exhausted budget gets *RateLimitedError
// without occupying a slot or a queue position. If all slots are busy the
// attempt waits in the FIFO overflow queue until it is promoted by a Release,
// its wait deadline elapses (ErrQueueTimeout) or ctx is canceled (ctx.Err()).
// When the queue is full or disabled, ErrOverloaded is returned immediately.
//
// Promotion racing timeout or cancellation is arbitrated so that exactly one
// outcome wins; if promotion won, the Conn is returned and the caller still
// must release it.
//
// An empty clientID is a contract violation and fails fast.
func (m *Manager) Admit(ctx context.Context, clientID string) (*Conn, error) {
	if clientID == "" {
		return nil, &ContractViolationError{Op: "admit", Reason: "client id is empty"}
	}

	m.mu.Lock()
	m.recorder.CountRequest()

	if len(m.active) < m.limit {
		conn, err := m.admitLocked(ctx, clientID)
		m.mu.Unlock()
		return conn, err
	}

	if m.queue.Len() >= m.queueSize {
		m.recorder.CountRejected(ReasonOverloaded)
		m.mu.Unlock()
		return nil, ErrOverloaded
	}

	now := time.Now()
	w := &waiter{
		clientID:   clientID,
		enqueuedAt: now,
		deadline:   now.Add(m.waitTimeout),
		result:     make(chan waiterResult, 1),
	}
	elem := m.queue.PushBack(w)
	m.queuedCount.Store(int32(m.queue.Len()))
	m.mu.Unlock()

	return m.waitQueued(ctx, w, elem)
}

// TryAdmit is the non-blocking admission attempt: it never joins the overflow queue
// and reports ErrOverloaded as soon as all connection slots are busy.
func (m *Manager) TryAdmit(ctx context.Context, clientID string) (*Conn, error) {
	if clientID == "" {
		return nil, &ContractViolationError{Op: "admit", Reason: "client id is empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder.CountRequest()

	if len(m.active) < m.limit {
		return m.admitLocked(ctx, clientID)
	}
	m.recorder.CountRejected(ReasonOverloaded)
	return nil, ErrOverloaded
}

// Release returns the connection slot held by conn and records the request outcome.
// If the overflow queue is not empty, at most one waiter is resolved: attempts past
// their deadline are resolved as timed out without consuming the promotion, then the
// oldest live waiter is either promoted or, when its budget ran out while waiting,
// resolved as rate limited (the freed slot stays free in that case).
//
// A nil, unknown or already released conn and a negative duration are contract
// violations; the call fails fast without changing any state.
func (m *Manager) Release(conn *Conn, duration time.Duration, success bool) error {
	if conn == nil {
		return &ContractViolationError{Op: "release", Reason: "connection is nil"}
	}
	if duration < 0 {
		return &ContractViolationError{Op: "release", Reason: fmt.Sprintf("duration is negative (%s)", duration)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[conn.ID]; !ok {
		return &ContractViolationError{Op: "release", Reason: fmt.Sprintf("connection %q is not active", conn.ID)}
	}
	delete(m.active, conn.ID)
	m.recorder.Record(duration, success)
	m.promoteLocked()
	m.activeCount.Store(int32(len(m.active)))
	return nil
}

// Snapshot returns current admission statistics.
// It never blocks admits or releases: counts are read from atomic mirrors and
// the completed-request aggregate is copied under the recorder's brief lock.
func (m *Manager) Snapshot() Snapshot {
	s := m.recorder.Snapshot()
	s.ActiveCount = int(m.activeCount.Load())
	s.QueuedCount = int(m.queuedCount.Load())
	return s
}

// SweepExpired resolves queued attempts whose deadline has passed and reports
// how many were removed. Expired waiters are also removed lazily when they would
// otherwise be promoted; the periodic sweep keeps them from occupying queue slots
// between releases.
func (m *Manager) SweepExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for elem := m.queue.Front(); elem != nil; {
		next := elem.Next()
		w := elem.Value.(*waiter)
		if now.After(w.deadline) {
			m.queue.Remove(elem)
			m.resolveLocked(w, waiterResult{err: ErrQueueTimeout}, ReasonTimeout)
			removed++
		}
		elem = next
	}
	if removed > 0 {
		m.queuedCount.Store(int32(m.queue.Len()))
	}
	return removed
}

// admitLocked consumes the client's rate-limit budget and registers a new connection.
// The caller must hold m.mu and have checked that a slot is free.
func (m *Manager) admitLocked(ctx context.Context, clientID string) (*Conn, error) {
	if m.limiter != nil {
		allow, retryAfter, err := m.limiter.Allow(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("check rate limit for client %q: %w", clientID, err)
		}
		if !allow {
			m.recorder.CountRejected(ReasonRateLimited)
			return nil, &RateLimitedError{RetryAfter: retryAfter}
		}
	}
	return m.newConnLocked(clientID), nil
}

func (m *Manager) newConnLocked(clientID string) *Conn {
	conn := &Conn{ID: xid.New().String(), ClientID: clientID, AcquiredAt: time.Now()}
	m.active[conn.ID] = conn
	m.activeCount.Store(int32(len(m.active)))
	m.recorder.CountAdmitted()
	return conn
}

// promoteLocked resolves queued waiters after a slot has been freed.
// Waiters past their deadline are resolved as timed out without consuming the
// promotion. The oldest live waiter then has its budget re-validated: if allowed
// it is admitted, otherwise it is resolved as rate limited and the slot stays
// free. At most one live waiter is resolved per call.
func (m *Manager) promoteLocked() {
	now := time.Now()
	for elem := m.queue.Front(); elem != nil; elem = m.queue.Front() {
		w := elem.Value.(*waiter)
		m.queue.Remove(elem)

		if now.After(w.deadline) {
			m.resolveLocked(w, waiterResult{err: ErrQueueTimeout}, ReasonTimeout)
			continue
		}

		if m.limiter != nil {
			allow, retryAfter, err := m.limiter.Allow(context.Background(), w.clientID)
			if err != nil {
				m.resolveLocked(w, waiterResult{
					err: fmt.Errorf("check rate limit for client %q: %w", w.clientID, err),
				}, "")
				break
			}
			if !allow {
				m.resolveLocked(w, waiterResult{err: &RateLimitedError{RetryAfter: retryAfter}}, ReasonRateLimited)
				break
			}
		}

		m.resolveLocked(w, waiterResult{conn: m.newConnLocked(w.clientID)}, "")
		break
	}
	m.queuedCount.Store(int32(m.queue.Len()))
}

// resolveLocked delivers the result to a waiter that has already been removed
// from the queue. The buffered send never blocks, so observing resolved == true
// under m.mu guarantees the result is available on the channel.
func (m *Manager) resolveLocked(w *waiter, res waiterResult, reason RejectReason) {
	w.resolved = true
	if reason != "" {
		m.recorder.CountRejected(reason)
	}
	w.result <- res
}

// waitQueued suspends the caller until the waiter is resolved by a release,
// its deadline elapses or ctx is canceled.
func (m *Manager) waitQueued(ctx context.Context, w *waiter, elem *list.Element) (*Conn, error) {
	deadlineTimer := time.NewTimer(m.waitTimeout)
	defer deadlineTimer.Stop()

	select {
	case res := <-w.result:
		return res.conn, res.err
	case <-deadlineTimer.C:
		if res, lost := m.abandonWaiter(w, elem, ReasonTimeout); lost {
			return res.conn, res.err
		}
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		if res, lost := m.abandonWaiter(w, elem, ReasonCanceled); lost {
			return res.conn, res.err
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter removes the waiter from the queue on timeout or cancellation.
// If a concurrent release resolved the waiter first, the removal loses and the
// authoritative result is returned instead.
func (m *Manager) abandonWaiter(w *waiter, elem *list.Element, reason RejectReason) (waiterResult, bool) {
	m.mu.Lock()
	if w.resolved {
		m.mu.Unlock()
		return <-w.result, true
	}
	w.resolved = true
	m.queue.Remove(elem)
	m.queuedCount.Store(int32(m.queue.Len()))
	m.recorder.CountRejected(reason)
	m.mu.Unlock()
	return waiterResult{}, false
}

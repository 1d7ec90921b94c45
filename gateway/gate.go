/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-conngate/admission"
	"github.com/acronis/go-conngate/httpserver/middleware"
	"github.com/acronis/go-conngate/log"
	"github.com/acronis/go-conngate/ratelimit"
	"github.com/acronis/go-conngate/restapi"
)

const (
	// OverloadedErrCode is an error code that is used in a response body
	// if the connection slots and the waiting queue are both full.
	OverloadedErrCode = "serviceOverloaded"

	// RateLimitedErrCode is an error code that is used in a response body
	// if the client exceeded its request budget.
	RateLimitedErrCode = "tooManyRequests"

	// QueueTimeoutErrCode is an error code that is used in a response body
	// if the request spent too long waiting for a free connection slot.
	QueueTimeoutErrCode = "queueWaitTimeout"
)

// Log field keys.
const (
	ClientIDLogFieldKey     = "client_id"
	ConnIDLogFieldKey       = "conn_id"
	RejectReasonLogFieldKey = "reject_reason"

	userAgentLogFieldKey = "user_agent"
)

type ctxKey int

const ctxKeyConn ctxKey = iota

// NewContextWithConn creates a new context with the admitted connection.
func NewContextWithConn(ctx context.Context, conn *admission.Conn) context.Context {
	return context.WithValue(ctx, ctxKeyConn, conn)
}

// GetConnFromContext extracts the admitted connection from the context.
// Nil is returned if the request bypassed the gate.
func GetConnFromContext(ctx context.Context) *admission.Conn {
	value := ctx.Value(ctxKeyConn)
	if value == nil {
		return nil
	}
	return value.(*admission.Conn)
}

// GateParams contains data that is passed to the GateOnRejectFunc and GateOnErrorFunc callbacks.
type GateParams struct {
	ErrDomain  string
	ClientID   string
	Reason     admission.RejectReason
	RetryAfter time.Duration
}

// GateGetKeyFunc is a function for getting the client key from the request.
// The returned key identifies the client for rate limiting and stats.
// If bypass is true, the request goes through without passing the gate.
type GateGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// GateOnRejectFunc is a function that is called when the gate rejects a request.
type GateOnRejectFunc func(rw http.ResponseWriter, r *http.Request, params GateParams, next http.Handler, logger log.FieldLogger)

// GateOnErrorFunc is a function that is called when an error occurs in the gate.
type GateOnErrorFunc func(rw http.ResponseWriter, r *http.Request, params GateParams, err error, next http.Handler, logger log.FieldLogger)

// GateOpts represents options for the gate.
type GateOpts struct {
	// GetKey is a function for getting the client key from the request.
	GetKey GateGetKeyFunc

	// OnReject is a function that is called when the gate rejects a request.
	OnReject GateOnRejectFunc

	// OnRejectInDryRun is a function that is called when the gate rejects a request in the dry-run mode.
	OnRejectInDryRun GateOnRejectFunc

	// OnError is a function that is called when an error occurs in the gate.
	OnError GateOnErrorFunc
}

// Gate admits, queues or rejects incoming connections
// based on slot capacity and per-client rate limits.
type Gate struct {
	manager       *admission.Manager
	evictStale    func() int
	metrics       MetricsCollector
	errDomain     string
	dryRun        bool
	getKey        GateGetKeyFunc
	onReject      GateOnRejectFunc
	onError       GateOnErrorFunc
	routesManager *restapi.RoutesManager
	sweepInterval time.Duration
}

// NewGate creates a new Gate based on the passed configuration.
// Zero values in the configuration are filled with defaults.
func NewGate(cfg *Config, errDomain string, mc MetricsCollector) (*Gate, error) {
	return NewGateWithOpts(cfg, errDomain, mc, GateOpts{})
}

// NewGateWithOpts is a more configurable version of NewGate.
func NewGateWithOpts(cfg *Config, errDomain string, mc MetricsCollector, opts GateOpts) (*Gate, error) {
	if mc == nil {
		mc = disabledMetrics{}
	}

	maxConnections := cfg.MaxConnections
	if maxConnections == 0 {
		maxConnections = DefaultMaxConnections
	}

	limiter, evictStale, err := makeLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("make rate limiter: %w", err)
	}

	manager, err := admission.NewManager(maxConnections, admission.QueueParams{
		MaxSize:     cfg.MaxQueueSize,
		WaitTimeout: time.Duration(cfg.QueueWaitTimeout),
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("new admission manager: %w", err)
	}

	getKey := opts.GetKey
	if getKey == nil {
		if getKey, err = makeGetKeyFunc(cfg.ClientKey, cfg.ExcludedKeys, cfg.IncludedKeys); err != nil {
			return nil, fmt.Errorf("make get key function: %w", err)
		}
	}

	var routesManager *restapi.RoutesManager
	if len(cfg.ExcludedRoutes) != 0 {
		excludedRoutes := make([]restapi.Route, 0, len(cfg.ExcludedRoutes))
		for _, cfgRoute := range cfg.ExcludedRoutes {
			excludedRoutes = append(excludedRoutes, restapi.NewExcludedRoute(cfgRoute))
		}
		routesManager = restapi.NewRoutesManager(excludedRoutes)
	}

	sweepInterval := time.Duration(cfg.SweepInterval)
	if sweepInterval == 0 {
		sweepInterval = DefaultSweepInterval
	}

	return &Gate{
		manager:       manager,
		evictStale:    evictStale,
		metrics:       mc,
		errDomain:     errDomain,
		dryRun:        cfg.DryRun,
		getKey:        getKey,
		onReject:      makeGateOnRejectFunc(opts, cfg.DryRun),
		onError:       makeGateOnErrorFunc(opts),
		routesManager: routesManager,
		sweepInterval: sweepInterval,
	}, nil
}

// Manager returns the underlying connection admission manager.
func (g *Gate) Manager() *admission.Manager {
	return g.manager
}

// SweepInterval returns how often Sweep should be called.
func (g *Gate) SweepInterval() time.Duration {
	return g.sweepInterval
}

// Sweep removes queue waiters whose deadline has passed and rate-limiting state
// that cannot affect new decisions anymore.
// It returns the number of removed waiters and evicted rate-limiting keys.
func (g *Gate) Sweep() (expiredWaiters, evictedKeys int) {
	expiredWaiters = g.manager.SweepExpired()
	if g.evictStale != nil {
		evictedKeys = g.evictStale()
	}
	g.updateGauges()
	return expiredWaiters, evictedKeys
}

// Middleware returns a middleware that passes all incoming requests through the gate.
func (g *Gate) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &gateHandler{next: next, gate: g}
	}
}

func (g *Gate) admit(ctx context.Context, clientID string) (*admission.Conn, error) {
	if g.dryRun {
		// Waiting in the queue is skipped in the dry-run mode to not block requests.
		return g.manager.TryAdmit(ctx, clientID)
	}
	return g.manager.Admit(ctx, clientID)
}

func (g *Gate) updateGauges() {
	snapshot := g.manager.Snapshot()
	g.metrics.SetActiveConnections(snapshot.ActiveCount)
	g.metrics.SetQueuedConnections(snapshot.QueuedCount)
}

func (g *Gate) makeParams(clientID string, reason admission.RejectReason, retryAfter time.Duration) GateParams {
	return GateParams{ErrDomain: g.errDomain, ClientID: clientID, Reason: reason, RetryAfter: retryAfter}
}

type gateHandler struct {
	next http.Handler
	gate *Gate
}

func (h *gateHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	g := h.gate

	if g.routesManager != nil {
		if _, found := g.routesManager.SearchRoute(restapi.NormalizeURLPath(r.URL.Path), r.Method, true); found {
			h.next.ServeHTTP(rw, r)
			return
		}
	}

	logger := middleware.GetLoggerFromContext(r.Context())

	clientID, bypass, err := g.getKey(r)
	if err != nil {
		g.onError(rw, r, g.makeParams("", "", 0), fmt.Errorf("get client key for gate: %w", err), h.next, logger)
		return
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	conn, err := g.admit(r.Context(), clientID)
	if err != nil {
		g.handleAdmissionDenied(rw, r, clientID, err, h.next, logger)
		return
	}

	g.metrics.IncAdmittedConnections()
	g.updateGauges()

	startTime := time.Now()
	wrw := middleware.WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	defer func() {
		p := recover()
		duration := time.Since(startTime)
		success := p == nil && wrw.Status() < http.StatusInternalServerError
		if releaseErr := g.manager.Release(conn, duration, success); releaseErr != nil && logger != nil {
			logger.Error("failed to release connection slot",
				log.String(ConnIDLogFieldKey, conn.ID), log.Error(releaseErr))
		}
		g.metrics.ObserveConnectionDuration(duration)
		g.updateGauges()
		if p != nil {
			panic(p)
		}
	}()
	h.next.ServeHTTP(wrw, r.WithContext(NewContextWithConn(r.Context(), conn)))
}

func (g *Gate) handleAdmissionDenied(
	rw http.ResponseWriter, r *http.Request, clientID string, err error, next http.Handler, logger log.FieldLogger,
) {
	var reason admission.RejectReason
	var retryAfter time.Duration

	var rateLimitedErr *admission.RateLimitedError
	switch {
	case errors.As(err, &rateLimitedErr):
		reason, retryAfter = admission.ReasonRateLimited, rateLimitedErr.RetryAfter
	case errors.Is(err, admission.ErrOverloaded):
		reason = admission.ReasonOverloaded
	case errors.Is(err, admission.ErrQueueTimeout):
		reason = admission.ReasonTimeout
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		reason = admission.ReasonCanceled
	default:
		g.onError(rw, r, g.makeParams(clientID, "", 0), err, next, logger)
		return
	}

	g.metrics.IncRejectedConnections(reason)
	g.updateGauges()

	if reason == admission.ReasonCanceled {
		// The client is gone, nobody will read the response.
		if logger != nil {
			logger.Info("request was canceled while waiting for a connection slot",
				log.String(ClientIDLogFieldKey, clientID))
		}
		return
	}

	g.onReject(rw, r, g.makeParams(clientID, reason, retryAfter), next, logger)
}

// DefaultGateOnReject sends a response with a status code and an error code matching the rejection reason.
func DefaultGateOnReject(
	rw http.ResponseWriter, r *http.Request, params GateParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(ClientIDLogFieldKey, params.ClientID),
			log.String(RejectReasonLogFieldKey, string(params.Reason)),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	if params.RetryAfter > 0 {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(params.RetryAfter.Seconds()))))
	}
	switch params.Reason {
	case admission.ReasonRateLimited:
		apiErr := restapi.NewError(params.ErrDomain, RateLimitedErrCode, "Too many requests.")
		restapi.RespondError(rw, http.StatusTooManyRequests, apiErr, logger)
	case admission.ReasonTimeout:
		apiErr := restapi.NewError(params.ErrDomain, QueueTimeoutErrCode, "Timed out waiting for a free connection slot.")
		restapi.RespondError(rw, http.StatusRequestTimeout, apiErr, logger)
	default:
		apiErr := restapi.NewError(params.ErrDomain, OverloadedErrCode, "Server is busy. Please try again later.")
		restapi.RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
	}
}

// DefaultGateOnRejectInDryRun continues serving the rejected request and logs the rejection.
func DefaultGateOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params GateParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("admission denied, serving will be continued because of dry run mode",
			log.String(ClientIDLogFieldKey, params.ClientID),
			log.String(RejectReasonLogFieldKey, string(params.Reason)),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultGateOnError sends a response with 500 HTTP status code and logs the error.
func DefaultGateOnError(
	rw http.ResponseWriter, r *http.Request, params GateParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(ClientIDLogFieldKey, params.ClientID))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

func makeGateOnRejectFunc(opts GateOpts, dryRun bool) GateOnRejectFunc {
	if dryRun {
		if opts.OnRejectInDryRun != nil {
			return opts.OnRejectInDryRun
		}
		return DefaultGateOnRejectInDryRun
	}
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultGateOnReject
}

func makeGateOnErrorFunc(opts GateOpts) GateOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultGateOnError
}

func makeLimiter(cfg RateLimitConfig) (limiter ratelimit.Limiter, evictStale func() int, err error) {
	if !cfg.Enabled() {
		return nil, nil, nil
	}

	maxRate := ratelimit.Rate{Count: cfg.Rate.Count, Duration: cfg.Rate.Duration}
	maxKeys := cfg.MaxKeys
	if maxKeys == 0 {
		maxKeys = DefaultRateLimitMaxKeys
	}

	switch cfg.Alg {
	case "", RateLimitAlgFixedWindow:
		fixedWindow, makeErr := ratelimit.NewFixedWindowLimiter(maxRate, maxKeys)
		if makeErr != nil {
			return nil, nil, makeErr
		}
		// A window that ended more than one window duration ago cannot affect new decisions.
		return fixedWindow, func() int { return fixedWindow.EvictStaleKeys(maxRate.Duration) }, nil
	case RateLimitAlgSlidingWindow:
		slidingWindow, makeErr := ratelimit.NewSlidingWindowLimiter(maxRate, maxKeys)
		if makeErr != nil {
			return nil, nil, makeErr
		}
		return slidingWindow, nil, nil
	case RateLimitAlgLeakyBucket:
		leakyBucket, makeErr := ratelimit.NewLeakyBucketLimiter(maxRate, cfg.MaxBurst, maxKeys)
		if makeErr != nil {
			return nil, nil, makeErr
		}
		return leakyBucket, nil, nil
	case RateLimitAlgTokenBucket:
		tokenBucket, makeErr := ratelimit.NewTokenBucketLimiter(maxRate, cfg.MaxBurst, maxKeys)
		if makeErr != nil {
			return nil, nil, makeErr
		}
		return tokenBucket, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown rate limit alg %q", cfg.Alg)
}

func makeGetKeyFunc(cfg ClientKeyConfig, excludedKeys, includedKeys []string) (GateGetKeyFunc, error) {
	getRemoteAddr := func(r *http.Request) (string, error) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "", fmt.Errorf("split host and port from remote address %q: %w", r.RemoteAddr, err)
		}
		return host, nil
	}

	var getKey func(r *http.Request) (string, error)
	switch cfg.Type {
	case "", ClientKeyTypeRemoteAddr:
		getKey = getRemoteAddr
	case ClientKeyTypeHeader:
		getKey = func(r *http.Request) (string, error) {
			if headerVal := strings.TrimSpace(r.Header.Get(cfg.HeaderName)); headerVal != "" {
				return headerVal, nil
			}
			// The header is missing, fall back to the remote address so that the gate still applies.
			return getRemoteAddr(r)
		}
	default:
		return nil, fmt.Errorf("unknown key type %q", cfg.Type)
	}

	if len(excludedKeys) == 0 && len(includedKeys) == 0 {
		return func(r *http.Request) (string, bool, error) {
			key, keyErr := getKey(r)
			return key, false, keyErr
		}, nil
	}

	if len(excludedKeys) != 0 && len(includedKeys) != 0 {
		return nil, fmt.Errorf("excluded and included keys cannot be used together")
	}

	makeWithPredefinedKeys := func(keys []string, exclude bool) GateGetKeyFunc {
		compiledKeys := make([]func(s string) bool, 0, len(keys))
		for _, key := range keys {
			compiledKeys = append(compiledKeys, glob.Compile(key))
		}
		return func(r *http.Request) (string, bool, error) {
			key, keyErr := getKey(r)
			if keyErr != nil {
				return key, false, keyErr
			}
			keyFound := false
			for i := range compiledKeys {
				if compiledKeys[i](key) {
					keyFound = true
					break
				}
			}
			return key, keyFound == exclude, nil
		}
	}

	if len(excludedKeys) != 0 {
		return makeWithPredefinedKeys(excludedKeys, true), nil
	}
	return makeWithPredefinedKeys(includedKeys, false), nil
}

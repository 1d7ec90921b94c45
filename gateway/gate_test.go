/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-conngate/admission"
	"github.com/acronis/go-conngate/config"
	"github.com/acronis/go-conngate/httpserver/middleware"
	"github.com/acronis/go-conngate/log"
	"github.com/acronis/go-conngate/restapi"
	"github.com/acronis/go-conngate/testutil"
)

func TestGate_Middleware(t *testing.T) {
	const errDomain = "MyService"

	makeReqAndRespRec := func() (*http.Request, *httptest.ResponseRecorder) {
		return httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder()
	}

	t.Run("admits and releases", func(t *testing.T) {
		var gotConn *admission.Conn
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			gotConn = GetConnFromContext(r.Context())
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{MaxConnections: 2}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.NotNil(t, gotConn)
		require.NotEmpty(t, gotConn.ID)
		require.Equal(t, "192.0.2.1", gotConn.ClientID)

		snapshot := gate.Manager().Snapshot()
		require.Equal(t, 0, snapshot.ActiveCount)
		require.Equal(t, int64(1), snapshot.TotalAdmitted)
		require.Equal(t, int64(1), snapshot.TotalCompleted)
		require.Equal(t, int64(0), snapshot.FailedCompleted)
	})

	t.Run("responds 503 when slots and queue are full", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{MaxConnections: 1}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		respCode := make(chan int)
		go func() {
			// Do the first HTTP request.
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired // Wait until the first HTTP request starts to be processed.
		block = false

		// Try to do the second HTTP request -> 503.
		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusServiceUnavailable, errDomain, OverloadedErrCode)
		require.Empty(t, respRec.Header().Get("Retry-After"))

		close(reqContinued)                         // Let the first HTTP request be continued.
		require.Equal(t, http.StatusOK, <-respCode) // Wait until the first request ends.

		// Now we can do the next HTTP request without any problem.
		req, respRec = makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
	})

	t.Run("queued request times out with 408", func(t *testing.T) {
		const waitTimeout = 100 * time.Millisecond
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{
			MaxConnections:   1,
			MaxQueueSize:     1,
			QueueWaitTimeout: config.TimeDuration(waitTimeout),
		}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		req, respRec := makeReqAndRespRec()
		reqStart := time.Now()
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusRequestTimeout, errDomain, QueueTimeoutErrCode)
		require.WithinDurationf(t, reqStart.Add(waitTimeout), time.Now(), time.Millisecond*50,
			"The second request should wait in the queue for %s.", waitTimeout.String())

		close(reqContinued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("queued request is promoted when a slot frees", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{
			MaxConnections:   1,
			MaxQueueSize:     1,
			QueueWaitTimeout: config.TimeDuration(time.Second * 10),
		}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		resp1Code := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			resp1Code <- respRec.Code
		}()
		<-acquired
		block = false

		resp2Code := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			resp2Code <- respRec.Code
		}()
		require.Eventually(t, func() bool {
			return gate.Manager().Snapshot().QueuedCount == 1
		}, time.Second, time.Millisecond*10)

		close(reqContinued) // Let the first HTTP request be continued, the second one should be promoted.
		require.Equal(t, http.StatusOK, <-resp1Code)
		require.Equal(t, http.StatusOK, <-resp2Code)

		snapshot := gate.Manager().Snapshot()
		require.Equal(t, 0, snapshot.ActiveCount)
		require.Equal(t, 0, snapshot.QueuedCount)
		require.Equal(t, int64(2), snapshot.TotalAdmitted)
	})

	t.Run("responds 429 when the client budget is exhausted", func(t *testing.T) {
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{
			MaxConnections: 10,
			RateLimit:      RateLimitConfig{Rate: config.Rate{Count: 1, Duration: time.Minute}},
		}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)

		req, respRec = makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusTooManyRequests, errDomain, RateLimitedErrCode)
		retryAfter, err := strconv.Atoi(respRec.Header().Get("Retry-After"))
		require.NoError(t, err)
		require.Greater(t, retryAfter, 0)
		require.LessOrEqual(t, retryAfter, 60)

		snapshot := gate.Manager().Snapshot()
		require.Equal(t, 0, snapshot.ActiveCount)
		require.Equal(t, int64(1), snapshot.RejectedRateLimited)
	})

	t.Run("keys clients by header", func(t *testing.T) {
		const headerClientID = "X-Client-ID"
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{
			MaxConnections: 10,
			ClientKey:      ClientKeyConfig{Type: ClientKeyTypeHeader, HeaderName: headerClientID},
			RateLimit:      RateLimitConfig{Rate: config.Rate{Count: 1, Duration: time.Minute}},
		}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		doReq := func(clientID string) *httptest.ResponseRecorder {
			req, respRec := makeReqAndRespRec()
			if clientID != "" {
				req.Header.Set(headerClientID, clientID)
			}
			handler.ServeHTTP(respRec, req)
			return respRec
		}

		require.Equal(t, http.StatusOK, doReq("alice").Code)
		testutil.RequireErrorInRecorder(t, doReq("alice"), http.StatusTooManyRequests, errDomain, RateLimitedErrCode)

		// Other clients have their own budgets.
		require.Equal(t, http.StatusOK, doReq("bob").Code)

		// Requests without the header are keyed by the remote address.
		require.Equal(t, http.StatusOK, doReq("").Code)
		testutil.RequireErrorInRecorder(t, doReq(""), http.StatusTooManyRequests, errDomain, RateLimitedErrCode)
	})

	t.Run("dry run keeps serving rejected requests", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{MaxConnections: 1, DryRun: true}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		// The second request is rejected but served anyway.
		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.Equal(t, int64(1), gate.Manager().Snapshot().RejectedOverloaded)

		close(reqContinued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("excluded keys bypass the gate", func(t *testing.T) {
		var gotConn *admission.Conn
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			gotConn = GetConnFromContext(r.Context())
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{MaxConnections: 1, ExcludedKeys: []string{"192.0.2.*"}}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.Nil(t, gotConn)
		require.Equal(t, int64(0), gate.Manager().Snapshot().TotalRequests)
	})

	t.Run("included keys gate only the listed clients", func(t *testing.T) {
		var gotConn *admission.Conn
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			gotConn = GetConnFromContext(r.Context())
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{MaxConnections: 1, IncludedKeys: []string{"10.*"}}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.Nil(t, gotConn)

		req, respRec = makeReqAndRespRec()
		req.RemoteAddr = "10.1.2.3:4321"
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.NotNil(t, gotConn)
		require.Equal(t, "10.1.2.3", gotConn.ClientID)
	})

	t.Run("excluded routes bypass the gate", func(t *testing.T) {
		routePath, err := restapi.ParseRoutePath("/healthz")
		require.NoError(t, err)

		var gotConn *admission.Conn
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			gotConn = GetConnFromContext(r.Context())
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{
			MaxConnections: 1,
			ExcludedRoutes: []restapi.RouteConfig{{Path: routePath}},
		}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		respRec := httptest.NewRecorder()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.Nil(t, gotConn)
		require.Equal(t, int64(0), gate.Manager().Snapshot().TotalRequests)

		req, respRec = makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.NotNil(t, gotConn)
	})

	t.Run("releases the slot when the next handler panics", func(t *testing.T) {
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
		gate, err := NewGate(&Config{MaxConnections: 1}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		req, respRec := makeReqAndRespRec()
		require.PanicsWithValue(t, "boom", func() {
			handler.ServeHTTP(respRec, req)
		})

		snapshot := gate.Manager().Snapshot()
		require.Equal(t, 0, snapshot.ActiveCount)
		require.Equal(t, int64(1), snapshot.TotalCompleted)
		require.Equal(t, int64(1), snapshot.FailedCompleted)
	})

	t.Run("counts 5xx responses as failed", func(t *testing.T) {
		nextRespCode := http.StatusInternalServerError
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(nextRespCode)
		})
		gate, err := NewGate(&Config{MaxConnections: 1}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusInternalServerError, respRec.Code)

		nextRespCode = http.StatusOK
		req, respRec = makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)

		snapshot := gate.Manager().Snapshot()
		require.Equal(t, int64(2), snapshot.TotalCompleted)
		require.Equal(t, int64(1), snapshot.FailedCompleted)
	})

	t.Run("writes nothing when the waiting request is canceled", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{
			MaxConnections:   1,
			MaxQueueSize:     1,
			QueueWaitTimeout: config.TimeDuration(time.Minute),
		}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req.WithContext(ctx))
		testutil.RequireEmptyBodyInRecorder(t, respRec)
		require.Equal(t, int64(1), gate.Manager().Snapshot().RejectedCanceled)

		close(reqContinued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("custom on-reject callback", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGateWithOpts(&Config{MaxConnections: 1}, errDomain, nil, GateOpts{
			OnReject: func(rw http.ResponseWriter, r *http.Request, params GateParams, next http.Handler, logger log.FieldLogger) {
				rw.WriteHeader(http.StatusTeapot)
			},
		})
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusTeapot, respRec.Code)

		close(reqContinued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("collects prometheus metrics", func(t *testing.T) {
		promMetrics := NewPrometheusMetrics()
		promMetrics.MustRegister()
		defer promMetrics.Unregister()

		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{MaxConnections: 1}, errDomain, promMetrics)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusServiceUnavailable, errDomain, OverloadedErrCode)

		close(reqContinued)
		require.Equal(t, http.StatusOK, <-respCode)

		testutil.RequireSamplesCountInCounter(t, promMetrics.AdmittedTotal, 1)
		testutil.RequireSamplesCountInCounter(t,
			promMetrics.RejectedTotal.With(prometheus.Labels{"reason": "overloaded"}), 1)
		testutil.RequireSamplesCountInHistogram(t, promMetrics.ConnectionDuration, 1)
	})

	t.Run("gates concurrent requests", func(t *testing.T) {
		const limit = 100
		const reqsNum = 500
		const reqDelay = 1 * time.Second
		var nextServedCount, respOKCount, respUnavailableCount, respUnexpectedCodeCount atomic.Int32
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			nextServedCount.Inc()
			time.Sleep(reqDelay)
			rw.WriteHeader(http.StatusOK)
		})
		gate, err := NewGate(&Config{MaxConnections: limit}, errDomain, nil)
		require.NoError(t, err)
		handler := gate.Middleware()(next)

		var wg sync.WaitGroup
		for i := 0; i < reqsNum; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req, respRec := makeReqAndRespRec()
				handler.ServeHTTP(respRec, req)
				switch respRec.Code {
				case http.StatusOK:
					respOKCount.Inc()
				case http.StatusServiceUnavailable:
					respUnavailableCount.Inc()
				default:
					respUnexpectedCodeCount.Inc()
				}
			}()
		}
		wg.Wait()

		// Check numbers
		require.Equal(t, limit, int(nextServedCount.Load()))
		require.Equal(t, limit, int(respOKCount.Load()))
		require.Equal(t, reqsNum-limit, int(respUnavailableCount.Load()))
		require.Equal(t, 0, int(respUnexpectedCodeCount.Load()))

		snapshot := gate.Manager().Snapshot()
		require.Equal(t, 0, snapshot.ActiveCount)
		require.Equal(t, int64(reqsNum), snapshot.TotalRequests)
		require.Equal(t, int64(limit), snapshot.TotalAdmitted)
		require.Equal(t, int64(reqsNum-limit), snapshot.RejectedOverloaded)
	})
}

func TestNewGate(t *testing.T) {
	t.Run("unknown rate limit alg", func(t *testing.T) {
		_, err := NewGate(&Config{
			RateLimit: RateLimitConfig{Rate: config.Rate{Count: 1, Duration: time.Second}, Alg: "sliding_log"},
		}, "MyService", nil)
		require.ErrorContains(t, err, `unknown rate limit alg "sliding_log"`)
	})

	t.Run("unknown client key type", func(t *testing.T) {
		_, err := NewGate(&Config{ClientKey: ClientKeyConfig{Type: "cookie"}}, "MyService", nil)
		require.ErrorContains(t, err, `unknown key type "cookie"`)
	})

	t.Run("conflicting key lists", func(t *testing.T) {
		_, err := NewGate(&Config{ExcludedKeys: []string{"a"}, IncludedKeys: []string{"b"}}, "MyService", nil)
		require.ErrorContains(t, err, "excluded and included keys cannot be used together")
	})

	t.Run("negative max connections", func(t *testing.T) {
		_, err := NewGate(&Config{MaxConnections: -1}, "MyService", nil)
		require.ErrorContains(t, err, "connection limit should be positive")
	})
}

func TestGate_Sweep(t *testing.T) {
	gate, err := NewGate(&Config{
		MaxConnections: 10,
		RateLimit:      RateLimitConfig{Rate: config.Rate{Count: 1, Duration: time.Millisecond * 100}},
	}, "MyService", nil)
	require.NoError(t, err)
	handler := gate.Middleware()(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	respRec := httptest.NewRecorder()
	handler.ServeHTTP(respRec, req)
	require.Equal(t, http.StatusOK, respRec.Code)

	expiredWaiters, evictedKeys := gate.Sweep()
	require.Equal(t, 0, expiredWaiters)
	require.Equal(t, 0, evictedKeys)

	// Wait until the client's window ends and becomes stale.
	time.Sleep(time.Millisecond * 300)
	expiredWaiters, evictedKeys = gate.Sweep()
	require.Equal(t, 0, expiredWaiters)
	require.Equal(t, 1, evictedKeys)
}

func TestStatsHandler_ServeHTTP(t *testing.T) {
	manager, err := admission.NewManager(2, admission.QueueParams{}, nil)
	require.NoError(t, err)
	_, err = manager.Admit(context.Background(), "alice")
	require.NoError(t, err)

	handler := NewStatsHandler(manager)
	req := httptest.NewRequest(http.MethodGet, "/api/conngate/v1/stats", nil)
	respRec := httptest.NewRecorder()
	handler.ServeHTTP(respRec, req)

	require.Equal(t, http.StatusOK, respRec.Code)
	want := admission.Snapshot{ActiveCount: 1, TotalRequests: 1, TotalAdmitted: 1}
	var got admission.Snapshot
	testutil.RequireJSONInRecorder(t, respRec, &want, &got)
}

func TestProxyStubHandler_ServeHTTP(t *testing.T) {
	conn := &admission.Conn{ID: "conn-123", ClientID: "alice", AcquiredAt: time.Now()}
	ctx := NewContextWithConn(context.Background(), conn)
	ctx = middleware.NewContextWithRequestID(ctx, "req-456")

	handler := NewProxyStubHandler()
	req := httptest.NewRequest(http.MethodPost, "/proxy/orders/42", nil).WithContext(ctx)
	respRec := httptest.NewRecorder()
	handler.ServeHTTP(respRec, req)

	require.Equal(t, http.StatusOK, respRec.Code)
	want := proxyStubResponseData{
		Status:       "proxied",
		Path:         "/proxy/orders/42",
		Method:       http.MethodPost,
		RequestID:    "req-456",
		ConnectionID: "conn-123",
	}
	var got proxyStubResponseData
	testutil.RequireJSONInRecorder(t, respRec, &want, &got)
}

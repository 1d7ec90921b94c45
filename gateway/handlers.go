/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gateway

import (
	"net/http"

	"github.com/acronis/go-conngate/admission"
	"github.com/acronis/go-conngate/httpserver/middleware"
	"github.com/acronis/go-conngate/restapi"
)

// StatsHandler implements http.Handler and reports a point-in-time view of the gate counters.
type StatsHandler struct {
	manager *admission.Manager
}

// NewStatsHandler creates a new http.Handler that responds with the admission stats in JSON.
func NewStatsHandler(manager *admission.Manager) *StatsHandler {
	return &StatsHandler{manager: manager}
}

// ServeHTTP serves stats HTTP request.
func (h *StatsHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, h.manager.Snapshot(), middleware.GetLoggerFromContext(r.Context()))
}

type proxyStubResponseData struct {
	Status       string `json:"status"`
	Path         string `json:"path"`
	Method       string `json:"method"`
	RequestID    string `json:"requestId"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// ProxyStubHandler implements http.Handler and acknowledges proxy requests
// without contacting any upstream. It stands in for a real upstream
// in the example service and in tests.
type ProxyStubHandler struct {
}

// NewProxyStubHandler creates a new http.Handler that acknowledges proxy requests.
func NewProxyStubHandler() *ProxyStubHandler {
	return &ProxyStubHandler{}
}

// ServeHTTP serves proxy HTTP request.
func (h *ProxyStubHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	respData := proxyStubResponseData{
		Status:    "proxied",
		Path:      r.URL.Path,
		Method:    r.Method,
		RequestID: middleware.GetRequestIDFromContext(r.Context()),
	}
	if conn := GetConnFromContext(r.Context()); conn != nil {
		respData.ConnectionID = conn.ID
	}
	restapi.RespondJSON(rw, respData, middleware.GetLoggerFromContext(r.Context()))
}

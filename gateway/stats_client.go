/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/acronis/go-conngate/admission"
	"github.com/acronis/go-conngate/log"
	"github.com/acronis/go-conngate/restapi"
)

// StatsClient fetches admission stats from a running gate service.
// It is a thin wrapper around the stats endpoint exposed by StatsHandler
// and is intended for CLI tooling and monitoring scripts.
type StatsClient struct {
	httpClient *http.Client
	statsURL   string
	logger     log.FieldLogger
}

// NewStatsClient creates a new StatsClient.
// baseURL is the root URL of the gate service API, e.g. "http://localhost:8080/api/conngate/v1".
// If httpClient is nil, http.DefaultClient is used.
func NewStatsClient(baseURL string, httpClient *http.Client, logger log.FieldLogger) *StatsClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &StatsClient{httpClient: httpClient, statsURL: baseURL + "/stats", logger: logger}
}

// GetStats requests the current admission stats.
// Non-2xx responses are returned as *restapi.ClientError.
func (c *StatsClient) GetStats(ctx context.Context) (admission.Snapshot, error) {
	var snapshot admission.Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statsURL, nil)
	if err != nil {
		return snapshot, fmt.Errorf("create stats request: %w", err)
	}
	if err := restapi.DoRequestAndUnmarshalJSON(c.httpClient, req, &snapshot, c.logger); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command conngate runs the connection gate service: an HTTP server that admits,
// queues, or rejects incoming requests according to the configured connection
// limit and per-client rate budgets.
package main

import (
	"context"
	"fmt"
	golog "log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-conngate/config"
	"github.com/acronis/go-conngate/gateway"
	"github.com/acronis/go-conngate/httpserver"
	"github.com/acronis/go-conngate/log"
	"github.com/acronis/go-conngate/profserver"
	"github.com/acronis/go-conngate/service"
)

const errorDomain = "ConnGate"

func main() {
	if err := runApp(); err != nil {
		golog.Fatal(err)
	}
}

func runApp() error {
	cfg, err := loadAppConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create logger from config
	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	// Request logs may go to a separate rotated file instead of the main output.
	accessLogger := log.FieldLogger(nil)
	if cfg.AccessLog.Enabled {
		var accessLoggerClose func()
		accessLogger, accessLoggerClose = log.NewLogger(makeAccessLogConfig(cfg))
		defer accessLoggerClose()
	}

	var serviceUnits []service.Unit

	// Create HTTP server with the connection gate in front of all non-system routes.
	httpServer, gate, err := makeHTTPServer(cfg, logger, accessLogger)
	if err != nil {
		return err
	}
	serviceUnits = append(serviceUnits, httpServer)

	// Resolve timed-out waiters and evict stale per-client rate limiting state in the background.
	sweepWorker := service.WorkerFunc(func(ctx context.Context) error {
		expiredWaiters, evictedKeys := gate.Sweep()
		if expiredWaiters != 0 || evictedKeys != 0 {
			logger.Debug("connection gate sweep finished",
				log.Int("expired_waiters", expiredWaiters), log.Int("evicted_keys", evictedKeys))
		}
		return nil
	})
	serviceUnits = append(serviceUnits, service.NewWorkerUnit(
		service.NewPeriodicWorker(sweepWorker, gate.SweepInterval(), logger)))

	if cfg.ProfServer.Enabled {
		// Create HTTP server for profiling (pprof is used under the hood).
		serviceUnits = append(serviceUnits, profserver.New(cfg.ProfServer, logger))
	}

	// Create and start the service
	return service.New(logger, service.NewCompositeUnit(serviceUnits...)).Start()
}

func makeAccessLogConfig(cfg *AppConfig) *log.Config {
	accessLogCfg := log.NewDefaultConfig()
	accessLogCfg.Level = log.LevelInfo
	accessLogCfg.Format = cfg.Log.Format
	accessLogCfg.Output = log.OutputFile
	accessLogCfg.File.Path = cfg.AccessLog.Path
	accessLogCfg.File.Rotation = cfg.Log.File.Rotation
	return accessLogCfg
}

func makeHTTPServer(
	cfg *AppConfig, logger log.FieldLogger, accessLogger log.FieldLogger,
) (*httpserver.HTTPServer, *gateway.Gate, error) {
	// Create and register Prometheus metrics for the gate
	gateMetrics := gateway.NewPrometheusMetrics()
	gateMetrics.MustRegister()

	gate, err := gateway.NewGate(cfg.Gate, errorDomain, gateMetrics)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection gate: %w", err)
	}

	apiRoutes := map[httpserver.APIVersion]httpserver.APIRoute{
		1: func(router chi.Router) {
			router.Method(http.MethodGet, "/stats", gateway.NewStatsHandler(gate.Manager()))
		},
	}

	opts := httpserver.Opts{
		ServiceNameInURL: "conngate",
		ErrorDomain:      errorDomain,
		APIRoutes:        apiRoutes,
		RootMiddlewares:  []func(http.Handler) http.Handler{gate.Middleware()},
		AccessLogger:     accessLogger,
		HealthCheck: func() (httpserver.HealthCheckResult, error) {
			// The gate serves under any load once it is constructed, so its component is always healthy here.
			return httpserver.HealthCheckResult{"admission_gate": httpserver.HealthCheckStatusOK}, nil
		},
	}

	httpServer, err := httpserver.New(cfg.Server, logger, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("create HTTP server: %w", err)
	}

	// The proxy placeholder acknowledges requests instead of contacting an upstream.
	httpServer.HTTPRouter.Handle("/proxy/*", gateway.NewProxyStubHandler())

	return httpServer, gate, nil
}

func loadAppConfig() (*AppConfig, error) {
	cfgLoader := config.NewDefaultLoader("conngate")
	cfg := NewAppConfig()
	err := cfgLoader.LoadFromFile("config.yml", config.DataTypeYAML, cfg)
	return cfg, err
}

type AppConfig struct {
	Server     *httpserver.Config
	Gate       *gateway.Config
	Log        *log.Config
	AccessLog  *AccessLogConfig
	ProfServer *profserver.Config
}

func NewAppConfig() *AppConfig {
	return &AppConfig{
		Server:     httpserver.NewConfig(),
		Gate:       gateway.NewConfig(),
		Log:        log.NewConfig(),
		AccessLog:  &AccessLogConfig{},
		ProfServer: profserver.NewConfig(),
	}
}

func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

func (c *AppConfig) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}

const (
	cfgKeyAccessLogEnabled = "enabled"
	cfgKeyAccessLogPath    = "path"
)

// AccessLogConfig enables writing request logs to a separate file instead of the main log output.
// The file is rotated with the same settings as the main log file.
type AccessLogConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *AccessLogConfig) KeyPrefix() string {
	return "log.accessLog"
}

// SetProviderDefaults sets default configuration values for the access log in config.DataProvider.
func (c *AccessLogConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAccessLogPath, "logs/access.log")
}

// Set sets access log configuration values from config.DataProvider.
func (c *AccessLogConfig) Set(dp config.DataProvider) error {
	var err error
	if c.Enabled, err = dp.GetBool(cfgKeyAccessLogEnabled); err != nil {
		return dp.WrapKeyErr(cfgKeyAccessLogEnabled, err)
	}
	if c.Path, err = dp.GetString(cfgKeyAccessLogPath); err != nil {
		return dp.WrapKeyErr(cfgKeyAccessLogPath, err)
	}
	if c.Enabled && c.Path == "" {
		return dp.WrapKeyErr(cfgKeyAccessLogPath, fmt.Errorf("cannot be empty when access log is enabled"))
	}
	return nil
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gateway

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/acronis/go-conngate/config"
	"github.com/acronis/go-conngate/restapi"
)

const cfgDefaultKeyPrefix = "gate"

// DefaultMaxConnections is a default value of the maximum number of simultaneously served connections.
const DefaultMaxConnections = 100

// DefaultQueueWaitTimeout is a default value of the maximum time a queued connection may wait for a free slot.
const DefaultQueueWaitTimeout = time.Second * 30

// DefaultSweepInterval is a default value of the interval between background cleanups
// of expired queue waiters and stale rate-limiting state.
const DefaultSweepInterval = time.Second * 5

// DefaultRateLimitMaxKeys is a default value of the maximum number of client identities
// for which the rate-limiting state is kept in memory.
const DefaultRateLimitMaxKeys = 10000

// ClientKeyType is a type of the source from which the client identity is extracted.
type ClientKeyType string

// Supported client key types.
const (
	ClientKeyTypeRemoteAddr ClientKeyType = "remote_addr"
	ClientKeyTypeHeader     ClientKeyType = "header"
)

// Supported rate-limiting algorithms.
const (
	RateLimitAlgFixedWindow   = "fixed_window"
	RateLimitAlgSlidingWindow = "sliding_window"
	RateLimitAlgLeakyBucket   = "leaky_bucket"
	RateLimitAlgTokenBucket   = "token_bucket"
)

// Config represents a set of configuration parameters for the connection admission gate.
type Config struct {
	// MaxConnections is the maximum number of simultaneously served connections.
	MaxConnections int `mapstructure:"maxConnections" yaml:"maxConnections" json:"maxConnections"`

	// MaxQueueSize is the maximum number of connections that may wait for a free slot.
	// Zero (default) disables queuing, and overflowing requests are rejected right away.
	MaxQueueSize int `mapstructure:"maxQueueSize" yaml:"maxQueueSize" json:"maxQueueSize"`

	// QueueWaitTimeout is the maximum time a queued connection may wait for a free slot.
	QueueWaitTimeout config.TimeDuration `mapstructure:"queueWaitTimeout" yaml:"queueWaitTimeout" json:"queueWaitTimeout"`

	// SweepInterval determines how often expired queue waiters and stale rate-limiting state
	// are cleaned up in the background.
	SweepInterval config.TimeDuration `mapstructure:"sweepInterval" yaml:"sweepInterval" json:"sweepInterval"`

	// DryRun enables the mode in which rejected requests are only logged and counted, but still served.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`

	// ClientKey determines how the client identity is extracted from the request.
	ClientKey ClientKeyConfig `mapstructure:"clientKey" yaml:"clientKey" json:"clientKey"`

	// ExcludedKeys is a list of glob patterns for client identities that bypass the gate.
	// Cannot be used together with IncludedKeys.
	ExcludedKeys []string `mapstructure:"excludedKeys" yaml:"excludedKeys" json:"excludedKeys"`

	// IncludedKeys is a list of glob patterns for the only client identities that are gated.
	// Cannot be used together with ExcludedKeys.
	IncludedKeys []string `mapstructure:"includedKeys" yaml:"includedKeys" json:"includedKeys"`

	// ExcludedRoutes is a list of routes that bypass the gate (health check, metrics and so on).
	ExcludedRoutes []restapi.RouteConfig `mapstructure:"excludedRoutes" yaml:"excludedRoutes" json:"excludedRoutes"`

	// RateLimit is a configuration of per-client rate limiting of new connections.
	RateLimit RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix:        opts.keyPrefix,
		MaxConnections:   DefaultMaxConnections,
		QueueWaitTimeout: config.TimeDuration(DefaultQueueWaitTimeout),
		SweepInterval:    config.TimeDuration(DefaultSweepInterval),
		RateLimit:        RateLimitConfig{Alg: RateLimitAlgFixedWindow, MaxKeys: DefaultRateLimitMaxKeys},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the gate in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(_ config.DataProvider) {
}

// Set sets configuration values of the gate from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.QueueWaitTimeout == 0 {
		c.QueueWaitTimeout = config.TimeDuration(DefaultQueueWaitTimeout)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = config.TimeDuration(DefaultSweepInterval)
	}
	if c.RateLimit.Alg == "" {
		c.RateLimit.Alg = RateLimitAlgFixedWindow
	}
	if c.RateLimit.MaxKeys == 0 {
		c.RateLimit.MaxKeys = DefaultRateLimitMaxKeys
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections should not be negative, got %d", c.MaxConnections)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("max queue size should not be negative, got %d", c.MaxQueueSize)
	}
	if c.QueueWaitTimeout < 0 {
		return fmt.Errorf("queue wait timeout should not be negative, got %s", time.Duration(c.QueueWaitTimeout))
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval should not be negative, got %s", time.Duration(c.SweepInterval))
	}
	if err := c.ClientKey.Validate(); err != nil {
		return fmt.Errorf("validate client key: %w", err)
	}
	if len(c.ExcludedKeys) != 0 && len(c.IncludedKeys) != 0 {
		return fmt.Errorf("excluded and included keys cannot be used together")
	}
	for i := range c.ExcludedRoutes {
		if err := c.ExcludedRoutes[i].Validate(); err != nil {
			return fmt.Errorf("validate excluded route %q: %w", c.ExcludedRoutes[i].Path.Raw, err)
		}
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("validate rate limit: %w", err)
	}
	return nil
}

// ClientKeyConfig represents a configuration of how the client identity is determined.
type ClientKeyConfig struct {
	// Type determines the source of the client identity. By default, the remote address is used.
	Type ClientKeyType `mapstructure:"type" yaml:"type" json:"type"`

	// HeaderName is the name of the HTTP header with the client identity. Used only for the "header" type.
	// When the header is missing or empty, the remote address is used as a fallback.
	HeaderName string `mapstructure:"headerName" yaml:"headerName" json:"headerName"`
}

// Validate validates configuration of the client key.
func (c *ClientKeyConfig) Validate() error {
	switch c.Type {
	case "", ClientKeyTypeRemoteAddr:
	case ClientKeyTypeHeader:
		if c.HeaderName == "" {
			return fmt.Errorf("header name should be specified for %q key type", c.Type)
		}
	default:
		return fmt.Errorf("unknown key type %q", c.Type)
	}
	return nil
}

// RateLimitConfig represents a configuration of per-client rate limiting of new connections.
type RateLimitConfig struct {
	// Rate is the allowed number of new connections per time unit in the "N/(s|m|h)" format.
	// The zero value disables rate limiting.
	Rate config.Rate `mapstructure:"rate" yaml:"rate" json:"rate"`

	// Alg is the used rate-limiting algorithm. By default, "fixed_window" is used.
	Alg string `mapstructure:"alg" yaml:"alg" json:"alg"`

	// MaxBurst is the number of connections that may momentarily exceed the rate.
	// Used only for the "leaky_bucket" and "token_bucket" algorithms.
	MaxBurst int `mapstructure:"maxBurst" yaml:"maxBurst" json:"maxBurst"`

	// MaxKeys is the maximum number of client identities for which the rate-limiting state is kept in memory.
	MaxKeys int `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`
}

// Enabled reports whether rate limiting is configured.
func (c *RateLimitConfig) Enabled() bool {
	return c.Rate.Count != 0 || c.Rate.Duration != 0
}

// Validate validates configuration of rate limiting.
func (c *RateLimitConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Rate.Count <= 0 {
		return fmt.Errorf("rate should be positive, got %d", c.Rate.Count)
	}
	if c.Rate.Duration <= 0 {
		return fmt.Errorf("rate duration should be positive, got %s", c.Rate.Duration)
	}
	switch c.Alg {
	case "", RateLimitAlgFixedWindow, RateLimitAlgSlidingWindow, RateLimitAlgLeakyBucket, RateLimitAlgTokenBucket:
	default:
		return fmt.Errorf("unknown rate limit alg %q", c.Alg)
	}
	if c.MaxBurst < 0 {
		return fmt.Errorf("max burst should not be negative, got %d", c.MaxBurst)
	}
	if c.MaxKeys < 0 {
		return fmt.Errorf("max keys should not be negative, got %d", c.MaxKeys)
	}
	return nil
}

func mapstructureTrimSpaceStringsHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Kind,
		t reflect.Kind,
		data interface{}) (interface{}, error) {
		if f != reflect.Slice || t != reflect.Slice {
			return data, nil
		}
		switch dt := data.(type) {
		case []string:
			res := make([]string, 0, len(dt))
			for _, s := range dt {
				res = append(res, strings.TrimSpace(s))
			}
			return res, nil
		default:
			return data, nil
		}
	}
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructureTrimSpaceStringsHookFunc(),
	)
}

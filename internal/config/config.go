// Package config handles FlexRPC channel-set configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid depending on the
// developer machine's filesystem layout.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/flexrpc/config.yaml, /config/config.yaml,
// /etc/flexrpc/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "flexrpc", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/flexrpc/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches the configured search paths and returns the first
// that exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds the full channel-set topology and ambient settings for a
// FlexRPC client.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	ChannelSet ChannelSetConfig `yaml:"channel_set"`
}

// ChannelSetConfig describes the ordered set of channels a ChannelSet
// hunts across, plus set-wide credentials and heartbeat behavior.
type ChannelSetConfig struct {
	// Clustered enables cluster endpoint discovery.
	Clustered bool `yaml:"clustered"`
	// HeartbeatIntervalMS is the heartbeat timer period; 0 disables it.
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	// Channels lists candidate channels in hunt order.
	Channels []ChannelConfig `yaml:"channels"`
	// Credentials, if set, are parsed from the file; nothing in this
	// package or its callers applies them to channels.
	Credentials *CredentialsConfig `yaml:"credentials,omitempty"`
}

// HeartbeatInterval returns the configured heartbeat idle gap as a
// Duration, the value handed to channelset.New. Zero means the
// heartbeat is disabled; there is no implicit default, matching the
// field's "0 disables it" contract.
func (c ChannelSetConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalMS <= 0 {
		return 0
	}
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// ChannelKind selects the concrete Channel implementation a ChannelConfig
// describes.
type ChannelKind string

const (
	ChannelKindAMF        ChannelKind = "amf"
	ChannelKindDirectHTTP ChannelKind = "direct-http"
	ChannelKindStreaming  ChannelKind = "streaming"
)

// ChannelConfig describes a single candidate channel.
type ChannelConfig struct {
	ID                  string      `yaml:"id"`
	Kind                ChannelKind `yaml:"kind"`
	EndpointURI         string      `yaml:"endpoint_uri"`
	FailoverURIs        []string    `yaml:"failover_uris"`
	RequestTimeoutMS    int         `yaml:"request_timeout_ms"`
	PollingIntervalMS   int         `yaml:"polling_interval_ms"`
	PiggybackingEnabled bool        `yaml:"piggybacking_enabled"`
}

// RequestTimeout returns the channel's configured request timeout,
// defaulting to 20s when unset.
func (c ChannelConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// PollingInterval returns the channel's configured polling interval,
// defaulting to 3000ms when unset.
func (c ChannelConfig) PollingInterval() time.Duration {
	if c.PollingIntervalMS <= 0 {
		return 3000 * time.Millisecond
	}
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

// CredentialsConfig holds static login credentials and the charset used
// to base64-encode them.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Charset is "" (ISO-8859-1, the default) or "utf-8".
	Charset string `yaml:"charset"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults (see applyDefaults), and validates the
// result. Other zero-valued durations are resolved by the
// RequestTimeout, PollingInterval and HeartbeatInterval accessors;
// Credentials stays nil when the file has none.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${FLEXRPC_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach is
	// to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets each channel's Kind to amf when it is unset; no
// other field is changed. Called automatically by Load.
func (c *Config) applyDefaults() {
	for i := range c.ChannelSet.Channels {
		if c.ChannelSet.Channels[i].Kind == "" {
			c.ChannelSet.Channels[i].Kind = ChannelKindAMF
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.ChannelSet.Channels))
	for _, ch := range c.ChannelSet.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel_set.channels: channel with empty id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("channel_set.channels: duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true

		if ch.EndpointURI == "" {
			return fmt.Errorf("channel_set.channels[%s]: endpoint_uri must not be empty", ch.ID)
		}
		switch ch.Kind {
		case ChannelKindAMF, ChannelKindDirectHTTP, ChannelKindStreaming:
		default:
			return fmt.Errorf("channel_set.channels[%s]: unknown kind %q", ch.ID, ch.Kind)
		}
	}

	if c.ChannelSet.HeartbeatIntervalMS < 0 {
		return fmt.Errorf("channel_set.heartbeat_interval_ms must not be negative")
	}

	return nil
}

// Default returns a default configuration with a single AMF
// channel, suitable for local development against a BlazeDS-compatible
// endpoint on localhost. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		ChannelSet: ChannelSetConfig{
			Channels: []ChannelConfig{
				{
					ID:          "my-amf",
					Kind:        ChannelKindAMF,
					EndpointURI: "http://localhost:8080/messagebroker/amf",
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

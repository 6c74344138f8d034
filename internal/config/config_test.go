package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc to avoid finding real config files on
	// developer/deploy machines.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("channel_set:\n  credentials:\n    password: ${FLEXRPC_TEST_PASSWORD}\n  channels:\n    - id: c1\n      endpoint_uri: http://localhost/amf\n"), 0600)
	os.Setenv("FLEXRPC_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("FLEXRPC_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ChannelSet.Credentials.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.ChannelSet.Credentials.Password, "secret123")
	}
}

func TestLoad_DefaultsChannelKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("channel_set:\n  channels:\n    - id: c1\n      endpoint_uri: http://localhost/amf\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ChannelSet.Channels[0].Kind != ChannelKindAMF {
		t.Errorf("kind = %q, want %q", cfg.ChannelSet.Channels[0].Kind, ChannelKindAMF)
	}
}

func TestValidate_DuplicateChannelID(t *testing.T) {
	cfg := Default()
	cfg.ChannelSet.Channels = append(cfg.ChannelSet.Channels, cfg.ChannelSet.Channels[0])

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate channel id")
	}
	if !strings.Contains(err.Error(), "duplicate channel id") {
		t.Errorf("error should mention duplicate channel id, got: %v", err)
	}
}

func TestValidate_EmptyEndpointURI(t *testing.T) {
	cfg := Default()
	cfg.ChannelSet.Channels[0].EndpointURI = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for empty endpoint_uri")
	}
	if !strings.Contains(err.Error(), "endpoint_uri") {
		t.Errorf("error should mention endpoint_uri, got: %v", err)
	}
}

func TestValidate_UnknownChannelKind(t *testing.T) {
	cfg := Default()
	cfg.ChannelSet.Channels[0].Kind = "carrier-pigeon"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown channel kind")
	}
	if !strings.Contains(err.Error(), "unknown kind") {
		t.Errorf("error should mention unknown kind, got: %v", err)
	}
}

func TestValidate_NegativeHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.ChannelSet.HeartbeatIntervalMS = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for negative heartbeat_interval_ms")
	}
}

func TestChannelConfig_Defaults(t *testing.T) {
	c := ChannelConfig{}
	if got, want := c.RequestTimeout().Milliseconds(), int64(20000); got != want {
		t.Errorf("RequestTimeout() = %dms, want %dms", got, want)
	}
	if got, want := c.PollingInterval().Milliseconds(), int64(3000); got != want {
		t.Errorf("PollingInterval() = %dms, want %dms", got, want)
	}
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}

package config

import (
	"strings"
	"testing"
)

func validConfig() *EngineConfig {
	cfg := &EngineConfig{
		Database: DatabaseConfig{Name: ":memory:"},
		Channels: []ChannelConfig{
			{
				ID:   "11111111-2222-3333-4444-555555555555",
				Name: "ADT Inbound",
				Source: SourceConfig{
					Type: "http",
					HTTP: HTTPReceiverConfig{Addr: "127.0.0.1:6661"},
				},
				Destinations: []DestinationConfig{
					{Name: "Downstream", Type: "http", HTTP: HTTPSenderConfig{URL: "http://downstream.example/receive"}},
				},
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg := validConfig()
	if cfg.Server.HTTPAddr == "" || cfg.Server.LogLevel != "info" {
		t.Errorf("server defaults missing: %+v", cfg.Server)
	}
	if cfg.Database.Mode != "auto" || cfg.Database.DeadlockRetries != 3 {
		t.Errorf("database defaults missing: %+v", cfg.Database)
	}
	ch := cfg.Channels[0]
	if ch.StorageMode != "PRODUCTION" || ch.Source.DataType != "XML" || ch.Source.Name != "Source" {
		t.Errorf("channel defaults missing: %+v", ch)
	}
	if ch.Destinations[0].QueueThreads != 1 || ch.Destinations[0].RetryIntervalMillis != 10000 {
		t.Errorf("destination defaults missing: %+v", ch.Destinations[0])
	}
}

func TestChannelIDPatternEnforced(t *testing.T) {
	cfg := validConfig()
	cfg.Channels[0].ID = "bad id; drop table"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "accepted pattern") {
		t.Errorf("unsafe channel id accepted: %v", err)
	}
}

func TestDuplicateChannelIDRejected(t *testing.T) {
	cfg := validConfig()
	dup := cfg.Channels[0]
	dup.Name = "Other"
	cfg.Channels = append(cfg.Channels, dup)
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate channel id accepted")
	}
}

func TestHTTPSourceRequiresAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Channels[0].Source.HTTP.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("http source without addr accepted")
	}
}

func TestHTTPDestinationRequiresURL(t *testing.T) {
	cfg := validConfig()
	cfg.Channels[0].Destinations[0].HTTP.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("http destination without url accepted")
	}
}

func TestChannelRequiresDestination(t *testing.T) {
	cfg := validConfig()
	cfg.Channels[0].Destinations = nil
	if err := cfg.Validate(); err == nil {
		t.Error("channel without destinations accepted")
	}
}

func TestInvalidStorageModeRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Channels[0].StorageMode = "EVERYTHING"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown storage mode accepted")
	}
}

func TestDevDefaultsPromoteStorageMode(t *testing.T) {
	cfg := validConfig()
	cfg.DevMode = true
	cfg.SetDevDefaults()
	if cfg.Channels[0].StorageMode != "DEVELOPMENT" {
		t.Errorf("storage mode = %s, want DEVELOPMENT in dev mode", cfg.Channels[0].StorageMode)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log level = %s, want debug in dev mode", cfg.Server.LogLevel)
	}
}

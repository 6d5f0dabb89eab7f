package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/interlock-hie/interlock/internal/adapter/outbound/cel"
	"github.com/interlock-hie/interlock/internal/adapter/outbound/sqlstore"
	"github.com/interlock-hie/interlock/internal/config"
	"github.com/interlock-hie/interlock/internal/domain/maps"
	"github.com/interlock-hie/interlock/internal/domain/message"
)

// newTestEngine wires a full engine over an in-memory store and the real CEL
// executor.
func newTestEngine(t *testing.T, cfg *config.EngineConfig) *EngineService {
	t.Helper()
	store, err := sqlstore.New(context.Background(), sqlstore.Config{DSN: ":memory:", Mode: sqlstore.ModeAuto}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	executor, err := cel.NewExecutor()
	if err != nil {
		t.Fatalf("create executor: %v", err)
	}

	engine := NewEngineService(cfg, store, executor, maps.NewManager(), nil, nil)
	if err := engine.DeployChannels(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return engine
}

func engineConfig(destinations []config.DestinationConfig) *config.EngineConfig {
	cfg := &config.EngineConfig{
		Server:   config.ServerConfig{ServerID: "server-test"},
		Database: config.DatabaseConfig{Name: ":memory:"},
		Channels: []config.ChannelConfig{
			{
				ID:   "aaaaaaaa-0000-0000-0000-000000000001",
				Name: "Test Channel",
				Source: config.SourceConfig{
					Type:                   "api",
					RespondAfterProcessing: true,
				},
				Destinations: destinations,
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestEngineEndToEndDispatch(t *testing.T) {
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(string(body))
		_, _ = w.Write([]byte("<ack/>"))
	}))
	defer srv.Close()

	cfg := engineConfig([]config.DestinationConfig{
		{
			Name: "Downstream",
			Type: "http",
			HTTP: config.HTTPSenderConfig{URL: srv.URL},
			Transformer: []config.TransformerStepConfig{
				{Name: "tag", Script: `{"channelMap": {"seen": true}}`},
			},
		},
	})
	engine := newTestEngine(t, cfg)

	ctx := context.Background()
	if err := engine.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = engine.StopAll(ctx) }()

	msg, err := engine.DispatchRaw(ctx, "aaaaaaaa-0000-0000-0000-000000000001", "<root><name>test</name></root>", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if received.Load() != "<root><name>test</name></root>" {
		t.Errorf("destination received %q", received.Load())
	}

	if msg.Source().Status != message.Sent {
		t.Errorf("source status = %v, want SENT", msg.Source().Status)
	}

	ch, _ := engine.Channel("aaaaaaaa-0000-0000-0000-000000000001")
	stats := ch.GetStatistics()
	if stats.Received != 1 || stats.Sent != 1 || stats.Errored != 0 {
		t.Errorf("stats = %+v, want R=1 S=1 E=0", stats)
	}
}

func TestEngineFilterRejectViaCEL(t *testing.T) {
	cfg := engineConfig([]config.DestinationConfig{
		{Name: "Downstream", Type: "http", HTTP: config.HTTPSenderConfig{URL: "http://127.0.0.1:1/never"}},
	})
	cfg.Channels[0].Source.Filter = []config.FilterRuleConfig{
		{Name: "name is DOE", Operator: "AND", Script: `msg.contains("DOE")`},
	}
	engine := newTestEngine(t, cfg)

	ctx := context.Background()
	if err := engine.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = engine.StopAll(ctx) }()

	msg, err := engine.DispatchRaw(ctx, "aaaaaaaa-0000-0000-0000-000000000001", "<msg><name>SMITH</name></msg>", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if msg.Source().Status != message.Filtered {
		t.Errorf("source status = %v, want FILTERED", msg.Source().Status)
	}

	ch, _ := engine.Channel("aaaaaaaa-0000-0000-0000-000000000001")
	stats := ch.GetStatistics()
	if stats.Received != 1 || stats.Filtered != 1 || stats.Sent != 0 {
		t.Errorf("stats = %+v, want R=1 F=1 S=0", stats)
	}
}

func TestChainGrouping(t *testing.T) {
	cfg := engineConfig([]config.DestinationConfig{
		{Name: "A", Type: "http", Chain: 1, HTTP: config.HTTPSenderConfig{URL: "http://example.invalid/a"}},
		{Name: "B", Type: "http", Chain: 1, HTTP: config.HTTPSenderConfig{URL: "http://example.invalid/b"}},
		{Name: "C", Type: "http", Chain: 0, HTTP: config.HTTPSenderConfig{URL: "http://example.invalid/c"}},
		{Name: "D", Type: "http", Chain: 0, HTTP: config.HTTPSenderConfig{URL: "http://example.invalid/d"}},
	})
	engine := newTestEngine(t, cfg)

	ch, ok := engine.Channel("aaaaaaaa-0000-0000-0000-000000000001")
	if !ok {
		t.Fatal("channel not deployed")
	}
	if len(ch.Destinations()) != 4 {
		t.Fatalf("destinations = %d, want 4", len(ch.Destinations()))
	}
	// Metadata ids are assigned in declaration order.
	for i, name := range []string{"A", "B", "C", "D"} {
		d, ok := ch.Destinations()[i+1]
		if !ok || d.Name() != name {
			t.Errorf("metadata id %d = %v, want %s", i+1, d, name)
		}
	}
}

func TestUnknownChannelDispatchFails(t *testing.T) {
	engine := newTestEngine(t, engineConfig([]config.DestinationConfig{
		{Name: "A", Type: "http", HTTP: config.HTTPSenderConfig{URL: "http://example.invalid/a"}},
	}))
	if _, err := engine.DispatchRaw(context.Background(), "nope", "<m/>", nil); err == nil {
		t.Error("dispatch to unknown channel succeeded")
	}
}

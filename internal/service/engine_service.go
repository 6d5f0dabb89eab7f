// Package service contains application services: the engine that owns every
// deployed channel and the snapshot services the admin surface reads from.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	inboundhttp "github.com/interlock-hie/interlock/internal/adapter/inbound/http"
	"github.com/interlock-hie/interlock/internal/adapter/outbound/httpdest"
	"github.com/interlock-hie/interlock/internal/config"
	"github.com/interlock-hie/interlock/internal/domain/channel"
	"github.com/interlock-hie/interlock/internal/domain/maps"
	"github.com/interlock-hie/interlock/internal/domain/message"
	"github.com/interlock-hie/interlock/internal/domain/script"
	"github.com/interlock-hie/interlock/pkg/datatype"
)

// EngineService owns the deployed channels and their shared collaborators.
type EngineService struct {
	cfg      *config.EngineConfig
	store    message.Store
	executor script.Executor
	globals  *maps.Manager
	types    *datatype.Registry
	sink     channel.EventSink
	logger   *slog.Logger
	serverID string

	mu       sync.Mutex
	channels map[string]*channel.Channel
	order    []string
}

// NewEngineService creates an engine over the given collaborators. The sink
// may be nil.
func NewEngineService(cfg *config.EngineConfig, store message.Store, executor script.Executor, globals *maps.Manager, sink channel.EventSink, logger *slog.Logger) *EngineService {
	if logger == nil {
		logger = slog.Default()
	}
	serverID := cfg.Server.ServerID
	if serverID == "" {
		serverID = uuid.New().String()
	}
	return &EngineService{
		cfg:      cfg,
		store:    store,
		executor: executor,
		globals:  globals,
		types:    datatype.NewRegistry(),
		sink:     sink,
		logger:   logger,
		serverID: serverID,
		channels: make(map[string]*channel.Channel),
	}
}

// ServerID returns this host's server id.
func (s *EngineService) ServerID() string { return s.serverID }

// DeployChannels builds channel runtimes from configuration. Existing
// deployments are replaced; call StopAll first when redeploying.
func (s *EngineService) DeployChannels(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels = make(map[string]*channel.Channel, len(s.cfg.Channels))
	s.order = s.order[:0]
	for i := range s.cfg.Channels {
		cc := &s.cfg.Channels[i]
		ch, err := s.buildChannel(cc)
		if err != nil {
			return fmt.Errorf("deploy channel %q: %w", cc.Name, err)
		}
		s.channels[cc.ID] = ch
		s.order = append(s.order, cc.ID)
		s.logger.Info("channel deployed", "channel", cc.Name, "channel_id", cc.ID)
	}
	return nil
}

// buildChannel translates one channel configuration into a runtime.
func (s *EngineService) buildChannel(cc *config.ChannelConfig) (*channel.Channel, error) {
	storage := message.SettingsForMode(message.StorageMode(cc.StorageMode))
	storage.RemoveContentOnCompletion = cc.RemoveContentOnCompletion
	storage.RemoveOnlyFilteredOnCompletion = cc.RemoveOnlyFilteredOnCompletion
	storage.RemoveAttachmentsOnCompletion = cc.RemoveAttachmentsOnCompletion

	ch := channel.New(channel.Config{
		ID:                        cc.ID,
		Name:                      cc.Name,
		ServerID:                  s.serverID,
		Storage:                   storage,
		DeployScript:              cc.DeployScript,
		UndeployScript:            cc.UndeployScript,
		PreprocessorScript:        cc.PreprocessorScript,
		PostprocessorScript:       cc.PostprocessorScript,
		GlobalPreprocessorScript:  s.cfg.GlobalScripts.Preprocessor,
		GlobalPostprocessorScript: s.cfg.GlobalScripts.Postprocessor,
		SendEvents:                s.cfg.Server.SendEvents,
	}, s.store, s.executor, s.globals, s.sink, s.logger)

	sourceFT, err := s.buildFilterTransformer(cc.Source.Filter, cc.Source.Transformer, cc.Source.DataType, cc.Source.DataType)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	sourceAdapter, err := s.buildSourceAdapter(cc, ch)
	if err != nil {
		return nil, err
	}
	ch.SetSource(channel.SourceSettings{
		Name:                   cc.Source.Name,
		RespondAfterProcessing: cc.Source.RespondAfterProcessing,
		QueueBufferSize:        cc.Source.QueueBufferSize,
		FilterTransformer:      sourceFT,
	}, sourceAdapter)

	// Group destinations into chains, preserving declaration order. Chain 0
	// gives a destination a chain of its own.
	type chainGroup struct {
		key   int
		specs []channel.DestinationSpec
	}
	var groups []chainGroup
	groupIndex := make(map[int]int)
	autoChain := -1

	for i := range cc.Destinations {
		dc := &cc.Destinations[i]
		spec, err := s.buildDestinationSpec(dc, i+1, cc.Source.DataType)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", dc.Name, err)
		}
		key := dc.Chain
		if key == 0 {
			key = autoChain
			autoChain--
		}
		idx, ok := groupIndex[key]
		if !ok {
			idx = len(groups)
			groupIndex[key] = idx
			groups = append(groups, chainGroup{key: key})
		}
		groups[idx].specs = append(groups[idx].specs, spec)
	}
	for _, g := range groups {
		ch.AddChain(g.specs...)
	}
	return ch, nil
}

// buildSourceAdapter resolves the configured source connector type.
func (s *EngineService) buildSourceAdapter(cc *config.ChannelConfig, ch *channel.Channel) (channel.SourceAdapter, error) {
	switch cc.Source.Type {
	case "http":
		return inboundhttp.NewReceiver(inboundhttp.ReceiverConfig{
			Addr:                cc.Source.HTTP.Addr,
			Path:                cc.Source.HTTP.Path,
			ResponseContentType: cc.Source.HTTP.ResponseContentType,
		}, ch, s.logger), nil
	case "api", "":
		return apiSource{}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cc.Source.Type)
	}
}

// buildDestinationSpec resolves one destination configuration.
func (s *EngineService) buildDestinationSpec(dc *config.DestinationConfig, metaDataID int, sourceDataType string) (channel.DestinationSpec, error) {
	ft, err := s.buildFilterTransformer(dc.Filter, dc.Transformer, sourceDataType, dc.DataType)
	if err != nil {
		return channel.DestinationSpec{}, err
	}

	var adapter channel.DestinationAdapter
	switch dc.Type {
	case "http":
		adapter = httpdest.New(httpdest.Config{
			URL:           dc.HTTP.URL,
			Method:        dc.HTTP.Method,
			ContentType:   dc.HTTP.ContentType,
			Headers:       dc.HTTP.Headers,
			AuthType:      dc.HTTP.AuthType,
			Username:      dc.HTTP.Username,
			Password:      dc.HTTP.Password,
			SocketTimeout: time.Duration(dc.HTTP.SocketTimeoutMillis) * time.Millisecond,
		}, s.logger)
	default:
		return channel.DestinationSpec{}, fmt.Errorf("unknown destination type %q", dc.Type)
	}

	settings := channel.DestinationSettings{
		MetaDataID:        metaDataID,
		Name:              dc.Name,
		QueueEnabled:      dc.QueueEnabled,
		RetryCount:        dc.RetryCount,
		RetryInterval:     time.Duration(dc.RetryIntervalMillis) * time.Millisecond,
		FilterTransformer: ft,
		ResponseSteps:     buildSteps(dc.ResponseTransformer),
	}
	if dc.QueueEnabled {
		settings.Queue = channel.QueueSettings{
			Threads: dc.QueueThreads,
			Rotate:  dc.QueueRotate,
			GroupBy: groupByKey(dc.QueueGroupBy),
		}
	}
	return channel.DestinationSpec{Settings: settings, Adapter: adapter}, nil
}

// groupByKey derives a queue bucketing function reading the named key from
// the channel map, falling back to the source map.
func groupByKey(key string) func(cm *message.ConnectorMessage) string {
	if key == "" {
		return nil
	}
	return func(cm *message.ConnectorMessage) string {
		if cm.ChannelMap != nil {
			if v, ok := cm.ChannelMap.Get(key); ok {
				return fmt.Sprint(v)
			}
		}
		if cm.SourceMap != nil {
			if v, ok := cm.SourceMap.Get(key); ok {
				return fmt.Sprint(v)
			}
		}
		return ""
	}
}

// buildFilterTransformer assembles the filter/transformer pair for one
// connector.
func (s *EngineService) buildFilterTransformer(rules []config.FilterRuleConfig, steps []config.TransformerStepConfig, inType, outType string) (*channel.FilterTransformer, error) {
	inbound, err := s.types.Get(orXML(inType))
	if err != nil {
		return nil, err
	}
	outbound, err := s.types.Get(orXML(outType))
	if err != nil {
		return nil, err
	}

	ft := &channel.FilterTransformer{
		Inbound:  inbound,
		Outbound: outbound,
		Steps:    buildSteps(steps),
	}
	for _, r := range rules {
		op := channel.FilterOperator(r.Operator)
		if op == "" {
			op = channel.OperatorAnd
		}
		ft.Rules = append(ft.Rules, channel.FilterRule{
			Name:     r.Name,
			Operator: op,
			Script:   r.Script,
		})
	}
	return ft, nil
}

func buildSteps(steps []config.TransformerStepConfig) []channel.TransformerStep {
	out := make([]channel.TransformerStep, 0, len(steps))
	for _, st := range steps {
		out = append(out, channel.TransformerStep{Name: st.Name, Script: st.Script})
	}
	return out
}

func orXML(name string) string {
	if name == "" {
		return "XML"
	}
	return name
}

// apiSource is the source adapter for channels fed exclusively through the
// admin API; it has no transport of its own.
type apiSource struct{}

func (apiSource) Start(context.Context) error { return nil }
func (apiSource) Stop(context.Context) error  { return nil }

var _ channel.SourceAdapter = apiSource{}

// Lifecycle ----------------------------------------------------------------

// StartAll starts every deployed channel in deployment order. The first
// failure stops the sweep and already-started channels stay up.
func (s *EngineService) StartAll(ctx context.Context) error {
	for _, ch := range s.list() {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start channel %q: %w", ch.Name(), err)
		}
	}
	return nil
}

// StopAll stops every channel cooperatively, in reverse deployment order.
func (s *EngineService) StopAll(ctx context.Context) error {
	var firstErr error
	chs := s.list()
	for i := len(chs) - 1; i >= 0; i-- {
		if err := chs[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HaltAll stops every channel forcefully.
func (s *EngineService) HaltAll(ctx context.Context) error {
	var firstErr error
	chs := s.list()
	for i := len(chs) - 1; i >= 0; i-- {
		if err := chs[i].Halt(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *EngineService) list() []*channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channel.Channel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.channels[id])
	}
	return out
}

// Channel returns a deployed channel by id.
func (s *EngineService) Channel(id string) (*channel.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// Channels returns the deployed channels in deployment order.
func (s *EngineService) Channels() []*channel.Channel {
	return s.list()
}

// ChannelIDs returns the deployed channel ids, sorted.
func (s *EngineService) ChannelIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// DispatchRaw injects a raw message into a channel by id.
func (s *EngineService) DispatchRaw(ctx context.Context, channelID, raw string, sourceMap map[string]any) (*message.Message, error) {
	ch, ok := s.Channel(channelID)
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channelID)
	}
	return ch.DispatchRawMessage(ctx, raw, sourceMap)
}

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/maps"
	"github.com/interlock-hie/interlock/internal/domain/message"
	"github.com/interlock-hie/interlock/internal/domain/script"
)

// State is the lifecycle state of a channel.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Config is the static configuration of one channel.
type Config struct {
	ID       string
	Name     string
	ServerID string

	Storage message.StorageSettings

	// Lifecycle and message scripts. Empty scripts are skipped.
	DeployScript              string
	UndeployScript            string
	PreprocessorScript        string
	PostprocessorScript       string
	GlobalPreprocessorScript  string
	GlobalPostprocessorScript string

	// SendEvents enables MessageEvent emission on tracked transitions.
	SendEvents bool
}

// Channel owns one source connector, an ordered list of destination chains,
// scripts, storage policy and queues, and orchestrates message flow between
// them.
type Channel struct {
	cfg      Config
	store    message.Store
	executor script.Executor
	globals  *maps.Manager
	logger   *slog.Logger

	stats *Statistics
	accum *Accumulator

	sourceSettings SourceSettings
	sourceAdapter  SourceAdapter
	chains         []*DestinationChain
	destinations   map[int]*Destination
	destByName     map[string]int

	mu       sync.Mutex
	state    State
	stopCh   chan struct{}
	haltCtx  context.Context
	haltStop context.CancelFunc

	sourceQueue chan sourceWork
	wg          sync.WaitGroup
}

// New creates a channel shell; wire the source with SetSource and the
// destinations with AddChain before Start.
func New(cfg Config, store message.Store, executor script.Executor, globals *maps.Manager, sink EventSink, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:          cfg,
		store:        store,
		executor:     executor,
		globals:      globals,
		logger:       logger.With("channel", cfg.Name, "channel_id", cfg.ID),
		stats:        NewStatistics(cfg.ID, cfg.SendEvents, sink),
		accum:        NewAccumulator(cfg.ServerID),
		destinations: make(map[int]*Destination),
		destByName:   make(map[string]int),
	}
}

// ID returns the channel id.
func (ch *Channel) ID() string { return ch.cfg.ID }

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.cfg.Name }

// State returns the current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// SetSource wires the source connector.
func (ch *Channel) SetSource(settings SourceSettings, adapter SourceAdapter) {
	ch.sourceSettings = settings
	ch.sourceAdapter = adapter
}

// DestinationSpec pairs destination settings with a concrete adapter.
type DestinationSpec struct {
	Settings DestinationSettings
	Adapter  DestinationAdapter
}

// AddChain appends a destination chain. Destinations run in the given order
// within the chain.
func (ch *Channel) AddChain(specs ...DestinationSpec) {
	chain := &DestinationChain{id: len(ch.chains) + 1}
	for _, spec := range specs {
		d := newDestination(spec.Settings, spec.Adapter, ch)
		chain.destinations = append(chain.destinations, d)
		ch.destinations[d.MetaDataID()] = d
		ch.destByName[d.Name()] = d.MetaDataID()
	}
	ch.chains = append(ch.chains, chain)
}

// Destinations returns the destinations keyed by metadata id.
func (ch *Channel) Destinations() map[int]*Destination {
	return ch.destinations
}

// Start brings the channel up: tables, deploy script, recovery, destination
// connectors, source queue, source connector — destinations before the
// source so a dispatched message always finds its chains running.
func (ch *Channel) Start(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state != StateStopped {
		ch.mu.Unlock()
		return fmt.Errorf("channel %s: start from state %s", ch.cfg.Name, ch.state)
	}
	ch.state = StateStarting
	ch.stopCh = make(chan struct{})
	ch.haltCtx, ch.haltStop = context.WithCancel(context.Background())
	ch.mu.Unlock()

	if _, err := ch.store.EnsureChannel(ctx, ch.cfg.ID); err != nil {
		ch.setState(StateStopped)
		return fmt.Errorf("ensure channel tables: %w", err)
	}

	if rows, err := ch.store.GetStatistics(ctx, ch.cfg.ID); err == nil {
		ch.stats.Load(rows)
	} else {
		ch.logger.Warn("load statistics failed", "error", err)
	}

	ch.runLifecycleScript(ctx, "deploy", ch.cfg.DeployScript)

	if ch.cfg.Storage.MessageRecoveryEnabled {
		result, err := ch.RunRecovery(ctx)
		if err != nil {
			ch.setState(StateStopped)
			return fmt.Errorf("recovery: %w", err)
		}
		if result.Recovered > 0 || result.Errors > 0 {
			ch.logger.Info("recovery finished",
				"recovered", result.Recovered,
				"errors", result.Errors,
			)
		}
	}

	for _, d := range ch.destinations {
		if err := d.start(ctx); err != nil {
			ch.setState(StateStopped)
			return err
		}
	}

	if !ch.sourceSettings.RespondAfterProcessing {
		ch.sourceQueue = make(chan sourceWork, ch.sourceSettings.queueBuffer())
		ch.wg.Add(1)
		go ch.runSourceQueueWorker()
	}

	if ch.sourceAdapter != nil {
		if err := ch.sourceAdapter.Start(ctx); err != nil {
			ch.setState(StateStopped)
			return fmt.Errorf("start source %s: %w", ch.sourceSettings.Name, err)
		}
	}

	ch.setState(StateStarted)
	ch.logger.Info("channel started")
	return nil
}

// Stop drains the channel cooperatively in reverse order: source first, then
// the source queue worker, then destinations, then the undeploy script.
func (ch *Channel) Stop(ctx context.Context) error {
	return ch.shutdown(ctx, false)
}

// Halt stops forcefully: outstanding network I/O is aborted and graceful
// drain is skipped.
func (ch *Channel) Halt(ctx context.Context) error {
	return ch.shutdown(ctx, true)
}

func (ch *Channel) shutdown(ctx context.Context, halt bool) error {
	ch.mu.Lock()
	if ch.state != StateStarted {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateStopping
	if halt && ch.haltStop != nil {
		ch.haltStop()
	}
	close(ch.stopCh)
	ch.mu.Unlock()

	var firstErr error
	if ch.sourceAdapter != nil {
		if err := ch.sourceAdapter.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop source: %w", err)
		}
	}
	ch.wg.Wait()
	ch.sourceQueue = nil

	for _, d := range ch.destinations {
		var err error
		if halt {
			err = d.halt(ctx)
		} else {
			err = d.stop(ctx)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	ch.runLifecycleScript(ctx, "undeploy", ch.cfg.UndeployScript)
	ch.flushStatistics(ctx)

	ch.setState(StateStopped)
	ch.logger.Info("channel stopped", "halt", halt)
	return firstErr
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// haltableContext is the context background work runs under; Halt cancels it.
func (ch *Channel) haltableContext() context.Context {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.haltCtx != nil {
		return ch.haltCtx
	}
	return context.Background()
}

// IsRespondAfterProcessing reports whether dispatch blocks until the pipeline
// finishes.
func (ch *Channel) IsRespondAfterProcessing() bool {
	return ch.sourceSettings.RespondAfterProcessing
}

// DispatchRawMessage is the single entry point for source connectors. It
// allocates a message id, persists the message and its source connector
// message in one transaction, and either queues the message for the source
// queue worker or runs the pipeline synchronously.
func (ch *Channel) DispatchRawMessage(ctx context.Context, raw string, sourceMap map[string]any) (*message.Message, error) {
	ch.mu.Lock()
	state := ch.state
	queue := ch.sourceQueue
	ch.mu.Unlock()
	if state != StateStarted && state != StateStarting {
		return nil, ErrChannelStopped
	}

	messageID, err := ch.store.NextMessageID(ctx, ch.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate message id: %w", err)
	}

	now := time.Now()
	msg := message.NewMessage(ch.cfg.ID, messageID, ch.cfg.ServerID, now)
	cm := message.NewConnectorMessage(
		ch.cfg.ID, ch.cfg.Name,
		messageID, 0, ch.sourceSettings.Name, ch.cfg.ServerID,
		message.Received, now,
	)
	cm.SourceMap = message.NewSourceMap(sourceMap)
	cm.ChannelMap = message.NewKeyMap()
	cm.DestinationSet = message.NewDestinationSet(ch.destByName)
	cm.SetContent(message.ContentRaw, raw, ch.sourceDataTypeName())
	msg.ConnectorMessages[0] = cm

	err = ch.store.InTransaction(ctx, func(tx message.Ops) error {
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if err := tx.InsertConnectorMessage(ctx, cm, ch.cfg.Storage.StoresContent(message.ContentSourceMap, 0)); err != nil {
			return err
		}
		if ch.cfg.Storage.StoresContent(message.ContentRaw, 0) {
			return tx.StoreContent(ctx, ch.cfg.ID, cm.Content[message.ContentRaw])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist dispatch: %w", err)
	}
	ch.recordTransition(0, messageID, message.Received)

	if queue != nil {
		select {
		case queue <- sourceWork{msg: msg}:
			return msg, nil
		case <-ch.stopCh:
			return msg, ErrChannelStopped
		}
	}

	ch.process(ctx, msg)
	ch.flushStatistics(ctx)
	return msg, nil
}

// process runs the full pipeline for one persisted message: preprocessors,
// source filter/transformer, fan-out, postprocessors, completion.
func (ch *Channel) process(ctx context.Context, msg *message.Message) {
	source := msg.Source()

	raw, _ := source.GetContent(message.ContentRaw)
	processedRaw, preErr := ch.runPreprocessors(ctx, source, raw)
	if preErr != nil {
		ch.storeContent(ctx, ch.store, source, message.ContentProcessingError, preErr.Error(), "TEXT")
		ch.setStatus(ctx, ch.store, source, message.Error)
	} else {
		if processedRaw != raw {
			ch.storeContent(ctx, ch.store, source, message.ContentProcessedRaw, processedRaw, ch.sourceDataTypeName())
		}

		result, ftErr := ch.sourceSettings.FilterTransformer.Process(ctx, ch.executor, ch.scopeFor(source), processedRaw)
		switch {
		case ftErr != nil:
			ch.storeContent(ctx, ch.store, source, message.ContentProcessingError, ftErr.Error(), "TEXT")
			ch.setStatus(ctx, ch.store, source, message.Error)
		case !result.Accepted:
			ch.setStatus(ctx, ch.store, source, message.Filtered)
			ch.persistMaps(ctx, ch.store, source)
		default:
			ch.setStatus(ctx, ch.store, source, message.Transformed)
			ch.storeContent(ctx, ch.store, source, message.ContentTransformed, result.Transformed, "XML")
			ch.storeContent(ctx, ch.store, source, message.ContentEncoded, result.Encoded, ch.sourceDataTypeName())
			ch.persistMaps(ctx, ch.store, source)
			ch.fanOut(ctx, source)
			// The source's own work is complete once every chain returns;
			// only queued destinations keep the message open.
			ch.setStatus(ctx, ch.store, source, message.Sent)
		}
	}

	ch.runPostprocessors(ctx, source)
	ch.checkCompletion(ctx, msg.MessageID)
	ch.flushStatistics(ctx)
}

// fanOut runs every destination chain concurrently and waits for all of
// them. Chain outcomes are isolated.
func (ch *Channel) fanOut(ctx context.Context, source *message.ConnectorMessage) {
	var wg sync.WaitGroup
	for _, chain := range ch.chains {
		wg.Add(1)
		go func(c *DestinationChain) {
			defer wg.Done()
			c.Execute(ctx, ch, source)
		}(chain)
	}
	wg.Wait()
}

// runPreprocessors runs the global then the channel preprocessor. A script
// returning null leaves the payload unchanged. The first script error aborts
// preprocessing; the error is recorded by the caller and the postprocessor
// still runs later.
func (ch *Channel) runPreprocessors(ctx context.Context, source *message.ConnectorMessage, raw string) (string, error) {
	current := raw
	for _, s := range []struct{ name, src string }{
		{"global preprocessor", ch.cfg.GlobalPreprocessorScript},
		{"preprocessor", ch.cfg.PreprocessorScript},
	} {
		if s.src == "" {
			continue
		}
		scope := ch.scopeFor(source)
		scope.Msg = current
		result, err := ch.executor.Execute(ctx, s.src, scope)
		if err != nil {
			return current, script.NewError("preprocessor", s.src, err)
		}
		switch v := result.(type) {
		case nil:
			// Unchanged.
		case string:
			current = v
		default:
			return current, script.NewError("preprocessor", s.src,
				fmt.Errorf("%s must return a string or null, got %T", s.name, result))
		}
	}
	return current, nil
}

// runPostprocessors runs the channel then the global postprocessor over the
// merged view. Errors are recorded as POSTPROCESSOR_ERROR content and do not
// fail the message.
func (ch *Channel) runPostprocessors(ctx context.Context, source *message.ConnectorMessage) {
	for _, src := range []string{ch.cfg.PostprocessorScript, ch.cfg.GlobalPostprocessorScript} {
		if src == "" {
			continue
		}
		scope := ch.scopeFor(source)
		if encoded, ok := source.GetContent(message.ContentEncoded); ok {
			scope.Msg = encoded
		} else {
			scope.Msg, _ = source.GetContent(message.ContentRaw)
		}
		if _, err := ch.executor.Execute(ctx, src, scope); err != nil {
			ch.storeContent(ctx, ch.store, source, message.ContentPostprocessorError, err.Error(), "TEXT")
			ch.logger.Error("postprocessor failed", "message_id", source.MessageID, "error", err)
		}
	}
}

// runLifecycleScript runs a deploy/undeploy script, logging failures.
func (ch *Channel) runLifecycleScript(ctx context.Context, stage, src string) {
	if src == "" {
		return
	}
	scope := script.Scope{
		GlobalMap:        ch.globals.Global(),
		GlobalChannelMap: ch.globals.GlobalChannel(ch.cfg.ID),
		ConfigurationMap: ch.globals.Configuration(),
		ChannelID:        ch.cfg.ID,
		ChannelName:      ch.cfg.Name,
	}
	if _, err := ch.executor.Execute(ctx, src, scope); err != nil {
		ch.logger.Error("lifecycle script failed", "stage", stage, "error", err)
	}
}

// checkCompletion marks the message processed once no non-terminal connector
// messages remain, then applies completion cleanup. Called at the end of the
// pipeline and by queue workers when a queued destination reaches a terminal
// status.
func (ch *Channel) checkCompletion(ctx context.Context, messageID int64) {
	statuses, err := ch.store.GetConnectorMessageStatuses(ctx, ch.cfg.ID, messageID)
	if err != nil {
		ch.logger.Error("completion check failed", "message_id", messageID, "error", err)
		return
	}
	filtered := make([]int, 0, len(statuses))
	for metaDataID, status := range statuses {
		if !status.Terminal() {
			return
		}
		if status == message.Filtered {
			filtered = append(filtered, metaDataID)
		}
	}

	err = ch.store.InTransaction(ctx, func(tx message.Ops) error {
		if err := tx.MarkProcessed(ctx, ch.cfg.ID, messageID); err != nil {
			return err
		}
		switch {
		case ch.cfg.Storage.RemoveContentOnCompletion:
			if err := tx.DeleteMessageContent(ctx, ch.cfg.ID, messageID); err != nil {
				return err
			}
		case ch.cfg.Storage.RemoveOnlyFilteredOnCompletion:
			for _, metaDataID := range filtered {
				if err := tx.DeleteConnectorContent(ctx, ch.cfg.ID, messageID, metaDataID); err != nil {
					return err
				}
			}
		}
		if ch.cfg.Storage.RemoveAttachmentsOnCompletion {
			return tx.DeleteAttachments(ctx, ch.cfg.ID, messageID)
		}
		return nil
	})
	if err != nil {
		ch.logger.Error("mark processed failed", "message_id", messageID, "error", err)
	}
}

// Statistics helpers -------------------------------------------------------

// GetStatistics returns the channel-aggregate counter row.
func (ch *Channel) GetStatistics() message.StatisticsSnapshot {
	return ch.stats.ChannelAggregate()
}

// ConnectorStatistics returns one connector's counters.
func (ch *Channel) ConnectorStatistics(metaDataID int) message.StatisticsSnapshot {
	return ch.stats.Connector(metaDataID)
}

// ResetStatistics zeroes counters in memory and in the store.
func (ch *Channel) ResetStatistics(ctx context.Context, metaDataIDs []int, serverID string) error {
	ch.stats.Reset(metaDataIDs, serverID)
	return ch.store.ResetStatistics(ctx, ch.cfg.ID, metaDataIDs, serverID)
}

func (ch *Channel) flushStatistics(ctx context.Context) {
	if err := ch.accum.Flush(ctx, ch.store, ch.cfg.ID); err != nil {
		ch.logger.Error("statistics flush failed", "error", err)
	}
}

// AddAttachment persists attachment segments for a dispatched message,
// honoring the storage policy. Source connectors call this alongside
// dispatch for payloads extracted out of the message body.
func (ch *Channel) AddAttachment(ctx context.Context, attachmentID, attachmentType string, messageID int64, data []byte) error {
	if !ch.cfg.Storage.StoreAttachments {
		return nil
	}
	for _, segment := range message.SegmentAttachment(attachmentID, messageID, attachmentType, data, message.DefaultAttachmentSegmentSize) {
		if err := ch.store.InsertAttachment(ctx, ch.cfg.ID, segment); err != nil {
			return fmt.Errorf("store attachment %s segment %d: %w", attachmentID, segment.SegmentID, err)
		}
	}
	return nil
}

// Reprocess / reset / delete ----------------------------------------------

// ResetMessage reopens a message for reprocessing; destinations return to
// PENDING with their send bookkeeping cleared. Idempotent.
func (ch *Channel) ResetMessage(ctx context.Context, messageID int64) error {
	return ch.store.ResetMessage(ctx, ch.cfg.ID, messageID)
}

// DeleteMessage removes a message and its children, coordinating with every
// destination queue so already-acquired copies are discarded.
func (ch *Channel) DeleteMessage(ctx context.Context, messageID int64) error {
	for _, d := range ch.destinations {
		d.markAsDeleted(messageID)
	}
	return ch.store.DeleteMessage(ctx, ch.cfg.ID, messageID)
}

// Internal persistence helpers --------------------------------------------

// insertConnectorMessage persists a destination connector message row and its
// RAW content, and counts the RECEIVED transition.
func (ch *Channel) insertConnectorMessage(ctx context.Context, cm *message.ConnectorMessage) error {
	err := ch.store.InTransaction(ctx, func(tx message.Ops) error {
		if err := tx.InsertConnectorMessage(ctx, cm, ch.cfg.Storage.StoresContent(message.ContentConnectorMap, cm.MetaDataID)); err != nil {
			return err
		}
		if ch.cfg.Storage.StoresContent(message.ContentRaw, cm.MetaDataID) {
			if raw, ok := cm.Content[message.ContentRaw]; ok {
				return tx.StoreContent(ctx, ch.cfg.ID, raw)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	ch.recordTransition(cm.MetaDataID, cm.MessageID, message.Received)
	return nil
}

// setStatus transitions a connector message, guarding terminal statuses, and
// records statistics. Non-tracked statuses persist without counting.
func (ch *Channel) setStatus(ctx context.Context, ops message.Ops, cm *message.ConnectorMessage, status message.Status) {
	if cm.Status.Terminal() {
		ch.logger.Warn("refusing to overwrite terminal status",
			"message_id", cm.MessageID,
			"metadata_id", cm.MetaDataID,
			"current", cm.Status.String(),
			"attempted", status.String(),
		)
		return
	}
	cm.Status = status
	if err := ops.UpdateStatus(ctx, cm); err != nil {
		ch.logger.Error("status update failed",
			"message_id", cm.MessageID,
			"metadata_id", cm.MetaDataID,
			"status", status.String(),
			"error", err,
		)
	}
	ch.recordTransition(cm.MetaDataID, cm.MessageID, status)
}

// recordTransition applies the asymmetric statistics rules for one tracked
// transition. The metadata id 0 row doubles as the channel aggregate:
// RECEIVED comes from the source only, SENT from destinations only, FILTERED
// and ERROR from every connector.
func (ch *Channel) recordTransition(metaDataID int, messageID int64, status message.Status) {
	if !status.Tracked() {
		return
	}
	if metaDataID == 0 {
		// The source's SENT transition closes its work but is not a
		// delivery; only destinations feed the aggregate SENT column.
		if status == message.Sent {
			return
		}
		ch.stats.UpdateStatus(0, ch.cfg.ServerID, messageID, status, "")
		ch.accum.Increment(0, status, 1)
		return
	}
	ch.stats.UpdateStatus(metaDataID, ch.cfg.ServerID, messageID, status, "")
	ch.accum.Increment(metaDataID, status, 1)
	if status != message.Received {
		// Destinations feed the aggregate row for everything but RECEIVED.
		ch.stats.UpdateStatus(0, ch.cfg.ServerID, messageID, status, "")
		ch.accum.Increment(0, status, 1)
	}
}

// storeContent records content on the connector message and persists it when
// the storage policy allows.
func (ch *Channel) storeContent(ctx context.Context, ops message.Ops, cm *message.ConnectorMessage, ct message.ContentType, value, dataType string) {
	cm.SetContent(ct, value, dataType)
	if !ch.cfg.Storage.StoresContent(ct, cm.MetaDataID) {
		return
	}
	if err := ops.StoreContent(ctx, ch.cfg.ID, cm.Content[ct]); err != nil {
		ch.logger.Error("store content failed",
			"message_id", cm.MessageID,
			"metadata_id", cm.MetaDataID,
			"content_type", ct.String(),
			"error", err,
		)
	}
}

// persistMaps persists the map content slots the storage policy allows.
func (ch *Channel) persistMaps(ctx context.Context, ops message.Ops, cm *message.ConnectorMessage) {
	persist := func(ct message.ContentType, v any) {
		if !ch.cfg.Storage.StoresContent(ct, cm.MetaDataID) {
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			ch.logger.Error("serialize map failed", "content_type", ct.String(), "error", err)
			return
		}
		cm.SetContent(ct, string(data), "JSON")
		if err := ops.StoreContent(ctx, ch.cfg.ID, cm.Content[ct]); err != nil {
			ch.logger.Error("store map failed", "content_type", ct.String(), "error", err)
		}
	}
	if cm.ChannelMap != nil {
		persist(message.ContentChannelMap, cm.ChannelMap)
	}
	if cm.ConnectorMap != nil {
		persist(message.ContentConnectorMap, cm.ConnectorMap)
	}
	if cm.ResponseMap != nil {
		persist(message.ContentResponseMap, cm.ResponseMap)
	}
}

// scopeFor builds the script scope for a connector message.
func (ch *Channel) scopeFor(cm *message.ConnectorMessage) script.Scope {
	return script.Scope{
		SourceMap:        cm.SourceMap,
		ChannelMap:       cm.ChannelMap,
		ConnectorMap:     cm.ConnectorMap,
		ResponseMap:      cm.ResponseMap,
		GlobalMap:        ch.globals.Global(),
		GlobalChannelMap: ch.globals.GlobalChannel(ch.cfg.ID),
		ConfigurationMap: ch.globals.Configuration(),
		DestinationSet:   cm.DestinationSet,
		ChannelID:        ch.cfg.ID,
		ChannelName:      ch.cfg.Name,
		MessageID:        cm.MessageID,
		MetaDataID:       cm.MetaDataID,
		ConnectorName:    cm.ConnectorName,
	}
}

func (ch *Channel) sourceDataTypeName() string {
	if ch.sourceSettings.FilterTransformer != nil && ch.sourceSettings.FilterTransformer.Outbound != nil {
		return ch.sourceSettings.FilterTransformer.Outbound.Name()
	}
	return "RAW"
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/maps"
	"github.com/interlock-hie/interlock/internal/domain/message"
	"github.com/interlock-hie/interlock/internal/domain/script"
	"github.com/interlock-hie/interlock/pkg/datatype"
)

// memStore is an in-memory message.Store for pipeline tests.
type memStore struct {
	mu       sync.Mutex
	seq      int64
	messages map[int64]*message.Message
	cms      map[string]*message.ConnectorMessage
	contents map[string]*message.Content
	// statusHistory records every persisted status per connector message.
	statusHistory map[string][]message.Status
	statDeltas    [][]message.StatisticsDelta
	attachments   map[int64][]*message.Attachment
}

func newMemStore() *memStore {
	return &memStore{
		messages:      make(map[int64]*message.Message),
		cms:           make(map[string]*message.ConnectorMessage),
		contents:      make(map[string]*message.Content),
		statusHistory: make(map[string][]message.Status),
		attachments:   make(map[int64][]*message.Attachment),
	}
}

func cmKey(messageID int64, metaDataID int) string {
	return fmt.Sprintf("%d/%d", messageID, metaDataID)
}

func contentKey(messageID int64, metaDataID int, ct message.ContentType) string {
	return fmt.Sprintf("%d/%d/%d", messageID, metaDataID, int(ct))
}

func (m *memStore) EnsureChannel(_ context.Context, _ string) (int64, error) { return 1, nil }
func (m *memStore) RemoveChannel(_ context.Context, _ string) error         { return nil }
func (m *memStore) Close() error                                            { return nil }

func (m *memStore) NextMessageID(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *memStore) InTransaction(_ context.Context, fn func(tx message.Ops) error) error {
	return fn(m)
}

func (m *memStore) InsertMessage(_ context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *msg
	stored.ConnectorMessages = make(map[int]*message.ConnectorMessage)
	m.messages[msg.MessageID] = &stored
	return nil
}

func (m *memStore) MarkProcessed(_ context.Context, _ string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return message.ErrMessageNotFound
	}
	msg.Processed = true
	return nil
}

func (m *memStore) ResetMessage(_ context.Context, _ string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return message.ErrMessageNotFound
	}
	msg.Processed = false
	for _, cm := range m.cms {
		if cm.MessageID == messageID && cm.MetaDataID > 0 {
			cm.Status = message.Pending
			cm.SendAttempts = 0
			cm.SendDate = time.Time{}
			cm.ResponseDate = time.Time{}
			cm.ErrorCode = 0
		}
	}
	return nil
}

func (m *memStore) DeleteMessage(_ context.Context, _ string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, messageID)
	for k, cm := range m.cms {
		if cm.MessageID == messageID {
			delete(m.cms, k)
		}
	}
	for k, c := range m.contents {
		if c.MessageID == messageID {
			delete(m.contents, k)
		}
	}
	delete(m.attachments, messageID)
	return nil
}

func (m *memStore) InsertConnectorMessage(_ context.Context, cm *message.ConnectorMessage, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *cm
	key := cmKey(cm.MessageID, cm.MetaDataID)
	m.cms[key] = &stored
	m.statusHistory[key] = append(m.statusHistory[key], cm.Status)
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, cm *message.ConnectorMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cmKey(cm.MessageID, cm.MetaDataID)
	stored, ok := m.cms[key]
	if !ok {
		return message.ErrMessageNotFound
	}
	stored.Status = cm.Status
	stored.SendAttempts = cm.SendAttempts
	stored.SendDate = cm.SendDate
	stored.ResponseDate = cm.ResponseDate
	stored.ErrorCode = cm.ErrorCode
	m.statusHistory[key] = append(m.statusHistory[key], cm.Status)
	return nil
}

func (m *memStore) GetConnectorMessages(_ context.Context, _ string, messageID int64, statuses []message.Status) ([]*message.ConnectorMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match := make(map[message.Status]bool, len(statuses))
	for _, st := range statuses {
		match[st] = true
	}
	var out []*message.ConnectorMessage
	for metaDataID := 0; metaDataID < 100; metaDataID++ {
		cm, ok := m.cms[cmKey(messageID, metaDataID)]
		if !ok {
			continue
		}
		if len(statuses) > 0 && !match[cm.Status] {
			continue
		}
		clone := *cm
		clone.Content = make(map[message.ContentType]*message.Content)
		clone.ChannelMap = message.NewKeyMap()
		clone.ConnectorMap = message.NewKeyMap()
		clone.ResponseMap = message.NewKeyMap()
		clone.SourceMap = message.NewSourceMap(nil)
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) GetConnectorMessageStatuses(_ context.Context, _ string, messageID int64) (map[int]message.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]message.Status)
	for _, cm := range m.cms {
		if cm.MessageID == messageID {
			out[cm.MetaDataID] = cm.Status
		}
	}
	return out, nil
}

func (m *memStore) StoreContent(_ context.Context, _ string, c *message.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *c
	m.contents[contentKey(c.MessageID, c.MetaDataID, c.ContentType)] = &stored
	return nil
}

func (m *memStore) GetContent(_ context.Context, _ string, messageID int64, metaDataID int, ct message.ContentType) (*message.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[contentKey(messageID, metaDataID, ct)]
	if !ok {
		return nil, message.ErrMessageNotFound
	}
	clone := *c
	return &clone, nil
}

func (m *memStore) DeleteMessageContent(_ context.Context, _ string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.contents {
		if c.MessageID == messageID {
			delete(m.contents, k)
		}
	}
	return nil
}

func (m *memStore) DeleteConnectorContent(_ context.Context, _ string, messageID int64, metaDataID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.contents {
		if c.MessageID == messageID && c.MetaDataID == metaDataID {
			delete(m.contents, k)
		}
	}
	return nil
}

func (m *memStore) InsertAttachment(_ context.Context, _ string, a *message.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[a.MessageID] = append(m.attachments[a.MessageID], a)
	return nil
}

func (m *memStore) GetAttachments(_ context.Context, _ string, messageID int64) ([]*message.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*message.Attachment(nil), m.attachments[messageID]...), nil
}

func (m *memStore) DeleteAttachments(_ context.Context, _ string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attachments, messageID)
	return nil
}

func (m *memStore) GetUnfinishedMessages(_ context.Context, channelID, serverID string) ([]*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*message.Message
	for id := int64(1); id <= m.seq; id++ {
		msg, ok := m.messages[id]
		if !ok || msg.Processed || msg.ServerID != serverID {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) GetQueuedConnectorMessages(_ context.Context, _ string, metaDataID int, _ int) ([]*message.ConnectorMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*message.ConnectorMessage
	for id := int64(1); id <= m.seq; id++ {
		cm, ok := m.cms[cmKey(id, metaDataID)]
		if !ok || cm.Status != message.Queued {
			continue
		}
		clone := *cm
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) UpdateStatistics(_ context.Context, _ string, deltas []message.StatisticsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statDeltas = append(m.statDeltas, deltas)
	return nil
}

func (m *memStore) GetStatistics(_ context.Context, _ string) ([]message.StatisticsSnapshot, error) {
	return nil, nil
}

func (m *memStore) ResetStatistics(_ context.Context, _ string, _ []int, _ string) error {
	return nil
}

var _ message.Store = (*memStore)(nil)

// connectorStatus reads the persisted status of one connector message.
func (m *memStore) connectorStatus(messageID int64, metaDataID int) (message.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.cms[cmKey(messageID, metaDataID)]
	if !ok {
		return "", false
	}
	return cm.Status, true
}

func (m *memStore) connectorExists(messageID int64, metaDataID int) bool {
	_, ok := m.connectorStatus(messageID, metaDataID)
	return ok
}

func (m *memStore) contentValue(messageID int64, metaDataID int, ct message.ContentType) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[contentKey(messageID, metaDataID, ct)]
	if !ok {
		return "", false
	}
	return c.Value, true
}

func (m *memStore) history(messageID int64, metaDataID int) []message.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message.Status(nil), m.statusHistory[cmKey(messageID, metaDataID)]...)
}

func (m *memStore) processed(messageID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	return ok && msg.Processed
}

// stubExecutor maps script source text to canned behavior.
type stubExecutor struct {
	mu      sync.Mutex
	scripts map[string]func(scope script.Scope) (any, error)
	calls   []string
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{scripts: make(map[string]func(scope script.Scope) (any, error))}
}

func (e *stubExecutor) on(source string, fn func(scope script.Scope) (any, error)) {
	e.scripts[source] = fn
}

func (e *stubExecutor) Execute(_ context.Context, source string, scope script.Scope) (any, error) {
	e.mu.Lock()
	e.calls = append(e.calls, source)
	fn := e.scripts[source]
	e.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no stub for script %q", source)
	}
	return fn(scope)
}

var _ script.Executor = (*stubExecutor)(nil)

// fakeDest is a scriptable destination adapter.
type fakeDest struct {
	mu    sync.Mutex
	sends []string
	// results are consumed per call; the last result repeats.
	results []func() (*message.Response, error)
	calls   int
}

func (f *fakeDest) Start(context.Context) error { return nil }
func (f *fakeDest) Stop(context.Context) error  { return nil }

func (f *fakeDest) Send(_ context.Context, cm *message.ConnectorMessage) (*message.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoded, _ := cm.GetContent(message.ContentEncoded)
	f.sends = append(f.sends, encoded)
	idx := f.calls
	f.calls++
	if len(f.results) == 0 {
		return &message.Response{Status: message.Sent, Message: "ok"}, nil
	}
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]()
}

func (f *fakeDest) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDest) sentPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

var _ DestinationAdapter = (*fakeDest)(nil)

func okResult() func() (*message.Response, error) {
	return func() (*message.Response, error) {
		return &message.Response{Status: message.Sent, Message: "ok"}, nil
	}
}

func connRefused() func() (*message.Response, error) {
	return func() (*message.Response, error) {
		return nil, NewConnectionError("send", errors.New("connect: connection refused"))
	}
}

// passthroughFT is a filter/transformer with no rules or steps over the XML
// passthrough data type.
func passthroughFT() *FilterTransformer {
	return &FilterTransformer{Inbound: datatype.XML{}, Outbound: datatype.XML{}}
}

// newTestChannel builds a stopped channel over the in-memory store.
func newTestChannel(store message.Store, exec script.Executor, storage message.StorageSettings) *Channel {
	ch := New(Config{
		ID:       "test-channel",
		Name:     "Test Channel",
		ServerID: "server-a",
		Storage:  storage,
	}, store, exec, maps.NewManager(), nil, nil)
	ch.SetSource(SourceSettings{
		Name:                   "Source",
		RespondAfterProcessing: true,
		FilterTransformer:      passthroughFT(),
	}, nil)
	return ch
}

// markStarted flips the channel into the started state without running the
// full lifecycle, for tests that drive dispatch directly.
func (ch *Channel) markStarted() {
	ch.mu.Lock()
	ch.state = StateStarted
	ch.stopCh = make(chan struct{})
	ch.haltCtx, ch.haltStop = context.WithCancel(context.Background())
	ch.mu.Unlock()
}

package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// MessageEvent describes one tracked status transition, emitted for
// dashboards and metrics.
type MessageEvent struct {
	ChannelID  string
	MetaDataID int
	MessageID  int64
	Status     message.Status
	Timestamp  time.Time
}

// EventSink receives message events. Implementations must not block.
type EventSink interface {
	Dispatch(ev MessageEvent)
}

// NopEventSink discards events.
type NopEventSink struct{}

// Dispatch discards the event.
func (NopEventSink) Dispatch(MessageEvent) {}

var _ EventSink = NopEventSink{}

type statsKey struct {
	metaDataID int
	serverID   string
}

// Statistics is the authoritative in-memory counter set for one channel,
// keyed by (metaDataID, serverID). Only tracked statuses change counters;
// a transition involving a non-tracked status on either side is ignored for
// that side.
type Statistics struct {
	channelID      string
	sendEvents     bool
	allowNegatives bool
	sink           EventSink

	mu       sync.Mutex
	counters map[statsKey]*message.StatisticsSnapshot
}

// NewStatistics creates a counter set for a channel. Events go to sink when
// sendEvents is true.
func NewStatistics(channelID string, sendEvents bool, sink EventSink) *Statistics {
	if sink == nil {
		sink = NopEventSink{}
	}
	return &Statistics{
		channelID:  channelID,
		sendEvents: sendEvents,
		sink:       sink,
		counters:   make(map[statsKey]*message.StatisticsSnapshot),
	}
}

// Load seeds the counters from persisted rows, replacing current state.
func (s *Statistics) Load(rows []message.StatisticsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[statsKey]*message.StatisticsSnapshot, len(rows))
	for _, row := range rows {
		r := row
		s.counters[statsKey{row.MetaDataID, row.ServerID}] = &r
	}
}

// UpdateStatus records a transition for one connector. The previous status
// (when tracked) is decremented, floored at zero unless allowNegatives; the
// new status (when tracked) is incremented. An event is emitted for the new
// status when events are enabled.
func (s *Statistics) UpdateStatus(metaDataID int, serverID string, messageID int64, newStatus, previousStatus message.Status) {
	if !newStatus.Tracked() && !previousStatus.Tracked() {
		return
	}

	s.mu.Lock()
	row := s.row(metaDataID, serverID)
	if previousStatus.Tracked() {
		s.adjust(row, previousStatus, -1)
	}
	if newStatus.Tracked() {
		s.adjust(row, newStatus, 1)
	}
	s.mu.Unlock()

	if s.sendEvents && newStatus.Tracked() {
		s.sink.Dispatch(MessageEvent{
			ChannelID:  s.channelID,
			MetaDataID: metaDataID,
			MessageID:  messageID,
			Status:     newStatus,
			Timestamp:  time.Now(),
		})
	}
}

// row returns the counter row for a key, creating it on first use.
// Caller holds the mutex.
func (s *Statistics) row(metaDataID int, serverID string) *message.StatisticsSnapshot {
	k := statsKey{metaDataID, serverID}
	row, ok := s.counters[k]
	if !ok {
		row = &message.StatisticsSnapshot{MetaDataID: metaDataID, ServerID: serverID}
		s.counters[k] = row
	}
	return row
}

func (s *Statistics) adjust(row *message.StatisticsSnapshot, status message.Status, delta int64) {
	var field *int64
	switch status {
	case message.Received:
		field = &row.Received
	case message.Filtered:
		field = &row.Filtered
	case message.Sent:
		field = &row.Sent
	case message.Error:
		field = &row.Errored
	default:
		return
	}
	*field += delta
	if *field < 0 && !s.allowNegatives {
		*field = 0
	}
}

// Connector returns a snapshot of one connector's counters summed over all
// server ids.
func (s *Statistics) Connector(metaDataID int) message.StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := message.StatisticsSnapshot{MetaDataID: metaDataID}
	for k, row := range s.counters {
		if k.metaDataID != metaDataID {
			continue
		}
		out.Received += row.Received
		out.Filtered += row.Filtered
		out.Sent += row.Sent
		out.Errored += row.Errored
	}
	return out
}

// ChannelAggregate returns the channel-level row (metadata id 0), summed
// across servers. The row is maintained asymmetrically by the pipeline:
// RECEIVED comes from the source only, SENT from destinations only, FILTERED
// and ERROR from every connector.
func (s *Statistics) ChannelAggregate() message.StatisticsSnapshot {
	return s.Connector(0)
}

// Reset zeroes counters. Empty metaDataIDs resets every row; empty serverID
// matches all servers.
func (s *Statistics) Reset(metaDataIDs []int, serverID string) {
	match := make(map[int]bool, len(metaDataIDs))
	for _, id := range metaDataIDs {
		match[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, row := range s.counters {
		if len(match) > 0 && !match[k.metaDataID] {
			continue
		}
		if serverID != "" && k.serverID != serverID {
			continue
		}
		row.Received, row.Filtered, row.Sent, row.Errored = 0, 0, 0, 0
	}
}

// Accumulator batches statistics deltas for one flush cycle so that a
// pipeline pass touches the database once per connector rather than once per
// transition.
type Accumulator struct {
	serverID string

	mu     sync.Mutex
	deltas map[statsKey]map[message.Status]int64
}

// NewAccumulator creates an empty accumulator for the given server id.
func NewAccumulator(serverID string) *Accumulator {
	return &Accumulator{
		serverID: serverID,
		deltas:   make(map[statsKey]map[message.Status]int64),
	}
}

// Increment coalesces a delta for (metaDataID, status). Non-tracked statuses
// are ignored.
func (a *Accumulator) Increment(metaDataID int, status message.Status, n int64) {
	if !status.Tracked() || n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	k := statsKey{metaDataID, a.serverID}
	byStatus, ok := a.deltas[k]
	if !ok {
		byStatus = make(map[message.Status]int64)
		a.deltas[k] = byStatus
	}
	byStatus[status] += n
}

// Decrement coalesces a negative delta.
func (a *Accumulator) Decrement(metaDataID int, status message.Status, n int64) {
	a.Increment(metaDataID, status, -n)
}

// Flush drains the accumulated deltas into the store as a single ordered
// batch. Deltas are sorted metadata id ascending so the channel aggregate
// row (0) is always written first; concurrent channel-level and
// destination-level flushes then take row locks in the same order and cannot
// deadlock.
func (a *Accumulator) Flush(ctx context.Context, store message.Ops, channelID string) error {
	a.mu.Lock()
	pending := a.deltas
	a.deltas = make(map[statsKey]map[message.Status]int64)
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	deltas := make([]message.StatisticsDelta, 0, len(pending))
	for k, byStatus := range pending {
		for status, n := range byStatus {
			if n == 0 {
				continue
			}
			deltas = append(deltas, message.StatisticsDelta{
				MetaDataID: k.metaDataID,
				ServerID:   k.serverID,
				Status:     status,
				Delta:      n,
			})
		}
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].MetaDataID != deltas[j].MetaDataID {
			return deltas[i].MetaDataID < deltas[j].MetaDataID
		}
		return deltas[i].Status < deltas[j].Status
	})

	if len(deltas) == 0 {
		return nil
	}
	return store.UpdateStatistics(ctx, channelID, deltas)
}

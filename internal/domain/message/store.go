package message

import (
	"context"
	"errors"
)

// ErrMessageNotFound is returned for operations on a message id with no row.
var ErrMessageNotFound = errors.New("message not found")

// ErrChannelUnknown is returned when a channel id has no local channel
// mapping in the store.
var ErrChannelUnknown = errors.New("channel unknown to store")

// StatisticsDelta is one statistics adjustment emitted by the accumulator.
type StatisticsDelta struct {
	MetaDataID int
	ServerID   string
	Status     Status
	Delta      int64
}

// Ops is the operation set of the message store. Every operation is scoped to
// a channel id. Implementations run an Ops method either directly against the
// pool or inside a transaction handed out by Store.InTransaction; the pipeline
// decides the transaction boundary, the store decides the SQL.
type Ops interface {
	// InsertMessage persists the message row (never gated by storage mode).
	InsertMessage(ctx context.Context, m *Message) error
	// MarkProcessed flips the processed flag to true.
	MarkProcessed(ctx context.Context, channelID string, messageID int64) error
	// ResetMessage reopens a message: processed=false, destination connector
	// messages to PENDING with send bookkeeping cleared.
	ResetMessage(ctx context.Context, channelID string, messageID int64) error
	// DeleteMessage removes a message and all children in child-to-parent
	// order: content, attachments, custom metadata, connector messages, row.
	DeleteMessage(ctx context.Context, channelID string, messageID int64) error

	// InsertConnectorMessage persists the connector message row, optionally
	// together with its map content.
	InsertConnectorMessage(ctx context.Context, cm *ConnectorMessage, storeMaps bool) error
	// UpdateStatus persists status, send attempts, send/response dates and
	// error code from the connector message.
	UpdateStatus(ctx context.Context, cm *ConnectorMessage) error
	// GetConnectorMessages returns connector messages of one message whose
	// status is in the given set, ordered by metadata id.
	GetConnectorMessages(ctx context.Context, channelID string, messageID int64, statuses []Status) ([]*ConnectorMessage, error)
	// GetConnectorMessageStatuses returns metadata id -> status for one
	// message.
	GetConnectorMessageStatuses(ctx context.Context, channelID string, messageID int64) (map[int]Status, error)

	// StoreContent inserts or overwrites one content slot.
	StoreContent(ctx context.Context, channelID string, c *Content) error
	// GetContent loads one content slot, or ErrMessageNotFound.
	GetContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct ContentType) (*Content, error)
	// DeleteMessageContent removes all content rows for a message.
	DeleteMessageContent(ctx context.Context, channelID string, messageID int64) error
	// DeleteConnectorContent removes content rows for one connector message.
	DeleteConnectorContent(ctx context.Context, channelID string, messageID int64, metaDataID int) error

	// InsertAttachment persists one attachment segment.
	InsertAttachment(ctx context.Context, channelID string, a *Attachment) error
	// GetAttachments loads all attachment segments for a message.
	GetAttachments(ctx context.Context, channelID string, messageID int64) ([]*Attachment, error)
	// DeleteAttachments removes all attachments for a message.
	DeleteAttachments(ctx context.Context, channelID string, messageID int64) error

	// GetUnfinishedMessages returns messages with processed=false for the
	// given server id, connector messages included, ordered by message id.
	GetUnfinishedMessages(ctx context.Context, channelID, serverID string) ([]*Message, error)
	// GetQueuedConnectorMessages returns connector messages in QUEUED for one
	// destination, ordered by message id, up to limit (0 = no limit).
	GetQueuedConnectorMessages(ctx context.Context, channelID string, metaDataID int, limit int) ([]*ConnectorMessage, error)

	// UpdateStatistics applies the given deltas. Implementations must apply
	// them in the order given; callers sort metadata id ascending so the
	// channel aggregate row (0) is always touched first.
	UpdateStatistics(ctx context.Context, channelID string, deltas []StatisticsDelta) error
	// GetStatistics returns all statistics rows for a channel.
	GetStatistics(ctx context.Context, channelID string) ([]StatisticsSnapshot, error)
	// ResetStatistics zeroes counters. Empty metaDataIDs means all rows;
	// empty serverID means all servers.
	ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int, serverID string) error
}

// Store is the persistence port of the engine.
type Store interface {
	Ops

	// EnsureChannel creates (or adopts, depending on schema mode) the
	// per-channel tables and returns the local channel id.
	EnsureChannel(ctx context.Context, channelID string) (int64, error)
	// RemoveChannel drops the per-channel tables and the channel mapping.
	RemoveChannel(ctx context.Context, channelID string) error
	// NextMessageID allocates the next message id from the per-channel
	// sequence.
	NextMessageID(ctx context.Context, channelID string) (int64, error)
	// InTransaction runs fn against an Ops bound to a single transaction,
	// committing on nil and rolling back on error.
	InTransaction(ctx context.Context, fn func(tx Ops) error) error
	// Close releases the underlying pool.
	Close() error
}

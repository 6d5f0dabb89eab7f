// Package message defines the persistent data model of the engine: messages,
// per-connector state, content, attachments, and the storage policy that
// decides what persists at each pipeline stage.
package message

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a connector message, persisted as a single
// character.
type Status string

const (
	// Received is the initial status assigned inside the dispatch transaction.
	Received Status = "R"
	// Filtered means a filter rejected the message for this connector.
	Filtered Status = "F"
	// Transformed means the source transformer accepted and encoded the message.
	Transformed Status = "T"
	// Sent means the destination delivered the message.
	Sent Status = "S"
	// Queued means the destination send failed retryably and the message waits
	// in the destination queue.
	Queued Status = "Q"
	// Error is the terminal failure status.
	Error Status = "E"
	// Pending marks a destination connector message that has been reset and
	// not yet picked up by its chain.
	Pending Status = "P"
)

// Valid reports whether s is one of the seven persisted status codes.
func (s Status) Valid() bool {
	switch s {
	case Received, Filtered, Transformed, Sent, Queued, Error, Pending:
		return true
	}
	return false
}

// Terminal reports whether the normal pipeline will never overwrite s.
func (s Status) Terminal() bool {
	return s == Sent || s == Filtered || s == Error
}

// Tracked reports whether s participates in statistics. Only RECEIVED,
// FILTERED, SENT and ERROR are counted; everything else is invisible to the
// statistics tables.
func (s Status) Tracked() bool {
	return s == Received || s == Filtered || s == Sent || s == Error
}

func (s Status) String() string {
	switch s {
	case Received:
		return "RECEIVED"
	case Filtered:
		return "FILTERED"
	case Transformed:
		return "TRANSFORMED"
	case Sent:
		return "SENT"
	case Queued:
		return "QUEUED"
	case Error:
		return "ERROR"
	case Pending:
		return "PENDING"
	}
	return fmt.Sprintf("UNKNOWN(%s)", string(s))
}

// ContentType identifies one slot of message content. A connector message
// holds at most one value per content type; writes overwrite.
type ContentType int

const (
	ContentRaw ContentType = iota + 1
	ContentProcessedRaw
	ContentTransformed
	ContentEncoded
	ContentSent
	ContentResponse
	ContentResponseTransformed
	ContentProcessedResponse
	ContentSourceMap
	ContentConnectorMap
	ContentChannelMap
	ContentResponseMap
	ContentProcessingError
	ContentPostprocessorError
	ContentResponseError
)

var contentTypeNames = map[ContentType]string{
	ContentRaw:                 "RAW",
	ContentProcessedRaw:        "PROCESSED_RAW",
	ContentTransformed:         "TRANSFORMED",
	ContentEncoded:             "ENCODED",
	ContentSent:                "SENT",
	ContentResponse:            "RESPONSE",
	ContentResponseTransformed: "RESPONSE_TRANSFORMED",
	ContentProcessedResponse:   "PROCESSED_RESPONSE",
	ContentSourceMap:           "SOURCE_MAP",
	ContentConnectorMap:        "CONNECTOR_MAP",
	ContentChannelMap:          "CHANNEL_MAP",
	ContentResponseMap:         "RESPONSE_MAP",
	ContentProcessingError:     "PROCESSING_ERROR",
	ContentPostprocessorError:  "POSTPROCESSOR_ERROR",
	ContentResponseError:       "RESPONSE_ERROR",
}

func (c ContentType) String() string {
	if n, ok := contentTypeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// Message is one unit of work dispatched into a channel. Connector messages
// hang off it keyed by metadata id (0 = source, >0 = destinations).
type Message struct {
	MessageID    int64
	ChannelID    string
	ServerID     string
	ReceivedDate time.Time
	Processed    bool

	// OriginalID is set when this message was created by reprocessing another.
	OriginalID int64
	// ImportID is set when this message was imported from an archive.
	ImportID int64

	// ConnectorMessages maps metadata id to per-connector state. The map is
	// owned by the Message; connector messages hold no back-pointer.
	ConnectorMessages map[int]*ConnectorMessage
}

// NewMessage creates an unprocessed message shell.
func NewMessage(channelID string, messageID int64, serverID string, receivedDate time.Time) *Message {
	return &Message{
		MessageID:         messageID,
		ChannelID:         channelID,
		ServerID:          serverID,
		ReceivedDate:      receivedDate,
		ConnectorMessages: make(map[int]*ConnectorMessage),
	}
}

// Source returns the source connector message (metadata id 0), or nil.
func (m *Message) Source() *ConnectorMessage {
	return m.ConnectorMessages[0]
}

// ConnectorMessage is the per-connector state of a Message.
type ConnectorMessage struct {
	MessageID     int64
	MetaDataID    int
	ChannelID     string
	ChannelName   string
	ConnectorName string
	ServerID      string

	Status       Status
	ReceivedDate time.Time
	SendAttempts int
	SendDate     time.Time
	ResponseDate time.Time
	ErrorCode    int
	ChainID      int
	OrderID      int

	// Content slots, keyed by content type. Values are the decrypted form.
	Content map[ContentType]*Content

	// SourceMap is immutable after dispatch and shared by reference across
	// every connector message of one message.
	SourceMap *SourceMap
	// ChannelMap is shared by reference inside one chain and copied by value
	// into new chains.
	ChannelMap *KeyMap
	// ConnectorMap is private to this connector message.
	ConnectorMap *KeyMap
	// ResponseMap is shared across a chain so later destinations can read
	// earlier responses. Keys are destination names.
	ResponseMap *KeyMap

	// DestinationSet controls which downstream destinations are still
	// eligible to run in the current fan-out. Only meaningful on the source.
	DestinationSet *DestinationSet
}

// NewConnectorMessage creates a connector message in the given status with
// fresh connector-scoped maps. Shared maps (source, channel, response) are
// wired by the caller.
func NewConnectorMessage(channelID, channelName string, messageID int64, metaDataID int, connectorName, serverID string, status Status, receivedDate time.Time) *ConnectorMessage {
	return &ConnectorMessage{
		MessageID:     messageID,
		MetaDataID:    metaDataID,
		ChannelID:     channelID,
		ChannelName:   channelName,
		ConnectorName: connectorName,
		ServerID:      serverID,
		Status:        status,
		ReceivedDate:  receivedDate,
		Content:       make(map[ContentType]*Content),
		ConnectorMap:  NewKeyMap(),
		ResponseMap:   NewKeyMap(),
	}
}

// SetContent stores (overwrites) one content slot.
func (cm *ConnectorMessage) SetContent(ct ContentType, value, dataType string) {
	cm.Content[ct] = &Content{
		MessageID:   cm.MessageID,
		MetaDataID:  cm.MetaDataID,
		ContentType: ct,
		Value:       value,
		DataType:    dataType,
	}
}

// GetContent returns the value in a content slot, or "" and false.
func (cm *ConnectorMessage) GetContent(ct ContentType) (string, bool) {
	if c, ok := cm.Content[ct]; ok {
		return c.Value, true
	}
	return "", false
}

// Content is a single persisted content value.
type Content struct {
	MessageID   int64
	MetaDataID  int
	ContentType ContentType
	Value       string
	DataType    string
	Encrypted   bool
}

// Attachment is an optional large payload associated with a message. Large
// attachments are stored in segments.
type Attachment struct {
	ID        string
	MessageID int64
	SegmentID int
	Type      string
	Data      []byte
}

// Response is the outcome a destination connector reports for one send.
type Response struct {
	Status        Status
	Message       string
	StatusMessage string
	Error         string
}

// StatisticsSnapshot holds the tracked counters for one (metaDataID, serverID)
// row. The metadata id 0 row is the channel aggregate.
type StatisticsSnapshot struct {
	MetaDataID int
	ServerID   string
	Received   int64
	Filtered   int64
	Sent       int64
	Errored    int64
}

// Package sqlstore implements the message store on database/sql with the
// embedded sqlite driver. Every channel owns its own table set, named by the
// channel's local numeric id; a single D_CHANNELS table maps channel ids to
// local ids.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// SchemaMode decides how an existing schema is treated at boot.
type SchemaMode string

const (
	// ModeTakeover adopts an existing compatible schema and fails when none
	// exists.
	ModeTakeover SchemaMode = "takeover"
	// ModeStandalone bootstraps a fresh schema, dropping any existing
	// channel mapping table.
	ModeStandalone SchemaMode = "standalone"
	// ModeAuto adopts an existing schema or bootstraps a fresh one.
	ModeAuto SchemaMode = "auto"
)

// Config configures the store.
type Config struct {
	// DSN is the sqlite data source name (file path or ":memory:").
	DSN string
	// Mode selects takeover / standalone / auto schema handling.
	Mode SchemaMode
	// PoolSize caps open connections.
	PoolSize int
	// AcquireTimeout bounds waiting for a pooled connection.
	AcquireTimeout time.Duration
	// DeadlockRetries is the attempt count for lock-wait retries.
	DeadlockRetries int
	// Encryptor encrypts content at rest; nil stores plaintext.
	Encryptor Encryptor
}

func (c Config) deadlockRetries() int {
	if c.DeadlockRetries < 1 {
		return 3
	}
	return c.DeadlockRetries
}

// SQLStore implements message.Store.
type SQLStore struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	localIDs map[string]int64
}

// New opens the database and bootstraps the channel mapping table according
// to the schema mode.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
	}
	if cfg.DSN == ":memory:" {
		// An in-memory database exists per connection; a second pooled
		// connection would see an empty schema.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		localIDs: make(map[string]int64),
	}
	if err := s.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// acquireCtx bounds pool acquisition when configured.
func (s *SQLStore) acquireCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.AcquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.AcquireTimeout)
}

// InTransaction runs fn against ops bound to one transaction.
func (s *SQLStore) InTransaction(ctx context.Context, fn func(tx message.Ops) error) error {
	return s.withRetry(ctx, func() error {
		acqCtx, cancel := s.acquireCtx(ctx)
		tx, err := s.db.BeginTx(acqCtx, nil)
		cancel()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(&txOps{s: s, q: tx}); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// withRetry retries fn on lock-wait and busy errors with exponential backoff.
func (s *SQLStore) withRetry(ctx context.Context, fn func() error) error {
	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < s.cfg.deadlockRetries(); attempt++ {
		err = fn()
		if err == nil || !isLockError(err) {
			return err
		}
		s.logger.Warn("database locked, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// isLockError reports whether err is the driver's lock-wait / busy error.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// txOps is the Ops implementation bound to one transaction.
type txOps struct {
	s *SQLStore
	q querier
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Direct (non-transactional) Ops delegation -------------------------------

func (s *SQLStore) InsertMessage(ctx context.Context, m *message.Message) error {
	return s.ops().InsertMessage(ctx, m)
}

func (s *SQLStore) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	return s.ops().MarkProcessed(ctx, channelID, messageID)
}

func (s *SQLStore) ResetMessage(ctx context.Context, channelID string, messageID int64) error {
	return s.ops().ResetMessage(ctx, channelID, messageID)
}

func (s *SQLStore) DeleteMessage(ctx context.Context, channelID string, messageID int64) error {
	return s.ops().DeleteMessage(ctx, channelID, messageID)
}

func (s *SQLStore) InsertConnectorMessage(ctx context.Context, cm *message.ConnectorMessage, storeMaps bool) error {
	return s.ops().InsertConnectorMessage(ctx, cm, storeMaps)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, cm *message.ConnectorMessage) error {
	return s.ops().UpdateStatus(ctx, cm)
}

func (s *SQLStore) GetConnectorMessages(ctx context.Context, channelID string, messageID int64, statuses []message.Status) ([]*message.ConnectorMessage, error) {
	return s.ops().GetConnectorMessages(ctx, channelID, messageID, statuses)
}

func (s *SQLStore) GetConnectorMessageStatuses(ctx context.Context, channelID string, messageID int64) (map[int]message.Status, error) {
	return s.ops().GetConnectorMessageStatuses(ctx, channelID, messageID)
}

func (s *SQLStore) StoreContent(ctx context.Context, channelID string, c *message.Content) error {
	return s.ops().StoreContent(ctx, channelID, c)
}

func (s *SQLStore) GetContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct message.ContentType) (*message.Content, error) {
	return s.ops().GetContent(ctx, channelID, messageID, metaDataID, ct)
}

func (s *SQLStore) DeleteMessageContent(ctx context.Context, channelID string, messageID int64) error {
	return s.ops().DeleteMessageContent(ctx, channelID, messageID)
}

func (s *SQLStore) DeleteConnectorContent(ctx context.Context, channelID string, messageID int64, metaDataID int) error {
	return s.ops().DeleteConnectorContent(ctx, channelID, messageID, metaDataID)
}

func (s *SQLStore) InsertAttachment(ctx context.Context, channelID string, a *message.Attachment) error {
	return s.ops().InsertAttachment(ctx, channelID, a)
}

func (s *SQLStore) GetAttachments(ctx context.Context, channelID string, messageID int64) ([]*message.Attachment, error) {
	return s.ops().GetAttachments(ctx, channelID, messageID)
}

func (s *SQLStore) DeleteAttachments(ctx context.Context, channelID string, messageID int64) error {
	return s.ops().DeleteAttachments(ctx, channelID, messageID)
}

func (s *SQLStore) GetUnfinishedMessages(ctx context.Context, channelID, serverID string) ([]*message.Message, error) {
	return s.ops().GetUnfinishedMessages(ctx, channelID, serverID)
}

func (s *SQLStore) GetQueuedConnectorMessages(ctx context.Context, channelID string, metaDataID int, limit int) ([]*message.ConnectorMessage, error) {
	return s.ops().GetQueuedConnectorMessages(ctx, channelID, metaDataID, limit)
}

func (s *SQLStore) UpdateStatistics(ctx context.Context, channelID string, deltas []message.StatisticsDelta) error {
	return s.withRetry(ctx, func() error {
		return s.ops().UpdateStatistics(ctx, channelID, deltas)
	})
}

func (s *SQLStore) GetStatistics(ctx context.Context, channelID string) ([]message.StatisticsSnapshot, error) {
	return s.ops().GetStatistics(ctx, channelID)
}

func (s *SQLStore) ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int, serverID string) error {
	return s.ops().ResetStatistics(ctx, channelID, metaDataIDs, serverID)
}

func (s *SQLStore) ops() *txOps {
	return &txOps{s: s, q: s.db}
}

// Compile-time interface verification.
var _ message.Store = (*SQLStore)(nil)

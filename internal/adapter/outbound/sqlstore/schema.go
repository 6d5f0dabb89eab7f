package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// channelIDPattern is the accepted channel id format: uuid-style characters
// only, so ids can never smuggle SQL into generated table names.
var channelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,36}$`)

// ErrInvalidChannelID is returned for a channel id outside the accepted
// pattern.
var ErrInvalidChannelID = errors.New("invalid channel id")

// tableKinds are the per-channel table name prefixes.
const (
	tableMessages          = "D_M"
	tableConnectorMessages = "D_MM"
	tableContent           = "D_MC"
	tableAttachments       = "D_MA"
	tableStatistics        = "D_MS"
	tableSequence          = "D_MSQ"
	tableCustomMetadata    = "D_MCM"
)

func tableName(prefix string, localID int64) string {
	return fmt.Sprintf("%s%d", prefix, localID)
}

// bootstrap prepares the D_CHANNELS mapping table according to the schema
// mode.
func (s *SQLStore) bootstrap(ctx context.Context) error {
	switch s.cfg.Mode {
	case ModeTakeover:
		var name string
		err := s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name='D_CHANNELS'`).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("takeover mode: no existing D_CHANNELS schema found")
		}
		if err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		return nil
	case ModeStandalone:
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS D_CHANNELS`); err != nil {
			return fmt.Errorf("drop channel mapping: %w", err)
		}
		fallthrough
	case ModeAuto, "":
		_, err := s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS D_CHANNELS (
				CHANNEL_ID TEXT PRIMARY KEY,
				LOCAL_CHANNEL_ID INTEGER UNIQUE
			)`)
		if err != nil {
			return fmt.Errorf("create channel mapping: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown schema mode %q", s.cfg.Mode)
	}
}

// EnsureChannel creates (or adopts) the per-channel tables and returns the
// local channel id.
func (s *SQLStore) EnsureChannel(ctx context.Context, channelID string) (int64, error) {
	if !channelIDPattern.MatchString(channelID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannelID, channelID)
	}

	localID, err := s.localID(ctx, channelID)
	if errors.Is(err, message.ErrChannelUnknown) {
		localID, err = s.registerChannel(ctx, channelID)
	}
	if err != nil {
		return 0, err
	}

	if err := s.createChannelTables(ctx, localID); err != nil {
		return 0, err
	}
	return localID, nil
}

// registerChannel allocates the next local channel id and records the
// mapping.
func (s *SQLStore) registerChannel(ctx context.Context, channelID string) (int64, error) {
	var localID int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var maxID sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(LOCAL_CHANNEL_ID) FROM D_CHANNELS`).Scan(&maxID); err != nil {
			return err
		}
		localID = maxID.Int64 + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO D_CHANNELS (CHANNEL_ID, LOCAL_CHANNEL_ID) VALUES (?, ?)`,
			channelID, localID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("register channel %s: %w", channelID, err)
	}

	s.mu.Lock()
	s.localIDs[channelID] = localID
	s.mu.Unlock()
	return localID, nil
}

// localID resolves a channel id to its local id, caching hits.
func (s *SQLStore) localID(ctx context.Context, channelID string) (int64, error) {
	s.mu.RLock()
	localID, ok := s.localIDs[channelID]
	s.mu.RUnlock()
	if ok {
		return localID, nil
	}
	if !channelIDPattern.MatchString(channelID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannelID, channelID)
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT LOCAL_CHANNEL_ID FROM D_CHANNELS WHERE CHANNEL_ID = ?`,
		channelID).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, message.ErrChannelUnknown
	}
	if err != nil {
		return 0, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}

	s.mu.Lock()
	s.localIDs[channelID] = localID
	s.mu.Unlock()
	return localID, nil
}

// createChannelTables creates the fixed per-channel table set.
func (s *SQLStore) createChannelTables(ctx context.Context, localID int64) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ID INTEGER PRIMARY KEY,
			SERVER_ID TEXT NOT NULL,
			RECEIVED_DATE INTEGER NOT NULL,
			PROCESSED INTEGER NOT NULL DEFAULT 0,
			ORIGINAL_ID INTEGER,
			IMPORT_ID INTEGER
		)`, tableName(tableMessages, localID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ID INTEGER NOT NULL,
			MESSAGE_ID INTEGER NOT NULL,
			SERVER_ID TEXT NOT NULL,
			RECEIVED_DATE INTEGER NOT NULL,
			STATUS TEXT NOT NULL,
			CONNECTOR_NAME TEXT,
			SEND_ATTEMPTS INTEGER NOT NULL DEFAULT 0,
			SEND_DATE INTEGER,
			RESPONSE_DATE INTEGER,
			ERROR_CODE INTEGER NOT NULL DEFAULT 0,
			CHAIN_ID INTEGER NOT NULL DEFAULT 0,
			ORDER_ID INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (MESSAGE_ID, ID)
		)`, tableName(tableConnectorMessages, localID)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_STATUS_IDX ON %s (ID, STATUS)`,
			tableName(tableConnectorMessages, localID), tableName(tableConnectorMessages, localID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			MESSAGE_ID INTEGER NOT NULL,
			METADATA_ID INTEGER NOT NULL,
			CONTENT_TYPE INTEGER NOT NULL,
			CONTENT TEXT,
			DATA_TYPE TEXT,
			IS_ENCRYPTED INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID, CONTENT_TYPE)
		)`, tableName(tableContent, localID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ID TEXT NOT NULL,
			MESSAGE_ID INTEGER NOT NULL,
			SEGMENT_ID INTEGER NOT NULL,
			TYPE TEXT,
			ATTACHMENT BLOB,
			PRIMARY KEY (ID, MESSAGE_ID, SEGMENT_ID)
		)`, tableName(tableAttachments, localID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			METADATA_ID INTEGER NOT NULL,
			SERVER_ID TEXT NOT NULL,
			RECEIVED INTEGER NOT NULL DEFAULT 0,
			FILTERED INTEGER NOT NULL DEFAULT 0,
			SENT INTEGER NOT NULL DEFAULT 0,
			ERROR INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (METADATA_ID, SERVER_ID)
		)`, tableName(tableStatistics, localID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			LOCAL_CHANNEL_ID INTEGER NOT NULL
		)`, tableName(tableSequence, localID)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			MESSAGE_ID INTEGER NOT NULL,
			METADATA_ID INTEGER NOT NULL,
			PRIMARY KEY (MESSAGE_ID, METADATA_ID)
		)`, tableName(tableCustomMetadata, localID)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create channel tables: %w", err)
		}
	}

	// Seed the sequence row once.
	seq := tableName(tableSequence, localID)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+seq).Scan(&count); err != nil {
		return fmt.Errorf("inspect sequence: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO `+seq+` (LOCAL_CHANNEL_ID) VALUES (1)`); err != nil {
			return fmt.Errorf("seed sequence: %w", err)
		}
	}
	return nil
}

// RemoveChannel drops the per-channel tables and the mapping row.
func (s *SQLStore) RemoveChannel(ctx context.Context, channelID string) error {
	localID, err := s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	for _, prefix := range []string{
		tableContent, tableAttachments, tableCustomMetadata,
		tableConnectorMessages, tableMessages, tableStatistics, tableSequence,
	} {
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+tableName(prefix, localID)); err != nil {
			return fmt.Errorf("drop %s: %w", tableName(prefix, localID), err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM D_CHANNELS WHERE CHANNEL_ID = ?`, channelID); err != nil {
		return fmt.Errorf("remove channel mapping: %w", err)
	}
	s.mu.Lock()
	delete(s.localIDs, channelID)
	s.mu.Unlock()
	return nil
}

// NextMessageID allocates the next message id from the per-channel sequence.
func (s *SQLStore) NextMessageID(ctx context.Context, channelID string) (int64, error) {
	localID, err := s.localID(ctx, channelID)
	if err != nil {
		return 0, err
	}
	seq := tableName(tableSequence, localID)

	var id int64
	err = s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := tx.QueryRowContext(ctx, `SELECT LOCAL_CHANNEL_ID FROM `+seq).Scan(&id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE `+seq+` SET LOCAL_CHANNEL_ID = LOCAL_CHANNEL_ID + 1`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("allocate message id: %w", err)
	}
	return id, nil
}

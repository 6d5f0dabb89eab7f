package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// millis encodes a time as epoch milliseconds; the zero time maps to NULL.
func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// statColumn maps a tracked status to its statistics column. QUEUED maps to
// the SENT column for historical schema compatibility.
func statColumn(status message.Status) (string, bool) {
	switch status {
	case message.Received:
		return "RECEIVED", true
	case message.Filtered:
		return "FILTERED", true
	case message.Sent, message.Queued:
		return "SENT", true
	case message.Error:
		return "ERROR", true
	}
	return "", false
}

func (t *txOps) InsertMessage(ctx context.Context, m *message.Message) error {
	localID, err := t.s.localID(ctx, m.ChannelID)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO `+tableName(tableMessages, localID)+
			` (ID, SERVER_ID, RECEIVED_DATE, PROCESSED, ORIGINAL_ID, IMPORT_ID) VALUES (?, ?, ?, 0, ?, ?)`,
		m.MessageID, m.ServerID, m.ReceivedDate.UnixMilli(),
		nullableID(m.OriginalID), nullableID(m.ImportID))
	if err != nil {
		return fmt.Errorf("insert message %d: %w", m.MessageID, err)
	}
	return nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func (t *txOps) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx,
		`UPDATE `+tableName(tableMessages, localID)+` SET PROCESSED = 1 WHERE ID = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return message.ErrMessageNotFound
	}
	return nil
}

func (t *txOps) ResetMessage(ctx context.Context, channelID string, messageID int64) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx,
		`UPDATE `+tableName(tableMessages, localID)+` SET PROCESSED = 0 WHERE ID = ?`, messageID); err != nil {
		return fmt.Errorf("reset message %d: %w", messageID, err)
	}
	_, err = t.q.ExecContext(ctx,
		`UPDATE `+tableName(tableConnectorMessages, localID)+
			` SET STATUS = ?, SEND_ATTEMPTS = 0, SEND_DATE = NULL, RESPONSE_DATE = NULL, ERROR_CODE = 0`+
			` WHERE MESSAGE_ID = ? AND ID > 0`,
		string(message.Pending), messageID)
	if err != nil {
		return fmt.Errorf("reset connector messages %d: %w", messageID, err)
	}
	return nil
}

func (t *txOps) DeleteMessage(ctx context.Context, channelID string, messageID int64) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	// Child to parent order.
	for _, prefix := range []string{tableContent, tableAttachments, tableCustomMetadata, tableConnectorMessages} {
		if _, err := t.q.ExecContext(ctx,
			`DELETE FROM `+tableName(prefix, localID)+` WHERE MESSAGE_ID = ?`, messageID); err != nil {
			return fmt.Errorf("delete message %d children: %w", messageID, err)
		}
	}
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM `+tableName(tableMessages, localID)+` WHERE ID = ?`, messageID); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}

func (t *txOps) InsertConnectorMessage(ctx context.Context, cm *message.ConnectorMessage, storeMaps bool) error {
	localID, err := t.s.localID(ctx, cm.ChannelID)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO `+tableName(tableConnectorMessages, localID)+
			` (ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME, SEND_ATTEMPTS, CHAIN_ID, ORDER_ID)`+
			` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cm.MetaDataID, cm.MessageID, cm.ServerID, cm.ReceivedDate.UnixMilli(),
		string(cm.Status), cm.ConnectorName, cm.SendAttempts, cm.ChainID, cm.OrderID)
	if err != nil {
		return fmt.Errorf("insert connector message %d/%d: %w", cm.MessageID, cm.MetaDataID, err)
	}
	if !storeMaps {
		return nil
	}
	payloads := make(map[message.ContentType]any, 4)
	if cm.SourceMap != nil {
		payloads[message.ContentSourceMap] = cm.SourceMap
	}
	if cm.ChannelMap != nil {
		payloads[message.ContentChannelMap] = cm.ChannelMap
	}
	if cm.ConnectorMap != nil {
		payloads[message.ContentConnectorMap] = cm.ConnectorMap
	}
	if cm.ResponseMap != nil {
		payloads[message.ContentResponseMap] = cm.ResponseMap
	}
	for ct, m := range payloads {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("serialize %s: %w", ct, err)
		}
		if err := t.StoreContent(ctx, cm.ChannelID, &message.Content{
			MessageID:   cm.MessageID,
			MetaDataID:  cm.MetaDataID,
			ContentType: ct,
			Value:       string(data),
			DataType:    "JSON",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *txOps) UpdateStatus(ctx context.Context, cm *message.ConnectorMessage) error {
	localID, err := t.s.localID(ctx, cm.ChannelID)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`UPDATE `+tableName(tableConnectorMessages, localID)+
			` SET STATUS = ?, SEND_ATTEMPTS = ?, SEND_DATE = ?, RESPONSE_DATE = ?, ERROR_CODE = ?`+
			` WHERE MESSAGE_ID = ? AND ID = ?`,
		string(cm.Status), cm.SendAttempts, millis(cm.SendDate), millis(cm.ResponseDate), cm.ErrorCode,
		cm.MessageID, cm.MetaDataID)
	if err != nil {
		return fmt.Errorf("update status %d/%d: %w", cm.MessageID, cm.MetaDataID, err)
	}
	return nil
}

const connectorMessageColumns = `ID, MESSAGE_ID, SERVER_ID, RECEIVED_DATE, STATUS, CONNECTOR_NAME, SEND_ATTEMPTS, SEND_DATE, RESPONSE_DATE, ERROR_CODE, CHAIN_ID, ORDER_ID`

func (t *txOps) scanConnectorMessage(rows *sql.Rows, channelID string) (*message.ConnectorMessage, error) {
	var (
		cm                 message.ConnectorMessage
		status             string
		connName           sql.NullString
		received           int64
		sendDate, respDate sql.NullInt64
	)
	if err := rows.Scan(&cm.MetaDataID, &cm.MessageID, &cm.ServerID, &received, &status,
		&connName, &cm.SendAttempts, &sendDate, &respDate, &cm.ErrorCode, &cm.ChainID, &cm.OrderID); err != nil {
		return nil, err
	}
	cm.ChannelID = channelID
	cm.Status = message.Status(status)
	cm.ConnectorName = connName.String
	cm.ReceivedDate = time.UnixMilli(received)
	cm.SendDate = fromMillis(sendDate)
	cm.ResponseDate = fromMillis(respDate)
	cm.Content = make(map[message.ContentType]*message.Content)
	return &cm, nil
}

func (t *txOps) GetConnectorMessages(ctx context.Context, channelID string, messageID int64, statuses []message.Status) ([]*message.ConnectorMessage, error) {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + connectorMessageColumns + ` FROM ` + tableName(tableConnectorMessages, localID) +
		` WHERE MESSAGE_ID = ?`
	args := []any{messageID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND STATUS IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY ID`

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get connector messages %d: %w", messageID, err)
	}
	defer rows.Close()

	var out []*message.ConnectorMessage
	for rows.Next() {
		cm, err := t.scanConnectorMessage(rows, channelID)
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

func (t *txOps) GetConnectorMessageStatuses(ctx context.Context, channelID string, messageID int64) (map[int]message.Status, error) {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT ID, STATUS FROM `+tableName(tableConnectorMessages, localID)+` WHERE MESSAGE_ID = ?`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("get statuses %d: %w", messageID, err)
	}
	defer rows.Close()

	out := make(map[int]message.Status)
	for rows.Next() {
		var (
			metaDataID int
			status     string
		)
		if err := rows.Scan(&metaDataID, &status); err != nil {
			return nil, err
		}
		out[metaDataID] = message.Status(status)
	}
	return out, rows.Err()
}

func (t *txOps) StoreContent(ctx context.Context, channelID string, c *message.Content) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	value := c.Value
	encrypted := false
	if t.s.cfg.Encryptor != nil {
		enc, err := t.s.cfg.Encryptor.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypt content: %w", err)
		}
		value, encrypted = enc, true
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO `+tableName(tableContent, localID)+
			` (MESSAGE_ID, METADATA_ID, CONTENT_TYPE, CONTENT, DATA_TYPE, IS_ENCRYPTED) VALUES (?, ?, ?, ?, ?, ?)`+
			` ON CONFLICT (MESSAGE_ID, METADATA_ID, CONTENT_TYPE) DO UPDATE SET CONTENT = excluded.CONTENT,`+
			` DATA_TYPE = excluded.DATA_TYPE, IS_ENCRYPTED = excluded.IS_ENCRYPTED`,
		c.MessageID, c.MetaDataID, int(c.ContentType), value, c.DataType, encrypted)
	if err != nil {
		return fmt.Errorf("store %s content %d/%d: %w", c.ContentType, c.MessageID, c.MetaDataID, err)
	}
	return nil
}

func (t *txOps) GetContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct message.ContentType) (*message.Content, error) {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var (
		c         message.Content
		value     sql.NullString
		dataType  sql.NullString
		encrypted bool
	)
	err = t.q.QueryRowContext(ctx,
		`SELECT CONTENT, DATA_TYPE, IS_ENCRYPTED FROM `+tableName(tableContent, localID)+
			` WHERE MESSAGE_ID = ? AND METADATA_ID = ? AND CONTENT_TYPE = ?`,
		messageID, metaDataID, int(ct)).Scan(&value, &dataType, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, message.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s content %d/%d: %w", ct, messageID, metaDataID, err)
	}
	c.MessageID = messageID
	c.MetaDataID = metaDataID
	c.ContentType = ct
	c.Value = value.String
	c.DataType = dataType.String
	c.Encrypted = encrypted
	if encrypted && t.s.cfg.Encryptor != nil {
		plain, err := t.s.cfg.Encryptor.Decrypt(c.Value)
		if err != nil {
			// Degrade to stored-as-plaintext treatment rather than failing
			// the read.
			t.s.logger.Warn("content decrypt failed, returning stored form",
				"message_id", messageID, "metadata_id", metaDataID, "error", err)
		} else {
			c.Value = plain
		}
	}
	return &c, nil
}

func (t *txOps) DeleteMessageContent(ctx context.Context, channelID string, messageID int64) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`DELETE FROM `+tableName(tableContent, localID)+` WHERE MESSAGE_ID = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete content %d: %w", messageID, err)
	}
	return nil
}

func (t *txOps) DeleteConnectorContent(ctx context.Context, channelID string, messageID int64, metaDataID int) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`DELETE FROM `+tableName(tableContent, localID)+` WHERE MESSAGE_ID = ? AND METADATA_ID = ?`,
		messageID, metaDataID)
	if err != nil {
		return fmt.Errorf("delete connector content %d/%d: %w", messageID, metaDataID, err)
	}
	return nil
}

func (t *txOps) InsertAttachment(ctx context.Context, channelID string, a *message.Attachment) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO `+tableName(tableAttachments, localID)+
			` (ID, MESSAGE_ID, SEGMENT_ID, TYPE, ATTACHMENT) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.SegmentID, a.Type, a.Data)
	if err != nil {
		return fmt.Errorf("insert attachment %s/%d: %w", a.ID, a.SegmentID, err)
	}
	return nil
}

func (t *txOps) GetAttachments(ctx context.Context, channelID string, messageID int64) ([]*message.Attachment, error) {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT ID, SEGMENT_ID, TYPE, ATTACHMENT FROM `+tableName(tableAttachments, localID)+
			` WHERE MESSAGE_ID = ? ORDER BY ID, SEGMENT_ID`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get attachments %d: %w", messageID, err)
	}
	defer rows.Close()

	var out []*message.Attachment
	for rows.Next() {
		a := &message.Attachment{MessageID: messageID}
		var typ sql.NullString
		if err := rows.Scan(&a.ID, &a.SegmentID, &typ, &a.Data); err != nil {
			return nil, err
		}
		a.Type = typ.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txOps) DeleteAttachments(ctx context.Context, channelID string, messageID int64) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`DELETE FROM `+tableName(tableAttachments, localID)+` WHERE MESSAGE_ID = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete attachments %d: %w", messageID, err)
	}
	return nil
}

func (t *txOps) GetUnfinishedMessages(ctx context.Context, channelID, serverID string) ([]*message.Message, error) {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT ID, SERVER_ID, RECEIVED_DATE, PROCESSED FROM `+tableName(tableMessages, localID)+
			` WHERE PROCESSED = 0 AND SERVER_ID = ? ORDER BY ID`, serverID)
	if err != nil {
		return nil, fmt.Errorf("get unfinished messages: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		var (
			m        message.Message
			received int64
		)
		if err := rows.Scan(&m.MessageID, &m.ServerID, &received, &m.Processed); err != nil {
			return nil, err
		}
		m.ChannelID = channelID
		m.ReceivedDate = time.UnixMilli(received)
		m.ConnectorMessages = make(map[int]*message.ConnectorMessage)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range out {
		cms, err := t.GetConnectorMessages(ctx, channelID, m.MessageID, nil)
		if err != nil {
			return nil, err
		}
		for _, cm := range cms {
			m.ConnectorMessages[cm.MetaDataID] = cm
		}
	}
	return out, nil
}

func (t *txOps) GetQueuedConnectorMessages(ctx context.Context, channelID string, metaDataID int, limit int) ([]*message.ConnectorMessage, error) {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + connectorMessageColumns + ` FROM ` + tableName(tableConnectorMessages, localID) +
		` WHERE ID = ? AND STATUS = ? ORDER BY MESSAGE_ID`
	args := []any{metaDataID, string(message.Queued)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get queued connector messages: %w", err)
	}
	defer rows.Close()

	var out []*message.ConnectorMessage
	for rows.Next() {
		cm, err := t.scanConnectorMessage(rows, channelID)
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Hydrate what a send worker needs: the encoded payload and the maps.
	for _, cm := range out {
		t.hydrateConnectorMessage(ctx, channelID, cm)
	}
	return out, nil
}

// hydrateConnectorMessage restores content and maps for a re-read connector
// message. Missing slots are left empty; storage mode may have gated them.
func (t *txOps) hydrateConnectorMessage(ctx context.Context, channelID string, cm *message.ConnectorMessage) {
	for _, ct := range []message.ContentType{message.ContentRaw, message.ContentEncoded} {
		if c, err := t.GetContent(ctx, channelID, cm.MessageID, cm.MetaDataID, ct); err == nil {
			cm.Content[ct] = c
		}
	}

	cm.ChannelMap = message.NewKeyMap()
	cm.ConnectorMap = message.NewKeyMap()
	cm.ResponseMap = message.NewKeyMap()
	cm.SourceMap = message.NewSourceMap(nil)

	restore := func(ct message.ContentType, into *message.KeyMap) {
		c, err := t.GetContent(ctx, channelID, cm.MessageID, cm.MetaDataID, ct)
		if err != nil {
			return
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(c.Value), &m); err == nil {
			into.Replace(m)
		}
	}
	restore(message.ContentChannelMap, cm.ChannelMap)
	restore(message.ContentConnectorMap, cm.ConnectorMap)
	restore(message.ContentResponseMap, cm.ResponseMap)
	if c, err := t.GetContent(ctx, channelID, cm.MessageID, cm.MetaDataID, message.ContentSourceMap); err == nil {
		var m map[string]any
		if err := json.Unmarshal([]byte(c.Value), &m); err == nil {
			cm.SourceMap = message.NewSourceMap(m)
		}
	}
}

func (t *txOps) UpdateStatistics(ctx context.Context, channelID string, deltas []message.StatisticsDelta) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	table := tableName(tableStatistics, localID)
	for _, d := range deltas {
		col, ok := statColumn(d.Status)
		if !ok {
			continue
		}
		_, err := t.q.ExecContext(ctx,
			`INSERT INTO `+table+` (METADATA_ID, SERVER_ID, `+col+`) VALUES (?, ?, ?)`+
				` ON CONFLICT (METADATA_ID, SERVER_ID) DO UPDATE SET `+col+` = MAX(0, `+col+` + excluded.`+col+`)`,
			d.MetaDataID, d.ServerID, d.Delta)
		if err != nil {
			return fmt.Errorf("update statistics %d/%s: %w", d.MetaDataID, d.Status, err)
		}
	}
	return nil
}

func (t *txOps) GetStatistics(ctx context.Context, channelID string) ([]message.StatisticsSnapshot, error) {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT METADATA_ID, SERVER_ID, RECEIVED, FILTERED, SENT, ERROR FROM `+
			tableName(tableStatistics, localID)+` ORDER BY METADATA_ID`)
	if err != nil {
		return nil, fmt.Errorf("get statistics: %w", err)
	}
	defer rows.Close()

	var out []message.StatisticsSnapshot
	for rows.Next() {
		var snap message.StatisticsSnapshot
		if err := rows.Scan(&snap.MetaDataID, &snap.ServerID, &snap.Received, &snap.Filtered, &snap.Sent, &snap.Errored); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (t *txOps) ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int, serverID string) error {
	localID, err := t.s.localID(ctx, channelID)
	if err != nil {
		return err
	}
	query := `UPDATE ` + tableName(tableStatistics, localID) +
		` SET RECEIVED = 0, FILTERED = 0, SENT = 0, ERROR = 0`
	var (
		where []string
		args  []any
	)
	if len(metaDataIDs) > 0 {
		placeholders := make([]string, len(metaDataIDs))
		for i, id := range metaDataIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, `METADATA_ID IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if serverID != "" {
		where = append(where, `SERVER_ID = ?`)
		args = append(args, serverID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	if _, err := t.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("reset statistics: %w", err)
	}
	return nil
}

// Compile-time interface verification.
var _ message.Ops = (*txOps)(nil)

package channel

import (
	"context"
	"fmt"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// RecoveryResult summarizes one recovery sweep.
type RecoveryResult struct {
	Recovered int
	Errors    int
}

// recoveryErrorText is the PROCESSING_ERROR content written for a connector
// message resolved by recovery.
func recoveryErrorText(original message.Status) string {
	return fmt.Sprintf("Message recovered after server restart. Original status: %s", string(original))
}

// RunRecovery deterministically resolves in-flight messages left behind by a
// crash. It is scoped to this host's server id, so clustered hosts only
// touch their own work.
//
// Connector messages stuck in RECEIVED or PENDING transition to ERROR; the
// message is marked processed once no destination remains non-terminal.
// Messages whose destinations sit in QUEUED or TRANSFORMED are left for the
// queue workers to resume. Each message recovers in its own transaction and a
// failure is logged and skipped, never aborting the sweep. Re-running
// recovery on a recovered channel performs zero mutations.
func (ch *Channel) RunRecovery(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult

	msgs, err := ch.store.GetUnfinishedMessages(ctx, ch.cfg.ID, ch.cfg.ServerID)
	if err != nil {
		return result, fmt.Errorf("scan unfinished messages: %w", err)
	}

	for _, msg := range msgs {
		mutated, err := ch.recoverMessage(ctx, msg.MessageID)
		if err != nil {
			result.Errors++
			ch.logger.Error("message recovery failed",
				"message_id", msg.MessageID,
				"error", err,
			)
			continue
		}
		if mutated {
			result.Recovered++
		}
	}

	ch.flushStatistics(ctx)
	return result, nil
}

// recoverMessage resolves one message inside a dedicated transaction.
// Returns whether anything changed.
func (ch *Channel) recoverMessage(ctx context.Context, messageID int64) (bool, error) {
	var (
		mutated bool
		errored []int
	)
	err := ch.store.InTransaction(ctx, func(tx message.Ops) error {
		stuck, err := tx.GetConnectorMessages(ctx, ch.cfg.ID, messageID, []message.Status{message.Received, message.Pending})
		if err != nil {
			return err
		}
		for _, cm := range stuck {
			original := cm.Status
			cm.Status = message.Error
			if err := tx.UpdateStatus(ctx, cm); err != nil {
				return err
			}
			if err := tx.StoreContent(ctx, ch.cfg.ID, &message.Content{
				MessageID:   cm.MessageID,
				MetaDataID:  cm.MetaDataID,
				ContentType: message.ContentProcessingError,
				Value:       recoveryErrorText(original),
				DataType:    "TEXT",
			}); err != nil {
				return err
			}
			errored = append(errored, cm.MetaDataID)
			mutated = true
		}

		statuses, err := tx.GetConnectorMessageStatuses(ctx, ch.cfg.ID, messageID)
		if err != nil {
			return err
		}
		for metaDataID, status := range statuses {
			if metaDataID > 0 && !status.Terminal() {
				// A queued or transformed destination resumes via its queue
				// worker; the message stays open.
				return nil
			}
		}
		if err := tx.MarkProcessed(ctx, ch.cfg.ID, messageID); err != nil {
			return err
		}
		mutated = true
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, metaDataID := range errored {
		ch.recordTransition(metaDataID, messageID, message.Error)
	}
	return mutated, nil
}

package channel

import (
	"context"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// SourceAdapter is the concrete inbound transport in front of a channel. The
// adapter receives raw payloads from the outside world and injects them via
// Channel.DispatchRawMessage; the optional reply hook carries an
// acknowledgment back to the external peer.
type SourceAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SourceReplier is implemented by source adapters that send a reply to the
// external peer after dispatch. The contract of the reply payload is opaque
// to the engine.
type SourceReplier interface {
	Reply(ctx context.Context, responseStatus message.Status, responseMessage string) error
}

// SourceSettings configures the source connector of a channel.
type SourceSettings struct {
	Name string

	// RespondAfterProcessing decides synchronous versus queued dispatch.
	// When false the channel owns a source queue and DispatchRawMessage
	// returns as soon as the message is persisted in RECEIVED.
	RespondAfterProcessing bool
	// QueueBufferSize bounds the in-memory source queue (default 128).
	QueueBufferSize int

	FilterTransformer *FilterTransformer
}

func (s SourceSettings) queueBuffer() int {
	if s.QueueBufferSize < 1 {
		return 128
	}
	return s.QueueBufferSize
}

// sourceWork is one queued dispatch awaiting the source queue worker.
type sourceWork struct {
	msg *message.Message
}

// runSourceQueueWorker drains the source queue sequentially, running the full
// pipeline per message. Stop signals the worker by closing stopCh; the
// in-flight message completes before the worker exits.
func (ch *Channel) runSourceQueueWorker() {
	defer ch.wg.Done()
	for {
		select {
		case <-ch.stopCh:
			// Messages still buffered stay in RECEIVED; the recovery task
			// resolves them at the next start.
			return
		case w, ok := <-ch.sourceQueue:
			if !ok {
				return
			}
			ch.process(ch.haltableContext(), w.msg)
		}
	}
}

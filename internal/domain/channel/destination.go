package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/message"
	"github.com/interlock-hie/interlock/internal/domain/script"
)

// DestinationAdapter is the concrete outbound transport behind a destination.
// Send may block on network I/O; it must honor ctx cancellation so halt can
// abort in-flight calls. Thrown errors are classified by the adapter:
// *ConnectionError is retryable, *ApplicationError is not, anything else is a
// generic failure treated as non-retryable.
type DestinationAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Send delivers the ENCODED content of cm. A nil Response with nil error
	// means sent with no response payload.
	Send(ctx context.Context, cm *message.ConnectorMessage) (*message.Response, error)
}

// DestinationSettings configures one destination connector.
type DestinationSettings struct {
	MetaDataID int
	Name       string

	QueueEnabled bool
	Queue        QueueSettings

	// RetryCount is the number of in-process retries a send task performs
	// after the first failed attempt, sleeping RetryInterval between
	// attempts.
	RetryCount    int
	RetryInterval time.Duration

	FilterTransformer *FilterTransformer
	// ResponseSteps transform the response payload. In the response scope the
	// msg binding is the response body.
	ResponseSteps []TransformerStep
}

// Destination is the destination connector base: it runs the per-destination
// pipeline step (filter, transform, send, response transform) and owns the
// send workers when queueing is enabled.
type Destination struct {
	settings DestinationSettings
	adapter  DestinationAdapter
	ch       *Channel
	logger   *slog.Logger

	queue   *DestinationQueue
	workers sync.WaitGroup

	// sendCtx is cancelled by Halt to abort in-flight adapter calls.
	sendMu     sync.Mutex
	sendCtx    context.Context
	sendCancel context.CancelFunc
}

func newDestination(settings DestinationSettings, adapter DestinationAdapter, ch *Channel) *Destination {
	return &Destination{
		settings: settings,
		adapter:  adapter,
		ch:       ch,
		logger: ch.logger.With(
			"destination", settings.Name,
			"metadata_id", settings.MetaDataID,
		),
	}
}

// MetaDataID returns the destination's metadata id.
func (d *Destination) MetaDataID() int { return d.settings.MetaDataID }

// Name returns the destination's connector name.
func (d *Destination) Name() string { return d.settings.Name }

// QueueSize returns the logical destination queue depth, 0 when queueing is
// disabled.
func (d *Destination) QueueSize() int64 {
	if d.queue == nil {
		return 0
	}
	return d.queue.Size()
}

// start brings up the adapter and, for queue-enabled destinations, the queue
// and its send workers.
func (d *Destination) start(ctx context.Context) error {
	d.sendMu.Lock()
	d.sendCtx, d.sendCancel = context.WithCancel(context.Background())
	d.sendMu.Unlock()

	if err := d.adapter.Start(ctx); err != nil {
		return fmt.Errorf("start destination %s: %w", d.settings.Name, err)
	}

	if d.settings.QueueEnabled {
		metaDataID := d.settings.MetaDataID
		loader := func(ctx context.Context) ([]*message.ConnectorMessage, error) {
			return d.ch.store.GetQueuedConnectorMessages(ctx, d.ch.cfg.ID, metaDataID, 0)
		}
		d.queue = NewDestinationQueue(d.settings.Queue, loader)
		for bucket := 0; bucket < d.queue.Buckets(); bucket++ {
			d.workers.Add(1)
			go d.runWorker(bucket)
		}
	}
	return nil
}

// stop drains cooperatively: the queue is shut down, workers finish their
// current message, then the adapter stops.
func (d *Destination) stop(ctx context.Context) error {
	if d.queue != nil {
		d.queue.Shutdown()
	}
	d.workers.Wait()
	return d.adapter.Stop(ctx)
}

// halt aborts in-flight sends, then stops.
func (d *Destination) halt(ctx context.Context) error {
	d.sendMu.Lock()
	if d.sendCancel != nil {
		d.sendCancel()
	}
	d.sendMu.Unlock()
	return d.stop(ctx)
}

// markAsDeleted coordinates message deletion with the queue.
func (d *Destination) markAsDeleted(messageID int64) {
	if d.queue != nil {
		d.queue.MarkAsDeleted(messageID)
	}
}

// process runs the chain step for this destination: filter, transform, then
// either a direct send or an enqueue. Returns the final (possibly
// non-terminal) status reached in this step.
func (d *Destination) process(ctx context.Context, cm *message.ConnectorMessage) message.Status {
	scope := d.ch.scopeFor(cm)
	raw, _ := cm.GetContent(message.ContentRaw)

	result, err := d.settings.FilterTransformer.Process(ctx, d.ch.executor, scope, raw)
	if err != nil {
		d.recordProcessingError(ctx, cm, err)
		return cm.Status
	}

	if !result.Accepted {
		d.ch.setStatus(ctx, d.ch.store, cm, message.Filtered)
		d.ch.persistMaps(ctx, d.ch.store, cm)
		return cm.Status
	}

	d.ch.setStatus(ctx, d.ch.store, cm, message.Transformed)
	d.ch.storeContent(ctx, d.ch.store, cm, message.ContentTransformed, result.Transformed, "XML")
	d.ch.storeContent(ctx, d.ch.store, cm, message.ContentEncoded, result.Encoded, d.settings.FilterTransformer.Outbound.Name())
	d.ch.persistMaps(ctx, d.ch.store, cm)

	if d.settings.QueueEnabled {
		d.ch.setStatus(ctx, d.ch.store, cm, message.Queued)
		d.queue.Add(cm)
		return cm.Status
	}

	d.sendWithRetry(ctx, cm)
	return cm.Status
}

// runWorker is one send worker, bound to one queue bucket. Messages within a
// bucket are delivered in the order they were added.
func (d *Destination) runWorker(bucket int) {
	defer d.workers.Done()
	for {
		cm, ok := d.queue.Acquire(bucket)
		if !ok {
			return
		}
		if d.queue.ReleaseIfDeleted(cm) {
			continue
		}
		d.sendWithRetry(d.haltableContext(), cm)
		finished := cm.Status.Terminal()
		d.queue.Release(cm, finished)
		if finished {
			d.ch.checkCompletion(context.Background(), cm.MessageID)
		}
		d.ch.flushStatistics(context.Background())
	}
}

// haltableContext returns the context under which sends run; Halt cancels it.
func (d *Destination) haltableContext() context.Context {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if d.sendCtx != nil {
		return d.sendCtx
	}
	return context.Background()
}

// sendWithRetry performs one send task: an attempt plus up to RetryCount
// in-process retries on retryable failures. The terminal outcome depends on
// classification and queueing:
//
//   - success: SENT
//   - application negative: ERROR, regardless of queueing
//   - retryable failure, queue enabled: remains QUEUED for the next task
//   - retryable failure, queue disabled: ERROR
func (d *Destination) sendWithRetry(ctx context.Context, cm *message.ConnectorMessage) {
	var lastErr error
	for attempt := 0; attempt <= d.settings.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.settings.RetryInterval):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			lastErr = NewConnectionError("send", ctx.Err())
			break
		}

		cm.SendAttempts++
		cm.SendDate = time.Now()

		resp, err := d.adapter.Send(ctx, cm)
		if err == nil {
			d.recordSendSuccess(ctx, cm, resp)
			return
		}
		lastErr = err

		if !IsRetryable(err) {
			d.recordSendError(ctx, cm, err)
			return
		}

		// Persist the failed attempt so the row reflects progress even if the
		// process dies mid-retry.
		if d.settings.QueueEnabled {
			d.ch.setStatus(ctx, d.ch.store, cm, message.Queued)
		}
		d.logger.Warn("send attempt failed",
			"message_id", cm.MessageID,
			"attempt", cm.SendAttempts,
			"error", err,
		)
	}

	// Retries exhausted on a retryable failure.
	if d.settings.QueueEnabled {
		d.ch.setStatus(ctx, d.ch.store, cm, message.Queued)
		return
	}
	d.recordSendError(ctx, cm, lastErr)
}

// recordSendSuccess stores sent/response content, runs the response
// transformer, and finishes in SENT.
func (d *Destination) recordSendSuccess(ctx context.Context, cm *message.ConnectorMessage, resp *message.Response) {
	encoded, _ := cm.GetContent(message.ContentEncoded)
	d.ch.storeContent(ctx, d.ch.store, cm, message.ContentSent, encoded, d.settings.FilterTransformer.Outbound.Name())

	var responseBody string
	if resp != nil {
		responseBody = resp.Message
		// An application-layer negative surfaces as a response with ERROR
		// status even when the transport succeeded.
		if resp.Status == message.Error {
			d.ch.storeContent(ctx, d.ch.store, cm, message.ContentResponse, responseBody, "RAW")
			d.recordSendError(ctx, cm, NewApplicationError(resp.Error, nil))
			return
		}
	}
	d.ch.storeContent(ctx, d.ch.store, cm, message.ContentResponse, responseBody, "RAW")

	transformed, err := d.transformResponse(ctx, cm, resp, responseBody)
	if err != nil {
		d.ch.storeContent(ctx, d.ch.store, cm, message.ContentResponseError, err.Error(), "TEXT")
		cm.ResponseDate = time.Now()
		d.ch.setStatus(ctx, d.ch.store, cm, message.Error)
		return
	}
	if transformed != responseBody {
		d.ch.storeContent(ctx, d.ch.store, cm, message.ContentResponseTransformed, transformed, "RAW")
	}

	cm.ResponseMap.Put(d.settings.Name, map[string]any{
		"status":  message.Sent.String(),
		"message": transformed,
	})
	d.ch.persistMaps(ctx, d.ch.store, cm)

	cm.ResponseDate = time.Now()
	d.ch.setStatus(ctx, d.ch.store, cm, message.Sent)
}

// transformResponse runs the response transformer steps over the response
// payload. The msg binding carries the response body in this scope.
func (d *Destination) transformResponse(ctx context.Context, cm *message.ConnectorMessage, resp *message.Response, body string) (string, error) {
	if len(d.settings.ResponseSteps) == 0 {
		return body, nil
	}
	scope := d.ch.scopeFor(cm)
	scope.Msg = body
	scope.Response = body
	if resp != nil {
		scope.ResponseStatus = resp.Status.String()
		scope.ResponseStatusMessage = resp.StatusMessage
	}
	for _, step := range d.settings.ResponseSteps {
		result, err := d.ch.executor.Execute(ctx, step.Script, scope)
		if err != nil {
			return "", script.NewError("response", step.Script, err)
		}
		updates, err := script.ParseUpdates(result)
		if err != nil {
			return "", script.NewError("response", step.Script, err)
		}
		applyUpdates(&scope, updates)
	}
	return scope.Msg, nil
}

// recordSendError finishes the step in ERROR with error content.
func (d *Destination) recordSendError(ctx context.Context, cm *message.ConnectorMessage, err error) {
	if err != nil {
		d.ch.storeContent(ctx, d.ch.store, cm, message.ContentProcessingError, err.Error(), "TEXT")
	}
	cm.ResponseDate = time.Now()
	d.ch.setStatus(ctx, d.ch.store, cm, message.Error)
	d.logger.Error("destination send failed",
		"message_id", cm.MessageID,
		"attempts", cm.SendAttempts,
		"error", err,
	)
}

// recordProcessingError finishes the step in ERROR after a filter or
// transformer failure.
func (d *Destination) recordProcessingError(ctx context.Context, cm *message.ConnectorMessage, err error) {
	d.ch.storeContent(ctx, d.ch.store, cm, message.ContentProcessingError, err.Error(), "TEXT")
	d.ch.setStatus(ctx, d.ch.store, cm, message.Error)
	d.logger.Error("destination processing failed",
		"message_id", cm.MessageID,
		"error", err,
	)
}

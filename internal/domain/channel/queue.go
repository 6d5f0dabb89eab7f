package channel

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// QueueSettings configures a destination queue.
type QueueSettings struct {
	// Threads is the number of send workers and of buckets. Values below 1
	// are treated as 1.
	Threads int
	// GroupBy derives the bucketing key from a connector message. When nil
	// and Threads is above 1, messages are spread over the buckets by message
	// id; insertion order then holds within each bucket only.
	GroupBy func(cm *message.ConnectorMessage) string
	// Rotate moves a failed message to the back of its bucket instead of
	// blocking head-of-line.
	Rotate bool
}

func (s QueueSettings) threads() int {
	if s.Threads < 1 {
		return 1
	}
	return s.Threads
}

// QueueLoader re-reads queued connector messages from storage, ordered by
// message id. Used on Invalidate and after restart.
type QueueLoader func(ctx context.Context) ([]*message.ConnectorMessage, error)

// DestinationQueue is the durable queue in front of one destination. The
// persisted QUEUED rows are the source of truth; the queue keeps an in-memory
// buffer partitioned into per-worker buckets, tracks checked-out messages so
// concurrent workers never acquire the same message, and coordinates with
// delete operations.
type DestinationQueue struct {
	settings QueueSettings
	loader   QueueLoader

	mu         sync.Mutex
	cond       *sync.Cond
	buckets    [][]*message.ConnectorMessage
	buffered   map[int64]bool
	checkedOut map[int64]bool
	deleted    map[int64]bool
	size       int64
	invalid    bool
	shutdown   bool
}

// NewDestinationQueue creates an empty queue. The loader may be nil when the
// queue is purely in-memory (tests).
func NewDestinationQueue(settings QueueSettings, loader QueueLoader) *DestinationQueue {
	q := &DestinationQueue{
		settings:   settings,
		loader:     loader,
		buckets:    make([][]*message.ConnectorMessage, settings.threads()),
		buffered:   make(map[int64]bool),
		checkedOut: make(map[int64]bool),
		deleted:    make(map[int64]bool),
		invalid:    loader != nil, // first acquire loads leftover rows
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Buckets returns the number of buckets (= workers).
func (q *DestinationQueue) Buckets() int {
	return q.settings.threads()
}

// Size returns the logical number of unfinished queued messages.
func (q *DestinationQueue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *DestinationQueue) bucketFor(cm *message.ConnectorMessage) int {
	n := q.settings.threads()
	if n == 1 || q.settings.GroupBy == nil {
		if n == 1 {
			return 0
		}
		// No grouping key: spread by message id, preserving per-bucket FIFO.
		return int(uint64(cm.MessageID) % uint64(n))
	}
	return int(xxhash.Sum64String(q.settings.GroupBy(cm)) % uint64(n))
}

// Add appends a message to its bucket. The caller has already persisted the
// connector message in QUEUED.
func (q *DestinationQueue) Add(cm *message.ConnectorMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown || q.deleted[cm.MessageID] {
		return
	}
	q.size++
	if q.buffered[cm.MessageID] || q.checkedOut[cm.MessageID] {
		return
	}
	b := q.bucketFor(cm)
	q.buckets[b] = append(q.buckets[b], cm)
	q.buffered[cm.MessageID] = true
	q.cond.Broadcast()
}

// Acquire blocks until a message is available in the given bucket and checks
// it out, or returns false when the queue is shut down. A checked-out message
// is skipped by subsequent acquires until released.
func (q *DestinationQueue) Acquire(bucket int) (*message.ConnectorMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.shutdown {
			return nil, false
		}
		if q.invalid {
			q.reloadLocked()
		}
		if cm := q.popLocked(bucket); cm != nil {
			q.checkedOut[cm.MessageID] = true
			return cm, true
		}
		q.cond.Wait()
	}
}

// popLocked removes the head of the bucket, skipping deleted entries.
// Caller holds the mutex.
func (q *DestinationQueue) popLocked(bucket int) *message.ConnectorMessage {
	for len(q.buckets[bucket]) > 0 {
		cm := q.buckets[bucket][0]
		q.buckets[bucket] = q.buckets[bucket][1:]
		delete(q.buffered, cm.MessageID)
		if q.deleted[cm.MessageID] {
			continue
		}
		return cm
	}
	return nil
}

// Release checks the message back in. finished=true means the message
// reached a terminal status and leaves the queue; finished=false keeps it
// queued for retry, at the head of its bucket, or at the back when rotation
// is enabled.
func (q *DestinationQueue) Release(cm *message.ConnectorMessage, finished bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.checkedOut, cm.MessageID)
	if finished || q.deleted[cm.MessageID] {
		if q.size > 0 {
			q.size--
		}
		q.cond.Broadcast()
		return
	}
	b := q.bucketFor(cm)
	if q.settings.Rotate {
		q.buckets[b] = append(q.buckets[b], cm)
	} else {
		q.buckets[b] = append([]*message.ConnectorMessage{cm}, q.buckets[b]...)
	}
	q.buffered[cm.MessageID] = true
	q.cond.Broadcast()
}

// MarkAsDeleted flags a message so it never re-enters the pipeline. Buffered
// copies are discarded; a checked-out copy is discarded by the worker via
// ReleaseIfDeleted.
func (q *DestinationQueue) MarkAsDeleted(messageID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted[messageID] = true
	if q.buffered[messageID] {
		for b := range q.buckets {
			q.buckets[b] = discardMessage(q.buckets[b], messageID)
		}
		delete(q.buffered, messageID)
		if q.size > 0 {
			q.size--
		}
	}
	q.cond.Broadcast()
}

func discardMessage(bucket []*message.ConnectorMessage, messageID int64) []*message.ConnectorMessage {
	out := bucket[:0]
	for _, cm := range bucket {
		if cm.MessageID != messageID {
			out = append(out, cm)
		}
	}
	return out
}

// ReleaseIfDeleted discards a checked-out message that was deleted while in
// flight. Returns true when the message was deleted and the worker must not
// process it further.
func (q *DestinationQueue) ReleaseIfDeleted(cm *message.ConnectorMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.deleted[cm.MessageID] {
		return false
	}
	delete(q.checkedOut, cm.MessageID)
	if q.size > 0 {
		q.size--
	}
	delete(q.deleted, cm.MessageID)
	q.cond.Broadcast()
	return true
}

// Invalidate clears the in-memory buffer and forces the next acquire to
// re-read queued rows from storage.
func (q *DestinationQueue) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for b := range q.buckets {
		q.buckets[b] = nil
	}
	q.buffered = make(map[int64]bool)
	q.invalid = q.loader != nil
	q.cond.Broadcast()
}

// reloadLocked refills the buffer from storage, skipping checked-out and
// deleted messages. The mutex is dropped for the storage read. Caller holds
// the mutex.
func (q *DestinationQueue) reloadLocked() {
	q.invalid = false
	if q.loader == nil {
		return
	}
	q.mu.Unlock()
	cms, err := q.loader(context.Background())
	q.mu.Lock()
	if err != nil {
		// Leave the invalid flag set so the next acquire retries the read.
		q.invalid = true
		return
	}
	var size int64
	for _, cm := range cms {
		if q.deleted[cm.MessageID] {
			continue
		}
		size++
		if q.buffered[cm.MessageID] || q.checkedOut[cm.MessageID] {
			continue
		}
		b := q.bucketFor(cm)
		q.buckets[b] = append(q.buckets[b], cm)
		q.buffered[cm.MessageID] = true
	}
	// Checked-out messages are still logically queued.
	q.size = size + int64(len(q.checkedOut))
}

// Shutdown wakes all blocked acquires and makes further acquires fail.
func (q *DestinationQueue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

func queuedCM(messageID int64, groupKey string) *message.ConnectorMessage {
	cm := message.NewConnectorMessage("test-channel", "Test Channel", messageID, 1, "D1", "server-a", message.Queued, time.Now())
	cm.ChannelMap = message.NewKeyMap()
	cm.ChannelMap.Put("group", groupKey)
	return cm
}

func TestQueueFIFOWithinBucket(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 1}, nil)
	for i := int64(1); i <= 5; i++ {
		q.Add(queuedCM(i, ""))
	}

	for want := int64(1); want <= 5; want++ {
		cm, ok := q.Acquire(0)
		if !ok {
			t.Fatal("queue shut down unexpectedly")
		}
		if cm.MessageID != want {
			t.Errorf("acquired %d, want %d", cm.MessageID, want)
		}
		q.Release(cm, true)
	}
	if got := q.Size(); got != 0 {
		t.Errorf("size = %d, want 0", got)
	}
}

func TestQueueGroupByBucketsPreserveOrder(t *testing.T) {
	settings := QueueSettings{
		Threads: 4,
		GroupBy: func(cm *message.ConnectorMessage) string {
			v, _ := cm.ChannelMap.Get("group")
			return v.(string)
		},
	}
	q := NewDestinationQueue(settings, nil)

	// All messages of one group land in one bucket, in insertion order.
	for i := int64(1); i <= 6; i++ {
		q.Add(queuedCM(i, "patient-42"))
	}
	bucket := q.bucketFor(queuedCM(99, "patient-42"))
	for want := int64(1); want <= 6; want++ {
		cm, ok := q.Acquire(bucket)
		if !ok {
			t.Fatal("queue shut down unexpectedly")
		}
		if cm.MessageID != want {
			t.Errorf("acquired %d, want %d", cm.MessageID, want)
		}
		q.Release(cm, true)
	}
}

func TestQueueCheckedOutMessagesAreSkipped(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 1}, nil)
	q.Add(queuedCM(1, ""))
	q.Add(queuedCM(2, ""))

	first, _ := q.Acquire(0)
	second, _ := q.Acquire(0)
	if first.MessageID == second.MessageID {
		t.Error("same message acquired twice while checked out")
	}
	q.Release(first, true)
	q.Release(second, true)
}

func TestQueueRotationMovesFailedToBack(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 1, Rotate: true}, nil)
	q.Add(queuedCM(1, ""))
	q.Add(queuedCM(2, ""))

	cm, _ := q.Acquire(0)
	if cm.MessageID != 1 {
		t.Fatalf("acquired %d, want 1", cm.MessageID)
	}
	q.Release(cm, false)

	cm, _ = q.Acquire(0)
	if cm.MessageID != 2 {
		t.Errorf("rotation kept failed message at head, acquired %d", cm.MessageID)
	}
	q.Release(cm, true)
}

func TestQueueNoRotationKeepsFailedAtHead(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 1}, nil)
	q.Add(queuedCM(1, ""))
	q.Add(queuedCM(2, ""))

	cm, _ := q.Acquire(0)
	q.Release(cm, false)

	cm, _ = q.Acquire(0)
	if cm.MessageID != 1 {
		t.Errorf("head-of-line message not retried first, acquired %d", cm.MessageID)
	}
	q.Release(cm, true)
}

func TestQueueMarkAsDeleted(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 1}, nil)
	q.Add(queuedCM(1, ""))
	q.Add(queuedCM(2, ""))

	q.MarkAsDeleted(1)
	cm, _ := q.Acquire(0)
	if cm.MessageID != 2 {
		t.Errorf("deleted message acquired: %d", cm.MessageID)
	}
	q.Release(cm, true)
	if got := q.Size(); got != 0 {
		t.Errorf("size = %d, want 0", got)
	}
}

func TestQueueReleaseIfDeletedDiscardsInFlight(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 1}, nil)
	q.Add(queuedCM(1, ""))

	cm, _ := q.Acquire(0)
	q.MarkAsDeleted(cm.MessageID)
	if !q.ReleaseIfDeleted(cm) {
		t.Error("ReleaseIfDeleted = false for deleted in-flight message")
	}
	if got := q.Size(); got != 0 {
		t.Errorf("size = %d, want 0", got)
	}
}

func TestQueueInvalidateReloadsFromStorage(t *testing.T) {
	var mu sync.Mutex
	stored := []*message.ConnectorMessage{queuedCM(7, ""), queuedCM(8, "")}
	loader := func(ctx context.Context) ([]*message.ConnectorMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]*message.ConnectorMessage(nil), stored...), nil
	}

	q := NewDestinationQueue(QueueSettings{Threads: 1}, loader)
	// First acquire triggers the initial load.
	cm, ok := q.Acquire(0)
	if !ok || cm.MessageID != 7 {
		t.Fatalf("acquired %v, want message 7", cm)
	}
	q.Release(cm, true)

	q.Invalidate()
	cm, ok = q.Acquire(0)
	if !ok || cm.MessageID != 7 {
		t.Fatalf("reload after invalidate acquired %v, want message 7", cm)
	}
	q.Release(cm, true)
	q.Shutdown()
}

func TestQueueShutdownWakesBlockedAcquire(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 1}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := q.Acquire(0); ok {
			t.Error("acquire succeeded after shutdown")
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked acquire not woken by shutdown")
	}
}

func TestQueueConcurrentWorkersDrainDisjointMessages(t *testing.T) {
	q := NewDestinationQueue(QueueSettings{Threads: 4}, nil)
	const n = 100
	for i := int64(1); i <= n; i++ {
		q.Add(queuedCM(i, ""))
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for bucket := 0; bucket < 4; bucket++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for {
				cm, ok := q.Acquire(b)
				if !ok {
					return
				}
				mu.Lock()
				seen[cm.MessageID]++
				mu.Unlock()
				q.Release(cm, true)
				if q.Size() == 0 {
					q.Shutdown()
					return
				}
			}
		}(bucket)
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("drained %d distinct messages, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("message %d processed %d times", id, count)
		}
	}
}

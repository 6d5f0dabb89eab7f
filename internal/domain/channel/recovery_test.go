package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// seedMessage inserts an unprocessed message with the given connector
// statuses into the store.
func seedMessage(t *testing.T, store *memStore, messageID int64, serverID string, statuses map[int]message.Status) {
	t.Helper()
	ctx := context.Background()
	msg := message.NewMessage("test-channel", messageID, serverID, time.Now())
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	if messageID > store.seq {
		store.seq = messageID
	}
	store.mu.Unlock()
	for metaDataID, status := range statuses {
		cm := message.NewConnectorMessage("test-channel", "Test Channel", messageID, metaDataID, "conn", serverID, status, time.Now())
		if err := store.InsertConnectorMessage(ctx, cm, false); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecoveryResolvesReceivedAndPending(t *testing.T) {
	store := newMemStore()
	ch := newTestChannel(store, newStubExecutor(), message.SettingsForMode(message.StorageProduction))

	// M1: source crashed in RECEIVED. M2: source finished (TRANSFORMED is
	// not a recovery target on its own, but D1 is stuck in PENDING).
	seedMessage(t, store, 1, "server-a", map[int]message.Status{0: message.Received})
	seedMessage(t, store, 2, "server-a", map[int]message.Status{0: message.Transformed, 1: message.Pending})

	result, err := ch.RunRecovery(context.Background())
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if result.Recovered != 2 || result.Errors != 0 {
		t.Errorf("result = %+v, want recovered=2 errors=0", result)
	}

	if status, _ := store.connectorStatus(1, 0); status != message.Error {
		t.Errorf("M1 source status = %v, want ERROR", status)
	}
	if got, _ := store.contentValue(1, 0, message.ContentProcessingError); !strings.Contains(got, "Original status: R") {
		t.Errorf("M1 error content = %q, want original status R", got)
	}
	if status, _ := store.connectorStatus(2, 1); status != message.Error {
		t.Errorf("M2 D1 status = %v, want ERROR", status)
	}
	if got, _ := store.contentValue(2, 1, message.ContentProcessingError); !strings.Contains(got, "Original status: P") {
		t.Errorf("M2 error content = %q, want original status P", got)
	}
	if !store.processed(1) || !store.processed(2) {
		t.Error("recovered messages not marked processed")
	}

	stats := ch.GetStatistics()
	if stats.Errored != 2 {
		t.Errorf("aggregate ERROR = %d, want 2", stats.Errored)
	}
}

func TestRecoveryLeavesQueuedWorkAlone(t *testing.T) {
	store := newMemStore()
	ch := newTestChannel(store, newStubExecutor(), message.SettingsForMode(message.StorageProduction))

	seedMessage(t, store, 1, "server-a", map[int]message.Status{0: message.Sent, 1: message.Queued})

	result, err := ch.RunRecovery(context.Background())
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if result.Recovered != 0 {
		t.Errorf("recovered = %d, want 0", result.Recovered)
	}
	if status, _ := store.connectorStatus(1, 1); status != message.Queued {
		t.Errorf("queued destination status = %v, want untouched QUEUED", status)
	}
	if store.processed(1) {
		t.Error("message with queued destination marked processed")
	}
}

func TestRecoveryScopedToServerID(t *testing.T) {
	store := newMemStore()
	ch := newTestChannel(store, newStubExecutor(), message.SettingsForMode(message.StorageProduction))

	seedMessage(t, store, 1, "server-b", map[int]message.Status{0: message.Received})

	result, err := ch.RunRecovery(context.Background())
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if result.Recovered != 0 {
		t.Errorf("recovered = %d, want 0 (other host's work)", result.Recovered)
	}
	if status, _ := store.connectorStatus(1, 0); status != message.Received {
		t.Errorf("other host's message mutated: %v", status)
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	store := newMemStore()
	ch := newTestChannel(store, newStubExecutor(), message.SettingsForMode(message.StorageProduction))

	seedMessage(t, store, 1, "server-a", map[int]message.Status{0: message.Received})

	if _, err := ch.RunRecovery(context.Background()); err != nil {
		t.Fatalf("first recovery failed: %v", err)
	}
	result, err := ch.RunRecovery(context.Background())
	if err != nil {
		t.Fatalf("second recovery failed: %v", err)
	}
	if result.Recovered != 0 || result.Errors != 0 {
		t.Errorf("second sweep mutated state: %+v", result)
	}

	stats := ch.GetStatistics()
	if stats.Errored != 1 {
		t.Errorf("aggregate ERROR = %d, want 1 after two sweeps", stats.Errored)
	}
}

func TestResetMessageIsIdempotent(t *testing.T) {
	store := newMemStore()
	ch := newTestChannel(store, newStubExecutor(), message.SettingsForMode(message.StorageProduction))

	seedMessage(t, store, 1, "server-a", map[int]message.Status{0: message.Sent, 1: message.Error})
	if err := store.MarkProcessed(context.Background(), "test-channel", 1); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := ch.ResetMessage(context.Background(), 1); err != nil {
			t.Fatalf("reset %d failed: %v", i+1, err)
		}
	}
	if store.processed(1) {
		t.Error("reset message still processed")
	}
	if status, _ := store.connectorStatus(1, 1); status != message.Pending {
		t.Errorf("destination status = %v, want PENDING", status)
	}
	if status, _ := store.connectorStatus(1, 0); status != message.Sent {
		t.Errorf("source status = %v, want untouched SENT", status)
	}
}

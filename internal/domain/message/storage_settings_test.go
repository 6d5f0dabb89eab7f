package message

import "testing"

func TestSettingsForModePresets(t *testing.T) {
	tests := []struct {
		mode             StorageMode
		storeRaw         bool
		storeTransformed bool
		storeMaps        bool
		recovery         bool
	}{
		{StorageDevelopment, true, true, true, true},
		{StorageProduction, true, false, true, true},
		{StorageRaw, true, false, false, false},
		{StorageMetadata, false, false, false, true},
		{StorageDisabled, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			s := SettingsForMode(tt.mode)
			if s.StoreRaw != tt.storeRaw {
				t.Errorf("StoreRaw = %v, want %v", s.StoreRaw, tt.storeRaw)
			}
			if s.StoreTransformed != tt.storeTransformed {
				t.Errorf("StoreTransformed = %v, want %v", s.StoreTransformed, tt.storeTransformed)
			}
			if s.StoreMaps != tt.storeMaps {
				t.Errorf("StoreMaps = %v, want %v", s.StoreMaps, tt.storeMaps)
			}
			if s.MessageRecoveryEnabled != tt.recovery {
				t.Errorf("MessageRecoveryEnabled = %v, want %v", s.MessageRecoveryEnabled, tt.recovery)
			}
		})
	}
}

func TestStoresContentGating(t *testing.T) {
	prod := SettingsForMode(StorageProduction)

	if prod.StoresContent(ContentProcessedRaw, 0) {
		t.Error("PRODUCTION stores PROCESSED_RAW")
	}
	if !prod.StoresContent(ContentRaw, 0) {
		t.Error("PRODUCTION does not store RAW")
	}
	if !prod.StoresContent(ContentEncoded, 0) || !prod.StoresContent(ContentEncoded, 1) {
		t.Error("PRODUCTION does not store ENCODED")
	}
	// Error content persists whenever storage is enabled.
	if !prod.StoresContent(ContentProcessingError, 0) {
		t.Error("PRODUCTION does not store PROCESSING_ERROR")
	}

	disabled := SettingsForMode(StorageDisabled)
	if disabled.StoresContent(ContentRaw, 0) || disabled.StoresContent(ContentProcessingError, 0) {
		t.Error("DISABLED stores content")
	}

	raw := SettingsForMode(StorageRaw)
	if !raw.StoresContent(ContentRaw, 0) {
		t.Error("RAW mode does not store RAW")
	}
	if raw.StoresContent(ContentEncoded, 0) || raw.StoresContent(ContentSourceMap, 0) {
		t.Error("RAW mode stores more than raw content")
	}
}

func TestStatusClassification(t *testing.T) {
	terminal := []Status{Sent, Filtered, Error}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []Status{Received, Transformed, Queued, Pending} {
		if s.Terminal() {
			t.Errorf("%s terminal", s)
		}
	}
	for _, s := range []Status{Received, Filtered, Sent, Error} {
		if !s.Tracked() {
			t.Errorf("%s not tracked", s)
		}
	}
	for _, s := range []Status{Transformed, Queued, Pending} {
		if s.Tracked() {
			t.Errorf("%s tracked", s)
		}
	}
}

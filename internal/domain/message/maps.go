package message

import (
	"encoding/json"
	"sync"
)

// KeyMap is a mutable string-keyed map safe for concurrent access. Channel,
// connector and response maps are KeyMaps; the choice of sharing versus
// copying between connector messages is made by the pipeline, not here.
type KeyMap struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewKeyMap creates an empty KeyMap.
func NewKeyMap() *KeyMap {
	return &KeyMap{m: make(map[string]any)}
}

// Put sets a key.
func (k *KeyMap) Put(key string, value any) {
	k.mu.Lock()
	k.m[key] = value
	k.mu.Unlock()
}

// Get returns the value for key and whether it was present.
func (k *KeyMap) Get(key string) (any, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.m[key]
	return v, ok
}

// Delete removes a key.
func (k *KeyMap) Delete(key string) {
	k.mu.Lock()
	delete(k.m, key)
	k.mu.Unlock()
}

// Len returns the number of entries.
func (k *KeyMap) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.m)
}

// Snapshot returns a shallow copy of the underlying map.
func (k *KeyMap) Snapshot() map[string]any {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]any, len(k.m))
	for key, v := range k.m {
		out[key] = v
	}
	return out
}

// Replace swaps the full contents for the given entries.
func (k *KeyMap) Replace(entries map[string]any) {
	k.mu.Lock()
	k.m = make(map[string]any, len(entries))
	for key, v := range entries {
		k.m[key] = v
	}
	k.mu.Unlock()
}

// Copy returns a new KeyMap holding a shallow copy of the entries. Used when
// forking the channel map into a new destination chain.
func (k *KeyMap) Copy() *KeyMap {
	return &KeyMap{m: k.Snapshot()}
}

// MarshalJSON serializes the map contents for content persistence.
func (k *KeyMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Snapshot())
}

// UnmarshalJSON restores map contents from persisted form.
func (k *KeyMap) UnmarshalJSON(data []byte) error {
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	k.Replace(m)
	return nil
}

// SourceMap is the read-only map a source connector attaches at dispatch.
// It is shared by reference across every connector message of one message
// and never mutated after dispatch.
type SourceMap struct {
	m map[string]any
}

// NewSourceMap copies the given entries into an immutable SourceMap. A nil
// argument yields an empty map.
func NewSourceMap(entries map[string]any) *SourceMap {
	m := make(map[string]any, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &SourceMap{m: m}
}

// Get returns the value for key and whether it was present.
func (s *SourceMap) Get(key string) (any, bool) {
	v, ok := s.m[key]
	return v, ok
}

// Snapshot returns a shallow copy of the entries.
func (s *SourceMap) Snapshot() map[string]any {
	out := make(map[string]any, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// MarshalJSON serializes the map contents for content persistence.
func (s *SourceMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.m)
}

// DestinationSet tracks which destinations remain eligible during one
// fan-out. Scripts remove destinations by name or metadata id; removals
// affect only the current fan-out iteration.
type DestinationSet struct {
	mu sync.Mutex
	// byName maps destination name to metadata id for name-based removal.
	byName  map[string]int
	removed map[int]bool
}

// NewDestinationSet creates a set over the given name -> metadata id mapping.
func NewDestinationSet(byName map[string]int) *DestinationSet {
	names := make(map[string]int, len(byName))
	for n, id := range byName {
		names[n] = id
	}
	return &DestinationSet{
		byName:  names,
		removed: make(map[int]bool),
	}
}

// Remove marks the named destination as ineligible. Unknown names are
// ignored. Returns whether the name was known.
func (d *DestinationSet) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byName[name]
	if ok {
		d.removed[id] = true
	}
	return ok
}

// RemoveID marks a destination metadata id as ineligible.
func (d *DestinationSet) RemoveID(metaDataID int) {
	d.mu.Lock()
	d.removed[metaDataID] = true
	d.mu.Unlock()
}

// Enabled reports whether the destination with the given metadata id is still
// eligible to run.
func (d *DestinationSet) Enabled(metaDataID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.removed[metaDataID]
}

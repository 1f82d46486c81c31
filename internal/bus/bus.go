// Package bus implements the Context Bus: a shared, layered, file-backed KV
// store with TTL and provenance, used to inject cross-agent awareness into
// prompts.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"swarmcore/internal/filestore"
)

// Layer gates an entry's default TTL.
type Layer string

const (
	LayerTask    Layer = "TASK"
	LayerSession Layer = "SESSION"
	LayerShort   Layer = "SHORT"
	LayerLong    Layer = "LONG"
)

// Default TTLs by layer, per §3.4. LayerTask has no fixed TTL — it lives
// until the owning task reaches a terminal state, enforced by callers via
// ExpireForTask rather than a wall-clock deadline.
const (
	DefaultSessionTTL = 3600 * time.Second
	DefaultShortTTL   = 86400 * time.Second
)

// Provenance records where an entry came from.
type Provenance struct {
	Kind          string `json:"kind,omitempty"`
	SourceAgent   string `json:"source_agent,omitempty"`
	SourceChannel string `json:"source_channel,omitempty"`
	SourceTaskID  string `json:"source_task_id,omitempty"`
}

// Entry is a single namespaced context-bus record.
type Entry struct {
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Layer      Layer      `json:"layer"`
	TTLSeconds *float64   `json:"ttl_seconds,omitempty"`
	Timestamp  float64    `json:"timestamp"`
	Provenance Provenance `json:"provenance"`
	TaskID     string     `json:"task_id,omitempty"`
}

// namespacedKey returns the "{agent_id}:{key}" namespace per §3.4.
func namespacedKey(agentID, key string) string {
	return agentID + ":" + key
}

func (e *Entry) expired(now time.Time) bool {
	if e.TTLSeconds == nil {
		return false
	}
	deadline := time.Unix(0, int64(e.Timestamp*float64(time.Second))).Add(
		time.Duration(*e.TTLSeconds * float64(time.Second)))
	return now.After(deadline)
}

type busDoc struct {
	Entries map[string]*Entry `json:"entries"`
}

// Bus is the file-backed context bus.
type Bus struct {
	path string
	lock *filestore.Lock
	now  func() time.Time
}

// New creates a bus persisted at path (context_bus.json).
func New(path string) *Bus {
	return &Bus{path: path, lock: filestore.NewLock(path + ".lock"), now: time.Now}
}

// EnsureSchema creates the storage directory.
func (b *Bus) EnsureSchema(ctx context.Context) error {
	return filestore.EnsureParentDir(b.path)
}

func (b *Bus) readLocked() (map[string]*Entry, error) {
	data, err := filestore.ReadFileOrEmpty(b.path)
	if err != nil {
		return nil, fmt.Errorf("read bus: %w", err)
	}
	if len(data) == 0 {
		return map[string]*Entry{}, nil
	}
	var doc busDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode bus: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*Entry{}
	}
	return doc.Entries, nil
}

func (b *Bus) writeLocked(entries map[string]*Entry) error {
	data, err := filestore.MarshalJSONIndent(busDoc{Entries: entries})
	if err != nil {
		return fmt.Errorf("encode bus: %w", err)
	}
	return filestore.AtomicWrite(b.path, data, 0o600)
}

func defaultTTL(layer Layer) *float64 {
	switch layer {
	case LayerSession:
		v := DefaultSessionTTL.Seconds()
		return &v
	case LayerShort:
		v := DefaultShortTTL.Seconds()
		return &v
	case LayerLong, LayerTask:
		return nil
	default:
		return nil
	}
}

// Publish inserts or updates a namespaced entry under the exclusive lock.
// An explicit ttl (in seconds) overrides the layer default; pass nil to use
// the default.
func (b *Bus) Publish(ctx context.Context, agentID, key, value string, layer Layer, ttl *float64, prov Provenance) error {
	return b.lock.WithExclusive(ctx, func() error {
		entries, err := b.readLocked()
		if err != nil {
			return err
		}
		effectiveTTL := ttl
		if effectiveTTL == nil {
			effectiveTTL = defaultTTL(layer)
		}
		entries[namespacedKey(agentID, key)] = &Entry{
			Key:        key,
			Value:      value,
			Layer:      layer,
			TTLSeconds: effectiveTTL,
			Timestamp:  float64(b.now().UnixNano()) / float64(time.Second),
			Provenance: prov,
			TaskID:     prov.SourceTaskID,
		}
		return b.writeLocked(entries)
	})
}

// Get returns the entry for agent/key iff present and not expired. Expired
// entries are pruned lazily on read.
func (b *Bus) Get(ctx context.Context, agentID, key string) (*Entry, error) {
	var found *Entry
	err := b.lock.WithExclusive(ctx, func() error {
		entries, err := b.readLocked()
		if err != nil {
			return err
		}
		nk := namespacedKey(agentID, key)
		e, ok := entries[nk]
		if !ok {
			return nil
		}
		now := b.now()
		if e.expired(now) {
			delete(entries, nk)
			return b.writeLocked(entries)
		}
		cp := *e
		found = &cp
		return nil
	})
	return found, err
}

// Snapshot returns every unexpired entry, pruning expired ones as a side
// effect. Sorted by namespaced key for deterministic prompt assembly.
func (b *Bus) Snapshot(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	err := b.lock.WithExclusive(ctx, func() error {
		entries, err := b.readLocked()
		if err != nil {
			return err
		}
		now := b.now()
		pruned := false
		keys := make([]string, 0, len(entries))
		for k, e := range entries {
			if e.expired(now) {
				delete(entries, k)
				pruned = true
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cp := *entries[k]
			out = append(out, &cp)
		}
		if pruned {
			return b.writeLocked(entries)
		}
		return nil
	})
	return out, err
}

// ExpireForTask removes every TASK-layer entry whose provenance names
// taskID, called once the owning task reaches a terminal state.
func (b *Bus) ExpireForTask(ctx context.Context, taskID string) error {
	return b.lock.WithExclusive(ctx, func() error {
		entries, err := b.readLocked()
		if err != nil {
			return err
		}
		changed := false
		for k, e := range entries {
			if e.Layer == LayerTask && e.TaskID == taskID {
				delete(entries, k)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return b.writeLocked(entries)
	})
}

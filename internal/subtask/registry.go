package subtask

import (
	"context"
	"encoding/json"
	"fmt"

	"swarmcore/internal/filestore"
)

type registryDoc struct {
	// Children maps parent task id to its ordered child task ids.
	Children map[string][]string `json:"children"`
}

// Registry is the file-backed parent→children mapping (subtasks.json).
type Registry struct {
	path string
	lock *filestore.Lock
}

// NewRegistry creates a registry persisted at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, lock: filestore.NewLock(path + ".lock")}
}

func (r *Registry) readLocked() (registryDoc, error) {
	data, err := filestore.ReadFileOrEmpty(r.path)
	if err != nil {
		return registryDoc{}, fmt.Errorf("read subtask registry: %w", err)
	}
	doc := registryDoc{Children: map[string][]string{}}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return registryDoc{}, fmt.Errorf("decode subtask registry: %w", err)
	}
	if doc.Children == nil {
		doc.Children = map[string][]string{}
	}
	return doc, nil
}

func (r *Registry) writeLocked(doc registryDoc) error {
	data, err := filestore.MarshalJSONIndent(doc)
	if err != nil {
		return fmt.Errorf("encode subtask registry: %w", err)
	}
	return filestore.AtomicWrite(r.path, data, 0o600)
}

// Register records parentID's child ids, appending to any existing set.
func (r *Registry) Register(ctx context.Context, parentID string, childIDs []string) error {
	return r.lock.WithExclusive(ctx, func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		doc.Children[parentID] = append(doc.Children[parentID], childIDs...)
		return r.writeLocked(doc)
	})
}

// ChildrenOf returns the registered child ids for parentID.
func (r *Registry) ChildrenOf(ctx context.Context, parentID string) ([]string, error) {
	var out []string
	err := r.lock.WithShared(ctx, func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		out = append(out, doc.Children[parentID]...)
		return nil
	})
	return out, err
}

// Package definition implements the Definition Registry: an in-memory
// map of (id, version) -> WorkflowDefinition, with validation rules
// (duplicate/missing step references, malformed outcomes) enforced at
// registration time.
package definition

import (
	"fmt"
	"sort"
	"sync"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/model"
)

type key struct {
	id      string
	version int
}

// Registry holds registered WorkflowDefinitions. Safe for concurrent use.
// It is an in-memory map only, with no store behind it; §4.1 notes an
// in-memory and a store-backed registry look the same to the scheduler.
type Registry struct {
	mu   sync.RWMutex
	defs map[key]*model.WorkflowDefinition
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{defs: make(map[key]*model.WorkflowDefinition)}
}

// Register validates and inserts def. It rejects a duplicate (id,
// version) pair.
func (r *Registry) Register(def *model.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{def.ID, def.Version}
	if _, exists := r.defs[k]; exists {
		return werrors.New(model.ErrKindInvalidWorkflowDefinition,
			fmt.Sprintf("definition %s v%d already registered", def.ID, def.Version))
	}
	r.defs[k] = def
	return nil
}

// Get resolves (id, version) to a definition. When version is zero the
// highest registered version for id is returned.
func (r *Registry) Get(id string, version int) (*model.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == 0 {
		best := -1
		var found *model.WorkflowDefinition
		for k, d := range r.defs {
			if k.id == id && k.version > best {
				best = k.version
				found = d
			}
		}
		if found == nil {
			return nil, werrors.New(model.ErrKindWorkflowDefinitionNotFound, id)
		}
		return found, nil
	}

	d, ok := r.defs[key{id, version}]
	if !ok {
		return nil, werrors.New(model.ErrKindWorkflowDefinitionNotFound,
			fmt.Sprintf("%s v%d", id, version))
	}
	return d, nil
}

// List enumerates all registered definitions, ordered by id then version,
// for tooling (§4.1).
func (r *Registry) List() []*model.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.WorkflowDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

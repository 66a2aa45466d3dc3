package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/store/sqlite"
)

// ProgramStore persists program definitions.
type ProgramStore interface {
	SaveProgram(ctx context.Context, p sqlite.ProgramRecord) error
	ListPrograms(ctx context.Context) ([]sqlite.ProgramRecord, error)
}

// Registry implements cycle.ProgramProvider. Programs are built once and
// served from memory, so Program never touches the database and is safe to
// call inside a store transaction.
type Registry struct {
	factory *ProgramFactory
	store   ProgramStore

	mu       sync.RWMutex
	programs map[cycle.ProgramID]*cycle.Program
	configs  map[cycle.ProgramID]ProgramJSON
}

// NewRegistry creates a registry. store may be nil for memory-only use.
func NewRegistry(factory *ProgramFactory, store ProgramStore) *Registry {
	if factory == nil {
		factory = NewProgramFactory()
	}
	return &Registry{
		factory:  factory,
		store:    store,
		programs: make(map[cycle.ProgramID]*cycle.Program),
		configs:  make(map[cycle.ProgramID]ProgramJSON),
	}
}

// Register builds the program, persists its definition and makes it
// available to the cycle manager. Registering an existing id replaces it.
func (r *Registry) Register(ctx context.Context, pj ProgramJSON) (*cycle.Program, error) {
	program, err := r.factory.FromJSON(pj)
	if err != nil {
		return nil, err
	}

	if r.store != nil {
		data, err := json.Marshal(pj)
		if err != nil {
			return nil, fmt.Errorf("encode program: %w", err)
		}
		if err := r.store.SaveProgram(ctx, sqlite.ProgramRecord{
			ID:         pj.ID,
			Name:       pj.Name,
			ConfigJSON: string(data),
		}); err != nil {
			return nil, fmt.Errorf("save program: %w", err)
		}
	}

	r.mu.Lock()
	r.programs[program.ID] = program
	r.configs[program.ID] = pj
	r.mu.Unlock()
	return program, nil
}

// Load rebuilds every persisted program. It returns how many were loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.ListPrograms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list programs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		var pj ProgramJSON
		if err := json.Unmarshal([]byte(rec.ConfigJSON), &pj); err != nil {
			return 0, fmt.Errorf("decode program %s: %w", rec.ID, err)
		}
		program, err := r.factory.FromJSON(pj)
		if err != nil {
			return 0, fmt.Errorf("build program %s: %w", rec.ID, err)
		}
		r.programs[program.ID] = program
		r.configs[program.ID] = pj
	}
	return len(records), nil
}

// Program implements cycle.ProgramProvider.
func (r *Registry) Program(_ context.Context, id cycle.ProgramID) (*cycle.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cycle.ErrProgramNotFound, id)
	}
	return p, nil
}

// Config returns the definition a program was built from.
func (r *Registry) Config(id cycle.ProgramID) (ProgramJSON, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pj, ok := r.configs[id]
	return pj, ok
}

// List returns all program definitions ordered by name.
func (r *Registry) List() []ProgramJSON {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProgramJSON, 0, len(r.configs))
	for _, pj := range r.configs {
		out = append(out, pj)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Programs returns all built programs, ordered like List.
func (r *Registry) Programs() []*cycle.Program {
	configs := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*cycle.Program, 0, len(configs))
	for _, pj := range configs {
		if p, ok := r.programs[cycle.ProgramID(pj.ID)]; ok {
			out = append(out, p)
		}
	}
	return out
}

var _ cycle.ProgramProvider = (*Registry)(nil)

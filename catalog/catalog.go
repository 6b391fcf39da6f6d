// Package catalog implements the Workflow Catalog of spec §2/§3: the
// registry of versioned workflow definitions. A workflow name is never
// mutated once registered — a later registration under the same name
// creates a new, higher version instead, exactly like the teacher's own
// workflow-type registration being append-only across deploys.
package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal"
)

// Workflow is one catalog entry, per spec §3: a name/version pair, its
// opaque source blob, declared imports, and resource request.
type Workflow struct {
	Name            string
	Version         int
	Source          []byte
	Imports         []string
	ResourceRequest dispatcher.ResourceRequest
}

// Store is the durable backing of the catalog; persistence/postgres
// implements this against Postgres, Memory backs tests and single-node
// deployments.
type Store interface {
	// Register persists entry at the next version for its name (1 if
	// none exists yet) and returns the assigned version. Registration
	// never mutates or removes a prior version, per spec §3's "never
	// mutated; superseded by a higher version."
	Register(ctx context.Context, entry Workflow) (version int, err error)
	// Get returns the entry for name at version, or the highest version
	// registered for name when version is 0.
	Get(ctx context.Context, name string, version int) (Workflow, error)
	// List returns every registered workflow name at its highest
	// version, per §6's list_workflows.
	List(ctx context.Context) ([]Workflow, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	versions map[string]map[int]Workflow
}

func NewMemory() *Memory {
	return &Memory{versions: make(map[string]map[int]Workflow)}
}

func (m *Memory) Register(ctx context.Context, entry Workflow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byVersion, ok := m.versions[entry.Name]
	if !ok {
		byVersion = make(map[int]Workflow)
		m.versions[entry.Name] = byVersion
	}
	next := 1
	for v := range byVersion {
		if v >= next {
			next = v + 1
		}
	}
	entry.Version = next
	byVersion[next] = entry
	return next, nil
}

func (m *Memory) Get(ctx context.Context, name string, version int) (Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byVersion, ok := m.versions[name]
	if !ok {
		return Workflow{}, internal.NewNotFoundError("workflow", name)
	}
	if version == 0 {
		version = latestVersion(byVersion)
	}
	entry, ok := byVersion[version]
	if !ok {
		return Workflow{}, internal.NewNotFoundError("workflow", name)
	}
	return entry, nil
}

func (m *Memory) List(ctx context.Context) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Workflow, 0, len(m.versions))
	for _, byVersion := range m.versions {
		out = append(out, byVersion[latestVersion(byVersion)])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func latestVersion(byVersion map[int]Workflow) int {
	max := 0
	for v := range byVersion {
		if v > max {
			max = v
		}
	}
	return max
}

var _ Store = (*Memory)(nil)

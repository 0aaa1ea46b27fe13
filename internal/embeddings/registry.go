// Package embeddings turns chunk text (and images) into vectors. Drivers
// wrap one provider each; the Batcher fans chunk batches out across
// workers under a global rate limit and reports per-chunk success.
package embeddings

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/contracts"
)

// Registry holds named embedding drivers and maps model names onto them.
// Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]contracts.EmbeddingDriver
	bindings []binding
}

// binding routes models whose name starts with Prefix to the driver
// registered under Kind.
type binding struct {
	Prefix string
	Kind   string
}

// NewRegistry creates an empty embedding registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]contracts.EmbeddingDriver),
	}
}

// Register adds a driver under the given kind. Overwrites if it exists.
func (r *Registry) Register(kind string, driver contracts.EmbeddingDriver) {
	r.mu.Lock()
	r.drivers[kind] = driver
	r.mu.Unlock()
	log.Info().Str("kind", kind).Msg("Embedding driver registered")
}

// Bind routes model names with the given prefix to a registered driver.
// Longer prefixes win when several match.
func (r *Registry) Bind(modelPrefix, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, binding{Prefix: modelPrefix, Kind: kind})
	sort.SliceStable(r.bindings, func(i, j int) bool {
		return len(r.bindings[i].Prefix) > len(r.bindings[j].Prefix)
	})
}

// Get returns the driver registered under kind.
func (r *Registry) Get(kind string) (contracts.EmbeddingDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	if !ok {
		return nil, faults.Errorf(faults.EmbeddingUnavailable, "embedding driver not found: %s", kind)
	}
	return d, nil
}

// ForModel resolves the driver serving a model name via the longest
// matching bound prefix.
func (r *Registry) ForModel(model string) (contracts.EmbeddingDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bindings {
		if strings.HasPrefix(model, b.Prefix) {
			if d, ok := r.drivers[b.Kind]; ok {
				return d, nil
			}
		}
	}
	return nil, faults.Errorf(faults.EmbeddingUnavailable, "no embedding driver bound for model %q", model)
}

// List returns all registered driver kinds.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.drivers))
	for kind := range r.drivers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

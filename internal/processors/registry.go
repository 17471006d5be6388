package processors

import (
	"sort"
	"sync"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Registry is the thread-safe node-type to processor table.
type Registry struct {
	mu         sync.RWMutex
	processors map[schema.NodeType]Processor
}

// NewRegistry creates a registry with every built-in processor wired to deps.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{processors: make(map[schema.NodeType]Processor)}

	for _, p := range []Processor{
		NewMessageTrigger(deps),
		NewDBTrigger(deps),
		NewAIAnalysis(deps),
		NewCondition(deps),
		NewContactUpdate(deps),
		NewDelay(deps),
		NewSendMessage(deps),
		NewTemplate(deps),
		NewComplianceGuard(deps),
		NewHTTPCall(deps),
	} {
		r.processors[p.Type()] = p
	}
	return r
}

// Register adds or replaces a processor. Returns an error on empty type.
func (r *Registry) Register(p Processor) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "processor is nil")
	}
	if p.Type() == "" {
		return schema.NewError(schema.ErrCodeValidation, "processor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Type()] = p
	return nil
}

// Get retrieves the processor for a node type.
func (r *Registry) Get(t schema.NodeType) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedNode, "no processor registered for node type %q", t)
	}
	return p, nil
}

// Has checks whether a node type has a processor.
func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[t]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

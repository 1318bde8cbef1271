// Package registry maps node type names to the factories that construct
// their behaviors.
//
// Types are registered during process setup. The engine seals the registry
// on its first deployment; after that the set of types is fixed.
package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/node"
)

// ErrSealed is returned when registering after the registry was sealed
var ErrSealed = errors.New("registry is sealed")

// DynamicPorts marks a registration whose output count depends on config
const DynamicPorts = -1

// Config is what a factory receives. Def.Config has already had ${VAR}
// references expanded.
type Config struct {
	Def     model.NodeDef
	Context *contextstore.Scope
	Env     env.Resolver
	Logger  *slog.Logger
}

// Factory builds a behavior from a node definition. Factories must not
// start goroutines or perform I/O; that belongs in OnStart.
type Factory func(cfg Config) (node.Behavior, error)

// Registration describes one node type
type Registration struct {
	Type        string
	Factory     Factory
	Description string
	// Inputs is the number of input ports, normally 0 or 1
	Inputs int
	// Outputs is the number of output ports or DynamicPorts
	Outputs int
	// Required lists config keys that must be present
	Required []string
}

// Registry holds the known node types
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*Registration
	sealed bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{types: make(map[string]*Registration)}
}

// Register adds a node type
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "type name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}
	if strings.HasPrefix(reg.Type, model.SubflowTypePrefix) {
		return errors.WrapInvalid(
			fmt.Errorf("type %q uses the reserved subflow prefix", reg.Type), "Registry", "Register", "type name validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errors.WrapInvalid(ErrSealed, "Registry", "Register", "seal check")
	}
	if _, exists := r.types[reg.Type]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrDuplicateType, reg.Type), "Registry", "Register", "duplicate type check")
	}

	reg.Required = slices.Clone(reg.Required)
	r.types[reg.Type] = &reg
	return nil
}

// RegisterFunc registers a single-input, single-output type
func (r *Registry) RegisterFunc(typeName string, f Factory) error {
	return r.Register(Registration{Type: typeName, Factory: f, Inputs: 1, Outputs: 1})
}

// Lookup returns the registration for a type
func (r *Registry) Lookup(typeName string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[typeName]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", errors.ErrUnknownNodeType, typeName)
	}
	return *reg, nil
}

// Has reports whether a type is registered
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// Types returns the registered type names in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Seal prevents further registration. Sealing twice is harmless.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Construct builds the behavior for cfg.Def. Unknown types yield an
// UnknownNodeType deployment error and missing required keys a
// MalformedDeployment error; factory errors and factory panics yield a
// NodeConstruction error.
func (r *Registry) Construct(cfg Config) (b node.Behavior, err error) {
	def := cfg.Def
	reg, lerr := r.Lookup(def.Type)
	if lerr != nil {
		return nil, errors.UnknownType(def.FlowID, def.ID, def.Type)
	}

	for _, key := range reg.Required {
		if _, ok := def.Config[key]; !ok {
			return nil, errors.Malformed(def.FlowID, def.ID, "missing required config %q", key)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			b = nil
			err = errors.Construction(def.FlowID, def.ID, fmt.Errorf("factory panic: %v", rec))
		}
	}()

	b, err = reg.Factory(cfg)
	if err != nil {
		return nil, errors.Construction(def.FlowID, def.ID, err)
	}
	if b == nil {
		return nil, errors.Construction(def.FlowID, def.ID, fmt.Errorf("factory returned no behavior"))
	}
	return b, nil
}

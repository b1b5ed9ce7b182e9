package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash"
)

var (
	ErrDuplicateDefinition = errors.New("schema: definition registered twice with different fields")
	ErrUnknownDefinition   = errors.New("schema: unknown definition")
	ErrDefinitionCollision = errors.New("schema: definition id collision")
	ErrInvalidValue        = errors.New("schema: invalid value")
)

// MismatchError reports a definition whose layout differs between two
// processes.
type MismatchError struct {
	ID     uint32
	Name   string
	Local  uint64
	Remote uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("schema: definition %s (%d) fingerprint %x does not match remote %x", e.Name, e.ID, e.Local, e.Remote)
}

// DefinitionID derives the id of a definition from its name, so that every
// process assigns the same id regardless of registration order.
func DefinitionID(name string) uint32 {
	id := uint32(xxhash.Sum64([]byte(name)))
	if id == 0 {
		id = 1
	}
	return id
}

// Registry is the process scoped set of definitions. It is created at startup,
// filled by Register and then passed explicitly to the chains, the
// replication manager and the services.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint32]*Definition
	byName map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint32]*Definition),
		byName: make(map[string]*Definition),
	}
}

// Register compiles and stores a definition. Registering the same name with
// the same fields again returns the existing definition.
func (r *Registry) Register(name string, fields ...Field) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok {
		if existing.sameLayout(fields) {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDefinition, name)
	}
	id := DefinitionID(name)
	if other, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("%w: %s and %s", ErrDefinitionCollision, name, other.Name)
	}
	definition, err := compile(id, name, fields)
	if err != nil {
		return nil, err
	}
	r.byID[id] = definition
	r.byName[name] = definition
	return definition, nil
}

// MustRegister is Register for static startup declarations.
func (r *Registry) MustRegister(name string, fields ...Field) *Definition {
	definition, err := r.Register(name, fields...)
	if err != nil {
		panic(err)
	}
	return definition
}

func (r *Registry) Resolve(id uint32) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	definition, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDefinition, id)
	}
	return definition, nil
}

func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	definition, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	return definition, nil
}

// Definitions returns every definition ordered by id.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	all := make([]*Definition, 0, len(r.byID))
	for _, definition := range r.byID {
		all = append(all, definition)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Compatible checks a remote fingerprint for definition id.
func (r *Registry) Compatible(id uint32, fingerprint uint64) error {
	definition, err := r.Resolve(id)
	if err != nil {
		return err
	}
	if definition.fingerprint != fingerprint {
		return &MismatchError{ID: id, Name: definition.Name, Local: definition.fingerprint, Remote: fingerprint}
	}
	return nil
}

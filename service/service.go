// Package service is the contract CRUD front ends consume: typed entities
// stored as blocks of one definition on one chain. Front ends never see the
// wire format.
package service

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/schema"
)

var ErrNotFound = errors.New("service: entity not found")

// Mapper converts between a Go type and the values of its definition.
type Mapper[T any] struct {
	To   func(T) schema.Values
	From func(schema.Values) (T, error)
}

// Entity is the current version of a stored value.
type Entity[T any] struct {
	ID       uint64
	Sequence uint64
	Value    T
}

// Service stores T as blocks of definition on c. Several services may share a
// chain as long as they use distinct definitions; entity ids are allocated by
// the chain and are unique across all of them.
type Service[T any] struct {
	chain      *chain.Chain
	definition *schema.Definition
	mapper     Mapper[T]
}

func New[T any](c *chain.Chain, definition *schema.Definition, mapper Mapper[T]) (*Service[T], error) {
	if c == nil || definition == nil {
		return nil, errors.New("service: chain and definition are required")
	}
	if mapper.To == nil || mapper.From == nil {
		return nil, fmt.Errorf("service %s: mapper is incomplete", definition.Name)
	}
	return &Service[T]{chain: c, definition: definition, mapper: mapper}, nil
}

// Values is a Mapper for services that work on raw values.
func Values() Mapper[schema.Values] {
	return Mapper[schema.Values]{
		To:   func(v schema.Values) schema.Values { return v },
		From: func(v schema.Values) (schema.Values, error) { return v, nil },
	}
}

func (s *Service[T]) Definition() *schema.Definition {
	return s.definition
}

// Create stores value under a fresh entity id.
func (s *Service[T]) Create(ctx context.Context, value T) (Entity[T], error) {
	id, err := s.chain.NextEntity(ctx)
	if err != nil {
		return Entity[T]{}, err
	}
	return s.put(ctx, id, value)
}

// Update stores a new version of an existing entity.
func (s *Service[T]) Update(ctx context.Context, id uint64, value T) (Entity[T], error) {
	if _, err := s.current(ctx, id); err != nil {
		return Entity[T]{}, err
	}
	return s.put(ctx, id, value)
}

func (s *Service[T]) put(ctx context.Context, id uint64, value T) (Entity[T], error) {
	payload, err := s.definition.Encode(s.mapper.To(value))
	if err != nil {
		return Entity[T]{}, errors.Wrapf(err, "could not encode %s %d", s.definition.Name, id)
	}
	block, err := s.chain.Append(ctx, id, s.definition.ID, payload)
	if err != nil {
		return Entity[T]{}, err
	}
	return Entity[T]{ID: id, Sequence: block.Sequence, Value: value}, nil
}

// Delete appends a tombstone. Later Get calls report ErrNotFound.
func (s *Service[T]) Delete(ctx context.Context, id uint64) error {
	if _, err := s.current(ctx, id); err != nil {
		return err
	}
	_, err := s.chain.Delete(ctx, id, s.definition.ID)
	return err
}

func (s *Service[T]) Get(ctx context.Context, id uint64) (Entity[T], error) {
	block, err := s.current(ctx, id)
	if err != nil {
		return Entity[T]{}, err
	}
	return s.decode(block)
}

// List returns the live entities of the service accepted by match, ordered by
// id. A nil match accepts everything.
func (s *Service[T]) List(ctx context.Context, match func(Entity[T]) bool) ([]Entity[T], error) {
	ids, err := s.chain.Entities(ctx)
	if err != nil {
		return nil, err
	}
	entities := make([]Entity[T], 0)
	for _, id := range ids {
		block, err := s.current(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entity, err := s.decode(block)
		if err != nil {
			return nil, err
		}
		if match == nil || match(entity) {
			entities = append(entities, entity)
		}
	}
	return entities, nil
}

func (s *Service[T]) current(ctx context.Context, id uint64) (*chain.Block, error) {
	block, err := s.chain.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	if block == nil || block.Deleted() || block.Definition != s.definition.ID {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, s.definition.Name, id)
	}
	return block, nil
}

func (s *Service[T]) decode(block *chain.Block) (Entity[T], error) {
	values, err := s.definition.Decode(block.Payload)
	if err != nil {
		return Entity[T]{}, errors.Wrapf(err, "%s %d at sequence %d", s.definition.Name, block.Entity, block.Sequence)
	}
	value, err := s.mapper.From(values)
	if err != nil {
		return Entity[T]{}, err
	}
	return Entity[T]{ID: block.Entity, Sequence: block.Sequence, Value: value}, nil
}

package chain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotWriter      = errors.New("chain: this server is not the writer of the chain")
	ErrNotReplica     = errors.New("chain: writer does not accept replicated blocks")
	ErrForeignWriter  = errors.New("chain: block signed off by another writer")
	ErrWrongChain     = errors.New("chain: block belongs to another chain")
	ErrInvalidPayload = errors.New("chain: payload does not match definition")
	ErrSequenceGap    = errors.New("chain: sequence gap")
	ErrClosed         = errors.New("chain: closed")
)

// GapError is returned by AcceptReplicated when a block does not follow the
// last applied sequence. Expected is where a resync must start.
type GapError struct {
	Chain    uint32
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("chain %d: sequence gap: expected %d, got %d", e.Chain, e.Expected, e.Got)
}

func (e *GapError) Is(target error) bool {
	return target == ErrSequenceGap
}

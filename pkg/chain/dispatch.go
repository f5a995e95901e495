package chain

import (
	"fmt"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/errors"
)

// Outcome is the path a predicted invoke took.
type Outcome uint8

const (
	// Hit: the receiver class matched the cell.
	Hit Outcome = iota
	// Unresolved: the cell was cold and has been resolved and linked.
	Unresolved
	// Mispredicted: the class did not match; the call went through full
	// dispatch and the cell is unchanged.
	Mispredicted
	// Rechained: a receiver class that kept mispredicting replaced the
	// cell's prediction.
	Rechained
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Unresolved:
		return "unresolved"
	case Mispredicted:
		return "mispredicted"
	case Rechained:
		return "rechained"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Resolver performs full virtual dispatch for a receiver class.
type Resolver func(class bytecode.ClassRef) (bytecode.MethodRef, error)

// Result is what one Dispatch did.
type Result struct {
	Outcome Outcome
	// Method is the callee the invoke proceeds to.
	Method bytecode.MethodRef
	// Prev is the method the cell held before a patch.
	Prev bytecode.MethodRef
}

// Dispatch models the predicted-chain template run for one invocation
// through the predicted cell at addr.
//
// A linked cell whose class matches is a hit and bumps the counter up to the
// limit. A cold cell is resolved and patched with counter 1. A mismatching
// class first only stages itself; each further mismatch by the staged class
// counts the counter down, and the cell is re-patched to the staged class
// once the counter reaches zero.
func (r *Registry) Dispatch(addr uintptr, class bytecode.ClassRef, resolve Resolver) (Result, error) {
	c, err := r.lookup(addr)
	if err != nil {
		return Result{}, err
	}
	if c.ref.Kind != KindInvokePredicted {
		return Result{}, errors.Abortf(errors.ReasonInvariantViolation, "chain: dispatch through %s", c.ref)
	}

	snap := r.snapshot(c)
	if snap.State() == Linked && snap.Class() == uint32(class) {
		r.hits.Add(1)
		if snap.Counter() < r.counterLimit {
			r.patchMu.Lock()
			defer r.patchMu.Unlock()
			// Recheck under the lock; a patch may have landed in between.
			cur, err := r.current(c)
			if err != nil {
				return Result{}, err
			}
			if cur.State() == Linked && cur.Class() == uint32(class) && cur.Counter() < r.counterLimit {
				if err := r.write(c, map[int]uint32{WordCounter: cur.Counter() + 1}, WordCounter); err != nil {
					return Result{}, err
				}
			}
			c.staged = 0
		}
		return Result{Outcome: Hit, Method: bytecode.MethodRef(snap.Method())}, nil
	}

	method, err := resolve(class)
	if err != nil {
		return Result{}, err
	}

	r.patchMu.Lock()
	defer r.patchMu.Unlock()
	cur, err := r.current(c)
	if err != nil {
		return Result{}, err
	}

	if cur.State() == Cold {
		r.misses.Add(1)
		prev, err := r.patchPredicted(c, uint32(class), uint32(method), 1)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: Unresolved, Method: method, Prev: prev}, nil
	}
	if cur.Class() == uint32(class) {
		// Another invocation linked this class meanwhile.
		r.hits.Add(1)
		return Result{Outcome: Hit, Method: bytecode.MethodRef(cur.Method())}, nil
	}

	r.mispredictions.Add(1)
	if c.staged != uint32(class) {
		c.staged = uint32(class)
		return Result{Outcome: Mispredicted, Method: method}, nil
	}
	counter := cur.Counter()
	if counter > 1 {
		if err := r.write(c, map[int]uint32{WordCounter: counter - 1}, WordCounter); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Mispredicted, Method: method}, nil
	}
	prev, err := r.patchPredicted(c, uint32(class), uint32(method), 1)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Rechained, Method: method, Prev: prev}, nil
}

package jit

import (
	"context"
	"fmt"
	"log"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/codecache"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// Result describes one installed translation.
type Result struct {
	Fingerprint trace.Fingerprint
	Fragment    codecache.Fragment
	// Entry is where execution of the trace starts, past the header word.
	Entry      uintptr
	HeaderSize int
	CellCounts [chain.NumKinds]int
	Cells      []chain.Ref
	PCRecords  []PCRecord
	// Ops is the textual LIR, for inspection and comparing compiles.
	Ops      []string
	CodeSize int
	LoopMode bool
	// Recompiled is set when the trace was retried without loop formation
	// or shortened to fit a fragment; Insns is what was compiled.
	Recompiled bool
	Insns      int
}

// Compiler turns trace descriptors into installed fragments. A Compiler is
// safe for concurrent use when its cache, registry and resolver are.
type Compiler struct {
	tgt      *target.Target
	dec      bytecode.Decoder
	res      trace.Resolver
	cache    *codecache.Cache
	registry *chain.Registry
	opts     Options
}

// NewCompiler returns a compiler installing into cache. registry may be nil,
// in which case cells are not adopted for patching.
func NewCompiler(tgt *target.Target, cache *codecache.Cache, registry *chain.Registry, dec bytecode.Decoder, res trace.Resolver, opts Options) *Compiler {
	return &Compiler{tgt: tgt, dec: dec, res: res, cache: cache, registry: registry, opts: opts.withDefaults()}
}

func (c *Compiler) Target() *target.Target { return c.tgt }

// Lower builds and lowers desc without assembling it.
func (c *Compiler) Lower(desc *trace.Descriptor) (*CompilationUnit, error) {
	t, err := trace.Build(desc, c.dec, c.res, trace.Options{SelfVerify: c.opts.SelfVerify})
	if err != nil {
		return nil, err
	}
	cu := newUnit(t, c.tgt, c.res, c.opts)
	if err := cu.run(cu.lower); err != nil {
		return nil, err
	}
	return cu, nil
}

// run converts the compile-error panics lowering aborts with into errors.
// Any other panic is a bug and propagates.
func (cu *CompilationUnit) run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(*errors.CompileError)
			if !ok {
				panic(r)
			}
			err = ce
		}
	}()
	fn()
	return nil
}

// Compile builds, lowers, assembles and installs desc. Nothing is written to
// the cache unless every earlier stage succeeded.
func (c *Compiler) Compile(ctx context.Context, desc *trace.Descriptor) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ReasonCancelled, desc.String())
	}
	fp := desc.Fingerprint()
	cu, err := c.Lower(desc)
	if err != nil {
		return nil, err
	}
	recompiled := false
	if cu.QuitLoopMode {
		log.Printf("[jit] %s: leaving loop mode, recompiling %s", fp.Short(), desc)
		desc = desc.WithoutLoop()
		fp = desc.Fingerprint()
		if cu, err = c.Lower(desc); err != nil {
			return nil, err
		}
		if cu.QuitLoopMode {
			return nil, errors.Abortf(errors.ReasonInvariantViolation, "%s: loop mode requested again", desc)
		}
		recompiled = true
	}

	a, err := cu.assemble()
	for errors.ReasonOf(err) == errors.ReasonFragmentTooLarge && desc.NumInsns() > 1 {
		desc = desc.Truncated(desc.NumInsns() / 2)
		fp = desc.Fingerprint()
		log.Printf("[jit] %s: fragment too large, retrying with %d instructions", fp.Short(), desc.NumInsns())
		if cu, err = c.Lower(desc); err != nil {
			return nil, err
		}
		if cu.QuitLoopMode {
			desc = desc.WithoutLoop()
			fp = desc.Fingerprint()
			if cu, err = c.Lower(desc); err != nil {
				return nil, err
			}
		}
		recompiled = true
		a, err = cu.assemble()
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ReasonCancelled, desc.String())
	}

	frag, err := c.cache.Install(a.code, HeaderSize, fp.String())
	if err != nil {
		return nil, err
	}
	res := &Result{
		Fingerprint: fp,
		Fragment:    frag,
		Entry:       frag.Entry,
		HeaderSize:  HeaderSize,
		PCRecords:   a.pcrs,
		Ops:         cu.LIR.Ops(),
		CodeSize:    len(a.code),
		LoopMode:    cu.Trace.LoopMode,
		Recompiled:  recompiled,
		Insns:       desc.NumInsns(),
	}
	for k, offs := range a.cellOffsets {
		res.CellCounts[k] = len(offs)
		for _, off := range offs {
			res.Cells = append(res.Cells, chain.Ref{Kind: chain.Kind(k), Addr: frag.Start + uintptr(off), Fragment: frag.Start})
		}
	}
	if c.registry != nil {
		for _, ref := range res.Cells {
			if err := c.registry.Register(ref); err != nil {
				return nil, err
			}
		}
	}
	log.Printf("[jit] %s: installed %s, %d bytes, %d cells, %d reconstruction points",
		fp.Short(), frag, res.CodeSize, len(res.Cells), len(res.PCRecords))
	return res, nil
}

// Disassemble renders a unit's LIR with bytecode boundaries, one op per line.
func Disassemble(cu *CompilationUnit) []string {
	var out []string
	cu.LIR.Walk(func(l *lir.LIR) {
		if l.Flags&lir.IsNop != 0 {
			return
		}
		line := l.String()
		if l.Comment != "" {
			line = fmt.Sprintf("%-40s ; %s", line, l.Comment)
		}
		out = append(out, line)
	})
	return out
}

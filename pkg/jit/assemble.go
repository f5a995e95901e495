package jit

import (
	"encoding/binary"

	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target"
)

const (
	// HeaderSize is the word before the entry point holding the offset of
	// the cell-count trailer.
	HeaderSize = 4
	// HeaderMagic fills the upper half of the header word.
	HeaderMagic uint32 = 0xcdab
	// TrailerSize is one count byte per cell kind, padded to a word pair.
	TrailerSize = 8
)

// SymbolTable resolves a helper or template id to its runtime address.
type SymbolTable func(kind lir.SymbolKind, id int64) (uintptr, bool)

// Bases of the reference runtime's helper and template tables. Each entry is
// 16 bytes.
const (
	helperBase   uintptr = 0x7f000000
	templateBase uintptr = 0x7f100000
)

// DefaultSymbols lays helpers and templates out in two fixed tables.
func DefaultSymbols(kind lir.SymbolKind, id int64) (uintptr, bool) {
	switch kind {
	case lir.SymHelper:
		if id >= 0 && id < int64(target.NumHelpers) {
			return helperBase + uintptr(16*id), true
		}
	case lir.SymTemplate:
		if id >= 0 && id < int64(target.NumTemplates) {
			return templateBase + uintptr(16*id), true
		}
	}
	return 0, false
}

// PCRecord maps a reconstruction cell back to the bytecode offset it
// resumes at.
type PCRecord struct {
	Offset     uint32 `json:"offset"`
	CodeOffset int    `json:"code_offset"`
}

// assembly is a finished fragment image before installation.
type assembly struct {
	code        []byte
	core        int
	trailer     int
	cellOffsets [chain.NumKinds][]int
	pcrs        []PCRecord
}

func align4(n int) int { return (n + 3) &^ 3 }

func encodeError(err error, l *lir.LIR) error {
	if errors.IsCompileError(err) {
		return err
	}
	return errors.Wrap(err, errors.ReasonUnsupportedFormat, l.String())
}

// assemble lays out and encodes the unit's LIR. Layout runs first so every
// branch sees its target's final offset; instruction sizes do not depend on
// addresses.
func (cu *CompilationUnit) assemble() (*assembly, error) {
	enc := cu.Target.Encoder
	off := HeaderSize
	var err error
	cu.LIR.Walk(func(l *lir.LIR) {
		if err != nil {
			return
		}
		l.Offset = off
		if l.Flags&lir.IsNop != 0 {
			return
		}
		if l.Op == lir.PseudoAlign4 {
			off = align4(off)
			l.Offset = off
			return
		}
		var n int
		if n, err = enc.Size(l); err != nil {
			err = encodeError(err, l)
			return
		}
		off += n
	})
	if err != nil {
		return nil, err
	}

	core := off
	trailer := align4(off)
	if trailer > 0xffff {
		return nil, errors.Abortf(errors.ReasonFragmentTooLarge,
			"fragment of %d bytes exceeds the header's reach", trailer)
	}
	buf := make([]byte, trailer+TrailerSize)
	binary.LittleEndian.PutUint32(buf, HeaderMagic<<16|uint32(trailer))

	ctx := &lir.EncodeContext{Resolve: cu.opts.Symbols}
	pos := HeaderSize
	cu.LIR.Walk(func(l *lir.LIR) {
		if err != nil || l.Flags&lir.IsNop != 0 {
			return
		}
		if l.Offset > pos {
			enc.Pad(buf[pos:l.Offset])
			pos = l.Offset
		}
		if l.Op.IsPseudo() {
			return
		}
		ctx.PC = uintptr(l.Offset)
		ctx.TargetPC = 0
		if l.Op.HasTarget() {
			if l.Target == lir.NoTarget {
				err = errors.Abortf(errors.ReasonInvariantViolation, "%s @%d has no target", l, l.Index())
				return
			}
			ctx.TargetPC = uintptr(cu.LIR.Node(l.Target).Offset)
		}
		want, _ := enc.Size(l)
		n, e := enc.Encode(buf[pos:], l, ctx)
		switch {
		case e != nil:
			err = encodeError(e, l)
			return
		case n != want:
			err = errors.Abortf(errors.ReasonInvariantViolation,
				"%s encoded to %d bytes, laid out as %d", l, n, want)
			return
		}
		pos += n
	})
	if err != nil {
		return nil, err
	}
	if core > pos {
		enc.Pad(buf[pos:core])
	}
	enc.Pad(buf[core:trailer])

	a := &assembly{code: buf, core: core, trailer: trailer}
	for k := range cu.cellLabels {
		if len(cu.cellLabels[k]) > 0xff {
			return nil, errors.Exhaustedf(errors.ReasonCellListOverflow,
				"%d %s cells", len(cu.cellLabels[k]), chain.Kind(k))
		}
		buf[trailer+k] = byte(len(cu.cellLabels[k]))
		for _, label := range cu.cellLabels[k] {
			a.cellOffsets[k] = append(a.cellOffsets[k], cu.LIR.Node(label).Offset)
		}
	}
	for _, p := range cu.pcrs {
		a.pcrs = append(a.pcrs, PCRecord{Offset: p.offset, CodeOffset: cu.LIR.Node(p.label).Offset})
	}
	return a, nil
}

package ralloc

import (
	"github.com/ascrivener/tracejit/pkg/lir"
)

func wordSize(r lir.Reg) lir.Size {
	if r.IsFP() {
		return lir.SizeSingle
	}
	return lir.SizeWord
}

func (p *Pool) load(r, base lir.Reg, disp int32) int {
	return p.sink.Emit(lir.LIR{Op: lir.OpLoad, Size: wordSize(r), Operands: [4]int64{int64(r), int64(base), int64(disp)}})
}

func (p *Pool) store(r, base lir.Reg, disp int32) int {
	return p.sink.Emit(lir.LIR{Op: lir.OpStore, Size: wordSize(r), Operands: [4]int64{int64(r), int64(base), int64(disp)}})
}

func (p *Pool) loadPair(lo, hi, base lir.Reg, disp int32) int {
	return p.sink.Emit(lir.LIR{Op: lir.OpLoadPair, Size: lir.SizeDouble, Operands: [4]int64{int64(lo), int64(hi), int64(base), int64(disp)}})
}

func (p *Pool) storePair(lo, hi, base lir.Reg, disp int32) int {
	return p.sink.Emit(lir.LIR{Op: lir.OpStorePair, Size: lir.SizeDouble, Operands: [4]int64{int64(lo), int64(hi), int64(base), int64(disp)}})
}

// Home-slot writes are scheduling barriers: the deoptimizer reads the
// frame at every boundary.
func (p *Pool) storeHome(r lir.Reg, disp int32) int {
	return p.sink.Emit(lir.LIR{Op: lir.OpStore, Size: wordSize(r), Flags: lir.Barrier,
		Operands: [4]int64{int64(r), int64(p.tgt.FP), int64(disp)}})
}

func (p *Pool) storeHomeWide(lo, hi lir.Reg, disp int32) int {
	return p.sink.Emit(lir.LIR{Op: lir.OpStorePair, Size: lir.SizeDouble, Flags: lir.Barrier,
		Operands: [4]int64{int64(lo), int64(hi), int64(p.tgt.FP), int64(disp)}})
}

// RegCopy emits dst = src.
func (p *Pool) RegCopy(dst, src lir.Reg) {
	if dst == src {
		return
	}
	p.sink.Emit(lir.LIR{Op: lir.OpMovRR, Operands: [4]int64{int64(dst), int64(src)}})
}

// RegCopyWide copies a pair, ordering the moves so overlapping halves are
// not overwritten before they are read.
func (p *Pool) RegCopyWide(dstLo, dstHi, srcLo, srcHi lir.Reg) {
	switch {
	case dstLo == srcHi && dstHi == srcLo:
		tmp := p.AllocTemp()
		p.RegCopy(tmp, srcLo)
		p.RegCopy(dstLo, srcHi)
		p.RegCopy(dstHi, tmp)
		p.FreeTemp(tmp)
	case dstLo == srcHi:
		p.RegCopy(dstHi, srcHi)
		p.RegCopy(dstLo, srcLo)
	default:
		p.RegCopy(dstLo, srcLo)
		p.RegCopy(dstHi, srcHi)
	}
}

// UpdateLoc reports a narrow value's current register, if any. No code is
// generated.
func (p *Pool) UpdateLoc(loc RegLocation) RegLocation {
	if loc.Location != LocDalvikFrame {
		return loc
	}
	ri := p.allocLive(loc.SReg, AnyReg)
	if ri == nil {
		return loc
	}
	if ri.Pair {
		// The value is half of an older wide binding.
		p.Clobber(ri.Reg)
		p.Clobber(ri.Partner)
		return loc
	}
	loc.LowReg = ri.Reg
	loc.Location = LocPhysReg
	return loc
}

// UpdateLocWide reports a wide value's current pair, if both halves are
// live in a matching pair. Partial overlaps are clobbered.
func (p *Pool) UpdateLocWide(loc RegLocation) RegLocation {
	if loc.Location != LocDalvikFrame {
		return loc
	}
	lo := p.allocLive(loc.SReg, AnyReg)
	hi := p.allocLive(loc.HighSReg(), AnyReg)
	match := lo != nil && hi != nil && lo.Reg.IsFP() == hi.Reg.IsFP()
	if match && lo.Reg.IsFP() {
		match = lo.Reg&1 == 0 && hi.Reg == lo.Reg+1
	}
	if match && (lo.Pair || hi.Pair) {
		match = lo.Pair == hi.Pair && lo.Reg == hi.Partner && hi.Reg == lo.Partner
	}
	if match {
		loc.LowReg, loc.HighReg = lo.Reg, hi.Reg
		loc.Location = LocPhysReg
		p.MarkPair(lo.Reg, hi.Reg)
		return loc
	}
	for _, ri := range []*RegisterInfo{lo, hi} {
		if ri == nil {
			continue
		}
		partner, paired := ri.Partner, ri.Pair
		p.Clobber(ri.Reg)
		if paired {
			p.Clobber(partner)
		}
	}
	return loc
}

func (p *Pool) allocLive(sreg int, class RegClass) *RegisterInfo {
	if sreg == InvalidSReg {
		return nil
	}
	find := func(infos []RegisterInfo) *RegisterInfo {
		for i := range infos {
			if infos[i].Live && infos[i].SReg == sreg {
				infos[i].InUse = true
				return &infos[i]
			}
		}
		return nil
	}
	switch class {
	case FPRegClass:
		return find(p.fp)
	case CoreReg:
		return find(p.core)
	}
	if ri := find(p.fp); ri != nil {
		return ri
	}
	return find(p.core)
}

// EvalLoc returns a register location for loc: its live register if it has
// one of the right class, otherwise freshly allocated temps. With update
// set the new temps are bound to loc's virtual register.
func (p *Pool) EvalLoc(loc RegLocation, class RegClass, update bool) RegLocation {
	if loc.Wide {
		return p.evalLocWide(loc, class, update)
	}
	loc = p.UpdateLoc(loc)
	if loc.Location == LocPhysReg {
		if !class.matches(loc.LowReg) {
			r := p.AllocTypedTemp(loc.FP, class)
			p.RegCopy(r, loc.LowReg)
			p.copyInfo(r, loc.LowReg)
			p.Clobber(loc.LowReg)
			loc.LowReg = r
		}
		return loc
	}
	loc.LowReg = p.AllocTypedTemp(loc.FP, class)
	if update {
		loc.Location = LocPhysReg
		p.MarkLive(loc.LowReg, loc.SReg)
	}
	return loc
}

func (p *Pool) evalLocWide(loc RegLocation, class RegClass, update bool) RegLocation {
	loc = p.UpdateLocWide(loc)
	if loc.Location == LocPhysReg {
		if !class.matches(loc.LowReg) {
			lo, hi := p.AllocTypedTempPair(loc.FP, class)
			p.RegCopyWide(lo, hi, loc.LowReg, loc.HighReg)
			p.copyInfo(lo, loc.LowReg)
			p.copyInfo(hi, loc.HighReg)
			p.Clobber(loc.LowReg)
			p.Clobber(loc.HighReg)
			loc.LowReg, loc.HighReg = lo, hi
			p.MarkPair(lo, hi)
		}
		return loc
	}
	loc.LowReg, loc.HighReg = p.AllocTypedTempPair(loc.FP, class)
	p.MarkPair(loc.LowReg, loc.HighReg)
	if update {
		loc.Location = LocPhysReg
		p.MarkLive(loc.LowReg, loc.SReg)
		p.MarkLive(loc.HighReg, loc.HighSReg())
	}
	return loc
}

func (p *Pool) retvalDisp() int32 { return p.tgt.Layout.SelfRetval }

// LoadValueDirect copies loc's value into r without changing bindings.
func (p *Pool) LoadValueDirect(loc RegLocation, r lir.Reg) {
	loc = p.UpdateLoc(loc)
	switch loc.Location {
	case LocPhysReg:
		p.RegCopy(r, loc.LowReg)
	case LocRetval:
		p.load(r, p.tgt.Self, p.retvalDisp())
	default:
		p.load(r, p.tgt.FP, loc.HomeOffset())
	}
}

// LoadValueDirectFixed loads loc into the specific register r, taking r
// out of the pool first.
func (p *Pool) LoadValueDirectFixed(loc RegLocation, r lir.Reg) {
	p.Clobber(r)
	p.markInUseIfTemp(r)
	p.LoadValueDirect(loc, r)
}

// LoadValueDirectWide copies a wide value into lo/hi.
func (p *Pool) LoadValueDirectWide(loc RegLocation, lo, hi lir.Reg) {
	loc = p.UpdateLocWide(loc)
	switch loc.Location {
	case LocPhysReg:
		p.RegCopyWide(lo, hi, loc.LowReg, loc.HighReg)
	case LocRetval:
		p.loadPair(lo, hi, p.tgt.Self, p.retvalDisp())
	default:
		p.loadPair(lo, hi, p.tgt.FP, loc.HomeOffset())
	}
}

// LoadValueDirectWideFixed is LoadValueDirectWide into specific registers.
func (p *Pool) LoadValueDirectWideFixed(loc RegLocation, lo, hi lir.Reg) {
	p.Clobber(lo)
	p.Clobber(hi)
	p.markInUseIfTemp(lo)
	p.markInUseIfTemp(hi)
	p.LoadValueDirectWide(loc, lo, hi)
}

// LoadValue makes loc resident in a register of the given class and returns
// the register location. Values loaded from the frame become live.
func (p *Pool) LoadValue(loc RegLocation, class RegClass) RegLocation {
	loc = p.EvalLoc(loc, class, false)
	switch loc.Location {
	case LocDalvikFrame:
		p.LoadValueDirect(loc, loc.LowReg)
		loc.Location = LocPhysReg
		p.MarkLive(loc.LowReg, loc.SReg)
	case LocRetval:
		p.load(loc.LowReg, p.tgt.Self, p.retvalDisp())
		loc.Location = LocPhysReg
		p.Clobber(loc.LowReg)
	}
	return loc
}

// LoadValueWide is LoadValue for wide values.
func (p *Pool) LoadValueWide(loc RegLocation, class RegClass) RegLocation {
	loc = p.EvalLoc(loc, class, false)
	switch loc.Location {
	case LocDalvikFrame:
		p.LoadValueDirectWide(loc, loc.LowReg, loc.HighReg)
		loc.Location = LocPhysReg
		p.MarkLive(loc.LowReg, loc.SReg)
		p.MarkLive(loc.HighReg, loc.HighSReg())
	case LocRetval:
		p.loadPair(loc.LowReg, loc.HighReg, p.tgt.Self, p.retvalDisp())
		loc.Location = LocPhysReg
		p.Clobber(loc.LowReg)
		p.Clobber(loc.HighReg)
	}
	return loc
}

// StoreValue assigns src to dest. The destination register becomes live
// and dirty, and is written to the home slot at once so the frame is
// current at every point the trace may exit. A previous home write of the
// same register that nothing could have read is dropped.
func (p *Pool) StoreValue(dest, src RegLocation) {
	p.KillNullChecked(dest)
	src = p.UpdateLoc(src)
	dest = p.UpdateLoc(dest)
	if src.Location == LocPhysReg {
		if p.IsLive(src.LowReg) != nil || dest.Location == LocPhysReg {
			dest = p.EvalLoc(dest, AnyReg, false)
			p.RegCopy(dest.LowReg, src.LowReg)
		} else {
			// Dest takes over src's register.
			dest.LowReg = src.LowReg
			p.Clobber(src.LowReg)
		}
	} else {
		dest = p.EvalLoc(dest, AnyReg, false)
		p.LoadValueDirect(src, dest.LowReg)
	}

	p.MarkLive(dest.LowReg, dest.SReg)
	p.MarkDirty(dest.LowReg)

	if dest.Location == LocRetval {
		p.store(dest.LowReg, p.tgt.Self, p.retvalDisp())
		p.Clobber(dest.LowReg)
		return
	}
	p.ResetDefLoc(dest)
	i := p.storeHome(dest.LowReg, dest.HomeOffset())
	p.MarkClean(dest.LowReg)
	p.MarkDef(dest, i, i)
}

// StoreValueWide is StoreValue for wide values.
func (p *Pool) StoreValueWide(dest, src RegLocation) {
	p.KillNullChecked(dest)
	src = p.UpdateLocWide(src)
	dest = p.UpdateLocWide(dest)
	if src.Location == LocPhysReg {
		if p.IsLive(src.LowReg) != nil || p.IsLive(src.HighReg) != nil || dest.Location == LocPhysReg {
			dest = p.EvalLoc(dest, AnyReg, false)
			p.RegCopyWide(dest.LowReg, dest.HighReg, src.LowReg, src.HighReg)
		} else {
			dest.LowReg, dest.HighReg = src.LowReg, src.HighReg
			p.Clobber(src.LowReg)
			p.Clobber(src.HighReg)
		}
	} else {
		dest = p.EvalLoc(dest, AnyReg, false)
		p.LoadValueDirectWide(src, dest.LowReg, dest.HighReg)
	}

	p.MarkLive(dest.LowReg, dest.SReg)
	p.MarkLive(dest.HighReg, dest.HighSReg())
	p.MarkDirty(dest.LowReg)
	p.MarkDirty(dest.HighReg)
	p.MarkPair(dest.LowReg, dest.HighReg)

	if dest.Location == LocRetval {
		p.storePair(dest.LowReg, dest.HighReg, p.tgt.Self, p.retvalDisp())
		p.Clobber(dest.LowReg)
		p.Clobber(dest.HighReg)
		return
	}
	p.ResetDefLocWide(dest)
	i := p.storeHomeWide(dest.LowReg, dest.HighReg, dest.HomeOffset())
	p.MarkClean(dest.LowReg)
	p.MarkClean(dest.HighReg)
	p.MarkDefWide(dest, i, i)
}

package ralloc

import (
	"fmt"
	"strings"

	"github.com/ascrivener/tracejit/pkg/bitvec"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target"
)

// Sink receives the spills, fills and copies the allocator generates.
type Sink interface {
	// Emit appends l and returns its index.
	Emit(l lir.LIR) int
	// NullifyRange turns the nodes start..end into no-ops.
	NullifyRange(start, end int)
}

type listSink struct{ ls *lir.List }

func (s listSink) Emit(l lir.LIR) int          { return s.ls.Append(l) }
func (s listSink) NullifyRange(start, end int) { s.ls.NullifyRange(start, end) }

// ListSink emits straight into ls.
func ListSink(ls *lir.List) Sink { return listSink{ls} }

// RegisterInfo tracks one temp register.
type RegisterInfo struct {
	Reg lir.Reg
	// InUse pins the register for the current operation.
	InUse bool
	// Live means the register holds the current value of SReg.
	Live  bool
	Dirty bool
	// Pair and Partner bind the two halves of a wide value.
	Pair    bool
	Partner lir.Reg
	SReg    int

	// defStart and defEnd delimit the home-slot write of the last def held
	// here, so a redefinition before any exit can drop it.
	defStart int
	defEnd   int
}

func (ri *RegisterInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:", ri.Reg)
	if ri.InUse {
		sb.WriteString(" use")
	}
	if ri.Live {
		fmt.Fprintf(&sb, " live(v%d)", ri.SReg)
	}
	if ri.Dirty {
		sb.WriteString(" dirty")
	}
	if ri.Pair {
		fmt.Fprintf(&sb, " pair(%s)", ri.Partner)
	}
	return sb.String()
}

func (ri *RegisterInfo) resetDef() {
	ri.defStart, ri.defEnd = -1, -1
}

// Pool is the per-compilation register pool.
type Pool struct {
	tgt  *target.Target
	sink Sink

	core     []RegisterInfo
	fp       []RegisterInfo
	nextCore int
	nextFP   int

	nullChecked *bitvec.BitVector

	// SuppressLoads disables dropping dead home-slot writes.
	SuppressLoads bool
}

// NewPool creates the pool for one compilation unit.
func NewPool(tgt *target.Target, sink Sink, numVRegs int) *Pool {
	p := &Pool{
		tgt:         tgt,
		sink:        sink,
		core:        initInfos(tgt.CoreTemps),
		fp:          initInfos(tgt.FPTemps),
		nullChecked: bitvec.New(numVRegs, true),
	}
	return p
}

func initInfos(regs []lir.Reg) []RegisterInfo {
	infos := make([]RegisterInfo, len(regs))
	for i, r := range regs {
		infos[i] = RegisterInfo{Reg: r, Partner: lir.NoReg, SReg: InvalidSReg, defStart: -1, defEnd: -1}
	}
	return infos
}

// Target returns the target the pool allocates for.
func (p *Pool) Target() *target.Target { return p.tgt }

func abortf(format string, args ...interface{}) {
	panic(errors.Abortf(errors.ReasonInvariantViolation, "ralloc: "+format, args...))
}

// Info returns the descriptor of temp r, or nil when r is not a temp.
func (p *Pool) Info(r lir.Reg) *RegisterInfo {
	for i := range p.core {
		if p.core[i].Reg == r {
			return &p.core[i]
		}
	}
	for i := range p.fp {
		if p.fp[i].Reg == r {
			return &p.fp[i]
		}
	}
	return nil
}

func (p *Pool) info(r lir.Reg) *RegisterInfo {
	ri := p.Info(r)
	if ri == nil {
		abortf("%s is not a temp", r)
	}
	return ri
}

func (p *Pool) each(fn func(ri *RegisterInfo)) {
	for i := range p.core {
		fn(&p.core[i])
	}
	for i := range p.fp {
		fn(&p.fp[i])
	}
}

// ResetPool releases every pin. Liveness is untouched.
func (p *Pool) ResetPool() {
	p.each(func(ri *RegisterInfo) { ri.InUse = false })
}

func (p *Pool) flushReg(ri *RegisterInfo) {
	if !ri.Live || !ri.Dirty {
		return
	}
	ri.Dirty = false
	p.storeHome(ri.Reg, int32(ri.SReg)<<2)
}

func (p *Pool) flushRegWide(lo, hi *RegisterInfo) {
	if !(lo.Live && lo.Dirty) && !(hi.Live && hi.Dirty) {
		return
	}
	lo.Dirty, hi.Dirty = false, false
	if hi.SReg < lo.SReg {
		lo, hi = hi, lo
	}
	p.storeHomeWide(lo.Reg, hi.Reg, int32(lo.SReg)<<2)
}

// Flush writes r back to its home slot if it is live and dirty.
func (p *Pool) Flush(r lir.Reg) {
	ri := p.info(r)
	if ri.Pair {
		p.flushRegWide(ri, p.info(ri.Partner))
		return
	}
	p.flushReg(ri)
}

// Clobber marks r dead, writing it back first if dirty. A pair is
// clobbered as a whole.
func (p *Pool) Clobber(r lir.Reg) {
	ri := p.Info(r)
	if ri == nil {
		return
	}
	if ri.Live && ri.Dirty {
		p.Flush(r)
	}
	ri.Live = false
	ri.SReg = InvalidSReg
	ri.resetDef()
	if ri.Pair {
		ri.Pair = false
		partner := ri.Partner
		ri.Partner = lir.NoReg
		p.Clobber(partner)
	}
}

// ClobberSReg forgets any temp holding sreg.
func (p *Pool) ClobberSReg(sreg int) {
	p.each(func(ri *RegisterInfo) {
		if ri.SReg == sreg {
			ri.Live = false
			ri.resetDef()
		}
	})
}

// ClobberAll marks every temp dead.
func (p *Pool) ClobberAll() {
	p.each(func(ri *RegisterInfo) { p.Clobber(ri.Reg) })
}

// ClobberCallRegs marks dead every temp a call may overwrite.
func (p *Pool) ClobberCallRegs() {
	p.each(func(ri *RegisterInfo) {
		if p.tgt.IsCallerSave(ri.Reg) {
			p.Clobber(ri.Reg)
		}
	})
}

// FlushAll writes back every dirty temp and marks all temps dead.
func (p *Pool) FlushAll() {
	p.each(func(ri *RegisterInfo) {
		if ri.Live && ri.Dirty {
			p.Flush(ri.Reg)
		}
	})
	p.ClobberAll()
}

func (p *Pool) allocBody(infos []RegisterInfo, next *int, required bool) lir.Reg {
	n := len(infos)
	for pass := 0; pass < 2; pass++ {
		idx := *next
		for i := 0; i < n; i++ {
			if idx >= n {
				idx = 0
			}
			ri := &infos[idx]
			if !ri.InUse && (pass == 1 || !ri.Live) {
				p.Clobber(ri.Reg)
				ri.InUse = true
				ri.Pair = false
				*next = idx + 1
				return ri.Reg
			}
			idx++
		}
	}
	if required {
		abortf("no free temp registers")
	}
	return lir.NoReg
}

// AllocTemp pins a free core temp, preferring one holding no live value.
func (p *Pool) AllocTemp() lir.Reg {
	return p.allocBody(p.core, &p.nextCore, true)
}

// AllocFreeTemp is AllocTemp returning NoReg instead of aborting.
func (p *Pool) AllocFreeTemp() lir.Reg {
	return p.allocBody(p.core, &p.nextCore, false)
}

// AllocTempFloat pins a single-precision temp. Without an FPU it returns a
// core temp.
func (p *Pool) AllocTempFloat() lir.Reg {
	if len(p.fp) == 0 {
		return p.AllocTemp()
	}
	return p.allocBody(p.fp, &p.nextFP, true)
}

// AllocTempDouble pins an even-aligned pair of FP temps and returns the
// low half.
func (p *Pool) AllocTempDouble() lir.Reg {
	n := len(p.fp) &^ 1
	if n == 0 {
		abortf("no FP register pairs")
	}
	start := p.nextFP + p.nextFP&1
	for pass := 0; pass < 2; pass++ {
		idx := start
		for i := 0; i < n; i += 2 {
			if idx >= n {
				idx = 0
			}
			lo, hi := &p.fp[idx], &p.fp[idx+1]
			free := !lo.InUse && !hi.InUse
			if pass == 0 {
				free = free && !lo.Live && !hi.Live
			}
			if free {
				p.Clobber(lo.Reg)
				p.Clobber(hi.Reg)
				lo.InUse, hi.InUse = true, true
				p.nextFP = idx + 2
				return lo.Reg
			}
			idx += 2
		}
	}
	abortf("no free FP register pairs")
	return lir.NoReg
}

// AllocTypedTemp pins a temp suited to a value of the given kind.
func (p *Pool) AllocTypedTemp(fp bool, class RegClass) lir.Reg {
	if len(p.fp) > 0 && (class == FPRegClass || (fp && class == AnyReg)) {
		return p.AllocTempFloat()
	}
	return p.AllocTemp()
}

// AllocTypedTempPair pins two temps for a wide value.
func (p *Pool) AllocTypedTempPair(fp bool, class RegClass) (lo, hi lir.Reg) {
	if len(p.fp) > 1 && (class == FPRegClass || (fp && class == AnyReg)) {
		lo = p.AllocTempDouble()
		return lo, lo + 1
	}
	lo = p.AllocTemp()
	hi = p.AllocTemp()
	return lo, hi
}

// FreeTemp releases the pin on r.
func (p *Pool) FreeTemp(r lir.Reg) {
	ri := p.info(r)
	ri.InUse = false
	ri.Pair = false
}

// LockTemp pins r without checking its previous state; r loses any value.
func (p *Pool) LockTemp(r lir.Reg) {
	ri := p.info(r)
	ri.InUse = true
	ri.Live = false
}

// LockAllTemps pins every core temp, for sequences that manage registers
// by hand.
func (p *Pool) LockAllTemps() {
	for i := range p.core {
		p.LockTemp(p.core[i].Reg)
	}
}

// MarkInUse pins r.
func (p *Pool) MarkInUse(r lir.Reg) { p.info(r).InUse = true }

// IsLive returns r's descriptor if it holds a live value.
func (p *Pool) IsLive(r lir.Reg) *RegisterInfo {
	ri := p.Info(r)
	if ri == nil || !ri.Live {
		return nil
	}
	return ri
}

// MarkLive binds r to sreg, unbinding any other temp that held it.
func (p *Pool) MarkLive(r lir.Reg, sreg int) {
	ri := p.info(r)
	if ri.SReg == sreg && ri.Live {
		return
	}
	if sreg != InvalidSReg {
		p.ClobberSReg(sreg)
		ri.Live = true
	} else {
		ri.Live = false
	}
	ri.SReg = sreg
}

// MarkPair binds lo and hi as the halves of one wide value.
func (p *Pool) MarkPair(lo, hi lir.Reg) {
	l, h := p.info(lo), p.info(hi)
	l.Pair, h.Pair = true, true
	l.Partner, h.Partner = hi, lo
}

func (p *Pool) MarkDirty(r lir.Reg) { p.info(r).Dirty = true }
func (p *Pool) MarkClean(r lir.Reg) { p.info(r).Dirty = false }

func (p *Pool) copyInfo(dst, src lir.Reg) {
	d, s := p.info(dst), p.info(src)
	*d = *s
	d.Reg = dst
}

// MarkDef records that nodes start..end wrote rl's home slot.
func (p *Pool) MarkDef(rl RegLocation, start, end int) {
	ri := p.info(rl.LowReg)
	ri.defStart, ri.defEnd = start, end
}

// MarkDefWide is MarkDef for a pair; only the low half tracks the def.
func (p *Pool) MarkDefWide(rl RegLocation, start, end int) {
	p.info(rl.HighReg).resetDef()
	p.MarkDef(rl, start, end)
}

// ResetDef forgets the def recorded on r.
func (p *Pool) ResetDef(r lir.Reg) {
	if ri := p.Info(r); ri != nil {
		ri.resetDef()
	}
}

// ResetDefLoc drops the pending home write of the value rl's register held,
// since rl is being redefined before anything could read the slot.
func (p *Pool) ResetDefLoc(rl RegLocation) {
	ri := p.info(rl.LowReg)
	if !p.SuppressLoads && ri.defStart >= 0 && ri.defEnd >= 0 {
		p.sink.NullifyRange(ri.defStart, ri.defEnd)
	}
	ri.resetDef()
}

// ResetDefLocWide is ResetDefLoc for a pair.
func (p *Pool) ResetDefLocWide(rl RegLocation) {
	p.ResetDefLoc(rl)
	p.ResetDef(rl.HighReg)
}

// ResetDefTracking forgets every recorded def. Called at any point from
// which the home frame may be read, such as a branch out of the trace.
func (p *Pool) ResetDefTracking() {
	p.each(func(ri *RegisterInfo) { ri.resetDef() })
}

// Check verifies the binding invariants: no virtual register is live in
// two temps and pairs are bound symmetrically.
func (p *Pool) Check() error {
	owner := make(map[int]lir.Reg)
	var err error
	p.each(func(ri *RegisterInfo) {
		if err != nil {
			return
		}
		if ri.Live && ri.SReg != InvalidSReg {
			if prev, ok := owner[ri.SReg]; ok {
				err = errors.Fatalf(errors.ReasonRegisterConflict, "v%d bound to both %s and %s", ri.SReg, prev, ri.Reg)
				return
			}
			owner[ri.SReg] = ri.Reg
		}
		if ri.Pair {
			partner := p.Info(ri.Partner)
			if partner == nil || !partner.Pair || partner.Partner != ri.Reg {
				err = errors.Fatalf(errors.ReasonRegisterConflict, "%s paired with %s asymmetrically", ri.Reg, ri.Partner)
			}
		}
	})
	return err
}

// Dump renders every temp's state.
func (p *Pool) Dump() string {
	var sb strings.Builder
	p.each(func(ri *RegisterInfo) {
		sb.WriteString(ri.String())
		sb.WriteByte('\n')
	})
	return sb.String()
}

// NullChecked reports whether sreg was proven non-null in this block.
func (p *Pool) NullChecked(sreg int) bool {
	return sreg != InvalidSReg && p.nullChecked.IsSet(sreg)
}

// SetNullChecked records that sreg is non-null.
func (p *Pool) SetNullChecked(sreg int) {
	if sreg != InvalidSReg {
		p.nullChecked.Set(sreg)
	}
}

// KillNullChecked forgets the non-null fact for a redefined location.
func (p *Pool) KillNullChecked(rl RegLocation) {
	if rl.Location == LocRetval || rl.SReg == InvalidSReg {
		return
	}
	p.nullChecked.Clear(rl.SReg)
	if rl.Wide {
		p.nullChecked.Clear(rl.SReg + 1)
	}
}

// ForgetNullChecked forgets the non-null fact for sreg.
func (p *Pool) ForgetNullChecked(sreg int) {
	if sreg != InvalidSReg {
		p.nullChecked.Clear(sreg)
	}
}

// ResetNullChecks forgets every non-null fact.
func (p *Pool) ResetNullChecks() { p.nullChecked.ClearAll() }

// NullCheckedSet exposes the non-null set for inspection.
func (p *Pool) NullCheckedSet() *bitvec.BitVector { return p.nullChecked }

// GetReturn pins the core result register.
func (p *Pool) GetReturn() RegLocation {
	r := p.tgt.Ret0
	p.Clobber(r)
	p.markInUseIfTemp(r)
	return RegLocation{Location: LocPhysReg, LowReg: r, HighReg: lir.NoReg, SReg: InvalidSReg}
}

// GetReturnWide pins the core result pair.
func (p *Pool) GetReturnWide() RegLocation {
	lo, hi := p.tgt.Ret0, p.tgt.Ret1
	p.Clobber(lo)
	p.Clobber(hi)
	p.markInUseIfTemp(lo)
	p.markInUseIfTemp(hi)
	if p.Info(lo) != nil && p.Info(hi) != nil {
		p.MarkPair(lo, hi)
	}
	return RegLocation{Location: LocPhysReg, Wide: true, LowReg: lo, HighReg: hi, SReg: InvalidSReg}
}

// GetReturnAlt pins the register holding a helper's remainder result.
func (p *Pool) GetReturnAlt() RegLocation {
	r := p.tgt.RetAlt
	p.Clobber(r)
	p.markInUseIfTemp(r)
	return RegLocation{Location: LocPhysReg, LowReg: r, HighReg: lir.NoReg, SReg: InvalidSReg}
}

// GetReturnWideAlt pins the pair holding a wide remainder result.
func (p *Pool) GetReturnWideAlt() RegLocation {
	lo, hi := p.tgt.RetAltWide[0], p.tgt.RetAltWide[1]
	p.Clobber(lo)
	p.Clobber(hi)
	p.markInUseIfTemp(lo)
	p.markInUseIfTemp(hi)
	if p.Info(lo) != nil && p.Info(hi) != nil {
		p.MarkPair(lo, hi)
	}
	return RegLocation{Location: LocPhysReg, Wide: true, LowReg: lo, HighReg: hi, SReg: InvalidSReg}
}

func (p *Pool) markInUseIfTemp(r lir.Reg) {
	if ri := p.Info(r); ri != nil {
		ri.InUse = true
	}
}

// WideToNarrow splits a wide location into its low half.
func (p *Pool) WideToNarrow(rl RegLocation) RegLocation {
	if rl.Location == LocPhysReg {
		lo, hi := p.info(rl.LowReg), p.info(rl.HighReg)
		lo.Pair, hi.Pair = false, false
		lo.Partner, hi.Partner = lir.NoReg, lir.NoReg
		lo.resetDef()
		hi.resetDef()
	}
	rl.Wide = false
	return rl
}

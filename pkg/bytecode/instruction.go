package bytecode

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// MethodRef, ClassRef and ObjectRef are opaque runtime handles. Zero is never
// a valid handle.
type (
	MethodRef uint32
	ClassRef  uint32
	ObjectRef uint32
)

// SwitchTable holds the case targets of a packed or sparse switch. Targets are
// code-unit offsets relative to the switch instruction.
type SwitchTable struct {
	FirstKey int32   `json:"first_key,omitempty"`
	Keys     []int32 `json:"keys,omitempty"`
	Targets  []int32 `json:"targets"`
}

// Instruction is one decoded bytecode instruction.
//
// Register operands use the A/B/C convention: A is the destination (or the
// tested/stored register), B and C are sources. Range invokes carry the
// argument count in A and the first argument register in C.
type Instruction struct {
	Opcode  Opcode       `json:"op"`
	A       uint32       `json:"a,omitempty"`
	B       uint32       `json:"b,omitempty"`
	C       uint32       `json:"c,omitempty"`
	Literal int64        `json:"lit,omitempty"`
	Index   uint32       `json:"index,omitempty"`
	Target  int32        `json:"target,omitempty"`
	Args    []uint32     `json:"args,omitempty"`
	Switch  *SwitchTable `json:"switch,omitempty"`
}

// ArgRegs returns the argument registers of an invoke or filled-new-array.
func (in *Instruction) ArgRegs() []uint32 {
	if in.Opcode.IsRange() {
		regs := make([]uint32, in.A)
		for i := range regs {
			regs[i] = in.C + uint32(i)
		}
		return regs
	}
	return in.Args
}

func (in Instruction) String() string {
	switch {
	case in.Opcode.IsInvoke():
		return fmt.Sprintf("%s %v, method@%d", in.Opcode, in.ArgRegs(), in.Index)
	case in.Opcode.IsConditionalBranch() || in.Opcode == OpGoto:
		return fmt.Sprintf("%s v%d, v%d, %+d", in.Opcode, in.A, in.B, in.Target)
	case in.Opcode == OpConst || in.Opcode == OpConstWide:
		return fmt.Sprintf("%s v%d, #%d", in.Opcode, in.A, in.Literal)
	}
	return fmt.Sprintf("%s v%d, v%d, v%d", in.Opcode, in.A, in.B, in.C)
}

// Decoder turns the code of a method into decoded instructions.
type Decoder interface {
	Decode(method MethodRef, offset uint32) (Instruction, error)
}

// Listing is the decoded code of one method, laid out by instruction width.
type Listing struct {
	Method  MethodRef
	offsets []uint32
	insns   map[uint32]Instruction
	size    uint32
}

// NewListing lays insns out in order, each at the offset following the
// previous instruction's width.
func NewListing(method MethodRef, insns []Instruction) *Listing {
	l := &Listing{Method: method, insns: make(map[uint32]Instruction, len(insns))}
	var off uint32
	for _, in := range insns {
		l.offsets = append(l.offsets, off)
		l.insns[off] = in
		off += uint32(in.Opcode.Width())
	}
	l.size = off
	return l
}

// Decode returns the instruction at offset, which must be an instruction
// boundary.
func (l *Listing) Decode(offset uint32) (Instruction, error) {
	in, ok := l.insns[offset]
	if !ok {
		return Instruction{}, fmt.Errorf("method %d: no instruction at offset %#x", l.Method, offset)
	}
	if !in.Opcode.Valid() {
		return Instruction{}, fmt.Errorf("method %d: invalid opcode %d at %#x", l.Method, in.Opcode, offset)
	}
	return in, nil
}

// OffsetOf returns the code offset of the i-th instruction.
func (l *Listing) OffsetOf(i int) uint32 { return l.offsets[i] }

// Len returns the number of instructions.
func (l *Listing) Len() int { return len(l.offsets) }

// Size returns the code size in code units.
func (l *Listing) Size() uint32 { return l.size }

// Offsets returns every instruction offset in ascending order.
func (l *Listing) Offsets() []uint32 {
	out := make([]uint32, len(l.offsets))
	copy(out, l.offsets)
	return out
}

// Program is a Decoder over several method listings.
type Program map[MethodRef]*Listing

func (p Program) Decode(method MethodRef, offset uint32) (Instruction, error) {
	l, ok := p[method]
	if !ok {
		return Instruction{}, fmt.Errorf("no code for method %d", method)
	}
	return l.Decode(offset)
}

// Add registers a listing.
func (p Program) Add(l *Listing) { p[l.Method] = l }

type listingFile struct {
	Method MethodRef     `json:"method"`
	Insns  []Instruction `json:"insns"`
}

// LoadProgram reads a JSON array of {"method": id, "insns": [...]} objects.
func LoadProgram(path string) (Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var files []listingFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("failed to parse listing %s: %w", path, err)
	}
	p := make(Program, len(files))
	for _, f := range files {
		p.Add(NewListing(f.Method, f.Insns))
	}
	return p, nil
}

// Methods returns the method handles in ascending order.
func (p Program) Methods() []MethodRef {
	out := make([]MethodRef, 0, len(p))
	for m := range p {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

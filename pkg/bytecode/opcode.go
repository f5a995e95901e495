// Package bytecode describes the register bytecode the trace compiler
// consumes: the opcode table with control and data-flow attributes, the
// decoded instruction record and the decoder collaborator.
package bytecode

import "fmt"

type Opcode uint16

const (
	OpNop Opcode = iota
	OpMove
	OpMoveWide
	OpMoveObject
	OpMoveResult
	OpMoveResultWide
	OpMoveResultObject
	OpMoveException
	OpReturnVoid
	OpReturn
	OpReturnWide
	OpReturnObject
	OpConst
	OpConstWide
	OpConstString
	OpConstClass
	OpMonitorEnter
	OpMonitorExit
	OpCheckCast
	OpInstanceOf
	OpArrayLength
	OpNewInstance
	OpNewArray
	OpFilledNewArray
	OpFillArrayData
	OpThrow
	OpGoto
	OpPackedSwitch
	OpSparseSwitch
	OpCmplFloat
	OpCmpgFloat
	OpCmplDouble
	OpCmpgDouble
	OpCmpLong
	OpIfEq
	OpIfNe
	OpIfLt
	OpIfGe
	OpIfGt
	OpIfLe
	OpIfEqz
	OpIfNez
	OpIfLtz
	OpIfGez
	OpIfGtz
	OpIfLez
	OpAget
	OpAgetWide
	OpAgetObject
	OpAgetBoolean
	OpAgetByte
	OpAgetChar
	OpAgetShort
	OpAput
	OpAputWide
	OpAputObject
	OpAputBoolean
	OpAputByte
	OpAputChar
	OpAputShort
	OpIget
	OpIgetWide
	OpIgetObject
	OpIgetBoolean
	OpIgetByte
	OpIgetChar
	OpIgetShort
	OpIput
	OpIputWide
	OpIputObject
	OpIputBoolean
	OpIputByte
	OpIputChar
	OpIputShort
	OpSget
	OpSgetWide
	OpSgetObject
	OpSput
	OpSputWide
	OpSputObject
	OpInvokeVirtual
	OpInvokeSuper
	OpInvokeDirect
	OpInvokeStatic
	OpInvokeInterface
	OpInvokeVirtualRange
	OpInvokeSuperRange
	OpInvokeDirectRange
	OpInvokeStaticRange
	OpInvokeInterfaceRange
	OpNegInt
	OpNotInt
	OpNegLong
	OpNotLong
	OpNegFloat
	OpNegDouble
	OpIntToLong
	OpIntToFloat
	OpIntToDouble
	OpLongToInt
	OpLongToFloat
	OpLongToDouble
	OpFloatToInt
	OpFloatToLong
	OpFloatToDouble
	OpDoubleToInt
	OpDoubleToLong
	OpDoubleToFloat
	OpIntToByte
	OpIntToChar
	OpIntToShort
	OpAddInt
	OpSubInt
	OpMulInt
	OpDivInt
	OpRemInt
	OpAndInt
	OpOrInt
	OpXorInt
	OpShlInt
	OpShrInt
	OpUshrInt
	OpAddLong
	OpSubLong
	OpMulLong
	OpDivLong
	OpRemLong
	OpAndLong
	OpOrLong
	OpXorLong
	OpShlLong
	OpShrLong
	OpUshrLong
	OpAddFloat
	OpSubFloat
	OpMulFloat
	OpDivFloat
	OpRemFloat
	OpAddDouble
	OpSubDouble
	OpMulDouble
	OpDivDouble
	OpRemDouble
	OpAddIntLit
	OpRsubIntLit
	OpMulIntLit
	OpDivIntLit
	OpRemIntLit
	OpAndIntLit
	OpOrIntLit
	OpXorIntLit
	OpShlIntLit
	OpShrIntLit
	OpUshrIntLit

	NumOpcodes
)

// Flags describe how an instruction transfers control.
type Flags uint8

const (
	CanBranch Flags = 1 << iota
	CanContinue
	CanSwitch
	CanThrow
	CanReturn
	Invoke
)

// DataFlow describes which operands an instruction defines and uses.
type DataFlow uint32

const (
	DfDA DataFlow = 1 << iota
	DfDAWide
	DfUA
	DfUAWide
	DfUB
	DfUBWide
	DfUC
	DfUCWide
	DfFPA
	DfFPB
	DfFPC
	DfNullCheckA
	DfNullCheckB
	DfNullCheckArg0
	DfRangeCheckC
	DfUsesArgs
	DfIsMove
	DfIsGetter
	DfIsSetter
	DfSetsConst
	DfIsCall
	DfHeapRef
)

// Info is the static description of one opcode.
type Info struct {
	Name  string
	Width uint16 // in 16-bit code units
	Flags Flags
	DF    DataFlow
}

const (
	flowNext   = CanContinue
	flowThrow  = CanContinue | CanThrow
	flowBranch = CanBranch | CanContinue
	flowInvoke = CanContinue | CanThrow | Invoke
)

var infoTable = [NumOpcodes]Info{
	OpNop:                  {"nop", 1, flowNext, 0},
	OpMove:                 {"move", 1, flowNext, DfDA | DfUB | DfIsMove},
	OpMoveWide:             {"move-wide", 1, flowNext, DfDAWide | DfUBWide | DfIsMove},
	OpMoveObject:           {"move-object", 1, flowNext, DfDA | DfUB | DfIsMove},
	OpMoveResult:           {"move-result", 1, flowNext, DfDA},
	OpMoveResultWide:       {"move-result-wide", 1, flowNext, DfDAWide},
	OpMoveResultObject:     {"move-result-object", 1, flowNext, DfDA},
	OpMoveException:        {"move-exception", 1, flowNext, DfDA},
	OpReturnVoid:           {"return-void", 1, CanReturn, 0},
	OpReturn:               {"return", 1, CanReturn, DfUA},
	OpReturnWide:           {"return-wide", 1, CanReturn, DfUAWide},
	OpReturnObject:         {"return-object", 1, CanReturn, DfUA},
	OpConst:                {"const", 3, flowNext, DfDA | DfSetsConst},
	OpConstWide:            {"const-wide", 5, flowNext, DfDAWide | DfSetsConst},
	OpConstString:          {"const-string", 2, flowThrow, DfDA},
	OpConstClass:           {"const-class", 2, flowThrow, DfDA},
	OpMonitorEnter:         {"monitor-enter", 1, flowThrow, DfUA | DfNullCheckA},
	OpMonitorExit:          {"monitor-exit", 1, flowThrow, DfUA | DfNullCheckA},
	OpCheckCast:            {"check-cast", 2, flowThrow, DfUA},
	OpInstanceOf:           {"instance-of", 2, flowThrow, DfDA | DfUB},
	OpArrayLength:          {"array-length", 1, flowThrow, DfDA | DfUB | DfNullCheckB},
	OpNewInstance:          {"new-instance", 2, flowThrow, DfDA},
	OpNewArray:             {"new-array", 2, flowThrow, DfDA | DfUB},
	OpFilledNewArray:       {"filled-new-array", 3, flowThrow, DfUsesArgs},
	OpFillArrayData:        {"fill-array-data", 3, flowThrow, DfUA},
	OpThrow:                {"throw", 1, CanThrow, DfUA},
	OpGoto:                 {"goto", 1, CanBranch, 0},
	OpPackedSwitch:         {"packed-switch", 3, CanSwitch | CanContinue, DfUA},
	OpSparseSwitch:         {"sparse-switch", 3, CanSwitch | CanContinue, DfUA},
	OpCmplFloat:            {"cmpl-float", 2, flowNext, DfDA | DfUB | DfUC | DfFPB | DfFPC},
	OpCmpgFloat:            {"cmpg-float", 2, flowNext, DfDA | DfUB | DfUC | DfFPB | DfFPC},
	OpCmplDouble:           {"cmpl-double", 2, flowNext, DfDA | DfUBWide | DfUCWide | DfFPB | DfFPC},
	OpCmpgDouble:           {"cmpg-double", 2, flowNext, DfDA | DfUBWide | DfUCWide | DfFPB | DfFPC},
	OpCmpLong:              {"cmp-long", 2, flowNext, DfDA | DfUBWide | DfUCWide},
	OpIfEq:                 {"if-eq", 2, flowBranch, DfUA | DfUB},
	OpIfNe:                 {"if-ne", 2, flowBranch, DfUA | DfUB},
	OpIfLt:                 {"if-lt", 2, flowBranch, DfUA | DfUB},
	OpIfGe:                 {"if-ge", 2, flowBranch, DfUA | DfUB},
	OpIfGt:                 {"if-gt", 2, flowBranch, DfUA | DfUB},
	OpIfLe:                 {"if-le", 2, flowBranch, DfUA | DfUB},
	OpIfEqz:                {"if-eqz", 2, flowBranch, DfUA},
	OpIfNez:                {"if-nez", 2, flowBranch, DfUA},
	OpIfLtz:                {"if-ltz", 2, flowBranch, DfUA},
	OpIfGez:                {"if-gez", 2, flowBranch, DfUA},
	OpIfGtz:                {"if-gtz", 2, flowBranch, DfUA},
	OpIfLez:                {"if-lez", 2, flowBranch, DfUA},
	OpAget:                 {"aget", 2, flowThrow, DfDA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAgetWide:             {"aget-wide", 2, flowThrow, DfDAWide | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAgetObject:           {"aget-object", 2, flowThrow, DfDA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAgetBoolean:          {"aget-boolean", 2, flowThrow, DfDA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAgetByte:             {"aget-byte", 2, flowThrow, DfDA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAgetChar:             {"aget-char", 2, flowThrow, DfDA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAgetShort:            {"aget-short", 2, flowThrow, DfDA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAput:                 {"aput", 2, flowThrow, DfUA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAputWide:             {"aput-wide", 2, flowThrow, DfUAWide | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAputObject:           {"aput-object", 2, flowThrow, DfUA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC | DfHeapRef},
	OpAputBoolean:          {"aput-boolean", 2, flowThrow, DfUA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAputByte:             {"aput-byte", 2, flowThrow, DfUA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAputChar:             {"aput-char", 2, flowThrow, DfUA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpAputShort:            {"aput-short", 2, flowThrow, DfUA | DfUB | DfUC | DfNullCheckB | DfRangeCheckC},
	OpIget:                 {"iget", 2, flowThrow, DfDA | DfUB | DfNullCheckB | DfIsGetter},
	OpIgetWide:             {"iget-wide", 2, flowThrow, DfDAWide | DfUB | DfNullCheckB | DfIsGetter},
	OpIgetObject:           {"iget-object", 2, flowThrow, DfDA | DfUB | DfNullCheckB | DfIsGetter},
	OpIgetBoolean:          {"iget-boolean", 2, flowThrow, DfDA | DfUB | DfNullCheckB | DfIsGetter},
	OpIgetByte:             {"iget-byte", 2, flowThrow, DfDA | DfUB | DfNullCheckB | DfIsGetter},
	OpIgetChar:             {"iget-char", 2, flowThrow, DfDA | DfUB | DfNullCheckB | DfIsGetter},
	OpIgetShort:            {"iget-short", 2, flowThrow, DfDA | DfUB | DfNullCheckB | DfIsGetter},
	OpIput:                 {"iput", 2, flowThrow, DfUA | DfUB | DfNullCheckB | DfIsSetter},
	OpIputWide:             {"iput-wide", 2, flowThrow, DfUAWide | DfUB | DfNullCheckB | DfIsSetter},
	OpIputObject:           {"iput-object", 2, flowThrow, DfUA | DfUB | DfNullCheckB | DfIsSetter | DfHeapRef},
	OpIputBoolean:          {"iput-boolean", 2, flowThrow, DfUA | DfUB | DfNullCheckB | DfIsSetter},
	OpIputByte:             {"iput-byte", 2, flowThrow, DfUA | DfUB | DfNullCheckB | DfIsSetter},
	OpIputChar:             {"iput-char", 2, flowThrow, DfUA | DfUB | DfNullCheckB | DfIsSetter},
	OpIputShort:            {"iput-short", 2, flowThrow, DfUA | DfUB | DfNullCheckB | DfIsSetter},
	OpSget:                 {"sget", 2, flowThrow, DfDA},
	OpSgetWide:             {"sget-wide", 2, flowThrow, DfDAWide},
	OpSgetObject:           {"sget-object", 2, flowThrow, DfDA},
	OpSput:                 {"sput", 2, flowThrow, DfUA},
	OpSputWide:             {"sput-wide", 2, flowThrow, DfUAWide},
	OpSputObject:           {"sput-object", 2, flowThrow, DfUA | DfHeapRef},
	OpInvokeVirtual:        {"invoke-virtual", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpInvokeSuper:          {"invoke-super", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpInvokeDirect:         {"invoke-direct", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpInvokeStatic:         {"invoke-static", 3, flowInvoke, DfUsesArgs | DfIsCall},
	OpInvokeInterface:      {"invoke-interface", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpInvokeVirtualRange:   {"invoke-virtual/range", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpInvokeSuperRange:     {"invoke-super/range", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpInvokeDirectRange:    {"invoke-direct/range", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpInvokeStaticRange:    {"invoke-static/range", 3, flowInvoke, DfUsesArgs | DfIsCall},
	OpInvokeInterfaceRange: {"invoke-interface/range", 3, flowInvoke, DfUsesArgs | DfNullCheckArg0 | DfIsCall},
	OpNegInt:               {"neg-int", 1, flowNext, DfDA | DfUB},
	OpNotInt:               {"not-int", 1, flowNext, DfDA | DfUB},
	OpNegLong:              {"neg-long", 1, flowNext, DfDAWide | DfUBWide},
	OpNotLong:              {"not-long", 1, flowNext, DfDAWide | DfUBWide},
	OpNegFloat:             {"neg-float", 1, flowNext, DfDA | DfUB | DfFPA | DfFPB},
	OpNegDouble:            {"neg-double", 1, flowNext, DfDAWide | DfUBWide | DfFPA | DfFPB},
	OpIntToLong:            {"int-to-long", 1, flowNext, DfDAWide | DfUB},
	OpIntToFloat:           {"int-to-float", 1, flowNext, DfDA | DfUB | DfFPA},
	OpIntToDouble:          {"int-to-double", 1, flowNext, DfDAWide | DfUB | DfFPA},
	OpLongToInt:            {"long-to-int", 1, flowNext, DfDA | DfUBWide},
	OpLongToFloat:          {"long-to-float", 1, flowNext, DfDA | DfUBWide | DfFPA},
	OpLongToDouble:         {"long-to-double", 1, flowNext, DfDAWide | DfUBWide | DfFPA},
	OpFloatToInt:           {"float-to-int", 1, flowNext, DfDA | DfUB | DfFPB},
	OpFloatToLong:          {"float-to-long", 1, flowNext, DfDAWide | DfUB | DfFPB},
	OpFloatToDouble:        {"float-to-double", 1, flowNext, DfDAWide | DfUB | DfFPA | DfFPB},
	OpDoubleToInt:          {"double-to-int", 1, flowNext, DfDA | DfUBWide | DfFPB},
	OpDoubleToLong:         {"double-to-long", 1, flowNext, DfDAWide | DfUBWide | DfFPB},
	OpDoubleToFloat:        {"double-to-float", 1, flowNext, DfDA | DfUBWide | DfFPA | DfFPB},
	OpIntToByte:            {"int-to-byte", 1, flowNext, DfDA | DfUB},
	OpIntToChar:            {"int-to-char", 1, flowNext, DfDA | DfUB},
	OpIntToShort:           {"int-to-short", 1, flowNext, DfDA | DfUB},
	OpAddInt:               {"add-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpSubInt:               {"sub-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpMulInt:               {"mul-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpDivInt:               {"div-int", 2, flowThrow, DfDA | DfUB | DfUC},
	OpRemInt:               {"rem-int", 2, flowThrow, DfDA | DfUB | DfUC},
	OpAndInt:               {"and-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpOrInt:                {"or-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpXorInt:               {"xor-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpShlInt:               {"shl-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpShrInt:               {"shr-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpUshrInt:              {"ushr-int", 2, flowNext, DfDA | DfUB | DfUC},
	OpAddLong:              {"add-long", 2, flowNext, DfDAWide | DfUBWide | DfUCWide},
	OpSubLong:              {"sub-long", 2, flowNext, DfDAWide | DfUBWide | DfUCWide},
	OpMulLong:              {"mul-long", 2, flowNext, DfDAWide | DfUBWide | DfUCWide},
	OpDivLong:              {"div-long", 2, flowThrow, DfDAWide | DfUBWide | DfUCWide},
	OpRemLong:              {"rem-long", 2, flowThrow, DfDAWide | DfUBWide | DfUCWide},
	OpAndLong:              {"and-long", 2, flowNext, DfDAWide | DfUBWide | DfUCWide},
	OpOrLong:               {"or-long", 2, flowNext, DfDAWide | DfUBWide | DfUCWide},
	OpXorLong:              {"xor-long", 2, flowNext, DfDAWide | DfUBWide | DfUCWide},
	OpShlLong:              {"shl-long", 2, flowNext, DfDAWide | DfUBWide | DfUC},
	OpShrLong:              {"shr-long", 2, flowNext, DfDAWide | DfUBWide | DfUC},
	OpUshrLong:             {"ushr-long", 2, flowNext, DfDAWide | DfUBWide | DfUC},
	OpAddFloat:             {"add-float", 2, flowNext, DfDA | DfUB | DfUC | DfFPA | DfFPB | DfFPC},
	OpSubFloat:             {"sub-float", 2, flowNext, DfDA | DfUB | DfUC | DfFPA | DfFPB | DfFPC},
	OpMulFloat:             {"mul-float", 2, flowNext, DfDA | DfUB | DfUC | DfFPA | DfFPB | DfFPC},
	OpDivFloat:             {"div-float", 2, flowNext, DfDA | DfUB | DfUC | DfFPA | DfFPB | DfFPC},
	OpRemFloat:             {"rem-float", 2, flowNext, DfDA | DfUB | DfUC | DfFPA | DfFPB | DfFPC},
	OpAddDouble:            {"add-double", 2, flowNext, DfDAWide | DfUBWide | DfUCWide | DfFPA | DfFPB | DfFPC},
	OpSubDouble:            {"sub-double", 2, flowNext, DfDAWide | DfUBWide | DfUCWide | DfFPA | DfFPB | DfFPC},
	OpMulDouble:            {"mul-double", 2, flowNext, DfDAWide | DfUBWide | DfUCWide | DfFPA | DfFPB | DfFPC},
	OpDivDouble:            {"div-double", 2, flowNext, DfDAWide | DfUBWide | DfUCWide | DfFPA | DfFPB | DfFPC},
	OpRemDouble:            {"rem-double", 2, flowNext, DfDAWide | DfUBWide | DfUCWide | DfFPA | DfFPB | DfFPC},
	OpAddIntLit:            {"add-int/lit", 2, flowNext, DfDA | DfUB},
	OpRsubIntLit:           {"rsub-int/lit", 2, flowNext, DfDA | DfUB},
	OpMulIntLit:            {"mul-int/lit", 2, flowNext, DfDA | DfUB},
	OpDivIntLit:            {"div-int/lit", 2, flowThrow, DfDA | DfUB},
	OpRemIntLit:            {"rem-int/lit", 2, flowThrow, DfDA | DfUB},
	OpAndIntLit:            {"and-int/lit", 2, flowNext, DfDA | DfUB},
	OpOrIntLit:             {"or-int/lit", 2, flowNext, DfDA | DfUB},
	OpXorIntLit:            {"xor-int/lit", 2, flowNext, DfDA | DfUB},
	OpShlIntLit:            {"shl-int/lit", 2, flowNext, DfDA | DfUB},
	OpShrIntLit:            {"shr-int/lit", 2, flowNext, DfDA | DfUB},
	OpUshrIntLit:           {"ushr-int/lit", 2, flowNext, DfDA | DfUB},
}

var nameToOpcode map[string]Opcode

func init() {
	nameToOpcode = make(map[string]Opcode, NumOpcodes)
	for op := Opcode(0); op < NumOpcodes; op++ {
		nameToOpcode[infoTable[op].Name] = op
	}
}

// Info returns the static description of op.
func (op Opcode) Info() Info {
	if op >= NumOpcodes {
		return Info{Name: fmt.Sprintf("op(%d)", uint16(op))}
	}
	return infoTable[op]
}

func (op Opcode) String() string { return op.Info().Name }

func (op Opcode) Valid() bool { return op < NumOpcodes }

func (op Opcode) Flags() Flags { return op.Info().Flags }

func (op Opcode) DataFlow() DataFlow { return op.Info().DF }

func (op Opcode) Width() uint16 { return op.Info().Width }

// EndsBlock reports whether an instruction terminates a basic block.
func (op Opcode) EndsBlock() bool {
	f := op.Flags()
	return f&(CanBranch|CanSwitch|CanReturn|Invoke) != 0 || f&CanContinue == 0
}

// IsInvoke reports whether op is any invoke form.
func (op Opcode) IsInvoke() bool { return op.Flags()&Invoke != 0 }

// IsRange reports whether op is an invoke/range form.
func (op Opcode) IsRange() bool {
	return op >= OpInvokeVirtualRange && op <= OpInvokeInterfaceRange
}

// IsConditionalBranch reports whether op is an if-* instruction.
func (op Opcode) IsConditionalBranch() bool {
	return op >= OpIfEq && op <= OpIfLez
}

// OpcodeByName resolves a mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := nameToOpcode[name]
	return op, ok
}

func (op Opcode) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid opcode %d", uint16(op))
	}
	return []byte(op.String()), nil
}

func (op *Opcode) UnmarshalText(b []byte) error {
	v, ok := nameToOpcode[string(b)]
	if !ok {
		return fmt.Errorf("unknown opcode %q", string(b))
	}
	*op = v
	return nil
}

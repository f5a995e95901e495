package lir

// SymbolKind selects the table a symbolic operand is resolved against.
type SymbolKind uint8

const (
	SymHelper SymbolKind = iota
	SymTemplate
)

// EncodeContext carries the addresses an encoder needs for one node.
type EncodeContext struct {
	// PC is the address the node will execute at.
	PC uintptr
	// TargetPC is the resolved address of Target, when the node has one.
	TargetPC uintptr
	// Resolve maps a helper or template id to its address.
	Resolve func(kind SymbolKind, id int64) (uintptr, bool)
}

// Encoder turns one LIR node into machine bytes. Size must not depend on
// addresses so layout can be computed before encoding.
type Encoder interface {
	Name() string
	Size(l *LIR) (int, error)
	Encode(buf []byte, l *LIR, ctx *EncodeContext) (int, error)
	// Pad fills alignment padding.
	Pad(buf []byte)
}

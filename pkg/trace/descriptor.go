// Package trace turns a trace descriptor recorded by the profiler into the
// basic-block graph the compiler lowers.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ascrivener/tracejit/pkg/bytecode"
)

// DefaultMaxInsns is the instruction budget of a request that sets none.
const DefaultMaxInsns = 100

// MaxChainedSwitchCases is the number of switch cases that get their own
// chaining cell. Higher cases go through the switch overflow pad.
const MaxChainedSwitchCases = 64

// Opt names an optimization a recompile request can switch off.
type Opt uint8

const (
	OptNullCheckElimination Opt = 1 << iota
	OptMethodInlining
	OptSuperblocks
	OptLoop
)

// Has reports whether o includes every bit of x.
func (o Opt) Has(x Opt) bool { return o&x == x }

var optNames = []struct {
	opt  Opt
	name string
}{
	{OptNullCheckElimination, "null-check-elimination"},
	{OptMethodInlining, "method-inlining"},
	{OptSuperblocks, "superblocks"},
	{OptLoop, "loop"},
}

// ParseOpt returns the optimization with the given name.
func ParseOpt(name string) (Opt, error) {
	for _, o := range optNames {
		if o.name == name {
			return o.opt, nil
		}
	}
	return 0, fmt.Errorf("unknown optimization %q", name)
}

func (o Opt) String() string {
	var names []string
	for _, n := range optNames {
		if o.Has(n.opt) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// CallsiteHint is the receiver seen by the profiler at a virtual invoke.
type CallsiteHint struct {
	Class  bytecode.ClassRef  `json:"class"`
	Method bytecode.MethodRef `json:"method"`
}

// Run is one straight-line stretch of recorded bytecode.
type Run struct {
	Start    uint32 `json:"start"`
	NumInsns int    `json:"num_insns"`
	// Callsite describes the invoke ending the run, if any.
	Callsite *CallsiteHint `json:"callsite,omitempty"`
}

// LoopCheckKind selects the hoisted check a loop analysis produced.
type LoopCheckKind uint8

const (
	CountUp LoopCheckKind = iota
	CountDown
	LowerBound
)

// LoopCheck is one range check hoisted out of a loop body. Array accesses in
// the body using Array and Index skip their own null and range checks.
type LoopCheck struct {
	Kind     LoopCheckKind   `json:"kind"`
	Array    int             `json:"array"`
	Index    int             `json:"index"`
	End      int             `json:"end,omitempty"`
	MaxC     int32           `json:"max_c,omitempty"`
	MinC     int32           `json:"min_c,omitempty"`
	ExitCond bytecode.Opcode `json:"exit_cond,omitempty"`
}

// Descriptor is one compile request.
type Descriptor struct {
	Method bytecode.MethodRef `json:"method"`
	Runs   []Run              `json:"runs"`
	// NoLoop forbids loop mode even when the trace has a back edge.
	NoLoop   bool `json:"no_loop,omitempty"`
	MaxInsns int  `json:"max_insns,omitempty"`
	// Recompile marks a retry with DisabledOpts switched off.
	Recompile    bool        `json:"recompile,omitempty"`
	DisabledOpts Opt         `json:"disabled_opts,omitempty"`
	LoopChecks   []LoopCheck `json:"loop_checks,omitempty"`
}

// Budget returns the effective instruction budget.
func (d *Descriptor) Budget() int {
	if d.MaxInsns <= 0 {
		return DefaultMaxInsns
	}
	return d.MaxInsns
}

// NumInsns returns the number of recorded instructions.
func (d *Descriptor) NumInsns() int {
	n := 0
	for _, r := range d.Runs {
		n += r.NumInsns
	}
	return n
}

// StartOffset returns the bytecode offset the trace is entered at.
func (d *Descriptor) StartOffset() uint32 {
	if len(d.Runs) == 0 {
		return 0
	}
	return d.Runs[0].Start
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("method %d @%#x (%d runs, %d insns)", d.Method, d.StartOffset(), len(d.Runs), d.NumInsns())
}

// WithoutLoop returns a copy of d that compiles as a plain trace.
func (d *Descriptor) WithoutLoop() *Descriptor {
	c := *d
	c.NoLoop = true
	c.Recompile = true
	c.LoopChecks = nil
	return &c
}

// Truncated returns a copy of d keeping only its first n instructions.
func (d *Descriptor) Truncated(n int) *Descriptor {
	c := *d
	c.Recompile = true
	c.Runs = nil
	for _, r := range d.Runs {
		if n <= 0 {
			break
		}
		if r.NumInsns > n {
			r.NumInsns = n
		}
		n -= r.NumInsns
		c.Runs = append(c.Runs, r)
	}
	return &c
}

// LoadDescriptors reads a JSON descriptor or array of descriptors.
func LoadDescriptors(path string) ([]*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDescriptors(data)
}

// ParseDescriptors decodes a JSON descriptor or array of descriptors.
func ParseDescriptors(data []byte) ([]*Descriptor, error) {
	var many []*Descriptor
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one Descriptor
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("failed to parse trace descriptor: %w", err)
	}
	return []*Descriptor{&one}, nil
}

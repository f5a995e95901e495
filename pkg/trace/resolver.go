package trace

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ascrivener/tracejit/pkg/bytecode"
)

// MethodInfo is what the compiler needs to know about a method's frame.
type MethodInfo struct {
	Registers int  `json:"registers"`
	Ins       int  `json:"ins"`
	Outs      int  `json:"outs"`
	Native    bool `json:"native,omitempty"`
}

// Resolver turns symbolic pool references of a method into runtime values.
// A false result means the reference is unresolved; the instruction then
// single-steps.
type Resolver interface {
	Method(m bytecode.MethodRef) (MethodInfo, bool)
	ResolveMethod(caller bytecode.MethodRef, index uint32) (bytecode.MethodRef, bool)
	// ResolveField returns the byte offset of an instance field or the
	// address of a static field.
	ResolveField(caller bytecode.MethodRef, index uint32) (uint32, bool)
	ResolveClass(caller bytecode.MethodRef, index uint32) (bytecode.ClassRef, bool)
	ResolveString(caller bytecode.MethodRef, index uint32) (bytecode.ObjectRef, bool)
}

// PoolKey addresses one pool entry of one method.
type PoolKey struct {
	Method bytecode.MethodRef
	Index  uint32
}

// StaticResolver serves resolutions from tables.
type StaticResolver struct {
	Methods    map[bytecode.MethodRef]MethodInfo
	MethodRefs map[PoolKey]bytecode.MethodRef
	Fields     map[PoolKey]uint32
	Classes    map[PoolKey]bytecode.ClassRef
	Strings    map[PoolKey]bytecode.ObjectRef
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		Methods:    make(map[bytecode.MethodRef]MethodInfo),
		MethodRefs: make(map[PoolKey]bytecode.MethodRef),
		Fields:     make(map[PoolKey]uint32),
		Classes:    make(map[PoolKey]bytecode.ClassRef),
		Strings:    make(map[PoolKey]bytecode.ObjectRef),
	}
}

func (r *StaticResolver) Method(m bytecode.MethodRef) (MethodInfo, bool) {
	info, ok := r.Methods[m]
	return info, ok
}

func (r *StaticResolver) ResolveMethod(caller bytecode.MethodRef, index uint32) (bytecode.MethodRef, bool) {
	m, ok := r.MethodRefs[PoolKey{caller, index}]
	return m, ok && m != 0
}

func (r *StaticResolver) ResolveField(caller bytecode.MethodRef, index uint32) (uint32, bool) {
	f, ok := r.Fields[PoolKey{caller, index}]
	return f, ok
}

func (r *StaticResolver) ResolveClass(caller bytecode.MethodRef, index uint32) (bytecode.ClassRef, bool) {
	c, ok := r.Classes[PoolKey{caller, index}]
	return c, ok && c != 0
}

func (r *StaticResolver) ResolveString(caller bytecode.MethodRef, index uint32) (bytecode.ObjectRef, bool) {
	s, ok := r.Strings[PoolKey{caller, index}]
	return s, ok && s != 0
}

type poolEntry struct {
	Method bytecode.MethodRef `json:"method"`
	Index  uint32             `json:"index"`
	Value  uint32             `json:"value"`
}

type resolverFile struct {
	Methods map[string]MethodInfo `json:"methods"`
	Invokes []poolEntry           `json:"invokes"`
	Fields  []poolEntry           `json:"fields"`
	Classes []poolEntry           `json:"classes"`
	Strings []poolEntry           `json:"strings"`
}

// LoadResolver reads resolution tables from JSON. Method keys are decimal
// method handles.
func LoadResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f resolverFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse resolver %s: %w", path, err)
	}
	r := NewStaticResolver()
	for k, info := range f.Methods {
		var m uint32
		if _, err := fmt.Sscanf(k, "%d", &m); err != nil {
			return nil, fmt.Errorf("resolver %s: bad method key %q", path, k)
		}
		r.Methods[bytecode.MethodRef(m)] = info
	}
	for _, e := range f.Invokes {
		r.MethodRefs[PoolKey{e.Method, e.Index}] = bytecode.MethodRef(e.Value)
	}
	for _, e := range f.Fields {
		r.Fields[PoolKey{e.Method, e.Index}] = e.Value
	}
	for _, e := range f.Classes {
		r.Classes[PoolKey{e.Method, e.Index}] = bytecode.ClassRef(e.Value)
	}
	for _, e := range f.Strings {
		r.Strings[PoolKey{e.Method, e.Index}] = bytecode.ObjectRef(e.Value)
	}
	return r, nil
}

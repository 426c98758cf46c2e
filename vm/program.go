package vm

import (
	"fmt"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Program: the linked set of functions, classes and natives
// ---------------------------------------------------------------------------

// Program holds everything a Runtime executes. It is built by the loader,
// then shared read-only by every execution context.
type Program struct {
	mu        sync.RWMutex
	functions map[string]*Function
	classes   map[string]*Class
	natives   *NativeTable
}

// NewProgram creates a program containing the built-in class hierarchy and
// an empty native table.
func NewProgram() *Program {
	p := &Program{
		functions: make(map[string]*Function),
		classes:   make(map[string]*Class),
		natives:   NewNativeTable(),
	}
	for _, b := range builtinHierarchy {
		var super *Class
		if b.super != "" {
			super = p.classes[b.super]
		}
		p.classes[b.name] = &Class{Name: b.name, Superclass: super, Fields: b.fields}
	}
	return p
}

// AddFunction validates f and adds it to the program.
func (p *Program) AddFunction(f *Function) error {
	if err := f.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.functions[f.Name]; dup {
		return fmt.Errorf("function %s already defined", f.Name)
	}
	p.functions[f.Name] = f
	return nil
}

// Function looks up a function by name.
func (p *Program) Function(name string) (*Function, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.functions[name]
	return f, ok
}

// Functions returns all functions sorted by name.
func (p *Program) Functions() []*Function {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Function, 0, len(p.functions))
	for _, f := range p.functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefineClass adds a user class. An empty superclass name means Object.
func (p *Program) DefineClass(name, superclass string, fields ...string) (*Class, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.classes[name]; dup {
		return nil, fmt.Errorf("class %s already defined", name)
	}
	if superclass == "" {
		superclass = ClassObject
	}
	super, ok := p.classes[superclass]
	if !ok {
		return nil, fmt.Errorf("class %s: unknown superclass %s", name, superclass)
	}
	c := &Class{Name: name, Superclass: super, Fields: fields}
	p.classes[name] = c
	return c, nil
}

// Class looks up a class by name.
func (p *Program) Class(name string) (*Class, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.classes[name]
	return c, ok
}

// Classes returns every class sorted by name.
func (p *Program) Classes() []*Class {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Class, 0, len(p.classes))
	for _, c := range p.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Program) mustClass(name string) *Class {
	c, ok := p.Class(name)
	if !ok {
		fault(KindLinkage, "unknown class %s", name)
	}
	return c
}

// Natives returns the program's native table.
func (p *Program) Natives() *NativeTable {
	return p.natives
}

// NewException creates an exception instance of the named Throwable class.
// Unknown names fall back to RuntimeException.
func (p *Program) NewException(className, message string) *Instance {
	c, ok := p.Class(className)
	if !ok || !c.IsSubclassOf(p.mustClass(ClassThrowable)) {
		c = p.mustClass(ClassRuntimeException)
	}
	exc := NewInstance(c)
	exc.SetField("message", message)
	return exc
}

// classOf returns the runtime class of a non-null boxed value.
func (p *Program) classOf(v Value) *Class {
	if inst, ok := v.(*Instance); ok {
		return inst.Class
	}
	if name, ok := boxClassNames[TypeOf(v)]; ok {
		return p.mustClass(name)
	}
	return p.mustClass(ClassObject)
}

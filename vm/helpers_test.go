package vm

import (
	"context"
	"fmt"
	"testing"
)

// slotsOf declares slots r0..rN with the given kinds.
func slotsOf(kinds ...DataType) []SlotDecl {
	out := make([]SlotDecl, len(kinds))
	for i, k := range kinds {
		out[i] = SlotDecl{Name: fmt.Sprintf("r%d", i), Type: k}
	}
	return out
}

func nop(b *CodeBuilder) {
	b.EmitOp(OpNop, TypeGeneric, ShapeN)
}

// padTo fills with nops up to pc.
func padTo(b *CodeBuilder, pc int) {
	for b.PC() < pc {
		nop(b)
	}
}

func call(b *CodeBuilder, op Opcode, dst, callee, first, argc uint32) {
	b.EmitOp(op, TypeGeneric, ShapeCall, dst, callee, first, argc)
}

func newTestProgram(t *testing.T, fns ...*Function) *Program {
	t.Helper()
	p := NewProgram()
	addFunctions(t, p, fns...)
	return p
}

func addFunctions(t *testing.T, p *Program, fns ...*Function) {
	t.Helper()
	for _, f := range fns {
		if err := p.AddFunction(f); err != nil {
			t.Fatalf("AddFunction(%s): %v", f.Name, err)
		}
	}
}

func mustClass(t *testing.T, p *Program, name string) *Class {
	t.Helper()
	c, ok := p.Class(name)
	if !ok {
		t.Fatalf("class %s not defined", name)
	}
	return c
}

// forkManual forks name as a manual context and drives the runtime until
// idle.
func forkManual(t *testing.T, rt *Runtime, name string, args ...Value) *Task {
	t.Helper()
	task, err := rt.ForkByName(context.Background(), name, args, ForkOptions{Manual: true})
	if err != nil {
		t.Fatalf("ForkByName(%s): %v", name, err)
	}
	rt.RunUntilIdle()
	return task
}

func runManual(t *testing.T, p *Program, name string, args ...Value) (*Runtime, *Task) {
	t.Helper()
	rt := NewRuntime(p, Config{})
	return rt, forkManual(t, rt, name, args...)
}

func mustResult(t *testing.T, task *Task) Value {
	t.Helper()
	if !task.Finished() {
		t.Fatalf("task %s has not finished", task.ID())
	}
	v, err := task.Result()
	if err != nil {
		t.Fatalf("task failed: %v", err)
	}
	return v
}

func taskError(t *testing.T, task *Task) *Error {
	t.Helper()
	if !task.Finished() {
		t.Fatalf("task %s has not finished", task.ID())
	}
	_, err := task.Result()
	if err == nil {
		t.Fatal("task succeeded, want error")
	}
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("error is %T, want *Error", err)
	}
	return e
}

// expectFault runs fn and requires it to fault with the given kind.
func expectFault(t *testing.T, kind ErrorKind, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		e, ok := r.(*Error)
		if !ok || e.Kind != kind {
			t.Fatalf("recovered %v, want %s fault", r, kind)
		}
	}()
	fn()
}

// expectThrown runs fn and returns the class of the interpreted exception
// it raises.
func expectThrown(t *testing.T, fn func()) (class string) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		th, ok := r.(*thrown)
		if !ok {
			t.Fatalf("recovered %v, want interpreted exception", r)
		}
		class = th.class
	}()
	fn()
	return ""
}

// registerWait adds test.wait, a native with an int result that never
// finishes during Invoke.
func registerWait(t *testing.T, p *Program) {
	t.Helper()
	err := p.Natives().Register(&Native{
		Name:   "test.wait",
		Result: TypeInt,
		Invoke: func(*NativeCall) {},
	})
	if err != nil {
		t.Fatal(err)
	}
}

// waitOne calls test.wait and returns its result.
func waitOne(name string) *Function {
	b := NewCodeBuilder()
	call(b, OpCallNative, 0, 0, 0, 0)
	b.EmitOp(OpReturn, TypeInt, ShapeV, 0)
	return &Function{
		Name:      name,
		Slots:     slotsOf(TypeInt),
		Result:    TypeInt,
		Code:      b.Code(),
		Constants: []Value{NativeRef("test.wait")},
	}
}

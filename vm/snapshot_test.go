package vm

import (
	"context"
	"testing"
)

// pointWaiter builds a Point from its argument, then waits for test.wait and
// returns its result plus the argument.
func pointWaiter(t *testing.T) *Program {
	p := NewProgram()
	point, err := p.DefineClass("Point", "", "x", "y")
	if err != nil {
		t.Fatal(err)
	}
	b := NewCodeBuilder()
	b.EmitOp(OpLoad, TypeString, ShapeVC, 1, 0)
	b.EmitOp(OpNew, TypeObject, ShapeVC, 2, 1)
	b.EmitOp(OpPutField, TypeGeneric, ShapeVVC, 2, 0, 2)
	call(b, OpCallNative, 3, 3, 0, 0)
	b.EmitOp(OpAdd, TypeInt, ShapeVVV, 3, 3, 0)
	b.EmitOp(OpReturn, TypeInt, ShapeV, 3)
	addFunctions(t, p, &Function{
		Name:      "pointWaiter",
		Slots:     slotsOf(TypeInt, TypeString, TypeObject, TypeInt),
		Params:    []int{0},
		Result:    TypeInt,
		Code:      b.Code(),
		Constants: []Value{"hello", point, "x", NativeRef("test.wait")},
	})
	registerWait(t, p)
	return p
}

func TestSnapshotRestoreResume(t *testing.T) {
	p := pointWaiter(t)
	_, task := runManual(t, p, "pointWaiter", int32(5))
	root := task.Root()

	snap, err := root.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != FrameSuspended || snap.Dst != 3 || snap.Function != "pointWaiter" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if x := snap.Slots[2].Fields["x"]; x.Kind != TypeInt || x.Int != 5 {
		t.Errorf("point.x = %+v", x)
	}
	if y := snap.Slots[2].Fields["y"]; y.Kind != TypeVoid {
		t.Errorf("point.y = %+v, want null", y)
	}

	rt2 := NewRuntime(p, Config{})
	f, err := rt2.Restore(snap)
	if err != nil {
		t.Fatal(err)
	}
	if f.UUID() != root.UUID() || f.PC() != root.PC() {
		t.Errorf("restored uuid %s pc %d, want %s pc %d", f.UUID(), f.PC(), root.UUID(), root.PC())
	}
	if got := f.Slots().String(1); got != "hello" {
		t.Errorf("restored slot 1 = %q", got)
	}

	task2, err := rt2.ForkFrame(context.Background(), f, ForkOptions{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := task2.Context().AcceptInt(10); err != nil {
		t.Fatal(err)
	}
	rt2.RunUntilIdle()
	if got := mustResult(t, task2); got != int32(15) {
		t.Errorf("restored result = %v, want 15", got)
	}
}

// guardedWait waits for test.wait inside a try range that ends right after
// the call; the handler returns -1.
func guardedWait(t *testing.T) *Program {
	b := NewCodeBuilder()
	call(b, OpCallNative, 0, 0, 0, 0)
	b.EmitOp(OpReturn, TypeInt, ShapeV, 0)
	b.EmitImm(OpLoadImm, TypeInt, ShapeVI, int32(-1), 0)
	b.EmitOp(OpReturn, TypeInt, ShapeV, 0)
	p := newTestProgram(t, &Function{
		Name:      "guardedWait",
		File:      "guarded.tern",
		Slots:     slotsOf(TypeInt),
		Result:    TypeInt,
		Code:      b.Code(),
		Constants: []Value{NativeRef("test.wait")},
		TryCatch:  []TryCatchItem{{Start: 0, End: 5, Handler: 7, Class: ClassRuntimeException, CatchSlot: -1}},
		SourceMap: []SourceLoc{{PC: 0, Line: 3, Column: 1}, {PC: 5, Line: 4, Column: 1}},
	})
	registerWait(t, p)
	return p
}

func TestRestoredFrameCatchesAtCallSite(t *testing.T) {
	p := guardedWait(t)
	_, task := runManual(t, p, "guardedWait")
	root := task.Root()
	snap, err := root.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.LastPC != 0 || snap.PC != 5 {
		t.Fatalf("snapshot pc %d last pc %d, want 5 and 0", snap.PC, snap.LastPC)
	}

	rt := NewRuntime(p, Config{})
	f, err := rt.Restore(snap)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := f.SourceLocation(), root.SourceLocation(); got != want || got.Line != 3 {
		t.Errorf("restored location %s, want %s at line 3", got, want)
	}
	task2, err := rt.ForkFrame(context.Background(), f, ForkOptions{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := task2.Context().AcceptException(p.NewException(ClassRuntimeException, "boom")); err != nil {
		t.Fatal(err)
	}
	rt.RunUntilIdle()
	if got := mustResult(t, task2); got != int32(-1) {
		t.Errorf("result = %v, want -1 from the handler", got)
	}
}

func TestRestoreRejectsInconsistentSnapshots(t *testing.T) {
	p := pointWaiter(t)
	_, task := runManual(t, p, "pointWaiter", int32(1))
	good, err := task.Root().Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	rt := NewRuntime(p, Config{})

	tests := []struct {
		name   string
		mutate func(s *FrameSnapshot)
	}{
		{"unknown function", func(s *FrameSnapshot) { s.Function = "nope" }},
		{"bad uuid", func(s *FrameSnapshot) { s.UUID = "not-a-uuid" }},
		{"completed", func(s *FrameSnapshot) { s.State = FrameCompleted }},
		{"pc", func(s *FrameSnapshot) { s.PC = 1 << 20 }},
		{"last pc", func(s *FrameSnapshot) { s.LastPC = -1 }},
		{"slot count", func(s *FrameSnapshot) { s.Slots = s.Slots[:2] }},
		{"slot kind", func(s *FrameSnapshot) { s.Slots[0] = SlotValue{Kind: TypeString, Str: "x"} }},
		{"unknown class", func(s *FrameSnapshot) { s.Slots[2].Class = "Missing" }},
		{"dst", func(s *FrameSnapshot) { s.Dst = 99 }},
	}
	for _, tt := range tests {
		s := *good
		s.Slots = append([]SlotValue(nil), good.Slots...)
		tt.mutate(&s)
		if _, err := rt.Restore(&s); err == nil {
			t.Errorf("%s: restore succeeded", tt.name)
		}
	}
}

func TestSnapshotRejectsCycles(t *testing.T) {
	p := NewProgram()
	node, _ := p.DefineClass("Node", "", "next")
	a := NewInstance(node)
	a.SetField("next", a)
	if _, err := snapshotValue(a, map[*Instance]bool{}); err == nil {
		t.Error("cyclic instance snapshotted")
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chazu/tern/vm"
)

// waiter returns a program whose function "waiter" adds its argument to the
// result of the never-finishing native "test.wait".
func waiter(t *testing.T) *vm.Program {
	t.Helper()
	p := vm.NewProgram()
	b := vm.NewCodeBuilder()
	b.EmitOp(vm.OpCallNative, vm.TypeGeneric, vm.ShapeCall, 1, 0, 0, 0)
	b.EmitOp(vm.OpAdd, vm.TypeInt, vm.ShapeVVV, 1, 1, 0)
	b.EmitOp(vm.OpReturn, vm.TypeInt, vm.ShapeV, 1)
	err := p.AddFunction(&vm.Function{
		Name:      "waiter",
		Slots:     []vm.SlotDecl{{Name: "n", Type: vm.TypeInt}, {Name: "got", Type: vm.TypeInt}},
		Params:    []int{0},
		Result:    vm.TypeInt,
		Code:      b.Code(),
		Constants: []vm.Value{vm.NativeRef("test.wait")},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Natives().Register(&vm.Native{
		Name:   "test.wait",
		Result: vm.TypeInt,
		Invoke: func(*vm.NativeCall) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func suspended(t *testing.T, p *vm.Program, n int32) *vm.Frame {
	t.Helper()
	rt := vm.NewRuntime(p, vm.Config{})
	task, err := rt.ForkByName(context.Background(), "waiter", []vm.Value{n}, vm.ForkOptions{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	rt.RunUntilIdle()
	root := task.Root()
	if root.State() != vm.FrameSuspended {
		t.Fatalf("root state = %s, want suspended", root.State())
	}
	return root
}

func openStore(t *testing.T) *FrameStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "frames.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadResume(t *testing.T) {
	p := waiter(t)
	s := openStore(t)
	f := suspended(t, p, 4)
	snap, err := s.SaveFrame(f)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(snap.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Function != "waiter" || loaded.PC != snap.PC || loaded.State != vm.FrameSuspended {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Slots[0].Int != 4 {
		t.Errorf("slot 0 = %+v, want 4", loaded.Slots[0])
	}

	rt := vm.NewRuntime(p, vm.Config{})
	task, err := s.Resume(context.Background(), rt, snap.UUID, vm.ForkOptions{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Context().AcceptInt(6); err != nil {
		t.Fatal(err)
	}
	rt.RunUntilIdle()
	v, err := task.Result()
	if err != nil || v != int32(10) {
		t.Errorf("resumed result = %v, %v; want 10", v, err)
	}
	if _, err := s.Load(snap.UUID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Resume = %v, want ErrNotFound", err)
	}
}

func TestResumeWith(t *testing.T) {
	p := waiter(t)
	s := openStore(t)
	snap, err := s.SaveFrame(suspended(t, p, 2))
	if err != nil {
		t.Fatal(err)
	}
	rt := vm.NewRuntime(p, vm.Config{})

	if _, err := s.ResumeWith(context.Background(), rt, snap.UUID, "many", vm.ForkOptions{Manual: true}); !errors.Is(err, vm.ErrCoercion) {
		t.Fatalf("ResumeWith(many) = %v, want ErrCoercion", err)
	}
	if _, err := s.Load(snap.UUID); err != nil {
		t.Fatalf("frame consumed by a failed resume: %v", err)
	}

	task, err := s.ResumeWith(context.Background(), rt, snap.UUID, " 40 ", vm.ForkOptions{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	rt.RunUntilIdle()
	if v, err := task.Result(); err != nil || v != int32(42) {
		t.Errorf("result = %v, %v; want 42", v, err)
	}
	if _, err := s.ResumeWith(context.Background(), rt, snap.UUID, "1", vm.ForkOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second ResumeWith = %v, want ErrNotFound", err)
	}
}

func TestConcurrentResumeAdmitsOnce(t *testing.T) {
	p := waiter(t)
	s := openStore(t)
	snap, err := s.SaveFrame(suspended(t, p, 2))
	if err != nil {
		t.Fatal(err)
	}
	rt := vm.NewRuntime(p, vm.Config{})

	const n = 16
	tasks := make([]*vm.Task, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tasks[i], errs[i] = s.ResumeWith(context.Background(), rt, snap.UUID, "40", vm.ForkOptions{Manual: true})
				return
			}
			tasks[i], errs[i] = s.Resume(context.Background(), rt, snap.UUID, vm.ForkOptions{Manual: true})
		}(i)
	}
	wg.Wait()

	var won *vm.Task
	for i, err := range errs {
		switch {
		case err == nil:
			if won != nil {
				t.Fatalf("frame admitted twice")
			}
			won = tasks[i]
			if i%2 == 1 {
				if err := won.Context().AcceptInt(40); err != nil {
					t.Fatal(err)
				}
			}
		case !errors.Is(err, ErrNotFound):
			t.Errorf("resume %d = %v, want ErrNotFound", i, err)
		}
	}
	if won == nil {
		t.Fatal("no resume admitted the frame")
	}
	rt.RunUntilIdle()
	if v, err := won.Result(); err != nil || v != int32(42) {
		t.Errorf("result = %v, %v; want 42", v, err)
	}
	if _, err := s.Load(snap.UUID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after resume = %v, want ErrNotFound", err)
	}
}

func TestResumePutsBackUnrestorableFrame(t *testing.T) {
	p := waiter(t)
	s := openStore(t)
	snap, err := s.SaveFrame(suspended(t, p, 1))
	if err != nil {
		t.Fatal(err)
	}
	rt := vm.NewRuntime(vm.NewProgram(), vm.Config{})
	if _, err := s.Resume(context.Background(), rt, snap.UUID, vm.ForkOptions{Manual: true}); err == nil {
		t.Fatal("resumed a frame into a program without its function")
	}
	if _, err := s.Load(snap.UUID); err != nil {
		t.Errorf("frame lost after failed resume: %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	p := waiter(t)
	s := openStore(t)
	var ids []string
	for i := int32(0); i < 3; i++ {
		snap, err := s.SaveFrame(suspended(t, p, i))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, snap.UUID)
	}

	entries, err := s.ListByFunction("waiter")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("listed %d frames, want 3", len(entries))
	}
	for _, e := range entries {
		if e.State != vm.FrameSuspended || e.Function != "waiter" {
			t.Errorf("entry = %+v", e)
		}
	}
	if other, err := s.ListByFunction("other"); err != nil || len(other) != 0 {
		t.Errorf("ListByFunction(other) = %v, %v", other, err)
	}

	if err := s.Delete(ids[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	all, err := s.ListByFunction("")
	if err != nil || len(all) != 2 {
		t.Errorf("ListByFunction(\"\") = %d entries, %v; want 2", len(all), err)
	}
}

func TestSaveReplaces(t *testing.T) {
	p := waiter(t)
	s := openStore(t)
	snap, err := s.SaveFrame(suspended(t, p, 1))
	if err != nil {
		t.Fatal(err)
	}
	snap.Slots[0].Int = 99
	if err := s.Save(snap); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(snap.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Slots[0].Int != 99 {
		t.Errorf("slot 0 after replace = %d, want 99", got.Slots[0].Int)
	}
}

func TestMarshalIsCanonical(t *testing.T) {
	snap := &vm.FrameSnapshot{
		UUID:     "00000000-0000-0000-0000-000000000001",
		Function: "f",
		State:    vm.FrameSuspended,
		Slots: []vm.SlotValue{{
			Kind:  vm.TypeObject,
			Class: "Point",
			Fields: map[string]vm.SlotValue{
				"y": {Kind: vm.TypeInt, Int: 2},
				"x": {Kind: vm.TypeInt, Int: 1},
			},
		}},
	}
	a, err := Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, err := Marshal(snap)
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Fatal("encoding is not deterministic")
		}
	}
	back, err := Unmarshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if back.Slots[0].Fields["y"].Int != 2 {
		t.Errorf("decoded field y = %+v", back.Slots[0].Fields["y"])
	}
	if _, err := Unmarshal([]byte{0xff}); err == nil {
		t.Error("garbage decoded")
	}
}

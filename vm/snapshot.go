package vm

import (
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Frame snapshots: the persistence surface of a call frame
// ---------------------------------------------------------------------------

// FrameSnapshot is the reconstructable state of a frame: its function,
// slot values, program counter, state and links, keyed by frame identity.
type FrameSnapshot struct {
	UUID     string      `cbor:"1,keyasint"`
	Function string      `cbor:"2,keyasint"`
	PC       int         `cbor:"3,keyasint"`
	State    FrameState  `cbor:"4,keyasint"`
	Dst      uint32      `cbor:"5,keyasint"` // pending result slot
	Caller   string      `cbor:"6,keyasint,omitempty"`
	Creator  string      `cbor:"7,keyasint,omitempty"`
	Slots    []SlotValue `cbor:"8,keyasint"`
	LastPC   int         `cbor:"9,keyasint"` // instruction being executed; try ranges and locations use it
}

// SlotValue is the persistent form of a boxed value. Kind is the value's
// dynamic type; TypeVoid marks null.
type SlotValue struct {
	Kind   DataType             `cbor:"1,keyasint"`
	Int    int64                `cbor:"2,keyasint,omitempty"`
	Float  float64              `cbor:"3,keyasint,omitempty"`
	Bool   bool                 `cbor:"4,keyasint,omitempty"`
	Str    string               `cbor:"5,keyasint,omitempty"`
	Bytes  []byte               `cbor:"6,keyasint,omitempty"`
	Class  string               `cbor:"7,keyasint,omitempty"` // class name of Class values and instances
	Fields map[string]SlotValue `cbor:"8,keyasint,omitempty"` // instance fields
}

// Snapshot captures the frame's state. Instances reachable from slots are
// captured by value; cyclic object graphs are rejected.
func (f *Frame) Snapshot() (*FrameSnapshot, error) {
	snap := &FrameSnapshot{
		UUID:     f.id.String(),
		Function: f.fn.Name,
		PC:       f.pc,
		LastPC:   f.lastPC,
		State:    f.State(),
		Dst:      f.dst,
		Slots:    make([]SlotValue, f.slots.Len()),
	}
	if f.ctx != nil {
		if caller, ok := f.ctx.rt.Frame(f.caller); ok {
			snap.Caller = caller.id.String()
		}
		if creator, ok := f.ctx.rt.Frame(f.creator); ok {
			snap.Creator = creator.id.String()
		}
	}
	for i := range snap.Slots {
		sv, err := snapshotValue(f.slots.Box(i), map[*Instance]bool{})
		if err != nil {
			return nil, fmt.Errorf("%s slot %d: %w", f.fn.Name, i, err)
		}
		snap.Slots[i] = sv
	}
	return snap, nil
}

func snapshotValue(v Value, visiting map[*Instance]bool) (SlotValue, error) {
	sv := SlotValue{Kind: TypeOf(v)}
	switch x := v.(type) {
	case nil:
	case int32:
		sv.Int = int64(x)
	case int8:
		sv.Int = int64(x)
	case int16:
		sv.Int = int64(x)
	case int64:
		sv.Int = x
	case Char:
		sv.Int = int64(x)
	case float32:
		sv.Float = float64(x)
	case float64:
		sv.Float = x
	case bool:
		sv.Bool = x
	case string:
		sv.Str = x
	case []byte:
		sv.Bytes = x
	case *Class:
		sv.Class = x.Name
	case *Instance:
		if visiting[x] {
			return sv, fmt.Errorf("cyclic reference through %s", x.Class.Name)
		}
		visiting[x] = true
		defer delete(visiting, x)
		sv.Class = x.Class.Name
		sv.Fields = make(map[string]SlotValue)
		for _, name := range x.FieldNames() {
			fv, _ := x.Field(name)
			fs, err := snapshotValue(fv, visiting)
			if err != nil {
				return sv, err
			}
			sv.Fields[name] = fs
		}
	default:
		return sv, fmt.Errorf("cannot snapshot %T", v)
	}
	return sv, nil
}

// Value rebuilds the boxed value, resolving class names in p.
func (sv SlotValue) Value(p *Program) (Value, error) {
	switch sv.Kind {
	case TypeVoid:
		return nil, nil
	case TypeInt:
		return int32(sv.Int), nil
	case TypeByte:
		return int8(sv.Int), nil
	case TypeShort:
		return int16(sv.Int), nil
	case TypeLong:
		return sv.Int, nil
	case TypeChar:
		return Char(sv.Int), nil
	case TypeFloat:
		return float32(sv.Float), nil
	case TypeDouble:
		return sv.Float, nil
	case TypeBoolean:
		return sv.Bool, nil
	case TypeString:
		return sv.Str, nil
	case TypeBytes:
		return sv.Bytes, nil
	case TypeClass:
		c, ok := p.Class(sv.Class)
		if !ok {
			return nil, fmt.Errorf("unknown class %s", sv.Class)
		}
		return c, nil
	case TypeObject:
		c, ok := p.Class(sv.Class)
		if !ok {
			return nil, fmt.Errorf("unknown class %s", sv.Class)
		}
		inst := NewInstance(c)
		for name, fs := range sv.Fields {
			fv, err := fs.Value(p)
			if err != nil {
				return nil, err
			}
			if !inst.SetField(name, fv) {
				return nil, fmt.Errorf("class %s has no field %s", c.Name, name)
			}
		}
		return inst, nil
	}
	return nil, fmt.Errorf("invalid snapshot kind %s", sv.Kind)
}

// Restore rebuilds a frame from a snapshot. The frame is detached; admit it
// to a context with ForkFrame. Caller and creator links are re-established
// when the referenced frames are still live in this runtime.
func (rt *Runtime) Restore(snap *FrameSnapshot) (*Frame, error) {
	fn, ok := rt.program.Function(snap.Function)
	if !ok {
		return nil, newError(KindLinkage, "restore: unknown function %s", snap.Function)
	}
	id, err := uuid.Parse(snap.UUID)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", snap.Function, err)
	}
	switch snap.State {
	case FrameCreated, FrameRunning, FrameSuspended:
	default:
		return nil, fmt.Errorf("restore %s: cannot restore a %s frame", snap.Function, snap.State)
	}
	if snap.PC < 0 || snap.PC > len(fn.Code) {
		return nil, fmt.Errorf("restore %s: pc %d outside code", snap.Function, snap.PC)
	}
	if snap.LastPC < 0 || snap.LastPC > len(fn.Code) {
		return nil, fmt.Errorf("restore %s: last pc %d outside code", snap.Function, snap.LastPC)
	}
	if len(snap.Slots) != len(fn.Slots) {
		return nil, fmt.Errorf("restore %s: %d slots, function declares %d", snap.Function, len(snap.Slots), len(fn.Slots))
	}
	if snap.Dst != NoSlot && int(snap.Dst) >= len(fn.Slots) {
		return nil, fmt.Errorf("restore %s: result slot %d outside frame", snap.Function, snap.Dst)
	}

	values := make([]Value, len(snap.Slots))
	for i, sv := range snap.Slots {
		v, err := sv.Value(rt.program)
		if err != nil {
			return nil, fmt.Errorf("restore %s slot %d: %w", snap.Function, i, err)
		}
		if k := fn.Slots[i].Type; !Assignable(k, v) {
			return nil, fmt.Errorf("restore %s slot %d: %s does not fit %s", snap.Function, i, sv.Kind, k)
		}
		values[i] = v
	}

	f := rt.newFrame(fn, rt.frameByUUID(snap.Caller), rt.frameByUUID(snap.Creator))
	f.id = id
	f.pc = snap.PC
	f.lastPC = snap.LastPC
	f.dst = snap.Dst
	for i, v := range values {
		f.slots.Store(i, v)
	}
	f.setState(snap.State)
	return f, nil
}

func (rt *Runtime) frameByUUID(s string) FrameRef {
	if s == "" {
		return NoFrame
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return NoFrame
	}
	return rt.frames.find(func(f *Frame) bool { return f.id == id })
}

// Package natives provides the standard native libraries: console output,
// clocks and timers, string helpers and reflection-driven gRPC calls.
package natives

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tliron/commonlog"
	"google.golang.org/grpc"

	"github.com/chazu/tern/vm"
)

var log = commonlog.GetLogger("tern.natives")

// AwaitFunc observes a frame parked by sys.await. It runs on the driver
// goroutine after the frame has suspended.
type AwaitFunc func(c *vm.NativeCall, tag string)

// Options configure the libraries. Zero values select defaults.
type Options struct {
	Stdout      io.Writer         // sys.print target, os.Stdout by default
	Now         func() time.Time  // time.nowMillis clock
	DialOptions []grpc.DialOption // extra options for grpc.call connections
	OnAwait     AwaitFunc         // notified when sys.await parks a frame
}

// Library holds the state shared by the natives of one program, notably
// the gRPC connections opened by grpc.call.
type Library struct {
	opts Options

	outMu sync.Mutex

	mu      sync.Mutex
	clients map[string]*grpcClient
}

// New creates a library.
func New(opts Options) *Library {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Library{opts: opts, clients: make(map[string]*grpcClient)}
}

// Register adds every native of the library to p.
func (l *Library) Register(p *vm.Program) error {
	for _, n := range l.Natives() {
		if err := p.Natives().Register(n); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the gRPC connections.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for target, c := range l.clients {
		if err := c.conn.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing %s: %w", target, err)
		}
		delete(l.clients, target)
	}
	return first
}

// Natives returns the library's natives.
func (l *Library) Natives() []*vm.Native {
	return []*vm.Native{
		{Name: "sys.print", Params: []vm.DataType{vm.TypeAny}, Result: vm.TypeVoid, Invoke: l.print(false)},
		{Name: "sys.println", Params: []vm.DataType{vm.TypeAny}, Result: vm.TypeVoid, Invoke: l.print(true)},
		{Name: "sys.fail", Params: []vm.DataType{vm.TypeString}, Result: vm.TypeVoid, Invoke: fail},
		{Name: "sys.await", Params: []vm.DataType{vm.TypeString}, Result: vm.TypeAny, Invoke: l.await},
		{Name: "time.nowMillis", Result: vm.TypeLong, Invoke: l.nowMillis},
		{Name: "time.sleep", Params: []vm.DataType{vm.TypeLong}, Result: vm.TypeVoid, Invoke: sleep},
		{Name: "str.parseInt", Params: []vm.DataType{vm.TypeString}, Result: vm.TypeInt, Invoke: parseInt},
		{Name: "str.length", Params: []vm.DataType{vm.TypeString}, Result: vm.TypeInt, Invoke: length},
		{Name: "grpc.call", Params: []vm.DataType{vm.TypeString, vm.TypeString, vm.TypeString}, Result: vm.TypeString, Invoke: l.grpcCall},
	}
}

// ---------------------------------------------------------------------------
// sys
// ---------------------------------------------------------------------------

func (l *Library) print(newline bool) func(*vm.NativeCall) {
	return func(c *vm.NativeCall) {
		var s string
		if str, ok := c.Arg(0).(string); ok {
			s = str
		} else {
			s = vm.FormatValue(c.Arg(0))
		}
		if newline {
			s += "\n"
		}
		l.outMu.Lock()
		_, err := io.WriteString(l.opts.Stdout, s)
		l.outMu.Unlock()
		if err != nil {
			c.Throw(vm.ClassNativeException, "%s: %v", c.Name(), err)
			return
		}
		c.FinishVoid()
	}
}

func fail(c *vm.NativeCall) {
	c.Throw(vm.ClassRuntimeException, "%s", c.String(0))
}

// await parks the caller until a host delivers a value through one of the
// context's Accept methods. The tag names the awaited event.
func (l *Library) await(c *vm.NativeCall) {
	if err := c.Suspend(); err != nil {
		c.Throw(vm.ClassNativeException, "sys.await: %v", err)
		return
	}
	tag := c.String(0)
	log.Debugf("sys.await %q: %s parked", tag, c.Frame())
	if l.opts.OnAwait != nil {
		l.opts.OnAwait(c, tag)
	}
}

// ---------------------------------------------------------------------------
// time
// ---------------------------------------------------------------------------

func (l *Library) nowMillis(c *vm.NativeCall) {
	c.FinishLong(l.opts.Now().UnixMilli())
}

// sleep suspends the caller for the given milliseconds. Cancelling the
// task ends the sleep with an InterruptedException.
func sleep(c *vm.NativeCall) {
	d := time.Duration(c.Long(0)) * time.Millisecond
	if d <= 0 {
		c.FinishVoid()
		return
	}
	if err := c.Suspend(); err != nil {
		c.FinishException(c.Program().NewException(vm.ClassNativeException, err.Error()))
		return
	}
	ctx := c.Context()
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.FinishVoid()
		case <-ctx.Done():
			log.Debugf("time.sleep interrupted: %v", ctx.Err())
			c.Throw(vm.ClassInterruptedException, "sleep interrupted")
		}
	}()
}

// ---------------------------------------------------------------------------
// str
// ---------------------------------------------------------------------------

func parseInt(c *vm.NativeCall) {
	v, err := vm.Coerce(vm.TypeInt, c.String(0))
	if err != nil {
		c.Throw(vm.ClassRuntimeException, "%v", err)
		return
	}
	c.FinishInt(v.(int32))
}

func length(c *vm.NativeCall) {
	if c.Arg(0) == nil {
		c.Throw(vm.ClassNullPointerException, "str.length of null")
		return
	}
	c.FinishInt(int32(utf8.RuneCountInString(c.String(0))))
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tern/loader"
	"github.com/chazu/tern/manifest"
	"github.com/chazu/tern/natives"
	"github.com/chazu/tern/server"
	"github.com/chazu/tern/vm"
	"github.com/chazu/tern/vm/store"
)

// listFlag collects a repeatable, comma-separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// settings are the effective options after merging tern.toml and flags.
type settings struct {
	inputs    []string
	classpath []string
	entry     string
	args      []string
	serve     bool
	addr      string
	store     string
	verbosity int
	logFile   string
	maxDepth  int
	inboxSize int
	disasm    bool
	out       string
	resume    string
	accept    string
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		w := fs.Output()
		fmt.Fprintf(w, "Usage: tern [options] [units...]\n\n")
		fmt.Fprintf(w, "Loads .tbc and .yaml units (and .tpk archives on the class path) and runs the entry function.\n\n")
		fmt.Fprintf(w, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(w, "\nExamples:\n")
		fmt.Fprintf(w, "  tern sum.yaml -arg n=10                 # run main#(n)\n")
		fmt.Fprintf(w, "  tern -cp lib.tpk -m start app.tbc       # run start from app.tbc\n")
		fmt.Fprintf(w, "  tern -disasm app.yaml                   # print the assembled code\n")
		fmt.Fprintf(w, "  tern -o app.tbc app.yaml                # write a binary unit\n")
		fmt.Fprintf(w, "  tern -serve -addr :8080 -store frames.db units/\n")
		fmt.Fprintf(w, "  tern -store frames.db -resume <uuid> -accept 37 units/\n")
	}
}

// run is the whole CLI; it returns the process exit code.
func run(argv []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tern", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cp, args listFlag
	fs.Var(&cp, "cp", "Class path entries: .tpk archives, unit files or directories (repeatable, comma-separated)")
	fs.Var(&args, "arg", "Entry argument name=value (repeatable)")
	entry := fs.String("m", "", "Entry function (default \"main#\" or [run] entry)")
	config := fs.String("config", "", "Directory holding tern.toml (default: search upwards from the working directory)")
	serve := fs.Bool("serve", false, "Serve the program over HTTP, Connect and gRPC instead of running the entry")
	addr := fs.String("addr", "", "Listen address for -serve (default \":4567\")")
	storePath := fs.String("store", "", "SQLite frame store for parked frames")
	verbosity := fs.Int("v", 0, "Log verbosity")
	disasm := fs.Bool("disasm", false, "Print the disassembly of every function and exit")
	out := fs.String("o", "", "Write the loaded units to a .tbc unit or .tpk archive and exit")
	resume := fs.String("resume", "", "Resume the stored frame with this UUID instead of running the entry")
	accept := fs.String("accept", "", "Value delivered to the frame resumed by -resume")
	fs.Usage = usage(fs)
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	report := reporter(stderr)

	var m *manifest.Manifest
	var err error
	if *config != "" {
		m, err = manifest.Load(*config)
	} else {
		m, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		report("error: %v", err)
		return 1
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	s := settings{
		inputs: fs.Args(), classpath: cp, entry: *entry, args: args,
		serve: *serve, addr: *addr, store: *storePath, verbosity: *verbosity,
		disasm: *disasm, out: *out, resume: *resume, accept: *accept,
	}
	if m != nil {
		if err := s.merge(m, set); err != nil {
			report("error: %v", err)
			return 1
		}
	}
	if s.entry == "" {
		s.entry = manifest.DefaultEntry
	}
	if s.addr == "" {
		s.addr = manifest.DefaultAddr
	}
	configureLogging(s.verbosity, s.logFile)

	units, err := loader.ReadAll(s.inputs, s.classpath)
	if err != nil {
		report("error: %v", err)
		return 1
	}
	if s.out != "" {
		if err := writeUnits(s.out, units); err != nil {
			report("error: %v", err)
			return 1
		}
		return 0
	}

	var onAwait natives.AwaitFunc
	lib := natives.New(natives.Options{
		Stdout: stdout,
		OnAwait: func(c *vm.NativeCall, tag string) {
			if onAwait != nil {
				onAwait(c, tag)
			}
		},
	})
	defer lib.Close()
	p := vm.NewProgram()
	if err := loader.Link(p, units...); err != nil {
		report("error: %v", err)
		return 1
	}
	if err := lib.Register(p); err != nil {
		report("error: %v", err)
		return 1
	}
	if err := loader.Verify(p); err != nil {
		report("error: %v", err)
		return 1
	}

	if s.disasm {
		for _, fn := range p.Functions() {
			fmt.Fprintln(stdout, vm.Disassemble(fn))
		}
		return 0
	}

	var frames *store.FrameStore
	if s.store != "" {
		if frames, err = store.Open(s.store); err != nil {
			report("error: %v", err)
			return 1
		}
		defer frames.Close()
	}
	rt := vm.NewRuntime(p, vm.Config{MaxDepth: s.maxDepth, InboxSize: s.inboxSize})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.serve {
		srv := server.New(rt, server.Config{Store: frames})
		onAwait = srv.Await
		go func() {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdown)
		}()
		if err := srv.ListenAndServe(s.addr); err != nil {
			report("server error: %v", err)
			return 1
		}
		return 0
	}

	events := make(chan parkEvent, 1)
	onAwait = func(c *vm.NativeCall, tag string) {
		select {
		case events <- parkEvent{c.Frame(), tag}:
		default:
		}
	}

	var task *vm.Task
	if s.resume != "" {
		if frames == nil {
			report("error: -resume requires -store")
			return 1
		}
		task, err = frames.ResumeWith(ctx, rt, s.resume, s.accept, vm.ForkOptions{})
	} else {
		task, err = fork(ctx, rt, s.entry, s.args)
	}
	if err != nil {
		report("error: %v", err)
		return 1
	}
	return finish(ctx, task, frames, events, stdout, report)
}

// merge applies tern.toml values to every option not given as a flag.
func (s *settings) merge(m *manifest.Manifest, set map[string]bool) error {
	if len(s.inputs) == 0 {
		s.inputs = m.InputPaths()
	}
	deps, err := manifest.NewResolver(m).ClassPath()
	if err != nil {
		return err
	}
	s.classpath = append(append(s.classpath, m.ClassPathEntries()...), deps...)
	if !set["m"] {
		s.entry = m.Run.Entry
	}
	if !set["arg"] {
		s.args = m.Run.Args
	}
	if !set["addr"] {
		s.addr = m.Server.Addr
	}
	if !set["store"] {
		s.store = m.StorePath()
	}
	if !set["v"] {
		s.verbosity = m.Log.Verbosity
	}
	s.logFile = m.LogFile()
	s.maxDepth = m.Engine.MaxDepth
	s.inboxSize = m.Engine.InboxSize
	return nil
}

func configureLogging(verbosity int, file string) {
	var path *string
	if file != "" {
		path = &file
	}
	commonlog.Configure(verbosity, path)
}

// fork starts the entry function with name=value arguments.
func fork(ctx context.Context, rt *vm.Runtime, entry string, args []string) (*vm.Task, error) {
	fn, ok := rt.Program().Function(entry)
	if !ok {
		return nil, fmt.Errorf("entry function %q not found", entry)
	}
	inputs := make(map[string]string, len(args))
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q: want name=value", a)
		}
		inputs[name] = value
	}
	vals, err := vm.CoerceArgs(fn, inputs)
	if err != nil {
		return nil, err
	}
	return rt.Fork(ctx, fn, vals, vm.ForkOptions{})
}

type parkEvent struct {
	frame vm.FrameRef
	tag   string
}

// finish waits for the task and prints its result. With a frame store, a
// task whose only frame parks in sys.await is saved and the CLI exits.
func finish(ctx context.Context, task *vm.Task, frames *store.FrameStore, events <-chan parkEvent, stdout io.Writer, report func(string, ...any)) int {
	for {
		select {
		case <-task.Done():
			v, err := task.Result()
			if err != nil {
				report("%s", describe(err))
				return 1
			}
			if task.Root().Function().Result != vm.TypeVoid {
				if str, ok := v.(string); ok {
					fmt.Fprintln(stdout, str)
				} else {
					fmt.Fprintln(stdout, vm.FormatValue(v))
				}
			}
			return 0
		case ev := <-events:
			if frames == nil || ev.frame != task.Root().Ref() || task.Context().Depth() != 1 {
				continue
			}
			snap, err := frames.SaveFrame(task.Root())
			if err != nil {
				report("error: %v", err)
				return 1
			}
			task.Context().Abort(errors.New("parked in frame store"))
			fmt.Fprintf(stdout, "parked %s awaiting %q\n", snap.UUID, ev.tag)
			return 0
		case <-ctx.Done():
			task.Cancel()
			select {
			case <-task.Done():
			case <-time.After(2 * time.Second):
				task.Context().Abort(ctx.Err())
				<-task.Done()
			}
			_, err := task.Result()
			if err == nil {
				err = ctx.Err()
			}
			report("%s", describe(err))
			return 1
		}
	}
}

// describe renders a task failure. Unhandled exceptions show the class,
// message and the location they escaped from.
func describe(err error) string {
	var e *vm.Error
	if !errors.As(err, &e) || e.Exception == nil {
		return "error: " + err.Error()
	}
	msg := fmt.Sprintf("unhandled %s: %s", e.Exception.Class.Name, e.Exception.Message())
	if e.Function != "" {
		msg += fmt.Sprintf("\n    at %s pc %d", e.Function, e.PC)
		if e.Loc.Line > 0 {
			msg += " (" + e.Loc.String() + ")"
		}
	}
	return msg
}

// reporter prints diagnostics to w, in red when w is a terminal.
func reporter(w io.Writer) func(format string, args ...any) {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if color {
			msg = "\x1b[31m" + msg + "\x1b[0m"
		}
		fmt.Fprintln(w, msg)
	}
}

// writeUnits writes units to a .tpk archive, one entry per unit, or merges
// them into a single .tbc unit.
func writeUnits(path string, units []*loader.Unit) error {
	if !strings.EqualFold(filepath.Ext(path), loader.ArchiveExt) {
		return loader.WriteUnitFile(path, loader.Merge(units...))
	}
	files := make(map[string][]byte, len(units))
	for i, u := range units {
		data, err := loader.MarshalUnit(u)
		if err != nil {
			return err
		}
		base := strings.TrimSuffix(filepath.Base(u.Source), filepath.Ext(u.Source))
		files[fmt.Sprintf("units/%03d-%s.tbc", i, base)] = data
	}
	return loader.WriteArchive(path, files)
}

// Package server exposes a runtime over HTTP: a JSON invocation API, a
// Connect procedure (also reachable over gRPC and gRPC-Web) and, with a
// frame store, endpoints for frames parked by sys.await.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/tern/vm"
	"github.com/chazu/tern/vm/store"
)

var log = commonlog.GetLogger("tern.server")

// errParked ends the in-memory copy of a task saved to the frame store.
var errParked = errors.New("parked in frame store")

// DefaultTimeout bounds how long a request waits for its task.
const DefaultTimeout = 30 * time.Second

// Config tunes a Server. Zero values select defaults.
type Config struct {
	Workers int               // concurrent invocations, 16 by default
	Timeout time.Duration     // per-request wait budget
	Store   *store.FrameStore // enables parking; may be nil
}

// Server serves one runtime.
type Server struct {
	rt      *vm.Runtime
	worker  *VMWorker
	store   *store.FrameStore
	timeout time.Duration
	mux     *http.ServeMux
	http    *http.Server

	mu      sync.Mutex
	parked  map[vm.FrameRef]string // frames suspended in sys.await, by tag
	parkSig chan struct{}          // closed and replaced on every Await
}

// New creates a Server for rt.
func New(rt *vm.Runtime, cfg Config) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s := &Server{
		rt:      rt,
		worker:  NewVMWorker(rt, cfg.Workers),
		store:   cfg.Store,
		timeout: cfg.Timeout,
		mux:     http.NewServeMux(),
		parked:  make(map[vm.FrameRef]string),
		parkSig: make(chan struct{}),
	}

	s.mux.HandleFunc("GET /functions", s.handleFunctions)
	s.mux.HandleFunc("POST /invoke/{function}", s.handleInvoke)
	s.mux.HandleFunc("GET /frames", s.handleFrames)
	s.mux.HandleFunc("POST /frames/{uuid}/accept", s.handleAccept)
	s.mux.Handle(InvokeProcedure, connect.NewUnaryHandler(InvokeProcedure, s.connectInvoke))

	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves HTTP/1.1 and unencrypted HTTP/2 on addr, so gRPC
// clients can reach the Connect procedure without TLS.
func (s *Server) ListenAndServe(addr string) error {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Noticef("tern server listening on %s", addr)
	log.Noticef("  REST:    POST http://%s/invoke/{function}", addr)
	log.Noticef("  Connect: http://%s%s", addr, InvokeProcedure)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts down the HTTP server, if running, and the worker pool.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.worker.Stop()
	return err
}

// Await records a frame parked by sys.await. Pass it as the natives
// library's OnAwait hook.
func (s *Server) Await(c *vm.NativeCall, tag string) {
	s.mu.Lock()
	s.parked[c.Frame()] = tag
	close(s.parkSig)
	s.parkSig = make(chan struct{})
	s.mu.Unlock()
}

// forget drops parking records of frames that no longer exist.
func (s *Server) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref := range s.parked {
		if f, ok := s.rt.Frame(ref); !ok || f.State().Done() {
			delete(s.parked, ref)
		}
	}
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// outcome is the result of one invocation.
type outcome struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
	Frame string `json:"frame,omitempty"` // parked frame UUID
	Tag   string `json:"tag,omitempty"`   // sys.await tag of a parked frame
}

// invoke forks fn with args and waits for its task.
func (s *Server) invoke(ctx context.Context, fn *vm.Function, args []vm.Value, park bool) (*outcome, error) {
	v, err := s.worker.Do(ctx, func(ctx context.Context, rt *vm.Runtime) (any, error) {
		task, err := rt.Fork(ctx, fn, args, vm.ForkOptions{})
		if err != nil {
			return nil, err
		}
		return s.wait(ctx, task, park)
	})
	if err != nil {
		return nil, err
	}
	return v.(*outcome), nil
}

// wait blocks until task finishes. With park set and a store configured,
// a task whose only frame is suspended in sys.await is saved to the store
// and dropped from memory instead.
func (s *Server) wait(ctx context.Context, task *vm.Task, park bool) (*outcome, error) {
	root := task.Root()
	defer s.forget()
	for {
		s.mu.Lock()
		sig := s.parkSig
		tag, parked := s.parked[root.Ref()]
		s.mu.Unlock()

		if park && parked && s.store != nil && task.Context().Depth() == 1 {
			snap, err := s.store.SaveFrame(root)
			if err != nil {
				return nil, err
			}
			task.Context().Abort(errParked)
			log.Infof("parked %s (%s) awaiting %q", snap.UUID, snap.Function, tag)
			return &outcome{Type: "parked", Frame: snap.UUID, Tag: tag}, nil
		}

		select {
		case <-task.Done():
			v, err := task.Result()
			if err != nil {
				return nil, err
			}
			return result(root.Function().Result, v), nil
		case <-sig:
		case <-ctx.Done():
			task.Cancel()
			return nil, ctx.Err()
		}
	}
}

// result describes a task result. Functions declared to return any report
// the dynamic type of the value.
func result(declared vm.DataType, v vm.Value) *outcome {
	t := declared
	if t == vm.TypeAny {
		t = vm.TypeOf(v)
		if v == nil {
			return &outcome{Type: "null"}
		}
	}
	return &outcome{Type: t.String(), Value: plain(v)}
}

// plain converts a value to the JSON and structpb friendly subset: int64
// for integral numbers, float64 for floating point, strings for chars,
// objects and classes.
func plain(v vm.Value) any {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case vm.Char:
		return string(rune(x))
	case *vm.Instance:
		if x == nil {
			return nil
		}
		return x.String()
	case *vm.Class:
		if x == nil {
			return nil
		}
		return x.Name
	}
	return v
}

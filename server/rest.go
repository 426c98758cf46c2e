package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/chazu/tern/vm"
	"github.com/chazu/tern/vm/store"
)

// ---------------------------------------------------------------------------
// JSON bodies
// ---------------------------------------------------------------------------

type errorBody struct {
	Error     string         `json:"error"`
	Kind      string         `json:"kind,omitempty"`
	Exception *exceptionBody `json:"exception,omitempty"`
}

type exceptionBody struct {
	Class    string `json:"class"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

type paramBody struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type functionBody struct {
	Name   string      `json:"name"`
	Params []paramBody `json:"params"`
	Result string      `json:"result"`
}

type frameBody struct {
	UUID     string `json:"uuid"`
	Function string `json:"function"`
	PC       int    `json:"pc"`
	State    string `json:"state"`
	Caller   string `json:"caller,omitempty"`
}

// acceptBody delivers a result to a parked frame. Value is coerced to the
// type of the frame's result slot; Null and Exception take precedence.
type acceptBody struct {
	Value     string         `json:"value"`
	Null      bool           `json:"null"`
	Exception *exceptionBody `json:"exception"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var e *vm.Error
	if errors.As(err, &e) {
		body.Kind = e.Kind.String()
		if e.Exception != nil {
			body.Exception = &exceptionBody{
				Class:   e.Exception.Class.Name,
				Message: e.Exception.Message(),
			}
			if e.Loc.Line > 0 {
				body.Exception.Location = e.Loc.String()
			}
		}
	}
	writeJSON(w, status, body)
}

// statusOf maps an invocation error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, vm.ErrCoercion), errors.Is(err, vm.ErrSlotTypeMismatch) && !isRuntime(err):
		return http.StatusBadRequest
	case errors.Is(err, vm.ErrUnhandledException):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// isRuntime reports whether an engine error was raised while executing
// code, as opposed to while admitting the call.
func isRuntime(err error) bool {
	var e *vm.Error
	return errors.As(err, &e) && e.Function != ""
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	var out []functionBody
	for _, fn := range s.rt.Program().Functions() {
		fb := functionBody{Name: fn.Name, Params: []paramBody{}, Result: fn.Result.String()}
		for _, p := range fn.Params {
			fb.Params = append(fb.Params, paramBody{Name: fn.Slots[p].Name, Type: fn.Slots[p].Type.String()})
		}
		out = append(out, fb)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleInvoke runs POST /invoke/{function}. Arguments are string values
// keyed by parameter name, sent as a form or a JSON object. With ?park=true
// a task parked in sys.await is saved to the frame store and answered with
// 202 Accepted.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("function")
	fn, ok := s.rt.Program().Function(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown function %q", name))
		return
	}
	park, err := s.parkParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	inputs, err := readInputs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	args, err := vm.CoerceArgs(fn, inputs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	out, err := s.invoke(ctx, fn, args, park)
	s.respond(w, name, out, err)
}

func (s *Server) respond(w http.ResponseWriter, name string, out *outcome, err error) {
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			log.Errorf("%s: %v", name, err)
		}
		writeError(w, status, err)
		return
	}
	if out.Frame != "" {
		writeJSON(w, http.StatusAccepted, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) parkParam(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("park")
	if v == "" {
		return false, nil
	}
	park, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("park: %w", err)
	}
	if park && s.store == nil {
		return false, errors.New("park requires a frame store")
	}
	return park, nil
}

// readInputs collects string arguments from a JSON object body or from the
// form and query. JSON numbers and booleans are accepted in their literal
// form.
func readInputs(r *http.Request) (map[string]string, error) {
	inputs := make(map[string]string)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding arguments: %w", err)
		}
		for k, v := range raw {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				inputs[k] = s
				continue
			}
			var lit any
			if err := json.Unmarshal(v, &lit); err != nil {
				return nil, fmt.Errorf("argument %s: %w", k, err)
			}
			switch lit.(type) {
			case float64, bool:
				inputs[k] = string(v)
			default:
				return nil, fmt.Errorf("argument %s: want a string, number or boolean", k)
			}
		}
		return inputs, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	for k, vs := range r.Form {
		if k == "park" || len(vs) == 0 {
			continue
		}
		inputs[k] = vs[0]
	}
	return inputs, nil
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no frame store configured"))
		return
	}
	entries, err := s.store.ListByFunction(r.URL.Query().Get("function"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := []frameBody{}
	for _, e := range entries {
		out = append(out, frameBody{UUID: e.UUID, Function: e.Function, PC: e.PC, State: e.State.String(), Caller: e.Caller})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAccept resumes a parked frame with the delivered result and waits
// for the task, exactly as an invocation does.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no frame store configured"))
		return
	}
	id := r.PathValue("uuid")
	park, err := s.parkParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body acceptBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}
	snap, err := s.store.Load(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	deliver, err := s.delivery(snap, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	v, err := s.worker.Do(ctx, func(ctx context.Context, rt *vm.Runtime) (any, error) {
		task, err := s.store.Resume(ctx, rt, id, vm.ForkOptions{})
		if err != nil {
			return nil, err
		}
		if err := deliver(task.Context()); err != nil {
			task.Context().Abort(err)
			return nil, err
		}
		return s.wait(ctx, task, park)
	})
	var out *outcome
	if err == nil {
		out = v.(*outcome)
	}
	s.respond(w, snap.Function, out, err)
}

// delivery builds the Accept call for a parked frame.
func (s *Server) delivery(snap *vm.FrameSnapshot, body acceptBody) (func(*vm.Context) error, error) {
	p := s.rt.Program()
	if body.Exception != nil {
		if _, ok := p.Class(body.Exception.Class); !ok {
			return nil, fmt.Errorf("unknown exception class %q", body.Exception.Class)
		}
		exc := p.NewException(body.Exception.Class, body.Exception.Message)
		return func(c *vm.Context) error { return c.AcceptException(exc) }, nil
	}
	if snap.Dst == vm.NoSlot {
		return func(c *vm.Context) error { return c.AcceptVoid() }, nil
	}
	fn, ok := p.Function(snap.Function)
	if !ok || int(snap.Dst) >= len(fn.Slots) {
		return nil, fmt.Errorf("frame %s: no result slot %d in %s", snap.UUID, snap.Dst, snap.Function)
	}
	kind := fn.Slots[snap.Dst].Type
	if body.Null {
		if !kind.IsReference() {
			return nil, fmt.Errorf("frame %s: result slot holds %s, cannot accept null", snap.UUID, kind)
		}
		return func(c *vm.Context) error { return c.AcceptNull() }, nil
	}
	v, err := vm.Coerce(kind, body.Value)
	if err != nil {
		return nil, err
	}
	return func(c *vm.Context) error { return c.AcceptAny(v) }, nil
}

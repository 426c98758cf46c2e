package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies host-level engine failures.
type ErrorKind int

const (
	KindInvalidInstruction ErrorKind = iota + 1
	KindSlotTypeMismatch
	KindUnhandledException
	KindProtocolViolation
	KindCoercion
	KindLinkage
	KindStackOverflow
)

var kindNames = map[ErrorKind]string{
	KindInvalidInstruction: "InvalidInstruction",
	KindSlotTypeMismatch:   "SlotTypeMismatch",
	KindUnhandledException: "UnhandledException",
	KindProtocolViolation:  "ProtocolViolation",
	KindCoercion:           "CoercionError",
	KindLinkage:            "LinkageError",
	KindStackOverflow:      "StackOverflow",
}

func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrInvalidInstruction = &Error{Kind: KindInvalidInstruction}
	ErrSlotTypeMismatch   = &Error{Kind: KindSlotTypeMismatch}
	ErrUnhandledException = &Error{Kind: KindUnhandledException}
	ErrProtocolViolation  = &Error{Kind: KindProtocolViolation}
	ErrCoercion           = &Error{Kind: KindCoercion}
	ErrLinkage            = &Error{Kind: KindLinkage}
	ErrStackOverflow      = &Error{Kind: KindStackOverflow}
)

// Error is a host-level engine failure. Interpreted try/catch never sees
// these; they halt the owning execution context.
type Error struct {
	Kind      ErrorKind
	Msg       string
	Function  string    // function executing when the error occurred
	PC        int       // program counter of the faulting instruction
	Loc       SourceLoc // resolved source location, zero if unknown
	Exception *Instance // escaped exception for KindUnhandledException
	Err       error     // underlying cause
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Exception != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Exception.String())
	}
	if e.Function != "" {
		fmt.Fprintf(&sb, " (in %s at pc %d", e.Function, e.PC)
		if e.Loc.Line > 0 {
			fmt.Fprintf(&sb, ", %s", e.Loc)
		}
		sb.WriteByte(')')
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Function == "" && t.Exception == nil
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// fault raises a host-level error out of the dispatch loop. The context
// driver recovers it and fails the task.
func fault(kind ErrorKind, format string, args ...any) {
	panic(newError(kind, format, args...))
}

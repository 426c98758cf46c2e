package vm

import (
	"encoding/base64"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Coerce converts an external string to a value of type t. Failures are
// *Error values matching ErrCoercion; they are reported to the host
// boundary and never enter the interpreter.
func Coerce(t DataType, s string) (Value, error) {
	fail := func(err error) (Value, error) {
		return nil, &Error{Kind: KindCoercion, Msg: strconv.Quote(s) + " is not a valid " + t.String(), Err: unwrapNum(err)}
	}
	switch t {
	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return fail(err)
		}
		return int32(n), nil
	case TypeByte:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 8)
		if err != nil {
			return fail(err)
		}
		return int8(n), nil
	case TypeShort:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 16)
		if err != nil {
			return fail(err)
		}
		return int16(n), nil
	case TypeLong:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fail(err)
		}
		return n, nil
	case TypeFloat:
		x, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return fail(err)
		}
		return float32(x), nil
	case TypeDouble:
		x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fail(err)
		}
		return x, nil
	case TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return fail(nil)
	case TypeChar:
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError || size != len(s) {
			return fail(nil)
		}
		return Char(r), nil
	case TypeString, TypeAny:
		return s, nil
	case TypeBytes:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fail(err)
		}
		return b, nil
	}
	return nil, &Error{Kind: KindCoercion, Msg: "no coercion from string to " + t.String()}
}

func unwrapNum(err error) error {
	if ne, ok := err.(*strconv.NumError); ok {
		return ne.Err
	}
	return err
}

// CoerceArgs builds the argument list of fn from named string inputs. Every
// parameter must be present.
func CoerceArgs(fn *Function, inputs map[string]string) ([]Value, error) {
	args := make([]Value, len(fn.Params))
	for i, p := range fn.Params {
		decl := fn.Slots[p]
		s, ok := inputs[decl.Name]
		if !ok {
			return nil, &Error{Kind: KindCoercion, Msg: fn.Name + ": missing argument " + decl.Name}
		}
		v, err := Coerce(decl.Type, s)
		if err != nil {
			e := err.(*Error)
			e.Msg = fn.Name + ": " + decl.Name + ": " + e.Msg
			return nil, e
		}
		args[i] = v
	}
	return args, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tern/vm"
)

// InvokeProcedure is the Connect procedure invoking a function. The request
// is a google.protobuf.Struct {function, args}; the response is
// {type, value}.
const InvokeProcedure = "/tern.v1.InvocationService/Invoke"

// Response metadata carrying the class of an unhandled exception.
const exceptionClassHeader = "Tern-Exception-Class"

func (s *Server) connectInvoke(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	fields := req.Msg.GetFields()
	name := fields["function"].GetStringValue()
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("function is required"))
	}
	fn, ok := s.rt.Program().Function(name)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("unknown function %q", name))
	}

	inputs := make(map[string]string)
	for k, v := range fields["args"].GetStructValue().GetFields() {
		arg, err := stringArg(v)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("argument %s: %w", k, err))
		}
		inputs[k] = arg
	}
	args, err := vm.CoerceArgs(fn, inputs)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.invoke(ctx, fn, args, false)
	if err != nil {
		return nil, connectError(err)
	}
	msg, err := structpb.NewStruct(map[string]any{"type": out.Type, "value": out.Value})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// stringArg renders a scalar protobuf value in the string form Coerce
// accepts.
func stringArg(v *structpb.Value) (string, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue), nil
	}
	return "", errors.New("want a string, number or boolean")
}

func connectError(err error) *connect.Error {
	var code connect.Code
	switch statusOf(err) {
	case http.StatusBadRequest:
		code = connect.CodeInvalidArgument
	case http.StatusUnprocessableEntity:
		code = connect.CodeAborted
	case http.StatusServiceUnavailable:
		code = connect.CodeUnavailable
	case http.StatusGatewayTimeout:
		code = connect.CodeDeadlineExceeded
	default:
		code = connect.CodeInternal
	}
	cerr := connect.NewError(code, err)
	var e *vm.Error
	if errors.As(err, &e) && e.Exception != nil {
		cerr.Meta().Set(exceptionClassHeader, e.Exception.Class.Name)
	}
	return cerr
}

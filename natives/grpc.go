package natives

import (
	"context"
	"fmt"
	"strings"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/chazu/tern/vm"
)

// ---------------------------------------------------------------------------
// grpc.call: reflection-driven unary calls
// ---------------------------------------------------------------------------

// grpcClient is a connection plus the reflection client resolving its
// services.
type grpcClient struct {
	conn      *grpc.ClientConn
	refClient *grpcreflect.Client
	stub      grpcdynamic.Stub
}

// client returns the cached connection to target, dialing it on first use.
func (l *Library) client(target string) (*grpcClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[target]; ok {
		return c, nil
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, l.opts.DialOptions...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	c := &grpcClient{
		conn:      conn,
		refClient: grpcreflect.NewClientV1Alpha(context.Background(), rpb.NewServerReflectionClient(conn)),
		stub:      grpcdynamic.NewStub(conn),
	}
	l.clients[target] = c
	log.Infof("grpc.call: connected to %s", target)
	return c, nil
}

// resolveMethod resolves "package.Service/Method" through server reflection.
func (c *grpcClient) resolveMethod(fullMethod string) (*desc.MethodDescriptor, error) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return nil, fmt.Errorf("invalid method format: %s (expected 'service/method')", fullMethod)
	}
	svcDesc, err := c.refClient.ResolveService(service)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve service %s: %w", service, err)
	}
	md := svcDesc.FindMethodByName(method)
	if md == nil {
		return nil, fmt.Errorf("method %s not found in service %s", method, service)
	}
	if md.IsClientStreaming() || md.IsServerStreaming() {
		return nil, fmt.Errorf("%s is a streaming method", fullMethod)
	}
	return md, nil
}

// invoke performs one unary call with a JSON request and returns the JSON
// response.
func (c *grpcClient) invoke(ctx context.Context, fullMethod, request string) (string, error) {
	md, err := c.resolveMethod(fullMethod)
	if err != nil {
		return "", err
	}
	req := dynamic.NewMessage(md.GetInputType())
	if strings.TrimSpace(request) != "" {
		if err := req.UnmarshalJSON([]byte(request)); err != nil {
			return "", fmt.Errorf("request conversion: %w", err)
		}
	}
	resp, err := c.stub.InvokeRpc(ctx, md, req)
	if err != nil {
		return "", fmt.Errorf("call failed: %w", err)
	}
	dm, err := dynamic.AsDynamicMessage(resp)
	if err != nil {
		return "", fmt.Errorf("response conversion: %w", err)
	}
	out, err := dm.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("response conversion: %w", err)
	}
	return string(out), nil
}

// grpcCall implements grpc.call(target, method, requestJSON). The caller is
// suspended while the call is in flight; failures raise NativeException.
func (l *Library) grpcCall(c *vm.NativeCall) {
	target, method, request := c.String(0), c.String(1), c.String(2)
	client, err := l.client(target)
	if err != nil {
		c.Throw(vm.ClassNativeException, "grpc.call: %v", err)
		return
	}
	if err := c.Suspend(); err != nil {
		c.Throw(vm.ClassNativeException, "grpc.call: %v", err)
		return
	}
	ctx := c.Context()
	go func() {
		out, err := client.invoke(ctx, method, request)
		if err != nil {
			log.Warningf("grpc.call %s %s: %v", target, method, err)
			c.Throw(vm.ClassNativeException, "grpc.call: %v", err)
			return
		}
		c.FinishString(out)
	}()
}

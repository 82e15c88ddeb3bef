package adapter

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	gateway "github.com/eugener/heimdall/internal"
)

// GRPC transcodes JSON requests onto unary gRPC calls using registered
// service descriptors and dynamic messages.
type GRPC struct {
	mu    sync.RWMutex
	files *protoregistry.Files
	conns map[string]*grpc.ClientConn
}

// NewGRPC creates an empty transcoder; descriptors are registered per API.
func NewGRPC() *GRPC {
	return &GRPC{files: new(protoregistry.Files), conns: make(map[string]*grpc.ClientConn)}
}

// RegisterDescriptors loads a serialized FileDescriptorSet, typically
// produced by protoc --descriptor_set_out, into the method registry.
func (g *GRPC) RegisterDescriptors(raw []byte) error {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("parse descriptor set: %w", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return fmt.Errorf("build descriptor registry: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var rangeErr error
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		if _, err := g.files.FindFileByPath(fd.Path()); err == nil {
			return true // already registered
		}
		if err := g.files.RegisterFile(fd); err != nil {
			rangeErr = err
			return false
		}
		return true
	})
	return rangeErr
}

// ResolvePackage decides the proto package for a call, in order: the API's
// pinned package, then the client-requested package when the allow-list
// admits it, then the name_version derivation.
func ResolvePackage(api *gateway.Api, requested string) (string, error) {
	if api.GRPCPackage != "" {
		return api.GRPCPackage, nil
	}
	if requested != "" {
		if !slices.Contains(api.GRPCAllowedPackages, requested) {
			return "", gateway.ErrGRPCDenied
		}
		return requested, nil
	}
	return strings.ReplaceAll(api.Name, "-", "_") + "_" + strings.ReplaceAll(api.Version, ".", "_") + "_pb2", nil
}

// checkTarget applies the API's service and method allow-lists.
func checkTarget(api *gateway.Api, service, method string) error {
	if len(api.GRPCAllowedServices) > 0 && !slices.Contains(api.GRPCAllowedServices, service) {
		return gateway.ErrGRPCDenied
	}
	if len(api.GRPCAllowedMethods) > 0 && !slices.Contains(api.GRPCAllowedMethods, method) {
		return gateway.ErrGRPCDenied
	}
	return nil
}

// method resolves a registered unary method descriptor.
func (g *GRPC) method(pkg, service, method string) (protoreflect.MethodDescriptor, error) {
	full := protoreflect.FullName(pkg + "." + service + "." + method)
	g.mu.RLock()
	desc, err := g.files.FindDescriptorByName(full)
	g.mu.RUnlock()
	if err != nil {
		return nil, gateway.Errf(gateway.ErrEndpointNotFound, "unknown gRPC method %s", full)
	}
	md, ok := desc.(protoreflect.MethodDescriptor)
	if !ok {
		return nil, gateway.Errf(gateway.ErrEndpointNotFound, "%s is not a method", full)
	}
	if md.IsStreamingClient() || md.IsStreamingServer() {
		return nil, gateway.Errf(gateway.ErrValidation, "streaming methods are not supported")
	}
	return md, nil
}

// conn returns a pooled client connection for the target. A grpcs:// scheme
// selects TLS; grpc:// and bare host:port dial insecurely.
func (g *GRPC) conn(target string) (*grpc.ClientConn, error) {
	g.mu.RLock()
	c, ok := g.conns[target]
	g.mu.RUnlock()
	if ok {
		return c, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[target]; ok {
		return c, nil
	}

	addr := target
	creds := insecure.NewCredentials()
	switch {
	case strings.HasPrefix(target, "grpcs://"):
		addr = strings.TrimPrefix(target, "grpcs://")
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	case strings.HasPrefix(target, "grpc://"):
		addr = strings.TrimPrefix(target, "grpc://")
	}

	c, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrUpstream, err)
	}
	g.conns[target] = c
	return c, nil
}

// GRPCResult is the transcoded response.
type GRPCResult struct {
	Status int    // mapped HTTP status
	Body   []byte // protojson response or error payload
}

// Invoke performs a unary call: the JSON body is unmarshaled into a dynamic
// request message, the call is issued, and the response message is returned
// as JSON with the gRPC code mapped onto an HTTP status.
func (g *GRPC) Invoke(ctx context.Context, api *gateway.Api, target, requestedPkg, service, methodName string, body []byte) (*GRPCResult, error) {
	pkg, err := ResolvePackage(api, requestedPkg)
	if err != nil {
		return nil, err
	}
	if err := checkTarget(api, service, methodName); err != nil {
		return nil, err
	}
	md, err := g.method(pkg, service, methodName)
	if err != nil {
		return nil, err
	}

	in := dynamicpb.NewMessage(md.Input())
	if len(body) > 0 {
		if err := protojson.Unmarshal(body, in); err != nil {
			return nil, gateway.Errf(gateway.ErrValidation, "request does not match %s: %v", md.Input().FullName(), err)
		}
	}
	out := dynamicpb.NewMessage(md.Output())

	c, err := g.conn(target)
	if err != nil {
		return nil, err
	}
	fullMethod := fmt.Sprintf("/%s.%s/%s", pkg, service, methodName)
	err = c.Invoke(ctx, fullMethod, in, out)
	if err != nil {
		st, _ := status.FromError(err)
		httpStatus, retryable := mapCode(st.Code())
		if retryable {
			return nil, gateway.Wrap(gateway.ErrUpstream, err)
		}
		payload, _ := protojson.Marshal(st.Proto())
		return &GRPCResult{Status: httpStatus, Body: payload}, nil
	}

	payload, err := protojson.Marshal(out)
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrInternal, err)
	}
	return &GRPCResult{Status: http.StatusOK, Body: payload}, nil
}

// InvokeBinary performs a unary call with a wire-format request payload, as
// delivered by the gRPC-Web bridge. The wire-format response is returned
// together with the gRPC status pair for the trailer frame; only
// gateway-level denials surface as errors.
func (g *GRPC) InvokeBinary(ctx context.Context, api *gateway.Api, target, requestedPkg, service, methodName string, payload []byte) ([]byte, int, string, error) {
	pkg, err := ResolvePackage(api, requestedPkg)
	if err != nil {
		return nil, 0, "", err
	}
	if err := checkTarget(api, service, methodName); err != nil {
		return nil, 0, "", err
	}
	md, err := g.method(pkg, service, methodName)
	if err != nil {
		return nil, 0, "", err
	}

	in := dynamicpb.NewMessage(md.Input())
	if err := proto.Unmarshal(payload, in); err != nil {
		return nil, 0, "", gateway.Errf(gateway.ErrValidation, "request does not match %s: %v", md.Input().FullName(), err)
	}
	out := dynamicpb.NewMessage(md.Output())

	c, err := g.conn(target)
	if err != nil {
		return nil, 0, "", err
	}
	fullMethod := fmt.Sprintf("/%s.%s/%s", pkg, service, methodName)
	if err := c.Invoke(ctx, fullMethod, in, out); err != nil {
		st, _ := status.FromError(err)
		return nil, int(st.Code()), st.Message(), nil
	}

	resp, err := proto.Marshal(out)
	if err != nil {
		return nil, 0, "", gateway.Wrap(gateway.ErrInternal, err)
	}
	return resp, int(codes.OK), "", nil
}

// Close tears down pooled connections.
func (g *GRPC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for target, c := range g.conns {
		c.Close() //nolint:errcheck
		delete(g.conns, target)
	}
	return nil
}

// mapCode translates a gRPC status code to an HTTP status. UNAVAILABLE is
// reported as retryable so the invoker's retry budget applies.
func mapCode(code codes.Code) (httpStatus int, retryable bool) {
	switch code {
	case codes.OK:
		return http.StatusOK, false
	case codes.InvalidArgument:
		return http.StatusBadRequest, false
	case codes.NotFound:
		return http.StatusNotFound, false
	case codes.PermissionDenied:
		return http.StatusForbidden, false
	case codes.Unauthenticated:
		return http.StatusUnauthorized, false
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout, false
	case codes.Unavailable:
		return http.StatusServiceUnavailable, true
	default:
		return http.StatusBadGateway, false
	}
}

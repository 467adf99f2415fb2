// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package pluginsdk

import (
	"context"
	"errors"
	"fmt"
	"math"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// lifecycleServiceName is the gRPC service process plugins expose.
const lifecycleServiceName = "plughost.plugin.v1.Lifecycle"

// GRPCPlugin implements go-plugin's Plugin interface for gRPC.
// Both the host and process plugins use it so the wire contract cannot drift.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	// Impl is used by the plugin side (not used by host).
	Impl Plugin
}

// GRPCServer registers the lifecycle service (called by plugin process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Impl == nil {
		return errors.New("pluginsdk: plugin implementation is nil")
	}
	s.RegisterService(&lifecycleServiceDesc, &lifecycleServer{impl: p.Impl})
	return nil
}

// GRPCClient returns a lifecycle client (called by host process). The remote
// feature set is fetched once so the host knows which optional interfaces
// the plugin really implements.
func (p *GRPCPlugin) GRPCClient(ctx context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	client := &LifecycleClient{conn: c}
	if err := client.describe(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// lifecycleHandler is the handler type of the lifecycle service.
type lifecycleHandler interface {
	plugin() Plugin
}

// lifecycleServer adapts a Plugin to the lifecycle service.
type lifecycleServer struct {
	impl Plugin
}

func (s *lifecycleServer) plugin() Plugin { return s.impl }

// methodFunc is the body of one lifecycle method.
type methodFunc func(ctx context.Context, p Plugin, in proto.Message) (proto.Message, error)

var lifecycleServiceDesc = grpc.ServiceDesc{
	ServiceName: lifecycleServiceName,
	HandlerType: (*lifecycleHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: unary("Describe", newEmpty, describeMethod)},
		{MethodName: "Initialize", Handler: unary("Initialize", newStruct, initializeMethod)},
		{MethodName: "Shutdown", Handler: unary("Shutdown", newEmpty, shutdownMethod)},
		{MethodName: "Pause", Handler: unary("Pause", newEmpty, pauseMethod)},
		{MethodName: "Resume", Handler: unary("Resume", newEmpty, resumeMethod)},
		{MethodName: "Snapshot", Handler: unary("Snapshot", newEmpty, snapshotMethod)},
	},
	Metadata: "plughost/plugin/v1/lifecycle.proto",
}

func newEmpty() proto.Message  { return &emptypb.Empty{} }
func newStruct() proto.Message { return &structpb.Struct{} }

func fullMethod(method string) string {
	return "/" + lifecycleServiceName + "/" + method
}

// unary builds a grpc.MethodHandler that decodes the request, runs fn with
// panic recovery, and honours the server interceptor chain.
func unary(method string, newIn func() proto.Message, fn methodFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newIn()
		if err := dec(in); err != nil {
			return nil, err
		}
		h, ok := srv.(lifecycleHandler)
		if !ok {
			return nil, fmt.Errorf("pluginsdk: unexpected server type %T", srv)
		}
		call := func(ctx context.Context, req any) (any, error) {
			msg, _ := req.(proto.Message)
			return recovered(method, func() (proto.Message, error) {
				return fn(ctx, h.plugin(), msg)
			})
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, call)
	}
}

func recovered(method string, fn func() (proto.Message, error)) (out proto.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("plugin panicked in %s: %v", method, r)
		}
	}()
	return fn()
}

func describeMethod(_ context.Context, p Plugin, _ proto.Message) (proto.Message, error) {
	_, pause := p.(Pausable)
	_, snapshot := p.(Snapshotter)
	return structpb.NewStruct(map[string]any{
		"abi_version": float64(ABIVersion),
		"pause":       pause,
		"snapshot":    snapshot,
	})
}

func initializeMethod(ctx context.Context, p Plugin, in proto.Message) (proto.Message, error) {
	cfg, _ := in.(*structpb.Struct)
	if err := p.Initialize(ctx, decodeStruct(cfg)); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func shutdownMethod(ctx context.Context, p Plugin, _ proto.Message) (proto.Message, error) {
	if err := p.Shutdown(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func pauseMethod(ctx context.Context, p Plugin, _ proto.Message) (proto.Message, error) {
	pp, ok := p.(Pausable)
	if !ok {
		return nil, errors.New("plugin does not support pause")
	}
	if err := pp.Pause(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func resumeMethod(ctx context.Context, p Plugin, _ proto.Message) (proto.Message, error) {
	pp, ok := p.(Pausable)
	if !ok {
		return nil, errors.New("plugin does not support resume")
	}
	if err := pp.Resume(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func snapshotMethod(ctx context.Context, p Plugin, _ proto.Message) (proto.Message, error) {
	s, ok := p.(Snapshotter)
	if !ok {
		return nil, errors.New("plugin does not support snapshots")
	}
	cfg, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(cfg)
}

// LifecycleClient is the host-side proxy of a process plugin. It implements
// Plugin, Pausable and Snapshotter; Features reports which of the optional
// interfaces the remote side actually implements.
type LifecycleClient struct {
	conn       grpc.ClientConnInterface
	abiVersion uint32
	features   Features
}

// NewLifecycleClient wraps an established connection. The remote feature set
// is queried immediately.
func NewLifecycleClient(ctx context.Context, conn grpc.ClientConnInterface) (*LifecycleClient, error) {
	c := &LifecycleClient{conn: conn}
	if err := c.describe(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *LifecycleClient) describe(ctx context.Context) error {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("Describe"), &emptypb.Empty{}, out); err != nil {
		return fmt.Errorf("describe plugin: %w", err)
	}
	fields := out.GetFields()
	c.abiVersion = uint32(fields["abi_version"].GetNumberValue())
	c.features = Features{
		Pause:    fields["pause"].GetBoolValue(),
		Snapshot: fields["snapshot"].GetBoolValue(),
	}
	return nil
}

// ABIVersion returns the ABI version the remote plugin was built against.
func (c *LifecycleClient) ABIVersion() uint32 { return c.abiVersion }

// Features implements FeatureReporter.
func (c *LifecycleClient) Features() Features { return c.features }

// Initialize implements Plugin.
func (c *LifecycleClient) Initialize(ctx context.Context, config map[string]any) error {
	in, err := structpb.NewStruct(config)
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}
	return c.conn.Invoke(ctx, fullMethod("Initialize"), in, &emptypb.Empty{})
}

// Shutdown implements Plugin.
func (c *LifecycleClient) Shutdown(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("Shutdown"), &emptypb.Empty{}, &emptypb.Empty{})
}

// Pause implements Pausable.
func (c *LifecycleClient) Pause(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("Pause"), &emptypb.Empty{}, &emptypb.Empty{})
}

// Resume implements Pausable.
func (c *LifecycleClient) Resume(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("Resume"), &emptypb.Empty{}, &emptypb.Empty{})
}

// Snapshot implements Snapshotter.
func (c *LifecycleClient) Snapshot(ctx context.Context) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("Snapshot"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return decodeStruct(out), nil
}

// maxExactInt is the largest magnitude a float64 holds without losing
// integer precision.
const maxExactInt = 1 << 53

// decodeStruct converts a Struct to a map. structpb carries every number as
// a double, so integral values come back as int to match what the sender
// put in.
func decodeStruct(s *structpb.Struct) map[string]any {
	out, _ := decodeValue(s.AsMap()).(map[string]any)
	return out
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < maxExactInt {
			return int(val)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = decodeValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = decodeValue(item)
		}
		return val
	default:
		return val
	}
}

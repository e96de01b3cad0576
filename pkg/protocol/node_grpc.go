package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const NodeServiceName = "stripefs.Node"

// MaxMessageSize is the largest message either side accepts; it bounds the
// data carried by one read or write.
const MaxMessageSize = 64 * 1024 * 1024

// NodeServer is the service a storage target exposes.
type NodeServer interface {
	CreateObject(context.Context, *CreateObjectRequest) (*CreateObjectResponse, error)
	RemoveObject(context.Context, *RemoveObjectRequest) (*RemoveObjectResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	Stat(context.Context, *StatRequest) (*StatResponse, error)
	Fsync(context.Context, *FsyncRequest) (*FsyncResponse, error)
	HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error)
}

// UnimplementedNodeServer can be embedded to satisfy NodeServer.
type UnimplementedNodeServer struct{}

func (UnimplementedNodeServer) CreateObject(context.Context, *CreateObjectRequest) (*CreateObjectResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateObject not implemented")
}
func (UnimplementedNodeServer) RemoveObject(context.Context, *RemoveObjectRequest) (*RemoveObjectResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RemoveObject not implemented")
}
func (UnimplementedNodeServer) Read(context.Context, *ReadRequest) (*ReadResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Read not implemented")
}
func (UnimplementedNodeServer) Write(context.Context, *WriteRequest) (*WriteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Write not implemented")
}
func (UnimplementedNodeServer) Stat(context.Context, *StatRequest) (*StatResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Stat not implemented")
}
func (UnimplementedNodeServer) Fsync(context.Context, *FsyncRequest) (*FsyncResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Fsync not implemented")
}
func (UnimplementedNodeServer) HealthCheck(context.Context, *HealthCheckRequest) (*HealthCheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&NodeServiceDesc, srv)
}

// methodHandler has the signature grpc.MethodDesc expects of Handler.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

// unaryHandler adapts a typed NodeServer method to a method handler.
func unaryHandler[Req any, Resp any](method string, call func(NodeServer, context.Context, *Req) (*Resp, error)) methodHandler {
	fullMethod := "/" + NodeServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(NodeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var NodeServiceDesc = grpc.ServiceDesc{
	ServiceName: NodeServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateObject", Handler: unaryHandler("CreateObject", NodeServer.CreateObject)},
		{MethodName: "RemoveObject", Handler: unaryHandler("RemoveObject", NodeServer.RemoveObject)},
		{MethodName: "Read", Handler: unaryHandler("Read", NodeServer.Read)},
		{MethodName: "Write", Handler: unaryHandler("Write", NodeServer.Write)},
		{MethodName: "Stat", Handler: unaryHandler("Stat", NodeServer.Stat)},
		{MethodName: "Fsync", Handler: unaryHandler("Fsync", NodeServer.Fsync)},
		{MethodName: "HealthCheck", Handler: unaryHandler("HealthCheck", NodeServer.HealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stripefs/node",
}

// NodeClient is the client side of the node service.
type NodeClient interface {
	CreateObject(ctx context.Context, in *CreateObjectRequest, opts ...grpc.CallOption) (*CreateObjectResponse, error)
	RemoveObject(ctx context.Context, in *RemoveObjectRequest, opts ...grpc.CallOption) (*RemoveObjectResponse, error)
	Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error)
	Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error)
	Stat(ctx context.Context, in *StatRequest, opts ...grpc.CallOption) (*StatResponse, error)
	Fsync(ctx context.Context, in *FsyncRequest, opts ...grpc.CallOption) (*FsyncResponse, error)
	HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error)
}

type nodeClient struct {
	cc grpc.ClientConnInterface
}

func NewNodeClient(cc grpc.ClientConnInterface) NodeClient {
	return &nodeClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+NodeServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) CreateObject(ctx context.Context, in *CreateObjectRequest, opts ...grpc.CallOption) (*CreateObjectResponse, error) {
	return invoke[CreateObjectResponse](ctx, c.cc, "CreateObject", in, opts)
}

func (c *nodeClient) RemoveObject(ctx context.Context, in *RemoveObjectRequest, opts ...grpc.CallOption) (*RemoveObjectResponse, error) {
	return invoke[RemoveObjectResponse](ctx, c.cc, "RemoveObject", in, opts)
}

func (c *nodeClient) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	return invoke[ReadResponse](ctx, c.cc, "Read", in, opts)
}

func (c *nodeClient) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	return invoke[WriteResponse](ctx, c.cc, "Write", in, opts)
}

func (c *nodeClient) Stat(ctx context.Context, in *StatRequest, opts ...grpc.CallOption) (*StatResponse, error) {
	return invoke[StatResponse](ctx, c.cc, "Stat", in, opts)
}

func (c *nodeClient) Fsync(ctx context.Context, in *FsyncRequest, opts ...grpc.CallOption) (*FsyncResponse, error) {
	return invoke[FsyncResponse](ctx, c.cc, "Fsync", in, opts)
}

func (c *nodeClient) HealthCheck(ctx context.Context, in *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	return invoke[HealthCheckResponse](ctx, c.cc, "HealthCheck", in, opts)
}

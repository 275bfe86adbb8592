// Package api exposes the message cache over gRPC.
//
// CacheService has no generated stubs: its descriptor is written by hand and
// every request and response is a google.protobuf.Struct with camelCase keys.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatvault.v1.CacheService"

// Unary method names.
const (
	MethodStatus        = "Status"
	MethodStats         = "Stats"
	MethodCheck         = "Check"
	MethodRepair        = "Repair"
	MethodRecover       = "Recover"
	MethodGetMessage    = "GetMessage"
	MethodListMessages  = "ListMessages"
	MethodSearch        = "Search"
	MethodPrune         = "Prune"
	MethodVacuum        = "Vacuum"
	MethodCreateBackup  = "CreateBackup"
	MethodRestoreBackup = "RestoreBackup"
	MethodVerifyBackup  = "VerifyBackup"
	MethodListBackups   = "ListBackups"
	MethodPruneBackups  = "PruneBackups"
	MethodWatchEvents   = "WatchEvents"
)

// FullMethod returns the invoke path of a method, e.g. /chatvault.v1.CacheService/Stats.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

type handlerFunc func(*CacheService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*CacheService)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes CacheService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, (*CacheService).Status),
		unary(MethodStats, (*CacheService).Stats),
		unary(MethodCheck, (*CacheService).Check),
		unary(MethodRepair, (*CacheService).Repair),
		unary(MethodRecover, (*CacheService).Recover),
		unary(MethodGetMessage, (*CacheService).GetMessage),
		unary(MethodListMessages, (*CacheService).ListMessages),
		unary(MethodSearch, (*CacheService).Search),
		unary(MethodPrune, (*CacheService).Prune),
		unary(MethodVacuum, (*CacheService).Vacuum),
		unary(MethodCreateBackup, (*CacheService).CreateBackup),
		unary(MethodRestoreBackup, (*CacheService).RestoreBackup),
		unary(MethodVerifyBackup, (*CacheService).VerifyBackup),
		unary(MethodListBackups, (*CacheService).ListBackups),
		unary(MethodPruneBackups, (*CacheService).PruneBackups),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: MethodWatchEvents,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*CacheService).WatchEvents(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "chatvault/v1/cache.proto",
}

// Register adds svc to a gRPC server.
func Register(s *grpc.Server, svc *CacheService) {
	s.RegisterService(&ServiceDesc, svc)
}

package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type contextKey string

const identityContextKey contextKey = "identity"

// PeerIdentity returns the TLS identity stored by the server interceptor.
func PeerIdentity(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}

// UnaryServerInterceptor attaches the caller's TLS identity, when there is
// one, to the request context and logs every call at debug level.
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		caller := "anonymous"

		if identity := identityFromPeer(ctx); identity != nil {
			ctx = context.WithValue(ctx, identityContextKey, identity)
			caller = identity.CommonName
		}

		resp, err := handler(ctx, req)

		logger.Debug("Handled request",
			zap.String("method", info.FullMethod),
			zap.String("peer", caller),
			zap.Duration("duration", time.Since(start)),
			zap.Stringer("code", status.Code(err)))

		return resp, err
	}
}

func identityFromPeer(ctx context.Context) *Identity {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return nil
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return nil
	}
	return IdentityFromCertificate(tlsInfo.State.PeerCertificates[0])
}

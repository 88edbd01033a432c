package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ma "github.com/panyam/masterauth"
)

// InterceptorConfig configures the auth interceptors.
type InterceptorConfig struct {
	Auth *ma.Authenticator

	// MetadataKey defaults to "authorization".
	MetadataKey string

	// PublicMethods skip authentication entirely. Keys are full method
	// names like "/package.Service/Method".
	PublicMethods map[string]bool

	// MethodRoles restricts methods to callers holding one of the roles.
	// Methods not listed only need an authenticated caller.
	MethodRoles map[string][]ma.Role
}

// NewInterceptorConfig requires auth for every method except publicMethods.
func NewInterceptorConfig(auth *ma.Authenticator, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Auth:          auth,
		PublicMethods: make(map[string]bool),
		MethodRoles:   make(map[string][]ma.Role),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// RequireRoles restricts method to the given roles.
func (c *InterceptorConfig) RequireRoles(method string, roles ...ma.Role) *InterceptorConfig {
	if c.MethodRoles == nil {
		c.MethodRoles = make(map[string][]ma.Role)
	}
	c.MethodRoles[method] = roles
	return c
}

// authorize resolves the caller of method and returns a context carrying
// the identity. Errors are gRPC status errors.
func (c *InterceptorConfig) authorize(ctx context.Context, method string) (context.Context, error) {
	if c.PublicMethods[method] {
		return ctx, nil
	}
	key := c.MetadataKey
	if key == "" {
		key = DefaultMetadataKeyAuthorization
	}
	user, err := c.Auth.Resolve(ctx, authorizationFromIncoming(ctx, key))
	if err != nil {
		if ma.IsKind(err, ma.KindUnauthorized) {
			return nil, status.Error(codes.Unauthenticated, "Unauthorized")
		}
		slog.Error("resolving grpc caller failed", "method", method, "error", err)
		return nil, status.Error(codes.Internal, "Internal Server Error")
	}
	if roles, ok := c.MethodRoles[method]; ok && !user.HasRole(roles...) {
		return nil, status.Error(codes.PermissionDenied, "Forbidden: Insufficient permissions")
	}
	return ma.WithUser(ctx, user), nil
}

// UnaryAuthInterceptor authenticates unary calls and attaches the caller.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor authenticates streams and attaches the caller to
// the stream's context.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// ServerOptions returns both interceptors as server options.
func ServerOptions(config *InterceptorConfig) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(UnaryAuthInterceptor(config)),
		grpc.StreamInterceptor(StreamAuthInterceptor(config)),
	}
}

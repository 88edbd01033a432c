// Package grpc enforces the masterauth access-control contract on gRPC
// services. Callers send the same bearer access token as the HTTP API, in
// the "authorization" metadata key.
package grpc

import (
	"context"

	"google.golang.org/grpc/metadata"

	ma "github.com/panyam/masterauth"
)

// DefaultMetadataKeyAuthorization carries "Bearer <access token>".
const DefaultMetadataKeyAuthorization = "authorization"

// UserFromContext returns the identity resolved by the interceptors, or nil.
func UserFromContext(ctx context.Context) *ma.User {
	return ma.UserFromContext(ctx)
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if u := ma.UserFromContext(ctx); u != nil {
		return u.ID
	}
	return ""
}

// IsAuthenticated reports whether the interceptors attached an identity.
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}

// BearerToOutgoingContext attaches an access token to outgoing calls.
func BearerToOutgoingContext(ctx context.Context, accessToken string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyAuthorization, "Bearer "+accessToken)
}

// authorizationFromIncoming returns the first value of key in the incoming metadata.
func authorizationFromIncoming(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

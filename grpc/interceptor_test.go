package grpc

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	ma "github.com/panyam/masterauth"
	"github.com/panyam/masterauth/stores/fs"
	"github.com/panyam/masterauth/stores/storetest"
)

type fixture struct {
	auth  *ma.Authenticator
	user  *ma.User
	admin *ma.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := ma.NewTokenService(ma.TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		ActionSecret:  "action-secret",
	})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	users := fs.NewFSUserStore(t.TempDir())
	f := &fixture{
		auth:  &ma.Authenticator{Tokens: tokens, Users: users},
		user:  storetest.NewUser("alice"),
		admin: storetest.NewUser("root"),
	}
	f.admin.Role = ma.RoleAdmin
	for _, u := range []*ma.User{f.user, f.admin} {
		if err := users.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	return f
}

// incoming builds a server-side context carrying u's access token.
func (f *fixture) incoming(t *testing.T, u *ma.User) context.Context {
	t.Helper()
	token, err := f.auth.Tokens.IssueAccess(u.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	md := metadata.Pairs(DefaultMetadataKeyAuthorization, "Bearer "+token)
	return metadata.NewIncomingContext(context.Background(), md)
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil error", want)
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected grpc status error, got %v", err)
	}
	if st.Code() != want {
		t.Errorf("expected %v code, got %v", want, st.Code())
	}
}

func TestNewInterceptorConfig(t *testing.T) {
	config := NewInterceptorConfig(nil, "/pkg.Svc/Method1", "/pkg.Svc/Method2")
	if !config.PublicMethods["/pkg.Svc/Method1"] || !config.PublicMethods["/pkg.Svc/Method2"] {
		t.Error("expected listed methods to be public")
	}
	if config.PublicMethods["/pkg.Svc/Method3"] {
		t.Error("expected Method3 to not be public")
	}
	config.RequireRoles("/pkg.Svc/Admin", ma.RoleAdmin)
	if len(config.MethodRoles["/pkg.Svc/Admin"]) != 1 {
		t.Error("expected role restriction to be recorded")
	}
}

func TestUnaryAuthInterceptor_NoToken(t *testing.T) {
	f := newFixture(t)
	interceptor := UnaryAuthInterceptor(NewInterceptorConfig(f.auth))
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	expectCode(t, err, codes.Unauthenticated)
}

func TestUnaryAuthInterceptor_BadToken(t *testing.T) {
	f := newFixture(t)
	interceptor := UnaryAuthInterceptor(NewInterceptorConfig(f.auth))
	md := metadata.Pairs(DefaultMetadataKeyAuthorization, "Bearer not-a-token")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	_, err := interceptor(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called")
		return nil, nil
	})
	expectCode(t, err, codes.Unauthenticated)
}

func TestUnaryAuthInterceptor_WithUser(t *testing.T) {
	f := newFixture(t)
	interceptor := UnaryAuthInterceptor(NewInterceptorConfig(f.auth))
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	var seen string
	_, err := interceptor(f.incoming(t, f.user), nil, info, func(ctx context.Context, req any) (any, error) {
		seen = UserIDFromContext(ctx)
		return "result", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != f.user.ID {
		t.Errorf("expected user %q in context, got %q", f.user.ID, seen)
	}
}

func TestUnaryAuthInterceptor_PublicMethod(t *testing.T) {
	f := newFixture(t)
	interceptor := UnaryAuthInterceptor(NewInterceptorConfig(f.auth, "/pkg.Svc/Health"))
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Health"}

	handlerCalled := false
	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		handlerCalled = true
		if IsAuthenticated(ctx) {
			t.Error("public call should carry no identity")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error for public method: %v", err)
	}
	if !handlerCalled {
		t.Error("handler should have been called for public method")
	}
}

func TestUnaryAuthInterceptor_Roles(t *testing.T) {
	f := newFixture(t)
	config := NewInterceptorConfig(f.auth).RequireRoles("/pkg.Svc/Admin", ma.RoleAdmin, ma.RoleModerator)
	interceptor := UnaryAuthInterceptor(config)
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Admin"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	_, err := interceptor(f.incoming(t, f.user), nil, info, handler)
	expectCode(t, err, codes.PermissionDenied)

	if _, err := interceptor(f.incoming(t, f.admin), nil, info, handler); err != nil {
		t.Errorf("admin should pass: %v", err)
	}
}

// mockServerStream implements grpc.ServerStream for testing
type mockServerStream struct {
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context     { return m.ctx }
func (m *mockServerStream) SetHeader(metadata.MD) error  { return nil }
func (m *mockServerStream) SendHeader(metadata.MD) error { return nil }
func (m *mockServerStream) SetTrailer(metadata.MD)       {}
func (m *mockServerStream) SendMsg(any) error            { return nil }
func (m *mockServerStream) RecvMsg(any) error            { return nil }

func TestStreamAuthInterceptor_NoToken(t *testing.T) {
	f := newFixture(t)
	interceptor := StreamAuthInterceptor(NewInterceptorConfig(f.auth))
	info := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/StreamMethod"}

	err := interceptor(nil, &mockServerStream{ctx: context.Background()}, info, func(srv any, ss grpc.ServerStream) error {
		t.Error("handler should not be called")
		return nil
	})
	expectCode(t, err, codes.Unauthenticated)
}

func TestStreamAuthInterceptor_WithUser(t *testing.T) {
	f := newFixture(t)
	interceptor := StreamAuthInterceptor(NewInterceptorConfig(f.auth))
	info := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/StreamMethod"}

	var seen *ma.User
	err := interceptor(nil, &mockServerStream{ctx: f.incoming(t, f.user)}, info, func(srv any, ss grpc.ServerStream) error {
		seen = UserFromContext(ss.Context())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == nil || seen.ID != f.user.ID {
		t.Errorf("expected stream context to carry %q", f.user.ID)
	}
}

func TestBearerToOutgoingContext(t *testing.T) {
	ctx := BearerToOutgoingContext(context.Background(), "tok")
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if got := md.Get(DefaultMetadataKeyAuthorization); len(got) != 1 || got[0] != "Bearer tok" {
		t.Errorf("unexpected authorization metadata %v", got)
	}
}

// Command authserver runs the masterauth backend: the JSON API under
// /api/v1, the email worker and, when GRPC_PORT is set, a gRPC listener
// guarded by the same access tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	ma "github.com/panyam/masterauth"
	"github.com/panyam/masterauth/config"
	"github.com/panyam/masterauth/email"
	magrpc "github.com/panyam/masterauth/grpc"
	"github.com/panyam/masterauth/oauth2"
	"github.com/panyam/masterauth/queue"
	"github.com/panyam/masterauth/stores/fs"
	"github.com/panyam/masterauth/stores/gae"
	gormstore "github.com/panyam/masterauth/stores/gorm"
	mongostore "github.com/panyam/masterauth/stores/mongo"
	redisstore "github.com/panyam/masterauth/stores/redis"
)

const emailQueueName = "masterauth:email"

func main() {
	cfg := config.MustLoad()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("authserver: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("shutdown", "error", err)
			}
		}
	}()

	users, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	var revoker ma.Revoker
	if cfg.RevokeRefreshTokens {
		client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		closers = append(closers, client)
		revoker = redisstore.NewDenylist(client, "masterauth:revoked")
	}

	tokens, err := ma.NewTokenService(ma.TokenConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTSecretRefresh,
		ActionSecret:  cfg.JWTSecretAction,
		AccessExpiry:  cfg.AccessTokenTTL,
		RefreshExpiry: cfg.RefreshTokenTTL,
		VerifyExpiry:  cfg.ActionTokenTTL,
		Revoker:       revoker,
	})
	if err != nil {
		return err
	}

	q, qcloser, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	if qcloser != nil {
		closers = append(closers, qcloser)
	}
	closers = append(closers, q)
	provider, err := email.New(email.Settings{
		Provider:      cfg.MailProvider,
		From:          cfg.SenderEmail,
		MailgunAPIKey: cfg.MailgunAPIKey,
		MailgunDomain: cfg.MailgunDomain,
		MailgunRegion: cfg.MailgunRegion,
		ResendAPIKey:  cfg.ResendAPIKey,
	})
	if err != nil {
		return err
	}
	if err := q.Start(ctx, ma.EmailJobHandler(provider, cfg.SenderEmail)); err != nil {
		return err
	}

	passwords := &ma.PasswordAuth{
		Users:  users,
		Tokens: tokens,
		Mailer: &ma.Mailer{Queue: q, ClientURL: cfg.ClientURL},
	}
	webAuthn, err := ma.NewWebAuthnEngine(users, ma.WebAuthnConfig{
		RPID:          cfg.WebAuthnRPID,
		RPDisplayName: cfg.WebAuthnRPName,
		RPOrigins:     cfg.WebAuthnOrigins,
	})
	if err != nil {
		return err
	}
	auth := &ma.Authenticator{Tokens: tokens, Users: users}
	bridge := &ma.OAuthBridge{Users: users, Tokens: tokens, ClientURL: cfg.ClientURL}

	session := ma.NewOAuthSession()
	session.Cookie.Secure = cfg.Env != "development"
	google := oauth2.NewGoogleOAuth2(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthCallbackBase+"/google/callback", session)
	github := oauth2.NewGithubOAuth2(cfg.GithubClientID, cfg.GithubClientSecret, cfg.OAuthCallbackBase+"/github/callback", session)
	providers := map[string]ma.OAuthProvider{}
	for name, p := range map[string]*oauth2.BaseOAuth2{"google": google.BaseOAuth2, "github": github.BaseOAuth2} {
		if !p.Configured() {
			slog.Info("oauth provider not configured", "provider", name)
			continue
		}
		bridge.Attach(p)
		providers[name] = p
	}

	api := &ma.API{
		Auth:      auth,
		Passwords: passwords,
		TOTP:      &ma.TOTPEngine{Users: users, Login: passwords, Issuer: cfg.TOTPIssuer},
		WebAuthn:  webAuthn,
		OAuth:     bridge,
		Users:     users,
		Providers: providers,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(session),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		slog.Info("http listening", "addr", srv.Addr, "env", cfg.Env, "store", cfg.StoreDriver, "queue", cfg.QueueDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		interceptors := magrpc.NewInterceptorConfig(auth,
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
		)
		grpcServer = grpc.NewServer(magrpc.ServerOptions(interceptors)...)
		healthpb.RegisterHealthServer(grpcServer, health.NewServer())
		go func() {
			slog.Info("grpc listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return srv.Shutdown(shutdownCtx)
}

// openStore picks the user store named by STORE_DRIVER. For fs DATABASE_URL
// is a directory, for datastore it is the namespace ("default" for none).
func openStore(ctx context.Context, cfg config.Config) (ma.UserStore, io.Closer, error) {
	switch cfg.StoreDriver {
	case "fs":
		if err := os.MkdirAll(cfg.DatabaseURL, 0o700); err != nil {
			return nil, nil, err
		}
		return fs.NewFSUserStore(cfg.DatabaseURL), nil, nil
	case "gorm", "postgres":
		db, err := gormstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, nil, fmt.Errorf("migrating: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return gormstore.NewUserStore(db), sqlDB, nil
	case "mongo":
		client, err := mongostore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := mongostore.NewUserStore(client.Database(cfg.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("creating indexes: %w", err)
		}
		return store, closerFunc(func() error { return client.Disconnect(context.Background()) }), nil
	case "datastore":
		client, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, nil, err
		}
		namespace := cfg.DatabaseURL
		if namespace == "default" {
			namespace = ""
		}
		return gae.NewUserStore(client, namespace), client, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// openQueue picks the email queue named by QUEUE_DRIVER. The returned
// closer, when set, owns the queue's connection.
func openQueue(ctx context.Context, cfg config.Config) (queue.Queue, io.Closer, error) {
	switch cfg.QueueDriver {
	case "memory":
		return queue.NewMemoryQueue(), nil, nil
	case "redis":
		client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return queue.NewRedisQueue(client, emailQueueName), client, nil
	case "amqp":
		q, err := queue.NewAMQPQueue(cfg.AMQPURL, emailQueueName)
		return q, nil, err
	}
	return nil, nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

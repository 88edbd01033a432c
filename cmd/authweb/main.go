// Command authweb runs the first-party web front. It holds the session
// cookie, forwards signed-in calls to the backend and guards /feed and
// /admin.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/panyam/masterauth/client"
	"github.com/panyam/masterauth/config"
)

func main() {
	cfg := config.MustLoadWeb()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	carrier, err := client.NewSessionCarrier(cfg.SessionSecret)
	if err != nil {
		log.Fatalf("authweb: %v", err)
	}
	carrier.Secure = cfg.Secure
	web := client.NewWeb(carrier, client.NewGateway(cfg.APIURL))

	r := mux.NewRouter()
	r.Use(web.RequireSession("/feed", "/admin"))
	r.HandleFunc("/api/auth", web.Intake).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
	r.HandleFunc("/api/signin", web.SignIn).Methods(http.MethodPost)
	r.HandleFunc("/api/2fa", web.TwoFactorSignIn).Methods(http.MethodPost)
	r.HandleFunc("/logout", web.Logout).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/feed", web.Forward("/auth/getUser")).Methods(http.MethodGet)
	r.HandleFunc("/admin/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		web.Forward("/admin/users/"+url.PathEscape(mux.Vars(r)["id"]))(w, r)
	}).Methods(http.MethodGet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("web listening", "addr", srv.Addr, "api", cfg.APIURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("authweb: %v", err)
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flags := pflag.NewFlagSet("yacall-server", pflag.ContinueOnError)
	flags.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "listen host")
	flags.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "listen port")
	flags.StringSliceVar(&cfg.Server.AllowedOrigins, "allowed-origins", cfg.Server.AllowedOrigins, "CORS allowed origins")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	issue := flags.String("issue-token", "", "print a signaling token for this user id and exit")
	issueName := flags.String("token-name", "", "display name carried by --issue-token")
	issueTTL := flags.Duration("token-ttl", 24*time.Hour, "lifetime of --issue-token")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg.Log.SetupLogger(os.Stdout)
	auth := handler.NewAuth(cfg.Server.JWTSecret)

	if *issue != "" {
		user := domain.Party{ID: domain.UserID(*issue), Name: *issueName}
		return issueToken(os.Stdout, auth, user, *issueTTL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}

	hub := ws.NewHub()
	go hub.Run()
	defer hub.Stop()

	log.Info().Str("addr", ln.Addr().String()).Bool("auth", auth.Enabled()).Msg("Starting signaling relay")
	return serve(ctx, newServer(handler.NewHandler(hub, auth, cfg.Server.AllowedOrigins)), ln, shutdownGrace)
}

func issueToken(w io.Writer, auth *handler.Auth, user domain.Party, ttl time.Duration) error {
	if !auth.Enabled() {
		return errors.New("JWT_SECRET is required to issue tokens")
	}
	token, err := auth.Issue(user, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func newServer(h *handler.Handler) *http.Server {
	return &http.Server{
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs srv on ln until ctx is done, then gives open requests grace
// to finish.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("Server exited")
	return nil
}

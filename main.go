package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/gatekeeper/internal/audit"
	"github.com/MGallo-Code/gatekeeper/internal/auth"
	"github.com/MGallo-Code/gatekeeper/internal/config"
	"github.com/MGallo-Code/gatekeeper/internal/credential"
	"github.com/MGallo-Code/gatekeeper/internal/identity"
	"github.com/MGallo-Code/gatekeeper/internal/mail"
	"github.com/MGallo-Code/gatekeeper/internal/oauth"
	"github.com/MGallo-Code/gatekeeper/internal/ratelimit"
	"github.com/MGallo-Code/gatekeeper/internal/session"
	"github.com/MGallo-Code/gatekeeper/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// .env is a development convenience; real env vars always win.
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rdb.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Shared Redis client; limiter, mail queue and health check share one pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	// workers stop when run() returns
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var inner mail.Mailer = mail.NopMailer{}
	if cfg.SMTPHost != "" {
		inner = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:          cfg.SMTPHost,
			Port:          cfg.SMTPPort,
			Username:      cfg.SMTPUsername,
			Password:      cfg.SMTPPassword,
			FromAddress:   cfg.SMTPFromAddress,
			ResetURLBase:  cfg.SMTPResetURLBase,
			VerifyURLBase: cfg.SMTPVerifyURLBase,
		})
	} else {
		slog.Warn("SMTP_HOST not set, outbound email disabled")
	}
	qm, err := mail.NewQueuedMailer(inner, rdb, cfg.MailQueueMax, cfg.MailQueueKey)
	if err != nil {
		return fmt.Errorf("failed to set up mail queue: %w", err)
	}
	go qm.StartWorker(workCtx)

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}

	hasher := credential.DefaultHasher()
	hasher.Time = cfg.PasswordArgonTime
	hasher.Memory = cfg.PasswordArgonMemoryKiB

	sm := session.NewManager(ps, cfg.SessionTTL)
	ir := identity.NewResolver(ps, hasher)
	ir.PurgeDelay = cfg.AccountPurgeDelay
	al := audit.NewLogger(ps)
	al.Threshold = cfg.SuspiciousThreshold
	al.Lookback = cfg.SuspiciousLookback

	h := &auth.AuthHandler{
		PS:             ps,
		RS:             store.NewRedisStore(rdb),
		SM:             sm,
		IR:             ir,
		AL:             al,
		RL:             ratelimit.NewRedisLimiter(rdb),
		PH:             hasher,
		ML:             qm,
		OAuthProviders: providers,
		Cookie:         auth.CookieConfig{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain},
		CSRFExempt:     cfg.CSRFExemptPaths,

		RequireEmailVerification: cfg.RequireEmailVerification,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h)}

	go runSweeper(workCtx, ps, sm, cfg.CleanupInterval, cfg.SessionRetention)

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gatekeeper listening", "addr", ln.Addr().String(), "oauth_providers", len(providers))
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns, then waits for in-flight requests or the 30s timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildProviders registers every OAuth provider whose client id and secret are set.
// Google discovery runs here, so a bad issuer fails startup rather than the first login.
func buildProviders(ctx context.Context, cfg *config.Config) (map[string]oauth.Provider, error) {
	client := oauth.NewHTTPClient(cfg.OAuthTimeout)
	providers := map[string]oauth.Provider{}

	if config.OAuthEnabled(cfg.GoogleClientID, cfg.GoogleClientSecret) {
		g, err := oauth.NewGoogleProvider(ctx, client, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set up google oauth: %w", err)
		}
		providers[g.Name()] = g
	}
	if config.OAuthEnabled(cfg.GitHubClientID, cfg.GitHubClientSecret) {
		gh := oauth.NewGitHubProvider(client, cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubRedirectURL)
		providers[gh.Name()] = gh
	}
	return providers, nil
}

// sweepStore is the housekeeping surface of the store used by the sweeper.
type sweepStore interface {
	PurgeDeletedUsers(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) (int64, error)
}

// runSweeper runs sweep every interval until ctx is cancelled.
func runSweeper(ctx context.Context, ss sweepStore, sm *session.Manager, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep(ctx, ss, sm, retention, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// sweep deletes stale sessions, purges soft-deleted users past their purge date and drops
// expired verification tokens. Each step is independent; failures are logged only.
func sweep(ctx context.Context, ss sweepStore, sm *session.Manager, retention time.Duration, now time.Time) {
	if n, err := sm.Sweep(ctx, retention); err != nil {
		slog.Warn("session cleanup failed", "error", err)
	} else {
		slog.Info("session cleanup complete", "deleted", n)
	}
	if n, err := ss.PurgeDeletedUsers(ctx, now); err != nil {
		slog.Warn("account purge failed", "error", err)
	} else if n > 0 {
		slog.Info("account purge complete", "deleted", n)
	}
	if n, err := ss.DeleteExpiredVerificationTokens(ctx, now); err != nil {
		slog.Warn("verification token cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("verification token cleanup complete", "deleted", n)
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	// Identify before the guards: the rate limiter keys on the identity and the CSRF guard
	// compares against its token.
	r.Use(h.Identify)

	// guarded counts a request against its class, then checks CSRF. Requests the guard
	// rejects have already used quota.
	guarded := func(action string) chi.Middlewares {
		return chi.Chain(h.RateLimit(action), h.CSRFGuard)
	}

	r.Get("/health", h.CheckHealth)

	// Anonymous entry points
	r.With(guarded(ratelimit.ActionRegister)...).Post("/register", h.Register)
	r.With(guarded(ratelimit.ActionLogin)...).Post("/login", h.Login)
	r.Group(func(r chi.Router) {
		r.Use(guarded(ratelimit.ActionOAuth)...)
		r.Get("/oauth/{provider}", h.OAuthRedirect)
		// Signed-in callers link the provider instead of signing in.
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)
	})
	r.Group(func(r chi.Router) {
		r.Use(guarded(ratelimit.ActionPasswordReset)...)
		r.Post("/password/reset", h.PasswordReset)
		r.Post("/password/confirm", h.PasswordConfirm)
	})
	r.With(guarded(ratelimit.ActionOTP)...).Post("/verify/email/confirm", h.ConfirmEmailVerification)

	// Session required. The guards run ahead of RequireAuth so a state-changing request
	// without a session is refused by the CSRF guard.
	r.With(append(guarded(ratelimit.ActionOTP), auth.RequireAuth)...).
		Post("/verify/email/request", h.RequestEmailVerification)
	r.Group(func(r chi.Router) {
		r.Use(guarded(ratelimit.ActionGeneral)...)
		r.Use(auth.RequireAuth)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Post("/password/change", h.PasswordChange)

		r.Get("/me", h.Me)
		r.Patch("/me/profile", h.UpdateProfile)
		r.Delete("/me", h.DeleteAccount)
		r.Get("/me/oauth/accounts", h.ListOAuthAccounts)
		r.Delete("/me/oauth/accounts/{provider}", h.UnlinkOAuthAccount)

		r.Get("/sessions", h.ListSessions)
		r.Delete("/sessions/{id}", h.RevokeSession)
		r.Get("/security/audit", h.SecurityAudit)
	})

	r.Group(func(r chi.Router) {
		r.Use(guarded(ratelimit.ActionGeneral)...)
		r.Use(auth.RequireRole(store.RoleAdmin))
		r.Post("/admin/users/{id}/logout-all", h.AdminLogoutAll)
	})

	return r
}

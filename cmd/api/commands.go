package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dashboard/api/internal/app"
	"dashboard/api/internal/changelog"
	"dashboard/api/internal/config"
	"dashboard/api/internal/email"
	"dashboard/api/internal/export"
	"dashboard/api/internal/logger"
	"dashboard/api/internal/oauth"
	"dashboard/api/internal/ratelimit"
	"dashboard/api/internal/search"
	"dashboard/api/internal/session"
	"dashboard/api/internal/storage"
	"dashboard/api/internal/store"
)

type Globals struct {
	Debug   bool
	Version string
}

// setup loads configuration and installs the process logger.
func setup(globals *Globals) (config.Config, zerolog.Logger) {
	cfg := config.Load()
	lg := logger.Setup(globals.Debug || !cfg.Production())
	log.Logger = lg
	zerolog.DefaultContextLogger = &lg
	return cfg, lg
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Ctx(ctx).Info().Strs("files", applied).Msg("schema migrated")
	}
	return db, nil
}

type MigrateCmd struct {
	Down int `help:"Roll back the newest N migrations instead of applying."`
}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, lg := setup(globals)
	ctx = lg.WithContext(ctx)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if c.Down > 0 {
		rolledBack, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, c.Down)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		lg.Info().Int("count", len(rolledBack)).Msg("migrations rolled back")
		return nil
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	lg.Info().Int("count", len(applied)).Str("dir", cfg.MigrationsDir).Msg("migrations applied")
	return nil
}

type ReindexCmd struct{}

func (c *ReindexCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, lg := setup(globals)
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return errors.New("MEILI_URL is not set")
	}
	ctx = lg.WithContext(ctx)
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	defer meili.Close()
	searchService := search.NewService(meili, search.NewPgFTS(db))

	// the health loop needs a moment to see the server
	deadline := time.Now().Add(10 * time.Second)
	for !meili.Healthy() && time.Now().Before(deadline) {
		time.Sleep(250 * time.Millisecond)
	}
	records, err := searchService.ReindexAllFromPG(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	lg.Info().
		Int("tickets", len(records.Tickets)).
		Int("notes", len(records.Notes)).
		Int("workspaces", len(records.Workspaces)).
		Msg("reindex complete")
	return nil
}

type ServeCmd struct {
	Addr string `help:"Listen address, overrides API_ADDR." env:"API_ADDR"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, lg := setup(globals)
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(lg.WithContext(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	deps := app.Dependencies{
		Changelog: changelog.New(cfg.ChangelogRepo),
		Exporter:  export.NewService(),
	}

	pgfts := search.NewPgFTS(db)
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
	}
	deps.Search = search.NewService(meili, pgfts)

	authLimiter, formLimiter := memoryLimiters(ctx, cfg)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			return err
		}
		redisStore := session.NewRedisStoreWithClient(client)
		defer redisStore.Close()
		deps.Redis = redisStore
		deps.Refresh = redisStore
		authLimiter = ratelimit.NewRedis(client, "auth", ratelimit.Policy{Limit: cfg.AuthRateLimit, Window: cfg.AuthRateWindow})
		formLimiter = ratelimit.NewRedis(client, "form", ratelimit.Policy{Limit: cfg.FormRateLimit, Window: cfg.FormRateWindow})
		lg.Info().Msg("using redis for refresh tokens and rate limits")
	} else {
		lg.Info().Msg("using postgres for refresh tokens and in-memory rate limits")
	}

	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return err
		}
		deps.Objects = objects
	} else {
		lg.Warn().Msg("MINIO_ENDPOINT not set, avatar and logo uploads are disabled")
	}

	github, err := oauth.NewGithub(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubCallbackURL)
	switch {
	case err == nil:
		deps.GitHub = github
	case errors.Is(err, oauth.ErrNotConfigured):
		lg.Info().Msg("github sign-in disabled")
	default:
		return err
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		deps.Mailer = mailer
	} else {
		lg.Warn().Msg("SMTP not configured, tokens are returned in responses")
	}

	service := app.New(cfg, store.NewPostgresStore(db), deps)
	api := app.NewHTTPServer(service, lg, authLimiter, formLimiter, cfg.CORSOrigins)
	if err := api.TrustProxies(cfg.TrustedProxies); err != nil {
		return err
	}
	handler := api.Handler()
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    64 * 1024,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", cfg.Addr).Str("version", globals.Version).Msg("dashboard api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lg.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// memoryLimiters returns process-local limiters with a janitor bound to ctx.
func memoryLimiters(ctx context.Context, cfg config.Config) (ratelimit.Limiter, ratelimit.Limiter) {
	auth := ratelimit.NewMemory(ratelimit.Policy{Limit: cfg.AuthRateLimit, Window: cfg.AuthRateWindow})
	form := ratelimit.NewMemory(ratelimit.Policy{Limit: cfg.FormRateLimit, Window: cfg.FormRateWindow})
	auth.StartJanitor(ctx, time.Minute)
	form.StartJanitor(ctx, time.Minute)
	return auth, form
}

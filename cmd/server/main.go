package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clientdesk/internal/apperr"
	"clientdesk/internal/auth"
	"clientdesk/internal/clients"
	"clientdesk/internal/config"
	"clientdesk/internal/handlers"
	"clientdesk/internal/ids"
	"clientdesk/internal/logging"
	"clientdesk/internal/sessions"
	"clientdesk/internal/storage"
	"clientdesk/internal/upload"

	"go.uber.org/zap"
)

const (
	_readTimeout     = 10 * time.Second
	_writeTimeout    = 30 * time.Second
	_idleTimeout     = time.Minute
	_shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Init(logging.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorw("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// application owns the wired dependencies of one server process.
type application struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	db      *storage.DB
	auth    *auth.Service
	sweeper *sessions.Sweeper
	handler http.Handler
	closers []func() error
}

// newApplication opens every backend named by cfg and builds the router.
func newApplication(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*application, error) {
	app := &application{cfg: cfg, log: log}

	db, err := storage.Open(cfg.DB.Path, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	app.db = db
	app.closers = append(app.closers, db.Close)

	gen, err := ids.NewGenerator(cfg.SnowflakeNode)
	if err != nil {
		app.Close()
		return nil, err
	}

	checks := map[string]handlers.Pinger{"database": db}

	var sessionStore auth.SessionStore = db
	switch cfg.Session.Backend {
	case config.BackendRedis:
		rs, err := sessions.NewRedisStore(ctx, sessions.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sessionStore = rs
		checks["redis"] = rs
		app.closers = append(app.closers, rs.Close)
	default:
		app.sweeper = sessions.NewSweeper(db, cfg.Session.SweepInterval, log.Named("sweeper"))
	}

	var photoStore upload.Store
	switch cfg.Upload.Backend {
	case config.BackendS3:
		photoStore, err = upload.NewS3Store(ctx, upload.S3Options{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
	default:
		photoStore, err = upload.NewDiskStore(cfg.Upload.Dir)
	}
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to open photo store: %w", err)
	}

	app.auth = auth.NewService(db, sessionStore, auth.BcryptHasher{Cost: cfg.BcryptCost}, gen,
		auth.Options{SessionTTL: cfg.Session.TTL, Rolling: cfg.Session.Rolling}, log.Named("auth"))

	uploads := upload.NewHandler(upload.Config{
		FieldName:    cfg.Upload.Field,
		MaxSize:      cfg.Upload.MaxBytes,
		AllowedTypes: cfg.Upload.Types(),
	}, photoStore, log.Named("upload"))

	clientSvc := clients.NewService(db, uploads, gen, clients.Options{
		IBANStrict: cfg.IBANStrict,
		Language:   cfg.CollateLanguage,
	}, log.Named("clients"))

	h := handlers.NewHandlers(app.auth, clientSvc, uploads, checks, handlers.Options{
		SecureCookie:  cfg.Session.CookieSecure,
		AllowedOrigin: cfg.AllowedOrigin,
		AuthRate:      cfg.RateLimit.PerSecond,
		AuthBurst:     cfg.RateLimit.Burst,
		IBANCountry:   cfg.IBANCountry,
	}, log.Named("http"))
	app.handler = h.Routes()

	return app, nil
}

// seedAdmin creates the configured admin account unless it already exists.
// Without one it warns when the database has no users at all.
func (app *application) seedAdmin(ctx context.Context) error {
	if app.cfg.Admin.User == "" {
		count, err := app.db.UserCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count users: %w", err)
		}
		if count == 0 {
			app.log.Warnw("no users exist; register one or set ADMIN_USER and ADMIN_PASSWORD")
		}
		return nil
	}
	_, err := app.auth.Register(ctx, app.cfg.Admin.User, app.cfg.Admin.Password)
	if apperr.Is(err, apperr.KindConflict) {
		app.log.Debugw("admin user already exists", "user", app.cfg.Admin.User)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	app.log.Infow("admin user created", "user", app.cfg.Admin.User)
	return nil
}

// Close releases backends in reverse order of opening.
func (app *application) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		errs = append(errs, app.closers[i]())
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.seedAdmin(ctx); err != nil {
		return err
	}

	return app.serve(ctx)
}

// serve listens until ctx is cancelled, then drains in-flight requests.
func (app *application) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         app.cfg.Addr(),
		Handler:      app.handler,
		ReadTimeout:  _readTimeout,
		WriteTimeout: _writeTimeout,
		IdleTimeout:  _idleTimeout,
		ErrorLog:     zap.NewStdLog(app.log.Desugar().Named("http")),
	}

	var wg sync.WaitGroup
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	if app.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.sweeper.Run(bgCtx)
		}()
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		app.log.Infow("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownTimeout)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	app.log.Infow("server starting", "addr", srv.Addr,
		"session_backend", app.cfg.Session.Backend, "upload_backend", app.cfg.Upload.Backend)

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	err := <-shutdownErr

	cancelBg()
	wg.Wait()

	app.log.Infow("server stopped")
	return err
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	api "github.com/mind-engage/mindengage-lti-tool/internal/api/http"
	"github.com/mind-engage/mindengage-lti-tool/internal/assessment"
	auth "github.com/mind-engage/mindengage-lti-tool/internal/auth/middleware"
	"github.com/mind-engage/mindengage-lti-tool/internal/config"
	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/internal/jwks"
	"github.com/mind-engage/mindengage-lti-tool/internal/logger"
	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
	"github.com/mind-engage/mindengage-lti-tool/internal/session"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Init(logger.Options{Service: "lti-tool"})
		logger.Get().Fatal().Err(err).Msg("config")
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "lti-tool"})
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("lti tool stopped")
	}
	log.Info().Msg("lti tool stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	log := logger.Get()

	// --- DB ---
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer dbh.Close()

	platforms := registry.NewSQLStore(dbh)
	if cfg.LTI.PlatformsFile != "" {
		n, err := registry.LoadFile(ctx, platforms, cfg.LTI.PlatformsFile)
		if err != nil {
			return err
		}
		log.Info().Int("platforms", n).Str("file", cfg.LTI.PlatformsFile).Msg("platforms seeded")
	}
	assessments := assessment.NewSQLStore(dbh)

	// --- Login state ---
	var sessions session.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(openCtx).Err(); err != nil {
			return err
		}
		sessions = session.NewRedisStore(rdb, "lti:state:")
		log.Info().Str("addr", cfg.RedisAddr).Msg("login state in redis")
	} else {
		sessions = session.NewMemoryStore(256)
		log.Warn().Msg("login state in process memory; run a single replica")
	}

	// --- Keys ---
	pemBytes, err := cfg.LTI.PrivateKeyPEM()
	if err != nil {
		return err
	}
	toolKey, err := lti.ParseToolKey(pemBytes, cfg.LTI.KeyID)
	if err != nil {
		return err
	}
	pubSet, kid, err := jwks.PublicSet(&toolKey.Private.PublicKey, toolKey.KeyID)
	if err != nil {
		return err
	}
	toolKey.KeyID = kid
	jwksHandler, err := jwks.NewHandler(pubSet, 10*time.Minute)
	if err != nil {
		return err
	}
	keyCache := jwks.NewCache(cfg.LTI.HTTPTimeout, cfg.LTI.JWKSTTL)

	// --- LTI ---
	if cfg.SessionSecret == config.DevSessionSecret {
		log.Warn().Msg("SESSION_SECRET not set; using the development secret")
	}
	authSvc := auth.NewAuthService(cfg.SessionSecret, cfg.SessionTTL)
	login := &lti.LoginInitiator{
		Platforms:   platforms,
		Sessions:    sessions,
		RedirectURI: cfg.LTI.RedirectURI,
		StateTTL:    cfg.LTI.StateTTL,
		FormPost:    cfg.LTI.LoginResponse == "form_post",
		StateCookie: cfg.LTI.StateCookie,
	}
	launch := &lti.LaunchHandler{
		Validator: &lti.Validator{
			Platforms: platforms,
			Keys:      keyCache,
			Sessions:  sessions,
			Leeway:    cfg.LTI.ClockSkew,
		},
		RequireStateCookie: cfg.LTI.StateCookie,
		OnSuccess:          auth.LaunchRedirect(authSvc, cfg.LTI.UIURL),
	}
	passback := &assessment.Passback{
		Store:     assessments,
		Platforms: platforms,
		Tokens:    lti.NewTokenIssuer(toolKey, cfg.LTI.HTTPTimeout),
		AGS:       lti.NewAGSClient(cfg.LTI.HTTPTimeout),
	}
	retrier := &assessment.Retrier{
		Passback:    passback,
		Store:       assessments,
		Interval:    cfg.PassbackRetryInterval,
		MaxAttempts: cfg.PassbackMaxAttempts,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logger.AccessLog(logger.AccessLogOptions{Slow: 2 * time.Second}), middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := dbh.PingContext(req.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/.well-known/jwks.json", jwksHandler)

	r.Route("/lti", func(lr chi.Router) {
		lr.Method(http.MethodGet, "/login", login)
		lr.Method(http.MethodPost, "/login", login)
		// some platforms append the issuer to the path
		lr.Handle("/login/*", login)
		lr.Method(http.MethodPost, "/launch", launch)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(registry.BasicAuth(cfg.AdminUser, cfg.AdminPassHash))
		ar.Mount("/", registry.Routes(platforms))
	})

	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))
		pr.Mount("/api", api.Routes(assessments, passback))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("public_url", cfg.PublicURL).Str("kid", kid).Msg("lti tool listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := retrier.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/alert"
	"github.com/jmerrifield20/ddosguard/internal/api/handler"
	"github.com/jmerrifield20/ddosguard/internal/auth"
	"github.com/jmerrifield20/ddosguard/internal/detections"
	"github.com/jmerrifield20/ddosguard/internal/detector"
	"github.com/jmerrifield20/ddosguard/internal/guard"
	"github.com/jmerrifield20/ddosguard/internal/health"
	"github.com/jmerrifield20/ddosguard/internal/modellog"
	"github.com/jmerrifield20/ddosguard/internal/reqstats"
	"github.com/jmerrifield20/ddosguard/internal/risk"
	"github.com/jmerrifield20/ddosguard/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ddos-server exited with error", zap.Error(err))
	}
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 50)
	viper.SetDefault("server.predict_timeout", "2s")
	viper.SetDefault("server.max_body_bytes", 1<<20)
	viper.SetDefault("model.path", "models/model.json")
	viper.SetDefault("model.watch", false)
	viper.SetDefault("model.close_grace", "30s")
	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("guard.enabled", true)
	viper.SetDefault("guard.block_threshold", 0.7)
	viper.SetDefault("guard.geo_header", guard.DefaultGeoHeader)
	viper.SetDefault("guard.exempt_paths", []string{"/healthz", "/readyz", "/metrics"})
	viper.SetDefault("guard.timeout", "200ms")
	viper.SetDefault("guard.upstream", "")
	viper.SetDefault("auth.issuer", "ddosguard")
	viper.SetDefault("auth.signing_key", "")
	viper.SetDefault("auth.token_ttl", "8h")
	viper.SetDefault("auth.admin_secret", "")
	viper.SetDefault("auth.admin_secret_hash", "")
	viper.SetDefault("email.host", "")
	viper.SetDefault("email.port", 587)
	viper.SetDefault("email.username", "")
	viper.SetDefault("email.password", "")
	viper.SetDefault("email.from", "ddosguard@localhost")
	viper.SetDefault("alert.recipients", []string{})
	viper.SetDefault("alert.min_tier", "Critical")
	viper.SetDefault("alert.cooldown", "10m")
	viper.SetDefault("alert.webhooks", []string{})
	viper.SetDefault("alert.webhook_secret", "")
	viper.SetDefault("health.interval", "15s")
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "ddos-server")
	viper.SetDefault("telemetry.endpoint", "localhost:4318")
	viper.SetDefault("telemetry.insecure", true)
	viper.SetDefault("telemetry.sampling_rate", 0.1)
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("server")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("DDOSGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ── Tracing ──────────────────────────────────────────────────────────────
	var telCfg telemetry.Config
	if err := viper.UnmarshalKey("telemetry", &telCfg); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	telCfg.ServiceVersion = version
	tracer, shutdownTracing, err := telemetry.Setup(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// ── Model ────────────────────────────────────────────────────────────────
	modelPath := viper.GetString("model.path")
	det := detector.New(nil,
		detector.WithObserver(handler.PredictionMetrics{}),
		detector.WithLogger(logger),
		detector.WithTracer(tracer),
	)

	// ── Detection log ────────────────────────────────────────────────────────
	var (
		store   detections.Store
		history modellog.Log
		probes  = []health.Probe{health.ReadyProbe("model", det.Ready, true)}
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		pg := detections.NewPostgresStore(db, logger)
		store = pg
		probes = append(probes, health.Probe{Name: "postgres", Check: pg.Ping, Critical: true})
		history = modellog.NewPostgresLog(db, logger)
	} else {
		logger.Warn("database.url not set, detections are kept in memory only")
		store = detections.NewMemoryStore(0)
		history = modellog.NewMemoryLog()
	}

	deploy := &deployer{
		det:    det,
		path:   modelPath,
		grace:  viper.GetDuration("model.close_grace"),
		log:    history,
		logger: logger,
	}
	if err := deploy.load(ctx); err != nil {
		return err
	}

	// ── Request statistics ───────────────────────────────────────────────────
	var tracker reqstats.Tracker = reqstats.NewMemoryTracker(ctx)
	if addr := viper.GetString("redis.addr"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
		defer rdb.Close()
		rt := reqstats.NewRedisTracker(rdb, reqstats.NewMemoryTracker(ctx), logger)
		tracker = rt
		probes = append(probes, health.Probe{Name: "redis", Check: rt.Ping})
		logger.Info("request statistics shared through redis", zap.String("addr", addr))
	}

	// ── Alerts ───────────────────────────────────────────────────────────────
	var sender alert.Sender = alert.NewNoopSender(logger)
	var smtpCfg alert.SMTPConfig
	if err := viper.UnmarshalKey("email", &smtpCfg); err != nil {
		return fmt.Errorf("email config: %w", err)
	}
	if smtpCfg.Host != "" {
		sender = alert.NewSMTPSender(smtpCfg)
	}
	alertCfg, err := alertConfig()
	if err != nil {
		return err
	}
	notifiers := alert.Notifiers{alert.NewNotifier(sender, alertCfg, logger)}
	if hooks := viper.GetStringSlice("alert.webhooks"); len(hooks) > 0 {
		hookCfg := alertCfg
		hookCfg.Recipients = hooks
		webhook := alert.NewWebhookSender(viper.GetString("alert.webhook_secret"), logger)
		notifiers = append(notifiers, alert.NewNotifier(webhook, hookCfg, logger))
	}
	for _, n := range notifiers {
		n.SetMetricsRecord(handler.RecordAlertDelivery)
	}
	go notifiers.Run(ctx)

	// ── Health ───────────────────────────────────────────────────────────────
	checker := health.New(health.Config{CheckInterval: viper.GetDuration("health.interval")}, logger, probes...)
	checker.SetMetricsRecord(handler.RecordHealthCheck)
	go checker.Start(ctx)

	// ── Admin tokens ─────────────────────────────────────────────────────────
	tokens, err := tokenIssuer(logger)
	if err != nil {
		return err
	}
	adminSecret := viper.GetString("auth.admin_secret")
	adminHash := viper.GetString("auth.admin_secret_hash")
	if adminSecret == "" && adminHash == "" {
		logger.Warn("auth.admin_secret not set, admin endpoints are unreachable")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.Tracing(tracer))

	// CORS
	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Trace-Id"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(viper.GetInt64("server.max_body_bytes")))
	router.Use(handler.PrometheusMiddleware())

	// Per-IP rate limiting
	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}

	router.Use(handler.RequestLogger(logger))

	// DDoS guard
	if viper.GetBool("guard.enabled") {
		var guardCfg guard.Config
		if err := viper.UnmarshalKey("guard", &guardCfg); err != nil {
			return fmt.Errorf("guard config: %w", err)
		}
		g := guard.New(det, tracker, store, guardCfg, logger,
			guard.WithAlerter(notifiers),
			guard.WithModelID(func() string {
				if m := det.Model(); m != nil {
					return m.Info().ID.String()
				}
				return ""
			}),
			guard.WithOutcomeRecorder(handler.RecordGuardOutcome),
		)
		router.Use(g.Middleware())
	}

	handler.NewHealthHandler(checker, det.Ready).Register(router)
	router.GET("/metrics", handler.MetricsHandler())

	admin := auth.RequireAdmin(tokens)
	v1 := router.Group("/api/v1")
	predictHandler := handler.NewPredictHandler(det, viper.GetDuration("server.predict_timeout"), logger)
	predictHandler.SetReload(func() error { return deploy.reload(modellog.ActorAPI) })
	predictHandler.Register(v1, admin)
	handler.NewDetectionsHandler(store, logger).Register(v1, admin)
	handler.NewModelLogHandler(history, logger).Register(v1, admin)
	handler.NewAuthHandler(tokens, adminSecret, adminHash, logger).Register(v1)

	// Requests the server does not handle itself go to the protected upstream.
	if upstream := viper.GetString("guard.upstream"); upstream != "" {
		target, err := url.Parse(upstream)
		if err != nil || target.Host == "" {
			return fmt.Errorf("guard.upstream %q is not a valid URL", upstream)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		router.NoRoute(gin.WrapH(proxy))
		logger.Info("proxying unmatched routes", zap.String("upstream", upstream))
	}

	// ── Reload triggers ──────────────────────────────────────────────────────
	if viper.GetBool("model.watch") {
		err := det.Watch(ctx, modelPath, 0, func(old *detector.Model, err error) {
			deploy.reloaded(modellog.ActorWatch, old, err)
		})
		if err != nil {
			return err
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received, reloading model")
				_ = deploy.reload(modellog.ActorSignal)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ddos-server HTTP listening",
			zap.Int("port", httpPort),
			zap.String("version", version),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ddos-server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	stop()
	if m := det.Model(); m != nil {
		if err := m.Close(); err != nil {
			logger.Warn("close model", zap.Error(err))
		}
	}

	logger.Info("ddos-server stopped")
	return nil
}

// deployer loads and swaps the serving model and records every attempt in
// the deployment history.
type deployer struct {
	det    *detector.Detector
	path   string
	grace  time.Duration
	log    modellog.Log
	logger *zap.Logger
}

func (d *deployer) load(ctx context.Context) error {
	if _, err := d.det.Reload(d.path); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	info := d.det.Model().Info()
	handler.SetModelInfo(info)
	if _, err := d.log.Append(ctx, info.ID.String(), modellog.ActionLoad, modellog.ActorStartup, info.Digest); err != nil {
		d.logger.Warn("record model load", zap.Error(err))
	}
	return nil
}

func (d *deployer) reload(actor string) error {
	old, err := d.det.Reload(d.path)
	d.reloaded(actor, old, err)
	return err
}

// reloaded records a reload attempt. A replaced model is closed once
// in-flight predictions have had time to finish.
func (d *deployer) reloaded(actor string, old *detector.Model, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err != nil {
		d.logger.Error("model reload failed, keeping current model", zap.String("actor", actor), zap.Error(err))
		var id string
		if m := d.det.Model(); m != nil {
			id = m.Info().ID.String()
		}
		if _, lerr := d.log.Append(ctx, id, modellog.ActionReloadFailed, actor, err.Error()); lerr != nil {
			d.logger.Warn("record model reload", zap.Error(lerr))
		}
		return
	}

	info := d.det.Model().Info()
	handler.SetModelInfo(info)
	if _, lerr := d.log.Append(ctx, info.ID.String(), modellog.ActionReload, actor, info.Digest); lerr != nil {
		d.logger.Warn("record model reload", zap.Error(lerr))
	}
	if old == nil {
		return
	}
	time.AfterFunc(d.grace, func() {
		if err := old.Close(); err != nil {
			d.logger.Warn("close retired model", zap.Error(err))
		}
	})
}

func alertConfig() (alert.Config, error) {
	cfg := alert.Config{
		Recipients: viper.GetStringSlice("alert.recipients"),
		Cooldown:   viper.GetDuration("alert.cooldown"),
	}
	if tier := viper.GetString("alert.min_tier"); tier != "" {
		t, err := risk.ParseTier(tier)
		if err != nil {
			return cfg, fmt.Errorf("alert.min_tier: %w", err)
		}
		cfg.MinTier = &t
	}
	return cfg, nil
}

// tokenIssuer builds the admin token issuer. Without a configured key a
// random one is generated, so tokens do not survive a restart.
func tokenIssuer(logger *zap.Logger) (*auth.TokenIssuer, error) {
	key := []byte(viper.GetString("auth.signing_key"))
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("auth.signing_key not set, using an ephemeral key")
	}
	tokens, err := auth.NewTokenIssuer(key, viper.GetString("auth.issuer"), viper.GetDuration("auth.token_ttl"))
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	return tokens, nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

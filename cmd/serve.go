package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	chiware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/datastore"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/jwtutils"
	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/libs/middleware"
	"github.com/quillpay/platform/libs/redisutils"
	srv "github.com/quillpay/platform/libs/service"
	"github.com/quillpay/platform/services/auth"
	"github.com/quillpay/platform/services/bonus"
	"github.com/quillpay/platform/services/dbresolver"
	"github.com/quillpay/platform/services/event"
	"github.com/quillpay/platform/services/ledger"
	"github.com/quillpay/platform/services/pendingops"
	"github.com/quillpay/platform/services/registry"
	"github.com/quillpay/platform/services/saga"
	"github.com/quillpay/platform/services/wallet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	registryDatabase = "platform_registry"

	accessTokenTTL  = time.Hour
	refreshTokenTTL = 7 * 24 * time.Hour
)

func init() {
	ServeCmd.Flags().String("address", ":3333",
		"the address to bind the api server to")
	Must(viper.BindPFlag("address", ServeCmd.Flags().Lookup("address")))
	Must(viper.BindEnv("address", "ADDR"))

	ServeCmd.Flags().Bool("enable-job-workers", true,
		"enable job workers")
	Must(viper.BindPFlag("enable-job-workers", ServeCmd.Flags().Lookup("enable-job-workers")))
	Must(viper.BindEnv("enable-job-workers", "ENABLE_JOB_WORKERS"))

	RootCmd.AddCommand(ServeCmd)
}

// ServeCmd starts the platform api server
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the platform api server",
	Run:   Perform("serve", RunServer),
}

// RunServer is the runner for starting up the api server
func RunServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// add flags to context
	ctx = context.WithValue(ctx, appctx.ListenAddressCTXKey, viper.GetString("address"))
	ctx = context.WithValue(ctx, appctx.MongoURICTXKey, viper.GetString("mongo-uri"))
	ctx = context.WithValue(ctx, appctx.PostgresURICTXKey, viper.GetString("postgres-uri"))
	ctx = context.WithValue(ctx, appctx.RedisURLCTXKey, viper.GetString("redis-url"))
	ctx = context.WithValue(ctx, appctx.JWTSigningSecretCTXKey, viper.GetString("jwt-signing-secret"))
	ctx = context.WithValue(ctx, appctx.RateProviderURLCTXKey, viper.GetString("rate-provider-url"))

	return Server(ctx, viper.GetBool("enable-job-workers"))
}

// app bundles every constructed service for router setup and health checks
type app struct {
	mongo    *datastore.Mongo
	postgres *datastore.Postgres
	redis    *redisutils.Client
	resolver *dbresolver.Resolver

	registry *registry.Service
	ledger   *ledger.Service
	bonus    *bonus.Service
	wallet   *wallet.Service
	auth     *auth.Service
	events   *event.Service
	hub      *event.Hub
	webhooks *event.WebhookWorker
	signer   *jwtutils.Signer

	jobs []srv.Job
}

func setupServices(ctx context.Context) (*app, error) {
	mongoURI, _ := appctx.GetStringFromContext(ctx, appctx.MongoURICTXKey)
	postgresURI, _ := appctx.GetStringFromContext(ctx, appctx.PostgresURICTXKey)
	redisURL, _ := appctx.GetStringFromContext(ctx, appctx.RedisURLCTXKey)
	signingSecret, _ := appctx.GetStringFromContext(ctx, appctx.JWTSigningSecretCTXKey)
	rateProviderURL, _ := appctx.GetStringFromContext(ctx, appctx.RateProviderURLCTXKey)

	mongo, err := datastore.NewMongo(ctx, mongoURI)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongo: %w", err)
	}

	pg, err := datastore.NewPostgres(postgresURI, true)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to the audit store: %w", err)
	}

	redis, err := redisutils.NewClient(ctx, redisURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	// the registry bootstraps from the default connection; every other
	// mongo backed service resolves its database through the registry
	registryStore, err := registry.NewMongoStore(ctx, mongo.Database(registryDatabase))
	if err != nil {
		return nil, fmt.Errorf("registry store initialization failed: %w", err)
	}
	reg := registry.NewService(registryStore)

	resolver := dbresolver.NewResolver(reg, mongoURI)
	// a misconfigured placement template fails the boot, not a request
	if err := resolver.ValidateConfigs(ctx, "ledger", "bonus", "wallet"); err != nil {
		return nil, fmt.Errorf("database placement config validation failed: %w", err)
	}

	ledgerDB, err := resolver.Resolve(ctx, "ledger", "", "")
	if err != nil {
		return nil, fmt.Errorf("unable to resolve the ledger database: %w", err)
	}
	ledgerStore, err := ledger.NewMongoStore(ctx, ledgerDB)
	if err != nil {
		return nil, fmt.Errorf("ledger store initialization failed: %w", err)
	}
	rates := ledger.NewRateService(ledgerStore, rateProviderURL)
	led := ledger.NewService(ledgerStore, rates)

	pending := pendingops.NewRedisStore(redis)

	eventStore := event.NewPGStore(pg)
	dispatcher := event.NewDispatcher(eventStore, redis)
	hub := event.NewHub()
	eventSvc := event.NewService(dispatcher, hub, eventStore)
	webhooks := event.NewWebhookWorker(eventStore)

	bonusDB, err := resolver.Resolve(ctx, "bonus", "", "")
	if err != nil {
		return nil, fmt.Errorf("unable to resolve the bonus database: %w", err)
	}
	bonusStore, err := bonus.NewMongoStore(ctx, bonusDB)
	if err != nil {
		return nil, fmt.Errorf("bonus store initialization failed: %w", err)
	}
	bon := bonus.NewService(bonusStore, reg, led, pending, dispatcher)

	sagas := saga.NewEngine(mongo)

	walletDB, err := resolver.Resolve(ctx, "wallet", "", "")
	if err != nil {
		return nil, fmt.Errorf("unable to resolve the wallet database: %w", err)
	}
	walletStore := wallet.NewMongoStore(walletDB)
	// TODO: swap the dev processor for the psp gateway client once the
	// acquiring integration lands
	wal := wallet.NewService(walletStore, led, reg, bon, dispatcher, sagas, wallet.DevProcessor{})

	signer := jwtutils.NewSigner([]byte(signingSecret), accessTokenTTL, refreshTokenTTL)
	authSvc := auth.NewService(reg, pending, redis, signer, "platform")

	jobs := []srv.Job{}
	jobs = append(jobs, led.Jobs()...)
	jobs = append(jobs, bon.Jobs()...)
	jobs = append(jobs, webhooks.Jobs()...)

	return &app{
		mongo:    mongo,
		postgres: pg,
		redis:    redis,
		resolver: resolver,
		registry: reg,
		ledger:   led,
		bonus:    bon,
		wallet:   wal,
		auth:     authSvc,
		events:   eventSvc,
		hub:      hub,
		webhooks: webhooks,
		signer:   signer,
		jobs:     jobs,
	}, nil
}

func setupRouter(ctx context.Context, logger *zerolog.Logger, a *app, started time.Time) *chi.Mux {
	r := chi.NewRouter()

	// chain should be:
	// id / transfer -> ip -> heartbeat -> request logger / recovery -> cors
	// -> token check -> rate limit -> instrumentation -> handler
	r.Use(chiware.RequestID)
	r.Use(middleware.RequestIDTransfer)
	r.Use(chiware.RealIP)
	r.Use(chiware.Heartbeat("/"))
	if logger != nil {
		// Also handles panic recovery
		r.Use(hlog.NewHandler(*logger))
		r.Use(hlog.UserAgentHandler("user_agent"))
		r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
		r.Use(middleware.RequestLogger(logger))
	}
	r.Use(chiware.Timeout(15 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(os.Getenv("ALLOWED_ORIGINS"), ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.BearerToken)
	if os.Getenv("ENV") == "production" {
		r.Use(middleware.RateLimiter(ctx, 120))
	}

	r.Mount("/v1/auth", middleware.InstrumentHandler("auth", auth.Router(a.auth)))

	// routes requiring an authenticated caller
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthenticatedToken(a.signer))
		r.Mount("/v1/account", middleware.InstrumentHandler("account", auth.ProtectedRouter(a.auth)))
		r.Mount("/v1/wallets", middleware.InstrumentHandler("wallets", wallet.Router(a.wallet)))
		r.Mount("/v1/bonuses", middleware.InstrumentHandler("bonuses", bonus.Router(a.bonus)))
		r.Mount("/v1/events", middleware.InstrumentHandler("events", event.Router(a.events)))

		r.Route("/v1/admin", func(r chi.Router) {
			r.Mount("/registry", middleware.InstrumentHandler("adminRegistry", registry.Router(a.registry)))
			r.Mount("/ledger", middleware.InstrumentHandler("adminLedger", ledger.AdminRouter(a.ledger)))
			r.Mount("/bonuses", middleware.InstrumentHandler("adminBonuses", bonus.AdminRouter(a.bonus)))
			r.Mount("/wallets", middleware.InstrumentHandler("adminWallets", wallet.AdminRouter(a.wallet)))
		})
	})

	r.Get("/health-check", handlers.HealthCheckHandler("platform", started, map[string]handlers.CheckFunc{
		"mongo":    a.mongo.HealthCheck,
		"postgres": a.postgres.HealthCheck,
		"redis":    a.redis.HealthCheck,
		"resolver": a.resolver.HealthCheck,
	}))

	return r
}

// Server runs the platform api server
func Server(ctx context.Context, enableJobWorkers bool) error {
	logger, err := appctx.GetLogger(ctx)
	if err != nil {
		ctx, logger = logging.SetupLogger(ctx)
	}

	sentryDsn := os.Getenv("SENTRY_DSN")
	if sentryDsn != "" {
		buildTime, _ := ctx.Value(appctx.BuildTimeCTXKey).(string)
		commit, _ := ctx.Value(appctx.CommitCTXKey).(string)
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     sentryDsn,
			Release: fmt.Sprintf("platform@%s-%s", commit, buildTime),
		})
		defer sentry.Flush(2 * time.Second)
		if err != nil {
			logger.Panic().Err(err).Msg("unable to setup reporting!")
		}
	}

	version, _ := ctx.Value(appctx.VersionCTXKey).(string)
	commit, _ := ctx.Value(appctx.CommitCTXKey).(string)
	buildTime, _ := ctx.Value(appctx.BuildTimeCTXKey).(string)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("buildTime", buildTime).
		Msg("server starting up")

	a, err := setupServices(ctx)
	if err != nil {
		sentry.CaptureException(err)
		return err
	}

	r := setupRouter(ctx, logger, a, time.Now())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if enableJobWorkers {
		for _, job := range a.jobs {
			for i := 0; i < job.Workers; i++ {
				logger.Debug().Msg("starting job worker")
				go srv.JobWorker(ctx, job.Func, job.Cadence)
			}
		}
	}

	// fan redis published events out to the local sse and websocket clients
	go event.RunBridge(ctx, a.redis, a.hub)

	go func() {
		err := http.ListenAndServe(":9090", promhttp.Handler())
		if err != nil {
			sentry.CaptureException(err)
			logger.Panic().Err(err).Msg("metrics HTTP server start failed!")
		}
	}()

	addr, _ := appctx.GetStringFromContext(ctx, appctx.ListenAddressCTXKey)
	server := http.Server{
		Addr:         addr,
		Handler:      chi.ServerBaseContext(ctx, r),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 20 * time.Second,
	}
	err = server.ListenAndServe()
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("HTTP server start failed!")
	}
	return nil
}

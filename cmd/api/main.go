package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posterstore.dev/internal/auth"
	"posterstore.dev/internal/catalog"
	"posterstore.dev/internal/config"
	"posterstore.dev/internal/fulfillment"
	"posterstore.dev/internal/httpapi"
	"posterstore.dev/internal/ids"
	"posterstore.dev/internal/obs"
	"posterstore.dev/internal/payment"
	"posterstore.dev/internal/purchase"
	"posterstore.dev/internal/storage"
	"posterstore.dev/internal/store/pg"
	"posterstore.dev/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func fatal(msg string, err error) {
	obs.Error(msg, map[string]any{"error": err})
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "config file (default ./config.yaml when present)")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", err)
	}

	// Stores: PostgreSQL when a DSN is configured, in-memory otherwise.
	var (
		posters catalog.Store
		ledger  purchase.Ledger
		admins  auth.AdminStore
		probe   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if cfg.PG.DSN != "" {
		pgStore, err = pg.Open(cfg.PG.DSN)
		if err != nil {
			fatal("open db", err)
		}
		posters, ledger, admins = pgStore.Catalog(), pgStore, pgStore.Admins()
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		obs.Warn("no pg.dsn configured, using in-memory stores", nil)
		posters, ledger = catalog.NewInMemory(), purchase.NewInMemory()
		admins, err = bootstrapAdmins(cfg.Auth)
		if err != nil {
			fatal("bootstrap admin", err)
		}
	}

	lockout := auth.Lockout(auth.NewMemoryLockout(auth.DefaultLockoutPolicy))
	if cfg.Redis.URL != "" {
		rdb, err := auth.ConnectRedis(cfg.Redis.URL)
		if err != nil {
			fatal("connect redis", err)
		}
		defer rdb.Close()
		lockout = auth.NewRedisLockout(rdb, auth.DefaultLockoutPolicy)
	}

	sessions, err := auth.NewSessions(cfg.Auth.Secret, cfg.Auth.SessionTTL, auth.WithSecureCookie(cfg.Auth.SecureCookie))
	if err != nil {
		fatal("sessions", err)
	}

	var (
		files    storage.Store
		fileHTTP http.Handler
	)
	if cfg.UsesSupabase() {
		files, err = storage.NewSupabase(cfg.Storage.URL, cfg.Storage.ServiceKey, cfg.Storage.Bucket,
			storage.WithTimeout(cfg.Storage.Timeout))
		if err != nil {
			fatal("supabase storage", err)
		}
	} else {
		local, err := storage.NewLocal(cfg.Storage.LocalDir, cfg.Public.BaseURL, cfg.Auth.Secret)
		if err != nil {
			fatal("local storage", err)
		}
		files, fileHTTP = local, local.Handler()
	}

	gateway, err := payment.NewGateway(cfg.Stripe.SecretKey,
		payment.WithCurrency(cfg.Stripe.Currency),
		payment.WithGatewayTimeout(cfg.Stripe.Timeout),
		payment.WithAPIURL(cfg.Stripe.APIURL),
	)
	if err != nil {
		fatal("payment gateway", err)
	}
	webhooks, err := payment.NewWebhookParser(cfg.Stripe.WebhookSecret, gateway)
	if err != nil {
		fatal("webhook parser", err)
	}

	orders := stream.New()
	svc := fulfillment.NewService(ledger, posters, files,
		fulfillment.WithURLTTL(cfg.Download.URLTTL),
		fulfillment.WithSignTimeout(cfg.Storage.Timeout),
		fulfillment.WithPublisher(orders),
	)

	api := httpapi.New(probe, httpapi.Deps{
		Catalog:   posters,
		Ledger:    ledger,
		Fulfiller: svc,
		Checkouts: gateway,
		Webhooks:  webhooks,
		Storage:   files,
		Sessions:  sessions,
		Login:     auth.NewAuthenticator(admins, lockout),
		Stream:    orders,
		Files:     fileHTTP,
	}, httpapi.Options{
		Version:        version,
		PublicBaseURL:  cfg.Public.BaseURL,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RateBurst:      cfg.Rate.Burst,
		RatePerSec:     cfg.Rate.PerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// The admin order stream is long-lived, so no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := httpapi.NewHealthServer(probe)
	go health.Run(ctx, 10*time.Second)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		fatal("grpc listen", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			obs.Error("grpc serve", map[string]any{"error": err})
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}()
	obs.Info("posterstore-api started", map[string]any{
		"version":    version,
		"http_addr":  cfg.HTTP.Addr,
		"grpc_addr":  cfg.GRPC.Addr,
		"storage":    storageKind(cfg),
		"persistent": pgStore != nil,
	})

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	obs.Info("stopped", nil)
}

// bootstrapAdmins seeds the in-memory admin store from config, if set.
func bootstrapAdmins(c config.AuthConfig) (*auth.MemoryAdmins, error) {
	if c.BootstrapEmail == "" || c.BootstrapPassword == "" {
		return auth.NewMemoryAdmins(), nil
	}
	hash, err := auth.HashPassword(c.BootstrapPassword)
	if err != nil {
		return nil, err
	}
	return auth.NewMemoryAdmins(auth.Admin{
		ID:           ids.New(),
		Email:        c.BootstrapEmail,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}), nil
}

func storageKind(cfg *config.Config) string {
	if cfg.UsesSupabase() {
		return "supabase"
	}
	return "local"
}

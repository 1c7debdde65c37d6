package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"kilit.org/internal/auth"
	"kilit.org/internal/config"
	"kilit.org/internal/httpapi"
	"kilit.org/internal/migrate"
	"kilit.org/internal/obs"
	"kilit.org/internal/store/memory"
	"kilit.org/internal/store/pg"
	redisstore "kilit.org/internal/store/redis"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// Durable store: Postgres when a DSN is configured, otherwise in-memory
	// (single instance, development only).
	var (
		store   auth.Store
		pgStore *pg.Store
	)
	if dsn := cfg.Postgres.DSN; dsn != "" {
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Auth.StoreTimeout)
		err = pgStore.DB().PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("ping postgres: %v", err)
		}
		if err := migrate.NewManager(pgStore.DB(), pg.Migrations).Up(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		store = pgStore
	} else {
		log.Printf("KILIT_PG_DSN not set, using in-memory store")
		store = memory.New()
	}

	// Optional Redis fast-path denylist in front of the durable ledger.
	var denylist auth.Ledger
	var redisLedger *redisstore.Ledger
	if cfg.Redis.Addr != "" {
		redisLedger, err = redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalf("open redis: %v", err)
		}
		denylist = redisLedger
	}

	authCfg := auth.Config{
		Issuer:                 cfg.Auth.Issuer,
		SigningAlgorithm:       cfg.Auth.SigningAlgorithm,
		AccessTTL:              cfg.Auth.AccessTTL,
		RefreshTTL:             cfg.Auth.RefreshTTL,
		RotateOnRefresh:        cfg.Auth.RotateOnRefresh,
		BlacklistAfterRotation: cfg.Auth.BlacklistRotated,
		CheckAccessTokens:      cfg.Auth.CheckAccessTokens,
	}

	verifier, err := auth.NewVerifier(store)
	if err != nil {
		log.Fatalf("verifier: %v", err)
	}

	issuerOpts := []auth.IssuerOption{auth.WithDenylist(denylist)}
	switch cfg.Auth.SigningAlgorithm {
	case "RS256":
		issuerOpts = append(issuerOpts, auth.WithRS256Keys(cfg.Auth.PrivateKeyPEM, cfg.Auth.PublicKeyPEM))
	default:
		issuerOpts = append(issuerOpts, auth.WithTokenSecret(cfg.Auth.Secret))
	}
	issuer, err := auth.NewIssuer(store, authCfg, issuerOpts...)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}

	registry, err := auth.NewRegistry(store, issuer.Denylist(), authCfg)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	evaluator := auth.NewEvaluator()
	// Session listing is a read, so the role gate goes into scope where it
	// runs ahead of the read-open default.
	evaluator.RegisterScope(auth.ForAction("sessions.list", auth.RequireRole("user", "admin")))

	rp := httpapi.ReadyProbe{}
	if pgStore != nil {
		rp.DB = pgStore.DB()
	}
	api := httpapi.New(httpapi.Options{
		ReadyProbe: rp,
		Version:    version,
		Verifier:   verifier,
		Issuer:     issuer,
		Registry:   registry,
		Evaluator:  evaluator,
		RateBurst:  cfg.Server.RateBurst,
		RatePerSec: cfg.Server.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting kilit-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Optional gRPC health endpoint next to the HTTP server.
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(rp).Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		log.Printf("gRPC health on %s", cfg.Server.GRPCAddr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if redisLedger != nil {
		_ = redisLedger.Close()
	}
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

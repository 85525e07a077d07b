// Command bargaind serves the real-time bargaining decision core.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlasfare/bargain/pkg/api"
	"github.com/atlasfare/bargain/pkg/audit"
	"github.com/atlasfare/bargain/pkg/cache"
	"github.com/atlasfare/bargain/pkg/capsule"
	"github.com/atlasfare/bargain/pkg/config"
	"github.com/atlasfare/bargain/pkg/features"
	"github.com/atlasfare/bargain/pkg/observability"
	"github.com/atlasfare/bargain/pkg/offerability"
	"github.com/atlasfare/bargain/pkg/policy"
	"github.com/atlasfare/bargain/pkg/pricing"
	"github.com/atlasfare/bargain/pkg/scoring"
	"github.com/atlasfare/bargain/pkg/session"
	"github.com/atlasfare/bargain/pkg/snapshots"
)

const (
	shutdownGrace  = 10 * time.Second
	expirySweepGap = time.Minute
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("bargaind exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Distributed tier. Without Redis every cache consumer runs on the
	// process-local store, which is fine for a single instance.
	var cacheStore cache.Store
	if cfg.RedisAddr != "" {
		rs := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			return err
		}
		cacheStore = rs
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		cacheStore = cache.NewMemoryStore()
		logger.Warn("REDIS_ADDR not set, using in-process cache")
	}

	policies := policy.NewStore(policy.FileSource{Path: cfg.PolicyPath}, cacheStore, logger)
	pol := policies.ActivePolicy(ctx)
	if pol.Fallback {
		logger.Warn("policy document unavailable, serving conservative fallback", "path", cfg.PolicyPath)
	} else {
		logger.Info("policy loaded", "version", pol.Version, "path", cfg.PolicyPath)
	}

	var source snapshots.Source
	if cfg.SupplierURL != "" {
		source = snapshots.NewHTTPSource(cfg.SupplierURL, logger)
		logger.Info("supplier aggregator", "url", cfg.SupplierURL)
	} else {
		fs, err := snapshots.NewFileSource(cfg.SupplierFixture)
		if err != nil {
			return err
		}
		source = fs
		logger.Warn("SUPPLIER_URL not set, serving fixture inventory", "path", cfg.SupplierFixture)
	}
	provider := snapshots.NewProvider(source, cacheStore, logger)

	var signer *capsule.Signer
	var err error
	if cfg.SigningKeyPath != "" {
		signer, err = capsule.LoadSigner(cfg.SigningKeyPath, cfg.SigningKeyID)
		if err != nil {
			return err
		}
	} else {
		signer, err = capsule.NewEphemeralSigner(cfg.SigningKeyID)
		if err != nil {
			return err
		}
		logger.Warn("SIGNING_KEY_PATH not set, using ephemeral key; capsules will not verify across restarts")
	}
	logger.Info("capsule signer ready", "key_id", cfg.SigningKeyID, "fingerprint", signer.Fingerprint())

	capsules, err := capsule.OpenSQLiteStore(cfg.CapsuleDBPath)
	if err != nil {
		return err
	}
	defer capsules.Close()

	var sessions session.Store
	if cfg.SessionDSN != "" {
		db, err := sql.Open("postgres", cfg.SessionDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		ps := session.NewPostgresStore(db)
		if err := ps.Init(ctx); err != nil {
			return err
		}
		sessions = ps
		logger.Info("postgres connected")
	} else {
		sessions = session.NewMemoryStore()
		logger.Warn("SESSION_DSN not set, sessions are in-memory only")
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	metrics, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := metrics.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	sink := audit.NewAsyncSink(os.Stdout, 0, logger)
	defer sink.Close()

	feats := features.NewStore(cacheStore, logger)
	floors := pricing.NewResolver()

	orch := session.New(session.Deps{
		Sessions:     sessions,
		Capsules:     capsules,
		Sealer:       capsule.NewSealer(signer, nil, logger),
		Policies:     policies,
		Snapshots:    provider,
		Floors:       floors,
		Offerability: offerability.NewEngine(policies, floors, nil, logger),
		Scoring:      scoring.NewEngine(nil, logger),
		Features:     feats,
		Audit:        sink,
		Metrics:      metrics,
		Logger:       logger,
		SessionTTL:   cfg.SessionTTL,
	})

	go sweepExpired(ctx, orch, logger)

	limiter := api.NewClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	server := api.NewServer(orch, feats, policies, signer, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(limiter),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bargaind listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// sweepExpired closes sessions that sat idle past their TTL.
func sweepExpired(ctx context.Context, orch *session.Orchestrator, logger *slog.Logger) {
	ticker := time.NewTicker(expirySweepGap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := orch.ExpireStale(ctx)
			if err != nil {
				logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale sessions", "count", n)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

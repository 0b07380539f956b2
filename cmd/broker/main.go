package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxbroker/broker/pkg/breaker"
	"github.com/sandboxbroker/broker/pkg/broker"
	"github.com/sandboxbroker/broker/pkg/config"
	"github.com/sandboxbroker/broker/pkg/httpapi"
	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/loops"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/ratelimit"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/upstream"
	"github.com/sandboxbroker/broker/pkg/upstream/awsorg"
	"github.com/sandboxbroker/broker/pkg/upstream/mock"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfg        = config.Default()
	configFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Sandbox broker - allocates pre-provisioned cloud sandboxes to lab sessions",
	Long: `The sandbox broker hands out pre-provisioned cloud accounts to
ephemeral, per-student lab sessions with zero double-allocation under
high concurrency, then reclaims them by destroying the upstream account
and re-syncing the pool.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"broker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	// --config is resolved from os.Args directly (rather than through
	// cobra) so a file it names can seed cfg's defaults before BindFlags
	// registers every other flag against those defaults; parsing it
	// again as a normal flag below just keeps it visible in --help.
	if path := configFileFromArgs(os.Args[1:]); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	rootCmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file, overridden by flags and BROKER_* env vars")
	cfg.BindFlags(rootCmd.Flags())
}

// configFileFromArgs scans args for "--config <path>" or "--config=<path>"
// without requiring the rest of the flag set to exist yet.
func configFileFromArgs(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.LoadEnvOverrides(); err != nil {
		return fmt.Errorf("loading env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	up, err := buildUpstream(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("building upstream adapter: %w", err)
	}
	metrics.RegisterComponent("upstream", true, "")

	br := breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout)

	allocator := broker.NewAllocator(store, broker.AllocatorConfig{
		KCandidates:      cfg.KCandidates,
		BackoffBaseMs:    cfg.BackoffBaseMs,
		BackoffMaxMs:     cfg.BackoffMaxMs,
		LabDurationHours: cfg.LabDurationHours,
		GraceSeconds:     cfg.GraceSeconds(),
	})
	releaser := broker.NewReleaser(store, cfg.LabDurationHours)

	loopCleanupCfg := loops.CleanupConfig{
		BatchSize:   cfg.CleanupBatchSize,
		BatchDelay:  cfg.CleanupBatchDelay,
		MaxAttempts: cfg.DeletionMaxAttempts,
	}
	admin := broker.NewAdmin(store, up, br, broker.CleanupConfig{
		BatchSize:   cfg.CleanupBatchSize,
		BatchDelay:  cfg.CleanupBatchDelay,
		MaxAttempts: cfg.DeletionMaxAttempts,
	})

	syncLoop := loops.NewSync(store, up, br, cfg.SyncInterval)
	cleanupLoop := loops.NewCleanup(store, up, br, cfg.CleanupInterval, loopCleanupCfg)
	expiryLoop := loops.NewExpiry(store, cfg.ExpiryInterval, cfg.LabDurationHours, int64(cfg.GracePeriodMins)*60)

	collector := metrics.NewCollector(store)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst, 10*time.Minute, 5*time.Minute)
	}

	apiSrv := httpapi.NewServer(cfg.ListenAddr, allocator, releaser, admin, httpapi.Config{
		ClientToken: cfg.ClientToken,
		AdminToken:  cfg.AdminToken,
		CORSOrigins: cfg.CORSOrigins,
		RateLimiter: limiter,
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", metrics.HealthHandler())
	metricsMux.HandleFunc("/readyz", metrics.ReadyHandler())
	metricsMux.HandleFunc("/livez", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	syncLoop.Start()
	cleanupLoop.Start()
	expiryLoop.Start()
	collector.Start()
	metrics.RegisterComponent("api", true, "")

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("client+admin HTTP surface listening")
		if err := apiSrv.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics/health surface listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown")
	}

	// Signal every background loop to stop, then join each one within the
	// same 10s grace window before the deferred store.Close() runs above —
	// a tick can be mid-batch (Cleanup's BatchDelay sleeps in particular)
	// and must not race its own Store calls against a closed database.
	syncLoop.Stop()
	cleanupLoop.Stop()
	expiryLoop.Stop()
	collector.Stop()
	if limiter != nil {
		limiter.Stop()
	}

	for _, waiter := range []struct {
		name string
		wait func(context.Context) error
	}{
		{"sync", syncLoop.Wait},
		{"cleanup", cleanupLoop.Wait},
		{"expiry", expiryLoop.Wait},
		{"metrics_collector", collector.Wait},
	} {
		if err := waiter.wait(shutdownCtx); err != nil {
			logger.Warn().Str("loop", waiter.name).Err(err).Msg("loop did not stop within shutdown grace period")
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func buildUpstream(ctx context.Context, cfg config.Config) (upstream.Upstream, error) {
	switch cfg.UpstreamKind {
	case "awsorg":
		return awsorg.New(ctx, cfg.AWSRegion, cfg.AWSOrgPrefix, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey,
			cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout)
	case "mock", "":
		return mock.New(50, time.Now().Unix()), nil
	default:
		return nil, fmt.Errorf("unknown upstream kind %q", cfg.UpstreamKind)
	}
}


// Command enricher resolves contact emails for a CSV of GitHub profiles.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/contact-enricher/internal/config"
	"github.com/Sternrassler/contact-enricher/pkg/batch"
	"github.com/Sternrassler/contact-enricher/pkg/cache"
	"github.com/Sternrassler/contact-enricher/pkg/client"
	"github.com/Sternrassler/contact-enricher/pkg/directory"
	"github.com/Sternrassler/contact-enricher/pkg/logging"
	"github.com/Sternrassler/contact-enricher/pkg/metrics"
	"github.com/Sternrassler/contact-enricher/pkg/ratelimit"
	"github.com/Sternrassler/contact-enricher/pkg/records"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// options are the command line overrides.
type options struct {
	configPath   string
	inputPath    string
	outputPath   string
	nonResumable bool
	metricsAddr  string
	logLevel     string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("enricher", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "optional config file (yaml, json or toml)")
	fs.StringVar(&o.inputPath, "input", "", "input CSV (overrides input_path)")
	fs.StringVar(&o.outputPath, "output", "", "output CSV (overrides output_path)")
	fs.BoolVar(&o.nonResumable, "no-resume", false, "write the output once at the end and leave the input untouched")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	return o, fs.Parse(args)
}

func (o options) apply(cfg *config.Config) {
	if o.inputPath != "" {
		cfg.InputPath = o.inputPath
	}
	if o.outputPath != "" {
		cfg.OutputPath = o.outputPath
	}
	if o.nonResumable {
		cfg.Resumable = false
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
}

// run wires the enricher and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: stderr,
	})

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return 1
		}
		defer redisClient.Close()
		logger.Info().Msg("Connected to Redis")
	}

	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	runner, err := build(ctx, cfg, redisClient)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialise enricher")
		return 1
	}

	summary, err := runner.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Str("run_id", summary.RunID).Msg("Run failed")
		return 1
	}
	if summary.Interrupted {
		logger.Warn().Str("run_id", summary.RunID).Msg("Run stopped early, progress saved")
	}
	return 0
}

// build assembles transport, rotator, resolver and runner from cfg.
func build(ctx context.Context, cfg config.Config, redisClient *redis.Client) (*batch.Runner, error) {
	clientCfg := client.DefaultConfig()
	clientCfg.Timeout = cfg.HTTP.Timeout
	clientCfg.Retry.MaxRetries = cfg.HTTP.MaxRetries
	clientCfg.Retry.BackoffFactor = cfg.HTTP.BackoffFactor
	clientCfg.Retry.MaxBackoff = cfg.HTTP.MaxBackoff
	clientCfg.RequestsPerSecond = cfg.HTTP.RequestsPerSecond
	clientCfg.UserAgent = cfg.HTTP.UserAgent
	clientCfg.CacheTTL = cfg.Cache.TTL
	clientCfg.Logger = logging.NewLogger("transport")

	var store ratelimit.StateStore = ratelimit.NewMemoryStore()
	if redisClient != nil {
		clientCfg.Cache = cache.NewManager(redisClient)
		store = ratelimit.NewRedisStore(redisClient)
	}

	transport, err := client.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	rotator, err := ratelimit.NewRotator(ctx, transport, ratelimit.Config{
		Credentials:       cfg.CredentialList(),
		QuotaURL:          strings.TrimRight(cfg.APIBaseURL, "/") + "/rate_limit",
		LowQuotaThreshold: cfg.Quota.LowThreshold,
		CooldownThreshold: cfg.Quota.CooldownThreshold,
		Cooldown:          cfg.Quota.Cooldown,
		Store:             store,
		Logger:            logging.NewLogger("rotator"),
	})
	if err != nil {
		return nil, fmt.Errorf("create rotator: %w", err)
	}

	resolver := directory.NewResolver(transport, rotator, directory.Config{
		APIBaseURL: cfg.APIBaseURL,
		RawBaseURL: cfg.RawBaseURL,
		Logger:     logging.NewLogger("directory"),
	})

	return batch.NewRunner(
		resolver,
		records.NewCSVInputStore(cfg.InputPath),
		records.NewCSVOutputStore(cfg.OutputPath),
		batch.Config{
			Resumable:          cfg.Resumable,
			CheckpointInterval: cfg.CheckpointInterval,
			Logger:             logging.NewLogger("batch"),
		},
	), nil
}

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.NewServeMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

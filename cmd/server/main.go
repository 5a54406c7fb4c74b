// Command server starts the vidrelay HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vidrelay/internal/api"
	"vidrelay/internal/observability/logging"
	"vidrelay/internal/observability/metrics"
	"vidrelay/internal/relay"
	"vidrelay/internal/resolver"
	"vidrelay/internal/server"
	"vidrelay/internal/storage"
	"vidrelay/web"
)

const (
	defaultTTL           = 168 * time.Hour
	defaultSweepInterval = 15 * time.Minute
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	storeDriver := flag.String("store-driver", "", "video store driver (memory, redis or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	redisAddr := flag.String("redis-addr", "", "Redis address for the video store")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the video store")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisKeyPrefix := flag.String("redis-key-prefix", "", "Redis key prefix for video records")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	ttl := flag.Duration("ttl", 0, "retention window for video records (0 uses the default of 168h)")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between background retention sweeps")
	resolverBaseURL := flag.String("resolver-base-url", "", "base URL of the blob resolution API")
	resolverToken := flag.String("resolver-token", "", "bot token for the blob resolution API")
	resolverTimeout := flag.Duration("resolver-timeout", 0, "per-call timeout for handle resolution")
	resolverRetries := flag.Int("resolver-retries", 0, "maximum handle resolution attempts")
	resolverRetryInterval := flag.Duration("resolver-retry-interval", 0, "base delay between resolution retries")
	publicURL := flag.String("public-url", "", "externally visible base URL for share links")
	adminToken := flag.String("admin-token", "", "operator token for the admin endpoints")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "reject registrations larger than this many bytes (0 disables)")
	maxStreams := flag.Int64("max-streams", 0, "maximum concurrent relayed downloads")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("VIDRELAY_LOG_LEVEL"))})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("VIDRELAY_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("VIDRELAY_ADDR"))

	retention := resolveDuration(*ttl, "VIDRELAY_TTL", defaultTTL)
	sweepEvery := resolveDuration(*sweepInterval, "VIDRELAY_SWEEP_INTERVAL", defaultSweepInterval)

	driver, err := resolveStoreDriver(*storeDriver, os.Getenv("VIDRELAY_STORE_DRIVER"), serverMode)
	if err != nil {
		logger.Error("failed to resolve store driver", "error", err)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "memory":
		store = storage.NewMemoryStore(retention)
	case "redis":
		redisCfg := storage.RedisConfig{
			Addr:       firstNonEmpty(*redisAddr, os.Getenv("VIDRELAY_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VIDRELAY_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*redisUsername, os.Getenv("VIDRELAY_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("VIDRELAY_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("VIDRELAY_REDIS_SENTINEL_MASTER")),
			KeyPrefix:  firstNonEmpty(*redisKeyPrefix, os.Getenv("VIDRELAY_REDIS_KEY_PREFIX")),
			TTL:        retention,
			PoolSize:   resolveInt(*redisPoolSize, "VIDRELAY_REDIS_POOL_SIZE"),
			Logger:     logging.WithComponent(logger, "redis-store"),
			TLS: storage.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("VIDRELAY_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("VIDRELAY_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("VIDRELAY_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("VIDRELAY_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "VIDRELAY_REDIS_TLS_SKIP_VERIFY"),
			},
		}
		if redisCfg.Addr == "" && len(redisCfg.Addrs) == 0 {
			logger.Error("redis store selected without an address")
			os.Exit(1)
		}
		store, err = storage.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to open redis store", "error", err)
			os.Exit(1)
		}
	case "postgres":
		dsn := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("VIDRELAY_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
		if dsn == "" {
			logger.Error("postgres store selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.PostgresOption
		maxConns := resolveInt(*postgresMaxConns, "VIDRELAY_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "VIDRELAY_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPoolLimits(int32(maxConns), int32(minConns)))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("VIDRELAY_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithApplicationName(appName))
		}
		store, err = storage.NewPostgresStore(dsn, retention, pgOptions...)
		if err != nil {
			logger.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unsupported store driver", "driver", driver)
		os.Exit(1)
	}

	resolverCfg := resolver.Config{
		BaseURL:       firstNonEmpty(*resolverBaseURL, os.Getenv("VIDRELAY_RESOLVER_BASE_URL")),
		Token:         firstNonEmpty(*resolverToken, os.Getenv("VIDRELAY_RESOLVER_TOKEN")),
		Timeout:       resolveDuration(*resolverTimeout, "VIDRELAY_RESOLVER_TIMEOUT", 0),
		MaxAttempts:   resolveInt(*resolverRetries, "VIDRELAY_RESOLVER_RETRIES"),
		RetryInterval: resolveDuration(*resolverRetryInterval, "VIDRELAY_RESOLVER_RETRY_INTERVAL", 0),
		Logger:        logging.WithComponent(logger, "resolver"),
	}
	handleResolver, err := resolver.NewHTTPResolver(resolverCfg)
	if err != nil {
		logger.Error("failed to configure blob resolver", "error", err)
		os.Exit(1)
	}

	videoRelay := relay.New(relay.Config{
		Resolver:      handleResolver,
		Logger:        logging.WithComponent(logger, "relay"),
		Metrics:       recorder,
		MaxConcurrent: int64(resolveInt(int(*maxStreams), "VIDRELAY_MAX_STREAMS")),
	})

	templates, err := web.Templates()
	if err != nil {
		logger.Error("failed to load page templates", "error", err)
		os.Exit(1)
	}

	handler, err := api.NewHandler(api.Config{
		Store:          store,
		Resolver:       handleResolver,
		Relay:          videoRelay,
		Metrics:        recorder,
		Logger:         logger,
		Templates:      templates,
		PublicURL:      firstNonEmpty(*publicURL, os.Getenv("VIDRELAY_PUBLIC_URL")),
		AdminToken:     firstNonEmpty(*adminToken, os.Getenv("VIDRELAY_ADMIN_TOKEN")),
		TTL:            retention,
		MaxUploadBytes: resolveInt64(*maxUploadBytes, "VIDRELAY_MAX_UPLOAD_BYTES"),
	})
	if err != nil {
		logger.Error("failed to initialise handler", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepStop := startSweepWorker(workerCtx, logging.WithComponent(logger, "sweeper"), store, retention, sweepEvery)
	defer sweepStop()

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("VIDRELAY_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VIDRELAY_TLS_KEY")),
	}
	rateCfg := server.RateLimitConfig{
		GlobalRPS:   resolveFloat(*globalRPS, "VIDRELAY_RATE_GLOBAL_RPS"),
		GlobalBurst: resolveInt(*globalBurst, "VIDRELAY_RATE_GLOBAL_BURST"),
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("vidrelay listening", "addr", listenAddr, "mode", serverMode, "store", driver)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close video store", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close video store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

// resolveStoreDriver picks the record store backend. Production refuses the
// in-process store because records would vanish on restart.
func resolveStoreDriver(flagValue, envValue, mode string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	if driver == "" {
		if mode == "production" {
			return "", errors.New("production mode requires --store-driver redis or postgres")
		}
		driver = "memory"
	}
	if mode == "production" && driver == "memory" {
		return "", errors.New("production mode cannot use the memory store")
	}
	return driver, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/cache"
	"github.com/allaspectsdev/llmgate/internal/config"
	"github.com/allaspectsdev/llmgate/internal/gateway"
	"github.com/allaspectsdev/llmgate/internal/metrics"
	"github.com/allaspectsdev/llmgate/internal/store"
	"github.com/allaspectsdev/llmgate/internal/tracing"
	"github.com/allaspectsdev/llmgate/internal/version"
)

const (
	logFilename    = "llmgate.log"
	dbFilename     = "llmgate.db"
	initTimeout    = 30 * time.Second
	shutdownPeriod = 30 * time.Second
	purgeInterval  = 10 * time.Minute
)

// Run starts every subsystem, serves the API and blocks until SIGINT or
// SIGTERM.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	logFile, err := setupLogging(dataDir, cfg.Server.LogLevel, foreground)
	if err != nil {
		return err
	}
	defer logFile.Close()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("llmgate starting")

	releasePID, err := AcquirePID(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := releasePID(); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := start(ctx, cfg, dataDir)
	if err != nil {
		return err
	}

	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}
	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				svc.apply(old, newCfg)
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := svc.api.Start(); err != nil {
			errCh <- err
		}
	}()

	addr := apiAddr(cfg)
	log.Info().
		Str("addr", addr).
		Strs("providers", svc.gateway.Providers()).
		Str("default_provider", svc.gateway.DefaultProvider()).
		Msg("llmgate is ready")
	if foreground {
		fmt.Printf("\n  llmgate is running!\n")
		fmt.Printf("  API:     http://%s/api\n", displayAddr(cfg))
		fmt.Printf("  Metrics: http://%s/metrics\n\n", displayAddr(cfg))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("fatal server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")
	cancel()
	svc.close(shutdownCtx)
	log.Info().Msg("llmgate stopped")
	return runErr
}

// setupLogging points the global zerolog logger at <dataDir>/llmgate.log and,
// in the foreground, at a console writer on stdout as well.
func setupLogging(dataDir, level string, foreground bool) (io.Closer, error) {
	zerolog.SetGlobalLevel(parseLogLevel(level))

	logPath := filepath.Join(dataDir, logFilename)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "llmgate").Logger()
	return logFile, nil
}

// services is everything Run starts, in the order it was started.
type services struct {
	store     *store.Store
	collector *metrics.Collector
	usage     *metrics.UsageRecorder
	cache     *cache.EmbeddingCache
	gateway   *gateway.Gateway
	api       *metrics.Server

	traceShutdown  func(context.Context) error
	stopBackground context.CancelFunc
	background     []<-chan struct{}
}

// start opens the store, builds and initializes the gateway and prepares
// the API server. On error everything already opened is closed again.
func start(ctx context.Context, cfg *config.Config, dataDir string) (svc *services, err error) {
	ctx, stop := context.WithCancel(ctx)
	svc = &services{stopBackground: stop}
	defer func() {
		if err != nil {
			svc.close(context.Background())
			svc = nil
		}
	}()

	if cfg.Tracing.Enabled {
		shutdown, terr := tracing.Init(ctx, tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version.Version,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if terr != nil {
			return svc, terr
		}
		svc.traceShutdown = shutdown
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing enabled")
	}

	if cfg.Metrics.Enabled || cfg.Cache.Enabled {
		dbPath := filepath.Join(dataDir, dbFilename)
		st, serr := store.Open(dbPath)
		if serr != nil {
			return svc, fmt.Errorf("opening store: %w", serr)
		}
		svc.store = st
		log.Info().Str("db_path", dbPath).Msg("store opened")
	}

	svc.collector = metrics.NewCollector()
	observers := []gateway.Observer{svc.collector}
	if cfg.Metrics.Enabled {
		svc.usage = metrics.NewUsageRecorder(svc.store, metrics.DefaultUsageBuffer)
		observers = append(observers, svc.usage)
	}

	opts := gateway.BuildOptions{Observers: observers}
	if cfg.Cache.Enabled {
		c, cerr := cache.New(store.NewEmbeddingAdapter(svc.store), cfg.Cache.TTL, cfg.Cache.MaxEntries)
		if cerr != nil {
			return svc, fmt.Errorf("creating embedding cache: %w", cerr)
		}
		svc.cache = c
		opts.Cache = c
		svc.background = append(svc.background, c.StartPurger(ctx, purgeInterval))
	}

	gw, err := gateway.Build(cfg, opts)
	if err != nil {
		return svc, err
	}
	svc.gateway = gw

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := gw.Initialize(initCtx); err != nil {
		return svc, fmt.Errorf("initializing providers: %w", err)
	}
	if err := svc.collector.WatchProviders(gw); err != nil {
		return svc, err
	}

	if svc.store != nil && cfg.Metrics.Enabled {
		done := make(chan struct{})
		go func() {
			defer close(done)
			runPruner(ctx, svc.store, cfg.Metrics.RetentionDays)
		}()
		svc.background = append(svc.background, done)
	}

	apiOpts := metrics.ServerOptions{
		Addr:         apiAddr(cfg),
		Gateway:      gw,
		Collector:    svc.collector,
		Config:       config.Get,
		MaxBodySize:  cfg.Server.MaxBodySize,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	if svc.store != nil && cfg.Metrics.Enabled {
		apiOpts.Usage = svc.store
	}
	svc.api = metrics.NewServer(apiOpts)
	return svc, nil
}

// apply hot-reloads the settings that can change without a restart.
func (s *services) apply(old, cfg *config.Config) {
	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	s.gateway.SetAutoFallback(cfg.LLM.AutoFallback)
	if err := s.gateway.SetTaskRouting(cfg.LLM.TaskRouting); err != nil {
		log.Warn().Err(err).Msg("keeping previous task routing")
	}
	if cfg.LLM.DefaultProvider != "" && cfg.LLM.DefaultProvider != old.LLM.DefaultProvider {
		if err := s.gateway.SetDefaultProvider(cfg.LLM.DefaultProvider); err != nil {
			log.Warn().Err(err).Msg("keeping previous default provider")
		}
	}
	if !reflect.DeepEqual(old.LLM.Providers, cfg.LLM.Providers) {
		log.Warn().Msg("provider definitions changed; restart llmgate to apply them")
	}
}

// close stops everything in reverse start order.
func (s *services) close(ctx context.Context) {
	s.stopBackground()
	if s.api != nil {
		if err := s.api.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("api server shutdown error")
		}
	}
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			log.Error().Err(err).Msg("closing providers")
		}
	}
	if s.usage != nil {
		s.usage.Close()
	}
	for _, done := range s.background {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			log.Error().Err(err).Msg("flushing traces")
		}
	}
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("llmgate does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return errors.New("llmgate is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to llmgate (PID %d)\n", pid)

	for range 30 {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return nil
}

// Status checks whether the daemon is running and prints live figures from
// its API.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("llmgate is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("llmgate is running (PID %d)\n", pid)

	base := "http://" + displayAddr(cfg)
	client := &http.Client{Timeout: 3 * time.Second}

	var stats metrics.Stats
	if err := getJSON(client, base+"/api/stats", &stats); err != nil {
		fmt.Println("  (api unreachable)")
		return nil
	}
	var providers []gateway.ProviderStats
	_ = getJSON(client, base+"/api/providers", &providers)

	fmt.Printf("\n  Uptime:         %s\n", stats.Uptime)
	fmt.Printf("  Total Requests: %d (%d failed, %d canceled)\n", stats.TotalRequests, stats.Failures, stats.Canceled)
	fmt.Printf("  Success Rate:   %.1f%%\n", stats.SuccessRate*100)
	fmt.Printf("  Tokens In:      %d\n", stats.TokensIn)
	fmt.Printf("  Tokens Out:     %d\n", stats.TokensOut)
	fmt.Printf("  Cost:           $%.4f\n", stats.CostUSD)
	fmt.Printf("  Fallbacks:      %d\n", stats.Fallbacks)
	fmt.Printf("  Cache Hits:     %d (%.1f%%)\n", stats.CacheHits, stats.CacheHitRate)

	if len(providers) > 0 {
		fmt.Println("\n  Providers:")
		for _, p := range providers {
			state := "available"
			if !p.Available {
				state = fmt.Sprintf("unavailable (%d errors)", p.ErrorCount)
			}
			marker := " "
			if p.Default {
				marker = "*"
			}
			fmt.Printf("  %s %-16s %-8s %s\n", marker, p.ID, p.Kind, state)
		}
	}
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// runPruner prunes old usage rows and expired embeddings once at start and
// then hourly.
func runPruner(ctx context.Context, st *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	prune := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("data pruner: recovered from panic")
			}
		}()
		n, err := st.Prune(retentionDays)
		if err != nil {
			log.Error().Err(err).Msg("data pruning failed")
		} else if n > 0 {
			log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned old data")
		}
	}

	prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func apiAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
}

// displayAddr is apiAddr with wildcard binds shown as localhost.
func displayAddr(cfg *config.Config) string {
	host := cfg.Server.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Server.APIPort)
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

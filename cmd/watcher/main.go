package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/api"
	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/google"
	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/windsurf"
	"github.com/wusimpl/antigravity-quota-watcher/internal/config"
	"github.com/wusimpl/antigravity-quota-watcher/internal/engine"
	"github.com/wusimpl/antigravity-quota-watcher/internal/logging"
	"github.com/wusimpl/antigravity-quota-watcher/internal/quota"
	"github.com/wusimpl/antigravity-quota-watcher/internal/store"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
	"github.com/wusimpl/antigravity-quota-watcher/internal/version"
)

func main() {
	configPath := flag.String("config", "watcher.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// Local .env is optional.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "watcher:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New()
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting", zap.String("version", version.Version), zap.String("listen", cfg.ListenAddr))

	secretPath := filepath.Join(filepath.Dir(cfg.DatabasePath), ".watcher-secret")
	sealer := store.NewSealer(secretPath, log)

	st, err := store.Open(cfg.DatabasePath, sealer, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	httpClient, err := upstream.NewHTTPClient(cfg.HTTPTimeout, cfg.ProxyURL)
	if err != nil {
		return err
	}

	cloudCode := upstream.NewCloudCode(httpClient, log)
	windsurfClient := upstream.NewWindsurf(httpClient, log, cfg.Windsurf.RefreshURL, cfg.Windsurf.UsageURL)

	loader := windsurf.NewLoader(cfg.WindsurfCredentialsPath(), log)
	loader.Initialize()

	clientID, clientSecret := cfg.Google.ClientID, cfg.Google.ClientSecret
	if clientID == "" {
		clientID, clientSecret = google.DefaultClientID, google.DefaultClientSecret
	}

	flow := google.NewFlow(st, cloudCode, httpClient, clientID, clientSecret, cfg.LoginTimeout, log)

	cache := quota.NewCache(log)

	var eng *engine.Engine
	cloudFetcher := quota.NewCloudCodeFetcher(st, cloudCode, tokenProviderFunc(func(ctx context.Context, accountID string) (string, error) {
		return eng.ValidAccessToken(ctx, accountID)
	}), log)
	windsurfFetcher := quota.NewWindsurfFetcher(loader, windsurfClient, cfg.ExpiryBuffer, log)

	pollers := []*quota.Poller{
		quota.NewPoller("cloudcode", cloudFetcher, cache, st, cfg.PollInterval, log),
		quota.NewPoller("windsurf", windsurfFetcher, cache, st, cfg.PollInterval, log),
	}

	eng = engine.New(st, flow, cache, pollers, httpClient, clientID, clientSecret, cfg.ExpiryBuffer, log)
	eng.StartPolling()
	defer eng.StopPolling()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(eng, log),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("control api listening", zap.String("addr", cfg.ListenAddr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// tokenProviderFunc lets the engine satisfy the fetcher's token interface
// despite the engine being constructed after the fetchers.
type tokenProviderFunc func(ctx context.Context, accountID string) (string, error)

func (f tokenProviderFunc) ValidAccessToken(ctx context.Context, accountID string) (string, error) {
	return f(ctx, accountID)
}

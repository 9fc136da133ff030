package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"pixsim/server/internal/config"
	"pixsim/server/internal/convert"
	"pixsim/server/internal/core"
	"pixsim/server/internal/crypto"
	"pixsim/server/internal/httpapi"
	"pixsim/server/internal/maps"
	"pixsim/server/internal/script"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "pixsim.yml", "Config file path")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "dialects", len(cfg.Dialects))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	// The HTTP surface comes up first so /status can report the
	// startup phase; the game socket is registered once the broker
	// exists.
	api := httpapi.New(cfg.ControllersDir)
	go func() {
		if err := bootstrap(ctx, cfg, api); err != nil {
			slog.Error("startup failed", "err", err)
			api.MarkCrashed()
		}
	}()

	if err := api.Run(ctx, cfg.Addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// bootstrap builds the converter (awaiting every dialect's script
// loader), loads the map catalog, and attaches the broker. A failure
// latches the crashed flag: the status endpoint keeps serving but no
// connection is accepted.
func bootstrap(ctx context.Context, cfg config.Server, api *httpapi.Server) error {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	dialects := make([]convert.Dialect, len(cfg.Dialects))
	for i, d := range cfg.Dialects {
		dialects[i] = convert.Dialect{
			ID:          d.ID,
			ScriptURL:   d.ScriptURL,
			FallbackURL: d.FallbackURL,
			Extractor:   d.Extractor,
		}
	}
	conv, err := convert.Build(ctx, cfg.LookupTable, dialects, func(d convert.Dialect) (convert.Evaluator, error) {
		return script.New(script.Options{
			PrimaryURL:    d.ScriptURL,
			FallbackURL:   d.FallbackURL,
			CacheDir:      cfg.CacheDir,
			AllowCache:    cfg.AllowCache,
			AllowInsecure: cfg.AllowInsecure,
		})
	})
	if err != nil {
		return err
	}
	slog.Info("pixel converter ready", "dialects", conv.Formats())

	catalog, err := maps.Load(cfg.MapsDir, conv)
	if err != nil {
		return err
	}

	broker := core.NewBroker(cfg.Limits, keys, conv, catalog)
	go func() {
		<-ctx.Done()
		broker.Close()
	}()
	api.SetBroker(broker)
	slog.Info("broker ready")
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"caster/internal/alert"
	"caster/internal/api"
	"caster/internal/audience"
	"caster/internal/broadcast"
	"caster/internal/catalog"
	"caster/internal/config"
	"caster/internal/dispatch"
	"caster/internal/platform"
	"caster/internal/storage"
	"caster/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	boot := logx.NewConsole("INFO")

	mgr := config.NewManager(cfgPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	logSvc, log := logx.New(cfg.Logx())
	defer logSvc.Close()
	log = log.With(logx.String("svc", "casterd"))

	store, err := storage.Open(cfg.StorageConfig(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := platform.NewClient(cfg.PlatformConfig(), log)
	if err != nil {
		return err
	}

	catalogSvc := catalog.NewService(store, log)
	broadcastSvc := broadcast.NewService(store, catalogSvc, log)
	resolver := audience.NewResolver(client, client, log)

	disp := dispatch.New(cfg.DispatchConfig(), store, resolver, client, client, log)

	alerts, err := alert.New(cfg.AlertConfig(), log)
	if err != nil {
		log.Warn("alert notifier disabled", logx.Err(err))
	}
	if alerts != nil {
		alerts.Start(ctx)
		defer alerts.Stop()
		disp.SetAlerter(alerts)
	}

	disp.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		disp.Stop(stopCtx)
	}()

	handler := api.NewHandler(broadcastSvc, catalogSvc, resolver, log)
	srv := api.NewServer(cfg.APIConfig(), handler)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("api listening", logx.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// Hot reload: logging and dispatch tunables apply live, everything else
	// needs a restart.
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		if c.Storage.Path != cfg.Storage.Path {
			return errors.New("storage.path cannot change at runtime")
		}
		return nil
	})
	go mgr.Watch(ctx)

	sub := mgr.Subscribe()
	defer mgr.Unsubscribe(sub)
	go func() {
		for next := range sub {
			logSvc.Apply(next.Logx())
			disp.Apply(next.DispatchConfig())
			log.Info("runtime config applied")
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("casterd started", logx.String("config", cfgPath))

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return fmt.Errorf("api server: %w", err)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("api shutdown", logx.Err(err))
	}
	return nil
}

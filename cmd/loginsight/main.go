// loginsight ingests UniFi gateway syslog, enriches it with GeoIP, ASN,
// reverse DNS, and IP reputation data, stores it in PostgreSQL, and serves
// the dashboard API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/loginsight/internal/api"
	"grimm.is/loginsight/internal/backfill"
	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/config"
	"grimm.is/loginsight/internal/enrich"
	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/parser"
	"grimm.is/loginsight/internal/receiver"
	"grimm.is/loginsight/internal/scheduler"
	"grimm.is/loginsight/internal/services"
	"grimm.is/loginsight/internal/store"
	"grimm.is/loginsight/internal/unifi"
)

// version is stamped by the build.
var version = "dev"

const (
	storeWaitAttempts = 30
	storeWaitDelay    = 2 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("LOGINSIGHT_CONFIG"), "path to the HCL config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("loginsight", version)
		return
	}

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logging.SetDefault(log)
	log.Info("starting", "version", version, "listen", cfg.ListenAddr, "syslog", cfg.SyslogAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := &clock.RealClock{}

	st, err := waitForStore(ctx, cfg, clk, log)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog := services.Load(cfg.ServiceRegistryPath, log)

	p := parser.New(catalog, cfg.Location(), clk, log)
	p.SetConfig(receiver.NetConfigFromStore(ctx, st))

	geo := enrich.NewGeoIP(cfg.GeoIPCityPath, cfg.GeoIPASNPath, log)
	rdns := enrich.NewRDNS(log)
	threat := enrich.NewThreatClient(cfg.AbuseIPDBKey, cfg.StatsFilePath, st, clk, log)
	enricher := enrich.New(geo, rdns, threat, log)
	defer enricher.Close()

	// The gateway never enriches or looks up its own addresses.
	enricher.SetExclusions(append(st.WANIPs(ctx), st.GatewayIPs(ctx)...))

	uc := unifi.NewClient(cfg.UniFi, st, log)
	poller := unifi.NewPoller(uc, st, clk, log)

	recv := receiver.New(cfg.SyslogAddr, p, enricher, st, poller, clk, log)

	worker := backfill.New(st, enricher, threat, catalog, func(ctx context.Context) parser.NetConfig {
		return receiver.NetConfigFromStore(ctx, st)
	}, log)

	sched := scheduler.New(log)
	registry := &scheduler.TaskRegistry{
		RefreshStats: func(ctx context.Context) error {
			_, err := st.GetIngestStats(ctx)
			return err
		},
		RediscoverWAN: func(ctx context.Context) error {
			if _, err := st.DetectWANIP(ctx); err != nil {
				return err
			}
			_, err := st.DetectGatewayIPs(ctx)
			return err
		},
		RunRetention: func(ctx context.Context) error {
			general, dns := effectiveRetention(ctx, cfg, st)
			deleted, err := st.RunRetention(ctx, general, dns)
			if err == nil && deleted > 0 {
				log.Info("retention cleanup", "deleted", deleted,
					"retention_days", general, "dns_retention_days", dns)
			}
			return err
		},
		FetchBlacklist: func(ctx context.Context) error {
			_, err := threat.FetchBlacklist(ctx)
			return err
		},
	}
	if err := scheduler.RegisterAll(sched, registry); err != nil {
		return err
	}

	api.Version = version
	srv := api.NewServer(api.ServerOptions{
		Settings: cfg,
		Store:    st,
		Enricher: enricher,
		Catalog:  catalog,
		UniFi:    uc,
		Poller:   poller,
		Receiver: recv,
		Reload: func() {
			ctx := context.Background()
			recv.ReloadConfig(ctx)
			uc.Reload(ctx)
			poller.Kick()
		},
		Clock:  clk,
		Logger: log,
	})

	sched.Start()
	defer sched.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recv.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return watchSignals(ctx, recv, uc, poller, enricher, log) })

	return g.Wait()
}

// waitForStore retries the initial connection so a boot race against the
// database container settles on its own.
func waitForStore(ctx context.Context, cfg *config.Settings, clk clock.Clock, log *logging.Logger) (*store.Store, error) {
	var lastErr error
	for i := 0; i < storeWaitAttempts; i++ {
		st, err := store.Open(ctx, cfg.Database, cfg.Timezone, clk, log)
		if err == nil {
			return st, nil
		}
		lastErr = err
		log.Warn("postgres not ready, retrying", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(storeWaitDelay):
		}
	}
	return nil, fmt.Errorf("database unavailable: %w", lastErr)
}

// effectiveRetention resolves the retention windows: UI setting over
// environment override over the compiled defaults of 90 and 30 days.
func effectiveRetention(ctx context.Context, cfg *config.Settings, st *store.Store) (general, dns int) {
	general, dns = 90, 30
	if cfg.RetentionDays != nil {
		general = *cfg.RetentionDays
	}
	if cfg.DNSRetentionDays != nil {
		dns = *cfg.DNSRetentionDays
	}
	if v := st.ConfigInt(ctx, "retention_days", 0); v > 0 {
		general = v
	}
	if v := st.ConfigInt(ctx, "dns_retention_days", 0); v > 0 {
		dns = v
	}
	return general, dns
}

// watchSignals handles the operational signals: SIGUSR1 reloads the GeoIP
// databases after an update, SIGUSR2 re-reads the network config.
func watchSignals(ctx context.Context, recv *receiver.Receiver, uc *unifi.Client, poller *unifi.Poller, enricher *enrich.Enricher, log *logging.Logger) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-ch:
			switch sig {
			case syscall.SIGUSR1:
				log.Info("reloading GeoIP databases")
				enricher.ReloadGeoIP()
			case syscall.SIGUSR2:
				log.Info("reloading network config")
				recv.ReloadConfig(ctx)
				uc.Reload(ctx)
				poller.Kick()
			}
		}
	}
}

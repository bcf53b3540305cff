// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"decred.org/dcrcustody/server/admin"
	"decred.org/dcrcustody/server/asset/btc"
	"decred.org/dcrcustody/server/asset/eth"
	"decred.org/dcrcustody/server/bus"
	"decred.org/dcrcustody/server/cron"
	"decred.org/dcrcustody/server/db"
	"decred.org/dcrcustody/server/db/driver/pg"
	"decred.org/dcrcustody/server/db/memdb"
	"decred.org/dcrcustody/server/intake"
	"decred.org/dcrcustody/server/keys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// messageBus is the withdrawal intake's source and the event sink.
type messageBus interface {
	bus.Publisher
	bus.Consumer
}

func openStore(ctx context.Context, cfg *custodyConf) (db.Store, error) {
	if cfg.MemDB {
		log.Warnf("Using a volatile in-memory ledger. All state is lost on shutdown.")
		return memdb.New(), nil
	}
	return db.Open(ctx, "pg", &pg.Config{
		Host:         cfg.DBHost,
		Port:         cfg.DBPort,
		User:         cfg.DBUser,
		Pass:         cfg.DBPass,
		DBName:       cfg.DBName,
		HidePGConfig: cfg.HidePGConfig,
	})
}

func openBus(cfg *custodyConf) (messageBus, func(), error) {
	busLog := cfg.LogMaker.NewLogger(subsysBus)
	if len(cfg.KafkaBrokers) == 0 {
		log.Warnf("No kafka brokers. Using an in-memory bus.")
		return bus.NewMemBus(5 * time.Second), func() {}, nil
	}
	k, err := bus.NewKafka(&bus.KafkaConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroup,
		ClientID: appName,
	}, busLog)
	if err != nil {
		return nil, nil, err
	}
	return k, func() {
		if err := k.Close(); err != nil {
			log.Errorf("Error closing kafka clients: %v", err)
		}
	}, nil
}

func readSeed(cfg *custodyConf) ([]byte, error) {
	b, err := os.ReadFile(cfg.MnemonicPath)
	if err != nil {
		return nil, fmt.Errorf("error reading mnemonic: %w", err)
	}
	return keys.SeedFromMnemonic(string(b), cfg.Passphrase)
}

// serveMetrics serves the registry until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	log.Infof("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load %s config: %w", appName, err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminSrvPass) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %w", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256([]byte(cfg.AdminSrvPass))
		}
	}

	log.Infof("%s version %s (Go version %s)", appName, Version, runtime.Version())
	log.Infof("%s starting for network: %s", appName, cfg.Network)

	lm := cfg.LogMaker
	db.UseLogger(lm.NewLogger(subsysDB))
	admin.UseLogger(lm.NewLogger(subsysAdmin))
	btc.UseLogger(lm.SubLogger(subsysAsset, "BTC"))
	eth.UseLogger(lm.SubLogger(subsysAsset, "ETH"))

	confs, err := loadCoins(cfg.CoinsPath, cfg.Intervals)
	if err != nil {
		return fmt.Errorf("failed to load coins from %s: %w", cfg.CoinsPath, err)
	}
	seed, err := readSeed(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	mb, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()
	events := bus.NewEvents(mb, lm.NewLogger(subsysBus))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sched := cron.NewScheduler(cron.NewMetrics(reg), lm.NewLogger(subsysCron))

	d := newDaemon(cfg, store, events, sched, seed)
	defer d.close()
	if err = d.setup(ctx, confs); err != nil {
		return err
	}
	log.Infof("Loaded %d coins: %v", len(d.coins), d.coins.Symbols())

	filter := intake.NewFilter(store, d.coins, d.mgrs, lm.NewLogger(subsysIntake))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return mb.Consume(gctx, bus.TopicWithdrawalCreation, filter.Handler(cfg.IntakeClient))
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsListen, reg)
		})
	}
	if cfg.AdminSrvOn {
		adminServer, err := admin.NewServer(&admin.SrvConfig{
			Store:      store,
			Coins:      d.coins,
			Jobs:       sched,
			Registrars: d.registrars,
			Addr:       cfg.AdminSrvAddr,
			Cert:       cfg.AdminCert,
			Key:        cfg.AdminKey,
			AuthSHA:    adminSrvAuthSHA,
		})
		if err != nil {
			return fmt.Errorf("cannot set up admin server: %w", err)
		}
		g.Go(func() error {
			adminServer.Run(gctx)
			return nil
		})
	}

	log.Infof("%s is running. Hit CTRL+C to quit...", appName)
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Bye!")
	return nil
}

func main() {
	// Create a context that is canceled when a shutdown request is received
	// via requestShutdown.
	ctx := withShutdownCancel(context.Background())
	// Listen for both interrupt signals (e.g. CTRL+C) and shutdown requests
	// (requestShutdown calls).
	go shutdownListener()

	err := mainCore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

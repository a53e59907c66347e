package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"

	"github.com/ybroker/ybroker/broker"
	"github.com/ybroker/ybroker/config"
	"github.com/ybroker/ybroker/logging"
	"github.com/ybroker/ybroker/store"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "path to a YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ybroker: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalw("ybroker: failed to load config", "path", *configPath, "error", err)
		}
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	st, err := newStore(cfg)
	if err != nil {
		logger.Fatalw("ybroker: failed to open store", "factory", cfg.StoreFactory, "error", err)
	}
	defer st.Close()

	brokerCfg := broker.Config{
		AwarenessTTL:            cfg.AwarenessTTL(),
		ClientSendQueueCapacity: cfg.ClientSendQueueCapacity,
		AwarenessTickInterval:   cfg.AwarenessTickInterval(),
	}
	srv := broker.NewServer(st, brokerCfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("ybroker: starting", "addr", cfg.ListenAddr, "store", cfg.StoreFactory)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		logger.Fatalw("ybroker: server exited with error", "error", err)
	}
}

func newStore(cfg config.Config) (store.UpdateStore, error) {
	if cfg.StoreVersion != store.Version {
		return nil, fmt.Errorf("ybroker: configured store_version %d does not match this binary's store.Version %d",
			cfg.StoreVersion, store.Version)
	}
	switch cfg.StoreFactory {
	case "file":
		return store.NewFileStore(cfg.StorePath)
	case "tempfile", "":
		return store.NewTempFileStore("ybroker")
	case "sql":
		return store.NewSQLStore(context.Background(), cfg.StorePath)
	case "sqlite":
		return store.NewSQLiteStore(cfg.StorePath)
	case "firestore":
		client, err := firestore.NewClient(context.Background(), cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("ybroker: firestore client: %w", err)
		}
		return store.NewFirestoreStore(client, "rooms"), nil
	default:
		return nil, fmt.Errorf("ybroker: unknown store_factory %q", cfg.StoreFactory)
	}
}

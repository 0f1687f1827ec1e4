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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devhubindexer/blockstream"
	"devhubindexer/config"
	"devhubindexer/engine"
	"devhubindexer/nearrpc"
	"devhubindexer/observability/logging"
	telemetry "devhubindexer/observability/otel"
	"devhubindexer/storage"
)

const serviceName = "indexerd"

func main() {
	configFile := flag.String("config", "./indexer.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.SetupFile(serviceName, cfg.Log.Environment, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: serviceName,
			Environment: cfg.Log.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Error("initialising telemetry failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		log.Error("opening database failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: promhttp.Handler()}
	go func() {
		log.Info("metrics listening", "address", cfg.Metrics.ListenAddress)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	client := nearrpc.NewClient(nearrpc.Config{
		URL:               cfg.RPC.URL,
		Timeout:           cfg.RPC.Timeout.Std(),
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
	})

	var handlers []blockstream.Handler
	var accounts []string
	seen := make(map[string]struct{})
	for _, inst := range cfg.Instances {
		eng := engine.New(engineConfig(inst), store.Instance(inst.Name), log)
		handlers = append(handlers, eng)
		if _, ok := seen[inst.Account]; !ok {
			seen[inst.Account] = struct{}{}
			accounts = append(accounts, inst.Account)
		}
		log.Info("instance configured", "instance", inst.Name, "account", inst.Account)
	}

	poller := blockstream.New(blockstream.Config{
		CursorName:   cfg.Stream.CursorName,
		StartHeight:  cfg.Stream.StartHeight,
		Accounts:     accounts,
		PollInterval: cfg.Stream.PollInterval.Std(),
	}, client, store, handlers, log)

	log.Info("indexer starting", "instances", len(cfg.Instances), "rpc", cfg.RPC.URL)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("block stream stopped", "error", err)
		os.Exit(1)
	}
	log.Info("indexer stopped")
}

func engineConfig(inst config.InstanceConfig) engine.Config {
	return engine.Config{
		Instance:    inst.Name,
		Account:     inst.Account,
		Posts:       collectionConfig(inst.Posts),
		Proposals:   collectionConfig(inst.Proposals),
		RFPs:        collectionConfig(inst.RFPs),
		Concurrency: inst.Concurrency,
	}
}

func collectionConfig(col *config.CollectionSettings) *engine.CollectionConfig {
	if col == nil {
		return nil
	}
	return &engine.CollectionConfig{
		Prefix:          byte(col.Prefix),
		AuthorLenOffset: col.AuthorLenOffset,
		AuthorOffset:    col.AuthorOffset,
		Methods:         append([]string{}, col.Methods...),
		Callbacks:       append([]string{}, col.Callbacks...),
	}
}

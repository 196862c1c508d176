package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gochainbridge/EVMRPC"
	"gochainbridge/bridge"
	"gochainbridge/config"
	"gochainbridge/redis"
	"gochainbridge/relay"
	"gochainbridge/workers"
	"gochainbridge/workers/handlers"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the yaml config")
	flag.Parse()

	log.Print("Starting cross-chain bridge")

	config.Init(*configPath)

	if dir := config.Config.Server.LogDir; dir != "" {
		f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("log_%s.txt", time.Now().Format("2006-01-02"))), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file for writing: %v", err)
		}
		defer f.Close()

		log.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// connect to Redis, without persistence do not continue
	store := redis.New(config.Config.Server.RedisHost, config.Config.Server.RedisPort, config.Config.Server.RedisPassword)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Redis is not reachable: %s", err.Error())
	}

	descs, err := config.Config.ChainDescriptors()
	if err != nil {
		log.Fatalf("invalid chain config: %s", err.Error())
	}

	if config.Config.Signer.PrivateKey == "" {
		log.Fatal("no signer private key configured")
	}
	key, err := crypto.HexToECDSA(config.Config.Signer.PrivateKey)
	if err != nil {
		log.Fatalf("invalid signer private key: %s", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	chainRegistry := EVMRPC.NewRegistry(descs, EVMRPC.Options{
		Dialer:     EVMRPC.DialEth,
		PrivateKey: key,
		Metrics:    EVMRPC.NewMetrics(reg),
	})
	defer chainRegistry.Close()
	chains := bridge.FromRegistry(chainRegistry)

	var validators relay.Registry
	if chainID := config.Config.Validator.RegistryChain; chainID != 0 {
		adapter, err := chainRegistry.Adapter(chainID)
		if err != nil {
			log.Fatalf("validator registry chain: %s", err.Error())
		}
		validators = &relay.ContractRegistry{Reader: adapter, Address: adapter.Descriptor().Contracts.ValidatorRegistry}
	} else {
		validators = &relay.StaticRegistry{Addresses: config.Config.ValidatorAddresses(), Threshold: config.Config.Validator.Threshold}
	}
	quorum, err := relay.New(store, validators, nil)
	if err != nil {
		log.Fatalf("cannot create validator relay: %s", err.Error())
	}

	var fees bridge.FeeTreasury = bridge.FlatFee(config.Config.Bridge.FeeBasisPoints)
	if config.Config.Bridge.FeeFromTreasury {
		fees = &bridge.TreasuryFee{Chains: chains}
	}

	metrics := workers.NewMetrics(reg)
	monitor := workers.NewMonitor(store, workers.MonitorOptions{
		Workers:      config.Config.Queue.Workers,
		BatchSize:    config.Config.Queue.BatchSize,
		PollInterval: config.Config.Queue.PollInterval,
		BaseDelay:    config.Config.Queue.BaseDelay,
		MaxDelay:     config.Config.Queue.MaxDelay,
		MaxAttempts:  config.Config.Queue.MaxAttempts,
		Lease:        config.Config.Queue.Lease,
		Metrics:      metrics,
	})

	orchestrator := bridge.New(store, chains, quorum, monitor, fees, bridge.Options{
		MaxFeeBasisPoints: config.Config.Bridge.MaxFeeBasisPoints,
		TransferDeadline:  config.Config.Bridge.TransferDeadline,
		QuorumWindow:      config.Config.Bridge.QuorumWindow,
		DedupWindow:       config.Config.Bridge.DedupWindow,
		RetryDelay:        config.Config.Queue.BaseDelay,
		Registerer:        reg,
	})

	jobs := workers.NewJobProcessor(store, orchestrator, workers.JobOptions{
		Attempts:  config.Config.Queue.JobAttempts,
		BaseDelay: config.Config.Queue.JobBaseDelay,
		Metrics:   metrics,
	})

	heads := workers.NewHeadWatcher(chainRegistry, 0, nil, metrics)

	api := handlers.NewAPI(orchestrator, quorum, jobs, store, chainRegistry, heads)
	router := workers.NewRouter(api, reg)

	// worker goroutines:
	// * monitoring queue, drives every transfer step
	// * job processor, turns queued requests into transfers
	// * chain head watcher
	// * API serving HTTP(S) server
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(ctx, orchestrator)
	})
	g.Go(func() error {
		jobs.Worker_processExecution(ctx)
		return nil
	})
	g.Go(func() error {
		heads.Worker_scanEVM(ctx, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		return workers.Worker_HTTP(ctx, router, workers.HTTPOptions{
			Listen:   config.Config.Server.Listen,
			UseSSL:   config.Config.Server.UseSSL,
			CertFile: "certchain.pem",
			KeyFile:  "privatekey.pem",
		})
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("Bridge stopped with error: %s", err.Error())
		os.Exit(1)
	}
	log.Print("Bridge stopped")
}

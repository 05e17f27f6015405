package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chainpay/broadcast"
	"chainpay/config"
	"chainpay/crypto"
	"chainpay/ledger"
	"chainpay/monitor"
	"chainpay/observability"
	"chainpay/observability/logging"
	"chainpay/server"
	"chainpay/session"
	"chainpay/settle"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chainpayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to chainpayd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CHAINPAY_ENV"))
	log := logging.Setup("chainpayd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	signer, err := crypto.SignerFromHex(cfg.SignerKey)
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}

	opts := []ledger.Option{
		ledger.WithCallTimeout(cfg.CallTimeout.Duration),
		ledger.WithLogger(log),
	}
	if addr, ok := cfg.TreasuryAddress(); ok {
		opts = append(opts, ledger.WithTreasury(addr))
	}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := ledger.Dial(dialCtx, cfg.RPCEndpoint, signer, opts...)
	cancelDial()
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer client.Close()
	log.Info("connected to ledger",
		"endpoint", cfg.RPCEndpoint,
		"signer", signer.Address().Hex(),
		"treasury", cfg.ContractAddress,
	)

	metrics := observability.Settlement()
	registry := session.NewRegistry()
	hub := broadcast.NewHub(registry, metrics, log)
	coord := settle.NewCoordinator(client,
		settle.WithMetrics(metrics),
		settle.WithLogger(log),
		settle.WithCountFailedHeartbeats(cfg.CountFailedHeartbeats),
		settle.WithRateLimiter(settle.NewWalletLimiter(cfg.HeartbeatsPerMinute, cfg.HeartbeatBurst)),
	)

	monOpts := []monitor.Option{
		monitor.WithMetrics(metrics),
		monitor.WithLogger(log),
	}
	var tracker *monitor.Tracker
	if cfg.TrackReceipts {
		tracker = monitor.NewTracker()
		monOpts = append(monOpts, monitor.WithTracker(tracker, func(conf monitor.Confirmation) {
			hub.NotifyConfirmation(context.Background(), conf.Session, broadcast.ConfirmationEvent{
				TxHash:      conf.Hash.Hex(),
				BlockNumber: conf.Height,
				Dropped:     conf.Dropped,
			})
		}))
	}
	mon := monitor.New(client, hub, cfg.BlockPollInterval(), monOpts...)

	srv := server.New(cfg, client, coord, registry, hub, tracker, metrics, log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	go mon.Run(bgCtx)
	go hub.Run(bgCtx)
	go coord.Run(bgCtx)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		log.Info("chainpayd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"facilitatord/chains"
	"facilitatord/chains/evm"
	"facilitatord/chains/sui"
	"facilitatord/config"
	fcrypto "facilitatord/crypto"
	"facilitatord/facilitator"
	"facilitatord/ledger"
	"facilitatord/observability"
	"facilitatord/observability/logging"
	telemetry "facilitatord/observability/otel"
	"facilitatord/protocol"
	"facilitatord/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to facilitatord configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FACILITATOR_ENV"))
	logger := logging.Setup("facilitatord", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "facilitatord",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("facilitatord: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("facilitatord: load config: %v", err)
	}

	dsn, err := ledger.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("facilitatord: resolve ledger DSN: %v", err)
	}
	nonces, err := ledger.Open(dsn)
	if err != nil {
		log.Fatalf("facilitatord: open ledger: %v", err)
	}
	defer nonces.Close()

	registry := chains.NewRegistry()
	for _, nc := range cfg.Networks {
		adapter, err := buildAdapter(nc)
		if err != nil {
			log.Fatalf("facilitatord: configure network %s: %v", nc.Network, err)
		}
		if err := registry.Register(adapter); err != nil {
			log.Fatalf("facilitatord: register network %s: %v", nc.Network, err)
		}
		logger.Info("network configured", "network", nc.Network, "signer", adapter.SignerAddress())
	}

	svc, err := facilitator.New(registry, nonces, logger, facilitator.WithGrace(cfg.Grace.Duration))
	if err != nil {
		log.Fatalf("facilitatord: service: %v", err)
	}

	limiter := server.NewRateLimiter(map[string]server.RateLimit{
		"verify": {RequestsPerMinute: cfg.RateLimits.Verify.RequestsPerMinute, Burst: cfg.RateLimits.Verify.Burst},
		"settle": {RequestsPerMinute: cfg.RateLimits.Settle.RequestsPerMinute, Burst: cfg.RateLimits.Settle.Burst},
	}, logger)

	srv := server.New(svc, limiter, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.Facilitator()
	sweeper := ledger.NewSweeper(nonces, cfg.SweepInterval.Duration, cfg.ConsumedRetention.Duration, logger, func(removed int64) {
		metrics.RecordSweep(removed)
	})
	go func() {
		if err := sweeper.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ledger sweeper exited", "error", err)
			stop()
		}
	}()

	logger.Info("facilitator listening", "address", cfg.ListenAddress)
	if err := srv.Run(rootCtx, cfg.ListenAddress); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

func buildAdapter(nc config.NetworkConfig) (chains.Adapter, error) {
	network, family, err := protocol.ParseNetwork(nc.Network)
	if err != nil {
		return nil, err
	}
	switch family {
	case protocol.FamilyEVM:
		key, err := fcrypto.Secp256k1FromEnv(nc.SignerKeyEnv)
		if err != nil {
			return nil, err
		}
		client, err := evm.Dial(nc.RPCURL)
		if err != nil {
			return nil, err
		}
		return evm.New(evm.Config{
			Network:       network,
			Token:         common.HexToAddress(nc.Token.Address),
			TokenName:     nc.Token.Name,
			TokenVersion:  nc.Token.Version,
			GasLimit:      nc.GasLimit,
			Confirmations: nc.Confirmations,
		}, client, key)
	case protocol.FamilySui:
		key, err := fcrypto.Ed25519FromEnv(nc.SignerKeyEnv)
		if err != nil {
			return nil, err
		}
		rpc, err := sui.NewRPCClient(nc.RPCURL)
		if err != nil {
			return nil, err
		}
		return sui.New(sui.Config{
			Network:      network,
			CoinType:     nc.Vault.CoinType,
			VaultPackage: nc.Vault.Package,
			VaultModule:  nc.Vault.Module,
			VaultFunc:    nc.Vault.Function,
			GasBudget:    nc.GasBudget,
		}, rpc, key)
	default:
		return nil, protocol.Reject(protocol.KindUnsupportedNetwork, "no adapter for network %s", network)
	}
}

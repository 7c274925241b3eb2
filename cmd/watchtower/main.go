// Copyright 2024 The cl8y-watchtower Authors
// This file is part of cl8y-watchtower.
//
// cl8y-watchtower is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// cl8y-watchtower is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with cl8y-watchtower.  If not, see <http://www.gnu.org/licenses/>.

// Command watchtower runs the cross-chain withdraw-approval verification
// and cancellation engine described in SPEC_FULL.md. Its CLI scaffolding
// follows cmd/geth's own convention (urfave/cli/v2, one binary with a
// handful of flags, GOMAXPROCS tuned for the container cgroup) scaled
// down to this system's single long-running "start" command.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/PlasticDigits/cl8y-watchtower/internal/cache"
	"github.com/PlasticDigits/cl8y-watchtower/internal/canceler"
	"github.com/PlasticDigits/cl8y-watchtower/internal/config"
	"github.com/PlasticDigits/cl8y-watchtower/internal/eventbus"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
	"github.com/PlasticDigits/cl8y-watchtower/internal/observability"
	"github.com/PlasticDigits/cl8y-watchtower/internal/poller"
	"github.com/PlasticDigits/cl8y-watchtower/internal/resolver"
	"github.com/PlasticDigits/cl8y-watchtower/internal/signerkey"
	"github.com/PlasticDigits/cl8y-watchtower/internal/verifier"
	"github.com/PlasticDigits/cl8y-watchtower/internal/watcher"
)

// Exit codes, per spec.md §6: 0 clean shutdown, 1 a configuration
// problem the operator must fix, 2 an irrecoverable startup error (a
// dependency the process could not reach even once).
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStartupError = 2
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "path to an optional TOML config file layered under environment variables",
		EnvVars: []string{"WATCHTOWER_CONFIG"},
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "rotate logs to this path instead of stderr",
	}
)

func main() {
	app := &cli.App{
		Name:  "watchtower",
		Usage: "cross-chain withdraw-approval verification and cancellation engine",
		Commands: []*cli.Command{
			startCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupError)
	}
}

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "run the watcher loop until terminated",
	Flags: []cli.Flag{configFlag, logFileFlag},
	Action: func(c *cli.Context) error {
		os.Exit(runStart(c))
		return nil
	},
}

func runStart(c *cli.Context) int {
	setupLogging(c.String("log-file"))
	undo, _ := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Info(fmt.Sprintf(format, args...))
	}))
	defer undo()

	runID := uuid.New().String()
	log.Info("starting watchtower", "run_id", runID)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		log.Crit("config load failed", "err", err)
		return exitConfigError
	}

	stop, err := config.WatchForChanges(c.String("config"))
	if err != nil {
		log.Warn("config file watch failed, restart-required warnings disabled", "err", err)
	} else {
		defer stop()
	}

	printBanner(runID, cfg)

	lock := flock.New(lockFilePath(cfg))
	locked, err := lock.TryLock()
	if err != nil {
		log.Crit("failed to acquire single-instance lock", "err", err)
		return exitStartupError
	}
	if !locked {
		log.Crit("another watchtower process already holds the lock for this chain set", "path", lockFilePath(cfg))
		return exitStartupError
	}
	defer lock.Unlock()

	evmSigner, err := loadEVMSigner(cfg)
	if err != nil {
		log.Crit("failed to load EVM signer key", "err", err)
		return exitConfigError
	}

	cosmosSigner, err := loadCosmosSigner(cfg)
	if err != nil {
		log.Crit("failed to load Cosmos signer key", "err", err)
		return exitConfigError
	}

	res, err := resolver.New(cfg, evmSigner, cosmosSigner, cfg.EVMPrecheckMaxRetries, 5.0)
	if err != nil {
		log.Crit("failed to dial configured chains", "err", err)
		return exitStartupError
	}
	defer res.Close()

	metrics := observability.New()
	reach := observability.NewChainReachability(chainLabels(cfg))
	loopRunning := &observability.LoopRunning{}
	bus := eventbus.New(32)
	observability.WireEventBus(bus)

	srv := observability.NewServer(cfg.HealthBindAddress, loopRunning, reach, chainLabels(cfg), metrics, observability.InfluxConfig{})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := buildLoop(cfg, res, metrics, reach, loopRunning, bus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	// errgroup ties the observability server and the watcher loop
	// together: if either exits with an error, gctx is cancelled so the
	// other stops too, rather than leaving a half-running process.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("watchtower stopped with error", "err", err)
		return exitStartupError
	}
	log.Info("watchtower stopped cleanly")
	return exitOK
}

// lockFilePath derives a single-instance lock path keyed by this
// process's chain set, so distinct watchtower deployments (different
// THIS_CHAIN_ID) never contend on the same lock.
func lockFilePath(cfg *config.Config) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("watchtower-%s.lock", cfg.ThisChainID))
}

// loadEVMSigner resolves the EVM signer key by precedence: raw hex env
// var, then an encrypted key file, then a BIP39 mnemonic. All three are
// optional; a nil return means cancellation submission against local
// EVM / peer EVM chains is disabled.
func loadEVMSigner(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	raw, err := loadSignerBytes(cfg.EVMSignerKeyHex, cfg.EVMSignerKeyFile, cfg.EVMSignerKeyPassphrase, cfg.EVMSignerMnemonic)
	if err != nil || raw == nil {
		return nil, err
	}
	return crypto.ToECDSA(raw)
}

// loadCosmosSigner mirrors loadEVMSigner for the Cosmos secp256k1 key.
func loadCosmosSigner(cfg *config.Config) (*btcec.PrivateKey, error) {
	raw, err := loadSignerBytes(cfg.CosmosSignerKeyHex, cfg.CosmosSignerKeyFile, cfg.CosmosSignerKeyPassphrase, cfg.CosmosSignerMnemonic)
	if err != nil || raw == nil {
		return nil, err
	}
	return secp256k1PrivKeyFromBytes(raw), nil
}

func loadSignerBytes(hexKey, keyFile, passphrase, mnemonic string) ([]byte, error) {
	switch {
	case hexKey != "":
		return hex.DecodeString(trimHexPrefix(hexKey))
	case keyFile != "":
		return signerkey.DecryptKeyFile(keyFile, passphrase)
	case mnemonic != "":
		return signerkey.KeyFromMnemonic(mnemonic, passphrase)
	default:
		return nil, nil
	}
}

// newDedupeCaches builds one independent verified/cancelled pair for a
// single chain's poller. sizeGauge is deliberately not wired per-pair:
// with multiple independent caches per chain, each cache's own Update
// call would overwrite, not sum, the others' contributions to one
// shared gauge, so the aggregate VerifiedCacheSize/CancelledCacheSize
// gauges are instead computed once per cycle by Loop.updateCacheSizeGauges.
// warnCounter is safe to share: Inc accumulates across every chain.
func newDedupeCaches(cfg *config.Config, warnCounter gethmetrics.Counter) (*cache.BoundedHashCache, *cache.BoundedHashCache) {
	verified := cache.NewHashCache("verified", cfg.DedupeCacheMaxSize, cfg.DedupeCacheTTL, nil, warnCounter)
	cancelled := cache.NewHashCache("cancelled", cfg.DedupeCacheMaxSize, cfg.DedupeCacheTTL, nil, warnCounter)
	return verified, cancelled
}

func buildLoop(cfg *config.Config, res *resolver.Resolver, metrics *observability.Metrics, reach *observability.ChainReachability, loopRunning *observability.LoopRunning, bus *eventbus.Bus) *watcher.Loop {
	retryQueue := cache.New[model.PendingApproval]("retry", cfg.PendingRetryMaxSize, cfg.PendingRetryTTL, metrics.RetryQueueSize, metrics.CacheCapacityWarnings)

	var evmPollers []*poller.EVMPoller
	if localEndpoint, ok := res.Resolve(cfg.ThisChainID); ok && localEndpoint.EVM != nil {
		verified, cancelled := newDedupeCaches(cfg, metrics.CacheCapacityWarnings)
		evmPollers = append(evmPollers, poller.NewEVMPoller(cfg.ThisChainID, localEndpoint.EVM, cfg.EVMLookbackBlocks, cfg.EVMLogMaxRange, verified, cancelled, metrics.ChainResets, bus))
	}
	for _, peer := range cfg.PeerEVMs {
		if ep, ok := res.Resolve(peer.ChainID); ok && ep.EVM != nil {
			verified, cancelled := newDedupeCaches(cfg, metrics.CacheCapacityWarnings)
			evmPollers = append(evmPollers, poller.NewEVMPoller(peer.ChainID, ep.EVM, cfg.EVMLookbackBlocks, cfg.EVMLogMaxRange, verified, cancelled, metrics.ChainResets, bus))
		}
	}

	var cosmosPoller *poller.CosmosPoller
	if cosmosEndpoint, ok := res.Resolve(cfg.TerraChainID); ok && cosmosEndpoint.Cosmos != nil {
		verified, cancelled := newDedupeCaches(cfg, metrics.CacheCapacityWarnings)
		cosmosPoller = poller.NewCosmosPoller(cfg.TerraChainID, cosmosEndpoint.Cosmos, cfg.TerraPollPageSize, cfg.TerraPollMaxPages, verified, cancelled, metrics.UnprocessedApprovals)
	}

	v := verifier.New(res, 0, cfg.EVMPrecheckMaxRetries)
	cnc := canceler.New(res, cfg.ThisChainID, cfg.EVMPrecheckMaxRetries, cfg.EVMPrecheckCircuitBreakerThresh, metrics.BreakerTrips, bus)

	return watcher.New(watcher.Config{
		EVMPollers:   evmPollers,
		CosmosPoller: cosmosPoller,
		Verify:       v,
		Cancel:       cnc,
		RetryQueue:   retryQueue,
		PollInterval: time.Duration(cfg.PollIntervalSecs) * time.Second,
		Bus:          bus,
		Metrics:      metrics,
		Reach:        reach,
		LoopRunning:  loopRunning,
	})
}

func chainLabels(cfg *config.Config) []string {
	labels := []string{cfg.ThisChainID.String()}
	if cfg.TerraLCDURL != "" {
		labels = append(labels, cfg.TerraChainID.String())
	}
	for _, peer := range cfg.PeerEVMs {
		labels = append(labels, peer.ChainID.String())
	}
	return labels
}

func setupLogging(logFile string) {
	if logFile == "" {
		log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(rotator, log.JSONFormat())))
}

func printBanner(runID string, cfg *config.Config) {
	color.New(color.FgCyan, color.Bold).Println("cl8y-watchtower")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.Append([]string{"run_id", runID})
	table.Append([]string{"this_chain_id", cfg.ThisChainID.String()})
	table.Append([]string{"peer_evm_chains", fmt.Sprintf("%d", len(cfg.PeerEVMs))})
	table.Append([]string{"cosmos_enabled", fmt.Sprintf("%t", cfg.TerraLCDURL != "")})
	table.Append([]string{"poll_interval_secs", fmt.Sprintf("%d", cfg.PollIntervalSecs)})
	table.Append([]string{"health_bind_address", cfg.HealthBindAddress})
	table.Render()
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func secp256k1PrivKeyFromBytes(raw []byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv
}

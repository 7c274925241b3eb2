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

// Package config loads the watchtower's configuration from an optional
// TOML file layered under environment variables, following the
// teacher's own layered-config shape (config_legacy's TOML defaults
// merged over flag/env overrides), but against this system's flat
// env-var table rather than geth's nested node config.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"github.com/imdario/mergo"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/PlasticDigits/cl8y-watchtower/internal/errs"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// PeerEVM is one PEER_EVM_<id>_* source chain entry.
type PeerEVM struct {
	ChainID model.ChainID
	RPCURL  string
	Bridge  string
}

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	ThisChainID model.ChainID

	EVMRPCURL    string
	EVMBridge    string
	TerraChainID model.ChainID
	TerraLCDURL  string
	TerraRPCURL  string
	TerraBridge  string

	PeerEVMs []PeerEVM

	PollIntervalSecs int
	EVMLogMaxRange   uint64
	EVMLookbackBlocks uint64
	TerraPollPageSize int
	TerraPollMaxPages int

	DedupeCacheMaxSize int
	DedupeCacheTTL     time.Duration
	PendingRetryMaxSize int
	PendingRetryTTL     time.Duration

	EVMPrecheckMaxRetries            int
	EVMPrecheckCircuitBreakerThresh  int

	HealthBindAddress string

	EVMSignerKeyHex    string
	CosmosSignerKeyHex string

	EVMSignerKeyFile       string
	EVMSignerKeyPassphrase string
	EVMSignerMnemonic      string

	CosmosSignerKeyFile       string
	CosmosSignerKeyPassphrase string
	CosmosSignerMnemonic      string
}

// fileConfig mirrors the optional TOML file's shape. Load takes each
// value from the env var first, then from this file, then from the
// default; a field left at its zero value here counts as unset.
type fileConfig struct {
	ThisChainID       string   `toml:"this_chain_id"`
	EVMRPCURL         string   `toml:"evm_rpc_url"`
	EVMBridge         string   `toml:"evm_bridge"`
	TerraLCDURL       string   `toml:"terra_lcd_url"`
	TerraRPCURL       string   `toml:"terra_rpc_url"`
	TerraBridge       string   `toml:"terra_bridge"`
	PollIntervalSecs  int      `toml:"poll_interval_secs"`
	EVMLogMaxRange    uint64   `toml:"evm_log_max_range"`
	EVMLookbackBlocks uint64   `toml:"evm_lookback_blocks"`
	HealthBindAddress string   `toml:"health_bind_address"`
}

const (
	defaultPollIntervalSecs            = 15
	defaultEVMLogMaxRange              = 5_000
	defaultEVMLookbackBlocks           = 200
	defaultTerraPollPageSize           = 50
	defaultTerraPollMaxPages           = 20
	defaultDedupeCacheMaxSize          = 100_000
	defaultDedupeCacheTTLSecs          = 86_400
	defaultPendingRetryMaxSize         = 10_000
	defaultPendingRetryTTLSecs         = 7_200
	defaultEVMPrecheckMaxRetries       = 2
	defaultEVMPrecheckBreakerThreshold = 10
	defaultHealthBindAddress           = "127.0.0.1:9191"
)

// Load reads the optional TOML file at path (skipped if path is empty
// or the file does not exist), layers it under the process environment,
// applies defaults, and validates the result. Any failure is an
// errs.ConfigError.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		resolved, err := homedir.Expand(path)
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, err)
		}
		if _, statErr := os.Stat(resolved); statErr == nil {
			if _, err := toml.DecodeFile(resolved, &fc); err != nil {
				return nil, errs.Wrap(errs.ConfigError, err)
			}
		}
	}

	cfg := &Config{
		EVMRPCURL:   firstNonEmpty(os.Getenv("EVM_RPC_URL"), fc.EVMRPCURL),
		EVMBridge:   firstNonEmpty(os.Getenv("EVM_BRIDGE"), fc.EVMBridge),
		TerraLCDURL: firstNonEmpty(os.Getenv("TERRA_LCD_URL"), fc.TerraLCDURL),
		TerraRPCURL: firstNonEmpty(os.Getenv("TERRA_RPC_URL"), fc.TerraRPCURL),
		TerraBridge: firstNonEmpty(os.Getenv("TERRA_BRIDGE"), fc.TerraBridge),

		PollIntervalSecs:  intEnvOr("POLL_INTERVAL_SECS", fc.PollIntervalSecs, defaultPollIntervalSecs),
		EVMLogMaxRange:    uint64EnvOr("EVM_LOG_MAX_RANGE", fc.EVMLogMaxRange, defaultEVMLogMaxRange),
		EVMLookbackBlocks: uint64EnvOr("EVM_LOOKBACK_BLOCKS", fc.EVMLookbackBlocks, defaultEVMLookbackBlocks),
		TerraPollPageSize: intEnvOr("TERRA_POLL_PAGE_SIZE", 0, defaultTerraPollPageSize),
		TerraPollMaxPages: intEnvOr("TERRA_POLL_MAX_PAGES", 0, defaultTerraPollMaxPages),

		DedupeCacheMaxSize:  intEnvOr("DEDUPE_CACHE_MAX_SIZE", 0, defaultDedupeCacheMaxSize),
		DedupeCacheTTL:      secondsEnvOr("DEDUPE_CACHE_TTL_SECS", defaultDedupeCacheTTLSecs),
		PendingRetryMaxSize: intEnvOr("PENDING_RETRY_MAX_SIZE", 0, defaultPendingRetryMaxSize),
		PendingRetryTTL:     secondsEnvOr("PENDING_RETRY_TTL_SECS", defaultPendingRetryTTLSecs),

		EVMPrecheckMaxRetries:           intEnvOr("EVM_PRECHECK_MAX_RETRIES", 0, defaultEVMPrecheckMaxRetries),
		EVMPrecheckCircuitBreakerThresh: intEnvOr("EVM_PRECHECK_CIRCUIT_BREAKER_THRESHOLD", 0, defaultEVMPrecheckBreakerThreshold),

		HealthBindAddress: firstNonEmpty(os.Getenv("HEALTH_BIND_ADDRESS"), fc.HealthBindAddress),

		EVMSignerKeyHex:    os.Getenv("EVM_SIGNER_KEY"),
		CosmosSignerKeyHex: os.Getenv("COSMOS_SIGNER_KEY"),

		EVMSignerKeyFile:       os.Getenv("EVM_SIGNER_KEYFILE"),
		EVMSignerKeyPassphrase: os.Getenv("EVM_SIGNER_PASSPHRASE"),
		EVMSignerMnemonic:      os.Getenv("EVM_SIGNER_MNEMONIC"),

		CosmosSignerKeyFile:       os.Getenv("COSMOS_SIGNER_KEYFILE"),
		CosmosSignerKeyPassphrase: os.Getenv("COSMOS_SIGNER_PASSPHRASE"),
		CosmosSignerMnemonic:      os.Getenv("COSMOS_SIGNER_MNEMONIC"),
	}
	if cfg.HealthBindAddress == "" {
		cfg.HealthBindAddress = defaultHealthBindAddress
	}

	thisChainIDStr := firstNonEmpty(os.Getenv("THIS_CHAIN_ID"), fc.ThisChainID)
	chainID, err := parseChainID(thisChainIDStr)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("THIS_CHAIN_ID: %w", err))
	}
	cfg.ThisChainID = chainID

	peers, err := parsePeerEVMs()
	if err != nil {
		return nil, err
	}
	cfg.PeerEVMs = peers

	if terraIDStr := os.Getenv("TERRA_CHAIN_ID"); terraIDStr != "" {
		terraChainID, err := parseChainID(terraIDStr)
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("TERRA_CHAIN_ID: %w", err))
		}
		cfg.TerraChainID = terraChainID
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeDefaults fills zero-valued fields of partial with Load's
// compiled-in defaults, for tests that construct a Config by hand.
func MergeDefaults(partial *Config) error {
	defaults := &Config{
		PollIntervalSecs:                defaultPollIntervalSecs,
		EVMLogMaxRange:                  defaultEVMLogMaxRange,
		EVMLookbackBlocks:               defaultEVMLookbackBlocks,
		TerraPollPageSize:               defaultTerraPollPageSize,
		TerraPollMaxPages:               defaultTerraPollMaxPages,
		DedupeCacheMaxSize:              defaultDedupeCacheMaxSize,
		DedupeCacheTTL:                  defaultDedupeCacheTTLSecs * time.Second,
		PendingRetryMaxSize:             defaultPendingRetryMaxSize,
		PendingRetryTTL:                 defaultPendingRetryTTLSecs * time.Second,
		EVMPrecheckMaxRetries:           defaultEVMPrecheckMaxRetries,
		EVMPrecheckCircuitBreakerThresh: defaultEVMPrecheckBreakerThreshold,
		HealthBindAddress:               defaultHealthBindAddress,
	}
	return mergo.Merge(partial, defaults)
}

func (c *Config) validate() error {
	if c.EVMRPCURL == "" {
		return errs.New(errs.ConfigError, "EVM_RPC_URL is required")
	}
	if err := validateURLScheme("EVM_RPC_URL", c.EVMRPCURL); err != nil {
		return err
	}
	if c.TerraLCDURL != "" {
		if err := validateURLScheme("TERRA_LCD_URL", c.TerraLCDURL); err != nil {
			return err
		}
	}
	if c.TerraRPCURL != "" {
		if err := validateURLScheme("TERRA_RPC_URL", c.TerraRPCURL); err != nil {
			return err
		}
	}
	for _, p := range c.PeerEVMs {
		if err := validateURLScheme(fmt.Sprintf("PEER_EVM_%s_RPC_URL", p.ChainID), p.RPCURL); err != nil {
			return err
		}
	}
	if host, _, err := net.SplitHostPort(c.HealthBindAddress); err == nil {
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			log.Warn("HEALTH_BIND_ADDRESS is not a loopback address; health and metrics endpoints are reachable from other hosts", "addr", c.HealthBindAddress)
		}
	}
	return nil
}

func validateURLScheme(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errs.New(errs.ConfigError, "%s: %v", field, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		log.Warn("insecure scheme configured, prefer https", "field", field, "url", raw)
	default:
		return errs.New(errs.ConfigError, "%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	return nil
}

// parsePeerEVMs scans the environment for PEER_EVM_<id>_RPC_URL /
// PEER_EVM_<id>_BRIDGE pairs.
func parsePeerEVMs() ([]PeerEVM, error) {
	seen := map[string]*PeerEVM{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if !strings.HasPrefix(key, "PEER_EVM_") {
			continue
		}
		rest := strings.TrimPrefix(key, "PEER_EVM_")
		switch {
		case strings.HasSuffix(rest, "_RPC_URL"):
			id := strings.TrimSuffix(rest, "_RPC_URL")
			entry := seen[id]
			if entry == nil {
				chainID, err := parseChainID(id)
				if err != nil {
					return nil, errs.New(errs.ConfigError, "PEER_EVM_%s_RPC_URL: invalid chain id: %v", id, err)
				}
				entry = &PeerEVM{ChainID: chainID}
				seen[id] = entry
			}
			entry.RPCURL = value
		case strings.HasSuffix(rest, "_BRIDGE"):
			id := strings.TrimSuffix(rest, "_BRIDGE")
			entry := seen[id]
			if entry == nil {
				chainID, err := parseChainID(id)
				if err != nil {
					return nil, errs.New(errs.ConfigError, "PEER_EVM_%s_BRIDGE: invalid chain id: %v", id, err)
				}
				entry = &PeerEVM{ChainID: chainID}
				seen[id] = entry
			}
			entry.Bridge = value
		}
	}
	out := make([]PeerEVM, 0, len(seen))
	for _, p := range seen {
		out = append(out, *p)
	}
	return out, nil
}

func parseChainID(s string) (model.ChainID, error) {
	var id model.ChainID
	s = strings.TrimSpace(s)
	if s == "" {
		return id, fmt.Errorf("empty chain id")
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return id, err
	}
	return model.ChainIDFromUint32(uint32(n)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intEnvOr(key string, fileValue, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return def
}

func uint64EnvOr(key string, fileValue, def uint64) uint64 {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return n
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return def
}

func secondsEnvOr(key string, def int) time.Duration {
	n := def
	if raw := os.Getenv(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	return time.Duration(n) * time.Second
}

// WatchForChanges logs a restart-required warning if the config file at
// path changes while the process is running. Config is only read once
// at startup — chain clients are constructed from it then and are never
// rebuilt mid-run — so a live reload is deliberately not implemented.
func WatchForChanges(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return func() {}, nil
	}
	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Warn("config file changed on disk, restart required to apply", "path", path)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

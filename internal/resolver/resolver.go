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

// Package resolver maps a source chain id to the client and bridge
// address the Verifier and Canceler talk to. A chain id absent from the
// map is a hard signal, never a transient one: callers must treat a
// missing Resolve as Invalid, not Pending, so a forged source_chain_id
// cannot occupy the retry queue indefinitely.
package resolver

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/PlasticDigits/cl8y-watchtower/internal/chainclient"
	"github.com/PlasticDigits/cl8y-watchtower/internal/config"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// Endpoint is one resolved chain's client and bridge address.
type Endpoint struct {
	Kind          model.ChainKind
	EVM           chainclient.EVM
	Cosmos        chainclient.Cosmos
	BridgeAddress string
}

// Resolver is the ChainEndpointResolver: a static, startup-built map
// from chain id to Endpoint.
type Resolver struct {
	endpoints map[model.ChainID]Endpoint
	thisChain model.ChainID
}

// New builds the resolver from cfg, dialing every configured chain's
// client. evmSignerKey signs for the local and every peer EVM chain,
// cosmosSignerKey for the Cosmos chain; either may be nil, in which case
// the matching clients are read-only and cannot submit cancels.
func New(cfg *config.Config, evmSignerKey *ecdsa.PrivateKey, cosmosSignerKey *btcec.PrivateKey, maxRetries int, requestsPerSecond float64) (*Resolver, error) {
	r := &Resolver{
		endpoints: make(map[model.ChainID]Endpoint),
		thisChain: cfg.ThisChainID,
	}

	evmChainID := new(big.Int).SetUint64(uint64(chainIDToUint32(cfg.ThisChainID)))
	localEVM, err := chainclient.NewEVMClient(cfg.EVMRPCURL, common.HexToAddress(cfg.EVMBridge), evmChainID, evmSignerKey, maxRetries, requestsPerSecond)
	if err != nil {
		return nil, fmt.Errorf("resolver: dialing local EVM chain: %w", err)
	}
	r.endpoints[cfg.ThisChainID] = Endpoint{Kind: model.ChainKindEVM, EVM: localEVM, BridgeAddress: cfg.EVMBridge}

	if cfg.TerraLCDURL != "" && cfg.TerraRPCURL != "" {
		cosmosClient, err := chainclient.NewCosmosClient(cfg.TerraLCDURL, cfg.TerraRPCURL, cfg.TerraBridge, cfg.ThisChainID.String(), cosmosSignerKey, maxRetries, requestsPerSecond)
		if err != nil {
			return nil, fmt.Errorf("resolver: dialing Cosmos chain: %w", err)
		}
		r.endpoints[cfg.TerraChainID] = Endpoint{Kind: model.ChainKindCosmos, Cosmos: cosmosClient, BridgeAddress: cfg.TerraBridge}
	}

	for _, peer := range cfg.PeerEVMs {
		peerChainID := new(big.Int).SetUint64(uint64(chainIDToUint32(peer.ChainID)))
		client, err := chainclient.NewEVMClient(peer.RPCURL, common.HexToAddress(peer.Bridge), peerChainID, evmSignerKey, maxRetries, requestsPerSecond)
		if err != nil {
			return nil, fmt.Errorf("resolver: dialing peer EVM chain %s: %w", peer.ChainID, err)
		}
		r.endpoints[peer.ChainID] = Endpoint{Kind: model.ChainKindEVM, EVM: client, BridgeAddress: peer.Bridge}
	}

	return r, nil
}

// NewForTest builds a Resolver directly from a pre-built endpoint map,
// skipping the dialing New does, for use by other packages' tests.
func NewForTest(endpoints map[model.ChainID]Endpoint) *Resolver {
	return &Resolver{endpoints: endpoints}
}

// Resolve looks up chainID's endpoint. The second return value is false
// when chainID is not configured; callers must treat that as a hard
// Invalid verification result, never Pending.
func (r *Resolver) Resolve(chainID model.ChainID) (Endpoint, bool) {
	ep, ok := r.endpoints[chainID]
	return ep, ok
}

// Close releases every underlying chain client.
func (r *Resolver) Close() {
	for _, ep := range r.endpoints {
		if ep.EVM != nil {
			ep.EVM.Close()
		}
		if ep.Cosmos != nil {
			ep.Cosmos.Close()
		}
	}
}

func chainIDToUint32(id model.ChainID) uint32 {
	return uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
}

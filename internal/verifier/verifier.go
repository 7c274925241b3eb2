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

// Package verifier recomputes the canonical withdraw hash of a pending
// approval against its source chain's own deposit record and classifies
// the result. A source chain the resolver does not know about is
// treated as a hard Invalid, never Pending — see resolver's doc comment
// for why.
package verifier

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/PlasticDigits/cl8y-watchtower/internal/bridgehash"
	"github.com/PlasticDigits/cl8y-watchtower/internal/errs"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
	"github.com/PlasticDigits/cl8y-watchtower/internal/resolver"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxRetries   = 2
	depositCacheSize    = 4096
)

// Verifier is the Verifier component (C): it owns no long-lived state
// of its own beyond a per-cycle deposit memoization cache, reset at the
// start of every poll cycle by the caller via ResetCycleCache.
type Verifier struct {
	resolve      *resolver.Resolver
	fetchTimeout time.Duration
	maxRetries   int
	depositCache *lru.Cache
}

// New builds a Verifier against resolve. fetchTimeout/maxRetries default
// to 30s/2 when zero. maxRetries is stored but not used by the fetch
// path: retries of a deposit fetch are those of the chain client, set
// when the resolver builds it.
func New(resolve *resolver.Resolver, fetchTimeout time.Duration, maxRetries int) *Verifier {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	cache, _ := lru.New(depositCacheSize)
	return &Verifier{resolve: resolve, fetchTimeout: fetchTimeout, maxRetries: maxRetries, depositCache: cache}
}

// ResetCycleCache drops the per-cycle deposit memoization, grounded on
// the teacher's hashicorp/golang-lru span store but scoped to a single
// poll cycle rather than the process lifetime: a deposit record fetched
// once this cycle should not be re-fetched for a second approval
// referencing the same hash, but a stale record must not survive into
// the next cycle.
func (v *Verifier) ResetCycleCache() {
	v.depositCache.Purge()
}

// Verify runs the four-step verification algorithm against approval.
func (v *Verifier) Verify(ctx context.Context, approval model.PendingApproval) model.VerificationResult {
	endpoint, ok := v.resolve.Resolve(approval.SourceChainID)
	if !ok {
		log.Warn("verification against unknown source chain, treating as invalid", "source_chain_id", approval.SourceChainID, "withdraw_hash", approval.WithdrawHash)
		return model.ResultInvalid
	}

	record, found, err := v.fetchDeposit(ctx, endpoint, approval.WithdrawHash)
	if err != nil {
		log.Warn("deposit fetch failed, deferring verification", "withdraw_hash", approval.WithdrawHash, "err", err)
		return model.ResultPending
	}
	if !found {
		return model.ResultInvalid
	}

	destKind := v.destChainKind(approval.DestChainID)
	recomputed, err := bridgehash.Hash(*record, destKind)
	if err != nil {
		wrapped := errs.Wrap(errs.ProtocolError, err)
		log.Warn(wrapped.Error(), "withdraw_hash", approval.WithdrawHash)
		return model.ResultInvalid
	}
	if recomputed != approval.WithdrawHash {
		return model.ResultInvalid
	}
	return model.ResultValid
}

func (v *Verifier) destChainKind(chainID model.ChainID) model.ChainKind {
	if ep, ok := v.resolve.Resolve(chainID); ok {
		return ep.Kind
	}
	return model.ChainKindEVM
}

func (v *Verifier) fetchDeposit(ctx context.Context, endpoint resolver.Endpoint, withdrawHash common.Hash) (*model.DepositRecord, bool, error) {
	if cached, ok := v.depositCache.Get(withdrawHash); ok {
		entry := cached.(depositCacheEntry)
		return entry.record, entry.found, entry.err
	}

	ctx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
	defer cancel()

	var record *model.DepositRecord
	var found bool
	var err error
	switch endpoint.Kind {
	case model.ChainKindCosmos:
		record, found, err = endpoint.Cosmos.GetDeposit(ctx, withdrawHash)
	default:
		record, found, err = endpoint.EVM.GetDeposit(ctx, withdrawHash)
	}

	if err == nil {
		v.depositCache.Add(withdrawHash, depositCacheEntry{record: record, found: found})
	}
	return record, found, err
}

type depositCacheEntry struct {
	record *model.DepositRecord
	found  bool
	err    error
}

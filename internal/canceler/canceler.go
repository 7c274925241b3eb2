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

// Package canceler submits withdrawCancel transactions against
// approvals the Verifier has ruled Invalid. Routing between the local
// EVM chain, a peer EVM chain, and the Cosmos chain is exclusive: once
// an approval's destination resolves to EVM, the Cosmos path is never
// attempted as a fallback.
package canceler

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/PlasticDigits/cl8y-watchtower/internal/eventbus"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
	"github.com/PlasticDigits/cl8y-watchtower/internal/resolver"
)

const (
	defaultPrecheckMaxRetries   = 2
	defaultBreakerThreshold     = 10
	precheckBackoffBase         = 500 * time.Millisecond
)

// breakerState is the EVM precheck circuit breaker for one destination
// chain. Fields are unexported on Canceler, keyed per destination chain
// id, so a peer EVM's breaker tripping never silences cancellations
// destined for a different chain (see DESIGN.md's Open Question
// resolution).
type breakerState struct {
	mu                      sync.Mutex
	consecutiveFailures     int
	open                    bool
}

// Canceler is the Canceler component (D).
type Canceler struct {
	resolve            *resolver.Resolver
	thisChainID        model.ChainID
	precheckMaxRetries int
	breakerThreshold   int

	breakersMu sync.Mutex
	breakers   map[model.ChainID]*breakerState

	breakerTripsCounter metrics.Counter
	bus                 *eventbus.Bus
}

// New builds a Canceler. precheckMaxRetries/breakerThreshold default to
// the spec's 2/10 when zero. bus may be nil (used by tests that don't
// care about lifecycle events).
func New(resolve *resolver.Resolver, thisChainID model.ChainID, precheckMaxRetries, breakerThreshold int, breakerTripsCounter metrics.Counter, bus *eventbus.Bus) *Canceler {
	if precheckMaxRetries <= 0 {
		precheckMaxRetries = defaultPrecheckMaxRetries
	}
	if breakerThreshold <= 0 {
		breakerThreshold = defaultBreakerThreshold
	}
	return &Canceler{
		resolve:             resolve,
		thisChainID:         thisChainID,
		precheckMaxRetries:  precheckMaxRetries,
		breakerThreshold:    breakerThreshold,
		breakers:            make(map[model.ChainID]*breakerState),
		breakerTripsCounter: breakerTripsCounter,
		bus:                 bus,
	}
}

func (c *Canceler) breakerFor(chainID model.ChainID) *breakerState {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[chainID]
	if !ok {
		b = &breakerState{}
		c.breakers[chainID] = b
	}
	return b
}

// OrderOldestFirst returns a copy of approvals sorted by ApprovedAtUnix
// ascending, so the ones closest to cancel-window expiry are processed
// first. The input slice is not modified.
func OrderOldestFirst(approvals []model.PendingApproval) []model.PendingApproval {
	list := arraylist.New()
	for _, a := range approvals {
		list.Add(a)
	}
	list.Sort(func(a, b interface{}) int {
		return utils.Int64Comparator(a.(model.PendingApproval).ApprovedAtUnix, b.(model.PendingApproval).ApprovedAtUnix)
	})
	out := make([]model.PendingApproval, list.Size())
	for i, v := range list.Values() {
		out[i] = v.(model.PendingApproval)
	}
	return out
}

// SubmitCancel is called only for approvals the Verifier has ruled
// Invalid. It returns true if the hash should be recorded as
// cancelled.
func (c *Canceler) SubmitCancel(ctx context.Context, approval model.PendingApproval) bool {
	destIsLocalEVM := approval.DestChainID == c.thisChainID
	endpoint, known := c.resolve.Resolve(approval.DestChainID)

	switch {
	case known && endpoint.Kind == model.ChainKindEVM:
		return c.submitEVM(ctx, approval, endpoint, destIsLocalEVM)
	case known && endpoint.Kind == model.ChainKindCosmos:
		return c.submitCosmos(ctx, approval, endpoint)
	default:
		log.Warn("cancel skipped: destination chain not resolvable", "dest_chain_id", approval.DestChainID, "withdraw_hash", approval.WithdrawHash)
		return false
	}
}

func (c *Canceler) submitEVM(ctx context.Context, approval model.PendingApproval, endpoint resolver.Endpoint, local bool) bool {
	breaker := c.breakerFor(approval.DestChainID)

	breaker.mu.Lock()
	if breaker.open {
		breaker.mu.Unlock()
		log.Error("cancel skipped: breaker open for destination chain", "dest_chain_id", approval.DestChainID)
		return false
	}
	breaker.mu.Unlock()

	canCancel, err := c.precheckEVM(ctx, endpoint, approval.WithdrawHash)
	if err != nil {
		c.recordPrecheckFailure(breaker, approval.DestChainID)
		return false
	}
	c.recordPrecheckSuccess(breaker)

	if !canCancel {
		// Already executed or already cancelled on-chain; stop retrying.
		return true
	}

	if err := endpoint.EVM.SubmitCancel(ctx, approval.WithdrawHash); err != nil {
		log.Error("cancel submission failed", "withdraw_hash", approval.WithdrawHash, "dest_chain_id", approval.DestChainID, "err", err)
		return false
	}
	return true
}

func (c *Canceler) precheckEVM(ctx context.Context, endpoint resolver.Endpoint, withdrawHash common.Hash) (bool, error) {
	var lastErr error
	delay := precheckBackoffBase
	for attempt := 0; attempt <= c.precheckMaxRetries; attempt++ {
		canCancel, err := endpoint.EVM.CanCancel(ctx, withdrawHash)
		if err == nil {
			return canCancel, nil
		}
		lastErr = err
		if attempt < c.precheckMaxRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return false, lastErr
}

func (c *Canceler) recordPrecheckFailure(b *breakerState, chainID model.ChainID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if !b.open && b.consecutiveFailures >= c.breakerThreshold {
		b.open = true
		log.Error("evm precheck circuit breaker tripped", "dest_chain_id", chainID, "consecutive_failures", b.consecutiveFailures)
		if c.breakerTripsCounter != nil {
			c.breakerTripsCounter.Inc(1)
		}
		if c.bus != nil {
			c.bus.Post(eventbus.TopicBreakerTrip, chainID)
		}
	}
}

func (c *Canceler) recordPrecheckSuccess(b *breakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.open = false
}

func (c *Canceler) submitCosmos(ctx context.Context, approval model.PendingApproval, endpoint resolver.Endpoint) bool {
	canCancel, err := endpoint.Cosmos.CanCancel(ctx, approval.WithdrawHash)
	if err != nil {
		log.Warn("cosmos precheck failed, skipping this cycle", "withdraw_hash", approval.WithdrawHash, "err", err)
		return false
	}
	if !canCancel {
		return false
	}
	if err := endpoint.Cosmos.SubmitCancel(ctx, approval.WithdrawHash); err != nil {
		log.Error("cosmos cancel submission failed", "withdraw_hash", approval.WithdrawHash, "err", err)
		return false
	}
	return true
}

// BreakerOpen reports whether chainID's EVM precheck breaker is
// currently open, for observability.
func (c *Canceler) BreakerOpen(chainID model.ChainID) bool {
	b := c.breakerFor(chainID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// ConsecutiveFailures reports chainID's current precheck failure streak.
func (c *Canceler) ConsecutiveFailures(chainID model.ChainID) int {
	b := c.breakerFor(chainID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

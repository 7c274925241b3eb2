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

// Package watcher runs the single long-lived loop that ties every other
// component together: drain the retry queue, poll every chain, verify
// every candidate, route the result, sleep, repeat. Grounded on the
// teacher's own single cooperative polling loop convention rather than
// an actor/supervisor tree.
package watcher

import (
	"context"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"

	"github.com/PlasticDigits/cl8y-watchtower/internal/cache"
	"github.com/PlasticDigits/cl8y-watchtower/internal/canceler"
	"github.com/PlasticDigits/cl8y-watchtower/internal/eventbus"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
	"github.com/PlasticDigits/cl8y-watchtower/internal/observability"
	"github.com/PlasticDigits/cl8y-watchtower/internal/poller"
	"github.com/PlasticDigits/cl8y-watchtower/internal/verifier"
)

// verifyConcurrency bounds the per-cycle worker pool fanning out
// Verifier.Verify calls; verification is read-only, so results are
// safely folded back into watcher state by this single goroutine once
// every worker has returned.
const verifyConcurrency = 8

// Loop owns the pollers, verifier, canceler and retry queue, and drives
// one poll/verify/cancel cycle every PollInterval until its context is
// cancelled.
type Loop struct {
	evmPollers   []*poller.EVMPoller
	cosmosPoller *poller.CosmosPoller

	verify   *verifier.Verifier
	cancel   *canceler.Canceler
	retryQueue *cache.BoundedMapCache[model.PendingApproval]

	pollInterval time.Duration
	bus          *eventbus.Bus
	metrics      *observability.Metrics
	reach        *observability.ChainReachability
	loopRunning  *observability.LoopRunning
}

// Config bundles Loop's constructor arguments.
type Config struct {
	EVMPollers   []*poller.EVMPoller
	CosmosPoller *poller.CosmosPoller
	Verify       *verifier.Verifier
	Cancel       *canceler.Canceler
	RetryQueue   *cache.BoundedMapCache[model.PendingApproval]
	PollInterval time.Duration
	Bus          *eventbus.Bus
	Metrics      *observability.Metrics
	Reach        *observability.ChainReachability
	LoopRunning  *observability.LoopRunning
}

// New builds a Loop from cfg.
func New(cfg Config) *Loop {
	return &Loop{
		evmPollers:   cfg.EVMPollers,
		cosmosPoller: cfg.CosmosPoller,
		verify:       cfg.Verify,
		cancel:       cfg.Cancel,
		retryQueue:   cfg.RetryQueue,
		pollInterval: cfg.PollInterval,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		reach:        cfg.Reach,
		loopRunning:  cfg.LoopRunning,
	}
}

// Run blocks, executing one cycle immediately and then on every tick of
// PollInterval, until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l.loopRunning != nil {
		l.loopRunning.Set(true)
		defer l.loopRunning.Set(false)
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	l.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("watcher loop stopping")
			return
		case <-ticker.C:
			l.runCycle(ctx)
		}
	}
}

// runCycle executes one full drain-retry / poll / verify / cancel pass.
func (l *Loop) runCycle(ctx context.Context) {
	l.bus.Post(eventbus.TopicCycleStart, time.Now().Unix())
	l.verify.ResetCycleCache()

	for _, p := range l.evmPollers {
		p.VerifiedHashes.Reap()
		p.CancelledHashes.Reap()
	}
	if l.cosmosPoller != nil {
		l.cosmosPoller.VerifiedHashes.Reap()
		l.cosmosPoller.CancelledHashes.Reap()
	}

	var candidates []model.PendingApproval
	candidates = append(candidates, l.drainRetryQueue()...)

	for _, p := range l.evmPollers {
		found, to, err := p.Poll(ctx)
		if err != nil {
			log.Warn("evm poll failed", "chain_id", p.ChainID(), "err", err)
			if l.reach != nil {
				l.reach.MarkFailure(p.ChainID().String(), err.Error())
			}
			continue
		}
		if l.reach != nil {
			l.reach.MarkSuccess(p.ChainID().String())
		}
		if l.metrics != nil {
			l.metrics.ChainQueueDepth(p.ChainID()).Update(int64(len(found)))
		}
		for _, c := range found {
			candidates = append(candidates, c.Approval)
		}
		p.Advance(to)
	}

	if l.cosmosPoller != nil {
		found, err := l.cosmosPoller.Poll(ctx)
		if err != nil {
			log.Warn("cosmos poll failed", "err", err)
		} else {
			for _, c := range found {
				candidates = append(candidates, c.Approval)
			}
		}
	}

	results := l.verifyAll(ctx, candidates)

	for i, result := range results {
		approval := candidates[i]
		if l.metrics != nil {
			l.metrics.RecordVerification(result)
		}
		switch result {
		case model.ResultValid:
			// A correctly matching approval is left to execute on-chain, but
			// its hash is recorded so the owning poller never re-surfaces it.
			if caches, ok := l.cachesFor(approval.SourceChainID); ok {
				caches.verified.InsertHash(approval.WithdrawHash)
			}
		case model.ResultInvalid:
			if l.cancel.SubmitCancel(ctx, approval) {
				if caches, ok := l.cachesFor(approval.SourceChainID); ok {
					caches.cancelled.InsertHash(approval.WithdrawHash)
				}
				if l.metrics != nil {
					l.metrics.CancellationsSubmitted.Inc(1)
				}
			} else {
				l.requeue(approval)
			}
		case model.ResultPending:
			l.requeue(approval)
		}
	}

	if l.metrics != nil && l.retryQueue != nil {
		l.metrics.RetryQueueSize.Update(int64(l.retryQueue.Len()))
	}
	l.updateCacheSizeGauges()
}

// chainCaches bundles the verified/cancelled dedupe caches a single
// chain's poller owns.
type chainCaches struct {
	verified  *cache.BoundedHashCache
	cancelled *cache.BoundedHashCache
}

// cachesFor finds the dedupe cache pair owned by whichever poller
// discovered chainID's approvals, since that is the same pair the
// poller's own skip-check (evm.go/cosmos.go) consults on the next
// cycle. Each chain's pollers own an independent pair, so inserting
// here never touches another chain's scope.
func (l *Loop) cachesFor(chainID model.ChainID) (chainCaches, bool) {
	for _, p := range l.evmPollers {
		if p.ChainID() == chainID {
			return chainCaches{verified: p.VerifiedHashes, cancelled: p.CancelledHashes}, true
		}
	}
	if l.cosmosPoller != nil && l.cosmosPoller.ChainID() == chainID {
		return chainCaches{verified: l.cosmosPoller.VerifiedHashes, cancelled: l.cosmosPoller.CancelledHashes}, true
	}
	return chainCaches{}, false
}

// updateCacheSizeGauges sums every chain's independent verified/cancelled
// cache sizes into the aggregate gauges, since each chain now owns its
// own cache pair rather than sharing one instance.
func (l *Loop) updateCacheSizeGauges() {
	if l.metrics == nil {
		return
	}
	var verifiedTotal, cancelledTotal int64
	for _, p := range l.evmPollers {
		verifiedTotal += int64(p.VerifiedHashes.Len())
		cancelledTotal += int64(p.CancelledHashes.Len())
	}
	if l.cosmosPoller != nil {
		verifiedTotal += int64(l.cosmosPoller.VerifiedHashes.Len())
		cancelledTotal += int64(l.cosmosPoller.CancelledHashes.Len())
	}
	l.metrics.VerifiedCacheSize.Update(verifiedTotal)
	l.metrics.CancelledCacheSize.Update(cancelledTotal)
}

// drainRetryQueue removes and returns every entry currently in the
// retry queue, so each is re-verified exactly once per cycle rather
// than accumulating duplicate attempts.
func (l *Loop) drainRetryQueue() []model.PendingApproval {
	if l.retryQueue == nil {
		return nil
	}
	drained := l.retryQueue.TakeAll()
	out := make([]model.PendingApproval, 0, len(drained))
	for _, v := range drained {
		out = append(out, v)
	}
	l.bus.Post(eventbus.TopicRetryDrained, len(out))
	return out
}

func (l *Loop) requeue(approval model.PendingApproval) {
	if l.retryQueue == nil {
		return
	}
	l.retryQueue.Insert(approval.WithdrawHash, approval)
}

// verifyAll fans out Verify calls across a bounded worker pool; results
// are returned in the same order as candidates.
func (l *Loop) verifyAll(ctx context.Context, candidates []model.PendingApproval) []model.VerificationResult {
	results := make([]model.VerificationResult, len(candidates))
	if len(candidates) == 0 {
		return results
	}

	wp := workerpool.New(verifyConcurrency)
	for i, approval := range candidates {
		i, approval := i, approval
		wp.Submit(func() {
			results[i] = l.verify.Verify(ctx, approval)
		})
	}
	wp.StopWait()
	return results
}

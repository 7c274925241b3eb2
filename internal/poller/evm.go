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

// Package poller advances per-chain cursors and fetches newly approved
// withdrawals: EVMPoller scans WithdrawApprove log ranges and detects
// reorgs by log-index drift, CosmosPoller paginates the idempotent
// pending_withdrawals smart-query.
package poller

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/PlasticDigits/cl8y-watchtower/internal/cache"
	"github.com/PlasticDigits/cl8y-watchtower/internal/chainclient"
	"github.com/PlasticDigits/cl8y-watchtower/internal/eventbus"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// seenLogPosition identifies where a withdraw hash was last observed,
// used to detect a reorg (the same height no longer yielding the same
// event at the same log index).
type seenLogPosition struct {
	blockNumber uint64
	logIndex    uint
}

// EVMPoller scans one configured EVM chain for WithdrawApprove events.
// Each configured chain (local and peers) owns its own EVMPoller, its
// own cursor, and its own dedupe caches, so a reorg on one chain resets
// only that chain's scope.
type EVMPoller struct {
	chainID model.ChainID
	client  chainclient.EVM

	lookbackBlocks uint64
	maxRange       uint64

	mu             sync.Mutex
	cursor         uint64
	cursorInit     bool
	seenPositions  map[common.Hash]seenLogPosition

	VerifiedHashes  *cache.BoundedHashCache
	CancelledHashes *cache.BoundedHashCache

	resetCounter metrics.Counter
	bus          *eventbus.Bus
}

// NewEVMPoller builds a poller for chainID. VerifiedHashes/CancelledHashes
// must be supplied by the caller (sized per DEDUPE_CACHE_MAX_SIZE/TTL),
// one independent pair per chain, so a reorg on one chain never clears
// another chain's dedupe scope. bus may be nil (used by tests that don't
// care about lifecycle events).
func NewEVMPoller(chainID model.ChainID, client chainclient.EVM, lookbackBlocks, maxRange uint64, verified, cancelled *cache.BoundedHashCache, resetCounter metrics.Counter, bus *eventbus.Bus) *EVMPoller {
	return &EVMPoller{
		chainID:         chainID,
		client:          client,
		lookbackBlocks:  lookbackBlocks,
		maxRange:        maxRange,
		seenPositions:   make(map[common.Hash]seenLogPosition),
		VerifiedHashes:  verified,
		CancelledHashes: cancelled,
		resetCounter:    resetCounter,
		bus:             bus,
	}
}

// Candidate is a discovered approval not yet classified as verified or
// cancelled, ready for the Verifier.
type Candidate struct {
	Approval model.PendingApproval
}

// Poll reads the chain head, scans the next block range, and returns
// approvals not already present in the verified/cancelled caches. The
// cursor only advances after the caller has handed every candidate off
// (via Advance); Poll itself only sets the cursor when initializing it
// on the first call and when rewinding it after a detected reorg.
func (p *EVMPoller) Poll(ctx context.Context) ([]Candidate, uint64, error) {
	head, err := p.client.HeadNumber(ctx)
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	if !p.cursorInit {
		p.initCursorLocked(head)
	}
	from := p.cursor + 1
	p.mu.Unlock()

	if from > head {
		return nil, head, nil
	}
	to := head
	if to > from+p.maxRange-1 {
		to = from + p.maxRange - 1
	}

	approvals, err := p.client.FetchWithdrawApprovals(ctx, from, to)
	if err != nil {
		return nil, head, err
	}

	if p.detectReorg(approvals) {
		p.resetScope(head)
		if p.resetCounter != nil {
			p.resetCounter.Inc(1)
		}
		if p.bus != nil {
			p.bus.Post(eventbus.TopicChainReset, p.chainID)
		}
		log.Warn("evm chain reorg detected, resetting poller scope", "chain_id", p.chainID, "head", head)
		// Return the rewound cursor, so the caller's Advance leaves it there.
		p.mu.Lock()
		rewound := p.cursor
		p.mu.Unlock()
		return nil, rewound, nil
	}

	out := make([]Candidate, 0, len(approvals))
	for _, a := range approvals {
		if p.VerifiedHashes.Contains(a.WithdrawHash) || p.CancelledHashes.Contains(a.WithdrawHash) {
			continue
		}
		out = append(out, Candidate{Approval: a})
	}

	p.recordPositions(approvals)
	return out, to, nil
}

// Advance moves the cursor to to, only once the caller has finished
// handing every candidate from this range to the Verifier/Canceler or
// the retry queue.
func (p *EVMPoller) Advance(to uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if to > p.cursor {
		p.cursor = to
	}
}

func (p *EVMPoller) initCursorLocked(head uint64) {
	if head > p.lookbackBlocks {
		p.cursor = head - p.lookbackBlocks
	} else {
		p.cursor = 0
	}
	p.cursorInit = true
}

// detectReorg reports whether any re-observed withdraw hash now sits at
// a different (block, log-index) position than previously recorded —
// the signature of a reorg re-exposing the same event at a different
// place in the chain.
func (p *EVMPoller) detectReorg(approvals []model.PendingApproval) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range approvals {
		prev, ok := p.seenPositions[a.WithdrawHash]
		if !ok {
			continue
		}
		if prev.blockNumber != a.BlockNumber || prev.logIndex != a.LogIndex {
			return true
		}
	}
	return false
}

func (p *EVMPoller) recordPositions(approvals []model.PendingApproval) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range approvals {
		p.seenPositions[a.WithdrawHash] = seenLogPosition{blockNumber: a.BlockNumber, logIndex: a.LogIndex}
	}
}

// resetScope clears this chain's dedupe caches and reinitializes the
// cursor to head - lookback, per spec.md §4.5 step 6. Retry queue
// entries matching this chain's dest_chain_id are the watcher's
// responsibility to drop, since the queue is shared across chains.
func (p *EVMPoller) resetScope(head uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VerifiedHashes.Clear()
	p.CancelledHashes.Clear()
	p.seenPositions = make(map[common.Hash]seenLogPosition)
	p.initCursorLocked(head)
}

// ChainID returns the chain this poller scans, for the watcher's
// retry-queue reset-by-chain filtering.
func (p *EVMPoller) ChainID() model.ChainID { return p.chainID }

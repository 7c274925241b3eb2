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

package poller

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/PlasticDigits/cl8y-watchtower/internal/cache"
	"github.com/PlasticDigits/cl8y-watchtower/internal/canceler"
	"github.com/PlasticDigits/cl8y-watchtower/internal/chainclient"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// CosmosPoller paginates the idempotent pending_withdrawals smart-query.
// Unlike the EVM poller it holds no cursor: the bridge re-exposes the
// same pending set every cycle, so dedupe is entirely the caller's
// verified/cancelled cache responsibility.
type CosmosPoller struct {
	chainID  model.ChainID
	client   chainclient.Cosmos
	pageSize int
	maxPages int

	VerifiedHashes  *cache.BoundedHashCache
	CancelledHashes *cache.BoundedHashCache

	unprocessedGauge metrics.Gauge
}

// NewCosmosPoller builds a poller against client, paginating pageSize
// items per call up to maxPages per cycle. verified/cancelled must be
// this chain's own pair, independent of any other configured chain's.
func NewCosmosPoller(chainID model.ChainID, client chainclient.Cosmos, pageSize, maxPages int, verified, cancelled *cache.BoundedHashCache, unprocessedGauge metrics.Gauge) *CosmosPoller {
	return &CosmosPoller{
		chainID:          chainID,
		client:           client,
		pageSize:         pageSize,
		maxPages:         maxPages,
		VerifiedHashes:   verified,
		CancelledHashes:  cancelled,
		unprocessedGauge: unprocessedGauge,
	}
}

// ChainID returns the chain this poller scans.
func (p *CosmosPoller) ChainID() model.ChainID { return p.chainID }

// Poll fetches every page of pending withdrawals up to maxPages,
// returns the undedupeed candidates sorted oldest-approved-first. If the
// page cap is hit before the bridge runs out of items, the remainder is
// reported via the unprocessed gauge and a warn log, per spec.md §4.6
// step 2.
func (p *CosmosPoller) Poll(ctx context.Context) ([]Candidate, error) {
	var all []model.PendingApproval
	startAfter := ""
	pages := 0

	for {
		page, err := p.client.PendingWithdrawals(ctx, p.pageSize, startAfter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		pages++

		if len(page) < p.pageSize {
			if p.unprocessedGauge != nil {
				p.unprocessedGauge.Update(0)
			}
			break
		}
		if pages >= p.maxPages {
			remainder := p.countRemainder(ctx, page[len(page)-1].WithdrawHash.Hex())
			if p.unprocessedGauge != nil {
				p.unprocessedGauge.Update(int64(remainder))
			}
			log.Warn("cosmos poller hit page cap with remainder outstanding", "pages", pages, "remainder", remainder)
			break
		}
		startAfter = page[len(page)-1].WithdrawHash.Hex()
	}

	all = canceler.OrderOldestFirst(all)

	out := make([]Candidate, 0, len(all))
	for _, a := range all {
		if p.VerifiedHashes.Contains(a.WithdrawHash) || p.CancelledHashes.Contains(a.WithdrawHash) {
			continue
		}
		out = append(out, Candidate{Approval: a})
	}
	return out, nil
}

// countRemainder is called once the page cap is hit, to find the true
// outstanding count rather than just reporting the last fetched page's
// size. The pending_withdrawals response carries no total-count field,
// so the only way to learn the remainder is to keep paginating past the
// cap, counting without adding to this cycle's candidates, until a
// short page signals the bridge has no more pending withdrawals. A
// fetch error here just stops the count early; it is best-effort
// observability, not a cycle failure.
func (p *CosmosPoller) countRemainder(ctx context.Context, startAfter string) int {
	remainder := 0
	for {
		page, err := p.client.PendingWithdrawals(ctx, p.pageSize, startAfter)
		if err != nil {
			log.Warn("cosmos poller failed counting remainder past page cap", "err", err)
			return remainder
		}
		remainder += len(page)
		if len(page) < p.pageSize {
			return remainder
		}
		startAfter = page[len(page)-1].WithdrawHash.Hex()
	}
}

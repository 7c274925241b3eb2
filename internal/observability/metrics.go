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

package observability

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// Metrics is the watchtower's full go-ethereum/metrics registry surface,
// per spec.md §4.9: one queue-depth gauge per chain, aggregate gauges
// for the cache sizes, counters for cancellations, breaker trips, and
// verification outcomes by result. Per-chain gauges are created lazily since the chain set is
// only known once config.Load has run.
type Metrics struct {
	registry metrics.Registry

	mu              sync.Mutex
	chainQueueDepth map[model.ChainID]metrics.Gauge

	UnprocessedApprovals metrics.Gauge
	VerifiedCacheSize    metrics.Gauge
	CancelledCacheSize   metrics.Gauge
	RetryQueueSize       metrics.Gauge

	BreakerTrips           metrics.Counter
	CancellationsSubmitted metrics.Counter
	ChainResets            metrics.Counter
	CacheCapacityWarnings  metrics.Counter

	VerificationsValid   metrics.Counter
	VerificationsInvalid metrics.Counter
	VerificationsPending metrics.Counter
}

// New registers every watchtower metric under go-ethereum's default
// metrics registry, the way the teacher registers its own eth/, les/,
// p2p/ metrics: package-level registration through metrics.NewRegisteredX.
func New() *Metrics {
	r := metrics.DefaultRegistry
	return &Metrics{
		registry:               r,
		chainQueueDepth:        make(map[model.ChainID]metrics.Gauge),
		UnprocessedApprovals:   metrics.NewRegisteredGauge("watchtower/cosmos/unprocessed_approvals", r),
		VerifiedCacheSize:      metrics.NewRegisteredGauge("watchtower/cache/verified_size", r),
		CancelledCacheSize:     metrics.NewRegisteredGauge("watchtower/cache/cancelled_size", r),
		RetryQueueSize:         metrics.NewRegisteredGauge("watchtower/retry_queue/size", r),
		BreakerTrips:           metrics.NewRegisteredCounter("watchtower/canceler/breaker_trips", r),
		CancellationsSubmitted: metrics.NewRegisteredCounter("watchtower/canceler/cancellations_submitted", r),
		ChainResets:            metrics.NewRegisteredCounter("watchtower/poller/chain_resets", r),
		CacheCapacityWarnings:  metrics.NewRegisteredCounter("watchtower/cache/capacity_warnings", r),
		VerificationsValid:     metrics.NewRegisteredCounter("watchtower/verifier/result_valid", r),
		VerificationsInvalid:   metrics.NewRegisteredCounter("watchtower/verifier/result_invalid", r),
		VerificationsPending:   metrics.NewRegisteredCounter("watchtower/verifier/result_pending", r),
	}
}

// ChainQueueDepth returns (creating on first use) the pending-candidate
// queue-depth gauge for chainID.
func (m *Metrics) ChainQueueDepth(chainID model.ChainID) metrics.Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.chainQueueDepth[chainID]; ok {
		return g
	}
	g := metrics.NewRegisteredGauge(fmt.Sprintf("watchtower/poller/%s/queue_depth", chainID), m.registry)
	m.chainQueueDepth[chainID] = g
	return g
}

// RecordVerification increments the counter matching result.
func (m *Metrics) RecordVerification(result model.VerificationResult) {
	switch result {
	case model.ResultValid:
		m.VerificationsValid.Inc(1)
	case model.ResultInvalid:
		m.VerificationsInvalid.Inc(1)
	case model.ResultPending:
		m.VerificationsPending.Inc(1)
	}
}

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

// Package observability serves /health, /readyz and /metrics. Its
// per-check "OK"/"DISABLED"/"ERROR: ..." string contract is grounded on
// the teacher's own health package, generalized from per-eth-node
// checks (synced, peer count, block age) to per-chain watchtower
// readiness checks (has this chain's endpoint ever been reached).
package observability

import (
	"net/http"
	"sync"
)

// CheckResult is one named check's outcome string: "OK", "DISABLED", or
// "ERROR: <detail>", mirroring the teacher's health check contract.
type CheckResult = string

const ResultOK CheckResult = "OK"

func errorResult(detail string) CheckResult {
	return "ERROR: " + detail
}

// ChainReachability tracks whether a configured chain endpoint has ever
// been contacted successfully, the readiness signal /readyz reports.
type ChainReachability struct {
	mu       sync.RWMutex
	reached  map[string]bool
	lastErr  map[string]string
}

// NewChainReachability builds an empty tracker for the given chain
// labels (chain ids as strings).
func NewChainReachability(labels []string) *ChainReachability {
	r := &ChainReachability{
		reached: make(map[string]bool, len(labels)),
		lastErr: make(map[string]string, len(labels)),
	}
	for _, l := range labels {
		r.reached[l] = false
	}
	return r
}

// MarkSuccess records that chain was reached.
func (r *ChainReachability) MarkSuccess(chain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reached[chain] = true
	delete(r.lastErr, chain)
}

// MarkFailure records the most recent failure reaching chain, without
// clearing a prior success — readiness only needs "ever reached", not
// "currently healthy".
func (r *ChainReachability) MarkFailure(chain string, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr[chain] = detail
}

// Check returns this chain's readiness check result.
func (r *ChainReachability) Check(chain string) CheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reached[chain] {
		return ResultOK
	}
	if detail, ok := r.lastErr[chain]; ok {
		return errorResult(detail)
	}
	return errorResult("not yet contacted")
}

// AllReady reports whether every tracked chain has been reached at
// least once.
func (r *ChainReachability) AllReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ok := range r.reached {
		if !ok {
			return false
		}
	}
	return true
}

// LoopRunning is a simple liveness flag the WatcherLoop flips once it
// starts its first cycle, backing /health's "always 200 while running"
// contract.
type LoopRunning struct {
	mu      sync.RWMutex
	running bool
}

func (l *LoopRunning) Set(running bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = running
}

func (l *LoopRunning) Get() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// healthHandler serves /health: 200 while the loop is running, 503
// otherwise.
func healthHandler(loop *LoopRunning) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if loop.Get() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(ResultOK))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(errorResult("loop not running")))
	}
}

// readyHandler serves /readyz: 200 once every configured chain has been
// contacted at least once, else 503 with the per-chain breakdown.
func readyHandler(reach *ChainReachability, chains []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !reach.AllReady() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte("{"))
		for i, chain := range chains {
			if i > 0 {
				w.Write([]byte(","))
			}
			w.Write([]byte(`"` + chain + `":"` + reach.Check(chain) + `"`))
		}
		w.Write([]byte("}"))
	}
}

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
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/stretchr/testify/require"

	"github.com/PlasticDigits/cl8y-watchtower/internal/cache"
	"github.com/PlasticDigits/cl8y-watchtower/internal/chainclient"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

type stubEVM struct {
	chainclient.EVM
	head       uint64
	approvals  map[[2]uint64][]model.PendingApproval
	fetchCalls []([2]uint64)
}

func (s *stubEVM) HeadNumber(ctx context.Context) (uint64, error) {
	return s.head, nil
}

func (s *stubEVM) FetchWithdrawApprovals(ctx context.Context, from, to uint64) ([]model.PendingApproval, error) {
	s.fetchCalls = append(s.fetchCalls, [2]uint64{from, to})
	return s.approvals[[2]uint64{from, to}], nil
}

func newCaches() (*cache.BoundedHashCache, *cache.BoundedHashCache) {
	return cache.NewHashCache("verified", 100, time.Hour, nil, nil), cache.NewHashCache("cancelled", 100, time.Hour, nil, nil)
}

func TestPollInitializesCursorFromLookback(t *testing.T) {
	stub := &stubEVM{head: 1000}
	verified, cancelled := newCaches()
	p := NewEVMPoller(model.ChainIDFromUint32(1), stub, 200, 500, verified, cancelled, nil, nil)

	_, to, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1000), to)
	require.Len(t, stub.fetchCalls, 1)
	require.Equal(t, uint64(801), stub.fetchCalls[0][0], "cursor starts at head-lookback, scan begins at cursor+1")
}

func TestPollSkipsAlreadyVerifiedHashes(t *testing.T) {
	stub := &stubEVM{head: 1000}
	hash := common.HexToHash("0xaa")
	verified, cancelled := newCaches()
	verified.InsertHash(hash)

	p := NewEVMPoller(model.ChainIDFromUint32(1), stub, 200, 500, verified, cancelled, nil, nil)
	from := uint64(801)
	to := uint64(1000)
	stub.approvals = map[[2]uint64][]model.PendingApproval{
		{from, to}: {{WithdrawHash: hash}},
	}

	candidates, _, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestPollRangeCappedByMaxRange(t *testing.T) {
	stub := &stubEVM{head: 10000}
	verified, cancelled := newCaches()
	p := NewEVMPoller(model.ChainIDFromUint32(1), stub, 10000, 500, verified, cancelled, nil, nil)

	_, to, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(500), to, "range is capped to maxRange blocks from cursor+1")
}

func TestAdvanceOnlyMovesForward(t *testing.T) {
	stub := &stubEVM{head: 1000}
	verified, cancelled := newCaches()
	p := NewEVMPoller(model.ChainIDFromUint32(1), stub, 200, 500, verified, cancelled, nil, nil)
	p.Poll(context.Background())

	p.Advance(900)
	p.Advance(500)
	require.Equal(t, uint64(900), p.cursor)
}

func TestReorgResetsCachesAndCursor(t *testing.T) {
	stub := &stubEVM{head: 1000}
	hash := common.HexToHash("0xaa")
	verified, cancelled := newCaches()
	verified.InsertHash(common.HexToHash("0xbb"))
	trips := metrics.NewCounter()

	p := NewEVMPoller(model.ChainIDFromUint32(1), stub, 200, 500, verified, cancelled, trips, nil)
	from, to := uint64(801), uint64(1000)
	stub.approvals = map[[2]uint64][]model.PendingApproval{
		{from, to}: {{WithdrawHash: hash, BlockNumber: 850, LogIndex: 2}},
	}
	_, _, err := p.Poll(context.Background())
	require.NoError(t, err)

	stub.approvals[[2]uint64{1001, 1000}] = nil
	p.Advance(1000)

	stub.head = 1000
	stub.approvals = map[[2]uint64][]model.PendingApproval{
		{1001, 1000}: nil,
	}
	// Simulate a reorg: same hash reappears at a different log index in a fresh poll.
	p.cursor = 800
	stub.approvals = map[[2]uint64][]model.PendingApproval{
		{801, 1000}: {{WithdrawHash: hash, BlockNumber: 850, LogIndex: 5}},
	}
	_, _, err = p.Poll(context.Background())
	require.NoError(t, err)

	require.False(t, verified.Contains(common.HexToHash("0xbb")), "reorg must clear this chain's dedupe caches")
	require.Equal(t, int64(1), trips.Snapshot().Count())
}

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

package watcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/PlasticDigits/cl8y-watchtower/internal/bridgehash"
	"github.com/PlasticDigits/cl8y-watchtower/internal/cache"
	"github.com/PlasticDigits/cl8y-watchtower/internal/canceler"
	"github.com/PlasticDigits/cl8y-watchtower/internal/chainclient"
	"github.com/PlasticDigits/cl8y-watchtower/internal/eventbus"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
	"github.com/PlasticDigits/cl8y-watchtower/internal/poller"
	"github.com/PlasticDigits/cl8y-watchtower/internal/resolver"
	"github.com/PlasticDigits/cl8y-watchtower/internal/verifier"
)

var localChain = model.ChainIDFromUint32(1)
var peerChain = model.ChainIDFromUint32(2)

type stubEVM struct {
	chainclient.EVM
	head      uint64
	approvals []model.PendingApproval
	deposits  map[common.Hash]model.DepositRecord
	canCancel bool
	submitted []common.Hash
}

func (s *stubEVM) HeadNumber(ctx context.Context) (uint64, error) { return s.head, nil }

func (s *stubEVM) FetchWithdrawApprovals(ctx context.Context, from, to uint64) ([]model.PendingApproval, error) {
	return s.approvals, nil
}

func (s *stubEVM) GetDeposit(ctx context.Context, hash common.Hash) (*model.DepositRecord, bool, error) {
	rec, ok := s.deposits[hash]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (s *stubEVM) CanCancel(ctx context.Context, hash common.Hash) (bool, error) {
	return s.canCancel, nil
}

func (s *stubEVM) SubmitCancel(ctx context.Context, hash common.Hash) error {
	s.submitted = append(s.submitted, hash)
	return nil
}

func depositHash(t *testing.T, rec model.DepositRecord) common.Hash {
	t.Helper()
	h, err := bridgehash.Hash(rec, model.ChainKindEVM)
	require.NoError(t, err)
	return h
}

func TestRunCycleCancelsInvalidAndLeavesValidAlone(t *testing.T) {
	validDeposit := model.DepositRecord{SourceChainID: localChain, DestChainID: peerChain, Token: "0xaaaa", Recipient: "0xbbbb", Amount: big.NewInt(100), Nonce: 1}
	validHash := depositHash(t, validDeposit)

	source := &stubEVM{
		head:     1000,
		deposits: map[common.Hash]model.DepositRecord{validHash: validDeposit},
	}
	dest := &stubEVM{head: 1000, canCancel: true}

	source.approvals = []model.PendingApproval{
		{WithdrawHash: validHash, SourceChainID: localChain, DestChainID: peerChain, Nonce: 1, Amount: big.NewInt(100), ApprovedAtUnix: 1, BlockNumber: 900, LogIndex: 0},
		{WithdrawHash: common.HexToHash("0xdead"), SourceChainID: localChain, DestChainID: peerChain, Nonce: 2, Amount: big.NewInt(1), ApprovedAtUnix: 2, BlockNumber: 901, LogIndex: 1},
	}

	res := resolver.NewForTest(map[model.ChainID]resolver.Endpoint{
		localChain: {Kind: model.ChainKindEVM, EVM: source},
		peerChain:  {Kind: model.ChainKindEVM, EVM: dest},
	})

	verified := cache.NewHashCache("verified", 100, time.Hour, nil, nil)
	cancelled := cache.NewHashCache("cancelled", 100, time.Hour, nil, nil)
	evmPoller := poller.NewEVMPoller(localChain, source, 200, 500, verified, cancelled, nil, nil)

	v := verifier.New(res, 0, 0)
	c := canceler.New(res, localChain, 1, 10, nil, nil)
	retryQueue := cache.New[model.PendingApproval]("retry", 100, time.Hour, nil, nil)

	loop := New(Config{
		EVMPollers:   []*poller.EVMPoller{evmPoller},
		Verify:       v,
		Cancel:       c,
		RetryQueue:   retryQueue,
		PollInterval: time.Hour,
		Bus:          eventbus.New(4),
	})

	loop.runCycle(context.Background())

	require.Len(t, dest.submitted, 1, "only the fraudulent approval must be cancelled")
	require.Equal(t, common.HexToHash("0xdead"), dest.submitted[0])
	require.Equal(t, 0, retryQueue.Len(), "neither a valid nor a cancelled approval should end up in the retry queue")
	require.True(t, verified.Contains(validHash), "a Valid approval's hash must land in verified_hashes")
	require.True(t, cancelled.Contains(common.HexToHash("0xdead")), "a successfully cancelled approval's hash must land in cancelled_hashes")

	loop.runCycle(context.Background())
	require.Len(t, dest.submitted, 1, "an already-cancelled hash must not be resubmitted on the next cycle")
}

type flakyEVM struct {
	chainclient.EVM
	fail bool
}

func (f *flakyEVM) HeadNumber(ctx context.Context) (uint64, error) {
	if f.fail {
		return 0, errors.New("rpc unavailable")
	}
	return 1000, nil
}

func (f *flakyEVM) FetchWithdrawApprovals(ctx context.Context, from, to uint64) ([]model.PendingApproval, error) {
	return nil, nil
}

func (f *flakyEVM) GetDeposit(ctx context.Context, hash common.Hash) (*model.DepositRecord, bool, error) {
	return nil, false, errors.New("rpc unavailable")
}

func TestRunCyclePendingResultsAreRequeued(t *testing.T) {
	source := &flakyEVM{}
	res := resolver.NewForTest(map[model.ChainID]resolver.Endpoint{
		localChain: {Kind: model.ChainKindEVM, EVM: source},
	})

	verified := cache.NewHashCache("verified", 100, time.Hour, nil, nil)
	cancelled := cache.NewHashCache("cancelled", 100, time.Hour, nil, nil)
	evmPoller := poller.NewEVMPoller(localChain, source, 200, 500, verified, cancelled, nil, nil)

	retryQueue := cache.New[model.PendingApproval]("retry", 100, time.Hour, nil, nil)
	retryQueue.Insert(common.HexToHash("0x1"), model.PendingApproval{WithdrawHash: common.HexToHash("0x1"), SourceChainID: localChain})

	v := verifier.New(res, 0, 0)
	c := canceler.New(res, localChain, 1, 10, nil, nil)

	loop := New(Config{
		EVMPollers:   []*poller.EVMPoller{evmPoller},
		Verify:       v,
		Cancel:       c,
		RetryQueue:   retryQueue,
		PollInterval: time.Hour,
		Bus:          eventbus.New(4),
	})

	loop.runCycle(context.Background())

	require.Equal(t, 1, retryQueue.Len(), "a transport-error verification must be requeued, not dropped")
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	res := resolver.NewForTest(map[model.ChainID]resolver.Endpoint{})
	v := verifier.New(res, 0, 0)
	c := canceler.New(res, localChain, 1, 10, nil, nil)
	retryQueue := cache.New[model.PendingApproval]("retry", 100, time.Hour, nil, nil)

	loop := New(Config{
		Verify:       v,
		Cancel:       c,
		RetryQueue:   retryQueue,
		PollInterval: time.Millisecond,
		Bus:          eventbus.New(4),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

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

package verifier

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/PlasticDigits/cl8y-watchtower/internal/bridgehash"
	"github.com/PlasticDigits/cl8y-watchtower/internal/chainclient"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
	"github.com/PlasticDigits/cl8y-watchtower/internal/resolver"
)

type stubEVM struct {
	chainclient.EVM
	record *model.DepositRecord
	found  bool
	err    error
}

func (s *stubEVM) GetDeposit(ctx context.Context, withdrawHash common.Hash) (*model.DepositRecord, bool, error) {
	return s.record, s.found, s.err
}

func newTestResolver(t *testing.T, known map[model.ChainID]resolver.Endpoint) *resolver.Resolver {
	t.Helper()
	return resolver.NewForTest(known)
}

func TestVerifyUnknownSourceChainIsInvalid(t *testing.T) {
	r := newTestResolver(t, map[model.ChainID]resolver.Endpoint{})
	v := New(r, 0, 0)

	approval := model.PendingApproval{SourceChainID: model.ChainIDFromUint32(99), WithdrawHash: common.HexToHash("0xaa")}
	require.Equal(t, model.ResultInvalid, v.Verify(context.Background(), approval))
}

func TestVerifyNoDepositRecordIsInvalid(t *testing.T) {
	src := model.ChainIDFromUint32(2)
	r := newTestResolver(t, map[model.ChainID]resolver.Endpoint{
		src: {Kind: model.ChainKindEVM, EVM: &stubEVM{found: false}},
	})
	v := New(r, 0, 0)

	approval := model.PendingApproval{SourceChainID: src, WithdrawHash: common.HexToHash("0xaa")}
	require.Equal(t, model.ResultInvalid, v.Verify(context.Background(), approval))
}

func TestVerifyTransportErrorIsPending(t *testing.T) {
	src := model.ChainIDFromUint32(2)
	r := newTestResolver(t, map[model.ChainID]resolver.Endpoint{
		src: {Kind: model.ChainKindEVM, EVM: &stubEVM{err: errors.New("dial tcp: connection refused")}},
	})
	v := New(r, 0, 0)

	approval := model.PendingApproval{SourceChainID: src, WithdrawHash: common.HexToHash("0xaa")}
	require.Equal(t, model.ResultPending, v.Verify(context.Background(), approval))
}

func TestVerifyMatchingHashIsValid(t *testing.T) {
	src := model.ChainIDFromUint32(2)
	dest := model.ChainIDFromUint32(1)
	record := model.DepositRecord{
		SourceChainID: src,
		DestChainID:   dest,
		Token:         "0x000000000000000000000000000000000000aa",
		Recipient:     "0x000000000000000000000000000000000000bb",
		Amount:        big.NewInt(1_000_000),
		Nonce:         7,
	}
	hash, err := bridgehash.Hash(record, model.ChainKindEVM)
	require.NoError(t, err)

	r := newTestResolver(t, map[model.ChainID]resolver.Endpoint{
		src:  {Kind: model.ChainKindEVM, EVM: &stubEVM{record: &record, found: true}},
		dest: {Kind: model.ChainKindEVM},
	})
	v := New(r, 0, 0)

	approval := model.PendingApproval{SourceChainID: src, DestChainID: dest, WithdrawHash: hash}
	require.Equal(t, model.ResultValid, v.Verify(context.Background(), approval))
}

func TestVerifyMismatchedHashIsInvalid(t *testing.T) {
	src := model.ChainIDFromUint32(2)
	dest := model.ChainIDFromUint32(1)
	record := model.DepositRecord{
		SourceChainID: src,
		DestChainID:   dest,
		Token:         "0x000000000000000000000000000000000000aa",
		Recipient:     "0x000000000000000000000000000000000000bb",
		Amount:        big.NewInt(1_000_000),
		Nonce:         7,
	}

	r := newTestResolver(t, map[model.ChainID]resolver.Endpoint{
		src:  {Kind: model.ChainKindEVM, EVM: &stubEVM{record: &record, found: true}},
		dest: {Kind: model.ChainKindEVM},
	})
	v := New(r, 0, 0)

	approval := model.PendingApproval{SourceChainID: src, DestChainID: dest, WithdrawHash: common.HexToHash("0xdeadbeef")}
	require.Equal(t, model.ResultInvalid, v.Verify(context.Background(), approval))
}

func TestVerifyCachesDepositWithinCycle(t *testing.T) {
	src := model.ChainIDFromUint32(2)
	stub := &stubEVM{found: false}
	r := newTestResolver(t, map[model.ChainID]resolver.Endpoint{
		src: {Kind: model.ChainKindEVM, EVM: stub},
	})
	v := New(r, 0, 0)

	approval := model.PendingApproval{SourceChainID: src, WithdrawHash: common.HexToHash("0xaa")}
	v.Verify(context.Background(), approval)
	stub.err = errors.New("should not be called again")
	require.Equal(t, model.ResultInvalid, v.Verify(context.Background(), approval), "second verify must hit the per-cycle cache, not the stub's error path")

	v.ResetCycleCache()
}

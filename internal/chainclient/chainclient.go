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

// Package chainclient defines the polymorphic capability sets the
// Verifier, Canceler and pollers depend on (fetch_logs/call_view/
// broadcast_tx for EVM, smart_query/broadcast_msg for Cosmos), and the
// resilience helpers both concrete clients share. The shutdown/retry
// shape is adapted from the teacher's Heimdall client
// (closeCh/ErrShutdownDetected/fetchWithRetry), retargeted at EVM
// eth_getLogs/eth_call/eth_sendRawTransaction and Cosmos LCD
// smart-queries plus Tendermint RPC broadcast instead of Heimdall's
// checkpoint/span/state-sync endpoints.
package chainclient

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// ErrShutdownDetected is returned by a retrying call interrupted by the
// client's closeCh, mirroring the teacher's heimdall.ErrShutdownDetected.
var ErrShutdownDetected = errors.New("chainclient: shutdown detected")

// EVM is the capability set the Verifier and Canceler require from an
// EVM-compatible chain's bridge contract.
type EVM interface {
	// HeadNumber returns the chain's current block height.
	HeadNumber(ctx context.Context) (uint64, error)
	// FetchWithdrawApprovals scans WithdrawApprove events in
	// [fromBlock, toBlock], both inclusive.
	FetchWithdrawApprovals(ctx context.Context, fromBlock, toBlock uint64) ([]model.PendingApproval, error)
	// GetDeposit fetches the source bridge's deposit record for hash, if
	// any.
	GetDeposit(ctx context.Context, withdrawHash common.Hash) (*model.DepositRecord, bool, error)
	// CanCancel is the EVM pre-check read-only call.
	CanCancel(ctx context.Context, withdrawHash common.Hash) (bool, error)
	// SubmitCancel broadcasts an authenticated withdrawCancel(hash) tx.
	SubmitCancel(ctx context.Context, withdrawHash common.Hash) error
	Close()
}

// Cosmos is the capability set the Verifier and Canceler require from
// the Terra Classic bridge contract.
type Cosmos interface {
	// PendingWithdrawals runs one page of the pending_withdrawals
	// smart-query.
	PendingWithdrawals(ctx context.Context, limit int, startAfter string) ([]model.PendingApproval, error)
	GetDeposit(ctx context.Context, withdrawHash common.Hash) (*model.DepositRecord, bool, error)
	CanCancel(ctx context.Context, withdrawHash common.Hash) (bool, error)
	SubmitCancel(ctx context.Context, withdrawHash common.Hash) error
	Close()
}

// withRetry runs fn up to maxRetries additional times with exponential
// backoff starting at baseDelay, stopping early on ctx cancellation or
// closeCh closing.
func withRetry(ctx context.Context, closeCh <-chan struct{}, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closeCh:
			return ErrShutdownDetected
		case <-time.After(delay):
		}
		delay *= 2
	}
}

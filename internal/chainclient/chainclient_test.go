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

package chainclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithRetrySucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), make(chan struct{}), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetryExhaustsAndReturnsUnderlyingError(t *testing.T) {
	wantErr := errors.New("boom")
	calls := 0
	err := withRetry(context.Background(), make(chan struct{}), 2, time.Millisecond, func() error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 3, calls, "initial attempt plus 2 retries")
}

func TestWithRetryRecoversOnLaterAttempt(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), make(chan struct{}), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetryStopsOnShutdown(t *testing.T) {
	closeCh := make(chan struct{})
	close(closeCh)
	err := withRetry(context.Background(), closeCh, 5, time.Millisecond, func() error {
		return errors.New("always fails")
	})
	require.ErrorIs(t, err, ErrShutdownDetected)
}

func TestWithRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, make(chan struct{}), 5, time.Millisecond, func() error {
		return errors.New("always fails")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSmartQueryURLEncodesPayload(t *testing.T) {
	u, err := smartQueryURL("https://lcd.example.com", "terra1contractaddr", pendingWithdrawalsQuery{
		PendingWithdrawals: pendingWithdrawalsArgs{Limit: 50},
	})
	require.NoError(t, err)
	require.Contains(t, u.String(), "https://lcd.example.com/cosmwasm/wasm/v1/contract/terra1contractaddr/smart/")
	require.NotContains(t, u.String(), "pending_withdrawals", "query body must be base64-encoded, not inlined")
}

func TestSmartQueryURLTrimsTrailingSlash(t *testing.T) {
	u, err := smartQueryURL("https://lcd.example.com/", "terra1contractaddr", canCancelQuery{})
	require.NoError(t, err)
	require.NotContains(t, u.String(), "//cosmwasm")
}

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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthHandlerReflectsLoopRunning(t *testing.T) {
	loop := &LoopRunning{}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	rec := httptest.NewRecorder()
	healthHandler(loop)(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	loop.Set(true)
	rec = httptest.NewRecorder()
	healthHandler(loop)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ResultOK, rec.Body.String())
}

func TestReadyHandlerRequiresEveryChainReached(t *testing.T) {
	reach := NewChainReachability([]string{"1", "2"})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	rec := httptest.NewRecorder()
	readyHandler(reach, []string{"1", "2"})(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "not yet contacted")

	reach.MarkSuccess("1")
	rec = httptest.NewRecorder()
	readyHandler(reach, []string{"1", "2"})(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	reach.MarkSuccess("2")
	rec = httptest.NewRecorder()
	readyHandler(reach, []string{"1", "2"})(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"1":"OK"`)
}

func TestChainReachabilityFailureDoesNotClearPriorSuccess(t *testing.T) {
	reach := NewChainReachability([]string{"1"})
	reach.MarkSuccess("1")
	reach.MarkFailure("1", "rpc timeout")
	require.True(t, reach.AllReady(), "readiness is ever-reached, not currently-healthy")
	require.Equal(t, ResultOK, reach.Check("1"))
}

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

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"THIS_CHAIN_ID", "EVM_RPC_URL", "EVM_BRIDGE", "TERRA_LCD_URL", "TERRA_RPC_URL",
		"TERRA_BRIDGE", "POLL_INTERVAL_SECS", "HEALTH_BIND_ADDRESS",
		"PEER_EVM_2_RPC_URL", "PEER_EVM_2_BRIDGE",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("THIS_CHAIN_ID", "1"))
	require.NoError(t, os.Setenv("EVM_RPC_URL", "https://rpc.example.com"))
	t.Cleanup(func() { clearEnv(t) })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultPollIntervalSecs, cfg.PollIntervalSecs)
	require.Equal(t, uint64(defaultEVMLogMaxRange), cfg.EVMLogMaxRange)
	require.Equal(t, defaultHealthBindAddress, cfg.HealthBindAddress)
}

func TestLoadMissingEVMRPCURLIsConfigError(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("THIS_CHAIN_ID", "1"))
	t.Cleanup(func() { clearEnv(t) })

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsNonHTTPScheme(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("THIS_CHAIN_ID", "1"))
	require.NoError(t, os.Setenv("EVM_RPC_URL", "ws://rpc.example.com"))
	t.Cleanup(func() { clearEnv(t) })

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadParsesPeerEVMs(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("THIS_CHAIN_ID", "1"))
	require.NoError(t, os.Setenv("EVM_RPC_URL", "https://rpc.example.com"))
	require.NoError(t, os.Setenv("PEER_EVM_2_RPC_URL", "https://peer.example.com"))
	require.NoError(t, os.Setenv("PEER_EVM_2_BRIDGE", "0x00000000000000000000000000000000000002"))
	t.Cleanup(func() { clearEnv(t) })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.PeerEVMs, 1)
	require.Equal(t, "https://peer.example.com", cfg.PeerEVMs[0].RPCURL)
}

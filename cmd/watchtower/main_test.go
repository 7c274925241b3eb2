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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PlasticDigits/cl8y-watchtower/internal/config"
	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

func TestTrimHexPrefix(t *testing.T) {
	require.Equal(t, "abcd", trimHexPrefix("0xabcd"))
	require.Equal(t, "abcd", trimHexPrefix("abcd"))
	require.Equal(t, "abcd", trimHexPrefix("0Xabcd"))
}

func TestChainLabelsIncludesPeersAndCosmosOnlyWhenConfigured(t *testing.T) {
	cfg := &config.Config{
		ThisChainID: model.ChainIDFromUint32(1),
		PeerEVMs: []config.PeerEVM{
			{ChainID: model.ChainIDFromUint32(2)},
			{ChainID: model.ChainIDFromUint32(3)},
		},
	}
	require.Len(t, chainLabels(cfg), 3, "cosmos is not configured, so only this chain and two peers are labeled")

	cfg.TerraLCDURL = "https://lcd.example"
	cfg.TerraChainID = model.ChainIDFromUint32(4)
	require.Len(t, chainLabels(cfg), 4)
}

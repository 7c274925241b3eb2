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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

func TestChainQueueDepthIsCreatedOncePerChain(t *testing.T) {
	m := New()
	chain := model.ChainIDFromUint32(1)

	g1 := m.ChainQueueDepth(chain)
	g2 := m.ChainQueueDepth(chain)
	require.Same(t, g1, g2, "the same chain must reuse its gauge, not register a duplicate")

	g1.Update(5)
	require.Equal(t, int64(5), m.ChainQueueDepth(chain).Snapshot().Value())
}

func TestRecordVerificationIncrementsMatchingCounter(t *testing.T) {
	m := New()
	m.RecordVerification(model.ResultValid)
	m.RecordVerification(model.ResultInvalid)
	m.RecordVerification(model.ResultInvalid)
	m.RecordVerification(model.ResultPending)

	require.Equal(t, int64(1), m.VerificationsValid.Snapshot().Count())
	require.Equal(t, int64(2), m.VerificationsInvalid.Snapshot().Count())
	require.Equal(t, int64(1), m.VerificationsPending.Snapshot().Count())
}

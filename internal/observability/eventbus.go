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
	"github.com/ethereum/go-ethereum/log"

	"github.com/PlasticDigits/cl8y-watchtower/internal/eventbus"
)

// WireEventBus subscribes observability to bus, so chain resets and
// breaker trips are logged from one place rather than scattered across
// poller/canceler call sites. Counters for these events are already
// incremented directly by poller/canceler (they have the metric handles
// at hand); this only adds the operator-facing log line.
func WireEventBus(bus *eventbus.Bus) {
	bus.On(eventbus.TopicChainReset, func(ev eventbus.Event) {
		log.Info("chain reset event observed", "chain_id", ev.Data)
	})
	bus.On(eventbus.TopicBreakerTrip, func(ev eventbus.Event) {
		log.Info("breaker trip event observed", "chain_id", ev.Data)
	})
}

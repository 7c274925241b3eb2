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

// Package model defines the wire-independent data types shared by every
// watchtower component: chain identifiers, the pending-approval record
// produced by the pollers, and the verifier's tagged result.
package model

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID is the opaque 4-byte tag the bridge uses to identify a chain,
// EVM or Cosmos, on either side of a transfer.
type ChainID [4]byte

func (c ChainID) String() string {
	return hex.EncodeToString(c[:])
}

// ChainIDFromUint32 builds a ChainID from its big-endian numeric form,
// the convention EVM chain ids and Cosmos chain registry ids are both
// configured under.
func ChainIDFromUint32(v uint32) ChainID {
	var c ChainID
	c[0] = byte(v >> 24)
	c[1] = byte(v >> 16)
	c[2] = byte(v >> 8)
	c[3] = byte(v)
	return c
}

// ChainKind distinguishes the two transport/verification shapes a chain
// can have; the Canceler branches on it instead of any runtime type
// assertion.
type ChainKind uint8

const (
	ChainKindUnknown ChainKind = iota
	ChainKindEVM
	ChainKindCosmos
)

func (k ChainKind) String() string {
	switch k {
	case ChainKindEVM:
		return "EVM"
	case ChainKindCosmos:
		return "Cosmos"
	default:
		return "Unknown"
	}
}

// DiscoveredVia records which poller produced an approval. The Canceler
// does not consult it: the cancel path follows the destination chain's
// kind.
type DiscoveredVia uint8

const (
	DiscoveredViaUnknown DiscoveredVia = iota
	DiscoveredViaEVMEvent
	DiscoveredViaCosmosQuery
)

func (d DiscoveredVia) String() string {
	switch d {
	case DiscoveredViaEVMEvent:
		return "EVM_EVENT"
	case DiscoveredViaCosmosQuery:
		return "COSMOS_QUERY"
	default:
		return "UNKNOWN"
	}
}

// PendingApproval is the minimal record both pollers produce and the
// verifier and canceler consume. It is immutable once a poller creates
// it; any respecification of the same WithdrawHash is handled at the
// verification layer, never by mutating a previously seen value.
type PendingApproval struct {
	WithdrawHash   common.Hash
	SourceChainID  ChainID
	DestChainID    ChainID
	Recipient      string // hex address for EVM, bech32 for Cosmos
	Token          string // hex address for EVM, bech32 for Cosmos
	Amount         *big.Int
	Nonce          uint64
	ApprovedAtUnix int64
	DiscoveredVia  DiscoveredVia

	// BlockNumber/LogIndex are set only when DiscoveredVia is
	// DiscoveredViaEVMEvent; the EVM poller uses them to detect a reorg
	// re-exposing the same hash at a different position.
	BlockNumber uint64
	LogIndex    uint
}

// String renders an approval for structured log lines; go-ethereum's log
// package accepts any fmt.Stringer as a field value.
func (a PendingApproval) String() string {
	return fmt.Sprintf("approval{hash=%s src=%s dest=%s nonce=%d amount=%s via=%s}",
		a.WithdrawHash, a.SourceChainID, a.DestChainID, a.Nonce, a.Amount, a.DiscoveredVia)
}

// DepositRecord is the authoritative source-chain record the verifier
// recomputes a hash from. Its fields come from the source bridge, never
// from the approval being checked.
type DepositRecord struct {
	SourceChainID ChainID
	DestChainID   ChainID
	Token         string
	Recipient     string
	Amount        *big.Int
	Nonce         uint64
}

// VerificationResult is the verifier's tagged outcome. It is deliberately
// not an error: "I know this is fraudulent" and "I don't know yet, retry"
// are distinct states a caller must handle differently.
type VerificationResult uint8

const (
	ResultPending VerificationResult = iota
	ResultValid
	ResultInvalid
)

func (r VerificationResult) String() string {
	switch r {
	case ResultValid:
		return "Valid"
	case ResultInvalid:
		return "Invalid"
	default:
		return "Pending"
	}
}

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

// Package bridgehash recomputes the bridge's canonical withdraw hash
// from a deposit record, the one piece of cryptography every verifier
// call depends on. Getting the byte encoding wrong yields silent
// Invalid for every approval — a liveness bug, not a safety one, but a
// critical production hazard (spec's own open question). original_source/
// carried no reference implementation to check this against, so the
// Cosmos-address padding convention below is a documented, from-first-
// principles decision — see DESIGN.md.
package bridgehash

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/PlasticDigits/cl8y-watchtower/internal/model"
)

// Encode builds the 192-byte (6 x 32-byte word) preimage:
// encode(src, dest, token, recipient, amount, nonce). Chain ids and
// addresses are left-padded to 32 bytes; amounts are big-endian 32-byte
// words; nonces are a big-endian uint64 right-aligned inside a 32-byte
// word. destKind selects whether token/recipient are read as an EVM hex
// address or a Cosmos bech32 address.
func Encode(src, dest model.ChainID, token, recipient string, amount *big.Int, nonce uint64, destKind model.ChainKind) ([]byte, error) {
	tokenWord, err := wordFromAddress(token, destKind)
	if err != nil {
		return nil, err
	}
	recipientWord, err := wordFromAddress(recipient, destKind)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 192)
	buf = append(buf, wordFromChainID(src)...)
	buf = append(buf, wordFromChainID(dest)...)
	buf = append(buf, tokenWord...)
	buf = append(buf, recipientWord...)
	buf = append(buf, wordFromAmount(amount)...)
	buf = append(buf, wordFromNonce(nonce)...)
	return buf, nil
}

// Hash recomputes the canonical withdraw hash of a source-chain deposit
// record. destKind is the chain kind of rec.DestChainID, which governs
// how Token/Recipient are decoded.
func Hash(rec model.DepositRecord, destKind model.ChainKind) (common.Hash, error) {
	enc, err := Encode(rec.SourceChainID, rec.DestChainID, rec.Token, rec.Recipient, rec.Amount, rec.Nonce, destKind)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

func wordFromChainID(id model.ChainID) []byte {
	return common.LeftPadBytes(id[:], 32)
}

func wordFromAmount(amount *big.Int) []byte {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return common.LeftPadBytes(amount.Bytes(), 32)
}

func wordFromNonce(nonce uint64) []byte {
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], nonce)
	return word
}

// wordFromAddress normalizes an EVM hex address or a Cosmos bech32
// address to its raw bytes, left-padded to a 32-byte word, so hash
// recomputation has one convention regardless of destination chain
// kind.
func wordFromAddress(addr string, kind model.ChainKind) ([]byte, error) {
	switch kind {
	case model.ChainKindCosmos:
		_, raw, err := bech32.DecodeAndConvert(addr)
		if err != nil {
			return nil, err
		}
		return common.LeftPadBytes(raw, 32), nil
	default:
		a := common.HexToAddress(strings.TrimSpace(addr))
		return common.LeftPadBytes(a.Bytes(), 32), nil
	}
}
